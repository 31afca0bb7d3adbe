package main

import (
	"context"
	"time"

	"gorm.io/datatypes"

	"github.com/gryagbot/gryag-backend/internal/llm"
	"github.com/gryagbot/gryag-backend/internal/logger"
	"github.com/gryagbot/gryag-backend/internal/repos"
	"github.com/gryagbot/gryag-backend/internal/types"
)

// callRecorder persists gateway call audit rows. Recording is
// best-effort; an audit write failure never fails the turn.
type callRecorder struct {
	logs repos.LLMCallLogRepo
	log  *logger.Logger
}

func newCallRecorder(logs repos.LLMCallLogRepo, baseLog *logger.Logger) *callRecorder {
	return &callRecorder{logs: logs, log: baseLog.With("service", "CallRecorder")}
}

func (r *callRecorder) Record(ctx context.Context, rec llm.CallRecord) {
	// The turn's context may already be canceled by the time we get here.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	row := &types.LLMCallLog{
		ChatID:    rec.ChatID,
		Model:     rec.Model,
		Kind:      rec.Kind,
		Status:    rec.Status,
		LatencyMS: rec.Latency.Milliseconds(),
		Attempts:  rec.Attempts,
		Request:   datatypes.JSON(rec.Request),
		Response:  datatypes.JSON(rec.Response),
		ErrorText: rec.ErrorText,
	}
	if _, err := r.logs.Add(ctx, nil, row); err != nil {
		r.log.Warn("Failed to persist LLM call log", "error", err.Error())
	}
}
