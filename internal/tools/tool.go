package tools

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gryagbot/gryag-backend/internal/llm"
)

// Caller identifies who triggered the current turn. Tools that operate
// on per-user state take the identity from here, never from model
// supplied arguments.
type Caller struct {
	UserID   int64
	ChatID   int64
	Username string
}

// Tool is one callable capability exposed to the model. Execute returns
// the JSON payload that is fed back as the tool result message.
type Tool interface {
	Name() string
	Schema() llm.ToolSchema
	Execute(ctx context.Context, caller Caller, args json.RawMessage) (string, error)
}

var ErrUnknownTool = errors.New("unknown tool")

func objectSchema(description string, properties map[string]any, required ...string) llm.ToolSchema {
	params := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		params["required"] = required
	}
	return llm.ToolSchema{
		Type: "function",
		Function: llm.FunctionSchema{
			Description: description,
			Parameters:  params,
		},
	}
}

func marshalResult(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
