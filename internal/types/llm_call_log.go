package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// LLMCallLog is an audit row for one upstream completion call: which
// model, how long it took, whether it succeeded, and the raw payloads.
type LLMCallLog struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey;column:id" json:"id"`
	ChatID     int64          `gorm:"index:ix_llm_call_logs_chat;column:chat_id" json:"chat_id"`
	Model      string         `gorm:"not null;column:model" json:"model"`
	Kind       string         `gorm:"not null;column:kind" json:"kind"` // completion, tool_loop, vision, summary
	Status     string         `gorm:"not null;column:status" json:"status"`
	LatencyMS  int64          `gorm:"not null;column:latency_ms" json:"latency_ms"`
	Attempts   int            `gorm:"not null;column:attempts" json:"attempts"`
	Request    datatypes.JSON `gorm:"column:request" json:"request"`
	Response   datatypes.JSON `gorm:"column:response" json:"response"`
	ErrorText  string         `gorm:"type:text;column:error_text" json:"error_text"`
	CreatedAt  time.Time      `gorm:"not null;default:now()" json:"created_at"`
}

func (LLMCallLog) TableName() string {
	return "llm_call_logs"
}
