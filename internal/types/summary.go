package types

import (
	"time"
)

// Summary kinds. Exactly one "current" summary exists per (chat, kind):
// the most recently created row. Older rows are kept for audit and are
// never read by context assembly.
const (
	SummaryKindRecent = "recent"
	SummaryKindLong   = "long"
)

type Summary struct {
	ID          int64     `gorm:"primaryKey;autoIncrement;column:id" json:"id"`
	ChatID      int64     `gorm:"not null;index:ix_summaries_chat_kind,priority:1;column:chat_id" json:"chat_id"`
	Kind        string    `gorm:"not null;index:ix_summaries_chat_kind,priority:2;column:kind" json:"kind"`
	Content     string    `gorm:"not null;type:text;column:content" json:"content"`
	TokenCount  int       `gorm:"not null;column:token_count" json:"token_count"`
	PeriodStart time.Time `gorm:"not null;column:period_start" json:"period_start"`
	PeriodEnd   time.Time `gorm:"not null;column:period_end" json:"period_end"`
	CreatedAt   time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (Summary) TableName() string {
	return "summaries"
}
