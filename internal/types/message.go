package types

import (
	"time"
)

// Message is one stored chat message. Rows are immutable once written;
// conversation order is defined by CreatedAt.
type Message struct {
	ID                int64     `gorm:"primaryKey;autoIncrement;column:id" json:"id"`
	ExternalMessageID int64     `gorm:"not null;index:ix_messages_chat_external,priority:2;column:external_message_id" json:"external_message_id"`
	ChatID            int64     `gorm:"not null;index:ix_messages_chat_created,priority:1;index:ix_messages_chat_external,priority:1;column:chat_id" json:"chat_id"`
	UserID            *int64    `gorm:"column:user_id" json:"user_id"`
	Content           string    `gorm:"not null;type:text;column:content" json:"content"`
	ContentType       string    `gorm:"not null;default:text;column:content_type" json:"content_type"`
	ReplyToMessageID  *int64    `gorm:"column:reply_to_message_id" json:"reply_to_message_id"`
	IsAssistant       bool      `gorm:"not null;default:false;column:is_assistant" json:"is_assistant"`
	CreatedAt         time.Time `gorm:"not null;default:now();index:ix_messages_chat_created,priority:2" json:"created_at"`
}

func (Message) TableName() string {
	return "messages"
}
