package types

import (
	"time"
)

// Chat is platform chat metadata. The primary key is the external
// (Telegram) chat ID, which is why it is not auto-generated.
type Chat struct {
	ID          int64     `gorm:"primaryKey;column:id" json:"id"`
	Title       string    `gorm:"column:title" json:"title"`
	ChatType    string    `gorm:"not null;column:chat_type" json:"chat_type"`
	MemberCount int       `gorm:"column:member_count" json:"member_count"`
	IsActive    bool      `gorm:"not null;default:true;column:is_active" json:"is_active"`
	CreatedAt   time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt   time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (Chat) TableName() string {
	return "chats"
}
