package types

import (
	"time"
)

// User is platform user info, keyed by external (Telegram) user ID.
type User struct {
	ID        int64     `gorm:"primaryKey;column:id" json:"id"`
	Username  string    `gorm:"column:username" json:"username"`
	FullName  string    `gorm:"not null;column:full_name" json:"full_name"`
	Pronouns  string    `gorm:"column:pronouns" json:"pronouns"`
	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}
