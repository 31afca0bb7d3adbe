package types

import (
	"time"
)

// UserMemory is one persistent fact about a user. The per-user count is
// capped by application logic (FIFO eviction in MemoryRepo), not by a
// database constraint.
type UserMemory struct {
	ID        int64     `gorm:"primaryKey;autoIncrement;column:id" json:"id"`
	UserID    int64     `gorm:"not null;index:ix_memories_user;column:user_id" json:"user_id"`
	Fact      string    `gorm:"not null;type:text;column:fact" json:"fact"`
	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (UserMemory) TableName() string {
	return "user_memories"
}
