package repos

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/gryagbot/gryag-backend/internal/logger"
	"github.com/gryagbot/gryag-backend/internal/types"
)

type MessageRepo interface {
	Add(ctx context.Context, tx *gorm.DB, message *types.Message) (*types.Message, error)
	// GetRecent returns the last `limit` messages for the chat in
	// chronological order (oldest first).
	GetRecent(ctx context.Context, tx *gorm.DB, chatID int64, limit int) ([]*types.Message, error)
	// GetBetween returns messages with created_at in [start, end),
	// chronological order.
	GetBetween(ctx context.Context, tx *gorm.DB, chatID int64, start, end time.Time) ([]*types.Message, error)
	FindByExternalID(ctx context.Context, tx *gorm.DB, chatID int64, externalMessageID int64) (*types.Message, error)
	DeleteOld(ctx context.Context, tx *gorm.DB, chatID int64, olderThan time.Time) (int64, error)
}

type messageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMessageRepo(db *gorm.DB, baseLog *logger.Logger) MessageRepo {
	return &messageRepo{db: db, log: baseLog.With("repo", "MessageRepo")}
}

func (mr *messageRepo) Add(ctx context.Context, tx *gorm.DB, message *types.Message) (*types.Message, error) {
	transaction := tx
	if transaction == nil {
		transaction = mr.db
	}

	if err := transaction.WithContext(ctx).Create(message).Error; err != nil {
		return nil, err
	}
	return message, nil
}

func (mr *messageRepo) GetRecent(ctx context.Context, tx *gorm.DB, chatID int64, limit int) ([]*types.Message, error) {
	transaction := tx
	if transaction == nil {
		transaction = mr.db
	}

	var results []*types.Message
	if err := transaction.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at DESC").
		Limit(limit).
		Find(&results).Error; err != nil {
		return nil, err
	}

	// Query returns newest-first; callers want conversation order.
	for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
		results[i], results[j] = results[j], results[i]
	}
	return results, nil
}

func (mr *messageRepo) GetBetween(ctx context.Context, tx *gorm.DB, chatID int64, start, end time.Time) ([]*types.Message, error) {
	transaction := tx
	if transaction == nil {
		transaction = mr.db
	}

	var results []*types.Message
	if err := transaction.WithContext(ctx).
		Where("chat_id = ? AND created_at >= ? AND created_at < ?", chatID, start, end).
		Order("created_at ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (mr *messageRepo) FindByExternalID(ctx context.Context, tx *gorm.DB, chatID int64, externalMessageID int64) (*types.Message, error) {
	transaction := tx
	if transaction == nil {
		transaction = mr.db
	}

	var msg types.Message
	err := transaction.WithContext(ctx).
		Where("chat_id = ? AND external_message_id = ?", chatID, externalMessageID).
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (mr *messageRepo) DeleteOld(ctx context.Context, tx *gorm.DB, chatID int64, olderThan time.Time) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = mr.db
	}

	res := transaction.WithContext(ctx).
		Where("chat_id = ? AND created_at < ?", chatID, olderThan).
		Delete(&types.Message{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
