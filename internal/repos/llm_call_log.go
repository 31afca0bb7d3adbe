package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/gryagbot/gryag-backend/internal/logger"
	"github.com/gryagbot/gryag-backend/internal/types"
)

type LLMCallLogRepo interface {
	Add(ctx context.Context, tx *gorm.DB, row *types.LLMCallLog) (*types.LLMCallLog, error)
	GetByChat(ctx context.Context, tx *gorm.DB, chatID int64, limit int) ([]*types.LLMCallLog, error)
}

type llmCallLogRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewLLMCallLogRepo(db *gorm.DB, baseLog *logger.Logger) LLMCallLogRepo {
	return &llmCallLogRepo{db: db, log: baseLog.With("repo", "LLMCallLogRepo")}
}

func (lr *llmCallLogRepo) Add(ctx context.Context, tx *gorm.DB, row *types.LLMCallLog) (*types.LLMCallLog, error) {
	transaction := tx
	if transaction == nil {
		transaction = lr.db
	}

	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	if err := transaction.WithContext(ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (lr *llmCallLogRepo) GetByChat(ctx context.Context, tx *gorm.DB, chatID int64, limit int) ([]*types.LLMCallLog, error) {
	transaction := tx
	if transaction == nil {
		transaction = lr.db
	}

	var results []*types.LLMCallLog
	if err := transaction.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at DESC").
		Limit(limit).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
