package repos

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/gryagbot/gryag-backend/internal/logger"
	"github.com/gryagbot/gryag-backend/internal/types"
)

type SummaryRepo interface {
	// Add inserts a new summary row; it becomes the current one for
	// (chatID, kind) by virtue of being the newest. Older rows are kept
	// but never read back by context assembly.
	Add(ctx context.Context, tx *gorm.DB, summary *types.Summary) (*types.Summary, error)
	// GetCurrent returns the most recently created summary for the
	// (chat, kind) pair, or ErrNotFound.
	GetCurrent(ctx context.Context, tx *gorm.DB, chatID int64, kind string) (*types.Summary, error)
	GetAllForChat(ctx context.Context, tx *gorm.DB, chatID int64) ([]*types.Summary, error)
}

type summaryRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSummaryRepo(db *gorm.DB, baseLog *logger.Logger) SummaryRepo {
	return &summaryRepo{db: db, log: baseLog.With("repo", "SummaryRepo")}
}

func (sr *summaryRepo) Add(ctx context.Context, tx *gorm.DB, summary *types.Summary) (*types.Summary, error) {
	transaction := tx
	if transaction == nil {
		transaction = sr.db
	}

	if err := transaction.WithContext(ctx).Create(summary).Error; err != nil {
		return nil, err
	}
	return summary, nil
}

func (sr *summaryRepo) GetCurrent(ctx context.Context, tx *gorm.DB, chatID int64, kind string) (*types.Summary, error) {
	transaction := tx
	if transaction == nil {
		transaction = sr.db
	}

	var summary types.Summary
	err := transaction.WithContext(ctx).
		Where("chat_id = ? AND kind = ?", chatID, kind).
		Order("created_at DESC").
		First(&summary).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

func (sr *summaryRepo) GetAllForChat(ctx context.Context, tx *gorm.DB, chatID int64) ([]*types.Summary, error) {
	transaction := tx
	if transaction == nil {
		transaction = sr.db
	}

	var results []*types.Summary
	if err := transaction.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at DESC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
