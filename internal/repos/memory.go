package repos

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/gryagbot/gryag-backend/internal/logger"
	"github.com/gryagbot/gryag-backend/internal/types"
)

type MemoryRepo interface {
	// Add inserts a fact and evicts the oldest rows beyond the per-user
	// cap, all within one transaction so concurrent inserts cannot leave
	// the user over the cap.
	Add(ctx context.Context, tx *gorm.DB, userID int64, fact string) (*types.UserMemory, error)
	// List returns all facts for the user in insertion order. A non-empty
	// query filters by case-insensitive substring containment; this is a
	// best-effort filter, not semantic search.
	List(ctx context.Context, tx *gorm.DB, userID int64, query string) ([]*types.UserMemory, error)
	Count(ctx context.Context, tx *gorm.DB, userID int64) (int64, error)
	DeleteByID(ctx context.Context, tx *gorm.DB, memoryID int64) (bool, error)
	DeleteAllForUser(ctx context.Context, tx *gorm.DB, userID int64) (int64, error)
	FindDuplicate(ctx context.Context, tx *gorm.DB, userID int64, fact string) (*types.UserMemory, error)
}

type memoryRepo struct {
	db       *gorm.DB
	log      *logger.Logger
	maxFacts int
}

func NewMemoryRepo(db *gorm.DB, maxFacts int, baseLog *logger.Logger) MemoryRepo {
	if maxFacts <= 0 {
		maxFacts = 50
	}
	return &memoryRepo{db: db, log: baseLog.With("repo", "MemoryRepo"), maxFacts: maxFacts}
}

func (mr *memoryRepo) Add(ctx context.Context, tx *gorm.DB, userID int64, fact string) (*types.UserMemory, error) {
	transaction := tx
	if transaction == nil {
		transaction = mr.db
	}

	memory := &types.UserMemory{UserID: userID, Fact: fact}

	err := transaction.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		// Inserts for one user must serialize, or two racing transactions
		// can both count over the cap and target the same oldest row.
		// Sqlite serializes writers on its own.
		if txn.Dialector.Name() == "postgres" {
			if err := txn.Exec("SELECT pg_advisory_xact_lock(?)", userID).Error; err != nil {
				return err
			}
		}

		if err := txn.Create(memory).Error; err != nil {
			return err
		}

		var count int64
		if err := txn.Model(&types.UserMemory{}).
			Where("user_id = ?", userID).
			Count(&count).Error; err != nil {
			return err
		}
		if count <= int64(mr.maxFacts) {
			return nil
		}

		// Evict strictly by insertion order, oldest first.
		excess := int(count - int64(mr.maxFacts))
		var oldestIDs []int64
		if err := txn.Model(&types.UserMemory{}).
			Where("user_id = ?", userID).
			Order("id ASC").
			Limit(excess).
			Pluck("id", &oldestIDs).Error; err != nil {
			return err
		}
		if len(oldestIDs) == 0 {
			return nil
		}
		return txn.Where("id IN ?", oldestIDs).Delete(&types.UserMemory{}).Error
	})
	if err != nil {
		return nil, err
	}
	return memory, nil
}

func (mr *memoryRepo) List(ctx context.Context, tx *gorm.DB, userID int64, query string) ([]*types.UserMemory, error) {
	transaction := tx
	if transaction == nil {
		transaction = mr.db
	}

	var results []*types.UserMemory
	if err := transaction.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}

	query = strings.TrimSpace(query)
	if query == "" {
		return results, nil
	}

	// Substring filtering happens here rather than in SQL so behavior is
	// identical across the postgres and sqlite drivers.
	needle := strings.ToLower(query)
	filtered := results[:0]
	for _, m := range results {
		if strings.Contains(strings.ToLower(m.Fact), needle) {
			filtered = append(filtered, m)
		}
	}
	return filtered, nil
}

func (mr *memoryRepo) Count(ctx context.Context, tx *gorm.DB, userID int64) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = mr.db
	}

	var count int64
	if err := transaction.WithContext(ctx).
		Model(&types.UserMemory{}).
		Where("user_id = ?", userID).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (mr *memoryRepo) DeleteByID(ctx context.Context, tx *gorm.DB, memoryID int64) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = mr.db
	}

	res := transaction.WithContext(ctx).
		Where("id = ?", memoryID).
		Delete(&types.UserMemory{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (mr *memoryRepo) DeleteAllForUser(ctx context.Context, tx *gorm.DB, userID int64) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = mr.db
	}

	res := transaction.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&types.UserMemory{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (mr *memoryRepo) FindDuplicate(ctx context.Context, tx *gorm.DB, userID int64, fact string) (*types.UserMemory, error) {
	transaction := tx
	if transaction == nil {
		transaction = mr.db
	}

	var memory types.UserMemory
	err := transaction.WithContext(ctx).
		Where("user_id = ? AND fact = ?", userID, fact).
		First(&memory).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &memory, nil
}
