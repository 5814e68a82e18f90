package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atlaslearn/masterygraph-backend/internal/platform/logger"
	"github.com/atlaslearn/masterygraph-backend/internal/types"
)

type ExtractionRunRepo interface {
	Create(ctx context.Context, tx *gorm.DB, runs []*types.ExtractionRun) ([]*types.ExtractionRun, error)
	GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.ExtractionRun, error)
	GetLatestByCollectionID(ctx context.Context, tx *gorm.DB, collectionID uuid.UUID) (*types.ExtractionRun, error)
	GetLatestSucceededByCollectionID(ctx context.Context, tx *gorm.DB, collectionID uuid.UUID) (*types.ExtractionRun, error)
	// GetInFlightByCollectionID returns a queued or running run for the
	// collection, if any; a second extraction request joins it.
	GetInFlightByCollectionID(ctx context.Context, tx *gorm.DB, collectionID uuid.UUID) (*types.ExtractionRun, error)

	// ClaimNextRunnable picks the next run that is queued, retryable-failed,
	// or running with a stale heartbeat (crash recovery), and atomically marks
	// it running.
	ClaimNextRunnable(ctx context.Context, tx *gorm.DB, maxAttempts int, retryDelay time.Duration, staleRunning time.Duration) (*types.ExtractionRun, error)

	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type extractionRunRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewExtractionRunRepo(db *gorm.DB, baseLog *logger.Logger) ExtractionRunRepo {
	return &extractionRunRepo{db: db, log: baseLog.With("repo", "ExtractionRunRepo")}
}

func (r *extractionRunRepo) Create(ctx context.Context, tx *gorm.DB, runs []*types.ExtractionRun) ([]*types.ExtractionRun, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(runs) == 0 {
		return []*types.ExtractionRun{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

func (r *extractionRunRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.ExtractionRun, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.ExtractionRun
	if len(ids) == 0 {
		return results, nil
	}
	if err := transaction.WithContext(ctx).
		Where("id IN ?", ids).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *extractionRunRepo) GetLatestByCollectionID(ctx context.Context, tx *gorm.DB, collectionID uuid.UUID) (*types.ExtractionRun, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if collectionID == uuid.Nil {
		return nil, nil
	}
	var run types.ExtractionRun
	err := transaction.WithContext(ctx).
		Where("collection_id = ?", collectionID).
		Order("created_at DESC").
		Limit(1).
		Find(&run).Error
	if err != nil {
		return nil, err
	}
	if run.ID == uuid.Nil {
		return nil, nil
	}
	return &run, nil
}

func (r *extractionRunRepo) GetLatestSucceededByCollectionID(ctx context.Context, tx *gorm.DB, collectionID uuid.UUID) (*types.ExtractionRun, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if collectionID == uuid.Nil {
		return nil, nil
	}
	var run types.ExtractionRun
	err := transaction.WithContext(ctx).
		Where("collection_id = ? AND status = ?", collectionID, types.RunStatusSucceeded).
		Order("created_at DESC").
		Limit(1).
		Find(&run).Error
	if err != nil {
		return nil, err
	}
	if run.ID == uuid.Nil {
		return nil, nil
	}
	return &run, nil
}

func (r *extractionRunRepo) GetInFlightByCollectionID(ctx context.Context, tx *gorm.DB, collectionID uuid.UUID) (*types.ExtractionRun, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if collectionID == uuid.Nil {
		return nil, nil
	}
	var run types.ExtractionRun
	err := transaction.WithContext(ctx).
		Where("collection_id = ? AND status IN ?", collectionID, []string{types.RunStatusQueued, types.RunStatusRunning}).
		Order("created_at ASC").
		Limit(1).
		Find(&run).Error
	if err != nil {
		return nil, err
	}
	if run.ID == uuid.Nil {
		return nil, nil
	}
	return &run, nil
}

func (r *extractionRunRepo) ClaimNextRunnable(
	ctx context.Context,
	tx *gorm.DB,
	maxAttempts int,
	retryDelay time.Duration,
	staleRunning time.Duration,
) (*types.ExtractionRun, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	now := time.Now()
	retryCutoff := now.Add(-retryDelay)
	staleCutoff := now.Add(-staleRunning)

	var claimed *types.ExtractionRun

	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var run types.ExtractionRun

		q := txx
		if txx.Dialector.Name() != "sqlite" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		q = q.
			Where(`
				(
					status = ?
					OR (
						status = ?
						AND attempts < ?
						AND (last_error_at IS NULL OR last_error_at < ?)
					)
					OR (
						status = ?
						AND heartbeat_at IS NOT NULL
						AND heartbeat_at < ?
					)
				)
			`, types.RunStatusQueued, types.RunStatusFailed, maxAttempts, retryCutoff, types.RunStatusRunning, staleCutoff).
			Order("created_at ASC")

		qErr := q.First(&run).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}

		uErr := txx.Model(&types.ExtractionRun{}).
			Where("id = ?", run.ID).
			Updates(map[string]interface{}{
				"status":       types.RunStatusRunning,
				"attempts":     gorm.Expr("attempts + 1"),
				"locked_at":    now,
				"heartbeat_at": now,
				"updated_at":   now,
			}).Error
		if uErr != nil {
			return uErr
		}

		claimed = &run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *extractionRunRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(ctx).
		Model(&types.ExtractionRun{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *extractionRunRepo) Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return transaction.WithContext(ctx).
		Model(&types.ExtractionRun{}).
		Where("id = ? AND status = ?", id, types.RunStatusRunning).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}
