package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atlaslearn/masterygraph-backend/internal/platform/logger"
	"github.com/atlaslearn/masterygraph-backend/internal/types"
)

type MasteryStatusRepo interface {
	Get(ctx context.Context, tx *gorm.DB, learnerID, conceptID uuid.UUID) (*types.MasteryStatus, error)
	GetByLearnerAndConceptIDs(ctx context.Context, tx *gorm.DB, learnerID uuid.UUID, conceptIDs []uuid.UUID) ([]*types.MasteryStatus, error)
	// EnsureRow inserts the zero-state row if missing; the pair's unique index
	// makes a concurrent double insert a no-op.
	EnsureRow(ctx context.Context, tx *gorm.DB, learnerID, conceptID uuid.UUID) error
	// GetForUpdate takes a row lock on the pair. Must run inside a transaction;
	// this is the serialization point for concurrent attempt folds.
	GetForUpdate(ctx context.Context, tx *gorm.DB, learnerID, conceptID uuid.UUID) (*types.MasteryStatus, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
}

type masteryStatusRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMasteryStatusRepo(db *gorm.DB, baseLog *logger.Logger) MasteryStatusRepo {
	return &masteryStatusRepo{db: db, log: baseLog.With("repo", "MasteryStatusRepo")}
}

func (r *masteryStatusRepo) Get(ctx context.Context, tx *gorm.DB, learnerID, conceptID uuid.UUID) (*types.MasteryStatus, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if learnerID == uuid.Nil || conceptID == uuid.Nil {
		return nil, nil
	}
	var row types.MasteryStatus
	err := transaction.WithContext(ctx).
		Where("learner_id = ? AND concept_id = ?", learnerID, conceptID).
		Limit(1).
		Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == uuid.Nil {
		return nil, nil
	}
	return &row, nil
}

func (r *masteryStatusRepo) GetByLearnerAndConceptIDs(ctx context.Context, tx *gorm.DB, learnerID uuid.UUID, conceptIDs []uuid.UUID) ([]*types.MasteryStatus, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.MasteryStatus
	if learnerID == uuid.Nil || len(conceptIDs) == 0 {
		return results, nil
	}
	if err := transaction.WithContext(ctx).
		Where("learner_id = ? AND concept_id IN ?", learnerID, conceptIDs).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *masteryStatusRepo) EnsureRow(ctx context.Context, tx *gorm.DB, learnerID, conceptID uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if learnerID == uuid.Nil || conceptID == uuid.Nil {
		return nil
	}
	now := time.Now().UTC()
	row := &types.MasteryStatus{
		ID:        uuid.New(),
		LearnerID: learnerID,
		ConceptID: conceptID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "learner_id"}, {Name: "concept_id"}},
			DoNothing: true,
		}).
		Create(row).Error
}

func (r *masteryStatusRepo) GetForUpdate(ctx context.Context, tx *gorm.DB, learnerID, conceptID uuid.UUID) (*types.MasteryStatus, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(ctx)
	// sqlite has no FOR UPDATE; its single-writer model serializes the fold.
	if transaction.Dialector.Name() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row types.MasteryStatus
	err := q.
		Where("learner_id = ? AND concept_id = ?", learnerID, conceptID).
		Limit(1).
		Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == uuid.Nil {
		return nil, nil
	}
	return &row, nil
}

func (r *masteryStatusRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil || len(updates) == 0 {
		return nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(ctx).
		Model(&types.MasteryStatus{}).
		Where("id = ?", id).
		Updates(updates).Error
}
