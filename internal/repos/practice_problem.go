package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/atlaslearn/masterygraph-backend/internal/platform/logger"
	"github.com/atlaslearn/masterygraph-backend/internal/types"
)

type PracticeProblemRepo interface {
	Create(ctx context.Context, tx *gorm.DB, problems []*types.PracticeProblem) ([]*types.PracticeProblem, error)
	GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.PracticeProblem, error)
	GetByConceptID(ctx context.Context, tx *gorm.DB, conceptID uuid.UUID) ([]*types.PracticeProblem, error)
	GetByConceptIDs(ctx context.Context, tx *gorm.DB, conceptIDs []uuid.UUID) ([]*types.PracticeProblem, error)
}

type practiceProblemRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPracticeProblemRepo(db *gorm.DB, baseLog *logger.Logger) PracticeProblemRepo {
	return &practiceProblemRepo{db: db, log: baseLog.With("repo", "PracticeProblemRepo")}
}

func (r *practiceProblemRepo) Create(ctx context.Context, tx *gorm.DB, problems []*types.PracticeProblem) ([]*types.PracticeProblem, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(problems) == 0 {
		return []*types.PracticeProblem{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&problems).Error; err != nil {
		return nil, err
	}
	return problems, nil
}

func (r *practiceProblemRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.PracticeProblem, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.PracticeProblem
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

func (r *practiceProblemRepo) GetByConceptID(ctx context.Context, tx *gorm.DB, conceptID uuid.UUID) ([]*types.PracticeProblem, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.PracticeProblem
	if conceptID == uuid.Nil {
		return results, nil
	}
	if err := transaction.WithContext(ctx).
		Where("concept_id = ?", conceptID).
		Order("created_at ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *practiceProblemRepo) GetByConceptIDs(ctx context.Context, tx *gorm.DB, conceptIDs []uuid.UUID) ([]*types.PracticeProblem, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.PracticeProblem
	if len(conceptIDs) == 0 {
		return results, nil
	}
	if err := transaction.WithContext(ctx).
		Where("concept_id IN ?", conceptIDs).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
