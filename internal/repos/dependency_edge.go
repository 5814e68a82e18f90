package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/atlaslearn/masterygraph-backend/internal/platform/logger"
	"github.com/atlaslearn/masterygraph-backend/internal/types"
)

type DependencyEdgeRepo interface {
	Create(ctx context.Context, tx *gorm.DB, edges []*types.DependencyEdge) ([]*types.DependencyEdge, error)
	// GetByConceptIDs returns every edge whose subject or prerequisite is one
	// of the given concepts. Edges carry no collection id of their own; the
	// caller scopes by the collection's concept set.
	GetByConceptIDs(ctx context.Context, tx *gorm.DB, conceptIDs []uuid.UUID) ([]*types.DependencyEdge, error)
	PairExists(ctx context.Context, tx *gorm.DB, conceptID, prerequisiteID uuid.UUID) (bool, error)
	DeleteByConceptIDs(ctx context.Context, tx *gorm.DB, conceptIDs []uuid.UUID) error
}

type dependencyEdgeRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDependencyEdgeRepo(db *gorm.DB, baseLog *logger.Logger) DependencyEdgeRepo {
	return &dependencyEdgeRepo{db: db, log: baseLog.With("repo", "DependencyEdgeRepo")}
}

func (r *dependencyEdgeRepo) Create(ctx context.Context, tx *gorm.DB, edges []*types.DependencyEdge) ([]*types.DependencyEdge, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(edges) == 0 {
		return []*types.DependencyEdge{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&edges).Error; err != nil {
		return nil, err
	}
	return edges, nil
}

func (r *dependencyEdgeRepo) GetByConceptIDs(ctx context.Context, tx *gorm.DB, conceptIDs []uuid.UUID) ([]*types.DependencyEdge, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.DependencyEdge
	if len(conceptIDs) == 0 {
		return results, nil
	}
	if err := transaction.WithContext(ctx).
		Where("concept_id IN ? OR prerequisite_id IN ?", conceptIDs, conceptIDs).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *dependencyEdgeRepo) PairExists(ctx context.Context, tx *gorm.DB, conceptID, prerequisiteID uuid.UUID) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var count int64
	err := transaction.WithContext(ctx).
		Model(&types.DependencyEdge{}).
		Where("concept_id = ? AND prerequisite_id = ?", conceptID, prerequisiteID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *dependencyEdgeRepo) DeleteByConceptIDs(ctx context.Context, tx *gorm.DB, conceptIDs []uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(conceptIDs) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		Where("concept_id IN ? OR prerequisite_id IN ?", conceptIDs, conceptIDs).
		Delete(&types.DependencyEdge{}).Error
}
