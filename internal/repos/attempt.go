package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/atlaslearn/masterygraph-backend/internal/platform/logger"
	"github.com/atlaslearn/masterygraph-backend/internal/types"
)

// AttemptRepo only appends and reads. There is deliberately no update or
// delete operation; attempts are the audit trail everything else derives from.
type AttemptRepo interface {
	Append(ctx context.Context, tx *gorm.DB, attempts []*types.Attempt) ([]*types.Attempt, error)
	GetByLearnerAndProblemIDs(ctx context.Context, tx *gorm.DB, learnerID uuid.UUID, problemIDs []uuid.UUID) ([]*types.Attempt, error)
	// ConceptIDsWithAttempts filters the given concepts down to those that any
	// attempt references through its problem, used when a re-extraction must
	// decide between deleting and orphaning.
	ConceptIDsWithAttempts(ctx context.Context, tx *gorm.DB, conceptIDs []uuid.UUID) ([]uuid.UUID, error)
}

type attemptRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAttemptRepo(db *gorm.DB, baseLog *logger.Logger) AttemptRepo {
	return &attemptRepo{db: db, log: baseLog.With("repo", "AttemptRepo")}
}

func (r *attemptRepo) Append(ctx context.Context, tx *gorm.DB, attempts []*types.Attempt) ([]*types.Attempt, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(attempts) == 0 {
		return []*types.Attempt{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&attempts).Error; err != nil {
		return nil, err
	}
	return attempts, nil
}

func (r *attemptRepo) GetByLearnerAndProblemIDs(ctx context.Context, tx *gorm.DB, learnerID uuid.UUID, problemIDs []uuid.UUID) ([]*types.Attempt, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.Attempt
	if learnerID == uuid.Nil || len(problemIDs) == 0 {
		return results, nil
	}
	if err := transaction.WithContext(ctx).
		Where("learner_id = ? AND problem_id IN ?", learnerID, problemIDs).
		Order("created_at ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *attemptRepo) ConceptIDsWithAttempts(ctx context.Context, tx *gorm.DB, conceptIDs []uuid.UUID) ([]uuid.UUID, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(conceptIDs) == 0 {
		return nil, nil
	}
	var ids []uuid.UUID
	err := transaction.WithContext(ctx).
		Model(&types.Attempt{}).
		Distinct("practice_problem.concept_id").
		Joins("JOIN practice_problem ON practice_problem.id = attempt.problem_id").
		Where("practice_problem.concept_id IN ?", conceptIDs).
		Pluck("practice_problem.concept_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
