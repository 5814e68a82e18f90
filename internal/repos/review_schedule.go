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

type ReviewScheduleRepo interface {
	// Enroll inserts the initial schedule for a (learner, problem); if one
	// already exists the insert is a no-op so re-mastery cannot reset cadence.
	Enroll(ctx context.Context, tx *gorm.DB, schedules []*types.ReviewSchedule) error
	Get(ctx context.Context, tx *gorm.DB, learnerID, problemID uuid.UUID) (*types.ReviewSchedule, error)
	GetForUpdate(ctx context.Context, tx *gorm.DB, learnerID, problemID uuid.UUID) (*types.ReviewSchedule, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	// DueBefore returns the learner's schedules with next_review_at <= asOf,
	// oldest due first.
	DueBefore(ctx context.Context, tx *gorm.DB, learnerID uuid.UUID, asOf time.Time) ([]*types.ReviewSchedule, error)
	ListByLearner(ctx context.Context, tx *gorm.DB, learnerID uuid.UUID) ([]*types.ReviewSchedule, error)
	// LearnersWithDue lists distinct learners holding at least one due review,
	// for the periodic notification sweep.
	LearnersWithDue(ctx context.Context, tx *gorm.DB, asOf time.Time) ([]uuid.UUID, error)
}

type reviewScheduleRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewReviewScheduleRepo(db *gorm.DB, baseLog *logger.Logger) ReviewScheduleRepo {
	return &reviewScheduleRepo{db: db, log: baseLog.With("repo", "ReviewScheduleRepo")}
}

func (r *reviewScheduleRepo) Enroll(ctx context.Context, tx *gorm.DB, schedules []*types.ReviewSchedule) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(schedules) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "learner_id"}, {Name: "problem_id"}},
			DoNothing: true,
		}).
		Create(&schedules).Error
}

func (r *reviewScheduleRepo) Get(ctx context.Context, tx *gorm.DB, learnerID, problemID uuid.UUID) (*types.ReviewSchedule, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if learnerID == uuid.Nil || problemID == uuid.Nil {
		return nil, nil
	}
	var row types.ReviewSchedule
	err := transaction.WithContext(ctx).
		Where("learner_id = ? AND problem_id = ?", learnerID, problemID).
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

func (r *reviewScheduleRepo) GetForUpdate(ctx context.Context, tx *gorm.DB, learnerID, problemID uuid.UUID) (*types.ReviewSchedule, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(ctx)
	if transaction.Dialector.Name() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row types.ReviewSchedule
	err := q.
		Where("learner_id = ? AND problem_id = ?", learnerID, problemID).
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

func (r *reviewScheduleRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.ReviewSchedule{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *reviewScheduleRepo) DueBefore(ctx context.Context, tx *gorm.DB, learnerID uuid.UUID, asOf time.Time) ([]*types.ReviewSchedule, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.ReviewSchedule
	if learnerID == uuid.Nil {
		return results, nil
	}
	if err := transaction.WithContext(ctx).
		Where("learner_id = ? AND next_review_at <= ?", learnerID, asOf).
		Order("next_review_at ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *reviewScheduleRepo) ListByLearner(ctx context.Context, tx *gorm.DB, learnerID uuid.UUID) ([]*types.ReviewSchedule, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.ReviewSchedule
	if learnerID == uuid.Nil {
		return results, nil
	}
	if err := transaction.WithContext(ctx).
		Where("learner_id = ?", learnerID).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *reviewScheduleRepo) LearnersWithDue(ctx context.Context, tx *gorm.DB, asOf time.Time) ([]uuid.UUID, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var ids []uuid.UUID
	err := transaction.WithContext(ctx).
		Model(&types.ReviewSchedule{}).
		Distinct("learner_id").
		Where("next_review_at <= ?", asOf).
		Pluck("learner_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
