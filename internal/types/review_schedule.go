package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ReviewSchedule is one row per (learner, problem), created when the problem's
// concept is first mastered and advanced by the scheduler after each review.
type ReviewSchedule struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	LearnerID uuid.UUID `gorm:"type:uuid;not null;index:idx_schedule_pair,unique,priority:1" json:"learner_id"`
	ProblemID uuid.UUID `gorm:"type:uuid;not null;index:idx_schedule_pair,unique,priority:2" json:"problem_id"`

	NextReviewAt    time.Time `gorm:"column:next_review_at;not null;index" json:"next_review_at"`
	IntervalDays    float64   `gorm:"column:interval_days;not null;default:1" json:"interval_days"`
	EaseFactor      float64   `gorm:"column:ease_factor;not null;default:2.5" json:"ease_factor"` // >= 1.3
	RepetitionCount int       `gorm:"column:repetition_count;not null;default:0" json:"repetition_count"`

	LastReviewAt *time.Time `gorm:"column:last_review_at" json:"last_review_at,omitempty"`
	LastScore    float64    `gorm:"column:last_score;not null;default:0" json:"last_score"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (ReviewSchedule) TableName() string { return "review_schedule" }

func (m *ReviewSchedule) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
