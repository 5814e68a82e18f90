package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Attempt is the system's ground truth. Rows are append-only: never updated,
// never deleted, even when the concept they point at is superseded.
type Attempt struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	LearnerID uuid.UUID `gorm:"type:uuid;not null;index:idx_attempt_learner" json:"learner_id"`

	ProblemID uuid.UUID        `gorm:"type:uuid;not null;index:idx_attempt_problem" json:"problem_id"`
	Problem   *PracticeProblem `gorm:"foreignKey:ProblemID;references:ID" json:"problem,omitempty"`

	Submission string  `gorm:"column:submission;not null" json:"submission"`
	Score      float64 `gorm:"column:score;not null" json:"score"` // 0..1
	Feedback   string  `gorm:"column:feedback" json:"feedback,omitempty"`

	ElapsedSeconds int `gorm:"column:elapsed_seconds;not null;default:0" json:"elapsed_seconds"`

	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
}

func (Attempt) TableName() string { return "attempt" }

func (m *Attempt) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
