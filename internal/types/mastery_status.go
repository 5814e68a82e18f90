package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MasteryStatus is one row per (learner, concept), mutated exclusively by the
// mastery tracker under a row lock. Mastery is sticky: once true it is never
// reset automatically, only monitored through review scheduling.
type MasteryStatus struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	LearnerID uuid.UUID `gorm:"type:uuid;not null;index:idx_mastery_pair,unique,priority:1" json:"learner_id"`
	ConceptID uuid.UUID `gorm:"type:uuid;not null;index:idx_mastery_pair,unique,priority:2" json:"concept_id"`

	Mastered   bool       `gorm:"column:mastered;not null;default:false" json:"mastered"`
	MasteredAt *time.Time `gorm:"column:mastered_at" json:"mastered_at,omitempty"`

	ConsecutiveSuccesses int     `gorm:"column:consecutive_successes;not null;default:0" json:"consecutive_successes"`
	AttemptsCount        int     `gorm:"column:attempts_count;not null;default:0" json:"attempts_count"`
	RollingSuccessRate   float64 `gorm:"column:rolling_success_rate;not null;default:0" json:"rolling_success_rate"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (MasteryStatus) TableName() string { return "mastery_status" }

func (m *MasteryStatus) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
