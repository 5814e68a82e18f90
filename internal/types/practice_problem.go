package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PracticeProblem is generated once per concept/difficulty and read-only
// afterward. GradingSpec is an opaque payload the execution sandbox consumes;
// the engine never interprets it beyond schema validation at generation time.
type PracticeProblem struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	ConceptID uuid.UUID `gorm:"type:uuid;not null;index:idx_problem_concept" json:"concept_id"`
	Concept   *Concept  `gorm:"constraint:OnDelete:CASCADE;foreignKey:ConceptID;references:ID" json:"concept,omitempty"`

	Difficulty string `gorm:"column:difficulty;not null" json:"difficulty"`
	Prompt     string `gorm:"column:prompt;not null" json:"prompt"`

	GradingSpec       datatypes.JSON `gorm:"column:grading_spec;type:jsonb;not null" json:"grading_spec"`
	Hints             datatypes.JSON `gorm:"column:hints;type:jsonb" json:"hints,omitempty"` // ordered []string
	ReferenceSolution string         `gorm:"column:reference_solution" json:"reference_solution,omitempty"`

	GeneratedByModel string `gorm:"column:generated_by_model" json:"generated_by_model,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

func (PracticeProblem) TableName() string { return "practice_problem" }

func (m *PracticeProblem) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
