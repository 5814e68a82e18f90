package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	DifficultyBeginner     = "beginner"
	DifficultyIntermediate = "intermediate"
	DifficultyAdvanced     = "advanced"
)

const (
	ConceptTypeDefinition  = "definition"
	ConceptTypeProcedure   = "procedure"
	ConceptTypePrinciple   = "principle"
	ConceptTypeExample     = "example"
	ConceptTypeApplication = "application"
	ConceptTypeComparison  = "comparison"
)

// Concept is an atomic, testable unit of learnable material. Concepts are
// created by extraction and never mutated once an attempt references them;
// re-extraction supersedes them and marks the old row orphaned.
type Concept struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	CollectionID uuid.UUID   `gorm:"type:uuid;not null;index:idx_concept_collection;index:idx_concept_collection_slug,unique,priority:1" json:"collection_id"`
	Collection   *Collection `gorm:"constraint:OnDelete:CASCADE;foreignKey:CollectionID;references:ID" json:"collection,omitempty"`

	Name        string `gorm:"column:name;not null" json:"name"`
	Slug        string `gorm:"column:slug;not null;index:idx_concept_collection_slug,unique,priority:2" json:"slug"`
	Description string `gorm:"column:description;not null" json:"description"`

	ConceptType string `gorm:"column:concept_type;not null;default:definition" json:"concept_type"`
	Difficulty  string `gorm:"column:difficulty;not null;default:beginner" json:"difficulty"`

	EstimatedEffortHours float64 `gorm:"column:estimated_effort_hours;not null;default:0.25" json:"estimated_effort_hours"`

	Keywords datatypes.JSON `gorm:"column:keywords;type:jsonb" json:"keywords,omitempty"` // []string
	Examples datatypes.JSON `gorm:"column:examples;type:jsonb" json:"examples,omitempty"` // []string

	ExtractionConfidence float64 `gorm:"column:extraction_confidence;not null;default:0" json:"extraction_confidence"`

	// Set when a force re-extraction replaced this concept while attempts
	// still reference it. Orphaned concepts stay for audit and drop out of
	// unlock and mastery computations.
	Orphaned bool `gorm:"column:orphaned;not null;default:false;index" json:"orphaned"`

	CreatedAt time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Concept) TableName() string { return "concept" }

func (m *Concept) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
