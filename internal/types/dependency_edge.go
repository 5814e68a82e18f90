package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	StrengthRequired    = "required"
	StrengthRecommended = "recommended"
	StrengthOptional    = "optional"
)

// DependencyEdge is a directed prerequisite relationship: PrerequisiteID must
// be mastered before ConceptID unlocks (when Strength is required). The edge
// set over a collection is kept acyclic by the graph service.
type DependencyEdge struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	ConceptID      uuid.UUID `gorm:"type:uuid;not null;index:idx_edge_concept;index:idx_edge_pair,unique,priority:1" json:"concept_id"`
	PrerequisiteID uuid.UUID `gorm:"type:uuid;not null;index:idx_edge_prereq;index:idx_edge_pair,unique,priority:2" json:"prerequisite_id"`

	Strength string `gorm:"column:strength;not null;default:required" json:"strength"`

	// RawStrength is the collaborator's 0..1 criticality score before it was
	// bucketed into Strength; Reason is its stated justification.
	RawStrength float64 `gorm:"column:raw_strength;not null;default:1" json:"raw_strength"`
	Reason      string  `gorm:"column:reason" json:"reason,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

func (DependencyEdge) TableName() string { return "dependency_edge" }

func (m *DependencyEdge) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
