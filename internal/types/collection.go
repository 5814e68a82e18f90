package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Collection is one body of course material a knowledge graph is extracted from.
type Collection struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	Name string `gorm:"column:name;not null" json:"name"`

	// SHA-256 of the source material text, used by the extraction
	// short-circuit to detect identical input.
	MaterialDigest string `gorm:"column:material_digest;index" json:"material_digest"`

	CreatedAt time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Collection) TableName() string { return "collection" }

func (m *Collection) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
