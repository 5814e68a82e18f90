package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	RunStatusQueued    = "queued"
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// ExtractionRun is the pollable handle for one background extraction of a
// collection. The worker claims runs through the repo, heartbeats while
// processing, and records stage/progress for the API to report.
type ExtractionRun struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	LearnerID    uuid.UUID `gorm:"type:uuid;not null;index" json:"learner_id"`
	CollectionID uuid.UUID `gorm:"type:uuid;not null;index:idx_extraction_run_collection" json:"collection_id"`

	Status   string `gorm:"column:status;not null;default:queued;index" json:"status"`
	Stage    string `gorm:"column:stage;not null;default:concepts" json:"stage"`
	Progress int    `gorm:"column:progress;not null;default:0" json:"progress"`

	ForceReextract bool `gorm:"column:force_reextract;not null;default:false" json:"force_reextract"`

	// Material text is held on the run row until the worker picks it up; the
	// engine does not persist raw material beyond the run lifecycle.
	MaterialText string `gorm:"column:material_text" json:"-"`

	Attempts    int        `gorm:"column:attempts;not null;default:0" json:"attempts"`
	Error       string     `gorm:"column:error" json:"error,omitempty"`
	LastErrorAt *time.Time `gorm:"column:last_error_at" json:"last_error_at,omitempty"`

	LockedAt    *time.Time `gorm:"column:locked_at" json:"-"`
	HeartbeatAt *time.Time `gorm:"column:heartbeat_at" json:"-"`

	Stats datatypes.JSON `gorm:"column:stats;type:jsonb" json:"stats,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (ExtractionRun) TableName() string { return "extraction_run" }

func (m *ExtractionRun) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
