package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Step status constants
const (
	StepStatusStarted   = "started"
	StepStatusCompleted = "completed"
	StepStatusFailed    = "failed"
)

// WorkflowStep is one entry in a session's transition ledger. Entries are
// only ever appended, never mutated or deleted; the ordered sequence is
// the canonical record of what happened to a session.
type WorkflowStep struct {
	ID        string `gorm:"primaryKey;type:uuid"`
	SessionID string `gorm:"not null;index:idx_workflow_steps_session"`

	Step    string         `gorm:"not null"`
	Status  string         `gorm:"not null"`
	Payload datatypes.JSON `gorm:"type:jsonb"`

	CreatedAt time.Time
}

func (s *WorkflowStep) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}
