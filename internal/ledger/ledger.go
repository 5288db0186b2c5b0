// Package ledger records workflow-step transitions. The ledger is a
// record, not a validator: Append fails only when the store is
// unavailable, never on logical grounds. The ordered step sequence per
// session backs both monitoring and the managers' at-most-once checks.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tannerdsouza/briefcall/internal/models"
)

// Step names appended by the managers.
const (
	StepSessionCreated    = "session_created"
	StepScheduled         = "scheduled"
	StepRescheduled       = "rescheduled"
	StepReminderSent      = "reminder_sent"
	StepCallPlaced        = "call_placed"
	StepBriefingStarted   = "briefing_started"
	StepContextCaptured   = "context_captured"
	StepSessionCompleted  = "session_completed"
	StepSessionFailed     = "session_failed"
	StepSessionCancelled  = "session_cancelled"
	StepGenerationInvoked = "generation_invoked"
	StepRoomCreated       = "room_created"
	StepRoomTornDown      = "room_torn_down"
)

// Ledger appends and queries a session's workflow steps.
type Ledger struct {
	db *gorm.DB
}

// New creates a Ledger backed by the given database.
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// Append records one step entry. The payload is marshaled to JSONB; a nil
// payload is stored as null.
func (l *Ledger) Append(ctx context.Context, sessionID, step, status string, payload any) error {
	entry := models.WorkflowStep{
		SessionID: sessionID,
		Step:      step,
		Status:    status,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal step payload: %w", err)
		}
		entry.Payload = datatypes.JSON(data)
	}
	if err := l.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to append workflow step: %w", err)
	}
	return nil
}

// Query returns the session's steps ordered oldest first.
func (l *Ledger) Query(ctx context.Context, sessionID string) ([]models.WorkflowStep, error) {
	var steps []models.WorkflowStep
	err := l.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&steps).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow steps: %w", err)
	}
	return steps, nil
}

// HasCompleted reports whether a completed entry for the named step
// already exists. Transition handlers consult this before re-applying
// side effects, guaranteeing at-most-once delivery under retried
// callbacks.
func (l *Ledger) HasCompleted(ctx context.Context, sessionID, step string) (bool, error) {
	var count int64
	err := l.db.WithContext(ctx).
		Model(&models.WorkflowStep{}).
		Where("session_id = ? AND step = ? AND status = ?", sessionID, step, models.StepStatusCompleted).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check workflow step: %w", err)
	}
	return count > 0, nil
}
