package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SessionStatus is the lifecycle state of a briefing session.
type SessionStatus string

const (
	SessionStatusPending     SessionStatus = "pending"
	SessionStatusScheduled   SessionStatus = "scheduled"
	SessionStatusInProgress  SessionStatus = "in_progress"
	SessionStatusCompleted   SessionStatus = "completed"
	SessionStatusFailed      SessionStatus = "failed"
	SessionStatusRescheduled SessionStatus = "rescheduled"
	SessionStatusCancelled   SessionStatus = "cancelled"
)

// NonTerminalStatuses are the states from which a session can still move.
// At most one session per channel address may be in any of them.
var NonTerminalStatuses = []SessionStatus{
	SessionStatusPending,
	SessionStatusScheduled,
	SessionStatusInProgress,
	SessionStatusRescheduled,
}

// IsTerminal reports whether s admits no further transitions.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusCancelled:
		return true
	}
	return false
}

// Session represents one scheduling+briefing pass for a contributor.
// Sessions are never hard-deleted; they are retained for audit.
type Session struct {
	ID string `gorm:"primaryKey;type:uuid"`

	// Address is the contributor's channel address, encrypted at rest.
	Address string `gorm:"type:text"`
	// AddressMask keeps only the last four digits for display.
	AddressMask string `gorm:"not null"`
	// AddressHash is a deterministic digest used for indexed lookups.
	AddressHash string `gorm:"not null;index"`

	OwnerRef    string `gorm:"default:''"`
	ArtifactRef string `gorm:"not null"` // e.g. image location from the triggering message

	Status          SessionStatus `gorm:"not null;default:'pending';index"`
	ScheduledTime   *time.Time
	ActualStartTime *time.Time
	FailureReason   string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// BeforeCreate assigns an opaque id when none is set.
func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// BeforeSave derives the mask and hash columns and encrypts the address.
// GCM produces different ciphertext each save; lookups go through the hash.
func (s *Session) BeforeSave(tx *gorm.DB) error {
	if s.Address != "" {
		s.AddressMask = MaskAddress(s.Address)
		s.AddressHash = HashAddress(s.Address)
	}
	if encryptor == nil {
		// Allow operations without encryption (e.g., for testing)
		return nil
	}
	if s.Address != "" {
		encrypted, err := encryptor.Encrypt(s.Address)
		if err != nil {
			return err
		}
		s.Address = encrypted
	}
	return nil
}

// AfterFind decrypts the address after loading from the database.
func (s *Session) AfterFind(tx *gorm.DB) error {
	if encryptor == nil {
		return nil
	}
	if s.Address != "" {
		decrypted, err := encryptor.Decrypt(s.Address)
		if err != nil {
			return err
		}
		s.Address = decrypted
	}
	return nil
}
