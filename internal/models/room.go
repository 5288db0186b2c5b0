package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Room status constants
const (
	RoomStatusActive = "active"
	RoomStatusClosed = "closed"
)

// Room is a short-lived real-time communication container allocated for
// one session's briefing call. At most one per session; torn down by the
// idle sweep or an explicit cancel.
type Room struct {
	ID        string `gorm:"primaryKey;type:uuid"`
	SessionID string `gorm:"not null;uniqueIndex"`

	// ProviderRef is the call provider's identifier for the room.
	ProviderRef string `gorm:"not null"`

	MaxParticipants    int    `gorm:"not null;default:2"`
	IdleTimeoutSeconds int    `gorm:"not null"`
	Status             string `gorm:"not null;default:'active';index"`

	// CredentialEpoch is baked into every join credential minted for the
	// room. Teardown bumps it, invalidating all outstanding credentials.
	CredentialEpoch int `gorm:"not null;default:1"`

	LastActivity time.Time `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (r *Room) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}
