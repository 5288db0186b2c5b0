package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BriefingContext is the narrative captured during the voice briefing.
// Exactly one per completed session; terminal once written.
type BriefingContext struct {
	ID        string `gorm:"primaryKey;type:uuid"`
	SessionID string `gorm:"not null;uniqueIndex"`

	Transcript string `gorm:"type:text"`

	Narrative     string         `gorm:"type:text"`
	Audience      string         `gorm:"default:''"`
	Mood          string         `gorm:"default:''"`
	PlatformPrefs datatypes.JSON `gorm:"type:jsonb"`
	Urgency       string         `gorm:"default:''"`
	Tone          string         `gorm:"default:''"`

	CreatedAt time.Time
}

func (c *BriefingContext) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}
