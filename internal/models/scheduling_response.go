package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SchedulingResponse is one parsed scheduling reply. Append-only history,
// many per session.
type SchedulingResponse struct {
	ID        string `gorm:"primaryKey;type:uuid"`
	SessionID string `gorm:"not null;index"`

	RawText    string `gorm:"type:text"`
	Intent     string `gorm:"not null"`
	ParsedTime time.Time

	CreatedAt time.Time
}

func (r *SchedulingResponse) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}
