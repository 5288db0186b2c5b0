package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ApprovalStatus is the lifecycle state of an approval workflow.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
	ApprovalStatusEditing  ApprovalStatus = "editing"
	ApprovalStatusExpired  ApprovalStatus = "expired"
)

// IsTerminal reports whether s admits no further transitions. An approval
// workflow is immutable once approved, rejected or expired.
func (s ApprovalStatus) IsTerminal() bool {
	switch s {
	case ApprovalStatusApproved, ApprovalStatusRejected, ApprovalStatusExpired:
		return true
	}
	return false
}

// ApprovalWorkflow routes a generated artifact through the text-based
// approval loop.
type ApprovalWorkflow struct {
	ID string `gorm:"primaryKey;type:uuid"`
	// ShortID is the human-readable id included in the approval prompt.
	ShortID string `gorm:"not null;index"`

	OwnerRef    string `gorm:"default:''"`
	ArtifactID  string `gorm:"not null"`
	ArtifactRef string `gorm:"type:text"`

	// Address is the contributor's channel address, encrypted at rest.
	Address     string `gorm:"type:text"`
	AddressMask string `gorm:"not null"`
	AddressHash string `gorm:"not null;index"`

	Status      ApprovalStatus `gorm:"not null;default:'pending';index"`
	ExpiresAt   time.Time      `gorm:"not null"`
	RespondedAt *time.Time

	// PostingOutcome records the last relayed downstream posting result
	// ("posted" or "posting_failed") so redelivered callbacks are dropped.
	PostingOutcome string `gorm:"not null;default:''"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// BeforeCreate assigns the opaque id and derives the short id from it.
func (w *ApprovalWorkflow) BeforeCreate(tx *gorm.DB) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.ShortID == "" {
		w.ShortID = strings.ToUpper(strings.ReplaceAll(w.ID, "-", "")[:6])
	}
	return nil
}

func (w *ApprovalWorkflow) BeforeSave(tx *gorm.DB) error {
	if w.Address != "" {
		w.AddressMask = MaskAddress(w.Address)
		w.AddressHash = HashAddress(w.Address)
	}
	if encryptor == nil {
		return nil
	}
	if w.Address != "" {
		encrypted, err := encryptor.Encrypt(w.Address)
		if err != nil {
			return err
		}
		w.Address = encrypted
	}
	return nil
}

func (w *ApprovalWorkflow) AfterFind(tx *gorm.DB) error {
	if encryptor == nil {
		return nil
	}
	if w.Address != "" {
		decrypted, err := encryptor.Decrypt(w.Address)
		if err != nil {
			return err
		}
		w.Address = decrypted
	}
	return nil
}
