// Package models defines the persisted record types of the orchestrator:
// sessions, scheduling responses, briefing context, workflow steps,
// approval workflows, and ephemeral rooms.
package models

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/tannerdsouza/briefcall/internal/crypto"
)

var encryptor *crypto.Encryptor

// InitEncryption initializes the address encryptor for the models package.
// Must be called before any database operations involving Session or
// ApprovalWorkflow records.
func InitEncryption(encryptionKey string) error {
	var err error
	encryptor, err = crypto.NewEncryptor(encryptionKey)
	return err
}

// MaskAddress reduces a channel address to its last four digits for
// display and logging. Full addresses never appear in logs.
func MaskAddress(address string) string {
	if len(address) <= 4 {
		return "****"
	}
	return "***" + address[len(address)-4:]
}

// HashAddress returns a deterministic hex digest of a channel address,
// used for indexed lookups since the encrypted column is not searchable.
func HashAddress(address string) string {
	sum := sha256.Sum256([]byte(address))
	return hex.EncodeToString(sum[:])
}
