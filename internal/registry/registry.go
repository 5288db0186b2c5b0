// Package registry holds the in-memory indexes over active sessions,
// rooms and pending approval workflows. The registry is a cache over the
// persistent store: it tolerates starting empty and can rebuild itself
// from the store on boot, so in-flight sessions survive a process
// restart.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"gorm.io/gorm"

	"github.com/tannerdsouza/briefcall/internal/models"
)

// Registry is constructed once at startup and passed by reference into
// every handler. Reads and writes are guarded because HTTP and worker
// handlers run concurrently within the process.
type Registry struct {
	mu sync.RWMutex

	// sessionByAddress maps address hash -> session id for non-terminal
	// sessions. At most one entry per address.
	sessionByAddress map[string]string
	// approvalByAddress maps address hash -> workflow id for pending
	// (non-terminal) approval workflows.
	approvalByAddress map[string]string
	// roomBySession maps session id -> room id for active rooms.
	roomBySession map[string]string
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		sessionByAddress:  make(map[string]string),
		approvalByAddress: make(map[string]string),
		roomBySession:     make(map[string]string),
	}
}

// ActiveSession returns the non-terminal session id for an address.
func (r *Registry) ActiveSession(address string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.sessionByAddress[models.HashAddress(address)]
	return id, ok
}

// PutSession indexes a non-terminal session under its address.
func (r *Registry) PutSession(address, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionByAddress[models.HashAddress(address)] = sessionID
}

// RemoveSession drops the address index entry once a session goes
// terminal.
func (r *Registry) RemoveSession(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessionByAddress, models.HashAddress(address))
}

// PendingApproval returns the pending workflow id for an address.
func (r *Registry) PendingApproval(address string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.approvalByAddress[models.HashAddress(address)]
	return id, ok
}

// PutApproval indexes a non-terminal approval workflow under its address.
func (r *Registry) PutApproval(address, workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approvalByAddress[models.HashAddress(address)] = workflowID
}

// RemoveApproval drops the pending-approval index entry. Callers remove
// the entry before running terminal side effects so a duplicate inbound
// delivery cannot trigger them twice.
func (r *Registry) RemoveApproval(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.approvalByAddress, models.HashAddress(address))
}

// Room returns the active room id for a session.
func (r *Registry) Room(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.roomBySession[sessionID]
	return id, ok
}

// PutRoom indexes an active room under its owning session.
func (r *Registry) PutRoom(sessionID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roomBySession[sessionID] = roomID
}

// RemoveRoom drops a room index entry after teardown.
func (r *Registry) RemoveRoom(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.roomBySession, sessionID)
}

// Recover rebuilds the indexes from the persistent store. Run once at
// startup, before the HTTP server accepts traffic. Recovery is read-only;
// stale in-flight sessions are handled by the periodic sweeps, not here.
func (r *Registry) Recover(ctx context.Context, db *gorm.DB) error {
	var sessions []models.Session
	if err := db.WithContext(ctx).
		Where("status IN ?", models.NonTerminalStatuses).
		Find(&sessions).Error; err != nil {
		return fmt.Errorf("failed to recover sessions: %w", err)
	}

	var workflows []models.ApprovalWorkflow
	if err := db.WithContext(ctx).
		Where("status IN ?", []models.ApprovalStatus{models.ApprovalStatusPending, models.ApprovalStatusEditing}).
		Find(&workflows).Error; err != nil {
		return fmt.Errorf("failed to recover approval workflows: %w", err)
	}

	var activeRooms []models.Room
	if err := db.WithContext(ctx).
		Where("status = ?", models.RoomStatusActive).
		Find(&activeRooms).Error; err != nil {
		return fmt.Errorf("failed to recover rooms: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range sessions {
		r.sessionByAddress[s.AddressHash] = s.ID
	}
	for _, w := range workflows {
		r.approvalByAddress[w.AddressHash] = w.ID
	}
	for _, room := range activeRooms {
		r.roomBySession[room.SessionID] = room.ID
	}

	slog.Info("Registry recovered from store",
		"sessions", len(sessions),
		"approval_workflows", len(workflows),
		"rooms", len(activeRooms),
	)
	return nil
}
