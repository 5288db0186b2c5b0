package briefing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tannerdsouza/briefcall/internal/models"
	"github.com/tannerdsouza/briefcall/internal/orcherr"
)

// Store persists sessions, their scheduling-response history and the
// captured briefing context.
type Store interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	// ActiveByAddress returns the address's non-terminal session, or nil
	// when there is none.
	ActiveByAddress(ctx context.Context, address string) (*models.Session, error)
	// Transition applies an optimistic status update: the row changes
	// only if its current status is one of from. A lost race returns
	// ConflictError with the actual status.
	Transition(ctx context.Context, id string, from []models.SessionStatus, to models.SessionStatus, updates map[string]interface{}) error
	AppendResponse(ctx context.Context, resp *models.SchedulingResponse) error
	SaveContext(ctx context.Context, bc *models.BriefingContext) error
	// GetContext returns the session's briefing context, or nil when not
	// yet captured.
	GetContext(ctx context.Context, sessionID string) (*models.BriefingContext, error)
	// ListStaleInProgress returns unanswered in_progress sessions whose
	// last update is older than the threshold.
	ListStaleInProgress(ctx context.Context, threshold time.Time) ([]models.Session, error)
}

type gormStore struct {
	db *gorm.DB
}

// NewStore creates a Store backed by the given database.
func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Create(ctx context.Context, session *models.Session) error {
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *gormStore) Get(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	if err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &orcherr.NotFoundError{Kind: "session", ID: id}
		}
		return nil, fmt.Errorf("failed to fetch session: %w", err)
	}
	return &session, nil
}

func (s *gormStore) ActiveByAddress(ctx context.Context, address string) (*models.Session, error) {
	var session models.Session
	err := s.db.WithContext(ctx).
		Where("address_hash = ? AND status IN ?", models.HashAddress(address), models.NonTerminalStatuses).
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch active session: %w", err)
	}
	return &session, nil
}

func (s *gormStore) Transition(ctx context.Context, id string, from []models.SessionStatus, to models.SessionStatus, updates map[string]interface{}) error {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = to

	result := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to transition session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		actual := "unknown"
		var current models.Session
		if err := s.db.WithContext(ctx).Select("status").First(&current, "id = ?", id).Error; err == nil {
			actual = string(current.Status)
		} else if errors.Is(err, gorm.ErrRecordNotFound) {
			return &orcherr.NotFoundError{Kind: "session", ID: id}
		}
		return &orcherr.ConflictError{Kind: "session", ID: id, Expected: statusList(from), Actual: actual}
	}
	return nil
}

func (s *gormStore) AppendResponse(ctx context.Context, resp *models.SchedulingResponse) error {
	if err := s.db.WithContext(ctx).Create(resp).Error; err != nil {
		return fmt.Errorf("failed to append scheduling response: %w", err)
	}
	return nil
}

func (s *gormStore) SaveContext(ctx context.Context, bc *models.BriefingContext) error {
	if err := s.db.WithContext(ctx).Create(bc).Error; err != nil {
		return fmt.Errorf("failed to save briefing context: %w", err)
	}
	return nil
}

func (s *gormStore) GetContext(ctx context.Context, sessionID string) (*models.BriefingContext, error) {
	var bc models.BriefingContext
	err := s.db.WithContext(ctx).First(&bc, "session_id = ?", sessionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch briefing context: %w", err)
	}
	return &bc, nil
}

func (s *gormStore) ListStaleInProgress(ctx context.Context, threshold time.Time) ([]models.Session, error) {
	var sessions []models.Session
	err := s.db.WithContext(ctx).
		Where("status = ? AND actual_start_time IS NULL AND updated_at < ?", models.SessionStatusInProgress, threshold).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale sessions: %w", err)
	}
	return sessions, nil
}

func statusList(statuses []models.SessionStatus) string {
	out := ""
	for i, st := range statuses {
		if i > 0 {
			out += "|"
		}
		out += string(st)
	}
	return out
}
