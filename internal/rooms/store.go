package rooms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tannerdsouza/briefcall/internal/models"
	"github.com/tannerdsouza/briefcall/internal/orcherr"
)

// Store persists room records.
type Store interface {
	Create(ctx context.Context, room *models.Room) error
	Get(ctx context.Context, id string) (*models.Room, error)
	// ActiveBySession returns the session's active room, or nil when the
	// session has none.
	ActiveBySession(ctx context.Context, sessionID string) (*models.Room, error)
	// CloseGuarded moves a room from active to closed and bumps its
	// credential epoch. Returns false when the room was already closed,
	// making teardown idempotent.
	CloseGuarded(ctx context.Context, id string) (bool, error)
	Touch(ctx context.Context, id string, at time.Time) error
	// ListIdle returns active rooms whose last activity is older than
	// their own idle timeout, relative to now.
	ListIdle(ctx context.Context, now time.Time) ([]models.Room, error)
}

type gormStore struct {
	db *gorm.DB
}

// NewStore creates a Store backed by the given database.
func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Create(ctx context.Context, room *models.Room) error {
	if err := s.db.WithContext(ctx).Create(room).Error; err != nil {
		return fmt.Errorf("failed to create room: %w", err)
	}
	return nil
}

func (s *gormStore) Get(ctx context.Context, id string) (*models.Room, error) {
	var room models.Room
	if err := s.db.WithContext(ctx).First(&room, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &orcherr.NotFoundError{Kind: "room", ID: id}
		}
		return nil, fmt.Errorf("failed to fetch room: %w", err)
	}
	return &room, nil
}

func (s *gormStore) ActiveBySession(ctx context.Context, sessionID string) (*models.Room, error) {
	var room models.Room
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND status = ?", sessionID, models.RoomStatusActive).
		First(&room).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch room by session: %w", err)
	}
	return &room, nil
}

func (s *gormStore) CloseGuarded(ctx context.Context, id string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&models.Room{}).
		Where("id = ? AND status = ?", id, models.RoomStatusActive).
		Updates(map[string]interface{}{
			"status":           models.RoomStatusClosed,
			"credential_epoch": gorm.Expr("credential_epoch + 1"),
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to close room: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *gormStore) Touch(ctx context.Context, id string, at time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&models.Room{}).
		Where("id = ? AND status = ?", id, models.RoomStatusActive).
		Update("last_activity", at).Error
	if err != nil {
		return fmt.Errorf("failed to touch room: %w", err)
	}
	return nil
}

func (s *gormStore) ListIdle(ctx context.Context, now time.Time) ([]models.Room, error) {
	var rooms []models.Room
	err := s.db.WithContext(ctx).
		Where("status = ? AND last_activity + make_interval(secs => idle_timeout_seconds) < ?",
			models.RoomStatusActive, now).
		Find(&rooms).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list idle rooms: %w", err)
	}
	return rooms, nil
}
