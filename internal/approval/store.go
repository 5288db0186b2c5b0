package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tannerdsouza/briefcall/internal/models"
	"github.com/tannerdsouza/briefcall/internal/orcherr"
)

// Store persists approval workflows.
type Store interface {
	Create(ctx context.Context, wf *models.ApprovalWorkflow) error
	Get(ctx context.Context, id string) (*models.ApprovalWorkflow, error)
	// Transition applies an optimistic status update; a lost race returns
	// ConflictError. Terminal workflows are immutable by construction.
	Transition(ctx context.Context, id string, from []models.ApprovalStatus, to models.ApprovalStatus, updates map[string]interface{}) error
	// ListExpired returns non-terminal workflows past their TTL.
	ListExpired(ctx context.Context, now time.Time) ([]models.ApprovalWorkflow, error)
}

type gormStore struct {
	db *gorm.DB
}

// NewStore creates a Store backed by the given database.
func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Create(ctx context.Context, wf *models.ApprovalWorkflow) error {
	if err := s.db.WithContext(ctx).Create(wf).Error; err != nil {
		return fmt.Errorf("failed to create approval workflow: %w", err)
	}
	return nil
}

func (s *gormStore) Get(ctx context.Context, id string) (*models.ApprovalWorkflow, error) {
	var wf models.ApprovalWorkflow
	if err := s.db.WithContext(ctx).First(&wf, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &orcherr.NotFoundError{Kind: "approval workflow", ID: id}
		}
		return nil, fmt.Errorf("failed to fetch approval workflow: %w", err)
	}
	return &wf, nil
}

func (s *gormStore) Transition(ctx context.Context, id string, from []models.ApprovalStatus, to models.ApprovalStatus, updates map[string]interface{}) error {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = to

	result := s.db.WithContext(ctx).
		Model(&models.ApprovalWorkflow{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to transition approval workflow: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		actual := "unknown"
		var current models.ApprovalWorkflow
		if err := s.db.WithContext(ctx).Select("status").First(&current, "id = ?", id).Error; err == nil {
			actual = string(current.Status)
		} else if errors.Is(err, gorm.ErrRecordNotFound) {
			return &orcherr.NotFoundError{Kind: "approval workflow", ID: id}
		}
		return &orcherr.ConflictError{Kind: "approval workflow", ID: id, Expected: statusList(from), Actual: actual}
	}
	return nil
}

func (s *gormStore) ListExpired(ctx context.Context, now time.Time) ([]models.ApprovalWorkflow, error) {
	var expired []models.ApprovalWorkflow
	err := s.db.WithContext(ctx).
		Where("status IN ? AND expires_at < ?",
			[]models.ApprovalStatus{models.ApprovalStatusPending, models.ApprovalStatusEditing}, now).
		Find(&expired).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list expired workflows: %w", err)
	}
	return expired, nil
}

func statusList(statuses []models.ApprovalStatus) string {
	out := ""
	for i, st := range statuses {
		if i > 0 {
			out += "|"
		}
		out += string(st)
	}
	return out
}
