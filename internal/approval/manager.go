// Package approval implements the post-generation approval loop:
// pending -> approved | rejected | editing -> approved | rejected, with a
// silent TTL expiry. A workflow is immutable once terminal, and the
// pending-set removal happens before the publish side effect so a
// duplicate inbound delivery cannot publish twice.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tannerdsouza/briefcall/internal/models"
	"github.com/tannerdsouza/briefcall/internal/notify"
	"github.com/tannerdsouza/briefcall/internal/orcherr"
	"github.com/tannerdsouza/briefcall/internal/registry"
)

// Messenger sends outbound messages.
type Messenger interface {
	SendMessage(ctx context.Context, to, body string) error
}

// ArtifactPublisher runs the publish side effect once a workflow is
// approved.
type ArtifactPublisher interface {
	PublishArtifact(ctx context.Context, sessionOwner, artifactID string) error
}

// Prompt texts.
const (
	PromptApprovalFmt = "Your content is ready! [#%s]\n%s\nReply APPROVE to publish, EDIT to request changes, REJECT to discard, or VIEW to see it again."
	PromptOptions     = "Please reply with one of: APPROVE, EDIT, REJECT, VIEW."
	PromptEditFmt     = "Got it — tell us what to change about [#%s], then reply APPROVE or REJECT when you've decided."
	MsgApproved       = "Approved! Your content is being published."
	MsgRejected       = "Understood, the content has been discarded."
	MsgExpired        = "That approval request has expired. Your session expired, please resend."
	MsgPosted         = "Your content is live!"
	MsgPostingFailed  = "We hit a snag publishing your content. Our team is looking into it."
)

// Manager drives approval workflows through their lifecycle.
type Manager struct {
	store     Store
	messenger Messenger
	publisher ArtifactPublisher
	reg       *registry.Registry
	notifier  *notify.Publisher
	ttl       time.Duration
	logger    *slog.Logger

	now func() time.Time
}

// NewManager creates a Manager. ttl bounds how long a workflow waits for
// a reply before the sweep expires it.
func NewManager(store Store, messenger Messenger, publisher ArtifactPublisher, reg *registry.Registry, notifier *notify.Publisher, ttl time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		store:     store,
		messenger: messenger,
		publisher: publisher,
		reg:       reg,
		notifier:  notifier,
		ttl:       ttl,
		logger:    logger,
		now:       time.Now,
	}
}

// Create opens an approval workflow for a generated artifact and sends
// the prompt carrying the short id and the canonical reply tokens.
func (m *Manager) Create(ctx context.Context, ownerRef, artifactID, artifactRef, address string) (*models.ApprovalWorkflow, error) {
	wf := &models.ApprovalWorkflow{
		OwnerRef:    ownerRef,
		ArtifactID:  artifactID,
		ArtifactRef: artifactRef,
		Address:     address,
		Status:      models.ApprovalStatusPending,
		ExpiresAt:   m.now().Add(m.ttl),
	}
	if err := m.store.Create(ctx, wf); err != nil {
		return nil, err
	}
	m.reg.PutApproval(address, wf.ID)

	prompt := fmt.Sprintf(PromptApprovalFmt, wf.ShortID, artifactRef)
	if err := m.messenger.SendMessage(ctx, address, prompt); err != nil {
		// The workflow stays pending; the next inbound from this address
		// still routes here.
		m.logger.Error("Failed to send approval prompt", "workflow_id", wf.ID, "error", err)
	}

	m.logger.Info("Approval workflow created",
		"workflow_id", wf.ID, "short_id", wf.ShortID, "address", wf.AddressMask)
	return wf, nil
}

// HandleResponse applies one reply to the workflow's transition table and
// returns the outbound reply text. An unrecognized token re-prompts with
// the valid options and performs no transition.
func (m *Manager) HandleResponse(ctx context.Context, workflowID, text string) (string, error) {
	wf, err := m.store.Get(ctx, workflowID)
	if err != nil {
		return "", err
	}

	if wf.Status == models.ApprovalStatusExpired {
		return MsgExpired, &orcherr.ExpiredError{Kind: "approval workflow", ID: workflowID}
	}
	if wf.Status.IsTerminal() {
		// Duplicate delivery after a terminal transition: no state change
		// and no side effect.
		return "", &orcherr.ConflictError{
			Kind:     "approval workflow",
			ID:       workflowID,
			Expected: "pending|editing",
			Actual:   string(wf.Status),
		}
	}

	switch NormalizeToken(text) {
	case TokenApprove:
		return m.approve(ctx, wf)
	case TokenReject:
		return m.reject(ctx, wf)
	case TokenEdit:
		return m.edit(ctx, wf)
	case TokenView:
		reply := fmt.Sprintf("[#%s] %s", wf.ShortID, wf.ArtifactRef)
		m.send(ctx, wf, reply)
		return reply, nil
	default:
		m.send(ctx, wf, PromptOptions)
		return PromptOptions, nil
	}
}

func (m *Manager) approve(ctx context.Context, wf *models.ApprovalWorkflow) (string, error) {
	err := m.store.Transition(ctx, wf.ID,
		[]models.ApprovalStatus{models.ApprovalStatusPending, models.ApprovalStatusEditing},
		models.ApprovalStatusApproved,
		map[string]interface{}{"responded_at": m.now()})
	if err != nil {
		if orcherr.IsConflict(err) {
			m.logger.Info("Approve skipped, workflow already terminal", "workflow_id", wf.ID)
			return "", err
		}
		// Transition failed transiently; keep the registry entry so a
		// retried reply still routes to this workflow.
		return "", err
	}

	// Remove from the pending set before the publish side effect: a
	// duplicate delivery of the same approval must not publish twice.
	m.reg.RemoveApproval(wf.Address)

	// The approval has logically occurred; a failed publish is logged
	// and never re-raised into the state machine.
	if err := m.publisher.PublishArtifact(ctx, wf.OwnerRef, wf.ArtifactID); err != nil {
		m.logger.Error("Publish side effect failed", "workflow_id", wf.ID, "error", err)
	}

	m.send(ctx, wf, MsgApproved)
	m.notifier.PublishBestEffort(ctx, notify.Event{
		WorkflowID: wf.ID,
		Kind:       "approval",
		Status:     string(models.ApprovalStatusApproved),
	})
	m.logger.Info("Workflow approved", "workflow_id", wf.ID)
	return MsgApproved, nil
}

func (m *Manager) reject(ctx context.Context, wf *models.ApprovalWorkflow) (string, error) {
	err := m.store.Transition(ctx, wf.ID,
		[]models.ApprovalStatus{models.ApprovalStatusPending, models.ApprovalStatusEditing},
		models.ApprovalStatusRejected,
		map[string]interface{}{"responded_at": m.now()})
	if err != nil {
		return "", err
	}
	m.reg.RemoveApproval(wf.Address)

	m.send(ctx, wf, MsgRejected)
	m.notifier.PublishBestEffort(ctx, notify.Event{
		WorkflowID: wf.ID,
		Kind:       "approval",
		Status:     string(models.ApprovalStatusRejected),
	})
	m.logger.Info("Workflow rejected", "workflow_id", wf.ID)
	return MsgRejected, nil
}

func (m *Manager) edit(ctx context.Context, wf *models.ApprovalWorkflow) (string, error) {
	reply := fmt.Sprintf(PromptEditFmt, wf.ShortID)
	if wf.Status == models.ApprovalStatusEditing {
		// Already editing; just re-prompt.
		m.send(ctx, wf, reply)
		return reply, nil
	}

	err := m.store.Transition(ctx, wf.ID,
		[]models.ApprovalStatus{models.ApprovalStatusPending},
		models.ApprovalStatusEditing, nil)
	if err != nil {
		return "", err
	}

	m.send(ctx, wf, reply)
	m.logger.Info("Workflow moved to editing", "workflow_id", wf.ID)
	return reply, nil
}

// SweepExpired expires non-terminal workflows past their TTL. No outbound
// notification is sent. Threshold-based, so overlapping ticks are
// idempotent.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := m.store.ListExpired(ctx, now)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, wf := range expired {
		err := m.store.Transition(ctx, wf.ID,
			[]models.ApprovalStatus{models.ApprovalStatusPending, models.ApprovalStatusEditing},
			models.ApprovalStatusExpired, nil)
		if err != nil {
			if !orcherr.IsConflict(err) {
				m.logger.Error("Failed to expire workflow", "workflow_id", wf.ID, "error", err)
			}
			continue
		}
		m.reg.RemoveApproval(wf.Address)
		m.notifier.PublishBestEffort(ctx, notify.Event{
			WorkflowID: wf.ID,
			Kind:       "approval",
			Status:     string(models.ApprovalStatusExpired),
		})
		count++
	}
	if count > 0 {
		m.logger.Info("Expired approval workflows", "count", count)
	}
	return count, nil
}

// OnPostingComplete relays the downstream posting outcome to the
// contributor. The workflow is already terminal; no transition happens
// here.
func (m *Manager) OnPostingComplete(ctx context.Context, workflowID string, succeeded bool) error {
	wf, err := m.store.Get(ctx, workflowID)
	if err != nil {
		return err
	}

	msg := MsgPosted
	status := "posted"
	if !succeeded {
		msg = MsgPostingFailed
		status = "posting_failed"
	}
	if wf.PostingOutcome == status {
		// Redelivered callback; the contributor already heard this.
		m.logger.Info("Skipping duplicate posting outcome", "workflow_id", wf.ID, "outcome", status)
		return nil
	}

	m.send(ctx, wf, msg)
	m.notifier.PublishBestEffort(ctx, notify.Event{
		WorkflowID: wf.ID,
		Kind:       "posting",
		Status:     status,
	})
	if err := m.store.Transition(ctx, wf.ID,
		[]models.ApprovalStatus{wf.Status}, wf.Status,
		map[string]interface{}{"posting_outcome": status}); err != nil {
		m.logger.Error("Failed to record posting outcome", "workflow_id", wf.ID, "error", err)
	}
	m.logger.Info("Posting outcome relayed", "workflow_id", wf.ID, "succeeded", succeeded)
	return nil
}

func (m *Manager) send(ctx context.Context, wf *models.ApprovalWorkflow, body string) {
	if err := m.messenger.SendMessage(ctx, wf.Address, body); err != nil {
		m.logger.Error("Failed to send approval message", "workflow_id", wf.ID, "error", err)
	}
}
