// Package router matches an inbound message to exactly one active
// session or approval workflow and dispatches it. The priority order:
// photo with no active session starts a new session; explicit keyword
// commands dispatch next, so "cancel" is never read as a reply; a
// pending approval workflow preempts a pending scheduling reply
// (configurable policy); then the active session's scheduling reply;
// unrecognized input falls back to the command table's help text.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tannerdsouza/briefcall/internal/briefing"
	"github.com/tannerdsouza/briefcall/internal/models"
	"github.com/tannerdsouza/briefcall/internal/orcherr"
	"github.com/tannerdsouza/briefcall/internal/registry"
)

// ActionKind names what the router did with a message.
type ActionKind string

const (
	ActionSessionCreated    ActionKind = "session_created"
	ActionApprovalHandled   ActionKind = "approval_handled"
	ActionSchedulingHandled ActionKind = "scheduling_handled"
	ActionCommandHandled    ActionKind = "command_handled"
	ActionDropped           ActionKind = "dropped"
)

// Action is the routing outcome for one inbound message.
type Action struct {
	Kind       ActionKind
	Reply      string
	SessionID  string
	WorkflowID string
}

// SessionManager is the slice of the briefing manager the router needs.
type SessionManager interface {
	CreateSession(ctx context.Context, address, artifactRef string) (*models.Session, error)
	HandleSchedulingReply(ctx context.Context, sessionID, text string) (string, error)
	CancelSession(ctx context.Context, sessionID string) error
}

// ApprovalManager is the slice of the approval manager the router needs.
type ApprovalManager interface {
	HandleResponse(ctx context.Context, workflowID, text string) (string, error)
}

// Messenger sends the router's own command replies.
type Messenger interface {
	SendMessage(ctx context.Context, to, body string) error
}

// Deterministic command replies.
const (
	HelpText = "Send a photo to start a briefing. Commands: HELP, STATUS, CANCEL. " +
		"During approval, reply APPROVE, EDIT, REJECT or VIEW."
	StatusNoneText     = "No active briefing. Send a photo to get started."
	StatusApprovalText = "You have content waiting for your approval. Reply VIEW to see it."
	CancelNoneText     = "Nothing to cancel. Send a photo to start a briefing."
)

// Router dispatches inbound messages.
type Router struct {
	reg       *registry.Registry
	sessions  SessionManager
	approvals ApprovalManager
	messenger Messenger
	logger    *slog.Logger

	// approvalPreempts routes a message to a pending approval workflow
	// even when a scheduling reply is also outstanding for the address.
	approvalPreempts bool
}

// New creates a Router.
func New(reg *registry.Registry, sessions SessionManager, approvals ApprovalManager, messenger Messenger, approvalPreempts bool, logger *slog.Logger) *Router {
	return &Router{
		reg:              reg,
		sessions:         sessions,
		approvals:        approvals,
		messenger:        messenger,
		approvalPreempts: approvalPreempts,
		logger:           logger,
	}
}

// Route dispatches one inbound message and returns the resulting action.
func (r *Router) Route(ctx context.Context, address, body string, attachments []string) (Action, error) {
	masked := models.MaskAddress(address)

	// A photo with no active session starts a new briefing.
	if len(attachments) > 0 {
		if _, active := r.reg.ActiveSession(address); !active {
			session, err := r.sessions.CreateSession(ctx, address, attachments[0])
			if err != nil {
				if orcherr.IsConflict(err) {
					// Lost a race with another create; fall through to
					// normal routing below.
					r.logger.Warn("Session create raced", "address", masked)
				} else {
					return Action{Kind: ActionDropped}, err
				}
			} else {
				return Action{Kind: ActionSessionCreated, SessionID: session.ID}, nil
			}
		}
	}

	// Explicit keywords win over reply routing, so "cancel" is never
	// misread as a scheduling time or an approval response.
	if _, unknown := ParseCommand(body).(UnknownCommand); !unknown {
		return r.dispatchCommand(ctx, address, body)
	}

	if r.approvalPreempts {
		if action, handled := r.tryApproval(ctx, address, body); handled {
			return action, nil
		}
	}

	if action, handled := r.trySchedulingReply(ctx, address, body); handled {
		return action, nil
	}

	if !r.approvalPreempts {
		if action, handled := r.tryApproval(ctx, address, body); handled {
			return action, nil
		}
	}

	return r.dispatchCommand(ctx, address, body)
}

func (r *Router) tryApproval(ctx context.Context, address, body string) (Action, bool) {
	workflowID, ok := r.reg.PendingApproval(address)
	if !ok {
		return Action{}, false
	}

	reply, err := r.approvals.HandleResponse(ctx, workflowID, body)
	if err != nil {
		var expired *orcherr.ExpiredError
		switch {
		case errors.As(err, &expired):
			r.reg.RemoveApproval(address)
			r.send(ctx, address, reply)
			return Action{Kind: ActionApprovalHandled, WorkflowID: workflowID, Reply: reply}, true
		case orcherr.IsNotFound(err):
			// Stale index entry; fall through to other routing.
			r.reg.RemoveApproval(address)
			return Action{}, false
		case orcherr.IsConflict(err):
			// Duplicate delivery after a terminal transition: drop.
			r.reg.RemoveApproval(address)
			return Action{Kind: ActionDropped, WorkflowID: workflowID}, true
		default:
			r.logger.Error("Approval routing failed", "workflow_id", workflowID, "error", err)
			return Action{Kind: ActionDropped, WorkflowID: workflowID}, true
		}
	}
	return Action{Kind: ActionApprovalHandled, WorkflowID: workflowID, Reply: reply}, true
}

func (r *Router) trySchedulingReply(ctx context.Context, address, body string) (Action, bool) {
	sessionID, ok := r.reg.ActiveSession(address)
	if !ok {
		return Action{}, false
	}

	reply, err := r.sessions.HandleSchedulingReply(ctx, sessionID, body)
	if err != nil {
		if orcherr.IsConflict(err) {
			// Session exists but is past the scheduling phase; let the
			// command table answer.
			return Action{}, false
		}
		if orcherr.IsNotFound(err) {
			// The indexed session is gone; tell the sender to start over
			// rather than answering with the command help.
			r.reg.RemoveSession(address)
			r.send(ctx, address, briefing.MsgStartOver)
			return Action{Kind: ActionDropped, SessionID: sessionID, Reply: briefing.MsgStartOver}, true
		}
		r.logger.Error("Scheduling routing failed", "session_id", sessionID, "error", err)
		return Action{Kind: ActionDropped, SessionID: sessionID}, true
	}
	return Action{Kind: ActionSchedulingHandled, SessionID: sessionID, Reply: reply}, true
}

// dispatchCommand handles the fixed keyword table. The switch covers
// every Command type; there is no default for known commands.
func (r *Router) dispatchCommand(ctx context.Context, address, body string) (Action, error) {
	var reply string
	switch cmd := ParseCommand(body).(type) {
	case HelpCommand:
		reply = HelpText
	case StatusCommand:
		reply = r.statusText(address)
	case CancelCommand:
		if sessionID, ok := r.reg.ActiveSession(address); ok {
			if err := r.sessions.CancelSession(ctx, sessionID); err != nil {
				r.logger.Error("Cancel failed", "session_id", sessionID, "error", err)
			}
			// The manager sends its own cancellation confirmation.
			return Action{Kind: ActionCommandHandled, SessionID: sessionID}, nil
		}
		reply = CancelNoneText
	case UnknownCommand:
		r.logger.Info("Unrecognized input", "address", models.MaskAddress(address), "length", len(cmd.Input))
		reply = HelpText
	}

	r.send(ctx, address, reply)
	return Action{Kind: ActionCommandHandled, Reply: reply}, nil
}

func (r *Router) statusText(address string) string {
	if sessionID, ok := r.reg.ActiveSession(address); ok {
		return fmt.Sprintf("Your briefing session %s is active. We'll be in touch at the scheduled time.", shortID(sessionID))
	}
	if _, ok := r.reg.PendingApproval(address); ok {
		return StatusApprovalText
	}
	return StatusNoneText
}

func (r *Router) send(ctx context.Context, address, body string) {
	if body == "" {
		return
	}
	if err := r.messenger.SendMessage(ctx, address, body); err != nil {
		r.logger.Error("Failed to send command reply", "address", models.MaskAddress(address), "error", err)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
