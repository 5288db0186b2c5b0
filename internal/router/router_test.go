package router

import (
	"context"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/tannerdsouza/briefcall/internal/briefing"
	"github.com/tannerdsouza/briefcall/internal/models"
	"github.com/tannerdsouza/briefcall/internal/orcherr"
	"github.com/tannerdsouza/briefcall/internal/registry"
)

type fakeSessions struct {
	reg           *registry.Registry
	created       []string
	scheduling    []string
	cancelled     []string
	schedulingErr error
}

func (f *fakeSessions) CreateSession(ctx context.Context, address, artifactRef string) (*models.Session, error) {
	id := uuid.NewString()
	f.created = append(f.created, artifactRef)
	f.reg.PutSession(address, id)
	return &models.Session{ID: id, Status: models.SessionStatusPending}, nil
}

func (f *fakeSessions) HandleSchedulingReply(ctx context.Context, sessionID, text string) (string, error) {
	if f.schedulingErr != nil {
		return "", f.schedulingErr
	}
	f.scheduling = append(f.scheduling, text)
	return "scheduled", nil
}

func (f *fakeSessions) CancelSession(ctx context.Context, sessionID string) error {
	f.cancelled = append(f.cancelled, sessionID)
	return nil
}

type fakeApprovals struct {
	handled []string
}

func (f *fakeApprovals) HandleResponse(ctx context.Context, workflowID, text string) (string, error) {
	f.handled = append(f.handled, text)
	return "approval reply", nil
}

type fakeMessenger struct {
	messages []string
}

func (f *fakeMessenger) SendMessage(ctx context.Context, to, body string) error {
	f.messages = append(f.messages, body)
	return nil
}

func newTestRouter(t *testing.T, preempts bool) (*Router, *registry.Registry, *fakeSessions, *fakeApprovals, *fakeMessenger) {
	t.Helper()
	reg := registry.New()
	sessions := &fakeSessions{reg: reg}
	approvals := &fakeApprovals{}
	messenger := &fakeMessenger{}
	r := New(reg, sessions, approvals, messenger, preempts, slog.Default())
	return r, reg, sessions, approvals, messenger
}

const testAddress = "+15551230000"

func TestPhotoStartsSession(t *testing.T) {
	r, _, sessions, _, _ := newTestRouter(t, true)

	action, err := r.Route(context.Background(), testAddress, "", []string{"img://abc"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if action.Kind != ActionSessionCreated {
		t.Errorf("kind = %s, want session_created", action.Kind)
	}
	if len(sessions.created) != 1 || sessions.created[0] != "img://abc" {
		t.Errorf("created = %v, want [img://abc]", sessions.created)
	}
}

func TestReplyRoutesToScheduling(t *testing.T) {
	r, _, sessions, _, _ := newTestRouter(t, true)
	ctx := context.Background()

	r.Route(ctx, testAddress, "", []string{"img://abc"})
	action, err := r.Route(ctx, testAddress, "1", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if action.Kind != ActionSchedulingHandled {
		t.Errorf("kind = %s, want scheduling_handled", action.Kind)
	}
	if len(sessions.scheduling) != 1 || sessions.scheduling[0] != "1" {
		t.Errorf("scheduling replies = %v, want [1]", sessions.scheduling)
	}
}

func TestApprovalPreemptsScheduling(t *testing.T) {
	r, reg, sessions, approvals, _ := newTestRouter(t, true)
	ctx := context.Background()

	// Both a scheduling reply and an approval are outstanding.
	r.Route(ctx, testAddress, "", []string{"img://abc"})
	reg.PutApproval(testAddress, "wf-1")

	action, err := r.Route(ctx, testAddress, "APPROVE", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if action.Kind != ActionApprovalHandled {
		t.Errorf("kind = %s, want approval_handled", action.Kind)
	}
	if len(approvals.handled) != 1 {
		t.Errorf("approval handled = %v, want one entry", approvals.handled)
	}
	if len(sessions.scheduling) != 0 {
		t.Error("message also routed to scheduling")
	}
}

func TestSchedulingFirstWhenPreemptionDisabled(t *testing.T) {
	r, reg, sessions, approvals, _ := newTestRouter(t, false)
	ctx := context.Background()

	r.Route(ctx, testAddress, "", []string{"img://abc"})
	reg.PutApproval(testAddress, "wf-1")

	if _, err := r.Route(ctx, testAddress, "2", nil); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(sessions.scheduling) != 1 {
		t.Errorf("scheduling replies = %v, want one entry", sessions.scheduling)
	}
	if len(approvals.handled) != 0 {
		t.Error("message routed to approval despite disabled preemption")
	}
}

func TestUnknownInputGetsDeterministicHelp(t *testing.T) {
	r, _, _, _, messenger := newTestRouter(t, true)
	ctx := context.Background()

	first, _ := r.Route(ctx, testAddress, "blorp", nil)
	second, _ := r.Route(ctx, testAddress, "something else entirely", nil)

	if first.Kind != ActionCommandHandled || second.Kind != ActionCommandHandled {
		t.Fatal("unknown input not handled by the command table")
	}
	if first.Reply != HelpText || second.Reply != HelpText {
		t.Error("unknown input reply is not the fixed help text")
	}
	if len(messenger.messages) != 2 {
		t.Errorf("messages sent = %d, want 2", len(messenger.messages))
	}
}

func TestStaleSessionIndexPromptsStartOver(t *testing.T) {
	r, reg, sessions, _, messenger := newTestRouter(t, true)
	ctx := context.Background()

	// The registry points at a session the store no longer has.
	reg.PutSession(testAddress, "gone")
	sessions.schedulingErr = &orcherr.NotFoundError{Kind: "session", ID: "gone"}

	action, err := r.Route(ctx, testAddress, "1", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if action.Kind != ActionDropped {
		t.Errorf("kind = %s, want dropped", action.Kind)
	}
	if action.Reply != briefing.MsgStartOver {
		t.Errorf("reply = %q, want start-over message", action.Reply)
	}
	if len(messenger.messages) != 1 || messenger.messages[0] != briefing.MsgStartOver {
		t.Errorf("messages = %v, want [start-over]", messenger.messages)
	}
	if _, ok := reg.ActiveSession(testAddress); ok {
		t.Error("stale index entry not removed")
	}
}

func TestCancelCommand(t *testing.T) {
	r, _, sessions, _, _ := newTestRouter(t, true)
	ctx := context.Background()

	// Nothing active: deterministic reply.
	action, _ := r.Route(ctx, testAddress, "cancel", nil)
	if action.Reply != CancelNoneText {
		t.Errorf("reply = %q, want %q", action.Reply, CancelNoneText)
	}

	r.Route(ctx, testAddress, "", []string{"img://abc"})
	r.Route(ctx, testAddress, "cancel", nil)
	if len(sessions.cancelled) != 1 {
		t.Errorf("cancelled = %v, want one entry", sessions.cancelled)
	}
}

func TestStatusCommand(t *testing.T) {
	r, reg, _, _, _ := newTestRouter(t, true)
	ctx := context.Background()

	action, _ := r.Route(ctx, testAddress, "status", nil)
	if action.Reply != StatusNoneText {
		t.Errorf("reply = %q, want %q", action.Reply, StatusNoneText)
	}

	reg.PutApproval(testAddress, "wf-1")
	action, _ = r.Route(ctx, testAddress, "status", nil)
	if action.Reply != StatusApprovalText {
		t.Errorf("reply = %q, want %q", action.Reply, StatusApprovalText)
	}
}

func TestParseCommandTable(t *testing.T) {
	tests := []struct {
		input string
		want  Command
	}{
		{"help", HelpCommand{}},
		{"?", HelpCommand{}},
		{"STATUS", StatusCommand{}},
		{"Cancel", CancelCommand{}},
		{"stop", CancelCommand{}},
	}
	for _, tt := range tests {
		if got := ParseCommand(tt.input); got != tt.want {
			t.Errorf("ParseCommand(%q) = %T, want %T", tt.input, got, tt.want)
		}
	}
	if _, ok := ParseCommand("gibberish").(UnknownCommand); !ok {
		t.Error("gibberish did not parse as UnknownCommand")
	}
}
