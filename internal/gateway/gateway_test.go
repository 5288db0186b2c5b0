package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/tannerdsouza/briefcall/internal/briefing"
	"github.com/tannerdsouza/briefcall/internal/models"
	"github.com/tannerdsouza/briefcall/internal/orcherr"
	"github.com/tannerdsouza/briefcall/internal/registry"
	"github.com/tannerdsouza/briefcall/internal/router"
)

const testSecret = "test-callback-secret"

type fakeRouter struct {
	routed []string
}

func (f *fakeRouter) Route(ctx context.Context, address, body string, attachments []string) (router.Action, error) {
	f.routed = append(f.routed, address)
	return router.Action{Kind: router.ActionSessionCreated, SessionID: "sess-1"}, nil
}

type fakeSessions struct {
	reminded  []string
	answered  []string
	completed []string
	failed    []string

	answeredErr error
}

func (f *fakeSessions) NotifyUpcoming(ctx context.Context, sessionID string) error {
	f.reminded = append(f.reminded, sessionID)
	return nil
}

func (f *fakeSessions) OnCallAnswered(ctx context.Context, sessionID string) error {
	if f.answeredErr != nil {
		return f.answeredErr
	}
	f.answered = append(f.answered, sessionID)
	return nil
}

func (f *fakeSessions) CompleteBriefing(ctx context.Context, sessionID, transcript string, fields briefing.ContextFields) error {
	f.completed = append(f.completed, transcript)
	return nil
}

func (f *fakeSessions) FailSession(ctx context.Context, sessionID, reason string) error {
	f.failed = append(f.failed, reason)
	return nil
}

type fakeApprovals struct {
	created []string
	posted  []bool
}

func (f *fakeApprovals) Create(ctx context.Context, ownerRef, artifactID, artifactRef, address string) (*models.ApprovalWorkflow, error) {
	f.created = append(f.created, artifactID)
	return &models.ApprovalWorkflow{ID: "wf-1"}, nil
}

func (f *fakeApprovals) OnPostingComplete(ctx context.Context, workflowID string, succeeded bool) error {
	f.posted = append(f.posted, succeeded)
	return nil
}

type fakeLookup struct {
	session *models.Session
}

func (f *fakeLookup) Get(ctx context.Context, id string) (*models.Session, error) {
	if f.session == nil {
		return nil, &orcherr.NotFoundError{Kind: "session", ID: id}
	}
	return f.session, nil
}

type fakeToucher struct {
	touched []string
}

func (f *fakeToucher) TouchActivity(ctx context.Context, roomID string) {
	f.touched = append(f.touched, roomID)
}

type env struct {
	engine    *gin.Engine
	router    *fakeRouter
	sessions  *fakeSessions
	approvals *fakeApprovals
	lookup    *fakeLookup
	toucher   *fakeToucher
	reg       *registry.Registry
}

func newTestGateway(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	e := &env{
		router:    &fakeRouter{},
		sessions:  &fakeSessions{},
		approvals: &fakeApprovals{},
		lookup:    &fakeLookup{},
		toucher:   &fakeToucher{},
		reg:       registry.New(),
	}

	g, err := New(Routes{
		Router:    e.router,
		Sessions:  e.sessions,
		Approvals: e.approvals,
		Lookup:    e.lookup,
		Rooms:     e.toucher,
		Registry:  e.reg,
	}, testSecret, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	e.engine = gin.New()
	g.Register(e.engine)
	return e
}

func (e *env) post(t *testing.T, path, secret string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("X-Callback-Secret", secret)
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func TestSecretMismatchRejectsWithoutMutation(t *testing.T) {
	e := newTestGateway(t)

	w := e.post(t, "/callbacks/start-briefing", "wrong-secret", map[string]any{"session_id": "sess-1"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if len(e.sessions.answered) != 0 {
		t.Error("state mutated despite bad secret")
	}

	w = e.post(t, "/callbacks/start-briefing", "", map[string]any{"session_id": "sess-1"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing header status = %d, want 401", w.Code)
	}
}

func TestSchemaInvalidPayloadDropped(t *testing.T) {
	e := newTestGateway(t)

	// from is required and must be non-empty.
	w := e.post(t, "/webhooks/message", testSecret, map[string]any{"body": "hello"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if len(e.router.routed) != 0 {
		t.Error("invalid payload reached the router")
	}

	w = e.post(t, "/webhooks/call-status", testSecret, map[string]any{
		"call_id": "c1", "session_id": "sess-1", "state": "teleported",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown state status = %d, want 400", w.Code)
	}
}

func TestMessageWebhookRoutes(t *testing.T) {
	e := newTestGateway(t)

	w := e.post(t, "/webhooks/message", testSecret, map[string]any{
		"from":        "+15551230000",
		"body":        "",
		"attachments": []string{"img://abc"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", w.Code, w.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["action"] != string(router.ActionSessionCreated) {
		t.Errorf("action = %q, want session_created", resp["action"])
	}
	if len(e.router.routed) != 1 {
		t.Errorf("routed = %v, want one entry", e.router.routed)
	}
}

func TestCallStatusAnsweredTouchesRoom(t *testing.T) {
	e := newTestGateway(t)
	e.reg.PutRoom("sess-1", "room-1")

	w := e.post(t, "/webhooks/call-status", testSecret, map[string]any{
		"call_id": "c1", "session_id": "sess-1", "state": "answered",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(e.sessions.answered) != 1 {
		t.Errorf("answered = %v, want one entry", e.sessions.answered)
	}
	if len(e.toucher.touched) != 1 || e.toucher.touched[0] != "room-1" {
		t.Errorf("touched = %v, want [room-1]", e.toucher.touched)
	}
}

func TestCallStatusFailureFailsSession(t *testing.T) {
	e := newTestGateway(t)

	w := e.post(t, "/webhooks/call-status", testSecret, map[string]any{
		"call_id": "c1", "session_id": "sess-1", "state": "no_answer",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(e.sessions.failed) != 1 || e.sessions.failed[0] != "call not answered" {
		t.Errorf("failed = %v, want [call not answered]", e.sessions.failed)
	}
}

func TestDuplicateCallbackAnsweredOK(t *testing.T) {
	e := newTestGateway(t)
	e.sessions.answeredErr = &orcherr.ConflictError{
		Kind: "session", ID: "sess-1",
		Expected: "in_progress", Actual: "completed",
	}

	w := e.post(t, "/callbacks/start-briefing", testSecret, map[string]any{"session_id": "sess-1"})
	if w.Code != http.StatusOK {
		t.Errorf("redelivered callback status = %d, want 200", w.Code)
	}
}

func TestContentReadyOpensApproval(t *testing.T) {
	e := newTestGateway(t)
	e.lookup.session = &models.Session{
		ID:      "sess-1",
		Address: "+15551230000",
		Status:  models.SessionStatusCompleted,
	}

	w := e.post(t, "/callbacks/content-ready", testSecret, map[string]any{
		"session_id":   "sess-1",
		"artifact_id":  "art-9",
		"artifact_ref": "https://cdn.example.com/art-9",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", w.Code, w.Body.String())
	}
	if len(e.approvals.created) != 1 || e.approvals.created[0] != "art-9" {
		t.Errorf("created = %v, want [art-9]", e.approvals.created)
	}
}

func TestContentReadyUnknownSession(t *testing.T) {
	e := newTestGateway(t)

	w := e.post(t, "/callbacks/content-ready", testSecret, map[string]any{
		"session_id":   "ghost",
		"artifact_id":  "art-9",
		"artifact_ref": "https://cdn.example.com/art-9",
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if len(e.approvals.created) != 0 {
		t.Error("approval created for unknown session")
	}
}

func TestCompleteCallbackCapturesContext(t *testing.T) {
	e := newTestGateway(t)

	w := e.post(t, "/callbacks/complete", testSecret, map[string]any{
		"sessionId": "sess-1",
		"status":    "completed",
		"timestamp": "2025-06-12T15:04:05Z",
		"payload": map[string]any{
			"transcript": "here is what happened today",
			"narrative":  "daily recap",
			"mood":       "upbeat",
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", w.Code, w.Body.String())
	}
	if len(e.sessions.completed) != 1 || e.sessions.completed[0] != "here is what happened today" {
		t.Errorf("completed = %v, want the transcript", e.sessions.completed)
	}
}

func TestCompleteCallbackUnknownStatus(t *testing.T) {
	e := newTestGateway(t)

	w := e.post(t, "/callbacks/complete", testSecret, map[string]any{
		"sessionId": "sess-1",
		"status":    "levitating",
		"timestamp": "2025-06-12T15:04:05Z",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestPostingCompleteRelaysOutcome(t *testing.T) {
	e := newTestGateway(t)

	w := e.post(t, "/callbacks/posting-complete", testSecret, map[string]any{
		"workflow_id": "wf-1",
		"succeeded":   true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(e.approvals.posted) != 1 || !e.approvals.posted[0] {
		t.Errorf("posted = %v, want [true]", e.approvals.posted)
	}
}
