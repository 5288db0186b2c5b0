package briefing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tannerdsouza/briefcall/internal/ledger"
	"github.com/tannerdsouza/briefcall/internal/models"
	"github.com/tannerdsouza/briefcall/internal/notify"
	"github.com/tannerdsouza/briefcall/internal/orcherr"
	"github.com/tannerdsouza/briefcall/internal/registry"
	"github.com/tannerdsouza/briefcall/internal/rooms"
)

type fakeStore struct {
	sessions  map[string]*models.Session
	responses []models.SchedulingResponse
	contexts  map[string]*models.BriefingContext
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]*models.Session),
		contexts: make(map[string]*models.BriefingContext),
	}
}

func (s *fakeStore) Create(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	session.AddressMask = models.MaskAddress(session.Address)
	session.AddressHash = models.HashAddress(session.Address)
	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

func (s *fakeStore) Get(ctx context.Context, id string) (*models.Session, error) {
	session, ok := s.sessions[id]
	if !ok {
		return nil, &orcherr.NotFoundError{Kind: "session", ID: id}
	}
	cp := *session
	return &cp, nil
}

func (s *fakeStore) ActiveByAddress(ctx context.Context, address string) (*models.Session, error) {
	hash := models.HashAddress(address)
	for _, session := range s.sessions {
		if session.AddressHash == hash && !session.Status.IsTerminal() {
			cp := *session
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) Transition(ctx context.Context, id string, from []models.SessionStatus, to models.SessionStatus, updates map[string]interface{}) error {
	session, ok := s.sessions[id]
	if !ok {
		return &orcherr.NotFoundError{Kind: "session", ID: id}
	}
	matched := false
	for _, st := range from {
		if session.Status == st {
			matched = true
			break
		}
	}
	if !matched {
		return &orcherr.ConflictError{Kind: "session", ID: id, Expected: statusList(from), Actual: string(session.Status)}
	}
	session.Status = to
	for key, value := range updates {
		switch key {
		case "scheduled_time":
			t := value.(time.Time)
			session.ScheduledTime = &t
		case "actual_start_time":
			t := value.(time.Time)
			session.ActualStartTime = &t
		case "failure_reason":
			session.FailureReason = value.(string)
		}
	}
	return nil
}

func (s *fakeStore) AppendResponse(ctx context.Context, resp *models.SchedulingResponse) error {
	s.responses = append(s.responses, *resp)
	return nil
}

func (s *fakeStore) SaveContext(ctx context.Context, bc *models.BriefingContext) error {
	if _, exists := s.contexts[bc.SessionID]; exists {
		return fmt.Errorf("duplicate briefing context for session %s", bc.SessionID)
	}
	cp := *bc
	s.contexts[bc.SessionID] = &cp
	return nil
}

func (s *fakeStore) GetContext(ctx context.Context, sessionID string) (*models.BriefingContext, error) {
	bc, ok := s.contexts[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *bc
	return &cp, nil
}

func (s *fakeStore) ListStaleInProgress(ctx context.Context, threshold time.Time) ([]models.Session, error) {
	var stale []models.Session
	for _, session := range s.sessions {
		if session.Status == models.SessionStatusInProgress &&
			session.ActualStartTime == nil &&
			session.UpdatedAt.Before(threshold) {
			stale = append(stale, *session)
		}
	}
	return stale, nil
}

type fakeLedger struct {
	steps []models.WorkflowStep
}

func (l *fakeLedger) Append(ctx context.Context, sessionID, step, status string, payload any) error {
	l.steps = append(l.steps, models.WorkflowStep{SessionID: sessionID, Step: step, Status: status})
	return nil
}

func (l *fakeLedger) HasCompleted(ctx context.Context, sessionID, step string) (bool, error) {
	for _, s := range l.steps {
		if s.SessionID == sessionID && s.Step == step && s.Status == models.StepStatusCompleted {
			return true, nil
		}
	}
	return false, nil
}

type fakeMessenger struct {
	messages []string
	calls    int
	callErr  error
}

func (f *fakeMessenger) SendMessage(ctx context.Context, to, body string) error {
	f.messages = append(f.messages, body)
	return nil
}

func (f *fakeMessenger) PlaceCall(ctx context.Context, to, callbackURL string) (string, error) {
	if f.callErr != nil {
		return "", f.callErr
	}
	f.calls++
	return fmt.Sprintf("call-%d", f.calls), nil
}

type fakeBroker struct {
	created   int
	tornDown  []string
	createErr error
}

func (f *fakeBroker) CreateRoom(ctx context.Context, sessionID string, maxParticipants int, idleTimeout time.Duration) (*rooms.Room, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created++
	return &rooms.Room{ID: fmt.Sprintf("room-%d", f.created), SessionID: sessionID, JoinCredential: "cred"}, nil
}

func (f *fakeBroker) TeardownForSession(ctx context.Context, sessionID string) error {
	f.tornDown = append(f.tornDown, sessionID)
	return nil
}

type fakeTasks struct {
	placeCalls  []time.Time
	generations []string
}

func (f *fakeTasks) SchedulePlaceCall(sessionID string, at time.Time) error {
	f.placeCalls = append(f.placeCalls, at)
	return nil
}

func (f *fakeTasks) ScheduleGeneration(sessionID string) error {
	f.generations = append(f.generations, sessionID)
	return nil
}

type testEnv struct {
	mgr       *Manager
	store     *fakeStore
	ledger    *fakeLedger
	messenger *fakeMessenger
	broker    *fakeBroker
	tasks     *fakeTasks
	now       time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:     newFakeStore(),
		ledger:    &fakeLedger{},
		messenger: &fakeMessenger{},
		broker:    &fakeBroker{},
		tasks:     &fakeTasks{},
		now:       time.Date(2025, 6, 12, 14, 0, 0, 0, time.UTC),
	}
	env.mgr = NewManager(env.store, env.ledger, env.messenger, env.broker, env.tasks,
		registry.New(), (*notify.Publisher)(nil),
		Config{
			PublicBaseURL:   "http://localhost:8080",
			RoomIdleTimeout: 10 * time.Minute,
			CallRingTimeout: 2 * time.Minute,
		}, slog.Default())
	env.mgr.now = func() time.Time { return env.now }
	return env
}

const testAddress = "+15551230000"

func TestCreateSessionSendsSchedulingPrompt(t *testing.T) {
	env := newTestEnv(t)

	session, err := env.mgr.CreateSession(context.Background(), testAddress, "img://abc")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if session.Status != models.SessionStatusPending {
		t.Errorf("status = %s, want pending", session.Status)
	}

	if len(env.messenger.messages) != 1 {
		t.Fatalf("messages sent = %d, want 1", len(env.messenger.messages))
	}
	prompt := env.messenger.messages[0]
	for _, option := range []string{"1.", "2.", "3.", "4."} {
		if !strings.Contains(prompt, option) {
			t.Errorf("scheduling prompt missing option %q", option)
		}
	}
}

func TestCreateSessionRejectsSecondActive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.mgr.CreateSession(ctx, testAddress, "img://abc"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	_, err := env.mgr.CreateSession(ctx, testAddress, "img://def")
	if !orcherr.IsConflict(err) {
		t.Fatalf("second CreateSession error = %v, want ConflictError", err)
	}
}

func TestSchedulingReplyOne(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, _ := env.mgr.CreateSession(ctx, testAddress, "img://abc")
	if _, err := env.mgr.HandleSchedulingReply(ctx, session.ID, "1"); err != nil {
		t.Fatalf("HandleSchedulingReply: %v", err)
	}

	got := env.store.sessions[session.ID]
	if got.Status != models.SessionStatusScheduled {
		t.Errorf("status = %s, want scheduled", got.Status)
	}
	want := env.now.Add(2 * time.Minute)
	if got.ScheduledTime == nil || !got.ScheduledTime.Equal(want) {
		t.Errorf("scheduled_time = %v, want %s", got.ScheduledTime, want)
	}
	if len(env.tasks.placeCalls) != 1 || !env.tasks.placeCalls[0].Equal(want) {
		t.Errorf("place-call tasks = %v, want one at %s", env.tasks.placeCalls, want)
	}
	// Prompt + confirmation.
	if len(env.messenger.messages) != 2 {
		t.Errorf("messages sent = %d, want 2", len(env.messenger.messages))
	}
	if len(env.store.responses) != 1 || env.store.responses[0].Intent != "immediate" {
		t.Errorf("recorded responses = %+v, want one tagged immediate", env.store.responses)
	}
}

func TestSchedulingReplyFourReprompts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, _ := env.mgr.CreateSession(ctx, testAddress, "img://abc")
	reply, err := env.mgr.HandleSchedulingReply(ctx, session.ID, "4")
	if err != nil {
		t.Fatalf("HandleSchedulingReply: %v", err)
	}
	if reply != PromptSpecificTime {
		t.Errorf("reply = %q, want specific-time prompt", reply)
	}
	if env.store.sessions[session.ID].Status != models.SessionStatusPending {
		t.Error("session left pending state on a re-prompt")
	}
}

func TestRescheduleKeepsSameSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, _ := env.mgr.CreateSession(ctx, testAddress, "img://abc")
	env.mgr.HandleSchedulingReply(ctx, session.ID, "1")

	if _, err := env.mgr.HandleSchedulingReply(ctx, session.ID, "3"); err != nil {
		t.Fatalf("reschedule reply: %v", err)
	}

	got := env.store.sessions[session.ID]
	if got.Status != models.SessionStatusScheduled {
		t.Errorf("status = %s, want scheduled", got.Status)
	}
	want := env.now.Add(60 * time.Minute)
	if got.ScheduledTime == nil || !got.ScheduledTime.Equal(want) {
		t.Errorf("scheduled_time = %v, want %s", got.ScheduledTime, want)
	}

	// Ledger shows the reschedule hop.
	var sawReschedule bool
	for _, step := range env.ledger.steps {
		if step.Step == ledger.StepRescheduled {
			sawReschedule = true
		}
	}
	if !sawReschedule {
		t.Error("no rescheduled step in ledger")
	}
}

func TestScheduledTimeSurvivesTaskRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	// Wall clocks carry sub-second precision; the call task does not.
	env.now = time.Date(2025, 6, 12, 14, 0, 0, 123456789, time.UTC)

	session, _ := env.mgr.CreateSession(ctx, testAddress, "img://abc")
	if _, err := env.mgr.HandleSchedulingReply(ctx, session.ID, "1"); err != nil {
		t.Fatalf("HandleSchedulingReply: %v", err)
	}

	stored := env.store.sessions[session.ID].ScheduledTime
	if stored == nil {
		t.Fatal("no scheduled time stored")
	}
	if stored.Nanosecond() != 0 {
		t.Errorf("scheduled_time = %v, want whole seconds", stored)
	}

	// The task payload carries a unix timestamp; the handler rebuilds
	// the expected time from it and must still match the stored value.
	expected := time.Unix(stored.Unix(), 0).UTC()
	if err := env.mgr.PlaceScheduledCall(ctx, session.ID, expected); err != nil {
		t.Fatalf("PlaceScheduledCall: %v", err)
	}
	if env.messenger.calls != 1 {
		t.Errorf("calls placed = %d, want 1", env.messenger.calls)
	}
	if env.store.sessions[session.ID].Status != models.SessionStatusInProgress {
		t.Errorf("status = %s, want in_progress", env.store.sessions[session.ID].Status)
	}
}

func TestDuplicateRescheduleEnqueuesOneTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, _ := env.mgr.CreateSession(ctx, testAddress, "img://abc")
	env.mgr.HandleSchedulingReply(ctx, session.ID, "1")
	if _, err := env.mgr.HandleSchedulingReply(ctx, session.ID, "3"); err != nil {
		t.Fatalf("reschedule reply: %v", err)
	}

	// Redelivered copy of the same reply parses to the stored time.
	reply, err := env.mgr.HandleSchedulingReply(ctx, session.ID, "3")
	if err != nil {
		t.Fatalf("redelivered reschedule reply: %v", err)
	}
	if !strings.Contains(reply, "moved your call") {
		t.Errorf("reply = %q, want reschedule confirmation", reply)
	}

	if len(env.tasks.placeCalls) != 2 {
		t.Errorf("place-call tasks = %d, want 2", len(env.tasks.placeCalls))
	}
	var reschedules int
	for _, step := range env.ledger.steps {
		if step.Step == ledger.StepRescheduled && step.Status == models.StepStatusCompleted {
			reschedules++
		}
	}
	if reschedules != 1 {
		t.Errorf("completed reschedule steps = %d, want 1", reschedules)
	}
}

func TestPlaceScheduledCallIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, _ := env.mgr.CreateSession(ctx, testAddress, "img://abc")
	env.mgr.HandleSchedulingReply(ctx, session.ID, "1")
	expected := *env.store.sessions[session.ID].ScheduledTime

	if err := env.mgr.PlaceScheduledCall(ctx, session.ID, expected); err != nil {
		t.Fatalf("PlaceScheduledCall: %v", err)
	}
	if err := env.mgr.PlaceScheduledCall(ctx, session.ID, expected); err != nil {
		t.Fatalf("PlaceScheduledCall (retry): %v", err)
	}

	if env.messenger.calls != 1 {
		t.Errorf("calls placed = %d, want 1", env.messenger.calls)
	}
	if env.broker.created != 1 {
		t.Errorf("rooms created = %d, want 1", env.broker.created)
	}
	if env.store.sessions[session.ID].Status != models.SessionStatusInProgress {
		t.Errorf("status = %s, want in_progress", env.store.sessions[session.ID].Status)
	}
}

func TestPlaceScheduledCallSkipsStaleTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, _ := env.mgr.CreateSession(ctx, testAddress, "img://abc")
	env.mgr.HandleSchedulingReply(ctx, session.ID, "1")
	stale := *env.store.sessions[session.ID].ScheduledTime

	// Reschedule; the original task's expected time no longer matches.
	env.mgr.HandleSchedulingReply(ctx, session.ID, "3")

	if err := env.mgr.PlaceScheduledCall(ctx, session.ID, stale); err != nil {
		t.Fatalf("PlaceScheduledCall: %v", err)
	}
	if env.messenger.calls != 0 {
		t.Errorf("stale task placed %d calls, want 0", env.messenger.calls)
	}
	if env.store.sessions[session.ID].Status != models.SessionStatusScheduled {
		t.Error("stale task moved the session out of scheduled")
	}
}

func TestCallPlacementFailureFailsSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.messenger.callErr = errors.New("provider down")

	session, _ := env.mgr.CreateSession(ctx, testAddress, "img://abc")
	env.mgr.HandleSchedulingReply(ctx, session.ID, "1")
	expected := *env.store.sessions[session.ID].ScheduledTime

	err := env.mgr.PlaceScheduledCall(ctx, session.ID, expected)
	if !orcherr.IsExternal(err) {
		t.Fatalf("error = %v, want ExternalServiceError", err)
	}

	got := env.store.sessions[session.ID]
	if got.Status != models.SessionStatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.FailureReason == "" {
		t.Error("no failure reason recorded")
	}
	if len(env.broker.tornDown) != 1 {
		t.Errorf("room teardowns = %d, want 1", len(env.broker.tornDown))
	}
	// Last message is the one-line apology with no technical detail.
	last := env.messenger.messages[len(env.messenger.messages)-1]
	if last != MsgApology {
		t.Errorf("last message = %q, want apology", last)
	}
	if strings.Contains(last, "provider") {
		t.Error("apology leaked technical detail")
	}
}

func TestIllegalTransitionIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, _ := env.mgr.CreateSession(ctx, testAddress, "img://abc")

	// Call answered while still pending: conflict, state preserved.
	err := env.mgr.OnCallAnswered(ctx, session.ID)
	if !orcherr.IsConflict(err) {
		t.Fatalf("error = %v, want ConflictError", err)
	}
	if env.store.sessions[session.ID].Status != models.SessionStatusPending {
		t.Error("illegal transition mutated session status")
	}
}

func TestCompleteBriefingIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, _ := env.mgr.CreateSession(ctx, testAddress, "img://abc")
	env.mgr.HandleSchedulingReply(ctx, session.ID, "1")
	env.mgr.PlaceScheduledCall(ctx, session.ID, *env.store.sessions[session.ID].ScheduledTime)
	env.mgr.OnCallAnswered(ctx, session.ID)

	fields := ContextFields{Narrative: "a day at the lake", Audience: "friends", Tone: "warm"}
	if err := env.mgr.CompleteBriefing(ctx, session.ID, "transcript text", fields); err != nil {
		t.Fatalf("CompleteBriefing: %v", err)
	}
	if err := env.mgr.CompleteBriefing(ctx, session.ID, "transcript text", fields); err != nil {
		t.Fatalf("CompleteBriefing (redelivery): %v", err)
	}

	if env.store.sessions[session.ID].Status != models.SessionStatusCompleted {
		t.Errorf("status = %s, want completed", env.store.sessions[session.ID].Status)
	}
	if len(env.tasks.generations) != 1 {
		t.Errorf("generation invokes = %d, want 1", len(env.tasks.generations))
	}
	if len(env.store.contexts) != 1 {
		t.Errorf("briefing contexts = %d, want exactly 1", len(env.store.contexts))
	}
}

func TestCancelTearsDownRoom(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, _ := env.mgr.CreateSession(ctx, testAddress, "img://abc")
	env.mgr.HandleSchedulingReply(ctx, session.ID, "1")
	env.mgr.PlaceScheduledCall(ctx, session.ID, *env.store.sessions[session.ID].ScheduledTime)

	if err := env.mgr.CancelSession(ctx, session.ID); err != nil {
		t.Fatalf("CancelSession: %v", err)
	}
	if env.store.sessions[session.ID].Status != models.SessionStatusCancelled {
		t.Errorf("status = %s, want cancelled", env.store.sessions[session.ID].Status)
	}
	if len(env.broker.tornDown) == 0 {
		t.Error("cancel did not tear down the room")
	}
}

func TestSweepStaleFailsUnansweredCalls(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, _ := env.mgr.CreateSession(ctx, testAddress, "img://abc")
	env.mgr.HandleSchedulingReply(ctx, session.ID, "1")
	env.mgr.PlaceScheduledCall(ctx, session.ID, *env.store.sessions[session.ID].ScheduledTime)

	// Never answered; updated_at is stale relative to the sweep.
	env.store.sessions[session.ID].UpdatedAt = env.now.Add(-time.Hour)

	failed, err := env.mgr.SweepStale(ctx, env.now)
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
	if env.store.sessions[session.ID].Status != models.SessionStatusFailed {
		t.Errorf("status = %s, want failed", env.store.sessions[session.ID].Status)
	}

	// Second tick finds nothing.
	failed, _ = env.mgr.SweepStale(ctx, env.now)
	if failed != 0 {
		t.Errorf("second sweep failed = %d, want 0", failed)
	}
}

func TestNotifyUpcomingRemindsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, _ := env.mgr.CreateSession(ctx, testAddress, "img://abc")
	env.mgr.HandleSchedulingReply(ctx, session.ID, "2")
	sent := len(env.messenger.messages)

	if err := env.mgr.NotifyUpcoming(ctx, session.ID); err != nil {
		t.Fatalf("NotifyUpcoming: %v", err)
	}
	if len(env.messenger.messages) != sent+1 {
		t.Fatalf("messages = %d, want %d", len(env.messenger.messages), sent+1)
	}
	if env.messenger.messages[sent] != MsgReminder {
		t.Errorf("reminder = %q, want %q", env.messenger.messages[sent], MsgReminder)
	}

	// Redelivered pre-notify callback reminds only once.
	if err := env.mgr.NotifyUpcoming(ctx, session.ID); err != nil {
		t.Fatalf("second NotifyUpcoming: %v", err)
	}
	if len(env.messenger.messages) != sent+1 {
		t.Errorf("duplicate reminder sent")
	}
}

func TestNotifyUpcomingSkipsUnscheduled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, _ := env.mgr.CreateSession(ctx, testAddress, "img://abc")
	sent := len(env.messenger.messages)

	if err := env.mgr.NotifyUpcoming(ctx, session.ID); err != nil {
		t.Fatalf("NotifyUpcoming: %v", err)
	}
	if len(env.messenger.messages) != sent {
		t.Error("reminder sent for a pending session")
	}
}
