// Package briefing implements the scheduling+briefing state machine:
// pending -> scheduled -> in_progress -> completed, with failed,
// rescheduled and cancelled branches. Every transition appends to the
// workflow-step ledger before its side effects run, and each side effect
// is guarded by a ledger check so retried callbacks deliver outbound
// notifications at most once.
package briefing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tannerdsouza/briefcall/internal/ledger"
	"github.com/tannerdsouza/briefcall/internal/models"
	"github.com/tannerdsouza/briefcall/internal/notify"
	"github.com/tannerdsouza/briefcall/internal/orcherr"
	"github.com/tannerdsouza/briefcall/internal/registry"
	"github.com/tannerdsouza/briefcall/internal/rooms"
	"github.com/tannerdsouza/briefcall/internal/timeparse"
)

// Messenger sends outbound messages and places outbound calls.
type Messenger interface {
	SendMessage(ctx context.Context, to, body string) error
	PlaceCall(ctx context.Context, to, callbackURL string) (string, error)
}

// RoomBroker allocates and reclaims briefing rooms.
type RoomBroker interface {
	CreateRoom(ctx context.Context, sessionID string, maxParticipants int, idleTimeout time.Duration) (*rooms.Room, error)
	TeardownForSession(ctx context.Context, sessionID string) error
}

// Ledger records workflow steps and answers idempotency checks.
type Ledger interface {
	Append(ctx context.Context, sessionID, step, status string, payload any) error
	HasCompleted(ctx context.Context, sessionID, step string) (bool, error)
}

// TaskScheduler enqueues the deferred work a transition triggers.
type TaskScheduler interface {
	SchedulePlaceCall(sessionID string, at time.Time) error
	ScheduleGeneration(sessionID string) error
}

// Config carries the timing knobs the manager needs.
type Config struct {
	PublicBaseURL   string
	RoomIdleTimeout time.Duration
	CallRingTimeout time.Duration
}

// ContextFields are the structured fields extracted from a briefing call.
type ContextFields struct {
	Narrative     string
	Audience      string
	Mood          string
	PlatformPrefs []byte
	Urgency       string
	Tone          string
}

// Manager drives briefing sessions through their lifecycle.
type Manager struct {
	store     Store
	ledger    Ledger
	messenger Messenger
	broker    RoomBroker
	tasks     TaskScheduler
	reg       *registry.Registry
	notifier  *notify.Publisher
	cfg       Config
	logger    *slog.Logger

	now func() time.Time
}

// NewManager creates a Manager.
func NewManager(store Store, led Ledger, messenger Messenger, broker RoomBroker, tasks TaskScheduler, reg *registry.Registry, notifier *notify.Publisher, cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		store:     store,
		ledger:    led,
		messenger: messenger,
		broker:    broker,
		tasks:     tasks,
		reg:       reg,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// CreateSession starts a new session for an inbound photo-bearing message
// and sends the scheduling prompt. The address invariant is double-checked
// against the store; the unique index is the final arbiter across
// processes.
func (m *Manager) CreateSession(ctx context.Context, address, artifactRef string) (*models.Session, error) {
	existing, err := m.store.ActiveByAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, &orcherr.ConflictError{
			Kind:     "session",
			ID:       existing.ID,
			Expected: "none active",
			Actual:   string(existing.Status),
		}
	}

	session := &models.Session{
		Address:     address,
		ArtifactRef: artifactRef,
		Status:      models.SessionStatusPending,
	}
	if err := m.store.Create(ctx, session); err != nil {
		return nil, err
	}
	m.reg.PutSession(address, session.ID)
	m.appendStep(ctx, session.ID, ledger.StepSessionCreated, models.StepStatusCompleted, map[string]string{"artifact_ref": artifactRef})

	if err := m.messenger.SendMessage(ctx, address, PromptScheduling); err != nil {
		// The session exists either way; the contributor can still reply.
		m.logger.Error("Failed to send scheduling prompt", "session_id", session.ID, "error", err)
	}

	m.logger.Info("Session created", "session_id", session.ID, "address", session.AddressMask)
	return session, nil
}

// HandleSchedulingReply parses a scheduling reply and either schedules the
// session, reschedules it, or re-prompts for a specific time. Returns the
// outbound reply text.
func (m *Manager) HandleSchedulingReply(ctx context.Context, sessionID, text string) (string, error) {
	session, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if session.Status != models.SessionStatusPending && session.Status != models.SessionStatusScheduled {
		return "", &orcherr.ConflictError{
			Kind:     "session",
			ID:       sessionID,
			Expected: "pending|scheduled",
			Actual:   string(session.Status),
		}
	}

	res := timeparse.Parse(text, m.now())

	// The response history is append-only and recorded regardless of
	// what the parse decided.
	if err := m.store.AppendResponse(ctx, &models.SchedulingResponse{
		SessionID:  sessionID,
		RawText:    text,
		Intent:     string(res.Intent),
		ParsedTime: res.When,
	}); err != nil {
		m.logger.Error("Failed to record scheduling response", "session_id", sessionID, "error", err)
	}

	if res.Intent == timeparse.IntentSpecificTimeRequested {
		if err := m.messenger.SendMessage(ctx, session.Address, PromptSpecificTime); err != nil {
			m.logger.Error("Failed to send time prompt", "session_id", sessionID, "error", err)
		}
		return PromptSpecificTime, nil
	}

	if session.Status == models.SessionStatusScheduled {
		return m.reschedule(ctx, session, res.When)
	}
	return m.schedule(ctx, session, res.When)
}

func (m *Manager) schedule(ctx context.Context, session *models.Session, when time.Time) (string, error) {
	// Whole seconds only: the call task round-trips the time through a
	// unix timestamp, and the staleness check in PlaceScheduledCall
	// compares it to the stored value exactly.
	when = when.Truncate(time.Second)

	confirmed, err := m.ledger.HasCompleted(ctx, session.ID, ledger.StepScheduled)
	if err != nil {
		m.logger.Error("Ledger check failed", "session_id", session.ID, "error", err)
	}

	err = m.store.Transition(ctx, session.ID,
		[]models.SessionStatus{models.SessionStatusPending},
		models.SessionStatusScheduled,
		map[string]interface{}{"scheduled_time": when})
	if err != nil {
		if orcherr.IsConflict(err) {
			m.logger.Warn("Scheduling transition lost race", "session_id", session.ID, "error", err)
			return "", err
		}
		return "", err
	}
	m.appendStep(ctx, session.ID, ledger.StepScheduled, models.StepStatusStarted, map[string]any{"scheduled_time": when.Unix()})

	reply := fmt.Sprintf(ConfirmScheduledFmt, when.Format("3:04 PM MST"))
	if !confirmed {
		if err := m.messenger.SendMessage(ctx, session.Address, reply); err != nil {
			m.logger.Error("Failed to send confirmation", "session_id", session.ID, "error", err)
		}
		if err := m.tasks.SchedulePlaceCall(session.ID, when); err != nil {
			m.logger.Error("Failed to schedule call task", "session_id", session.ID, "error", err)
			m.failSessionLocked(ctx, session.ID, "could not schedule outbound call")
			return "", &orcherr.ExternalServiceError{Service: "task queue", Err: err}
		}
		m.appendStep(ctx, session.ID, ledger.StepScheduled, models.StepStatusCompleted, nil)
	}

	m.logger.Info("Session scheduled", "session_id", session.ID, "scheduled_time", when)
	return reply, nil
}

func (m *Manager) reschedule(ctx context.Context, session *models.Session, when time.Time) (string, error) {
	when = when.Truncate(time.Second)

	// A redelivered reply parses to the time already stored; resend the
	// confirmation without a second transition or call task.
	if session.ScheduledTime != nil && session.ScheduledTime.Equal(when) {
		reply := fmt.Sprintf(ConfirmRescheduledFmt, when.Format("3:04 PM MST"))
		m.logger.Info("Skipping duplicate reschedule", "session_id", session.ID, "scheduled_time", when)
		return reply, nil
	}

	// scheduled -> rescheduled -> scheduled, same session id, new time.
	err := m.store.Transition(ctx, session.ID,
		[]models.SessionStatus{models.SessionStatusScheduled},
		models.SessionStatusRescheduled, nil)
	if err != nil {
		return "", err
	}
	m.appendStep(ctx, session.ID, ledger.StepRescheduled, models.StepStatusStarted, map[string]any{"scheduled_time": when.Unix()})

	err = m.store.Transition(ctx, session.ID,
		[]models.SessionStatus{models.SessionStatusRescheduled},
		models.SessionStatusScheduled,
		map[string]interface{}{"scheduled_time": when})
	if err != nil {
		return "", err
	}

	reply := fmt.Sprintf(ConfirmRescheduledFmt, when.Format("3:04 PM MST"))
	if err := m.messenger.SendMessage(ctx, session.Address, reply); err != nil {
		m.logger.Error("Failed to send reschedule confirmation", "session_id", session.ID, "error", err)
	}
	if err := m.tasks.SchedulePlaceCall(session.ID, when); err != nil {
		m.logger.Error("Failed to schedule call task", "session_id", session.ID, "error", err)
	}
	m.appendStep(ctx, session.ID, ledger.StepRescheduled, models.StepStatusCompleted, nil)

	m.logger.Info("Session rescheduled", "session_id", session.ID, "scheduled_time", when)
	return reply, nil
}

// NotifyUpcoming sends the pre-call reminder. A session no longer
// scheduled, or one already reminded, gets nothing.
func (m *Manager) NotifyUpcoming(ctx context.Context, sessionID string) error {
	session, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != models.SessionStatusScheduled {
		m.logger.Info("Skipping reminder, session not scheduled",
			"session_id", sessionID, "status", session.Status)
		return nil
	}

	reminded, err := m.ledger.HasCompleted(ctx, sessionID, ledger.StepReminderSent)
	if err != nil {
		m.logger.Error("Ledger check failed", "session_id", sessionID, "error", err)
	}
	if reminded {
		return nil
	}

	if err := m.messenger.SendMessage(ctx, session.Address, MsgReminder); err != nil {
		m.logger.Error("Failed to send reminder", "session_id", sessionID, "error", err)
		return nil
	}
	m.appendStep(ctx, sessionID, ledger.StepReminderSent, models.StepStatusCompleted, nil)
	return nil
}

// PlaceScheduledCall runs at the scheduled time: it moves the session to
// in_progress, allocates the room and places the outbound call. expected
// is the scheduled time the task was enqueued for; a reschedule leaves the
// old task behind, and the mismatch makes it a no-op. Call placement
// failure fails the session with no retry; repeated unsolicited calls are
// worse than a missed briefing.
func (m *Manager) PlaceScheduledCall(ctx context.Context, sessionID string, expected time.Time) error {
	session, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != models.SessionStatusScheduled {
		m.logger.Info("Skipping call placement, session no longer scheduled",
			"session_id", sessionID, "status", session.Status)
		return nil
	}
	if session.ScheduledTime == nil || !session.ScheduledTime.Equal(expected) {
		m.logger.Info("Skipping stale call task", "session_id", sessionID)
		return nil
	}

	placed, err := m.ledger.HasCompleted(ctx, sessionID, ledger.StepCallPlaced)
	if err != nil {
		m.logger.Error("Ledger check failed", "session_id", sessionID, "error", err)
	}
	if placed {
		return nil
	}

	err = m.store.Transition(ctx, sessionID,
		[]models.SessionStatus{models.SessionStatusScheduled},
		models.SessionStatusInProgress, nil)
	if err != nil {
		if orcherr.IsConflict(err) {
			m.logger.Warn("Call placement lost race", "session_id", sessionID, "error", err)
			return nil
		}
		return err
	}
	m.appendStep(ctx, sessionID, ledger.StepCallPlaced, models.StepStatusStarted, nil)

	room, err := m.broker.CreateRoom(ctx, sessionID, 2, m.cfg.RoomIdleTimeout)
	if err != nil {
		m.failSessionLocked(ctx, sessionID, "room allocation failed")
		return err
	}
	m.appendStep(ctx, sessionID, ledger.StepRoomCreated, models.StepStatusCompleted, map[string]string{"room_id": room.ID})

	callbackURL := m.cfg.PublicBaseURL + "/webhooks/call-status"
	callID, err := m.messenger.PlaceCall(ctx, session.Address, callbackURL)
	if err != nil {
		m.failSessionLocked(ctx, sessionID, "call placement failed")
		return &orcherr.ExternalServiceError{Service: "call provider", Err: err}
	}

	m.appendStep(ctx, sessionID, ledger.StepCallPlaced, models.StepStatusCompleted,
		map[string]string{"call_id": callID, "room_id": room.ID})
	m.logger.Info("Outbound call placed", "session_id", sessionID, "call_id", callID)
	return nil
}

// OnCallAnswered records the briefing start once the contributor picks up.
func (m *Manager) OnCallAnswered(ctx context.Context, sessionID string) error {
	session, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != models.SessionStatusInProgress {
		return &orcherr.ConflictError{
			Kind:     "session",
			ID:       sessionID,
			Expected: string(models.SessionStatusInProgress),
			Actual:   string(session.Status),
		}
	}

	started, err := m.ledger.HasCompleted(ctx, sessionID, ledger.StepBriefingStarted)
	if err != nil {
		m.logger.Error("Ledger check failed", "session_id", sessionID, "error", err)
	}
	if started {
		return nil
	}

	if session.ActualStartTime == nil {
		err = m.store.Transition(ctx, sessionID,
			[]models.SessionStatus{models.SessionStatusInProgress},
			models.SessionStatusInProgress,
			map[string]interface{}{"actual_start_time": m.now()})
		if err != nil && !orcherr.IsConflict(err) {
			return err
		}
	}
	m.appendStep(ctx, sessionID, ledger.StepBriefingStarted, models.StepStatusCompleted, nil)
	m.logger.Info("Briefing started", "session_id", sessionID)
	return nil
}

// CompleteBriefing stores the captured context, completes the session and
// hands off to the generation service. Idempotent under callback
// redelivery.
func (m *Manager) CompleteBriefing(ctx context.Context, sessionID, transcript string, fields ContextFields) error {
	done, err := m.ledger.HasCompleted(ctx, sessionID, ledger.StepSessionCompleted)
	if err != nil {
		m.logger.Error("Ledger check failed", "session_id", sessionID, "error", err)
	}
	if done {
		return nil
	}

	session, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	// Exactly one context per completed session; a redelivered callback
	// finds the existing row and moves on.
	existing, err := m.store.GetContext(ctx, sessionID)
	if err != nil {
		return err
	}
	if existing == nil {
		bc := &models.BriefingContext{
			SessionID:     sessionID,
			Transcript:    transcript,
			Narrative:     fields.Narrative,
			Audience:      fields.Audience,
			Mood:          fields.Mood,
			PlatformPrefs: fields.PlatformPrefs,
			Urgency:       fields.Urgency,
			Tone:          fields.Tone,
		}
		if err := m.store.SaveContext(ctx, bc); err != nil {
			return err
		}
		m.appendStep(ctx, sessionID, ledger.StepContextCaptured, models.StepStatusCompleted, nil)
	}

	err = m.store.Transition(ctx, sessionID,
		[]models.SessionStatus{models.SessionStatusInProgress},
		models.SessionStatusCompleted, nil)
	if err != nil {
		if orcherr.IsConflict(err) {
			m.logger.Warn("Completion transition lost race", "session_id", sessionID, "error", err)
			return nil
		}
		return err
	}
	m.appendStep(ctx, sessionID, ledger.StepSessionCompleted, models.StepStatusStarted, nil)

	m.reg.RemoveSession(session.Address)

	if err := m.tasks.ScheduleGeneration(sessionID); err != nil {
		// The session is complete either way; generation can be replayed
		// from the ledger.
		m.logger.Error("Failed to enqueue generation", "session_id", sessionID, "error", err)
	} else {
		m.appendStep(ctx, sessionID, ledger.StepGenerationInvoked, models.StepStatusStarted, nil)
	}

	m.appendStep(ctx, sessionID, ledger.StepSessionCompleted, models.StepStatusCompleted, nil)
	m.notifier.PublishBestEffort(ctx, notify.Event{
		SessionID: sessionID,
		Kind:      "session",
		Status:    string(models.SessionStatusCompleted),
	})
	m.logger.Info("Session completed", "session_id", sessionID)
	return nil
}

// FailSession drives a non-terminal session to failed with a recorded
// reason, reclaims its room and sends the contributor a one-line apology.
// Failing an already-terminal session is a logged no-op.
func (m *Manager) FailSession(ctx context.Context, sessionID, reason string) error {
	return m.failSessionLocked(ctx, sessionID, reason)
}

func (m *Manager) failSessionLocked(ctx context.Context, sessionID, reason string) error {
	err := m.store.Transition(ctx, sessionID,
		models.NonTerminalStatuses,
		models.SessionStatusFailed,
		map[string]interface{}{"failure_reason": reason})
	if err != nil {
		if orcherr.IsConflict(err) {
			m.logger.Info("Fail skipped, session already terminal", "session_id", sessionID)
			return nil
		}
		return err
	}
	m.appendStep(ctx, sessionID, ledger.StepSessionFailed, models.StepStatusCompleted, map[string]string{"reason": reason})

	session, err := m.store.Get(ctx, sessionID)
	if err == nil {
		m.reg.RemoveSession(session.Address)
		if err := m.messenger.SendMessage(ctx, session.Address, MsgApology); err != nil {
			m.logger.Error("Failed to send apology", "session_id", sessionID, "error", err)
		}
	}
	if err := m.broker.TeardownForSession(ctx, sessionID); err != nil {
		m.logger.Error("Failed to tear down room", "session_id", sessionID, "error", err)
	}

	m.notifier.PublishBestEffort(ctx, notify.Event{
		SessionID: sessionID,
		Kind:      "session",
		Status:    string(models.SessionStatusFailed),
	})
	m.logger.Warn("Session failed", "session_id", sessionID, "reason", reason)
	return nil
}

// CancelSession cancels a session from any non-terminal state, tearing
// down any allocated room.
func (m *Manager) CancelSession(ctx context.Context, sessionID string) error {
	err := m.store.Transition(ctx, sessionID,
		models.NonTerminalStatuses,
		models.SessionStatusCancelled, nil)
	if err != nil {
		return err
	}
	m.appendStep(ctx, sessionID, ledger.StepSessionCancelled, models.StepStatusCompleted, nil)

	session, err := m.store.Get(ctx, sessionID)
	if err == nil {
		m.reg.RemoveSession(session.Address)
		if err := m.messenger.SendMessage(ctx, session.Address, MsgCancelled); err != nil {
			m.logger.Error("Failed to send cancel confirmation", "session_id", sessionID, "error", err)
		}
	}
	if err := m.broker.TeardownForSession(ctx, sessionID); err != nil {
		m.logger.Error("Failed to tear down room", "session_id", sessionID, "error", err)
	}

	m.notifier.PublishBestEffort(ctx, notify.Event{
		SessionID: sessionID,
		Kind:      "session",
		Status:    string(models.SessionStatusCancelled),
	})
	m.logger.Info("Session cancelled", "session_id", sessionID)
	return nil
}

// SweepStale fails in_progress sessions whose call was never answered
// within the ring timeout. Threshold-based, so overlapping ticks are
// idempotent.
func (m *Manager) SweepStale(ctx context.Context, now time.Time) (int, error) {
	stale, err := m.store.ListStaleInProgress(ctx, now.Add(-m.cfg.CallRingTimeout))
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, session := range stale {
		if err := m.failSessionLocked(ctx, session.ID, "call ring timeout"); err != nil {
			m.logger.Error("Stale sweep failed to fail session", "session_id", session.ID, "error", err)
			continue
		}
		failed++
	}
	return failed, nil
}

// appendStep writes a ledger entry. Ledger failures are logged and
// swallowed: current status lives on the session record, not the ledger.
func (m *Manager) appendStep(ctx context.Context, sessionID, step, status string, payload any) {
	if err := m.ledger.Append(ctx, sessionID, step, status, payload); err != nil {
		m.logger.Error("Failed to append workflow step", "session_id", sessionID, "step", step, "error", err)
	}
}
