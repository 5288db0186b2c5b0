package worker

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

// Task type constants
const (
	TaskPlaceCall        = "call:place"
	TaskInvokeGeneration = "generation:invoke"
	TaskSweepRooms       = "sweep:rooms"
	TaskSweepApprovals   = "sweep:approvals"
	TaskSweepSessions    = "sweep:sessions"
)

// placeCallPayload carries the session plus the scheduled time the task
// was enqueued for, so a task superseded by a reschedule identifies
// itself as stale instead of placing a call at the wrong moment.
type placeCallPayload struct {
	SessionID     string `json:"session_id"`
	ScheduledUnix int64  `json:"scheduled_unix"`
}

type invokeGenerationPayload struct {
	SessionID string `json:"session_id"`
}

// Package-level Asynq client (singleton)
var client *asynq.Client

// InitClient initializes the global Asynq client for task enqueueing.
// Must be called before any EnqueueX functions.
func InitClient(redisURL string) error {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return err
	}

	client = asynq.NewClient(opt)
	return nil
}

// CloseClient closes the Asynq client connection gracefully.
func CloseClient() error {
	if client != nil {
		return client.Close()
	}
	return nil
}

// EnqueuePlaceCall enqueues a timed call-placement task that fires at
// the session's scheduled time.
func EnqueuePlaceCall(sessionID string, at time.Time) error {
	payload, err := json.Marshal(placeCallPayload{
		SessionID:     sessionID,
		ScheduledUnix: at.Unix(),
	})
	if err != nil {
		return err
	}

	task := asynq.NewTask(
		TaskPlaceCall,
		payload,
		asynq.ProcessAt(at),
		asynq.MaxRetry(3),
		asynq.Timeout(5*time.Minute),
		asynq.Retention(24*time.Hour),
	)

	_, err = client.Enqueue(task)
	return err
}

// EnqueueInvokeGeneration enqueues artifact generation for a completed
// session.
func EnqueueInvokeGeneration(sessionID string) error {
	payload, err := json.Marshal(invokeGenerationPayload{SessionID: sessionID})
	if err != nil {
		return err
	}

	task := asynq.NewTask(
		TaskInvokeGeneration,
		payload,
		asynq.MaxRetry(5),
		asynq.Timeout(5*time.Minute),
		asynq.Retention(24*time.Hour),
	)

	_, err = client.Enqueue(task)
	return err
}

// TaskScheduler adapts the package-level enqueue functions to the
// briefing manager's scheduling interface.
type TaskScheduler struct{}

func (TaskScheduler) SchedulePlaceCall(sessionID string, at time.Time) error {
	return EnqueuePlaceCall(sessionID, at)
}

func (TaskScheduler) ScheduleGeneration(sessionID string) error {
	return EnqueueInvokeGeneration(sessionID)
}
