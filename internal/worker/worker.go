package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/tannerdsouza/briefcall/internal/approval"
	"github.com/tannerdsouza/briefcall/internal/briefing"
	"github.com/tannerdsouza/briefcall/internal/config"
	"github.com/tannerdsouza/briefcall/internal/generate"
	"github.com/tannerdsouza/briefcall/internal/orcherr"
	"github.com/tannerdsouza/briefcall/internal/rooms"
)

// asynqLoggerAdapter wraps slog.Logger to implement asynq.Logger interface
type asynqLoggerAdapter struct {
	logger *slog.Logger
}

// Implement asynq.Logger interface methods
func (a *asynqLoggerAdapter) Debug(args ...interface{}) {
	a.logger.Debug(fmt.Sprint(args...))
}

func (a *asynqLoggerAdapter) Info(args ...interface{}) {
	a.logger.Info(fmt.Sprint(args...))
}

func (a *asynqLoggerAdapter) Warn(args ...interface{}) {
	a.logger.Warn(fmt.Sprint(args...))
}

func (a *asynqLoggerAdapter) Error(args ...interface{}) {
	a.logger.Error(fmt.Sprint(args...))
}

func (a *asynqLoggerAdapter) Fatal(args ...interface{}) {
	a.logger.Error(fmt.Sprint(args...))
	panic(fmt.Sprint(args...))
}

// Deps are the collaborators the task handlers drive.
type Deps struct {
	Sessions  *briefing.Manager
	Store     briefing.Store
	Approvals *approval.Manager
	Broker    *rooms.Broker
	Generator *generate.Client
}

// Run starts the Asynq worker server and blocks until shutdown signal.
// Use this for standalone worker mode.
func Run(cfg *config.Config, deps Deps) error {
	srv, mux, err := newServer(cfg, deps)
	if err != nil {
		return err
	}

	// Run blocks and handles its own signal interception
	return srv.Run(mux)
}

// Start starts the Asynq worker in non-blocking mode and returns a stop function.
// Use this for embedded mode so the caller can coordinate shutdown.
func Start(cfg *config.Config, deps Deps) (stop func(), err error) {
	srv, mux, err := newServer(cfg, deps)
	if err != nil {
		return nil, err
	}
	if err := srv.Start(mux); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}
	return func() { srv.Shutdown() }, nil
}

func newServer(cfg *config.Config, deps Deps) (*asynq.Server, *asynq.ServeMux, error) {
	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	logger := NewLogger(cfg.LogLevel, cfg.LogFormat)

	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency:     5,
			ShutdownTimeout: 30 * time.Second,
			ErrorHandler:    asynq.ErrorHandlerFunc(makeErrorHandler(logger)),
			Logger:          &asynqLoggerAdapter{logger: logger},
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskPlaceCall, handlePlaceCall(logger, deps.Sessions))
	mux.HandleFunc(TaskInvokeGeneration, handleInvokeGeneration(logger, deps.Store, deps.Generator))
	mux.HandleFunc(TaskSweepRooms, handleSweepRooms(logger, deps.Broker))
	mux.HandleFunc(TaskSweepApprovals, handleSweepApprovals(logger, deps.Approvals))
	mux.HandleFunc(TaskSweepSessions, handleSweepSessions(logger, deps.Sessions, cfg.CallRingTimeout))

	logger.Info("Worker starting", "concurrency", 5, "redis", cfg.RedisURL)
	return srv, mux, nil
}

// handlePlaceCall fires at the session's scheduled time and drives the
// scheduled -> in_progress transition.
func handlePlaceCall(logger *slog.Logger, sessions *briefing.Manager) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, task *asynq.Task) error {
		var payload placeCallPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			// Invalid payload - don't retry
			return fmt.Errorf("invalid payload: %w", asynq.SkipRetry)
		}

		expected := time.Unix(payload.ScheduledUnix, 0).UTC()
		err := sessions.PlaceScheduledCall(ctx, payload.SessionID, expected)
		if err != nil {
			if orcherr.IsNotFound(err) {
				logger.Error("Session not found", "session_id", payload.SessionID)
				return fmt.Errorf("session not found: %w", asynq.SkipRetry)
			}
			if orcherr.IsExternal(err) {
				// The manager already failed the session and notified the
				// contributor; retrying would call a dead session.
				logger.Error("Call placement failed terminally",
					"session_id", payload.SessionID, "error", err.Error())
				return fmt.Errorf("call placement failed: %w", asynq.SkipRetry)
			}
			// Database or transient error - retryable
			return fmt.Errorf("failed to place call: %w", err)
		}
		return nil
	}
}

// handleInvokeGeneration hands a completed session's captured context to
// the generation service.
func handleInvokeGeneration(logger *slog.Logger, store briefing.Store, generator *generate.Client) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, task *asynq.Task) error {
		var payload invokeGenerationPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("invalid payload: %w", asynq.SkipRetry)
		}

		briefingCtx, err := store.GetContext(ctx, payload.SessionID)
		if err != nil {
			return fmt.Errorf("failed to fetch briefing context: %w", err)
		}
		if briefingCtx == nil {
			// Completed session without a captured context cannot be
			// generated; retrying will not conjure one.
			logger.Error("Briefing context missing", "session_id", payload.SessionID)
			return fmt.Errorf("briefing context missing: %w", asynq.SkipRetry)
		}

		if err := generator.Invoke(ctx, payload.SessionID, briefingCtx); err != nil {
			logger.Error("Generation invoke failed",
				"session_id", payload.SessionID, "error", err.Error())
			// Retryable - the service may be temporarily unavailable
			return fmt.Errorf("generation invoke failed: %w", err)
		}

		logger.Info("Generation invoked", "session_id", payload.SessionID)
		return nil
	}
}

func handleSweepRooms(logger *slog.Logger, broker *rooms.Broker) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, task *asynq.Task) error {
		n, err := broker.Sweep(ctx, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("room sweep failed: %w", err)
		}
		if n > 0 {
			logger.Info("Idle rooms reclaimed", "count", n)
		}
		return nil
	}
}

func handleSweepApprovals(logger *slog.Logger, approvals *approval.Manager) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, task *asynq.Task) error {
		n, err := approvals.SweepExpired(ctx, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("approval sweep failed: %w", err)
		}
		if n > 0 {
			logger.Info("Approval workflows expired", "count", n)
		}
		return nil
	}
}

func handleSweepSessions(logger *slog.Logger, sessions *briefing.Manager, ringTimeout time.Duration) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, task *asynq.Task) error {
		n, err := sessions.SweepStale(ctx, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("session sweep failed: %w", err)
		}
		if n > 0 {
			logger.Info("Unanswered sessions failed", "count", n, "ring_timeout", ringTimeout)
		}
		return nil
	}
}

// makeErrorHandler creates an error handler function with logger closure.
func makeErrorHandler(logger *slog.Logger) func(context.Context, *asynq.Task, error) {
	return func(ctx context.Context, task *asynq.Task, err error) {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)

		logger.Error(
			"Task execution failed",
			"task_type", task.Type(),
			"error", err.Error(),
			"retry_count", retried,
			"max_retry", maxRetry,
		)

		// Check if this is the final failure (task will move to dead letter queue)
		if retried >= maxRetry {
			logger.Error(
				"Task moved to dead letter queue (all retries exhausted)",
				"task_type", task.Type(),
				"payload", string(task.Payload()),
			)
		}
	}
}
