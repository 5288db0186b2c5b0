package worker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/tannerdsouza/briefcall/internal/config"
)

// StartScheduler creates and starts an Asynq Scheduler for the periodic
// sweep tasks. Returns a stop function for graceful shutdown.
func StartScheduler(cfg *config.Config) (stop func(), err error) {
	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	logger := NewLogger(cfg.LogLevel, cfg.LogFormat)

	scheduler := asynq.NewScheduler(
		redisOpt,
		&asynq.SchedulerOpts{
			Location: time.UTC,
			LogLevel: asynq.InfoLevel,
			Logger:   &asynqLoggerAdapter{logger: logger},
		},
	)

	sweeps := []struct {
		taskType string
		schedule string
	}{
		{TaskSweepRooms, cfg.RoomSweepSchedule},
		{TaskSweepApprovals, cfg.ApprovalSweepSchedule},
		{TaskSweepSessions, cfg.SessionSweepSchedule},
	}

	for _, sweep := range sweeps {
		task := asynq.NewTask(
			sweep.taskType,
			nil, // Empty payload - sweeps query the store themselves
			asynq.MaxRetry(1),
			asynq.Timeout(5*time.Minute),
			asynq.Unique(time.Hour), // Prevent duplicate if scheduler runs twice
		)

		entryID, err := scheduler.Register(sweep.schedule, task)
		if err != nil {
			return nil, fmt.Errorf("failed to register %s schedule: %w", sweep.taskType, err)
		}
		slog.Info("Sweep registered", "task_type", sweep.taskType, "schedule", sweep.schedule, "entry_id", entryID)
	}

	// Start scheduler (non-blocking)
	if err := scheduler.Start(); err != nil {
		return nil, fmt.Errorf("failed to start scheduler: %w", err)
	}

	return func() { scheduler.Shutdown() }, nil
}
