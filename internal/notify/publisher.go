// Package notify publishes orchestration events to the external
// system-of-record stream. Delivery is best-effort and fire-and-forget:
// a failed publish is logged by the caller and never blocks or reverses
// the state transition it follows.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stream name constants
const (
	StreamEvents = "orchestrator:events"
)

// Schema version constant
const (
	SchemaVersionV1 = "v1"
)

// Event is one orchestration event published to the system of record.
type Event struct {
	SessionID  string `json:"session_id,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Kind       string `json:"kind"`
	Status     string `json:"status"`
	OccurredAt int64  `json:"occurred_at"`
}

// Publisher publishes orchestration events to Redis Streams
type Publisher struct {
	rdb *redis.Client
}

// NewPublisher creates a new Publisher instance
func NewPublisher(redisURL string) (*Publisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	return &Publisher{rdb: client}, nil
}

// Publish appends an event to the stream. Safe on a nil Publisher: the
// event is logged and dropped, so callers need no nil checks.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if p == nil {
		slog.Debug("notify publisher not configured, dropping event", "kind", ev.Kind)
		return nil
	}

	if ev.OccurredAt == 0 {
		ev.OccurredAt = time.Now().Unix()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	result := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamEvents,
		MaxLen: 10000,
		Approx: true,
		ID:     "*", // auto-generate ID
		Values: map[string]interface{}{
			"payload":        string(payload),
			"published_at":   time.Now().Unix(),
			"schema_version": SchemaVersionV1,
		},
	})

	if result.Err() != nil {
		return fmt.Errorf("failed to publish to stream: %w", result.Err())
	}

	return nil
}

// PublishBestEffort publishes and logs any failure instead of returning
// it. Used after terminal transitions, which have already logically
// occurred by the time the event goes out.
func (p *Publisher) PublishBestEffort(ctx context.Context, ev Event) {
	if err := p.Publish(ctx, ev); err != nil {
		slog.Error("Failed to publish orchestration event", "kind", ev.Kind, "error", err)
	}
}

// Close closes the Redis client connection
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.rdb.Close()
}
