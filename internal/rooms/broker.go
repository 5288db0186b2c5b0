package rooms

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tannerdsouza/briefcall/internal/crypto"
	"github.com/tannerdsouza/briefcall/internal/models"
	"github.com/tannerdsouza/briefcall/internal/orcherr"
	"github.com/tannerdsouza/briefcall/internal/registry"
)

// Room is the caller-facing view of an allocated room.
type Room struct {
	ID             string
	SessionID      string
	JoinCredential string
}

// Broker allocates and reclaims ephemeral rooms.
type Broker struct {
	store    Store
	provider Provider
	enc      *crypto.Encryptor
	reg      *registry.Registry
	logger   *slog.Logger

	// onIdleFailure drives a session to failed when the sweep reclaims
	// its room. Wired by main to the briefing manager; the manager's own
	// status guard makes the call a no-op for terminal sessions.
	onIdleFailure func(ctx context.Context, sessionID, reason string)
}

// NewBroker creates a Broker.
func NewBroker(store Store, provider Provider, enc *crypto.Encryptor, reg *registry.Registry, logger *slog.Logger) *Broker {
	return &Broker{
		store:    store,
		provider: provider,
		enc:      enc,
		reg:      reg,
		logger:   logger,
	}
}

// SetIdleFailureHandler registers the callback invoked for sessions whose
// room the idle sweep tore down.
func (b *Broker) SetIdleFailureHandler(fn func(ctx context.Context, sessionID, reason string)) {
	b.onIdleFailure = fn
}

// CreateRoom allocates a room for a session, or returns the session's
// existing active room. Idempotency per session protects against retried
// callbacks allocating duplicates.
func (b *Broker) CreateRoom(ctx context.Context, sessionID string, maxParticipants int, idleTimeout time.Duration) (*Room, error) {
	existing, err := b.store.ActiveBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		cred, err := b.mintCredential(existing, "contributor:"+sessionID, idleTimeout)
		if err != nil {
			return nil, err
		}
		return &Room{ID: existing.ID, SessionID: sessionID, JoinCredential: cred}, nil
	}

	providerRef, err := b.provider.CreateRoom(ctx, "briefing-"+sessionID, maxParticipants)
	if err != nil {
		return nil, &orcherr.ExternalServiceError{Service: "room provider", Err: err}
	}

	room := &models.Room{
		SessionID:          sessionID,
		ProviderRef:        providerRef,
		MaxParticipants:    maxParticipants,
		IdleTimeoutSeconds: int(idleTimeout.Seconds()),
		Status:             models.RoomStatusActive,
		LastActivity:       time.Now(),
	}
	if err := b.store.Create(ctx, room); err != nil {
		return nil, err
	}
	b.reg.PutRoom(sessionID, room.ID)

	cred, err := b.mintCredential(room, "contributor:"+sessionID, idleTimeout)
	if err != nil {
		return nil, err
	}

	b.logger.Info("Room allocated", "room_id", room.ID, "session_id", sessionID)
	return &Room{ID: room.ID, SessionID: sessionID, JoinCredential: cred}, nil
}

// Teardown closes a room and revokes its credentials. Idempotent: tearing
// down an already-closed room is a no-op.
func (b *Broker) Teardown(ctx context.Context, roomID string) error {
	room, err := b.store.Get(ctx, roomID)
	if err != nil {
		return err
	}

	closed, err := b.store.CloseGuarded(ctx, roomID)
	if err != nil {
		return err
	}
	if !closed {
		return nil
	}
	b.reg.RemoveRoom(room.SessionID)

	// Provider cleanup is best-effort; our record is already closed and
	// credentials are already revoked by the epoch bump.
	if err := b.provider.CloseRoom(ctx, room.ProviderRef); err != nil {
		b.logger.Error("Failed to close provider room", "room_id", roomID, "error", err)
	}

	b.logger.Info("Room torn down", "room_id", roomID, "session_id", room.SessionID)
	return nil
}

// TeardownForSession reclaims the session's active room, if any. Used on
// cancel and failure paths.
func (b *Broker) TeardownForSession(ctx context.Context, sessionID string) error {
	room, err := b.store.ActiveBySession(ctx, sessionID)
	if err != nil {
		return err
	}
	if room == nil {
		return nil
	}
	return b.Teardown(ctx, room.ID)
}

// TouchActivity records activity on a room, deferring the idle sweep.
func (b *Broker) TouchActivity(ctx context.Context, roomID string) {
	if err := b.store.Touch(ctx, roomID, time.Now()); err != nil {
		b.logger.Error("Failed to record room activity", "room_id", roomID, "error", err)
	}
}

// Sweep tears down rooms idle past their timeout and fails any owning
// session that is not already terminal. Operating only on records older
// than the threshold makes overlapping sweep ticks idempotent.
func (b *Broker) Sweep(ctx context.Context, now time.Time) (int, error) {
	idle, err := b.store.ListIdle(ctx, now)
	if err != nil {
		return 0, err
	}

	torn := 0
	for _, room := range idle {
		if err := b.Teardown(ctx, room.ID); err != nil {
			b.logger.Error("Sweep failed to tear down room", "room_id", room.ID, "error", err)
			continue
		}
		torn++
		if b.onIdleFailure != nil {
			b.onIdleFailure(ctx, room.SessionID, "room idle timeout")
		}
	}
	return torn, nil
}

// joinCredential is the sealed payload of a room join token.
type joinCredential struct {
	RoomID    string `json:"room_id"`
	Identity  string `json:"identity"`
	Epoch     int    `json:"epoch"`
	ExpiresAt int64  `json:"expires_at"`
}

func (b *Broker) mintCredential(room *models.Room, identity string, ttl time.Duration) (string, error) {
	cred := joinCredential{
		RoomID:    room.ID,
		Identity:  identity,
		Epoch:     room.CredentialEpoch,
		ExpiresAt: time.Now().Add(ttl).Unix(),
	}
	data, err := json.Marshal(cred)
	if err != nil {
		return "", fmt.Errorf("failed to marshal credential: %w", err)
	}
	sealed, err := b.enc.Encrypt(string(data))
	if err != nil {
		return "", fmt.Errorf("failed to seal credential: %w", err)
	}
	return sealed, nil
}

// ValidateCredential opens a join token and checks that it names a live
// room, a matching credential epoch and an unexpired window. Tokens
// minted before a teardown fail the epoch check.
func (b *Broker) ValidateCredential(ctx context.Context, token string) (roomID, identity string, err error) {
	opened, err := b.enc.Decrypt(token)
	if err != nil {
		return "", "", &orcherr.AuthError{Reason: "invalid join credential"}
	}
	var cred joinCredential
	if err := json.Unmarshal([]byte(opened), &cred); err != nil {
		return "", "", &orcherr.AuthError{Reason: "malformed join credential"}
	}
	if time.Now().Unix() > cred.ExpiresAt {
		return "", "", &orcherr.ExpiredError{Kind: "join credential", ID: cred.RoomID}
	}

	room, err := b.store.Get(ctx, cred.RoomID)
	if err != nil {
		return "", "", err
	}
	if room.Status != models.RoomStatusActive || room.CredentialEpoch != cred.Epoch {
		return "", "", &orcherr.AuthError{Reason: "credential revoked"}
	}
	return cred.RoomID, cred.Identity, nil
}
