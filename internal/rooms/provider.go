// Package rooms allocates and reclaims the short-lived real-time rooms
// used for briefing calls. Room creation is idempotent per session, join
// credentials are sealed per room and identity, and a periodic sweep
// tears down rooms idle past their timeout.
package rooms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Provider provisions rooms on the call provider.
type Provider interface {
	CreateRoom(ctx context.Context, name string, maxParticipants int) (providerRef string, err error)
	CloseRoom(ctx context.Context, providerRef string) error
}

// providerClient reaches the call provider's room API over HTTP.
type providerClient struct {
	baseURL    string
	secret     string
	httpClient *http.Client
	stubMode   bool
}

// NewProvider creates a room provider client with the given configuration
func NewProvider(baseURL, secret string, stubMode bool) Provider {
	return &providerClient{
		baseURL:    baseURL,
		secret:     secret,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		stubMode:   stubMode,
	}
}

func (c *providerClient) CreateRoom(ctx context.Context, name string, maxParticipants int) (string, error) {
	if c.stubMode {
		ref := "stub-room-" + uuid.NewString()
		slog.Info("stub: provider room created", "name", name, "provider_ref", ref)
		return ref, nil
	}

	payload := map[string]any{
		"name":             name,
		"max_participants": maxParticipants,
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/rooms", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Provider-Secret", c.secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		RoomRef string `json:"room_ref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return result.RoomRef, nil
}

func (c *providerClient) CloseRoom(ctx context.Context, providerRef string) error {
	if c.stubMode {
		slog.Info("stub: provider room closed", "provider_ref", providerRef)
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, "DELETE", c.baseURL+"/rooms/"+providerRef, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Provider-Secret", c.secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
