// Package generate invokes the external generation service that turns a
// captured briefing into a finished artifact. The call is asynchronous:
// the service reports back through the content-ready callback.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tannerdsouza/briefcall/internal/models"
)

// Client handles communication with the generation service
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
	stubMode   bool
}

// NewClient creates a new generation client with the given configuration
func NewClient(baseURL, secret string, stubMode bool) *Client {
	return &Client{
		baseURL:    baseURL,
		secret:     secret,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		stubMode:   stubMode,
	}
}

// Invoke submits a completed session's context for artifact generation.
// The service acknowledges synchronously and delivers the artifact later
// via the content-ready callback.
func (c *Client) Invoke(ctx context.Context, sessionID string, briefing *models.BriefingContext) error {
	if c.stubMode {
		slog.Info("stub: generation invoked", "session_id", sessionID)
		return nil
	}

	reqBody := map[string]any{
		"session_id": sessionID,
		"transcript": briefing.Transcript,
		"narrative":  briefing.Narrative,
		"audience":   briefing.Audience,
		"mood":       briefing.Mood,
		"urgency":    briefing.Urgency,
		"tone":       briefing.Tone,
	}
	if len(briefing.PlatformPrefs) > 0 {
		reqBody["platform_prefs"] = json.RawMessage(briefing.PlatformPrefs)
	}

	return c.post(ctx, "/generate", reqBody)
}

// PublishArtifact asks the generation service to post an approved
// artifact on behalf of the session owner. Posting progress arrives
// asynchronously via the posting-complete callback.
func (c *Client) PublishArtifact(ctx context.Context, sessionOwner, artifactID string) error {
	if c.stubMode {
		slog.Info("stub: artifact published", "owner_ref", sessionOwner, "artifact_id", artifactID)
		return nil
	}

	return c.post(ctx, "/publish", map[string]any{
		"owner_ref":   sessionOwner,
		"artifact_id": artifactID,
	})
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("X-Generation-Secret", c.secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("generation service returned status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}
