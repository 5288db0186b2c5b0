package channel

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

	"github.com/tannerdsouza/briefcall/internal/models"
)

// Client handles outbound communication through the channel provider
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
	stubMode   bool
}

// NewClient creates a new channel client with the given configuration
func NewClient(baseURL, secret string, stubMode bool) *Client {
	return &Client{
		baseURL:    baseURL,
		secret:     secret,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		stubMode:   stubMode,
	}
}

// SendMessage delivers a text message to the given channel address.
func (c *Client) SendMessage(ctx context.Context, to, body string) error {
	if c.stubMode {
		slog.Info("stub: SendMessage", "to", models.MaskAddress(to), "body", body)
		return nil
	}

	payload := map[string]string{
		"to":   to,
		"body": body,
	}
	return c.post(ctx, "/messages", payload, nil)
}

// PlaceCall initiates an outbound call to the given address. The provider
// reports call progress to callbackURL. Returns the provider's call id.
func (c *Client) PlaceCall(ctx context.Context, to, callbackURL string) (string, error) {
	if c.stubMode {
		callID := "stub-call-" + uuid.NewString()
		slog.Info("stub: PlaceCall", "to", models.MaskAddress(to), "call_id", callID)
		return callID, nil
	}

	payload := map[string]string{
		"to":           to,
		"callback_url": callbackURL,
	}
	var result struct {
		CallID string `json:"call_id"`
	}
	if err := c.post(ctx, "/calls", payload, &result); err != nil {
		return "", err
	}
	return result.CallID, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("X-Provider-Secret", c.secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(body))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
