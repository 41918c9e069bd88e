package vq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/kyreport/kyreport/internal/domain"
)

// Poll statuses reported by the generation API
const (
	PollStatusCompleted  = "completed"
	PollStatusInProgress = "in_progress"
	PollStatusFailed     = "failed"
)

// Config holds the generation API endpoints
type Config struct {
	AuthURL     string
	MessageURL  string
	PollURL     string
	CallbackURL string
	Timeout     time.Duration
}

// Client talks to the external generation API. All failures come back as
// plain errors; callers decide whether they are transient.
type Client struct {
	config     *Config
	httpClient *http.Client
	logger     *slog.Logger
}

// PollResult is the three-way outcome of a status poll
type PollResult struct {
	Status  string `json:"status"`
	Content string `json:"content"`
	Error   string `json:"error"`
}

// NewClient creates a new generation API client
func NewClient(config *Config, logger *slog.Logger) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Authenticate exchanges tenant credentials for an API token
func (c *Client) Authenticate(ctx context.Context, apiKey, loginID string) (string, error) {
	body := map[string]string{
		"api_key":  apiKey,
		"login_id": loginID,
	}

	var resp struct {
		Token string `json:"token"`
	}

	if err := c.postJSON(ctx, c.config.AuthURL, "", body, &resp); err != nil {
		return "", fmt.Errorf("authentication failed: %w", err)
	}

	if resp.Token == "" {
		return "", fmt.Errorf("authentication response missing token")
	}

	return resp.Token, nil
}

// Submit sends the prompt for generation and returns the new correlation ids.
// The callback URL lets the API push a signed webhook instead of being polled.
func (c *Client) Submit(ctx context.Context, token, prompt, modelID string) (domain.CorrelationIDs, error) {
	body := map[string]string{
		"message":      prompt,
		"model_id":     modelID,
		"callback_url": c.config.CallbackURL,
	}

	var ids domain.CorrelationIDs
	if err := c.postJSON(ctx, c.config.MessageURL, token, body, &ids); err != nil {
		return domain.CorrelationIDs{}, fmt.Errorf("submit failed: %w", err)
	}

	if ids.ThreadID == "" || ids.MessageID == "" {
		return domain.CorrelationIDs{}, fmt.Errorf("submit response missing correlation ids")
	}

	c.logger.Debug("Prompt submitted to generation API",
		slog.String("tid", ids.ThreadID),
		slog.String("mid", ids.MessageID),
	)

	return ids, nil
}

// Poll checks a submission's status by its stored correlation ids
func (c *Client) Poll(ctx context.Context, token string, ids domain.CorrelationIDs) (*PollResult, error) {
	u, err := url.Parse(c.config.PollURL)
	if err != nil {
		return nil, fmt.Errorf("invalid poll url: %w", err)
	}

	q := u.Query()
	q.Set("tid", ids.ThreadID)
	q.Set("mid", ids.MessageID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create poll request: %w", err)
	}
	req.Header.Set("X-Auth-Token", token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll returned status %d", resp.StatusCode)
	}

	var result PollResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode poll response: %w", err)
	}

	return &result, nil
}

// postJSON posts a JSON body and decodes a JSON response into out
func (c *Client) postJSON(ctx context.Context, rawURL, token string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-Auth-Token", token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Read a little of the body for diagnostics, then discard
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(snippet))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
