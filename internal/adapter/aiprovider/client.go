// Package aiprovider is an HTTP client for a text-completion style AI
// backend that answers analysis prompts with text and a confidence score.
package aiprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/couchcryptid/storm-anomaly-service/internal/domain"
	"github.com/couchcryptid/storm-anomaly-service/internal/gateway"
)

// Client implements gateway.Provider.
type Client struct {
	id         string
	url        string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a provider client. Deadlines come from the gateway
// through the call context.
func NewClient(id, url, apiKey, model string, logger *slog.Logger) *Client {
	return &Client{
		id:         id,
		url:        url,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

type completionRequest struct {
	Model  string           `json:"model,omitempty"`
	Agent  domain.AgentType `json:"agent"`
	Prompt string           `json:"prompt"`
}

type completionResponse struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence"`
}

func (c *Client) ID() string { return c.id }

// Call sends one analysis task and returns the completion.
func (c *Client) Call(ctx context.Context, task domain.Task) (gateway.Completion, error) {
	body, err := json.Marshal(completionRequest{Model: c.model, Agent: task.Agent, Prompt: task.Prompt})
	if err != nil {
		return gateway.Completion{}, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return gateway.Completion{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gateway.Completion{}, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return gateway.Completion{}, fmt.Errorf("provider API error: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return gateway.Completion{}, fmt.Errorf("decode response: %w", err)
	}
	if out.Confidence == nil {
		return gateway.Completion{}, fmt.Errorf("decode response: missing confidence")
	}

	c.logger.Debug("provider call completed", "provider", c.id, "agent", task.Agent)
	return gateway.Completion{Text: out.Text, Confidence: *out.Confidence}, nil
}
