// Package workflowsvc talks to the external workflow-automation service:
// triggering jobs, polling their status, and streaming status updates.
package workflowsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/couchcryptid/storm-anomaly-service/internal/domain"
)

const (
	pongWait       = 60 * time.Second
	maxMessageSize = 4096
)

// Client implements workflow.Trigger over HTTP and a websocket job stream.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *slog.Logger
}

// NewClient creates a workflow service client.
func NewClient(baseURL, token string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: timeout,
		},
		logger: logger,
	}
}

type triggerRequest struct {
	AnomalyID   string           `json:"anomaly_id"`
	Title       string           `json:"title"`
	Severity    string           `json:"severity"`
	Confidence  float64          `json:"confidence"`
	Status      domain.Status    `json:"status"`
	Location    *domain.Location `json:"location,omitempty"`
	Tags        []string         `json:"tags,omitempty"`
	DetectedAt  time.Time        `json:"detected_at"`
	Description string           `json:"description,omitempty"`
}

type triggerResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"job_id"`
	Error   string `json:"error,omitempty"`
}

type statusEvent struct {
	JobID  string                `json:"job_id"`
	Status domain.WorkflowStatus `json:"status"`
}

// Trigger starts a job for the anomaly snapshot and returns its job id.
func (c *Client) Trigger(ctx context.Context, a *domain.Anomaly) (string, error) {
	body, err := json.Marshal(triggerRequest{
		AnomalyID:   a.ID,
		Title:       a.Title,
		Severity:    a.Severity.Display(),
		Confidence:  a.Confidence,
		Status:      a.Status,
		Location:    a.Location,
		Tags:        a.Tags,
		DetectedAt:  a.Timestamp,
		Description: a.Description,
	})
	if err != nil {
		return "", fmt.Errorf("encode trigger request: %w", err)
	}

	var resp triggerResponse
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/jobs", body, &resp); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrWorkflowTrigger, err)
	}
	if !resp.Success || resp.JobID == "" {
		return "", fmt.Errorf("%w: rejected: %s", domain.ErrWorkflowTrigger, resp.Error)
	}
	return resp.JobID, nil
}

// GetStatus polls the current status of a job.
func (c *Client) GetStatus(ctx context.Context, jobID string) (domain.WorkflowStatus, error) {
	var ev statusEvent
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/jobs/"+url.PathEscape(jobID), nil, &ev); err != nil {
		return "", fmt.Errorf("get job %s: %w", jobID, err)
	}
	return ev.Status, nil
}

// Monitor streams status updates for a job, calling onUpdate for each one,
// until the job reaches a terminal status or ctx is cancelled. Cancellation
// closes the underlying connection and returns ctx.Err().
func (c *Client) Monitor(ctx context.Context, jobID string, onUpdate func(domain.WorkflowStatus)) error {
	wsURL, err := c.streamURL(jobID)
	if err != nil {
		return err
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial job stream %s: %w", jobID, err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
			conn.Close()
		}
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	for {
		var ev statusEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return fmt.Errorf("job stream %s closed before terminal status", jobID)
			}
			return fmt.Errorf("read job stream %s: %w", jobID, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if ev.Status == "" {
			continue
		}
		c.logger.Debug("workflow status update", "job_id", jobID, "status", ev.Status)
		onUpdate(ev.Status)
		if ev.Status.Terminal() {
			return nil
		}
	}
}

func (c *Client) streamURL(jobID string) (string, error) {
	u, err := url.Parse(c.baseURL + "/jobs/" + url.PathEscape(jobID) + "/stream")
	if err != nil {
		return "", fmt.Errorf("parse workflow url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	return u.String(), nil
}

func (c *Client) do(ctx context.Context, method, fullURL string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("workflow request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("workflow API error: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

