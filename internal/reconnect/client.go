package reconnect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pwrec/internal/models"
)

// Client talks to a running pwrec server. It implements StatusChecker, EventSink and
// Cleaner so a Monitor can run outside the server process.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// NewClient returns a client for baseURL. Per-request deadlines come from the
// monitor's contexts, so the http.Client timeout is only a backstop.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Body)
}

// CheckStatus calls GET /api/process/:pid/status.
func (c *Client) CheckStatus(ctx context.Context, pid int) (ProcessStatus, error) {
	var st ProcessStatus
	err := c.do(ctx, http.MethodGet, "/api/process/"+strconv.Itoa(pid)+"/status", nil, &st)
	return st, err
}

// ServerMonitor calls GET /api/monitors and returns the in-server monitor watching
// pid, if any.
func (c *Client) ServerMonitor(ctx context.Context, pid int) (Status, bool, error) {
	var resp struct {
		Monitors []Status `json:"monitors"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/monitors", nil, &resp); err != nil {
		return Status{}, false, err
	}
	for _, st := range resp.Monitors {
		if st.PID == pid && !st.Halted {
			return st, true, nil
		}
	}
	return Status{}, false, nil
}

type eventRequest struct {
	Type             models.EventType `json:"type"`
	Timestamp        time.Time        `json:"timestamp"`
	Details          string           `json:"details,omitempty"`
	Duration         *int64           `json:"duration,omitempty"`
	Latency          *float64         `json:"latency,omitempty"`
	QualityIndicator *float64         `json:"quality_indicator,omitempty"`
}

// RecordEvent calls POST /api/sessions/:id/events.
func (c *Client) RecordEvent(ctx context.Context, sessionID string, ev models.ConnectionEvent) error {
	body := eventRequest{
		Type:             ev.Type,
		Timestamp:        ev.Timestamp,
		Details:          ev.Details,
		Duration:         ev.Duration,
		Latency:          ev.Latency,
		QualityIndicator: ev.QualityIndicator,
	}
	return c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/events", body, nil)
}

// Cleanup calls DELETE /api/process/:pid so the server stops tracking the process.
func (c *Client) Cleanup(ctx context.Context, _ string, pid int) error {
	err := c.do(ctx, http.MethodDelete, "/api/process/"+strconv.Itoa(pid), nil, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
