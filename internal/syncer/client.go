package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultSendAttempts bounds the sends of one batch, first try included.
const DefaultSendAttempts = 3

// DefaultSendDelays are the waits before each retry of a batch send. Retries
// past the end of the list reuse the last delay.
var DefaultSendDelays = []time.Duration{300 * time.Millisecond, 900 * time.Millisecond, 1800 * time.Millisecond}

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 4 << 20

// Credentials address and authenticate the kiosk against the remote.
type Credentials interface {
	TenantSlug() string
	DeviceID() string
	DeviceSecret() string
}

// Ack is the remote's verdict on one mutation.
type Ack struct {
	MutationID string `json:"mutation_id"`
	Status     string `json:"status"`
	OrderID    string `json:"order_id,omitempty"`
	TabVersion *int64 `json:"tab_version,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Conflict describes why the remote refused a mutation.
type Conflict struct {
	MutationID string `json:"mutation_id"`
	OrderID    string `json:"order_id,omitempty"`
	Reason     string `json:"reason"`
}

// Response is the body of a successful (or 409) sync reply.
type Response struct {
	OK         bool       `json:"ok"`
	ServerTime string     `json:"server_time"`
	Acks       []Ack      `json:"acks"`
	Conflicts  []Conflict `json:"conflicts"`
}

// Reply is a usable answer from the remote: a 2xx, or a 4xx that must not be
// retried.
type Reply struct {
	StatusCode int
	Body       Response
	// Message is the server's error text for non-2xx replies.
	Message  string
	Attempts int
}

// Remote sends one batch of canonical event payloads.
//
// A nil error means Reply is usable. An error means every attempt failed with
// a retryable condition (or ctx ended) and nothing usable came back.
type Remote interface {
	Send(ctx context.Context, mutations []json.RawMessage) (Reply, error)
}

// syncRequest is the wire body of a batch.
type syncRequest struct {
	DeviceID     string            `json:"deviceId"`
	DeviceSecret string            `json:"deviceSecret"`
	Mutations    []json.RawMessage `json:"mutations"`
}

// Client is the HTTP Remote.
type Client struct {
	baseURL string
	creds   Credentials
	http    *http.Client
	delays   []time.Duration
	attempts int
	logger   *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// WithSendDelays sets the retry waits. An empty slice disables retries.
func WithSendDelays(delays []time.Duration) ClientOption {
	return func(c *Client) {
		c.delays = append([]time.Duration(nil), delays...)
	}
}

// WithSendAttempts bounds the sends of one batch, first try included.
// Values below 1 are treated as 1.
func WithSendAttempts(n int) ClientOption {
	return func(c *Client) {
		c.attempts = max(n, 1)
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient returns a Client posting to baseURL.
func NewClient(baseURL string, creds Credentials, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		http:    &http.Client{Timeout: 15 * time.Second},
		delays:   DefaultSendDelays,
		attempts: DefaultSendAttempts,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the batch URL for the configured tenant.
func (c *Client) Endpoint() string {
	return c.baseURL + "/api/tenant/" + url.PathEscape(c.creds.TenantSlug()) + "/pos/sync/orders"
}

// Send posts the batch, making at most the configured number of attempts.
// Network failures and 5xx replies are retried after the configured delay;
// any other status is returned at once.
func (c *Client) Send(ctx context.Context, mutations []json.RawMessage) (Reply, error) {
	body, err := json.Marshal(syncRequest{
		DeviceID:     c.creds.DeviceID(),
		DeviceSecret: c.creds.DeviceSecret(),
		Mutations:    mutations,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("encode batch: %w", err)
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		reply, err := c.post(ctx, body)
		if err == nil {
			reply.Attempts = attempt
			return reply, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return Reply{}, fmt.Errorf("send batch: %w", ctx.Err())
		}
		var retry retryableError
		if !errors.As(err, &retry) || attempt >= c.attempts || len(c.delays) == 0 {
			break
		}

		delay := c.delays[min(attempt, len(c.delays))-1]
		c.logger.Warn("sync send failed, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return Reply{}, fmt.Errorf("send batch: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
	return Reply{}, fmt.Errorf("send batch: %w", lastErr)
}

// retryableError marks failures worth another attempt.
type retryableError struct {
	err error
}

func (e retryableError) Error() string { return e.err.Error() }
func (e retryableError) Unwrap() error { return e.err }

func (c *Client) post(ctx context.Context, body []byte) (Reply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint(), bytes.NewReader(body))
	if err != nil {
		return Reply{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Reply{}, retryableError{fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Reply{}, retryableError{fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode >= 500:
		if msg := serverMessage(raw); msg != "" {
			return Reply{}, retryableError{fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)}
		}
		return Reply{}, retryableError{fmt.Errorf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))}
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var r Response
		if err := json.Unmarshal(raw, &r); err != nil {
			return Reply{}, fmt.Errorf("HTTP %d: decode response: %w", resp.StatusCode, err)
		}
		return Reply{StatusCode: resp.StatusCode, Body: r}, nil
	case resp.StatusCode == http.StatusConflict:
		// A 409 may still carry per-mutation acks.
		var r Response
		_ = json.Unmarshal(raw, &r)
		return Reply{StatusCode: resp.StatusCode, Body: r, Message: errorMessage(resp.StatusCode, raw)}, nil
	default:
		return Reply{StatusCode: resp.StatusCode, Message: errorMessage(resp.StatusCode, raw)}, nil
	}
}

// errorMessage extracts the server's explanation from an error body, falling
// back to the status line.
func errorMessage(status int, raw []byte) string {
	if msg := serverMessage(raw); msg != "" {
		return msg
	}
	return fmt.Sprintf("HTTP %d %s", status, http.StatusText(status))
}

// maxMessageRunes caps plain-text error bodies.
const maxMessageRunes = 200

// serverMessage returns the message of a JSON error body, or a non-JSON body
// as text. It returns "" when the body explains nothing.
func serverMessage(raw []byte) string {
	var body struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		var s string
		if json.Unmarshal(body.Error, &s) == nil && s != "" {
			return s
		}
		var nested struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body.Error, &nested) == nil && nested.Message != "" {
			return nested.Message
		}
	}
	text := strings.TrimSpace(strings.ToValidUTF8(string(raw), ""))
	if text == "" || strings.HasPrefix(text, "{") {
		return ""
	}
	return truncateRunes(text, maxMessageRunes)
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
