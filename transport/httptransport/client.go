// Package httptransport implements the client for the glucose backend REST
// API. It consumes an already-authenticated HTTP client capability; token
// refresh and header injection happen outside this package.
package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dgarrido/glucosync/backoff"
	syncErrors "github.com/dgarrido/glucosync/errors"
	"github.com/dgarrido/glucosync/glucose"
	"github.com/dgarrido/glucosync/logging"
)

// Doer is the authenticated HTTP client capability. A bearer token is
// expected to be attached by the implementation on every request.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// maxBodyBytes caps response bodies read into memory.
const maxBodyBytes = 4 << 20

// Client talks to the glucose backend. GET calls are retried on transient
// failures per the backoff policy; POST-style mutating calls are never
// auto-retried here — duplicate-creation protection belongs to the sync
// queue's own per-item retry accounting, not the transport.
type Client struct {
	baseURL     string
	http        Doer
	retry       backoff.Policy
	maxAttempts int
	logger      *logging.Logger
}

// Option configures a Client using the functional options pattern.
type Option func(*Client)

// WithHTTPClient sets the authenticated HTTP client capability.
func WithHTTPClient(d Doer) Option {
	return func(c *Client) {
		c.http = d
	}
}

// WithRetryPolicy sets the backoff policy and attempt cap for idempotent
// calls.
func WithRetryPolicy(p backoff.Policy, maxAttempts int) Option {
	return func(c *Client) {
		c.retry = p
		c.maxAttempts = maxAttempts
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New creates a backend client for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     baseURL,
		http:        &http.Client{Timeout: 30 * time.Second},
		retry:       backoff.Default(),
		maxAttempts: 3,
		logger:      logging.WithComponent(logging.Component("transport")),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// CreateReading pushes a new reading. The backend takes query parameters,
// not a JSON body.
func (c *Client) CreateReading(ctx context.Context, r *glucose.Reading) (*glucose.RemoteReading, error) {
	q := url.Values{}
	q.Set("glucose_level", strconv.Itoa(r.WireLevel()))
	q.Set("reading_type", string(r.MealContext))
	q.Set("notes", r.Notes)
	q.Set("created_at", glucose.FormatBackendDate(r.Time))

	var created glucose.RemoteReading
	if err := c.post(ctx, syncErrors.OpPush, "/glucose/create", q, &created); err != nil {
		return nil, err
	}

	c.logger.DebugContext(ctx, "created reading on backend",
		slog.Int64("backend_id", created.ID),
		slog.Int("glucose_level", created.GlucoseLevel),
	)
	return &created, nil
}

// UpdateReading pushes changed fields for a previously accepted reading.
func (c *Client) UpdateReading(ctx context.Context, backendID int64, r *glucose.Reading) (*glucose.RemoteReading, error) {
	q := url.Values{}
	q.Set("reading_id", strconv.FormatInt(backendID, 10))
	q.Set("glucose_level", strconv.Itoa(r.WireLevel()))
	q.Set("reading_type", string(r.MealContext))
	q.Set("notes", r.Notes)

	var updated glucose.RemoteReading
	if err := c.post(ctx, syncErrors.OpPush, "/glucose/update", q, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteReading removes a reading on the backend.
func (c *Client) DeleteReading(ctx context.Context, backendID int64) error {
	q := url.Values{}
	q.Set("reading_id", strconv.FormatInt(backendID, 10))
	return c.post(ctx, syncErrors.OpPush, "/glucose/delete", q, nil)
}

// ShareAppointment shares an appointment record. Queue-managed; never
// transport-retried.
func (c *Client) ShareAppointment(ctx context.Context, appointmentID string) error {
	q := url.Values{}
	q.Set("appointment_id", appointmentID)
	return c.post(ctx, syncErrors.OpShare, "/appointments/share", q, nil)
}

// MyReadings retrieves the full remote reading list.
func (c *Client) MyReadings(ctx context.Context) ([]glucose.RemoteReading, error) {
	var list glucose.RemoteReadingList
	if err := c.get(ctx, "/glucose/mine", &list); err != nil {
		return nil, err
	}
	return list.Readings, nil
}

// LatestReading retrieves the most recent remote reading, which the backend
// reports as the last element of the list. Returns nil when the list is
// empty.
func (c *Client) LatestReading(ctx context.Context) (*glucose.RemoteReading, error) {
	var list glucose.RemoteReadingList
	if err := c.get(ctx, "/glucose/mine/latest", &list); err != nil {
		return nil, err
	}
	if len(list.Readings) == 0 {
		return nil, nil
	}
	return &list.Readings[len(list.Readings)-1], nil
}

// post issues a mutating call exactly once. out may be nil when the response
// body is irrelevant.
func (c *Client) post(ctx context.Context, op syncErrors.Operation, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return syncErrors.NewWithComponent(op, "transport", fmt.Errorf("failed to create request: %w", err))
	}

	return c.do(req, op, out)
}

// get issues an idempotent call, retrying transient failures with backoff.
func (c *Client) get(ctx context.Context, path string, out any) error {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.retry.Delay(attempt - 1)
			c.logger.DebugContext(ctx, "retrying request",
				slog.String("path", path),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return syncErrors.NewTimeoutError(syncErrors.OpPull, ctx.Err())
			case <-timer.C:
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return syncErrors.NewWithComponent(syncErrors.OpPull, "transport", fmt.Errorf("failed to create request: %w", err))
		}

		lastErr = c.do(req, syncErrors.OpPull, out)
		if lastErr == nil || !syncErrors.IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) do(req *http.Request, op syncErrors.Operation, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return syncErrors.NewTimeoutError(op, err)
		}
		c.logger.Error("request failed",
			slog.String("url", req.URL.String()),
			slog.String("error", err.Error()))
		return syncErrors.NewNetworkError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return syncErrors.NewNetworkError(op, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error("request returned error status",
			slog.Int("status_code", resp.StatusCode),
			slog.String("url", req.URL.String()))
		return syncErrors.FromStatus(op, resp.StatusCode,
			fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return syncErrors.NewWithComponent(op, "transport", fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}
