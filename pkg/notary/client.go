// Package notary talks to the external notarization subsystem over HTTP.
//
// The back end needs a session before it accepts captures. The session is
// created lazily on first use; concurrent first uses share one handshake.
package notary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/psantana5/reqcorr/pkg/logging"
	"github.com/psantana5/reqcorr/pkg/models"
	"github.com/psantana5/reqcorr/pkg/retry"
	"github.com/psantana5/reqcorr/pkg/tracing"
)

// SessionHeader carries the session id on every call after the handshake
const SessionHeader = "X-Notary-Session"

var (
	// ErrNotaryUnavailable is returned for transport failures and 5xx answers
	ErrNotaryUnavailable = errors.New("notary unavailable")
	// ErrRejected is returned when the notary refuses a request (4xx)
	ErrRejected = errors.New("notary rejected request")
)

// Client is the notarization entry point and lifecycle listener
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      retry.Config
	logger     *logging.Logger
	tracer     trace.Tracer

	group   singleflight.Group
	mu      sync.Mutex
	session string
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetry replaces the backoff used for the session handshake
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) { c.retry = cfg }
}

// NewClient creates a client for the notary at baseURL
func NewClient(baseURL string, timeout time.Duration, logger *logging.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		retry:      retry.DefaultConfig(),
		logger:     logger.WithField("component", "notary"),
		tracer:     otel.Tracer("github.com/psantana5/reqcorr/pkg/notary"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.Retryable == nil {
		c.retry.Retryable = IsTransient
	}
	return c
}

// IsTransient reports whether err is worth retrying against the notary
func IsTransient(err error) bool {
	return errors.Is(err, ErrNotaryUnavailable)
}

type sessionResponse struct {
	SessionID string `json:"sessionId"`
}

// Session returns the current session id, establishing one if needed
func (c *Client) Session(ctx context.Context) (string, error) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s != "" {
		return s, nil
	}

	ch := c.group.DoChan("session", func() (interface{}, error) {
		// the handshake outlives any single caller's cancellation
		hctx := context.WithoutCancel(ctx)
		id, err := retry.DoValue(hctx, c.retry, c.handshake)
		if err != nil {
			return "", err
		}

		c.mu.Lock()
		c.session = id
		c.mu.Unlock()
		c.logger.Info("Notary session established", map[string]interface{}{"session": id})
		return id, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", fmt.Errorf("failed to establish notary session: %w", res.Err)
		}
		return res.Val.(string), nil
	}
}

func (c *Client) handshake(ctx context.Context) (string, error) {
	var resp sessionResponse
	if err := c.post(ctx, "/session", "", struct{}{}, &resp); err != nil {
		return "", err
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("%w: empty session id", ErrRejected)
	}
	return resp.SessionID, nil
}

// ResetSession forgets the current session so the next call performs a new handshake
func (c *Client) ResetSession() {
	c.mu.Lock()
	c.session = ""
	c.mu.Unlock()
}

// Notarize submits a capture request and returns the notary's opaque answer
func (c *Client) Notarize(ctx context.Context, req models.CaptureRequest) (json.RawMessage, error) {
	ctx, span := c.tracer.Start(ctx, "notary.notarize")
	defer span.End()

	session, err := c.Session(ctx)
	if err != nil {
		return nil, err
	}

	var result json.RawMessage
	err = c.post(ctx, "/notarize", session, req, &result)
	if errors.Is(err, errSessionExpired) {
		c.ResetSession()
	}
	if err != nil {
		tracing.SetError(ctx, err)
		return nil, err
	}
	return result, nil
}

// OnProveRequestStart tells the notary that a capture was accepted
func (c *Client) OnProveRequestStart(ctx context.Context, msg models.ProveRequestStart) error {
	session, err := c.Session(ctx)
	if err != nil {
		return err
	}
	return c.post(ctx, "/events", session, msg, nil)
}

var errSessionExpired = fmt.Errorf("%w: session expired", ErrRejected)

func (c *Client) post(ctx context.Context, path, session string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if session != "" {
		req.Header.Set(SessionHeader, session)
	}
	tracing.InjectHTTPHeaders(ctx, req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNotaryUnavailable, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized && session != "":
		return errSessionExpired
	case resp.StatusCode >= 500:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s returned %d: %s", ErrNotaryUnavailable, path, resp.StatusCode, bytes.TrimSpace(msg))
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s returned %d: %s", ErrRejected, path, resp.StatusCode, bytes.TrimSpace(msg))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
