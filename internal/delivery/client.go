package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	trackPath             = "/api/v1/track"
	DefaultAttemptTimeout = 10 * time.Second
)

// StatusError is returned for a non-2xx response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tracking endpoint returned status %d", e.StatusCode)
}

type payload struct {
	Events []Event `json:"events"`
}

// Client posts events to the tracking endpoint.
type Client struct {
	http     *http.Client
	endpoint string
	origin   string
	timeout  time.Duration
	logger   *zap.Logger
	inflight sync.WaitGroup
}

type ClientOption func(*Client)

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithOrigin sets the Origin header sent with every request.
func WithOrigin(origin string) ClientOption {
	return func(c *Client) { c.origin = origin }
}

func WithAttemptTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient targets <trackingHost>/api/v1/track?apiKey=<apiKey>.
func NewClient(trackingHost, apiKey string, opts ...ClientOption) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(trackingHost, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid tracking host: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid tracking host %q: scheme and host required", trackingHost)
	}
	base.Path += trackPath
	q := url.Values{}
	q.Set("apiKey", apiKey)
	base.RawQuery = q.Encode()

	c := &Client{
		http:     http.DefaultClient,
		endpoint: base.String(),
		timeout:  DefaultAttemptTimeout,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

// Send makes one delivery attempt. A started request is not cancelled when
// ctx is (the keepalive behaviour of an unloading page); it is bounded by the
// per-attempt timeout instead.
func (c *Client) Send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(payload{Events: []Event{ev}})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.origin != "" {
		req.Header.Set("Origin", c.origin)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// Beacon sends ev in the background and returns immediately. There is no
// retry and no confirmation; a failed beacon is lost.
func (c *Client) Beacon(ev Event) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		if err := c.Send(context.Background(), ev); err != nil {
			c.logger.Debug("beacon failed", zap.String("client_event_id", ev.ClientEventID()), zap.Error(err))
		}
	}()
}

// Wait blocks until in-flight beacons finish or ctx is done. Only a host
// that outlives the page (a CLI process about to exit) needs it.
func (c *Client) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
