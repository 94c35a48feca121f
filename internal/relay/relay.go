// Package relay delivers accepted webhook payloads to the downstream endpoint.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/log"
	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/xerrors"
)

const DefaultTimeout = 5 * time.Second

// Forwarder sends a payload downstream and reports whether it was delivered.
type Forwarder interface {
	Forward(ctx context.Context, payload json.RawMessage) bool
}

// ForwarderFunc adapts a function to Forwarder.
type ForwarderFunc func(ctx context.Context, payload json.RawMessage) bool

func (f ForwarderFunc) Forward(ctx context.Context, payload json.RawMessage) bool {
	return f(ctx, payload)
}

// HTTP posts each payload once to a fixed URL. Only 204 No Content counts as
// delivered, there are no retries.
type HTTP struct {
	url     string
	client  *http.Client
	timeout time.Duration
	limiter *rate.Limiter
	observe func(delivered bool, took time.Duration)
}

type Option func(*HTTP)

// WithTimeout bounds a single delivery including any pacing wait. <= 0 keeps the default.
func WithTimeout(d time.Duration) Option {
	return func(h *HTTP) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithRPS paces outbound posts to rps per second with a burst of one. 0 disables pacing.
func WithRPS(rps float64) Option {
	return func(h *HTTP) {
		if rps > 0 {
			h.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// WithClient replaces the instrumented default client.
func WithClient(c *http.Client) Option {
	return func(h *HTTP) {
		if c != nil {
			h.client = c
		}
	}
}

// WithObserver is called after every delivery attempt, main wires it to metrics.
func WithObserver(fn func(delivered bool, took time.Duration)) Option {
	return func(h *HTTP) {
		h.observe = fn
	}
}

// NewHTTP returns a Forwarder posting to rawURL.
func NewHTTP(rawURL string, opts ...Option) (*HTTP, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}
	h := &HTTP{
		url:     rawURL,
		timeout: DefaultTimeout,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			// never follow a redirect away from the configured relay
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	for _, o := range opts {
		o(h)
	}
	return h, nil
}

// ValidateURL accepts absolute http and https URLs with a host.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return xerrors.New("relay url is empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return xerrors.Wrap(err, "parse relay url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return xerrors.Newf("relay url scheme must be http or https (got %q)", u.Scheme)
	}
	if u.Host == "" {
		return xerrors.New("relay url has no host")
	}
	return nil
}

// Forward posts payload as application/json. Any transport error, pacing timeout or
// status other than 204 is logged and reported as false.
func (h *HTTP) Forward(ctx context.Context, payload json.RawMessage) bool {
	start := time.Now()
	err := h.post(ctx, payload)
	delivered := err == nil

	if h.observe != nil {
		h.observe(delivered, time.Since(start))
	}
	if err != nil {
		log.FromContext(ctx).Warn(ctx, "relay delivery failed",
			"component", "relay",
			"err", err.Error(),
			"relay.duration", time.Since(start).Seconds(),
		)
	}
	return delivered
}

func (h *HTTP) post(ctx context.Context, payload json.RawMessage) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return xerrors.Wrap(err, "relay pacing")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return xerrors.Wrap(err, "build relay request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return xerrors.Wrap(err, "post to relay")
	}
	defer resp.Body.Close()
	// drain a little so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode != http.StatusNoContent {
		return xerrors.Newf("relay answered %d, want 204", resp.StatusCode)
	}
	return nil
}
