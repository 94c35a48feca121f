package policy

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/audit"
	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/xerrors"
)

const (
	DefaultRateLimit = 5
	DefaultWindow    = 60 * time.Second
)

// DefaultDenyMethods is used when Config.DenyMethods is nil.
var DefaultDenyMethods = []string{http.MethodDelete}

// Outcome is the result of evaluating one request.
type Outcome int

const (
	Allowed Outcome = iota
	ForbiddenIP
	ForbiddenMethod
	RateLimited
)

func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "allowed"
	case ForbiddenIP:
		return "forbidden_ip"
	case ForbiddenMethod:
		return "forbidden_method"
	case RateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Config is read once at startup and never changes afterwards.
type Config struct {
	// AllowList holds exact client address strings, e.g. "10.0.0.1" or "::1"
	AllowList []string
	// DenyMethods is matched case-insensitively. nil means DefaultDenyMethods,
	// an empty non-nil slice denies nothing.
	DenyMethods []string
	// RateLimit is the max requests per client inside Window. 0 means DefaultRateLimit.
	RateLimit int
	// Window is the trailing interval the limit applies to. 0 means DefaultWindow.
	Window time.Duration
}

// Policy holds the static allow-list and the per-client rate windows.
type Policy struct {
	allow  map[string]struct{}
	deny   map[string]struct{}
	limit  int
	window time.Duration

	mu      sync.Mutex
	windows map[string]*rateWindow

	auditor   audit.Sink
	onOutcome func(Outcome)
}

type Option func(*Policy)

// WithAuditor sets where denials are recorded. Defaults to a no-op sink.
func WithAuditor(s audit.Sink) Option {
	return func(p *Policy) {
		if s != nil {
			p.auditor = s
		}
	}
}

// WithOnOutcome sets a callback run after every evaluation, used for prometheus counters
func WithOnOutcome(fn func(Outcome)) Option {
	return func(p *Policy) {
		p.onOutcome = fn
	}
}

// New builds a Policy from c. The config is copied so later changes to c have no effect.
func New(c Config, opts ...Option) (*Policy, error) {
	if c.RateLimit < 0 {
		return nil, xerrors.Newf("rate limit must be >= 0 (got %d)", c.RateLimit)
	}
	if c.Window < 0 {
		return nil, xerrors.Newf("rate window must be >= 0 (got %s)", c.Window)
	}
	if c.RateLimit == 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.Window == 0 {
		c.Window = DefaultWindow
	}
	deny := c.DenyMethods
	if deny == nil {
		deny = DefaultDenyMethods
	}

	p := &Policy{
		allow:   make(map[string]struct{}, len(c.AllowList)),
		deny:    make(map[string]struct{}, len(deny)),
		limit:   c.RateLimit,
		window:  c.Window,
		windows: make(map[string]*rateWindow),
		auditor: audit.Discard(),
	}
	for _, ip := range c.AllowList {
		p.allow[ip] = struct{}{}
	}
	for _, m := range deny {
		if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
			p.deny[m] = struct{}{}
		}
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Limit returns the effective rate ceiling.
func (p *Policy) Limit() int { return p.limit }

// Window returns the effective trailing window.
func (p *Policy) Window() time.Duration { return p.window }

// DeniedMethods returns the upper-cased deny set, sorted.
func (p *Policy) DeniedMethods() []string {
	out := make([]string, 0, len(p.deny))
	for m := range p.deny {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Evaluate runs the ip, method and rate checks in that order and returns the first
// failure, or Allowed. Only the rate stage mutates state, and only for clientAddr.
func (p *Policy) Evaluate(ctx context.Context, clientAddr, method string, now time.Time) Outcome {
	if _, ok := p.allow[clientAddr]; !ok {
		p.auditor.Record(ctx, audit.Event{Kind: audit.KindUnauthorizedIP, ClientAddr: clientAddr, Method: method, At: now})
		return p.finish(ForbiddenIP)
	}

	if _, denied := p.deny[strings.ToUpper(method)]; denied {
		p.auditor.Record(ctx, audit.Event{Kind: audit.KindUnauthorizedMethod, ClientAddr: clientAddr, Method: method, At: now})
		return p.finish(ForbiddenMethod)
	}

	p.mu.Lock()
	w, ok := p.windows[clientAddr]
	if !ok {
		w = &rateWindow{}
		p.windows[clientAddr] = w
	}
	count := w.record(now, p.window, p.limit)
	// release before auditing, sinks may do slow work
	p.mu.Unlock()

	if count > p.limit {
		p.auditor.Record(ctx, audit.Event{Kind: audit.KindRateLimited, ClientAddr: clientAddr, Method: method, At: now})
		return p.finish(RateLimited)
	}
	return p.finish(Allowed)
}

func (p *Policy) finish(o Outcome) Outcome {
	if p.onOutcome != nil {
		p.onOutcome(o)
	}
	return o
}

// Tracked returns how many clients currently have a rate window.
func (p *Policy) Tracked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.windows)
}

// RetryAfter reports how long clientAddr has to wait before its oldest recorded
// arrival leaves the window. 0 when nothing is tracked for it.
func (p *Policy) RetryAfter(clientAddr string, now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.windows[clientAddr]
	if !ok || w.len() == 0 {
		return 0
	}
	d := w.oldest().Add(p.window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
