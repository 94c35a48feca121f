// Package guard turns access policy outcomes into HTTP responses.
package guard

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/jsonresp"
	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/log"
	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/policy"
)

// Response messages. The first two are part of the contract with the caller.
const (
	MsgUnauthorized    = "unauthorized"
	MsgMethodForbidden = "you can't do this action!"
	MsgTooManyRequests = "too many requests"
)

// Guard runs every request through a policy.Policy before the wrapped handler.
type Guard struct {
	policy *policy.Policy
	now    func() time.Time
}

type Option func(*Guard)

// WithClock replaces time.Now, tests use it to step through a window.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

func New(p *policy.Policy, opts ...Option) *Guard {
	g := &Guard{policy: p, now: time.Now}
	for _, o := range opts {
		o(g)
	}
	return g
}

// DeniedMethods is the policy's deny set. Routes register these alongside their own
// methods so denied verbs still reach the policy and its audit trail.
func (g *Guard) DeniedMethods() []string { return g.policy.DeniedMethods() }

// Middleware calls next only when the policy allows the request.
// The client address must already be in the context (httpmw.ClientIP).
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		addr := httpmw.ClientIPFromContext(ctx)
		now := g.now()

		outcome := g.policy.Evaluate(ctx, addr, r.Method, now)
		switch outcome {
		case policy.Allowed:
			next.ServeHTTP(w, r)
			return
		case policy.ForbiddenIP:
			jsonresp.Error(w, http.StatusForbidden, MsgUnauthorized)
		case policy.ForbiddenMethod:
			jsonresp.Error(w, http.StatusMethodNotAllowed, MsgMethodForbidden)
		case policy.RateLimited:
			if d := g.policy.RetryAfter(addr, now); d > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
			}
			jsonresp.Error(w, http.StatusTooManyRequests, MsgTooManyRequests)
		default:
			jsonresp.Error(w, http.StatusForbidden, MsgUnauthorized)
		}
		log.FromContext(ctx).Debug(ctx, "request rejected by guard", "guard.outcome", outcome.String())
	})
}
