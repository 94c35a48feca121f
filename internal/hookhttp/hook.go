// Package hookhttp serves the webhook endpoint that sits behind the guard.
package hookhttp

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/guard"
	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/jsonresp"
	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/log"
	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/relay"
)

const MsgInvalidPayload = "invalid json payload"

// DefaultMaxBodyBytes bounds a webhook payload when WithMaxBody is not given.
const DefaultMaxBodyBytes int64 = 64 << 10

// Routes mounts the webhook handler on "/" behind the guard.
type Routes struct {
	guard   *guard.Guard
	forward relay.Forwarder
	maxBody int64
}

type Option func(*Routes)

// WithMaxBody caps the payload size, n <= 0 keeps the default.
func WithMaxBody(n int64) Option {
	return func(rt *Routes) {
		if n > 0 {
			rt.maxBody = n
		}
	}
}

func New(g *guard.Guard, fwd relay.Forwarder, opts ...Option) *Routes {
	rt := &Routes{guard: g, forward: fwd, maxBody: DefaultMaxBodyBytes}
	for _, o := range opts {
		o(rt)
	}
	return rt
}

// RegisterRoutes attaches "/" for POST and for every method the policy denies, so a
// DELETE is refused and audited by the guard. Any other verb is answered 405 by the
// router and never reaches the guard or the caller's rate window. Health routes
// registered elsewhere stay unguarded.
func (rt *Routes) RegisterRoutes(r chi.Router) {
	guarded := r.With(
		rt.guard.Middleware,
		httpmw.MaxBody(rt.maxBody),
		httpmw.Scope("webhook"),
	)
	guarded.Post("/", rt.handle)
	for _, m := range rt.guard.DeniedMethods() {
		if m == http.MethodPost {
			continue
		}
		// chi panics on methods it does not know
		chi.RegisterMethod(m)
		guarded.Method(m, "/", http.HandlerFunc(rt.handle))
	}
}

// handle only sees requests the guard allowed, which are always POSTs.
func (rt *Routes) handle(w http.ResponseWriter, r *http.Request) {
	// only after the guard so a rejected caller never learns about the content type rule
	middleware.AllowContentType("application/json")(http.HandlerFunc(rt.deliver)).ServeHTTP(w, r)
}

func (rt *Routes) deliver(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			jsonresp.Error(w, http.StatusRequestEntityTooLarge, httpmw.MsgBodyTooLarge)
			return
		}
		log.FromContext(ctx).Warn(ctx, "read webhook body failed", "err", err.Error())
		jsonresp.Error(w, http.StatusBadRequest, MsgInvalidPayload)
		return
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		jsonresp.Error(w, http.StatusBadRequest, MsgInvalidPayload)
		return
	}

	delivered := rt.forward.Forward(ctx, json.RawMessage(payload))
	log.FromContext(ctx).Info(ctx, "webhook relayed", "relay.delivered", delivered)
	jsonresp.Write(w, http.StatusOK, jsonresp.ResultBody{Result: delivered})
}
