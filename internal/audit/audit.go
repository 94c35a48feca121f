// Package audit records denied webhook calls.
//
// The audit trail is write-only: nothing in the request path reads it back, and a
// sink that fails must never turn into a failed request. Sinks log their own
// errors and move on.
package audit

import (
	"context"
	"os"
	"time"

	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/log"
	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/xerrors"
)

// Kind identifies why a request was denied.
type Kind string

const (
	KindUnauthorizedIP     Kind = "unauthorized_ip"
	KindUnauthorizedMethod Kind = "unauthorized_method"
	KindRateLimited        Kind = "rate_limited"
)

// Event is one denied request.
type Event struct {
	Kind       Kind
	ClientAddr string
	Method     string
	At         time.Time
}

// Sink receives audit events. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(ctx context.Context, ev Event)

func (f SinkFunc) Record(ctx context.Context, ev Event) { f(ctx, ev) }

// Discard returns a Sink that drops every event.
func Discard() Sink { return SinkFunc(func(context.Context, Event) {}) }

// Multi fans events out to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return SinkFunc(func(ctx context.Context, ev Event) {
		for _, s := range out {
			s.Record(ctx, ev)
		}
	})
}

// LogSink writes one log line per event.
type LogSink struct {
	L log.Logger
}

// NewLogSink returns a LogSink tagged with component=audit.
func NewLogSink(L log.Logger) *LogSink {
	if L == nil {
		L = log.Nop()
	}
	return &LogSink{L: L.With("component", "audit")}
}

func (s *LogSink) Record(ctx context.Context, ev Event) {
	switch ev.Kind {
	case KindUnauthorizedIP:
		s.L.Warn(ctx, "unauthorized ip tried to access the webhook",
			"audit.kind", string(ev.Kind),
			"client.address", ev.ClientAddr,
		)
	case KindUnauthorizedMethod:
		s.L.Warn(ctx, "unauthorized request method received",
			"audit.kind", string(ev.Kind),
			"http.request.method", ev.Method,
			"client.address", ev.ClientAddr,
		)
	case KindRateLimited:
		s.L.Warn(ctx, "client exceeded the rate limit",
			"audit.kind", string(ev.Kind),
			"client.address", ev.ClientAddr,
		)
	default:
		s.L.Warn(ctx, "audit event",
			"audit.kind", string(ev.Kind),
			"client.address", ev.ClientAddr,
			"http.request.method", ev.Method,
		)
	}
}

// OpenFile opens path for appending, creating it with 0640 if missing.
// The caller owns the returned file and closes it on shutdown.
func OpenFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, xerrors.Wrapf(err, "open audit log %q", path)
	}
	return f, nil
}
