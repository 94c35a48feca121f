package audit

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/log"
)

// streamAdder is the part of *redis.Client the sink needs
type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisSink mirrors events into a redis stream so several relays can be audited in one place.
// Rate state itself never lives in redis.
type RedisSink struct {
	rdb     streamAdder
	stream  string
	maxLen  int64
	timeout time.Duration
	L       log.Logger
	onError func()
}

type RedisOption func(*RedisSink)

// WithStream sets the stream key, default "webhook:audit".
func WithStream(key string) RedisOption {
	return func(s *RedisSink) {
		if key = strings.TrimSpace(key); key != "" {
			s.stream = key
		}
	}
}

// WithMaxLen caps the stream with approximate trimming. 0 disables trimming.
func WithMaxLen(n int64) RedisOption {
	return func(s *RedisSink) { s.maxLen = n }
}

// WithWriteTimeout bounds each XADD so a slow redis cannot stall requests.
func WithWriteTimeout(d time.Duration) RedisOption {
	return func(s *RedisSink) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithRedisLogger sets the logger used for write failures.
func WithRedisLogger(L log.Logger) RedisOption {
	return func(s *RedisSink) {
		if L != nil {
			s.L = L
		}
	}
}

// WithOnError runs after every failed write, main wires it to the audit error counter.
func WithOnError(fn func()) RedisOption {
	return func(s *RedisSink) { s.onError = fn }
}

func NewRedisSink(rdb streamAdder, opts ...RedisOption) *RedisSink {
	s := &RedisSink{
		rdb:     rdb,
		stream:  "webhook:audit",
		maxLen:  100000,
		timeout: 250 * time.Millisecond,
		L:       log.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *RedisSink) Record(ctx context.Context, ev Event) {
	// detach from request cancellation, the client may already be gone
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"kind":   string(ev.Kind),
			"client": ev.ClientAddr,
			"method": ev.Method,
			"at":     ev.At.UTC().Format(time.RFC3339Nano),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.rdb.XAdd(wctx, args).Err(); err != nil {
		s.L.Warn(ctx, "audit redis write failed", "stream", s.stream, "error", err.Error())
		if s.onError != nil {
			s.onError()
		}
	}
}
