package policy

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/audit"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// recordingSink collects audit events for assertions
type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *recordingSink) Record(_ context.Context, ev audit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) all() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Event(nil), s.events...)
}

func newTestPolicy(t *testing.T, c Config, opts ...Option) *Policy {
	t.Helper()
	if c.AllowList == nil {
		c.AllowList = []string{"10.0.0.1"}
	}
	p, err := New(c, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func windowLen(p *Policy, addr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.windows[addr]; ok {
		return w.len()
	}
	return -1
}

func TestNew_Defaults(t *testing.T) {
	p := newTestPolicy(t, Config{})
	if p.Limit() != DefaultRateLimit {
		t.Errorf("limit = %d, want %d", p.Limit(), DefaultRateLimit)
	}
	if p.Window() != DefaultWindow {
		t.Errorf("window = %s, want %s", p.Window(), DefaultWindow)
	}
	if _, ok := p.deny[http.MethodDelete]; !ok || len(p.deny) != 1 {
		t.Errorf("deny = %v, want only DELETE", p.deny)
	}
}

func TestNew_RejectsNegative(t *testing.T) {
	if _, err := New(Config{RateLimit: -1}); err == nil {
		t.Fatal("negative rate limit should fail")
	}
	if _, err := New(Config{Window: -time.Second}); err == nil {
		t.Fatal("negative window should fail")
	}
}

func TestNew_EmptyDenyMethodsDeniesNothing(t *testing.T) {
	p := newTestPolicy(t, Config{DenyMethods: []string{}})
	if got := p.Evaluate(context.Background(), "10.0.0.1", http.MethodDelete, t0); got != Allowed {
		t.Fatalf("DELETE with empty deny set = %v, want allowed", got)
	}
}

func TestNew_CopiesAllowList(t *testing.T) {
	list := []string{"10.0.0.1"}
	p := newTestPolicy(t, Config{AllowList: list})
	list[0] = "10.0.0.9"

	if got := p.Evaluate(context.Background(), "10.0.0.1", http.MethodPost, t0); got != Allowed {
		t.Fatalf("got %v, allow-list should not follow caller mutation", got)
	}
}

func TestEvaluate_ForbiddenIP(t *testing.T) {
	sink := &recordingSink{}
	p := newTestPolicy(t, Config{}, WithAuditor(sink))
	ctx := context.Background()

	methods := []string{http.MethodPost, http.MethodGet, http.MethodDelete, http.MethodPut}
	for i, m := range methods {
		if got := p.Evaluate(ctx, "10.0.0.2", m, t0.Add(time.Duration(i)*time.Second)); got != ForbiddenIP {
			t.Fatalf("%s from unlisted ip = %v, want forbidden_ip", m, got)
		}
	}

	if windowLen(p, "10.0.0.2") != -1 {
		t.Fatal("unlisted ip must never get a rate window")
	}
	if p.Tracked() != 0 {
		t.Fatalf("tracked = %d, want 0", p.Tracked())
	}

	events := sink.all()
	if len(events) != len(methods) {
		t.Fatalf("audit events = %d, want %d", len(events), len(methods))
	}
	for _, ev := range events {
		if ev.Kind != audit.KindUnauthorizedIP || ev.ClientAddr != "10.0.0.2" {
			t.Fatalf("unexpected event %+v", ev)
		}
	}
}

func TestEvaluate_ExactMatchOnly(t *testing.T) {
	p := newTestPolicy(t, Config{AllowList: []string{"10.0.0.1"}})
	ctx := context.Background()

	for _, addr := range []string{"10.0.0.10", "10.0.0.1:80", " 10.0.0.1", "10.0.0.0/24", ""} {
		if got := p.Evaluate(ctx, addr, http.MethodPost, t0); got != ForbiddenIP {
			t.Errorf("%q = %v, want forbidden_ip", addr, got)
		}
	}
}

func TestEvaluate_ForbiddenMethod(t *testing.T) {
	sink := &recordingSink{}
	p := newTestPolicy(t, Config{}, WithAuditor(sink))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if got := p.Evaluate(ctx, "10.0.0.1", http.MethodDelete, t0); got != ForbiddenMethod {
			t.Fatalf("DELETE = %v, want forbidden_method", got)
		}
	}
	if windowLen(p, "10.0.0.1") != -1 {
		t.Fatal("denied method must not create a rate window")
	}

	events := sink.all()
	if len(events) != 10 {
		t.Fatalf("audit events = %d, want 10", len(events))
	}
	if events[0].Kind != audit.KindUnauthorizedMethod || events[0].Method != http.MethodDelete {
		t.Fatalf("unexpected event %+v", events[0])
	}
}

func TestEvaluate_MethodCaseInsensitive(t *testing.T) {
	p := newTestPolicy(t, Config{DenyMethods: []string{"delete", " Put "}})
	ctx := context.Background()

	if got := p.Evaluate(ctx, "10.0.0.1", "DELETE", t0); got != ForbiddenMethod {
		t.Errorf("DELETE = %v", got)
	}
	if got := p.Evaluate(ctx, "10.0.0.1", "put", t0); got != ForbiddenMethod {
		t.Errorf("put = %v", got)
	}
}

func TestEvaluate_IPCheckedBeforeMethod(t *testing.T) {
	p := newTestPolicy(t, Config{})
	if got := p.Evaluate(context.Background(), "10.0.0.2", http.MethodDelete, t0); got != ForbiddenIP {
		t.Fatalf("got %v, ip check must run first", got)
	}
}

func TestEvaluate_DeniedCallsDoNotDisturbWindow(t *testing.T) {
	p := newTestPolicy(t, Config{RateLimit: 2})
	ctx := context.Background()

	p.Evaluate(ctx, "10.0.0.1", http.MethodPost, t0)
	before := windowLen(p, "10.0.0.1")

	for i := 0; i < 5; i++ {
		p.Evaluate(ctx, "10.0.0.1", http.MethodDelete, t0)
		p.Evaluate(ctx, "10.0.0.2", http.MethodPost, t0)
	}

	if after := windowLen(p, "10.0.0.1"); after != before {
		t.Fatalf("window len %d -> %d after denied calls", before, after)
	}
	// one slot is still free
	if got := p.Evaluate(ctx, "10.0.0.1", http.MethodPost, t0); got != Allowed {
		t.Fatalf("second post = %v, want allowed", got)
	}
}

func TestEvaluate_WithinLimit(t *testing.T) {
	p := newTestPolicy(t, Config{RateLimit: 5})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		now := t0.Add(time.Duration(i) * 10 * time.Second)
		if got := p.Evaluate(ctx, "10.0.0.1", http.MethodPost, now); got != Allowed {
			t.Fatalf("request %d = %v, want allowed", i+1, got)
		}
	}
}

func TestEvaluate_OverLimit(t *testing.T) {
	sink := &recordingSink{}
	p := newTestPolicy(t, Config{RateLimit: 5}, WithAuditor(sink))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		p.Evaluate(ctx, "10.0.0.1", http.MethodPost, t0.Add(time.Duration(i)*100*time.Millisecond))
	}
	for i := 0; i < 3; i++ {
		if got := p.Evaluate(ctx, "10.0.0.1", http.MethodPost, t0.Add(time.Second)); got != RateLimited {
			t.Fatalf("request %d over limit = %v, want rate_limited", 6+i, got)
		}
	}

	if n := windowLen(p, "10.0.0.1"); n != 5 {
		t.Fatalf("stored window = %d, must never exceed the limit", n)
	}

	events := sink.all()
	if len(events) != 3 || events[0].Kind != audit.KindRateLimited || events[0].ClientAddr != "10.0.0.1" {
		t.Fatalf("audit events = %+v", events)
	}
}

func TestEvaluate_WindowAgesOut(t *testing.T) {
	p := newTestPolicy(t, Config{RateLimit: 5})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		p.Evaluate(ctx, "10.0.0.1", http.MethodPost, t0)
	}
	if got := p.Evaluate(ctx, "10.0.0.1", http.MethodPost, t0.Add(59*time.Second)); got != RateLimited {
		t.Fatalf("inside window = %v, want rate_limited", got)
	}
	if got := p.Evaluate(ctx, "10.0.0.1", http.MethodPost, t0.Add(61*time.Second)); got != Allowed {
		t.Fatalf("after window = %v, want allowed", got)
	}
}

func TestEvaluate_SlidingNotFixed(t *testing.T) {
	p := newTestPolicy(t, Config{RateLimit: 2})
	ctx := context.Background()

	p.Evaluate(ctx, "10.0.0.1", http.MethodPost, t0)                     // window: [0]
	p.Evaluate(ctx, "10.0.0.1", http.MethodPost, t0.Add(30*time.Second)) // window: [0 30]

	// at 60s the first arrival is exactly on the boundary and still counts
	if got := p.Evaluate(ctx, "10.0.0.1", http.MethodPost, t0.Add(60*time.Second)); got != RateLimited {
		t.Fatalf("at boundary = %v, want rate_limited", got)
	}
	// at 61s the first has aged out, one slot opens
	if got := p.Evaluate(ctx, "10.0.0.1", http.MethodPost, t0.Add(61*time.Second)); got != Allowed {
		t.Fatalf("after first aged out = %v, want allowed", got)
	}
	if got := p.Evaluate(ctx, "10.0.0.1", http.MethodPost, t0.Add(62*time.Second)); got != RateLimited {
		t.Fatalf("30s arrival still in window = %v, want rate_limited", got)
	}
}

func TestEvaluate_RejectedRequestsDoNotExtendWindow(t *testing.T) {
	p := newTestPolicy(t, Config{RateLimit: 1})
	ctx := context.Background()

	p.Evaluate(ctx, "10.0.0.1", http.MethodPost, t0)
	// hammering during the window must not push the reset further out
	for s := 1; s < 60; s += 5 {
		p.Evaluate(ctx, "10.0.0.1", http.MethodPost, t0.Add(time.Duration(s)*time.Second))
	}
	if got := p.Evaluate(ctx, "10.0.0.1", http.MethodPost, t0.Add(61*time.Second)); got != Allowed {
		t.Fatalf("got %v, only accepted arrivals should count", got)
	}
}

func TestEvaluate_SeparateClients(t *testing.T) {
	p := newTestPolicy(t, Config{AllowList: []string{"10.0.0.1", "10.0.0.3"}, RateLimit: 1})
	ctx := context.Background()

	p.Evaluate(ctx, "10.0.0.1", http.MethodPost, t0)
	if got := p.Evaluate(ctx, "10.0.0.1", http.MethodPost, t0); got != RateLimited {
		t.Fatalf("client 1 = %v, want rate_limited", got)
	}
	if got := p.Evaluate(ctx, "10.0.0.3", http.MethodPost, t0); got != Allowed {
		t.Fatalf("client 3 = %v, want its own window", got)
	}
	if p.Tracked() != 2 {
		t.Fatalf("tracked = %d, want 2", p.Tracked())
	}
}

func TestEvaluate_OnOutcome(t *testing.T) {
	counts := map[Outcome]int{}
	p := newTestPolicy(t, Config{RateLimit: 1}, WithOnOutcome(func(o Outcome) { counts[o]++ }))
	ctx := context.Background()

	p.Evaluate(ctx, "10.0.0.1", http.MethodPost, t0)
	p.Evaluate(ctx, "10.0.0.1", http.MethodPost, t0)
	p.Evaluate(ctx, "10.0.0.1", http.MethodDelete, t0)
	p.Evaluate(ctx, "10.0.0.2", http.MethodPost, t0)

	want := map[Outcome]int{Allowed: 1, RateLimited: 1, ForbiddenMethod: 1, ForbiddenIP: 1}
	for o, n := range want {
		if counts[o] != n {
			t.Errorf("%v count = %d, want %d", o, counts[o], n)
		}
	}
}

func TestEvaluate_NoAuditOnAllowed(t *testing.T) {
	sink := &recordingSink{}
	p := newTestPolicy(t, Config{}, WithAuditor(sink))
	p.Evaluate(context.Background(), "10.0.0.1", http.MethodPost, t0)
	if n := len(sink.all()); n != 0 {
		t.Fatalf("audit events = %d, want 0", n)
	}
}

func TestEvaluate_ConcurrentSameClient(t *testing.T) {
	p := newTestPolicy(t, Config{RateLimit: 5})

	var allowed, limited atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch p.Evaluate(context.Background(), "10.0.0.1", http.MethodPost, t0) {
			case Allowed:
				allowed.Add(1)
			case RateLimited:
				limited.Add(1)
			}
		}()
	}
	wg.Wait()

	if allowed.Load() != 5 || limited.Load() != 95 {
		t.Fatalf("allowed=%d limited=%d, want 5/95", allowed.Load(), limited.Load())
	}
}

func TestOutcome_String(t *testing.T) {
	tests := map[Outcome]string{
		Allowed:         "allowed",
		ForbiddenIP:     "forbidden_ip",
		ForbiddenMethod: "forbidden_method",
		RateLimited:     "rate_limited",
		Outcome(99):     "unknown",
	}
	for o, want := range tests {
		if got := o.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(o), got, want)
		}
	}
}

func TestSweep_RemovesIdleWindows(t *testing.T) {
	allow := make([]string, 0, 4)
	for i := 1; i <= 4; i++ {
		allow = append(allow, fmt.Sprintf("10.0.0.%d", i))
	}
	p := newTestPolicy(t, Config{AllowList: allow})
	ctx := context.Background()

	p.Evaluate(ctx, "10.0.0.1", http.MethodPost, t0)
	p.Evaluate(ctx, "10.0.0.2", http.MethodPost, t0.Add(30*time.Second))
	p.Evaluate(ctx, "10.0.0.3", http.MethodPost, t0.Add(90*time.Second))

	removed := p.sweep(t0.Add(100 * time.Second))
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if windowLen(p, "10.0.0.3") != 1 {
		t.Fatal("active window should survive sweep")
	}
}

func TestSweep_DoesNotChangeOutcomes(t *testing.T) {
	p := newTestPolicy(t, Config{RateLimit: 1})
	ctx := context.Background()

	p.Evaluate(ctx, "10.0.0.1", http.MethodPost, t0)
	// still inside the window, nothing to evict
	p.sweep(t0.Add(30 * time.Second))
	if got := p.Evaluate(ctx, "10.0.0.1", http.MethodPost, t0.Add(31*time.Second)); got != RateLimited {
		t.Fatalf("got %v, sweep must not forget live windows", got)
	}
}

func TestStartSweeper_StopsWithContext(t *testing.T) {
	p := newTestPolicy(t, Config{Window: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Evaluate(ctx, "10.0.0.1", http.MethodPost, time.Now())
	p.StartSweeper(ctx, 5*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for p.Tracked() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweeper did not evict idle window")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartSweeper_DisabledWithZeroInterval(t *testing.T) {
	p := newTestPolicy(t, Config{Window: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Evaluate(ctx, "10.0.0.1", http.MethodPost, time.Now())
	p.StartSweeper(ctx, 0)
	time.Sleep(20 * time.Millisecond)
	if p.Tracked() != 1 {
		t.Fatal("zero interval should not sweep")
	}
}

func TestRetryAfter(t *testing.T) {
	p := newTestPolicy(t, Config{RateLimit: 2, Window: time.Minute})
	ctx := context.Background()

	if d := p.RetryAfter("10.0.0.1", t0); d != 0 {
		t.Fatalf("untracked RetryAfter = %s, want 0", d)
	}

	p.Evaluate(ctx, "10.0.0.1", http.MethodPost, t0)
	p.Evaluate(ctx, "10.0.0.1", http.MethodPost, t0.Add(10*time.Second))
	p.Evaluate(ctx, "10.0.0.1", http.MethodPost, t0.Add(20*time.Second))

	if d := p.RetryAfter("10.0.0.1", t0.Add(20*time.Second)); d != 40*time.Second {
		t.Fatalf("RetryAfter = %s, want 40s", d)
	}
	if d := p.RetryAfter("10.0.0.1", t0.Add(2*time.Minute)); d != 0 {
		t.Fatalf("expired RetryAfter = %s, want 0", d)
	}
}

func TestDeniedMethods(t *testing.T) {
	tests := []struct {
		name string
		deny []string
		want string
	}{
		{"default", nil, "DELETE"},
		{"normalised and sorted", []string{" put", "delete", "", "PATCH"}, "DELETE,PATCH,PUT"},
		{"empty", []string{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(Config{DenyMethods: tt.deny})
			if err != nil {
				t.Fatal(err)
			}
			if got := strings.Join(p.DeniedMethods(), ","); got != tt.want {
				t.Fatalf("DeniedMethods = %q, want %q", got, tt.want)
			}
		})
	}
}
