package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestServer(t *testing.T, status int, seen *[]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type = %q", ct)
		}
		if seen != nil {
			*seen, _ = io.ReadAll(r.Body)
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestForward_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{"no content is delivered", http.StatusNoContent, true},
		{"ok is not delivered", http.StatusOK, false},
		{"accepted is not delivered", http.StatusAccepted, false},
		{"server error", http.StatusInternalServerError, false},
		{"redirect is not followed", http.StatusFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.status, nil)
			h, err := NewHTTP(srv.URL)
			if err != nil {
				t.Fatalf("NewHTTP: %v", err)
			}
			if got := h.Forward(context.Background(), json.RawMessage(`{"a":1}`)); got != tt.want {
				t.Fatalf("Forward = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestForward_SendsPayloadVerbatim(t *testing.T) {
	var seen []byte
	srv := newTestServer(t, http.StatusNoContent, &seen)
	h, err := NewHTTP(srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	payload := json.RawMessage(`{"event":"deploy","id":7}`)
	if !h.Forward(context.Background(), payload) {
		t.Fatal("expected delivery")
	}
	if string(seen) != string(payload) {
		t.Fatalf("relay saw %s, want %s", seen, payload)
	}
}

func TestForward_NetworkErrorIsFalse(t *testing.T) {
	srv := newTestServer(t, http.StatusNoContent, nil)
	addr := srv.URL
	srv.Close()

	h, err := NewHTTP(addr)
	if err != nil {
		t.Fatal(err)
	}
	if h.Forward(context.Background(), json.RawMessage(`{}`)) {
		t.Fatal("closed relay should not report delivery")
	}
}

func TestForward_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	h, err := NewHTTP(srv.URL, WithTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if h.Forward(context.Background(), json.RawMessage(`{}`)) {
		t.Fatal("timed out delivery should be false")
	}
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("Forward took %s, timeout not applied", took)
	}
}

func TestForward_Observer(t *testing.T) {
	srv := newTestServer(t, http.StatusNoContent, nil)
	var delivered, failed atomic.Int32
	h, err := NewHTTP(srv.URL, WithObserver(func(ok bool, _ time.Duration) {
		if ok {
			delivered.Add(1)
		} else {
			failed.Add(1)
		}
	}))
	if err != nil {
		t.Fatal(err)
	}
	h.Forward(context.Background(), json.RawMessage(`{}`))
	if delivered.Load() != 1 || failed.Load() != 0 {
		t.Fatalf("delivered=%d failed=%d", delivered.Load(), failed.Load())
	}
}

func TestForward_PacingWaitBeyondTimeoutFails(t *testing.T) {
	srv := newTestServer(t, http.StatusNoContent, nil)
	h, err := NewHTTP(srv.URL, WithRPS(0.1), WithTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if !h.Forward(context.Background(), json.RawMessage(`{}`)) {
		t.Fatal("first post uses the burst token")
	}
	if h.Forward(context.Background(), json.RawMessage(`{}`)) {
		t.Fatal("second post would wait 10s for a token, past the timeout")
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		in string
		ok bool
	}{
		{"https://relay.internal/hook", true},
		{"http://10.0.0.5:8080/", true},
		{"", false},
		{"ftp://relay/", false},
		{"/relative", false},
		{"https://", false},
		{"://bad", false},
	}
	for _, tt := range tests {
		if err := ValidateURL(tt.in); (err == nil) != tt.ok {
			t.Errorf("ValidateURL(%q) err = %v, want ok=%v", tt.in, err, tt.ok)
		}
	}
}

func TestNewHTTP_RejectsBadURL(t *testing.T) {
	if _, err := NewHTTP("not a url"); err == nil {
		t.Fatal("expected error")
	}
}

func TestForwarderFunc(t *testing.T) {
	var f Forwarder = ForwarderFunc(func(context.Context, json.RawMessage) bool { return true })
	if !f.Forward(context.Background(), nil) {
		t.Fatal("ForwarderFunc should pass through")
	}
}
