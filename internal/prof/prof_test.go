package prof

import (
	"context"
	"strings"
	"testing"
)

func TestStart_Disabled(t *testing.T) {
	stop, err := Start(context.Background(), Options{Enabled: false, ServerAddress: "::bad::"})
	if err != nil {
		t.Fatalf("disabled should never error, got: %v", err)
	}
	stop()
	stop()
}

func TestStart_Validation(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantSub string
	}{
		{"no server", Options{Enabled: true, AppName: "relay"}, "invalid server address"},
		{"no app name", Options{Enabled: true, ServerAddress: "http://pyro:4040"}, "app name is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stop, err := Start(context.Background(), tt.opts)
			if err == nil || !strings.Contains(err.Error(), tt.wantSub) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantSub)
			}
			if stop == nil {
				t.Fatal("stop must be non-nil even on error")
			}
			stop()
		})
	}
}
