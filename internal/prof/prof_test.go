package prof

import (
	"context"
	"strings"
	"testing"
)

func TestStart_Disabled(t *testing.T) {
	stop, err := Start(context.Background(), Options{Enabled: false, ServerAddress: "::nonsense"})
	if err != nil {
		t.Fatalf("disabled should never error, got: %v", err)
	}
	stop()
	stop()
}

func TestStart_InvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want string
	}{
		{"no app", Options{Enabled: true, ServerAddress: "http://pyro:4040"}, "app name"},
		{"empty server", Options{Enabled: true, AppName: "ratelimitd"}, "server address"},
		{"no scheme", Options{Enabled: true, AppName: "ratelimitd", ServerAddress: "pyro:4040"}, "server address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stop, err := Start(context.Background(), tt.opts)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
			stop()
		})
	}
}

func TestProfileTypes_IncludeContention(t *testing.T) {
	seen := map[string]bool{}
	for _, p := range profileTypes {
		seen[string(p)] = true
	}
	for _, want := range []string{"cpu", "mutex_count", "block_count", "goroutines"} {
		if !seen[want] {
			t.Errorf("missing profile type %s", want)
		}
	}
}
