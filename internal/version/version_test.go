package version_test

import (
	"testing"

	v "github.com/keithlinneman/ratelimitd/internal/version"
)

func TestGet_LdflagsWin(t *testing.T) {
	prevV, prevC := v.Version, v.Commit
	t.Cleanup(func() { v.Version, v.Commit = prevV, prevC })

	v.Version = "1.4.0"
	v.Commit = "0123456789abcdef0123"
	info := v.Get()
	if info.Version != "1.4.0" || info.Commit != "0123456789abcdef0123" {
		t.Fatalf("Get() = %+v, ldflags values should be kept", info)
	}
	if info.GoVersion == "" {
		t.Fatal("GoVersion should come from build info")
	}
	if info.ShortCommit() != "0123456789ab" {
		t.Fatalf("ShortCommit = %q", info.ShortCommit())
	}
}

func TestShortCommit_Short(t *testing.T) {
	if got := (v.Info{Commit: "none"}).ShortCommit(); got != "none" {
		t.Fatalf("ShortCommit = %q", got)
	}
}
