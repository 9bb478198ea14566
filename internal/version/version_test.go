package version

import (
	"strings"
	"testing"
)

func TestString_UsesProvidedValues(t *testing.T) {
	got := String("v1.2.3", "abc", "2026-01-01T00:00:00Z")
	if want := "v1.2.3 (abc) 2026-01-01T00:00:00Z"; got != want {
		t.Fatalf("unexpected version string: got %q, want %q", got, want)
	}
}

func TestString_OmitsPlaceholders(t *testing.T) {
	if got := String("v1.2.3", "unknown", "unknown"); got != "v1.2.3" {
		t.Fatalf("unexpected version string: %q", got)
	}
	got := String("", "unknown", "unknown")
	if got == "" || strings.Contains(got, "unknown") {
		t.Fatalf("expected placeholders to be omitted, got %q", got)
	}
}

func TestLine(t *testing.T) {
	old := Version
	t.Cleanup(func() { Version = old })
	Version = "v0.3.0"
	if got := Line("wsfetch-server"); !strings.HasPrefix(got, "wsfetch-server v0.3.0") {
		t.Fatalf("unexpected line: %q", got)
	}
}
