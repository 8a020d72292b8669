package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	got := String()
	if !strings.HasPrefix(got, "stormtrack "+Version) {
		t.Errorf("expected version prefix, got %q", got)
	}
	if !strings.Contains(got, GitSHA) {
		t.Errorf("expected git sha in %q", got)
	}
}
