package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	Version, Commit = "v1.2.3", "abc123"
	defer func() { Version, Commit = "dev", "unknown" }()

	got := String()
	if !strings.Contains(got, "v1.2.3") || !strings.Contains(got, "abc123") {
		t.Fatalf("版本信息缺失: %q", got)
	}
}
