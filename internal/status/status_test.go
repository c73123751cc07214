package status

import (
	"strings"
	"testing"
)

func TestSample(t *testing.T) {
	dir := t.TempDir()
	s := Sample(dir)
	if s.DiskPath != dir {
		t.Fatalf("disk path %q", s.DiskPath)
	}
	if s.SampledAt.IsZero() {
		t.Fatal("sample not stamped")
	}
	out := s.String()
	for _, want := range []string{"cpu", "mem", "disk free"} {
		if !strings.Contains(out, want) {
			t.Fatalf("rendered status %q missing %q", out, want)
		}
	}
}
