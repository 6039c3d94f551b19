package version

import (
	"runtime/debug"
	"testing"
)

func TestCurrentPrefersLinkerVersion(t *testing.T) {
	prev := buildVersion
	t.Cleanup(func() { buildVersion = prev })
	buildVersion = "v1.4.0"
	if got := Current(); got != "v1.4.0" {
		t.Fatalf("expected linker version, got %q", got)
	}
}

func TestShortDropsPrerelease(t *testing.T) {
	prev := buildVersion
	t.Cleanup(func() { buildVersion = prev })
	buildVersion = "v1.4.0-0.20260101120000-abcdef123456"
	if got := Short(10); got != "v1.4.0" {
		t.Fatalf("expected core version, got %q", got)
	}
	if got := Short(0); got != buildVersion {
		t.Fatalf("expected untruncated version, got %q", got)
	}
	buildVersion = "not-a-semver-string"
	if got := Short(5); got != "not-a" {
		t.Fatalf("expected rune truncation, got %q", got)
	}
}

func TestVCSStampPseudo(t *testing.T) {
	stamp := vcsStamp([]debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef"},
		{Key: "vcs.time", Value: "2026-03-04T05:06:07Z"},
		{Key: "vcs.modified", Value: "true"},
	})
	if got := stamp.pseudo(); got != "v0.0.0-20260304050607-0123456789ab+dirty" {
		t.Fatalf("unexpected pseudo version %q", got)
	}
	if got := vcsStamp(nil).pseudo(); got != "" {
		t.Fatalf("expected empty pseudo version, got %q", got)
	}
}
