package pathutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpandUserAndEnv(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}
	t.Setenv("REPORTSYNC_TEST_DIR", "/srv/reports")
	cases := map[string]string{
		"":                            "",
		"~":                           home,
		"~/db":                        filepath.Join(home, "db"),
		"$REPORTSYNC_TEST_DIR/db":     "/srv/reports/db",
		"  ${REPORTSYNC_TEST_DIR}/x ": "/srv/reports/x",
		"relative/db":                 "relative/db",
	}
	for in, want := range cases {
		got, err := ExpandUserAndEnv(in)
		if err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		if got != want {
			t.Fatalf("%q: got %q want %q", in, got, want)
		}
	}
}

func TestProfileDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(ProfileEnv, dir)
	got, err := ProfileDir()
	if err != nil {
		t.Fatalf("profile dir: %v", err)
	}
	if got != dir {
		t.Fatalf("expected %s, got %s", dir, got)
	}
	explicit := filepath.Join(dir, "other")
	got, err = ResolveProfileDir(explicit)
	if err != nil || got != explicit {
		t.Fatalf("expected explicit dir, got %q (%v)", got, err)
	}
	got, err = ResolveProfileDir("")
	if err != nil || got != dir {
		t.Fatalf("expected env dir for empty input, got %q (%v)", got, err)
	}
}
