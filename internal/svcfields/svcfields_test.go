package svcfields

import (
	"bytes"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestSubsystemSkipsEmptyParts(t *testing.T) {
	if got := Subsystem("instance", "", ".lifecycle."); got != "instance.lifecycle" {
		t.Fatalf("unexpected subsystem %q", got)
	}
	if got := Subsystem(); got != "" {
		t.Fatalf("expected empty subsystem, got %q", got)
	}
}

func TestWithHelpersTagLogLines(t *testing.T) {
	var buf bytes.Buffer
	logger := pslog.NewStructured(&buf)
	logger = WithServer(WithInstance(WithSubsystem(logger, "instance", "lifecycle"), "/tmp/db"), "http://127.0.0.1:8000")
	logger.Info("instance.state")
	out := buf.String()
	for _, want := range []string{"instance.lifecycle", "/tmp/db", "http://127.0.0.1:8000"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %q", want, out)
		}
	}
}

func TestNilLoggerIsNoop(t *testing.T) {
	for _, logger := range []pslog.Logger{
		WithSubsystem(nil, "x"),
		WithInstance(nil, "/tmp"),
		WithServer(nil, "http://x"),
	} {
		if logger == nil {
			t.Fatal("expected non-nil logger")
		}
		logger.Info("noop")
	}
}
