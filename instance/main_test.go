package instance_test

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"pkt.systems/reportsync/internal/fakeinstance"
)

const (
	envFakeInstance = "REPORTSYNC_FAKE_INSTANCE"
	envFakeBehavior = "REPORTSYNC_FAKE_BEHAVIOR"
	envFakeUsername = "REPORTSYNC_FAKE_USERNAME"
	envFakePassword = "REPORTSYNC_FAKE_PASSWORD"
)

// TestMain doubles as the spawned report server: the instance tests point
// Config.Executable at the test binary and set envFakeInstance.
func TestMain(m *testing.M) {
	if os.Getenv(envFakeInstance) != "" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		code := fakeinstance.RunInstance(ctx, os.Args[1:], fakeinstance.InstanceOptions{
			Stdout:       os.Stdout,
			Stderr:       os.Stderr,
			Username:     os.Getenv(envFakeUsername),
			Password:     os.Getenv(envFakePassword),
			Behavior:     fakeinstance.Behavior(os.Getenv(envFakeBehavior)),
			ShutdownPoll: 20 * time.Millisecond,
		})
		stop()
		os.Exit(code)
	}
	os.Exit(m.Run())
}

func portBase() int {
	return 20000 + (os.Getpid()*7)%20000
}
