package clock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/reportsync/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	early := m.After(time.Second)
	late := m.After(time.Minute)
	if m.Pending() != 2 {
		t.Fatalf("expected 2 pending timers, got %d", m.Pending())
	}
	m.Advance(2 * time.Second)
	select {
	case at := <-early:
		if !at.Equal(start.Add(2 * time.Second)) {
			t.Fatalf("unexpected fire time %v", at)
		}
	default:
		t.Fatal("expected early timer to fire")
	}
	select {
	case <-late:
		t.Fatal("late timer fired too soon")
	default:
	}
	if m.Pending() != 1 {
		t.Fatalf("expected 1 pending timer, got %d", m.Pending())
	}
}

func TestManualSetNeverRunsBackwards(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	second := m.After(2 * time.Second)
	first := m.After(time.Second)
	if got := m.Set(start.Add(-time.Hour)); !got.Equal(start) {
		t.Fatalf("expected clock unchanged, got %v", got)
	}
	m.Set(start.Add(5 * time.Second))
	for name, ch := range map[string]<-chan time.Time{"first": first, "second": second} {
		select {
		case <-ch:
		default:
			t.Fatalf("expected %s timer to fire", name)
		}
	}
	if m.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", m.Pending())
	}
}

func TestPollWithManualClock(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	errCh := make(chan error, 1)
	go func() {
		errCh <- clock.Poll(context.Background(), m, time.Second, 3*time.Second, func() (bool, error) {
			return false, nil
		})
	}()
	deadline := time.Now().Add(5 * time.Second)
	for {
		select {
		case err := <-errCh:
			if !errors.Is(err, clock.ErrPollTimeout) {
				t.Fatalf("expected timeout, got %v", err)
			}
			return
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("poll did not finish on the manual clock")
		}
		if m.Pending() > 0 {
			m.Advance(time.Second)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPollStopsWhenDone(t *testing.T) {
	t.Parallel()

	calls := 0
	err := clock.Poll(context.Background(), clock.Real{}, time.Millisecond, time.Second, func() (bool, error) {
		calls++
		return calls == 3, nil
	})
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 checks, got %d", calls)
	}
}

func TestPollTimesOut(t *testing.T) {
	t.Parallel()

	start := time.Now()
	err := clock.Poll(context.Background(), nil, 5*time.Millisecond, 30*time.Millisecond, func() (bool, error) {
		return false, nil
	})
	if !errors.Is(err, clock.ErrPollTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("poll overran its deadline: %v", elapsed)
	}
}

func TestPollReturnsCheckError(t *testing.T) {
	t.Parallel()

	boom := errors.New("child exited")
	err := clock.Poll(context.Background(), nil, time.Millisecond, time.Second, func() (bool, error) {
		return false, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected check error, got %v", err)
	}
}

func TestPollHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := clock.Poll(ctx, nil, time.Hour, 0, func() (bool, error) { return false, nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}
