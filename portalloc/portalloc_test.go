package portalloc

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/reportsync/internal/clock"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		Base:       20000 + os.Getpid()%20000,
		Span:       200,
		ProfileDir: t.TempDir(),
	}
}

func TestFindReturnsFreePorts(t *testing.T) {
	opts := testOptions(t)
	opts.Count = 3
	ports, err := Find(context.Background(), opts)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(ports) != 3 {
		t.Fatalf("expected 3 ports, got %v", ports)
	}
	seen := make(map[int]bool)
	for _, p := range ports {
		if p < opts.Base || p >= opts.Base+opts.Span {
			t.Fatalf("port %d outside range", p)
		}
		if seen[p] {
			t.Fatalf("duplicate port %d in %v", p, ports)
		}
		seen[p] = true
	}
}

func TestFindSkipsListedAndBusyPorts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	opts := Options{Base: busy, Span: 5, Start: busy, Skip: []int{busy + 1}, ProfileDir: t.TempDir()}
	ports, err := Find(context.Background(), opts)
	if err != nil {
		t.Skipf("neighbouring ports unavailable: %v", err)
	}
	if ports[0] == busy || ports[0] == busy+1 {
		t.Fatalf("expected busy and skipped ports avoided, got %d", ports[0])
	}
}

func TestFindWrapsOnce(t *testing.T) {
	restore := portFree
	defer func() { portFree = restore }()
	var probed []int
	portFree = func(_ string, port int) bool {
		probed = append(probed, port)
		return port == 30000
	}
	opts := Options{Base: 30000, Span: 4, Start: 30002, ProfileDir: t.TempDir()}
	ports, err := Find(context.Background(), opts)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if ports[0] != 30000 {
		t.Fatalf("expected wrapped port 30000, got %d", ports[0])
	}
	want := []int{30002, 30003, 30000}
	if len(probed) != len(want) {
		t.Fatalf("expected probe order %v, got %v", want, probed)
	}
	for i := range want {
		if probed[i] != want[i] {
			t.Fatalf("expected probe order %v, got %v", want, probed)
		}
	}
}

func TestFindUnavailable(t *testing.T) {
	restore := portFree
	defer func() { portFree = restore }()
	portFree = func(string, int) bool { return false }
	_, err := Find(context.Background(), Options{Base: 30000, Span: 10, ProfileDir: t.TempDir()})
	if !errors.Is(err, ErrPortUnavailable) {
		t.Fatalf("expected ErrPortUnavailable, got %v", err)
	}
}

func TestFindSkipsPrivilegedPorts(t *testing.T) {
	if elevated() {
		t.Skip("running with elevated privileges")
	}
	restore := portFree
	defer func() { portFree = restore }()
	portFree = func(string, int) bool { return true }
	ports, err := Find(context.Background(), Options{Base: 1, Span: 1100, Start: 1, ProfileDir: t.TempDir()})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if ports[0] != privilegedPorts {
		t.Fatalf("expected first unprivileged port, got %d", ports[0])
	}
}

func TestFindRejectsBadRange(t *testing.T) {
	if _, err := Find(context.Background(), Options{Base: 65000, Span: 1000, ProfileDir: t.TempDir()}); err == nil {
		t.Fatal("expected range error")
	}
	if _, err := Find(context.Background(), Options{Base: 30000, Span: 2, Count: 3, ProfileDir: t.TempDir()}); err == nil {
		t.Fatal("expected count error")
	}
}

func TestConcurrentFindReturnsDistinctPorts(t *testing.T) {
	opts := testOptions(t)
	opts.Start = opts.Base
	const callers = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		ports = make(map[int]int)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o := opts
			// Disjoint avoid-lists outside the scanned start.
			o.Skip = []int{opts.Base + opts.Span - 1 - i}
			got, err := Find(context.Background(), o)
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			mu.Lock()
			ports[got[0]]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	for port, n := range ports {
		if n != 1 {
			t.Fatalf("port %d returned %d times", port, n)
		}
	}
	if len(ports) != callers {
		t.Fatalf("expected %d distinct ports, got %d", callers, len(ports))
	}
}

func TestReservationsExpire(t *testing.T) {
	restore := portFree
	defer func() { portFree = restore }()
	portFree = func(string, int) bool { return true }

	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	opts := Options{Base: 30000, Span: 10, Start: 30000, ProfileDir: t.TempDir(), Clock: clk, ReservationTTL: 30 * time.Second}
	first, err := Find(context.Background(), opts)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	second, err := Find(context.Background(), opts)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if first[0] == second[0] {
		t.Fatalf("expected reservation to divert second caller, both got %d", first[0])
	}
	clk.Advance(31 * time.Second)
	third, err := Find(context.Background(), opts)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if third[0] != first[0] {
		t.Fatalf("expected expired reservation reused, got %d want %d", third[0], first[0])
	}
}

func TestReleaseDropsReservation(t *testing.T) {
	restore := portFree
	defer func() { portFree = restore }()
	portFree = func(string, int) bool { return true }

	opts := Options{Base: 30000, Span: 10, Start: 30000, ProfileDir: t.TempDir()}
	first, err := Find(context.Background(), opts)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if err := Release(context.Background(), opts, first...); err != nil {
		t.Fatalf("release: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(opts.ProfileDir, LockName))
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if strings.Contains(string(data), strconv.Itoa(first[0])) {
		t.Fatalf("expected reservation removed, ledger %q", data)
	}
	again, err := Find(context.Background(), opts)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if again[0] != first[0] {
		t.Fatalf("expected released port reused, got %d", again[0])
	}
}

func TestListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if !Listening("", port, time.Second) {
		t.Fatal("expected listener detected")
	}
	ln.Close()
	if Listening("", port, 100*time.Millisecond) {
		t.Fatal("expected closed port reported free")
	}
}
