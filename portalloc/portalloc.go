// Package portalloc finds free localhost TCP ports for spawned report
// servers. Scans from all local processes are serialized through a shared
// lock file, which also carries a short-lived reservation ledger so a port
// handed out to one caller is not handed to another before it is bound.
//
// The lock is advisory. Callers still confirm a port with a real
// connectivity probe before relying on it.
package portalloc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/reportsync/internal/clock"
	"pkt.systems/reportsync/internal/filelock"
	"pkt.systems/reportsync/internal/pathutil"
	"pkt.systems/reportsync/internal/svcfields"
)

const (
	// LockName is the port-scan lock file inside the profile directory.
	LockName = "ports.lock"
	// DefaultBase is the first port of the scanned range.
	DefaultBase = 8000
	// DefaultSpan is the number of ports in the scanned range.
	DefaultSpan = 2000
	// DefaultReservationTTL is how long a returned port stays reserved.
	DefaultReservationTTL = 30 * time.Second
	// DefaultHost is the interface probed for listeners.
	DefaultHost = "127.0.0.1"

	privilegedPorts = 1024
)

// ErrPortUnavailable is returned when the range holds fewer free ports than requested.
var ErrPortUnavailable = errors.New("portalloc: no free port available")

// Options tunes a scan. The zero value finds one port in the default range.
type Options struct {
	// Count is the number of ports wanted. Zero means 1.
	Count int
	// Start is the first candidate. Zero derives it from the process id so
	// co-located callers start at different points.
	Start int
	Base  int
	Span  int
	// Skip lists ports never returned.
	Skip []int
	Host string
	// ProfileDir holds the lock file. Empty means the user profile directory.
	ProfileDir     string
	ReservationTTL time.Duration
	Clock          clock.Clock
	Logger         pslog.Logger
}

func (o Options) normalized() (Options, error) {
	if o.Count <= 0 {
		o.Count = 1
	}
	if o.Base <= 0 {
		o.Base = DefaultBase
	}
	if o.Span <= 0 {
		o.Span = DefaultSpan
	}
	if o.Base+o.Span-1 > 65535 {
		return o, fmt.Errorf("portalloc: range %d+%d exceeds 65535", o.Base, o.Span)
	}
	if o.Count > o.Span {
		return o, fmt.Errorf("portalloc: %d ports requested from a range of %d", o.Count, o.Span)
	}
	if o.Host == "" {
		o.Host = DefaultHost
	}
	if o.ReservationTTL <= 0 {
		o.ReservationTTL = DefaultReservationTTL
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	if o.Logger == nil {
		o.Logger = pslog.NoopLogger()
	}
	dir, err := pathutil.ResolveProfileDir(o.ProfileDir)
	if err != nil {
		return o, fmt.Errorf("portalloc: profile dir: %w", err)
	}
	o.ProfileDir = dir
	return o, nil
}

func (o Options) startOffset() int {
	start := o.Start
	if start == 0 {
		return os.Getpid() % o.Span
	}
	off := (start - o.Base) % o.Span
	if off < 0 {
		off += o.Span
	}
	return off
}

// Find returns Count ports with no local listener, walking the range once
// from the start offset and wrapping at the end. Returned ports are reserved
// for ReservationTTL unless released earlier.
func Find(ctx context.Context, opts Options) ([]int, error) {
	opts, err := opts.normalized()
	if err != nil {
		return nil, err
	}
	logger := svcfields.WithSubsystem(opts.Logger, "portalloc.scan")
	lock, err := filelock.Acquire(ctx, filepath.Join(opts.ProfileDir, LockName), 0)
	if err != nil {
		return nil, fmt.Errorf("portalloc: %w", err)
	}
	defer lock.Release()

	now := opts.Clock.Now()
	ledger, err := readLedger(lock.File())
	if err != nil {
		return nil, err
	}
	ledger.expire(now)

	privileged := elevated()
	offset := opts.startOffset()
	found := make([]int, 0, opts.Count)
	for i := 0; i < opts.Span && len(found) < opts.Count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("portalloc: %w", err)
		}
		port := opts.Base + (offset+i)%opts.Span
		switch {
		case port == 0:
			continue
		case port < privilegedPorts && !privileged:
			continue
		case slices.Contains(opts.Skip, port):
			continue
		case ledger.reserved(port):
			continue
		}
		if !portFree(opts.Host, port) {
			logger.Trace("portalloc.scan.busy", "port", port)
			continue
		}
		found = append(found, port)
	}
	if len(found) < opts.Count {
		logger.Warn("portalloc.scan.exhausted", "wanted", opts.Count, "found", len(found), "base", opts.Base, "span", opts.Span)
		return nil, fmt.Errorf("%w: wanted %d in %d-%d, found %d", ErrPortUnavailable, opts.Count, opts.Base, opts.Base+opts.Span-1, len(found))
	}
	for _, port := range found {
		ledger.reserve(port, now.Add(opts.ReservationTTL))
	}
	if err := ledger.write(lock.File()); err != nil {
		return nil, err
	}
	logger.Debug("portalloc.scan.found", "ports", found)
	return found, nil
}

// Release drops reservations for ports the caller has bound or abandoned.
func Release(ctx context.Context, opts Options, ports ...int) error {
	if len(ports) == 0 {
		return nil
	}
	opts, err := opts.normalized()
	if err != nil {
		return err
	}
	lock, err := filelock.Acquire(ctx, filepath.Join(opts.ProfileDir, LockName), 0)
	if err != nil {
		return fmt.Errorf("portalloc: %w", err)
	}
	defer lock.Release()
	ledger, err := readLedger(lock.File())
	if err != nil {
		return err
	}
	ledger.expire(opts.Clock.Now())
	for _, port := range ports {
		delete(ledger, port)
	}
	return ledger.write(lock.File())
}

// Listening reports whether something accepts connections on host:port.
func Listening(host string, port int, timeout time.Duration) bool {
	if host == "" {
		host = DefaultHost
	}
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// portFree binds the port to prove nothing else holds it.
var portFree = func(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
