// Package filelock provides named, advisory, file-backed locks shared by all
// local processes. Locks are best-effort: they serialize cooperating callers
// on one machine and guarantee nothing across machines.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultPollInterval is the retry interval used while another holder owns
// the lock.
const DefaultPollInterval = 20 * time.Millisecond

// ErrHeld is returned by TryAcquire when another holder owns the lock.
var ErrHeld = errors.New("filelock: lock held")

// fcntl locks are per process, so holders inside one process are serialized
// through a token channel keyed by the cleaned path.
var local sync.Map

func localToken(path string) chan struct{} {
	ch, _ := local.LoadOrStore(path, make(chan struct{}, 1))
	return ch.(chan struct{})
}

// Lock is an acquired lock. The underlying file stays open for the lifetime
// of the lock and may be used to store small amounts of shared state.
type Lock struct {
	path  string
	file  *os.File
	token chan struct{}
	once  sync.Once
	err   error
}

// Acquire blocks until the named lock is held or ctx ends. The lock file
// and its parent directory are created when missing.
func Acquire(ctx context.Context, path string, poll time.Duration) (*Lock, error) {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	path = filepath.Clean(path)
	token := localToken(path)
	select {
	case token <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("filelock: acquire %s: %w", path, ctx.Err())
	}
	f, err := openLockFile(path)
	if err != nil {
		<-token
		return nil, err
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		err := tryLockFile(f)
		if err == nil {
			return &Lock{path: path, file: f, token: token}, nil
		}
		if !errors.Is(err, ErrHeld) {
			f.Close()
			<-token
			return nil, fmt.Errorf("filelock: lock %s: %w", path, err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			f.Close()
			<-token
			return nil, fmt.Errorf("filelock: acquire %s: %w", path, ctx.Err())
		}
	}
}

// TryAcquire takes the lock without waiting. It returns ErrHeld when
// another holder owns it.
func TryAcquire(path string) (*Lock, error) {
	path = filepath.Clean(path)
	token := localToken(path)
	select {
	case token <- struct{}{}:
	default:
		return nil, ErrHeld
	}
	f, err := openLockFile(path)
	if err != nil {
		<-token
		return nil, err
	}
	if err := tryLockFile(f); err != nil {
		f.Close()
		<-token
		return nil, err
	}
	return &Lock{path: path, file: f, token: token}, nil
}

func openLockFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("filelock: prepare directory for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filelock: open %s: %w", path, err)
	}
	return f, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// File exposes the open lock file.
func (l *Lock) File() *os.File { return l.file }

// Release drops the lock. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		if err := unlockFile(l.file); err != nil {
			l.err = fmt.Errorf("filelock: unlock %s: %w", l.path, err)
		}
		if err := l.file.Close(); err != nil && l.err == nil {
			l.err = fmt.Errorf("filelock: close %s: %w", l.path, err)
		}
		<-l.token
	})
	return l.err
}
