package instance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"pkt.systems/reportsync/client"
	"pkt.systems/reportsync/internal/clock"
	"pkt.systems/reportsync/internal/filelock"
	"pkt.systems/reportsync/portalloc"
)

// readinessProbeTimeout bounds one readiness probe inside the poll loop.
const readinessProbeTimeout = 2 * time.Second

// reapGrace is how long a stopped or aborted child may take to exit before
// it is killed.
const reapGrace = 2 * time.Second

func (m *Manager) launchLock(ctx context.Context) (*filelock.Lock, error) {
	lock, err := filelock.Acquire(ctx, filepath.Join(m.cfg.ProfileDir, LaunchLockName), m.cfg.PollInterval/4)
	if err != nil {
		return nil, fmt.Errorf("instance: %w", err)
	}
	return lock, nil
}

// command builds the server invocation. ctx only bounds short-lived
// subcommands; the server itself must outlive the launching call.
func (m *Manager) command(ctx context.Context, args ...string) *exec.Cmd {
	full := append(append([]string{}, m.cfg.Args...), args...)
	cmd := exec.CommandContext(ctx, m.cfg.Executable, full...)
	if len(m.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), m.cfg.Env...)
	}
	return cmd
}

// Create bootstraps a new instance directory. The directory must be absent
// or empty.
func (m *Manager) Create(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()
	if s := m.State(); s != StateAbsent {
		return fmt.Errorf("%w: create while %s", ErrInvalidState, s)
	}
	lock, err := m.launchLock(ctx)
	if err != nil {
		return err
	}
	defer lock.Release()

	dir := m.cfg.Directory
	if err := preflightCreate(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &DBError{Dir: dir, Detail: err.Error(), Err: ErrDBCreationFailed}
	}
	m.logger.Info("instance.create.start", "executable", m.cfg.Executable)
	runCtx, cancel := context.WithTimeout(ctx, m.cfg.LaunchTimeout)
	defer cancel()
	cmd := m.command(runCtx, "create", dir)
	out := newTailBuffer(4096)
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Run(); err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return &LaunchError{Executable: m.cfg.Executable, Err: err}
		}
		m.logger.Warn("instance.create.failed", "error", err, "output", out.String())
		return &DBError{Dir: dir, Detail: strings.TrimSpace(err.Error() + " " + out.String()), Err: ErrDBCreationFailed}
	}
	if !fileExists(filepath.Join(dir, MarkerFile)) {
		return &DBError{Dir: dir, Detail: "bootstrap left no " + MarkerFile, Err: ErrDBCreationFailed}
	}
	m.setState(StateDBReady)
	m.logger.Info("instance.create.success")
	return nil
}

func preflightCreate(dir string) error {
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &DBError{Dir: dir, Detail: err.Error(), Err: ErrDBCreationFailed}
	}
	if !info.IsDir() {
		return &DBError{Dir: dir, Detail: "not a directory", Err: ErrDBCreationFailed}
	}
	if fileExists(filepath.Join(dir, MarkerFile)) {
		return &DBError{Dir: dir, Err: ErrDBExists}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return &DBError{Dir: dir, Detail: err.Error(), Err: ErrDBCreationFailed}
	}
	if len(entries) > 0 {
		return &DBError{Dir: dir, Detail: "directory not empty", Err: ErrDBExists}
	}
	return nil
}

func validateDB(dir string) error {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return &DBError{Dir: dir, Err: ErrDBNotFound}
	}
	schema, err := readMarker(dir)
	if errors.Is(err, os.ErrNotExist) {
		return &DBError{Dir: dir, Detail: "missing " + MarkerFile, Err: ErrDBNotFound}
	}
	if err != nil {
		return &DBError{Dir: dir, Detail: err.Error(), Err: ErrDBVersionInvalid}
	}
	if schema < MinSchemaVersion || schema > SchemaVersion {
		return &DBError{Dir: dir, Detail: fmt.Sprintf("schema %d not in %d..%d", schema, MinSchemaVersion, SchemaVersion), Err: ErrDBVersionInvalid}
	}
	return nil
}

// Launch starts the server and waits until it answers the validation call.
// A launch that never becomes ready is stopped and killed before the error
// is returned.
func (m *Manager) Launch(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()
	switch s := m.State(); s {
	case StateStarting, StateRunning, StateStopping:
		return fmt.Errorf("%w: launch while %s", ErrInvalidState, s)
	}
	lock, err := m.launchLock(ctx)
	if err != nil {
		return err
	}
	defer lock.Release()

	dir := m.cfg.Directory
	if err := validateDB(dir); err != nil {
		return err
	}
	port := m.cfg.Port
	allocated := false
	if port == 0 {
		ports, err := portalloc.Find(ctx, m.cfg.Ports)
		if err != nil {
			return err
		}
		port = ports[0]
		allocated = true
	}
	if allocated {
		defer func() {
			if err := portalloc.Release(context.WithoutCancel(ctx), m.cfg.Ports, port); err != nil {
				m.logger.Debug("instance.launch.release_port_failed", "port", port, "error", err)
			}
		}()
	}
	if portalloc.Listening(m.cfg.Host, port, 0) {
		return fmt.Errorf("%w: %s:%d", ErrPortInUse, m.cfg.Host, port)
	}
	// A leftover request would stop the new server immediately.
	_ = os.Remove(filepath.Join(dir, ShutdownFile))

	m.mu.Lock()
	m.port = port
	m.mu.Unlock()

	args := []string{"start", "--db-directory", dir, "--port", strconv.Itoa(port), "--verbosity", strconv.Itoa(m.cfg.Verbosity)}
	if m.cfg.Debug {
		args = append(args, "--debug")
	}
	if m.cfg.Tray {
		args = append(args, "--tray")
	}
	cmd := m.command(context.WithoutCancel(ctx), args...)
	ch := &child{cmd: cmd, done: make(chan struct{}), output: newTailBuffer(outputTailLimit)}
	var logFile *os.File
	if m.cfg.LogFile != "" {
		if logFile, err = os.OpenFile(m.cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err != nil {
			return fmt.Errorf("instance: open log file: %w", err)
		}
		cmd.Stdout = logFile
		cmd.Stderr = logFile
		ch.logPath = m.cfg.LogFile
	} else {
		cmd.Stdout = ch.output
		cmd.Stderr = ch.output
	}
	detach(cmd)
	m.logger.Info("instance.launch.start", "executable", m.cfg.Executable, "port", port)
	err = cmd.Start()
	if logFile != nil {
		// The child holds its own descriptor.
		logFile.Close()
	}
	if err != nil {
		return &LaunchError{Executable: m.cfg.Executable, Err: err}
	}
	go func() {
		ch.err = cmd.Wait()
		close(ch.done)
	}()
	m.mu.Lock()
	m.child = ch
	m.mu.Unlock()
	m.setState(StateStarting)

	if err := m.awaitReady(ctx, ch); err != nil {
		m.logger.Warn("instance.launch.not_ready", "port", port, "error", err)
		m.abort(ch)
		return err
	}
	cli, err := client.New(m.URL(), append([]client.Option{
		client.WithCredentials(m.cfg.Username, m.cfg.Password),
		client.WithLogger(m.cfg.Logger),
	}, m.cfg.ClientOptions...)...)
	if err != nil {
		m.abort(ch)
		return err
	}
	m.mu.Lock()
	m.client = cli
	m.mu.Unlock()
	m.setState(StateRunning)
	m.logger.Info("instance.launch.ready", "port", port, "pid", cmd.Process.Pid)
	return nil
}

func (m *Manager) awaitReady(ctx context.Context, ch *child) error {
	probe, err := client.New(m.URL(),
		client.WithCredentials(m.cfg.Username, m.cfg.Password),
		client.WithFailureRetries(0),
		client.WithHTTPTimeout(readinessProbeTimeout),
	)
	if err != nil {
		return err
	}
	defer probe.Close()
	connErr := func(cause Cause, err error) *ConnectionError {
		return &ConnectionError{URL: m.URL(), Port: m.Port(), Cause: cause, Err: err}
	}
	attempts := 0
	err = clock.Poll(ctx, m.cfg.Clock, m.cfg.PollInterval, m.cfg.LaunchTimeout, func() (bool, error) {
		if ch.exited() {
			e := connErr(CauseExited, ch.err)
			e.Output = ch.tail()
			return false, e
		}
		attempts++
		err := probe.Validate(ctx)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, client.ErrPermissionDenied):
			return false, connErr(CauseAuthDenied, err)
		}
		m.logger.Trace("instance.launch.probe", "attempt", attempts, "error", err)
		return false, nil
	})
	var ce *ConnectionError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ce):
		return ce
	case errors.Is(err, clock.ErrPollTimeout):
		return connErr(CauseTimeout, fmt.Errorf("not ready after %s", m.cfg.LaunchTimeout))
	default:
		return connErr(CauseTimeout, err)
	}
}

// abort stops a child that never became ready: first by request, then by
// killing its process group.
func (m *Manager) abort(ch *child) {
	dir := m.cfg.Directory
	if !ch.exited() {
		_ = os.WriteFile(filepath.Join(dir, ShutdownFile), []byte("launch aborted"), 0o644)
		select {
		case <-ch.done:
		case <-time.After(min(reapGrace, m.cfg.StopTimeout)):
			m.logger.Warn("instance.launch.kill", "pid", ch.cmd.Process.Pid)
			killTree(ch.cmd)
			<-ch.done
		}
	}
	_ = os.Remove(filepath.Join(dir, ShutdownFile))
	if !fileExists(filepath.Join(dir, StatusFile)) {
		m.setState(StateDBReady)
	} else if st, err := ReadStatus(dir); err == nil && st.PID == ch.cmd.Process.Pid {
		// The killed server could not remove its own status file.
		_ = os.Remove(filepath.Join(dir, StatusFile))
		m.setState(StateDBReady)
	}
	m.mu.Lock()
	m.child = nil
	m.mu.Unlock()
}

// Stop asks the server to shut down and waits until its status file is
// gone. reason is written into the request file for the server's log. The
// instance need not have been launched by this Manager.
func (m *Manager) Stop(ctx context.Context, reason string) error {
	m.op.Lock()
	defer m.op.Unlock()
	dir := m.cfg.Directory
	statusPath := filepath.Join(dir, StatusFile)
	m.mu.Lock()
	ch := m.child
	m.mu.Unlock()
	if !fileExists(statusPath) && (ch == nil || ch.exited()) {
		m.reap(ch)
		if fileExists(filepath.Join(dir, MarkerFile)) {
			m.setState(StateDBReady)
		}
		return nil
	}
	if reason == "" {
		reason = "stop requested"
	}
	m.setState(StateStopping)
	m.logger.Info("instance.stop.request", "reason", reason)
	if err := os.WriteFile(filepath.Join(dir, ShutdownFile), []byte(reason), 0o644); err != nil {
		m.setState(StateRunning)
		return fmt.Errorf("instance: request shutdown: %w", err)
	}
	err := waitForRemoval(ctx, statusPath, m.cfg.PollInterval, m.cfg.StopTimeout)
	if err != nil {
		m.logger.Warn("instance.stop.timeout", "error", err)
		if ch != nil && !ch.exited() {
			killTree(ch.cmd)
			<-ch.done
			_ = os.Remove(statusPath)
			err = fmt.Errorf("instance: stop %s: %w, server killed", dir, err)
		} else {
			m.setState(StateRunning)
			return fmt.Errorf("instance: stop %s: %w", dir, err)
		}
	}
	m.reap(ch)
	_ = os.Remove(filepath.Join(dir, ShutdownFile))
	m.mu.Lock()
	if m.client != nil {
		m.client.Close()
		m.client = nil
	}
	m.mu.Unlock()
	m.setState(StateDBReady)
	m.logger.Info("instance.stop.success")
	return err
}

func (m *Manager) reap(ch *child) {
	if ch == nil {
		return
	}
	select {
	case <-ch.done:
	case <-time.After(reapGrace):
		killTree(ch.cmd)
		<-ch.done
	}
	m.mu.Lock()
	if m.child == ch {
		m.child = nil
	}
	m.mu.Unlock()
}

// Delete removes the instance directory. It refuses directories without an
// instance marker and directories whose status file names another host.
// An instance running on this host is asked to shut down and given
// DeleteTimeout to remove its status file.
func (m *Manager) Delete(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()
	dir := m.cfg.Directory
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return &DBError{Dir: dir, Err: ErrDBNotFound}
	}
	if !fileExists(filepath.Join(dir, MarkerFile)) {
		return &DBError{Dir: dir, Detail: "not an instance directory", Err: ErrDBNotFound}
	}
	statusPath := filepath.Join(dir, StatusFile)
	if fileExists(statusPath) {
		st, err := ReadStatus(dir)
		if err != nil {
			return &DBError{Dir: dir, Detail: "unreadable status file: " + err.Error(), Err: ErrRemoteInstance}
		}
		local, err := LocalHostname(ctx)
		if err != nil {
			return fmt.Errorf("instance: hostname: %w", err)
		}
		if !strings.EqualFold(st.Hostname, local) {
			m.logger.Warn("instance.delete.remote", "host", st.Hostname)
			return &DBError{Dir: dir, Detail: "status names host " + st.Hostname, Err: ErrRemoteInstance}
		}
		if st.Alive(ctx) {
			m.logger.Info("instance.delete.stop", "pid", st.PID)
			if err := os.WriteFile(filepath.Join(dir, ShutdownFile), []byte("delete requested"), 0o644); err != nil {
				return fmt.Errorf("instance: request shutdown: %w", err)
			}
		}
		m.logger.Info("instance.delete.wait", "pid", st.PID)
		if err := waitForRemoval(ctx, statusPath, m.cfg.PollInterval, m.cfg.DeleteTimeout); err != nil {
			if st.Alive(ctx) {
				return fmt.Errorf("instance: delete %s: %w", dir, err)
			}
			m.logger.Warn("instance.delete.stale_status", "pid", st.PID)
		}
	}
	m.mu.Lock()
	ch := m.child
	m.mu.Unlock()
	m.reap(ch)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("instance: delete %s: %w", dir, err)
	}
	m.setState(StateAbsent)
	m.logger.Info("instance.delete.success")
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
