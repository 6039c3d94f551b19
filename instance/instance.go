// Package instance manages local report server instances: bootstrapping an
// instance directory, launching the server as a detached child, waiting for
// readiness, filesystem-signalled shutdown and guarded deletion.
//
// Every create and launch in this process and in other local processes is
// serialized through a launch lock in the profile directory. The lock is
// advisory; readiness is always confirmed over HTTP.
package instance

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/reportsync/client"
	"pkt.systems/reportsync/internal/clock"
	"pkt.systems/reportsync/internal/pathutil"
	"pkt.systems/reportsync/internal/svcfields"
	"pkt.systems/reportsync/portalloc"
)

const (
	// LaunchLockName is the create/launch lock file in the profile directory.
	LaunchLockName = "launch.lock"

	DefaultLaunchTimeout = 60 * time.Second
	DefaultStopTimeout   = 30 * time.Second
	DefaultDeleteTimeout = 30 * time.Second
	DefaultPollInterval  = 250 * time.Millisecond

	outputTailLimit = 8192
)

// State is the lifecycle state of a Manager.
type State int

const (
	StateAbsent State = iota
	StateDBReady
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateDBReady:
		return "db-ready"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "absent"
	}
}

// Config describes one instance.
type Config struct {
	// Executable is the server binary. Args are inserted before the
	// subcommand and Env is appended to the inherited environment.
	Executable string
	Args       []string
	Env        []string
	Directory  string
	// Port is the listen port; zero allocates one.
	Port int
	// Ports tunes allocation when Port is zero.
	Ports     portalloc.Options
	Host      string
	Username  string
	Password  string
	Verbosity int
	Debug     bool
	Tray      bool

	LaunchTimeout time.Duration
	StopTimeout   time.Duration
	DeleteTimeout time.Duration
	PollInterval  time.Duration
	// ProfileDir holds the launch and port-scan locks.
	ProfileDir string
	// LogFile, when set, receives the server's stdout and stderr directly
	// so the server can outlive this process. Otherwise output is piped
	// into a bounded in-memory tail.
	LogFile string

	Logger pslog.Logger
	Clock  clock.Clock
	// ClientOptions are applied to the client returned by Client.
	ClientOptions []client.Option
}

// Manager drives one instance through its lifecycle. It is safe for
// concurrent use; operations are serialized.
type Manager struct {
	cfg    Config
	logger pslog.Logger

	op sync.Mutex

	mu     sync.Mutex
	state  State
	port   int
	child  *child
	client *client.Client
}

// child tracks a spawned server process.
type child struct {
	cmd     *exec.Cmd
	done    chan struct{}
	err     error
	output  *tailBuffer
	logPath string
}

// tail returns the last output the server produced.
func (c *child) tail() string {
	if c.logPath == "" {
		return c.output.String()
	}
	f, err := os.Open(c.logPath)
	if err != nil {
		return ""
	}
	defer f.Close()
	if info, err := f.Stat(); err == nil && info.Size() > outputTailLimit {
		_, _ = f.Seek(-outputTailLimit, io.SeekEnd)
	}
	data, _ := io.ReadAll(io.LimitReader(f, outputTailLimit))
	return string(data)
}

func (c *child) exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// New validates cfg and returns a Manager in the state implied by the
// directory on disk.
func New(cfg Config) (*Manager, error) {
	if cfg.Executable == "" {
		return nil, fmt.Errorf("instance: executable required")
	}
	if cfg.Directory == "" {
		return nil, fmt.Errorf("instance: directory required")
	}
	dir, err := pathutil.ExpandUserAndEnv(cfg.Directory)
	if err != nil {
		return nil, fmt.Errorf("instance: directory: %w", err)
	}
	if dir, err = filepath.Abs(dir); err != nil {
		return nil, fmt.Errorf("instance: directory: %w", err)
	}
	cfg.Directory = dir
	if cfg.LogFile != "" {
		if cfg.LogFile, err = pathutil.ExpandUserAndEnv(cfg.LogFile); err != nil {
			return nil, fmt.Errorf("instance: log file: %w", err)
		}
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("instance: port %d out of range", cfg.Port)
	}
	if cfg.Verbosity < 0 {
		return nil, fmt.Errorf("instance: verbosity must be >= 0")
	}
	if cfg.Host == "" {
		cfg.Host = portalloc.DefaultHost
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = DefaultLaunchTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.DeleteTimeout <= 0 {
		cfg.DeleteTimeout = DefaultDeleteTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ProfileDir, err = pathutil.ResolveProfileDir(cfg.ProfileDir); err != nil {
		return nil, fmt.Errorf("instance: profile dir: %w", err)
	}
	if cfg.Ports.ProfileDir == "" {
		cfg.Ports.ProfileDir = cfg.ProfileDir
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if cfg.Ports.Logger == nil {
		cfg.Ports.Logger = logger
	}
	m := &Manager{
		cfg:    cfg,
		logger: svcfields.WithInstance(svcfields.WithSubsystem(logger, "instance", "lifecycle"), dir),
		port:   cfg.Port,
	}
	if fileExists(filepath.Join(dir, MarkerFile)) {
		m.state = StateDBReady
		if st, err := ReadStatus(dir); err == nil {
			m.state = StateRunning
			m.port = st.Port
		}
	}
	return m, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev != s {
		m.logger.Debug("instance.state", "from", prev.String(), "to", s.String())
	}
}

// Directory returns the absolute instance directory.
func (m *Manager) Directory() string { return m.cfg.Directory }

// Port returns the listen port, or zero before a port is chosen.
func (m *Manager) Port() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.port
}

// URL returns the base URL of the instance.
func (m *Manager) URL() string {
	return "http://" + m.cfg.Host + ":" + strconv.Itoa(m.Port())
}

// Client returns a client bound to the running instance, or nil before a
// successful launch.
func (m *Manager) Client() *client.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

// Status reads the instance's status file.
func (m *Manager) Status() (*Status, error) {
	return ReadStatus(m.cfg.Directory)
}
