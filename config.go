package reportsync

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/reportsync/client"
	"pkt.systems/reportsync/instance"
	"pkt.systems/reportsync/internal/pathutil"
	"pkt.systems/reportsync/portalloc"
	"pkt.systems/reportsync/resource"
)

const (
	// DefaultServerURL is the report server used when none is configured.
	DefaultServerURL = "http://127.0.0.1:8000"
	// DefaultUsername is the account spawned instances are created with.
	DefaultUsername = "admin"
	// DefaultExecutable is the report server binary spawned for local instances.
	DefaultExecutable = "report-server"
	// DefaultLaunchTimeout bounds readiness polling after spawning an instance.
	DefaultLaunchTimeout = 60 * time.Second
	// DefaultStopTimeout bounds the wait for the status file to disappear.
	DefaultStopTimeout = 30 * time.Second
	// DefaultDeleteTimeout bounds the wait for a local instance to stop before
	// its directory is removed.
	DefaultDeleteTimeout = 30 * time.Second
	// DefaultPollInterval is the readiness and shutdown poll interval.
	DefaultPollInterval = 250 * time.Millisecond
	// DefaultVerbosity is passed to spawned instances as --verbosity.
	DefaultVerbosity = 1
	// DefaultPortBase and DefaultPortSpan bound the port scan range.
	DefaultPortBase = 8000
	DefaultPortSpan = 2000
	// DefaultHTTPTimeout bounds one client request.
	DefaultHTTPTimeout = 30 * time.Second
	// DefaultConnectRetries bounds transport-level reconnects.
	DefaultConnectRetries = 5
	// DefaultRegistryCapacity bounds the client resource table (0 is unbounded).
	DefaultRegistryCapacity = 4096
)

// Config captures everything needed to reach a report server and, when
// managing a local instance, to spawn it.
type Config struct {
	// ServerURL is the base URL of the report server.
	ServerURL string
	Username  string
	Password  string

	// HTTPTimeout bounds each client request, connect retries included.
	HTTPTimeout time.Duration
	// ConnectRetries bounds transport reconnects. Negative disables them.
	ConnectRetries int
	// RegistryCapacity bounds the GUID table shared by pushes and copies.
	RegistryCapacity int

	// Executable is the report server binary for local instances.
	Executable string
	// ExecutableArgs are inserted before the create/start subcommand.
	ExecutableArgs []string
	// InstanceDir is the database directory of the local instance.
	InstanceDir string
	// Port is the local instance port. Zero allocates one.
	Port int
	// PortBase and PortSpan bound the allocator scan range.
	PortBase int
	PortSpan int
	// Verbosity, Debug and Tray are forwarded to the spawned instance.
	Verbosity int
	Debug     bool
	Tray      bool

	LaunchTimeout time.Duration
	StopTimeout   time.Duration
	DeleteTimeout time.Duration
	PollInterval  time.Duration

	// ProfileDir holds the port-scan and launch lock files.
	ProfileDir string
}

// DefaultConfig returns a Config populated with package defaults.
func DefaultConfig() Config {
	return Config{
		ServerURL:        DefaultServerURL,
		Username:         DefaultUsername,
		HTTPTimeout:      DefaultHTTPTimeout,
		ConnectRetries:   DefaultConnectRetries,
		RegistryCapacity: DefaultRegistryCapacity,
		Executable:       DefaultExecutable,
		PortBase:         DefaultPortBase,
		PortSpan:         DefaultPortSpan,
		Verbosity:        DefaultVerbosity,
		LaunchTimeout:    DefaultLaunchTimeout,
		StopTimeout:      DefaultStopTimeout,
		DeleteTimeout:    DefaultDeleteTimeout,
		PollInterval:     DefaultPollInterval,
	}
}

// Validate fills defaults for zero values and checks the rest.
func (c *Config) Validate() error {
	c.ServerURL = strings.TrimSpace(c.ServerURL)
	if c.ServerURL == "" {
		c.ServerURL = DefaultServerURL
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("config: server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("config: server url %q must use http or https", c.ServerURL)
	}
	if u.Host == "" {
		return fmt.Errorf("config: server url %q has no host", c.ServerURL)
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	if c.ConnectRetries == 0 {
		c.ConnectRetries = DefaultConnectRetries
	}
	if c.ConnectRetries < 0 {
		c.ConnectRetries = 0
	}
	if c.RegistryCapacity < 0 {
		return fmt.Errorf("config: registry capacity must be >= 0")
	}
	if c.Executable == "" {
		c.Executable = DefaultExecutable
	}
	if c.InstanceDir != "" {
		dir, err := pathutil.ExpandUserAndEnv(c.InstanceDir)
		if err != nil {
			return fmt.Errorf("config: instance dir: %w", err)
		}
		if dir, err = filepath.Abs(dir); err != nil {
			return fmt.Errorf("config: instance dir: %w", err)
		}
		c.InstanceDir = dir
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.PortBase == 0 {
		c.PortBase = DefaultPortBase
	}
	if c.PortSpan == 0 {
		c.PortSpan = DefaultPortSpan
	}
	if c.PortBase < 1 || c.PortBase > 65535 || c.PortSpan < 1 || c.PortBase+c.PortSpan-1 > 65535 {
		return fmt.Errorf("config: port range %d+%d out of range", c.PortBase, c.PortSpan)
	}
	if c.Verbosity < 0 {
		return fmt.Errorf("config: verbosity must be >= 0")
	}
	if c.LaunchTimeout <= 0 {
		c.LaunchTimeout = DefaultLaunchTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.DeleteTimeout <= 0 {
		c.DeleteTimeout = DefaultDeleteTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	dir, err := pathutil.ResolveProfileDir(c.ProfileDir)
	if err != nil {
		return fmt.Errorf("config: profile dir: %w", err)
	}
	c.ProfileDir = dir
	return nil
}

// DefaultProfileDir returns the directory holding lock files and the CLI
// config ($HOME/.reportsync). REPORTSYNC_PROFILE_DIR overrides it.
func DefaultProfileDir() (string, error) {
	return pathutil.ProfileDir()
}

// DefaultConfigPath returns the default CLI config file location.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultProfileDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// ClientOptions maps the connection settings onto client options.
func (c Config) ClientOptions() []client.Option {
	opts := []client.Option{
		client.WithCredentials(c.Username, c.Password),
		client.WithFailureRetries(max(c.ConnectRetries, 0)),
	}
	if c.HTTPTimeout > 0 {
		opts = append(opts, client.WithHTTPTimeout(c.HTTPTimeout))
	}
	if c.RegistryCapacity >= 0 {
		opts = append(opts, client.WithRegistry(resource.NewRegistry(c.RegistryCapacity)))
	}
	return opts
}

// InstanceConfig maps the local instance settings onto an instance.Config.
func (c Config) InstanceConfig() instance.Config {
	return instance.Config{
		Executable: c.Executable,
		Args:       append([]string(nil), c.ExecutableArgs...),
		Directory:  c.InstanceDir,
		Port:       c.Port,
		Ports: portalloc.Options{
			Base:       c.PortBase,
			Span:       c.PortSpan,
			ProfileDir: c.ProfileDir,
		},
		Username:      c.Username,
		Password:      c.Password,
		Verbosity:     c.Verbosity,
		Debug:         c.Debug,
		Tray:          c.Tray,
		LaunchTimeout: c.LaunchTimeout,
		StopTimeout:   c.StopTimeout,
		DeleteTimeout: c.DeleteTimeout,
		PollInterval:  c.PollInterval,
		ProfileDir:    c.ProfileDir,
		ClientOptions: c.ClientOptions(),
	}
}
