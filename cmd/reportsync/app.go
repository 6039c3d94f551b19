package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/reportsync"
	"pkt.systems/reportsync/client"
	"pkt.systems/reportsync/internal/pathutil"
	"pkt.systems/reportsync/internal/svcfields"
)

const envPrefix = "REPORTSYNC"

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("REPORTSYNC_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "reportsync")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// app carries state shared by every subcommand of one root command.
type app struct {
	v         *viper.Viper
	logger    pslog.Logger
	cfg       reportsync.Config
	telemetry *reportsync.Telemetry
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	a := &app{v: viper.New(), logger: baseLogger}
	cmd := &cobra.Command{
		Use:           "reportsync",
		Short:         "reportsync pushes, pulls and migrates report server content and manages local report server instances",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Check that a server answers and print its API version
  reportsync --server http://127.0.0.1:8000 version --remote

  # Push a text item into a fresh session
  reportsync push --name "build log" --text "all green"

  # Copy every item tagged nightly from one server to another
  reportsync copy-items --to http://archive:8000 --query 'A|i_tags|cont|nightly;'

  # Bootstrap and start a local instance, then stop it again
  reportsync instance create --dir ~/reports/db
  reportsync instance start --dir ~/reports/db
  reportsync instance stop --dir ~/reports/db
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.telemetry == nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.telemetry.Shutdown(ctx)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.reportsync/config.yaml)")
	flags.String("server", reportsync.DefaultServerURL, "report server base URL")
	flags.StringP("username", "u", reportsync.DefaultUsername, "report server username")
	flags.StringP("password", "p", "", "report server password")
	flags.Duration("timeout", reportsync.DefaultHTTPTimeout, "per-request HTTP timeout")
	flags.Int("connect-retries", reportsync.DefaultConnectRetries, "transport reconnect attempts (negative disables)")
	flags.String("profile-dir", "", "directory holding lock files (default $HOME/.reportsync)")
	flags.String("log-level", "", "log level override (trace|debug|info|warn|error)")
	flags.StringP("output", "o", "yaml", "output format (yaml|json)")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("metrics-listen", "", "serve Prometheus metrics on this address while the command runs")

	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	a.bindFlags(flags, "config", "server", "username", "password", "timeout", "connect-retries",
		"profile-dir", "log-level", "output", "otlp-endpoint", "metrics-listen")

	cmd.AddCommand(
		newVersionCommand(a),
		newPortsCommand(a),
		newPushCommand(a),
		newGetCommand(a),
		newDeleteCommand(a),
		newCopyItemsCommand(a),
		newCopyTemplatesCommand(a),
		newTokenCommand(a),
		newInstanceCommand(a),
	)
	return cmd
}

func (a *app) bindFlags(flags *pflag.FlagSet, names ...string) {
	for _, name := range names {
		flag := flags.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := a.v.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
}

// load reads the config file and resolves the effective configuration.
func (a *app) load(cmd *cobra.Command) error {
	configFile, err := a.loadConfigFile()
	if err != nil {
		return err
	}
	if lvl := strings.TrimSpace(a.v.GetString("log-level")); lvl != "" {
		level, ok := pslog.ParseLevel(lvl)
		if !ok {
			return fmt.Errorf("unknown log level %q", lvl)
		}
		a.logger = a.logger.LogLevel(level)
	}
	if configFile != "" {
		svcfields.WithSubsystem(a.logger, "cli.root").Debug("cli.config.loaded", "path", configFile)
	}
	cfg := reportsync.DefaultConfig()
	cfg.ServerURL = a.v.GetString("server")
	cfg.Username = a.v.GetString("username")
	cfg.Password = a.v.GetString("password")
	cfg.HTTPTimeout = a.v.GetDuration("timeout")
	cfg.ConnectRetries = a.v.GetInt("connect-retries")
	if cfg.ConnectRetries == 0 {
		cfg.ConnectRetries = -1
	}
	cfg.ProfileDir = a.v.GetString("profile-dir")
	cfg.Executable = a.v.GetString("executable")
	cfg.ExecutableArgs = a.v.GetStringSlice("executable-args")
	cfg.InstanceDir = a.v.GetString("dir")
	cfg.Port = a.v.GetInt("port")
	if base := a.v.GetInt("port-base"); base != 0 {
		cfg.PortBase = base
	}
	if span := a.v.GetInt("port-span"); span != 0 {
		cfg.PortSpan = span
	}
	if a.v.IsSet("verbosity") {
		cfg.Verbosity = a.v.GetInt("verbosity")
	}
	cfg.Debug = a.v.GetBool("debug")
	cfg.Tray = a.v.GetBool("tray")
	cfg.LaunchTimeout = a.v.GetDuration("launch-timeout")
	cfg.StopTimeout = a.v.GetDuration("stop-timeout")
	cfg.DeleteTimeout = a.v.GetDuration("delete-timeout")
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	otlp := strings.TrimSpace(a.v.GetString("otlp-endpoint"))
	metrics := strings.TrimSpace(a.v.GetString("metrics-listen"))
	if otlp != "" || metrics != "" {
		tel, err := reportsync.SetupTelemetry(cmd.Context(), reportsync.TelemetryConfig{
			OTLPEndpoint:   otlp,
			MetricsListen:  metrics,
			RuntimeMetrics: metrics != "",
		}, svcfields.WithSubsystem(a.logger, "cli.telemetry"))
		if err != nil {
			return err
		}
		a.telemetry = tel
	}
	return nil
}

func (a *app) loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(a.v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if def, err := reportsync.DefaultConfigPath(); err == nil {
			cfgPath = def
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := pathutil.ExpandUserAndEnv(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	a.v.SetConfigFile(expanded)
	if err := a.v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

// client builds a client for serverURL, or for the configured server when
// serverURL is empty.
func (a *app) client(serverURL string, extra ...client.Option) (*client.Client, error) {
	if serverURL == "" {
		serverURL = a.cfg.ServerURL
	}
	opts := append(a.cfg.ClientOptions(), client.WithLogger(a.logger), client.WithApplication("reportsync"))
	if a.telemetry != nil {
		opts = append(opts,
			client.WithMeterProvider(a.telemetry.MeterProvider()),
			client.WithTracing(a.telemetry.TracingEnabled()),
		)
	}
	opts = append(opts, extra...)
	return client.New(serverURL, opts...)
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
