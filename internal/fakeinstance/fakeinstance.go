// Package fakeinstance runs the in-memory report server as a spawned
// process, honouring the instance directory contract: a marker written by
// create, a status file present while serving and removed last on
// shutdown, and a shutdown request file.
package fakeinstance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"

	"pkt.systems/pslog"
	"pkt.systems/reportsync/instance"
	"pkt.systems/reportsync/internal/fakeserver"
	"pkt.systems/reportsync/internal/version"
)

// Behavior alters how a spawned instance misbehaves.
type Behavior string

const (
	// BehaviorNormal serves until asked to stop.
	BehaviorNormal Behavior = ""
	// BehaviorHang never listens and never exits on its own.
	BehaviorHang Behavior = "hang"
	// BehaviorExit exits with a failure right after start.
	BehaviorExit Behavior = "exit"
	// BehaviorNoMarker succeeds at create without writing a marker.
	BehaviorNoMarker Behavior = "no-marker"
)

// InstanceOptions configures RunInstance.
type InstanceOptions struct {
	Stdout   io.Writer
	Stderr   io.Writer
	Username string
	Password string
	Version  float64
	Behavior Behavior
	// ShutdownPoll bounds how long a shutdown request can go unnoticed when
	// filesystem events are unavailable.
	ShutdownPoll time.Duration
}

// RunInstance implements the command line of a spawned report server:
//
//	create <dir> [--schema n]
//	start --db-directory <dir> --port <p> [--verbosity n] [--debug] [--tray]
//
// It returns the process exit code.
func RunInstance(ctx context.Context, args []string, opts InstanceOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	if len(args) == 0 {
		fmt.Fprintln(opts.Stderr, "usage: create <dir> | start --db-directory <dir> --port <port>")
		return 2
	}
	var err error
	switch args[0] {
	case "create":
		err = runCreate(args[1:], opts)
	case "start":
		err = runStart(ctx, args[1:], opts)
	default:
		err = fmt.Errorf("unknown command %q", args[0])
	}
	if err != nil {
		fmt.Fprintln(opts.Stderr, "error:", err)
		return 1
	}
	return 0
}

func runCreate(args []string, opts InstanceOptions) error {
	fs := pflag.NewFlagSet("create", pflag.ContinueOnError)
	fs.SetOutput(opts.Stderr)
	schema := fs.Int("schema", instance.SchemaVersion, "schema version written to the marker")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("create: directory required")
	}
	dir := fs.Arg(0)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if opts.Behavior == BehaviorNoMarker {
		return nil
	}
	if err := instance.WriteMarker(dir, *schema); err != nil {
		return err
	}
	fmt.Fprintf(opts.Stdout, "created %s (schema %d)\n", dir, *schema)
	return nil
}

func runStart(ctx context.Context, args []string, opts InstanceOptions) error {
	fs := pflag.NewFlagSet("start", pflag.ContinueOnError)
	fs.SetOutput(opts.Stderr)
	dir := fs.String("db-directory", "", "instance directory")
	port := fs.Int("port", 0, "listen port")
	verbosity := fs.Int("verbosity", 1, "log verbosity")
	debug := fs.Bool("debug", false, "debug logging")
	fs.Bool("tray", false, "show a tray icon (ignored)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" || *port <= 0 {
		return errors.New("start: --db-directory and --port are required")
	}
	switch opts.Behavior {
	case BehaviorExit:
		return errors.New("start: refusing to start")
	case BehaviorHang:
		<-ctx.Done()
		return nil
	}

	level := pslog.InfoLevel
	switch {
	case *debug:
		level = pslog.DebugLevel
	case *verbosity == 0:
		level = pslog.Disabled
	}
	logger := pslog.NewStructured(opts.Stderr).LogLevel(level)

	srv := fakeserver.New(fakeserver.Options{Version: opts.Version, Username: opts.Username, Password: opts.Password, Logger: logger})
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(*port)))
	if err != nil {
		return err
	}
	httpSrv := &http.Server{Handler: srv, ReadHeaderTimeout: 5 * time.Second}
	serveErr := make(chan error, 1)
	go func() { serveErr <- httpSrv.Serve(ln) }()

	hostname, err := instance.LocalHostname(ctx)
	if err != nil {
		httpSrv.Close()
		return err
	}
	if err := instance.WriteStatus(*dir, instance.Status{
		Hostname: hostname,
		PID:      os.Getpid(),
		Port:     *port,
		Version:  version.Current(),
		Started:  time.Now(),
	}); err != nil {
		httpSrv.Close()
		return err
	}
	logger.Info("fakeserver.instance.started", "dir", *dir, "port", *port)

	reason := waitForShutdown(ctx, *dir, opts.ShutdownPoll, serveErr)
	logger.Info("fakeserver.instance.stopping", "reason", reason)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = os.Remove(filepath.Join(*dir, instance.ShutdownFile))
	// Removing the status file is the last thing a server does.
	return os.Remove(filepath.Join(*dir, instance.StatusFile))
}

// waitForShutdown returns the shutdown reason once the request file appears,
// ctx ends or the listener fails.
func waitForShutdown(ctx context.Context, dir string, poll time.Duration, serveErr <-chan error) string {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	request := filepath.Join(dir, instance.ShutdownFile)
	var events <-chan fsnotify.Event
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		if err := watcher.Add(dir); err == nil {
			events = watcher.Events
		}
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if data, err := os.ReadFile(request); err == nil {
			reason := strings.TrimSpace(string(data))
			if reason == "" {
				reason = "requested"
			}
			return reason
		}
		select {
		case <-ctx.Done():
			return "signal"
		case err := <-serveErr:
			return fmt.Sprintf("listener failed: %v", err)
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		case <-ticker.C:
		}
	}
}
