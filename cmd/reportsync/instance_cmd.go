package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/reportsync"
	"pkt.systems/reportsync/instance"
)

func newInstanceCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "instance",
		Aliases: []string{"inst"},
		Short:   "Create, start, stop and delete local report server instances",
	}
	flags := cmd.PersistentFlags()
	flags.String("executable", reportsync.DefaultExecutable, "report server launcher")
	flags.StringSlice("executable-args", nil, "arguments inserted before the launcher subcommand")
	flags.StringP("dir", "d", "", "instance directory")
	flags.Int("port", 0, "listen port (0 allocates a free one)")
	flags.Int("port-base", reportsync.DefaultPortBase, "first port considered by allocation")
	flags.Int("port-span", reportsync.DefaultPortSpan, "number of ports considered by allocation")
	flags.Int("verbosity", reportsync.DefaultVerbosity, "server log verbosity")
	flags.Bool("debug", false, "start the server in debug mode")
	flags.Bool("tray", false, "show the server tray icon")
	flags.Duration("launch-timeout", reportsync.DefaultLaunchTimeout, "how long to wait for bootstrap and readiness")
	flags.Duration("stop-timeout", reportsync.DefaultStopTimeout, "how long to wait for a graceful shutdown")
	flags.Duration("delete-timeout", reportsync.DefaultDeleteTimeout, "how long delete waits for a running server to stop")
	a.bindFlags(flags, "executable", "executable-args", "dir", "port", "port-base", "port-span",
		"verbosity", "debug", "tray", "launch-timeout", "stop-timeout", "delete-timeout")

	cmd.AddCommand(
		newInstanceCreateCommand(a),
		newInstanceStartCommand(a),
		newInstanceStopCommand(a),
		newInstanceDeleteCommand(a),
		newInstanceStatusCommand(a),
	)
	return cmd
}

// serverLogName is the file a detached server writes its output to.
const serverLogName = "report.log"

func (a *app) manager(opts ...func(*instance.Config)) (*instance.Manager, error) {
	if a.cfg.InstanceDir == "" {
		return nil, fmt.Errorf("--dir is required")
	}
	cfg := a.cfg.InstanceConfig()
	cfg.Logger = a.logger
	for _, opt := range opts {
		opt(&cfg)
	}
	return instance.New(cfg)
}

func newInstanceCreateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Bootstrap a new instance directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager()
			if err != nil {
				return err
			}
			if err := m.Create(cmd.Context()); err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), map[string]any{"dir": m.Directory(), "state": m.State().String()})
		},
	}
}

func newInstanceStartCommand(a *app) *cobra.Command {
	var (
		create       bool
		foreground   bool
		deleteOnExit bool
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Launch the server for an instance and wait until it answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if deleteOnExit && !foreground {
				return fmt.Errorf("--delete-on-exit requires --foreground")
			}
			m, err := a.manager(func(cfg *instance.Config) {
				if !foreground {
					// Nothing reads a pipe once this process exits.
					cfg.LogFile = filepath.Join(cfg.Directory, serverLogName)
				}
			})
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if create && m.State() == instance.StateAbsent {
				if err := m.Create(ctx); err != nil {
					return err
				}
			}
			if err := m.Launch(ctx); err != nil {
				return err
			}
			if err := a.print(cmd.OutOrStdout(), map[string]any{
				"dir":   m.Directory(),
				"port":  m.Port(),
				"url":   m.URL(),
				"state": m.State().String(),
			}); err != nil {
				return err
			}
			if !foreground {
				return nil
			}
			var hooks instance.ExitHooks
			m.RegisterExit(&hooks, deleteOnExit)
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.StopTimeout+a.cfg.DeleteTimeout)
			defer cancel()
			return hooks.Run(shutdownCtx)
		},
	}
	cmd.Flags().BoolVar(&create, "create", false, "bootstrap the directory first when it holds no instance")
	cmd.Flags().BoolVar(&foreground, "foreground", false, "stay attached and stop the server on SIGINT/SIGTERM")
	cmd.Flags().BoolVar(&deleteOnExit, "delete-on-exit", false, "delete the instance after the foreground server stops")
	return cmd
}

func newInstanceStopCommand(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask the instance's server to shut down and wait for it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager()
			if err != nil {
				return err
			}
			if err := m.Stop(cmd.Context(), reason); err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), map[string]any{"dir": m.Directory(), "state": m.State().String()})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cli", "shutdown reason written for the server")
	return cmd
}

func newInstanceDeleteCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Stop a local server if needed and remove the instance directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager()
			if err != nil {
				return err
			}
			if err := m.Delete(cmd.Context()); err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), map[string]any{"dir": m.Directory(), "state": m.State().String()})
		},
	}
}

func newInstanceStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of an instance directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager()
			if err != nil {
				return err
			}
			out := map[string]any{
				"dir":   m.Directory(),
				"state": m.State().String(),
			}
			if m.State() == instance.StateRunning {
				if st, err := m.Status(); err == nil {
					out["port"] = st.Port
					out["url"] = m.URL()
					out["hostname"] = st.Hostname
					out["pid"] = st.PID
					out["version"] = st.Version
					out["started"] = st.Started.UTC().Format(time.RFC3339)
					out["uptime"] = humanize.RelTime(st.Started, time.Now(), "ago", "from now")
					out["alive"] = st.Alive(cmd.Context())
				}
			}
			return a.print(cmd.OutOrStdout(), out)
		},
	}
}
