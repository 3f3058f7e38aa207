// Command wptld is the wezterm-parallel daemon: it loads configuration,
// wires together the workspace registry, process supervisor, task queue,
// metrics sampler, IPC dispatcher and dashboard broadcaster, and serves
// them until terminated.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

const (
	exitOK        = 0
	exitUsage     = 64
	exitUnavail   = 69
	exitSoftware  = 70
	exitInterrupt = 130
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		configPath string
		logLevel   string
		socket     string
		wsPort     int
		dryRun     bool
	)

	root := &cobra.Command{
		Use:          "wptld",
		Short:        "wezterm-parallel daemon: multi-process supervision and coordination",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	root.PersistentFlags().StringVar(&socket, "socket", "", "override the IPC socket path")
	root.PersistentFlags().IntVar(&wsPort, "ws-port", 0, "override the dashboard WebSocket port")
	root.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "load and validate configuration without serving")
	root.SetArgs(args)

	exitCode := exitOK
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		exitCode = exitUsage
		return err
	})
	root.RunE = func(cmd *cobra.Command, _ []string) error {
		d, err := newDaemon(daemonOptions{
			configPath: configPath,
			logLevel:   logLevel,
			socket:     socket,
			wsPort:     wsPort,
		})
		if err != nil {
			exitCode = exitUsage
			return err
		}

		if dryRun {
			fmt.Fprintln(cmd.OutOrStdout(), "configuration OK")
			return nil
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		err = d.Run(ctx)
		if ctx.Err() != nil {
			exitCode = exitInterrupt
			return nil
		}
		if err != nil {
			exitCode = exitUnavail
			return err
		}
		return nil
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "wptld:", err)
		if exitCode == exitOK {
			exitCode = exitSoftware
		}
	}
	return exitCode
}
