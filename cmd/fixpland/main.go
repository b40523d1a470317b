// Fixpland is the plan lifecycle daemon. It serves the HTTP API, analyzes
// submitted plans, executes approved ones in sandboxes and distills what
// succeeded plans teach.
//
// Configuration is read from ~/.config/fixplan/config.yaml (or --config) and
// FIXPLAN_ environment variables. See internal/config for the keys.
//
// Usage:
//
//	# Start the daemon
//	fixpland serve
//
//	# Also answer MCP tool calls on stdin/stdout
//	fixpland serve --mcp
//
//	# Validate configuration and exit
//	fixpland check
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/fixplan/internal/config"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "fixpland",
		Short:         "Troubleshooting plan lifecycle daemon",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.config/fixplan/config.yaml)")

	var withMCP bool
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWithFile(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, options{mcp: withMCP})
		},
	}
	serve.Flags().BoolVar(&withMCP, "mcp", false, "serve MCP tools over stdio; logs move to stderr")

	check := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWithFile(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: listening on %s, %d worker(s), repo %s\n",
				cfg.Server.Addr(), cfg.Workers.Count, cfg.Sandbox.Repo)
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd)
		},
	}

	root.AddCommand(serve, check, versionCmd)
	return root
}

func printVersion(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "fixpland by Fyrsmith Labs\n")
	fmt.Fprintf(out, "Version:    %s\n", version)
	fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(out, "Build Date: %s\n", buildDate)
}

// run is the body of serve; split out so tests can drive it with a
// cancellable context.
func run(ctx context.Context, cfg *config.Config, opts options) error {
	d, err := build(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer d.close()
	return d.run(ctx)
}
