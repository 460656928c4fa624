package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := command{out: os.Stdout}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createStatusCommand(c),
		createLifecycleCommand(c, "start", "Start the proxy server"),
		createLifecycleCommand(c, "stop", "Stop the proxy server"),
		createLifecycleCommand(c, "restart", "Restart the proxy server"),
		createVersionCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "cliproxyctl",
		Short: "Control panel daemon for CLIProxyAPI+",
		Long: `cliproxyctl supervises a local CLIProxyAPI+ server and serves the
browser control panel plus its JSON API.

Examples:
  cliproxyctl serve                                  # Run the daemon in the foreground
  cliproxyctl serve --config=cliproxyctl.toml --daemonize
  cliproxyctl status                                 # Ask a running daemon
  cliproxyctl restart --api-url=http://127.0.0.1:8174/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the control-plane daemon",
		Long: `Run the daemon: bind the control API (falling back to the next free
port when the configured one is busy) and supervise the proxy server on demand.

Examples:
  cliproxyctl serve
  cliproxyctl serve cliproxyctl.toml
  cliproxyctl serve --daemonize --logfile=/tmp/cliproxyctl.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			return runServe(cmd.Context(), *serveFlags)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file when daemonized")
	return cmd
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags, timeout time.Duration) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "daemon API URL (default "+defaultAPIUrl+")")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", timeout, "request timeout")
}

func createStatusCommand(c command) *cobra.Command {
	apiFlags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the proxy server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), *apiFlags)
		},
	}
	addAPIFlags(cmd, apiFlags, 10*time.Second)
	return cmd
}

// createLifecycleCommand builds start, stop and restart; they differ only in
// the endpoint they call.
func createLifecycleCommand(c command, op, short string) *cobra.Command {
	apiFlags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   op,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Lifecycle(cmd.Context(), op, *apiFlags)
		},
	}
	addAPIFlags(cmd, apiFlags, 30*time.Second)
	return cmd
}

func createVersionCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(c.out, "cliproxyctl", version)
		},
	}
}
