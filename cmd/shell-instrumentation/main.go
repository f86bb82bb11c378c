// shell-instrumentation runs commands in instrumented local or SSH shells
// and reports when each one finishes, with its exit code, working directory
// and output. It serves MCP on stdio with -mcp, runs a single command with
// -c, and is an interactive shell otherwise.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/acolita/shell-instrumentation/internal/config"
	"github.com/acolita/shell-instrumentation/internal/logging"
	"golang.org/x/term"
)

// Version information - set at build time.
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  string
		server      string
		local       bool
		serveMCP    bool
		debug       bool
		showVersion bool
		command     string
	)

	flag.StringVar(&configPath, "config", config.DefaultConfigPath(), "Path to configuration file")
	flag.StringVar(&server, "server", "", "Open a shell on this configured SSH server")
	flag.BoolVar(&local, "local", false, "Open a local shell (default when -server is not set)")
	flag.BoolVar(&serveMCP, "mcp", false, "Serve MCP tools on stdio")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.StringVar(&command, "c", "", "Run one command, print its output and exit with its exit code")
	flag.Parse()

	if showVersion {
		fmt.Printf("shell-instrumentation version %s\n", Version)
		fmt.Printf("  Build time: %s\n", BuildTime)
		fmt.Printf("  Git commit: %s\n", GitCommit)
		return 0
	}
	if local && server != "" {
		fmt.Fprintln(os.Stderr, "-local and -server are mutually exclusive")
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	logger := logging.Setup(os.Stderr, cfg.Logging.Level, cfg.Logging.Sanitize)
	logger.Debug("starting shell-instrumentation",
		slog.String("version", Version),
		slog.String("config", configPath),
		slog.Bool("mcp", serveMCP),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// MCP owns stdio, so credentials are only ever asked for interactively.
	interactive := !serveMCP && term.IsTerminal(int(os.Stdin.Fd()))
	a := newApp(cfg, logger, interactive)

	if serveMCP {
		if err := a.serveMCP(ctx, configPath, debug); err != nil {
			logger.Error("server error", slog.String("error", err.Error()))
			return 1
		}
		return 0
	}
	return a.runShell(ctx, server, command)
}
