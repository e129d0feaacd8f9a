// Package main is the entrypoint for the restbase API gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/visualcraft/restbase/internal/config"
	"github.com/visualcraft/restbase/internal/server"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// startable is satisfied by *server.Server.
type startable interface {
	Start(ctx context.Context) error
}

// serverFactory creates a startable server from config. Tests can inject a
// failing factory to cover the server.New() error path.
type serverFactory func(cfg *config.Config, version, configPath string) (startable, error)

// defaultServerFactory is the production factory that delegates to server.New.
func defaultServerFactory(cfg *config.Config, version, configPath string) (startable, error) {
	return server.New(cfg, version, server.WithConfigPath(configPath))
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("restbase", flag.ContinueOnError)
	configPath := fs.String("config", "restbase.yaml", "path to configuration file")
	showVersion := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			printUsage()
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *showVersion {
		fmt.Printf("restbase %s\n", Version)
		return 0
	}

	// Until the config is loaded the server's own logger does not exist.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	subcmd := "serve"
	remaining := fs.Args()
	if len(remaining) > 0 {
		subcmd = remaining[0]
		remaining = remaining[1:]
	}

	switch subcmd {
	case "serve":
		return cmdServe(*configPath, defaultServerFactory)
	case "validate":
		return cmdValidate(*configPath)
	case "init":
		return cmdInit(remaining)
	case "diff":
		return cmdDiff(*configPath, remaining)
	case "help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", subcmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `restbase %s - REST API gateway with problem responses

Usage:
  restbase [flags] <command>

Commands:
  serve      Start the gateway server (default)
  validate   Validate configuration file
  init       Generate a new restbase.yaml
  diff       Show what reloading another config file would change
  help       Show this help message

Flags:
  --config string   Path to configuration file (default "restbase.yaml")
  --version         Print version and exit

Examples:
  restbase --config restbase.yaml serve
  restbase --config restbase.yaml validate
  restbase init --profile prod --output restbase.yaml
  restbase --config restbase.yaml diff restbase.next.yaml
`, Version)
}

// cmdServe starts the gateway with graceful shutdown on SIGINT/SIGTERM.
// SIGHUP reloads the config when reload.enabled is set.
func cmdServe(configPath string, newServer serverFactory) int {
	logger := slog.Default()
	logger.Info("starting restbase",
		"version", Version,
		"config", configPath,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("configuration error", "error", err)
		return 1
	}

	srv, err := newServer(cfg, Version, configPath)
	if err != nil {
		logger.Error("server initialization error", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		logger.Error("server error", "error", err)
		return 1
	}

	return 0
}

// cmdValidate loads and validates the configuration file.
func cmdValidate(configPath string) int {
	slog.Default().Info("validating configuration", "config", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Printf("config valid (%d zone entries, auth %s)\n", len(cfg.Zone), cfg.Security.Auth.Mode)
	return 0
}

// cmdInit writes an example configuration for the selected profile.
func cmdInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	profile := fs.String("profile", "dev", "configuration profile (dev or prod)")
	output := fs.String("output", "restbase.yaml", "file to write")
	force := fs.Bool("force", false, "overwrite an existing file")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	profileYAML, err := config.Profile(*profile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if !*force {
		if _, err := os.Stat(*output); err == nil {
			fmt.Fprintf(os.Stderr, "Error: %s already exists (use --force to overwrite)\n", *output)
			return 1
		}
	}

	if err := os.WriteFile(*output, []byte(profileYAML), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", *output, err)
		return 1
	}

	fmt.Printf("Generated %s with profile %q\n", *output, *profile)
	return 0
}

// cmdDiff compares the active config with a candidate file the way a reload
// would, listing each changed field and whether it applies without restart.
func cmdDiff(configPath string, args []string) int {
	fs := flag.NewFlagSet("diff", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Error: diff takes exactly one candidate config file")
		return 1
	}

	current, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading %s: %v\n", configPath, err)
		return 1
	}
	candidate, err := config.Load(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading %s: %v\n", fs.Arg(0), err)
		return 1
	}

	changes := config.Diff(current, candidate)
	if len(changes) == 0 {
		fmt.Println("no changes")
		return 0
	}

	restart := 0
	for _, c := range changes {
		mode := "reload"
		if !c.Reloadable {
			mode = "restart"
			restart++
		}
		fmt.Printf("%-8s %s: %v -> %v\n", mode, c.Field, c.OldValue, c.NewValue)
	}
	if restart > 0 {
		fmt.Fprintf(os.Stderr, "WARNING: %d change(s) require a restart\n", restart)
	}
	return 0
}
