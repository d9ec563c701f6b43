package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"plugbot/internal/infra/config"
	"plugbot/internal/infra/logger"
	"plugbot/internal/infra/tracer"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage(os.Stdout)
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	var err error
	switch os.Args[1] {
	case "plugins":
		err = runPlugins(os.Stdout, os.Args[2:])
	case "premium":
		err = runPremium(context.Background(), os.Stdout, configPath(os.Args), os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'plugbot --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func showUsage(w io.Writer) {
	fmt.Fprint(w, `plugbot - plugin command runtime for chat bots

USAGE:
    plugbot [COMMAND] [FLAGS]

COMMANDS:
    plugins     Inspect declarative plugins
                Subcommands: list [dir...], validate <dir>
    premium     Manage premium subscriptions
                Subcommands: grant <id> [plan] [duration], revoke <id>, list

    (no command) - Run the bot with the configured channels

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: PLUGBOT_* variables override config
`)
}

// configPath returns the --config flag value, then $PLUGBOT_CONFIG, then
// ./config.yaml.
func configPath(args []string) string {
	for i, arg := range args {
		if arg == "--config" && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(arg, "--config="); ok {
			return v
		}
	}
	if p := os.Getenv("PLUGBOT_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath(os.Args))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 3. Runtime (store, gate, registry, dispatcher, scheduler, event sink)
	rt, err := initRuntime(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rt.Close(shutdownCtx); err != nil {
			log.Error("runtime cleanup error", "error", err)
		}
	}()

	// 4. Channels
	channels, err := buildChannels(cfg, log)
	if err != nil {
		return fmt.Errorf("channels: %w", err)
	}
	if len(channels) == 0 {
		return errors.New("no channels configured")
	}

	meta := rt.Registry.Metadata()
	log.Info("plugbot starting",
		"prefix", rt.Dispatcher.Prefix(),
		"commands", meta.Count,
		"load_errors", len(meta.Errors),
		"channels", len(channels),
		"premium", cfg.Premium.Backend,
		"config_files", len(cfg.Sources),
	)

	started, err := startChannels(ctx, channels, rt.Dispatcher, log)
	if err != nil {
		stopChannels(started, log)
		return err
	}

	rt.Scheduler.Start(ctx)

	<-ctx.Done()
	log.Info("shutting down")
	stopChannels(started, log)
	return nil
}

// newDiscardLogger is used by the CLI subcommands, which report on stdout.
func newDiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
