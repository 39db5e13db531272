package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/rolegate/gate/internal/config"
	"github.com/amurg-ai/rolegate/gate/internal/eventbus"
	"github.com/amurg-ai/rolegate/gate/internal/gate"
	"github.com/amurg-ai/rolegate/gate/internal/store"
)

const defaultConfigPath = "rolegate.json"

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Start the gate (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args, defaultConfigPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}

	// Warnings and errors are mirrored onto the event feed.
	bus := eventbus.New()
	logger := newLogger(cfg.Logging, os.Stdout, bus)

	g, err := gate.New(cfg, bus, logger)
	if err != nil {
		return fmt.Errorf("init gate: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("rolegate starting", "version", version, "config", configPath, "addr", cfg.Server.Addr)

	if err := g.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("gate error", "error", err)
		return err
	}

	logger.Info("gate stopped")
	return nil
}

func newLogger(cfg config.LoggingConfig, w io.Writer, bus *eventbus.Bus) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	if bus != nil {
		handler = eventbus.NewSlogHandler(handler, bus, slog.LevelWarn)
	}
	return slog.New(handler)
}

// resolveConfigPath returns the config file path from (in priority order):
// 1. Positional argument
// 2. --config / -c flag
// 3. Default value
func resolveConfigPath(cmd *cobra.Command, args []string, defaultPath string) string {
	if len(args) > 0 {
		return args[0]
	}
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	// Check parent (root) persistent flags too.
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return defaultPath
}

// openStore loads the config and opens its store for the admin commands.
func openStore(cmd *cobra.Command) (*config.Config, store.Store, error) {
	cfg, err := config.Load(resolveConfigPath(cmd, nil, defaultConfigPath))
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	s, err := store.New(cfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, s, nil
}
