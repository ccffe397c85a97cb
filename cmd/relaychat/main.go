package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"RelayChat/internal/config"
	"RelayChat/internal/history"
	"RelayChat/internal/llm"
	"RelayChat/internal/relay"
	"RelayChat/internal/status"
	"RelayChat/internal/telegram"
	"RelayChat/internal/telemetry"

	"github.com/joho/godotenv"
)

func main() {
	var configPath string
	var debug bool

	flag.StringVar(&configPath, "config", "", "Path to yaml config file (optional)")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	// A local .env is optional; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if debug {
		cfg.Debug = true
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger, err := telemetry.InitLogger(cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, meter, cleanup, err := telemetry.InitTelemetry(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer cleanup()

	db, err := telemetry.InitDB(cfg.History.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	store := history.NewSQLiteStore(db)
	client := llm.NewClient(cfg.Inference.BaseURL, cfg.Inference.Model, cfg.Inference.RequestTimeout(), logger, tracer, meter)
	transport := telegram.NewClient(cfg.Telegram.Token, logger)
	controller := relay.NewController(cfg, store, client, transport, logger, tracer, meter)

	if models, err := client.Models(ctx); err != nil {
		logger.Warn("inference server not reachable at startup", "base_url", cfg.Inference.BaseURL, "error", err)
		fmt.Println("Warning: inference server not reachable. Make sure it is running.")
	} else {
		logger.Info("inference server connected", "models", models)
	}

	if cfg.Status.Addr != "" {
		server := status.New(cfg.Status.Addr, client, controller.Stats(), logger)
		go func() {
			if err := server.Run(ctx); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
	}

	if cfg.Prompter.Enabled {
		prompter := relay.NewPrompter(cfg, client, transport, controller.Stats(), logger)
		go prompter.Run(ctx)
	}

	poller := telegram.NewPoller(transport, controller, cfg.Telegram.PollTimeout, logger)
	logger.Info("relay started", "allowed_user_id_set", true)
	fmt.Println("RelayChat started. Press Ctrl+C to stop.")

	if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	fmt.Println("Goodbye!")
	return nil
}
