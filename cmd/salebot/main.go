package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"salebot/internal/app"
	"salebot/internal/config"
	"salebot/internal/engine"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logs (text output)")
	dryRun := flag.Bool("dry-run", false, "build and sign the batch, print it, never broadcast")
	flag.Parse()

	// A missing .env is fine; secrets may come from the real environment.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	var logger *slog.Logger
	if *debug {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	} else {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application := app.New(cfg, logger, app.Options{DryRun: *dryRun})
	res, err := application.Run(ctx)
	if err != nil {
		logger.Error("run failed", "run_id", res.RunID, "state", res.Outcome.String(), "error", err)
		os.Exit(1)
	}
	logger.Info("run complete", "run_id", res.RunID, "state", res.Outcome.String(), "reason", res.Reason,
		"dispatched", res.Dispatched, "planned", res.Planned)
	if res.FeeErr != nil {
		logger.Warn("fee payment incomplete", "error", res.FeeErr)
	}
	if res.Outcome == engine.OutcomeFatal {
		os.Exit(1)
	}
}
