package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"examrelay/internal/app"
	"examrelay/internal/config"
	"examrelay/internal/logging"
)

const shutdownTimeout = 30 * time.Second

// FUNCTIONAL DISCOVERY: Main entry point with comprehensive error handling and signal management
// Graceful shutdown on SIGINT/SIGTERM ensures proper resource cleanup
func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

// ARCHITECTURAL DISCOVERY: Separate run function enables testing and error handling
func run(args []string) error {
	// .env only feeds EXAMRELAY_* variables; real environment wins
	_ = godotenv.Load()

	flags := pflag.NewFlagSet("examrelay", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", os.Getenv("EXAMRELAY_CONFIG_FILE"), "path to a YAML or JSON config file")
	if err := flags.Parse(args); err != nil {
		return err
	}

	// STEP 1: Load configuration with precedence (env > file > defaults)
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	// STEP 2: Build the logger
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// STEP 3: Create application with configuration
	application, err := app.NewApplication(cfg, *configPath, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	// STEP 4: Run until SIGINT/SIGTERM or a component fails
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx, shutdownTimeout); err != nil {
		return fmt.Errorf("application error: %w", err)
	}
	logger.Info("exiting", zap.String("reason", "signal"))
	return nil
}
