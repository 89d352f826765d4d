package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/eval-hub/bench-runner/cmd/bench_runner/server"
	"github.com/eval-hub/bench-runner/internal/catalog"
	"github.com/eval-hub/bench-runner/internal/config"
	"github.com/eval-hub/bench-runner/internal/coordinator"
	"github.com/eval-hub/bench-runner/internal/logging"
	"github.com/eval-hub/bench-runner/internal/mockbench"
	"github.com/eval-hub/bench-runner/internal/runtimes"
	"github.com/eval-hub/bench-runner/internal/storage"
	"github.com/eval-hub/bench-runner/internal/telemetry"
	"github.com/eval-hub/bench-runner/internal/validation"
	"github.com/eval-hub/bench-runner/internal/watch"
	"github.com/eval-hub/bench-runner/pkg/api"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// Version can be set during the compilation
	Version string = "0.0.1"
	// Build is set during the compilation
	Build string
	// BuildDate is set during the compilation
	BuildDate string
)

var (
	flagConfigDirs []string
	flagLocal      bool
	flagEnvFile    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "bench_runner",
		Short:         "Runs AI benchmarks as local processes and streams their output",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	rootCmd.PersistentFlags().StringVar(&flagEnvFile, "env-file", ".env", "Environment file loaded before the configuration")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		// a missing env file is fine
		_ = godotenv.Load(flagEnvFile)
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Starts the HTTP service",
		RunE:  runServe,
	}
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringSliceVar(&flagConfigDirs, "config-dir", nil, "Directories searched for config.yaml")
		cmd.Flags().BoolVar(&flagLocal, "local", false, "Local mode: allow cross-origin browser clients")
	}

	rootCmd.AddCommand(serveCmd, mockbench.NewCommand(), newWatchCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newWatchCommand() *cobra.Command {
	var serverURL string
	var noColor bool
	cmd := &cobra.Command{
		Use:   "watch <run_id>",
		Short: "Follows the live events of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			terminal, err := watch.New(args[0], watch.Options{
				Server:  serverURL,
				NoColor: noColor,
			}).Run(ctx)
			if err != nil {
				return err
			}
			if terminal.Kind != api.EventCompleted {
				return fmt.Errorf("run %s %s", args[0], terminal.Kind)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Base URL of the bench runner")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, logShutdown, err := logging.NewLogger(os.Getenv("LOG_LEVEL"))
	if err != nil {
		// we do this as no point trying to continue
		startUpFailed(nil, err, "Failed to create service logger", logging.FallbackLogger())
	}

	serviceConfig, err := config.LoadConfig(logger, Version, Build, BuildDate, flagConfigDirs...)
	if err != nil {
		// we do this as no point trying to continue
		startUpFailed(nil, err, "Failed to create service config", logger)
	}
	if flagLocal {
		serviceConfig.Service.LocalMode = true
	}
	if level := serviceConfig.Service.LogLevel; level != "" && !strings.EqualFold(level, os.Getenv("LOG_LEVEL")) {
		if leveled, shutdown, err := logging.NewLogger(level); err == nil {
			_ = logShutdown()
			logger, logShutdown = leveled, shutdown
		}
	}

	telemetryShutdown, err := telemetry.Init(context.Background(), serviceConfig.Telemetry, serviceConfig.Service.Version)
	if err != nil {
		startUpFailed(serviceConfig, err, "Failed to set up telemetry", logger)
	}

	// set up the validator
	validate, err := validation.NewValidator()
	if err != nil {
		// we do this as no point trying to continue
		startUpFailed(serviceConfig, err, "Failed to create validator", logger)
	}

	// set up the storage
	storage, err := storage.NewStorage(serviceConfig.Database, logger)
	if err != nil {
		// we do this as no point trying to continue
		startUpFailed(serviceConfig, err, "Failed to create storage", logger)
	}

	// set up the launcher
	launcher, err := runtimes.NewLauncher(logger, serviceConfig)
	if err != nil {
		// we do this as no point trying to continue
		startUpFailed(serviceConfig, err, "Failed to create launcher", logger)
	}

	benchmarks, err := catalog.New(logger, serviceConfig.Catalog, launcher.Argv())
	if err != nil {
		startUpFailed(serviceConfig, err, "Failed to create catalog", logger)
	}

	runs, err := coordinator.New(logger, serviceConfig, storage, launcher, benchmarks, validate)
	if err != nil {
		startUpFailed(serviceConfig, err, "Failed to create coordinator", logger)
	}
	if err := runs.Start(context.Background()); err != nil {
		startUpFailed(serviceConfig, err, "Failed to recover runs", logger)
	}

	srv, err := server.NewServer(logger, serviceConfig, runs, benchmarks)
	if err != nil {
		// we do this as no point trying to continue
		startUpFailed(serviceConfig, err, "Failed to create server", logger)
	}

	// log the start up details
	logger.Info("Server starting",
		"server_port", srv.GetPort(),
		"version", serviceConfig.Service.Version,
		"build", serviceConfig.Service.Build,
		"build_date", serviceConfig.Service.BuildDate,
		"local", serviceConfig.Service.LocalMode,
		"launcher", launcher.Name(),
		"storage", storage.GetDatasourceName(),
	)

	// Start server in a goroutine
	go func() {
		if err := srv.Start(); err != nil {
			// we do this as no point trying to continue
			if errors.Is(err, &server.ServerClosedError{}) {
				logger.Info("Server closed gracefully")
				return
			}
			startUpFailed(serviceConfig, err, "Server failed to start", logger)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Create a context with timeout for graceful shutdown
	waitForShutdown := 30 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), waitForShutdown)
	defer cancel()

	// stop the runs first so that open event streams see their terminal events
	if err := runs.Close(ctx); err != nil {
		logger.Error("Failed to stop the active runs", "error", err.Error())
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err.Error(), "timeout", waitForShutdown)
	} else {
		logger.Info("Server shutdown gracefully")
	}

	// shutdown the storage
	if err := storage.Close(); err != nil {
		logger.Error("Failed to close storage", "error", err.Error())
	}
	if err := telemetryShutdown(ctx); err != nil {
		logger.Error("Failed to flush telemetry", "error", err.Error())
	}
	_ = logShutdown() // ignore the error
	return nil
}

func startUpFailed(conf *config.Config, err error, msg string, logger *slog.Logger) {
	termErr := server.SetTerminationMessage(server.GetTerminationFile(conf, logger), fmt.Sprintf("%s: %s", msg, err.Error()), logger)
	if termErr != nil {
		logger.Error("Failed to set termination message", "message", msg, "error", termErr.Error())
		log.Println(termErr.Error())
	}
	log.Fatal(err)
}
