package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/worker"
)

var (
	servePort     int
	serveNoWorker bool
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port, overrides server.port")
	serveCmd.Flags().BoolVar(&serveNoWorker, "no-worker", false, "Do not consume submitted cases from the event bus")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the batch worker",
	Long:  "Serves the case catalog, synchronous and streaming runs, and the active policy.\nThe policy file is watched and hot-reloaded unless policy.watch is false.",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	logger := newLogger(cfg, cmd.OutOrStdout())

	logger.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	logger.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"llm_provider", cfg.LLM.Provider,
	)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	a, err := newApp(cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Policy.Watch {
		watcher := policy.NewWatcher(a.store, logger, func(_ *policy.Spec, err error) {
			a.metrics.RecordPolicyReload(err)
		})
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error("policy watcher stopped", "error", err)
			}
		}()
		logger.Info("policy watcher started", "path", a.store.Path())
	}

	eventBus, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer func() { _ = eventBus.Close() }()
	logger.Info("event bus initialized", "type", cfg.EventBus.Type)

	var w *worker.Worker
	if !serveNoWorker {
		w = worker.NewWorker(eventBus, a.runner, cfg.Worker, logger)
		if err := w.Start(); err != nil {
			return fmt.Errorf("failed to start worker: %w", err)
		}
		logger.Info("batch worker started", "concurrency", w.GetStats().Concurrency)
	}

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = a.metrics.Handler()
	}
	srv := api.NewServer(cfg.Server, a.runner, a.repo, a.cache, metricsHandler, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		logger.Error("server failed", "error", serveErr)
	}
	logger.Info("shutting down...")

	if w != nil {
		if err := w.Stop(); err != nil {
			logger.Error("failed to stop worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	logger.Info("kestrel shutdown complete")
	return serveErr
}
