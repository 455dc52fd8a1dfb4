package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/vango-go/vai-convo/internal/bootstrap"
	"github.com/vango-go/vai-convo/internal/dotenv"
	"github.com/vango-go/vai-convo/pkg/core/persist"
	"github.com/vango-go/vai-convo/pkg/gateway/config"
	"github.com/vango-go/vai-convo/pkg/gateway/handlers"
	"github.com/vango-go/vai-convo/pkg/gateway/metrics"
)

type workerDeps struct {
	loadConfig   func() (config.Config, error)
	openBackends func(context.Context, config.Config, bootstrap.Role, *slog.Logger) (*bootstrap.Backends, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultWorkerDeps() workerDeps {
	return workerDeps{
		loadConfig:   config.LoadFromEnv,
		openBackends: bootstrap.Open,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// buildOpsServer serves health and metrics for the worker process.
func buildOpsServer(cfg config.Config, m *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/healthz", handlers.HealthHandler{})
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/", handlers.NotFoundHandler{})
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func runWorker(ctx context.Context, logger *slog.Logger, deps workerDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.openBackends == nil {
		return errors.New("missing openBackends dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.QueueBackend == config.QueueBackendMemory {
		return errors.New("a standalone worker cannot share a memory queue; use redis or run the worker in process")
	}

	b, err := deps.openBackends(ctx, cfg, bootstrap.RoleWorker, logger)
	if err != nil {
		return fmt.Errorf("open backends: %w", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Error("close backends", "error", err)
		}
	}()

	m := metrics.NewMetrics("")
	w, err := bootstrap.NewWorker(b, cfg, logger.With("component", "worker"), persist.WithRecorder(m))
	if err != nil {
		return err
	}

	opsSrv := buildOpsServer(cfg, m)
	go func() {
		if err := opsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server failed", "error", err)
		}
	}()

	consumeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	doneCh := make(chan error, 1)
	go func() {
		doneCh <- bootstrap.RunWorker(consumeCtx, b.Queue, w, cfg.WorkerConcurrency)
	}()
	logger.Info("starting worker",
		"addr", cfg.Addr,
		"queue_backend", cfg.QueueBackend,
		"storage_backend", cfg.StorageBackend,
		"stt_backend", cfg.STTBackend,
		"concurrency", cfg.WorkerConcurrency,
	)

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-doneCh:
		_ = opsSrv.Close()
		return err
	case <-ctx.Done():
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	// In-flight jobs see the cancellation; unacknowledged ones are redelivered
	// on the next start.
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	_ = opsSrv.Shutdown(shutdownCtx)
	select {
	case err := <-doneCh:
		if err != nil {
			return err
		}
	case <-shutdownCtx.Done():
		return fmt.Errorf("worker did not stop within %s", cfg.ShutdownGracePeriod)
	}

	logger.Info("worker stopped")
	return ctx.Err()
}

func runMain(ctx context.Context, stderr io.Writer, deps workerDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.LoadFiles(".env"); err != nil {
		fmt.Fprintf(stderr, "convo-worker: %v\n", err)
		return 1
	}

	if err := runWorker(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "convo-worker: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultWorkerDeps()))
}
