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
	"time"

	"github.com/vango-go/vai-convo/internal/bootstrap"
	"github.com/vango-go/vai-convo/internal/dotenv"
	"github.com/vango-go/vai-convo/pkg/core/conversation"
	"github.com/vango-go/vai-convo/pkg/core/persist"
	"github.com/vango-go/vai-convo/pkg/gateway/config"
	"github.com/vango-go/vai-convo/pkg/gateway/handlers"
	"github.com/vango-go/vai-convo/pkg/gateway/live/gateway"
	"github.com/vango-go/vai-convo/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-convo/pkg/gateway/live/registry"
	"github.com/vango-go/vai-convo/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-convo/pkg/gateway/metrics"
	gatewayserver "github.com/vango-go/vai-convo/pkg/gateway/server"
)

type gatewayDeps struct {
	loadConfig   func() (config.Config, error)
	openBackends func(context.Context, config.Config, bootstrap.Role, *slog.Logger) (*bootstrap.Backends, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultGatewayDeps() gatewayDeps {
	return gatewayDeps{
		loadConfig:   config.LoadFromEnv,
		openBackends: bootstrap.Open,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

// pendingCounter is implemented by queues that can report outstanding work.
type pendingCounter interface {
	Pending(name string) int
}

type app struct {
	cfg      config.Config
	logger   *slog.Logger
	backends *bootstrap.Backends
	metrics  *metrics.Metrics
	sessions *sessions.Tracker
	registry *registry.Registry
	gateway  *gateway.Gateway
	server   *gatewayserver.Server

	worker       *persist.Worker
	workerCancel context.CancelFunc
	workerDone   chan error
}

func newApp(cfg config.Config, b *bootstrap.Backends, logger *slog.Logger) (*app, error) {
	m := metrics.NewMetrics("")
	tracker := sessions.NewTracker()
	reg := registry.New(b.AI, registry.Config{
		Model:             cfg.Model,
		SystemPrompt:      cfg.SystemPrompt,
		InputSampleRateHz: cfg.InputSampleRateHz,
	}, logger.With("component", "registry"))
	gw := gateway.New(reg, b.Queue, tracker, bootstrap.JobOptions(cfg), logger.With("component", "gateway"), gateway.WithRecorder(m))

	m.RegisterGauge("active_conversations", "Conversations with an open AI stream", reg.Len)
	m.RegisterGauge("connected_sessions", "Open voice WebSocket sessions", tracker.Count)

	checks := map[string]handlers.Pinger{}
	if p, ok := b.Queue.(handlers.Pinger); ok {
		checks["queue"] = p
	}
	srv, err := gatewayserver.New(cfg, gatewayserver.Dependencies{
		Gateway:  gw,
		Sessions: tracker,
		Store:    b.Store,
		Metrics:  m,
		Checks:   checks,
	}, logger)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		backends: b,
		metrics:  m,
		sessions: tracker,
		registry: reg,
		gateway:  gw,
		server:   srv,
	}
	if cfg.WorkerInProcess {
		w, err := bootstrap.NewWorker(b, cfg, logger.With("component", "worker"), persist.WithRecorder(m))
		if err != nil {
			return nil, err
		}
		a.worker = w
	}
	return a, nil
}

func (a *app) startWorker() {
	if a.worker == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.workerCancel = cancel
	a.workerDone = make(chan error, 1)
	go func() {
		a.workerDone <- bootstrap.RunWorker(ctx, a.backends.Queue, a.worker, a.cfg.WorkerConcurrency)
	}()
	a.logger.Info("in-process worker started", "concurrency", a.cfg.WorkerConcurrency)
}

// drain stops accepting conversations, lets open sessions end, finalizes
// whatever is left and waits for an in-process worker to empty its queue.
func (a *app) drain(ctx context.Context, httpSrv *http.Server) error {
	a.sessions.SetDraining(true)
	warned := a.sessions.WarnAll(protocol.CodeDraining, "server is shutting down")
	a.logger.Info("draining", "sessions", warned)

	var errs []error
	if httpSrv != nil {
		if err := httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
		}
	}

	if !a.sessions.Wait(ctx) {
		canceled := a.sessions.CancelAll()
		a.logger.Warn("grace period elapsed, canceling sessions", "sessions", canceled)
		waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.sessions.Wait(waitCtx)
		cancel()
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.gateway.Flush(flushCtx); err != nil {
		errs = append(errs, fmt.Errorf("flush conversations: %w", err))
	}

	workerCtx, workerCancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGracePeriod)
	defer workerCancel()
	a.stopWorker(workerCtx)
	return errors.Join(errs...)
}

func (a *app) stopWorker(ctx context.Context) {
	if a.workerCancel == nil {
		return
	}
	if pc, ok := a.backends.Queue.(pendingCounter); ok {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
	wait:
		for pc.Pending(conversation.JobName) > 0 {
			select {
			case <-ctx.Done():
				a.logger.Warn("stopping worker with pending jobs", "pending", pc.Pending(conversation.JobName))
				break wait
			case <-ticker.C:
			}
		}
	}
	a.workerCancel()
	if err := <-a.workerDone; err != nil {
		a.logger.Error("worker stopped with error", "error", err)
	}
	a.workerCancel = nil
}

func runGateway(ctx context.Context, logger *slog.Logger, deps gatewayDeps) error {
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

	b, err := deps.openBackends(ctx, cfg, bootstrap.RoleGateway, logger)
	if err != nil {
		return fmt.Errorf("open backends: %w", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Error("close backends", "error", err)
		}
	}()

	a, err := newApp(cfg, b, logger)
	if err != nil {
		return err
	}
	a.startWorker()

	httpSrv := buildHTTPServer(cfg, a.server.Handler())
	logger.Info("starting gateway",
		"addr", cfg.Addr,
		"auth_mode", cfg.AuthMode,
		"ai_backend", cfg.AIBackend,
		"queue_backend", cfg.QueueBackend,
		"worker_in_process", cfg.WorkerInProcess,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	var cause error
	select {
	case err := <-listenErrCh:
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.stopWorker(stopCtx)
		stopCancel()
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		cause = ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := a.drain(shutdownCtx, httpSrv); err != nil {
		return err
	}
	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return cause
}

func runMain(ctx context.Context, stderr io.Writer, deps gatewayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.LoadFiles(".env"); err != nil {
		fmt.Fprintf(stderr, "convo-gateway: %v\n", err)
		return 1
	}

	if err := runGateway(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "convo-gateway: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultGatewayDeps()))
}
