package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/vango-go/vai-convo/internal/bootstrap"
	"github.com/vango-go/vai-convo/pkg/core/conversation"
	"github.com/vango-go/vai-convo/pkg/core/jobqueue"
	"github.com/vango-go/vai-convo/pkg/gateway/config"
	"github.com/vango-go/vai-convo/pkg/gateway/metrics"
)

func redisConfig(addr string) config.Config {
	return config.Config{
		Addr:                "127.0.0.1:0",
		InputSampleRateHz:   16000,
		OutputSampleRateHz:  24000,
		QueueBackend:        config.QueueBackendRedis,
		RedisURL:            "redis://" + addr,
		QueuePrefix:         "test:queue",
		QueueAttempts:       2,
		QueueBackoff:        10 * time.Millisecond,
		QueueDeadLetterCap:  10,
		QueuePollInterval:   10 * time.Millisecond,
		StorageBackend:      config.StorageBackendMemory,
		StorageKeyPrefix:    "conversations",
		STTBackend:          config.STTBackendNone,
		DBDriver:            config.DBDriverMemory,
		WorkerConcurrency:   1,
		SegmentConcurrency:  1,
		SegmentTimeout:      time.Second,
		ReadHeaderTimeout:   time.Second,
		ReadTimeout:         time.Second,
		ShutdownGracePeriod: 5 * time.Second,
	}
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), &stderr, workerDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		openBackends: bootstrap.Open,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if !strings.Contains(stderr.String(), "convo-worker: load config: boom") {
		t.Fatalf("unexpected stderr: %q", stderr.String())
	}
}

func TestRunWorker_RejectsMemoryQueue(t *testing.T) {
	t.Parallel()

	cfg := redisConfig("unused")
	cfg.QueueBackend = config.QueueBackendMemory
	err := runWorker(context.Background(), nil, workerDeps{
		loadConfig: func() (config.Config, error) { return cfg, nil },
		openBackends: func(context.Context, config.Config, bootstrap.Role, *slog.Logger) (*bootstrap.Backends, error) {
			t.Fatal("openBackends should not be called")
			return nil, nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestRunWorker_ConsumesUntilSignal(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := redisConfig(mr.Addr())

	opened := make(chan *bootstrap.Backends, 1)
	sigReady := make(chan chan<- os.Signal, 1)
	deps := workerDeps{
		loadConfig: func() (config.Config, error) { return cfg, nil },
		openBackends: func(ctx context.Context, cfg config.Config, role bootstrap.Role, logger *slog.Logger) (*bootstrap.Backends, error) {
			if role != bootstrap.RoleWorker {
				t.Errorf("role=%v, want worker", role)
			}
			b, err := bootstrap.Open(ctx, cfg, role, logger)
			if err == nil {
				opened <- b
			}
			return b, err
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) { sigReady <- c },
		signalStop:   func(c chan<- os.Signal) {},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- runWorker(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)), deps)
	}()

	var b *bootstrap.Backends
	select {
	case b = <-opened:
	case <-time.After(3 * time.Second):
		t.Fatal("backends were not opened")
	}

	producer := jobqueue.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), jobqueue.RedisConfig{Prefix: cfg.QueuePrefix}, nil)
	payload, err := json.Marshal(conversation.FinalizeJob{
		UserID:         8,
		ConversationID: "conv-worker",
		Model:          "test-model",
		Messages: []conversation.Entry{
			{Speaker: conversation.SpeakerUser, Payload: []byte{1, 0, 2, 0}, Sequence: 1},
		},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := producer.Enqueue(context.Background(), conversation.JobName, payload, jobqueue.Options{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		msgs, err := b.Store.ListMessages(context.Background(), 8, "conv-worker")
		if err == nil && len(msgs) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job not persisted: msgs=%v err=%v", msgs, err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case c := <-sigReady:
		c <- os.Interrupt
	case <-time.After(3 * time.Second):
		t.Fatal("signal handler was not installed")
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("runWorker error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestBuildOpsServer_ServesHealthAndMetrics(t *testing.T) {
	t.Parallel()

	m := metrics.NewMetrics("worker_test")
	m.RecordJob("ok", time.Second)
	srv := buildOpsServer(config.Config{Addr: "127.0.0.1:0"}, m)

	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", rr.Code)
	}

	rr = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rr.Body.String(), `worker_test_save_jobs_total{outcome="ok"} 1`) {
		t.Fatalf("metrics missing job counter: %q", rr.Body.String())
	}
}
