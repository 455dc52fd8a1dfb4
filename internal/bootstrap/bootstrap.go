// Package bootstrap builds the configured backends shared by the gateway and
// the persistence worker binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/genai"

	"github.com/vango-go/vai-convo/pkg/core/aistream"
	"github.com/vango-go/vai-convo/pkg/core/conversation"
	"github.com/vango-go/vai-convo/pkg/core/jobqueue"
	"github.com/vango-go/vai-convo/pkg/core/objectstore"
	"github.com/vango-go/vai-convo/pkg/core/persist"
	"github.com/vango-go/vai-convo/pkg/core/store"
	"github.com/vango-go/vai-convo/pkg/core/voice/stt"
	"github.com/vango-go/vai-convo/pkg/gateway/config"
)

// Role selects which backends Open builds.
type Role int

const (
	// RoleGateway needs the AI backend, the queue and the message store, plus
	// the worker backends when the worker runs in process.
	RoleGateway Role = iota
	// RoleWorker needs the queue, object storage, transcription and the store.
	RoleWorker
)

// Backends holds every opened dependency. Fields a role does not need are nil.
type Backends struct {
	AI          aistream.Client
	Queue       jobqueue.Queue
	Objects     objectstore.Store
	Transcriber stt.Provider
	Store       store.MessageStore

	genai   *genai.Client
	closers []func() error
}

// Open builds the backends for role. On error everything opened so far is
// closed.
func Open(ctx context.Context, cfg config.Config, role Role, logger *slog.Logger) (*Backends, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backends{}
	if err := b.open(ctx, cfg, role, logger); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backends) open(ctx context.Context, cfg config.Config, role Role, logger *slog.Logger) error {
	if role == RoleGateway {
		ai, err := b.openAI(ctx, cfg, logger)
		if err != nil {
			return err
		}
		b.AI = ai
	}

	q, err := openQueue(ctx, cfg, logger)
	if err != nil {
		return err
	}
	b.Queue = q
	b.closers = append(b.closers, q.Close)

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	b.Store = st
	b.closers = append(b.closers, st.Close)

	if role == RoleWorker || cfg.WorkerInProcess {
		objects, err := openObjects(ctx, cfg)
		if err != nil {
			return err
		}
		b.Objects = objects

		tr, err := b.openTranscriber(ctx, cfg)
		if err != nil {
			return err
		}
		b.Transcriber = tr
	}
	return nil
}

func (b *Backends) openAI(ctx context.Context, cfg config.Config, logger *slog.Logger) (aistream.Client, error) {
	switch cfg.AIBackend {
	case config.AIBackendGemini:
		g, err := aistream.NewGemini(ctx, cfg.GeminiAPIKey, logger.With("component", "aistream"))
		if err != nil {
			return nil, fmt.Errorf("open ai backend: %w", err)
		}
		b.genai = g.GenAI()
		return g, nil
	case config.AIBackendLoopback:
		return aistream.NewMemory(true), nil
	default:
		return nil, fmt.Errorf("unknown ai backend %q", cfg.AIBackend)
	}
}

func openQueue(ctx context.Context, cfg config.Config, logger *slog.Logger) (jobqueue.Queue, error) {
	logger = logger.With("component", "jobqueue")
	switch cfg.QueueBackend {
	case config.QueueBackendRedis:
		q, err := jobqueue.DialRedis(ctx, cfg.RedisURL, jobqueue.RedisConfig{
			Prefix:        cfg.QueuePrefix,
			DeadLetterCap: cfg.QueueDeadLetterCap,
			PollInterval:  cfg.QueuePollInterval,
			LeaseTTL:      cfg.QueueLeaseTTL,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("open queue: %w", err)
		}
		return q, nil
	case config.QueueBackendMemory:
		return jobqueue.NewMemory(cfg.QueueDeadLetterCap, logger), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.MessageStore, error) {
	logger = logger.With("component", "store")
	switch cfg.DBDriver {
	case config.DBDriverPostgres:
		p, err := store.OpenPostgres(ctx, cfg.DatabaseURL, cfg.AutoMigrate, logger)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		return p, nil
	case config.DBDriverSQLite:
		s, err := store.OpenSQLite(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		return s, nil
	case config.DBDriverMemory:
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.DBDriver)
	}
}

func openObjects(ctx context.Context, cfg config.Config) (objectstore.Store, error) {
	switch cfg.StorageBackend {
	case config.StorageBackendS3:
		s, err := objectstore.NewS3(ctx, objectstore.S3Config{
			Bucket:        cfg.S3Bucket,
			Region:        cfg.S3Region,
			Endpoint:      cfg.S3Endpoint,
			UsePathStyle:  cfg.S3UsePathStyle,
			PublicBaseURL: cfg.S3PublicBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("open object storage: %w", err)
		}
		return s, nil
	case config.StorageBackendMemory:
		return objectstore.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

func (b *Backends) openTranscriber(ctx context.Context, cfg config.Config) (stt.Provider, error) {
	switch cfg.STTBackend {
	case config.STTBackendCartesia:
		var opts []stt.CartesiaOption
		if cfg.STTBaseURL != "" {
			opts = append(opts, stt.WithBaseURL(cfg.STTBaseURL))
		}
		return stt.NewCartesia(cfg.STTAPIKey, opts...), nil
	case config.STTBackendGemini:
		if b.genai == nil {
			client, err := genai.NewClient(ctx, &genai.ClientConfig{
				APIKey:  cfg.GeminiAPIKey,
				Backend: genai.BackendGeminiAPI,
			})
			if err != nil {
				return nil, fmt.Errorf("open transcriber: %w", err)
			}
			b.genai = client
		}
		g, err := stt.NewGemini(b.genai, cfg.STTModel)
		if err != nil {
			return nil, fmt.Errorf("open transcriber: %w", err)
		}
		return g, nil
	case config.STTBackendNone:
		return stt.Static{}, nil
	default:
		return nil, fmt.Errorf("unknown stt backend %q", cfg.STTBackend)
	}
}

// Close releases backends in reverse open order.
func (b *Backends) Close() error {
	if b == nil {
		return nil
	}
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// JobOptions are the scheduling options for every save-conversation job.
func JobOptions(cfg config.Config) jobqueue.Options {
	return jobqueue.Options{
		Delay:    cfg.QueueDelay,
		Attempts: cfg.QueueAttempts,
		Backoff:  cfg.QueueBackoff,
	}
}

// NewWorker builds the persistence worker over b.
func NewWorker(b *Backends, cfg config.Config, logger *slog.Logger, opts ...persist.Option) (*persist.Worker, error) {
	if b.Objects == nil || b.Transcriber == nil || b.Store == nil {
		return nil, errors.New("worker backends are not open")
	}
	return persist.New(b.Objects, b.Transcriber, b.Store, persist.Config{
		KeyPrefix:          cfg.StorageKeyPrefix,
		InputSampleRateHz:  cfg.InputSampleRateHz,
		OutputSampleRateHz: cfg.OutputSampleRateHz,
		SegmentConcurrency: cfg.SegmentConcurrency,
		SegmentTimeout:     cfg.SegmentTimeout,
		Language:           cfg.STTLanguage,
		TranscribeModel:    cfg.STTModel,
	}, logger, opts...), nil
}

// RunWorker consumes save-conversation jobs until ctx is done.
func RunWorker(ctx context.Context, q jobqueue.Queue, w *persist.Worker, concurrency int) error {
	err := q.Consume(ctx, conversation.JobName, concurrency, w.Handle)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, jobqueue.ErrClosed) {
		return fmt.Errorf("consume %s: %w", conversation.JobName, err)
	}
	return nil
}
