// Package persist turns finished conversations into stored audio, transcripts
// and message rows.
package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-convo/pkg/core/conversation"
	"github.com/vango-go/vai-convo/pkg/core/jobqueue"
	"github.com/vango-go/vai-convo/pkg/core/objectstore"
	"github.com/vango-go/vai-convo/pkg/core/store"
	"github.com/vango-go/vai-convo/pkg/core/voice"
	"github.com/vango-go/vai-convo/pkg/core/voice/stt"
)

// Recorder receives worker outcomes. *metrics.Metrics implements it.
type Recorder interface {
	RecordSegment(speaker, outcome string)
	RecordJob(outcome string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordSegment(string, string)    {}
func (nopRecorder) RecordJob(string, time.Duration) {}

type Config struct {
	// KeyPrefix is the first path element of every uploaded object.
	KeyPrefix          string
	InputSampleRateHz  int
	OutputSampleRateHz int
	SegmentConcurrency int
	SegmentTimeout     time.Duration
	Language           string
	TranscribeModel    string
}

func (c Config) withDefaults() Config {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "conversations"
	}
	if c.InputSampleRateHz <= 0 {
		c.InputSampleRateHz = 16000
	}
	if c.OutputSampleRateHz <= 0 {
		c.OutputSampleRateHz = 24000
	}
	if c.SegmentConcurrency <= 0 {
		c.SegmentConcurrency = 4
	}
	if c.SegmentTimeout <= 0 {
		c.SegmentTimeout = 2 * time.Minute
	}
	return c
}

type Worker struct {
	objects     objectstore.Store
	transcriber stt.Provider
	messages    store.MessageStore
	cfg         Config
	logger      *slog.Logger
	recorder    Recorder
	now         func() time.Time
}

type Option func(*Worker)

func WithRecorder(r Recorder) Option {
	return func(w *Worker) {
		if r != nil {
			w.recorder = r
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

func New(objects objectstore.Store, transcriber stt.Provider, messages store.MessageStore, cfg Config, logger *slog.Logger, opts ...Option) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		objects:     objects,
		transcriber: transcriber,
		messages:    messages,
		cfg:         cfg.withDefaults(),
		logger:      logger,
		recorder:    nopRecorder{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Result summarizes one processed job.
type Result struct {
	Segments int
	Inserted int64
	Failed   int
}

// Handle is the jobqueue handler for conversation.JobName. Returning an error
// hands the job back to the queue for retry.
func (w *Worker) Handle(ctx context.Context, job jobqueue.Job) error {
	start := w.now()
	var fj conversation.FinalizeJob
	if err := json.Unmarshal(job.Payload, &fj); err != nil {
		w.recorder.RecordJob("failed", w.now().Sub(start))
		return fmt.Errorf("%w: decode job payload: %v", conversation.ErrMalformedLog, err)
	}
	logger := w.logger.With("job_id", job.ID, "attempt", job.Attempt, "conversation_id", fj.ConversationID, "user_id", fj.UserID)

	res, err := w.process(ctx, fj, logger)
	if err != nil {
		w.recorder.RecordJob("failed", w.now().Sub(start))
		logger.Error("save conversation failed", "error", err)
		return err
	}
	outcome := "ok"
	if res.Failed > 0 {
		outcome = "partial"
	}
	w.recorder.RecordJob(outcome, w.now().Sub(start))
	logger.Info("conversation saved", "segments", res.Segments, "inserted", res.Inserted, "failed", res.Failed)
	return nil
}

// Process stitches, uploads, transcribes and inserts one finished
// conversation. Segment failures are logged and skipped; stitch and insert
// failures are returned.
func (w *Worker) Process(ctx context.Context, fj conversation.FinalizeJob) (Result, error) {
	return w.process(ctx, fj, w.logger.With("conversation_id", fj.ConversationID, "user_id", fj.UserID))
}

func (w *Worker) process(ctx context.Context, fj conversation.FinalizeJob, logger *slog.Logger) (Result, error) {
	if err := fj.Validate(); err != nil {
		return Result{}, err
	}
	segments, err := conversation.Stitch(fj.Messages)
	if err != nil {
		return Result{}, fmt.Errorf("stitch conversation: %w", err)
	}
	res := Result{Segments: len(segments)}
	if len(segments) == 0 {
		return res, nil
	}

	// One timestamp per job keeps rows in segment order when sorted by time.
	at := w.now().UTC()
	rows := make([]*conversation.Message, len(segments))
	var g errgroup.Group
	g.SetLimit(w.cfg.SegmentConcurrency)
	for i, seg := range segments {
		g.Go(func() error {
			msg, err := w.processSegment(ctx, fj, seg, at)
			if err != nil {
				w.recorder.RecordSegment(string(seg.Speaker), "failed")
				logger.Warn("segment failed", "segment", seg.Index, "speaker", seg.Speaker, "error", err)
				return nil
			}
			w.recorder.RecordSegment(string(seg.Speaker), "ok")
			rows[i] = msg
			return nil
		})
	}
	_ = g.Wait()

	msgs := make([]conversation.Message, 0, len(rows))
	for _, r := range rows {
		if r == nil {
			res.Failed++
			continue
		}
		msgs = append(msgs, *r)
	}
	if len(msgs) == 0 {
		logger.Warn("no segments succeeded, nothing to insert", "segments", res.Segments)
		return res, nil
	}

	n, err := w.messages.InsertMessages(ctx, msgs)
	if err != nil {
		return res, fmt.Errorf("insert messages: %w", err)
	}
	res.Inserted = n
	return res, nil
}

func (w *Worker) processSegment(ctx context.Context, fj conversation.FinalizeJob, seg conversation.Segment, at time.Time) (*conversation.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.SegmentTimeout)
	defer cancel()

	rate := w.cfg.InputSampleRateHz
	if seg.Speaker == conversation.SpeakerAI {
		rate = w.cfg.OutputSampleRateHz
	}
	wav, err := voice.EncodeWAV(seg.Audio, voice.PCM16Mono(rate))
	if err != nil {
		return nil, fmt.Errorf("encode wav: %w", err)
	}

	key := conversation.ObjectKey(w.cfg.KeyPrefix, fj.UserID, fj.ConversationID, seg, at, ".wav")

	var audioURL, transcript string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		u, err := w.objects.Put(gctx, key, wav, "audio/wav")
		if err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
		audioURL = u
		return nil
	})
	g.Go(func() error {
		t, err := w.transcriber.Transcribe(gctx, bytes.NewReader(wav), stt.TranscribeOptions{
			Model:      w.cfg.TranscribeModel,
			Language:   w.cfg.Language,
			Format:     "wav",
			SampleRate: rate,
		})
		if err != nil {
			return fmt.Errorf("transcribe: %w", err)
		}
		if t == nil {
			return errors.New("transcribe: empty result")
		}
		transcript = t.Text
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &conversation.Message{
		UserID:         fj.UserID,
		ConversationID: fj.ConversationID,
		Role:           seg.Speaker,
		AudioURL:       audioURL,
		Transcript:     transcript,
		Model:          fj.Model,
		CreatedAt:      at,
		UpdatedAt:      at,
	}, nil
}
