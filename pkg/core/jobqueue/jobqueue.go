// Package jobqueue is a durable named-job queue with at-least-once delivery,
// fixed-backoff retries and a capped dead-letter list.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

var ErrClosed = errors.New("jobqueue: closed")

const (
	DefaultAttempts      = 3
	DefaultBackoff       = 5 * time.Second
	DefaultDeadLetterCap = 1000
)

// Job is one delivery of an enqueued payload.
type Job struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Payload []byte `json:"payload"`
	// Attempt is 1 on first delivery.
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"maxAttempts"`
	Backoff     time.Duration `json:"backoff"`
	EnqueuedAt  time.Time     `json:"enqueuedAt"`
	LastError   string        `json:"lastError,omitempty"`
	FailedAt    *time.Time    `json:"failedAt,omitempty"`
}

// Options control scheduling of a single job. Zero values take the package
// defaults.
type Options struct {
	Delay    time.Duration
	Attempts int
	Backoff  time.Duration
}

// Handler processes one job. A nil return acknowledges it; an error schedules
// a retry until attempts are exhausted.
type Handler func(ctx context.Context, job Job) error

type Queue interface {
	Enqueue(ctx context.Context, name string, payload []byte, opts Options) (string, error)
	// Consume runs up to concurrency handlers for name until ctx is done.
	Consume(ctx context.Context, name string, concurrency int, h Handler) error
	// DeadLetters returns the most recent exhausted jobs, newest first.
	DeadLetters(ctx context.Context, name string, limit int) ([]Job, error)
	Close() error
}

func newJob(name string, payload []byte, opts Options, now time.Time) (Job, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Job{}, fmt.Errorf("jobqueue: job name is required")
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	return Job{
		ID:          ulid.Make().String(),
		Name:        name,
		Payload:     append([]byte(nil), payload...),
		Attempt:     1,
		MaxAttempts: opts.Attempts,
		Backoff:     opts.Backoff,
		EnqueuedAt:  now.UTC(),
	}, nil
}

// outcome decides what happens to job after its handler returned err. It
// returns the job to reschedule, or dead set when attempts are exhausted.
func outcome(job Job, err error, now time.Time) (next Job, retry bool) {
	job.LastError = err.Error()
	if job.Attempt < job.MaxAttempts {
		job.Attempt++
		return job, true
	}
	failed := now.UTC()
	job.FailedAt = &failed
	return job, false
}

// runHandler shields the handler from cancellation of the consume loop so an
// in-flight job finishes during shutdown, and turns panics into failures.
func runHandler(ctx context.Context, h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("jobqueue: handler panic: %v", r)
		}
	}()
	return h(context.WithoutCancel(ctx), job)
}
