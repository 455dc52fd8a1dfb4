package jobqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Memory is an in-process Queue. Jobs do not survive a restart.
type Memory struct {
	logger  *slog.Logger
	deadCap int

	// done is closed by Close and wakes every idle worker.
	done chan struct{}

	mu     sync.Mutex
	queues map[string]*memQueue
	closed bool
	timers map[*time.Timer]struct{}
}

type memQueue struct {
	ready   []Job
	delayed int
	running int
	dead    []Job
	notify  chan struct{}
}

func NewMemory(deadLetterCap int, logger *slog.Logger) *Memory {
	if deadLetterCap <= 0 {
		deadLetterCap = DefaultDeadLetterCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		logger:  logger,
		deadCap: deadLetterCap,
		done:    make(chan struct{}),
		queues:  make(map[string]*memQueue),
		timers:  make(map[*time.Timer]struct{}),
	}
}

func (m *Memory) queueLocked(name string) *memQueue {
	q := m.queues[name]
	if q == nil {
		q = &memQueue{notify: make(chan struct{}, 1)}
		m.queues[name] = q
	}
	return q
}

func (m *Memory) Enqueue(ctx context.Context, name string, payload []byte, opts Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	job, err := newJob(name, payload, opts, time.Now())
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}
	m.scheduleLocked(job, opts.Delay)
	return job.ID, nil
}

func (m *Memory) scheduleLocked(job Job, delay time.Duration) {
	q := m.queueLocked(job.Name)
	if delay <= 0 {
		q.ready = append(q.ready, job)
		signal(q.notify)
		return
	}
	q.delayed++
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.timers, t)
		q.delayed--
		if m.closed {
			return
		}
		q.ready = append(q.ready, job)
		signal(q.notify)
	})
	m.timers[t] = struct{}{}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (m *Memory) Consume(ctx context.Context, name string, concurrency int, h Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	q := m.queueLocked(name)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.work(ctx, q, h)
		}()
	}
	wg.Wait()
	return nil
}

func (m *Memory) work(ctx context.Context, q *memQueue, h Handler) {
	for {
		job, ok := m.pop(q)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case <-q.notify:
				continue
			}
		}
		err := runHandler(ctx, h, job)
		m.finish(q, job, err)
		if ctx.Err() != nil {
			return
		}
	}
}

func (m *Memory) pop(q *memQueue) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || len(q.ready) == 0 {
		return Job{}, false
	}
	job := q.ready[0]
	q.ready = q.ready[1:]
	q.running++
	if len(q.ready) > 0 {
		signal(q.notify)
	}
	return job, true
}

func (m *Memory) finish(q *memQueue, job Job, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q.running--
	if err == nil {
		return
	}
	next, retry := outcome(job, err, time.Now())
	if retry {
		m.logger.Warn("job failed, retrying", "job_id", job.ID, "job", job.Name, "attempt", job.Attempt, "error", err)
		if !m.closed {
			m.scheduleLocked(next, next.Backoff)
		}
		return
	}
	m.logger.Error("job exhausted attempts", "job_id", job.ID, "job", job.Name, "attempts", job.Attempt, "error", err)
	q.dead = append([]Job{next}, q.dead...)
	if len(q.dead) > m.deadCap {
		q.dead = q.dead[:m.deadCap]
	}
}

func (m *Memory) DeadLetters(ctx context.Context, name string, limit int) ([]Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[name]
	if q == nil {
		return nil, nil
	}
	n := len(q.dead)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Job, n)
	copy(out, q.dead[:n])
	return out, nil
}

// Pending reports jobs waiting, scheduled or running for name.
func (m *Memory) Pending(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[name]
	if q == nil {
		return 0
	}
	return len(q.ready) + q.delayed + q.running
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for t := range m.timers {
		t.Stop()
	}
	m.timers = nil
	close(m.done)
	return nil
}

var _ Queue = (*Memory)(nil)
