package jobqueue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := NewRedis(client, RedisConfig{Prefix: "test", PollInterval: 10 * time.Millisecond}, quietLogger())
	return q, mr
}

// queues runs fn against every implementation.
func queues(t *testing.T, fn func(t *testing.T, q Queue)) {
	t.Run("memory", func(t *testing.T) {
		q := NewMemory(0, quietLogger())
		t.Cleanup(func() { _ = q.Close() })
		fn(t, q)
	})
	t.Run("redis", func(t *testing.T) {
		q, _ := newTestRedis(t)
		fn(t, q)
	})
}

// consume starts a consumer and returns a stop func that waits for it.
func consume(t *testing.T, q Queue, name string, concurrency int, h Handler) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Consume(ctx, name, concurrency, h) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("consumer did not stop")
		}
	}
}

func TestQueue_DeliversPayload(t *testing.T) {
	queues(t, func(t *testing.T, q Queue) {
		got := make(chan Job, 1)
		stop := consume(t, q, "save-conversation", 1, func(ctx context.Context, job Job) error {
			got <- job
			return nil
		})
		defer stop()

		id, err := q.Enqueue(context.Background(), "save-conversation", []byte(`{"a":1}`), Options{})
		require.NoError(t, err)
		require.Len(t, id, 26)

		select {
		case job := <-got:
			require.Equal(t, id, job.ID)
			require.Equal(t, []byte(`{"a":1}`), job.Payload)
			require.Equal(t, 1, job.Attempt)
			require.Equal(t, DefaultAttempts, job.MaxAttempts)
		case <-time.After(3 * time.Second):
			t.Fatal("job not delivered")
		}
	})
}

func TestQueue_RetriesThenSucceeds(t *testing.T) {
	queues(t, func(t *testing.T, q Queue) {
		var calls atomic.Int32
		done := make(chan int, 1)
		stop := consume(t, q, "j", 1, func(ctx context.Context, job Job) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			done <- job.Attempt
			return nil
		})
		defer stop()

		_, err := q.Enqueue(context.Background(), "j", []byte("x"), Options{Attempts: 3, Backoff: 10 * time.Millisecond})
		require.NoError(t, err)

		select {
		case attempt := <-done:
			require.Equal(t, 3, attempt)
		case <-time.After(5 * time.Second):
			t.Fatal("job did not succeed on third attempt")
		}
		dead, err := q.DeadLetters(context.Background(), "j", 10)
		require.NoError(t, err)
		require.Empty(t, dead)
	})
}

func TestQueue_ExhaustedJobGoesToDeadLetters(t *testing.T) {
	queues(t, func(t *testing.T, q Queue) {
		var calls atomic.Int32
		stop := consume(t, q, "j", 2, func(ctx context.Context, job Job) error {
			calls.Add(1)
			return errors.New("stitch failed")
		})
		defer stop()

		id, err := q.Enqueue(context.Background(), "j", []byte("x"), Options{Attempts: 2, Backoff: 10 * time.Millisecond})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			dead, err := q.DeadLetters(context.Background(), "j", 10)
			return err == nil && len(dead) == 1
		}, 5*time.Second, 10*time.Millisecond)

		dead, err := q.DeadLetters(context.Background(), "j", 10)
		require.NoError(t, err)
		require.Equal(t, id, dead[0].ID)
		require.Equal(t, 2, dead[0].Attempt)
		require.Equal(t, "stitch failed", dead[0].LastError)
		require.NotNil(t, dead[0].FailedAt)
		require.EqualValues(t, 2, calls.Load())
	})
}

func TestQueue_DelayedJobWaits(t *testing.T) {
	queues(t, func(t *testing.T, q Queue) {
		delivered := make(chan time.Time, 1)
		stop := consume(t, q, "j", 1, func(ctx context.Context, job Job) error {
			delivered <- time.Now()
			return nil
		})
		defer stop()

		start := time.Now()
		_, err := q.Enqueue(context.Background(), "j", nil, Options{Delay: 100 * time.Millisecond})
		require.NoError(t, err)

		select {
		case at := <-delivered:
			require.GreaterOrEqual(t, at.Sub(start), 90*time.Millisecond)
		case <-time.After(5 * time.Second):
			t.Fatal("delayed job not delivered")
		}
	})
}

func TestQueue_HandlerPanicCountsAsFailure(t *testing.T) {
	queues(t, func(t *testing.T, q Queue) {
		stop := consume(t, q, "j", 1, func(ctx context.Context, job Job) error {
			panic("boom")
		})
		defer stop()

		_, err := q.Enqueue(context.Background(), "j", nil, Options{Attempts: 1})
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			dead, _ := q.DeadLetters(context.Background(), "j", 0)
			return len(dead) == 1
		}, 5*time.Second, 10*time.Millisecond)
	})
}

func TestQueue_EnqueueValidation(t *testing.T) {
	queues(t, func(t *testing.T, q Queue) {
		_, err := q.Enqueue(context.Background(), "  ", nil, Options{})
		require.ErrorContains(t, err, "name is required")

		require.NoError(t, q.Close())
		_, err = q.Enqueue(context.Background(), "j", nil, Options{})
		require.ErrorIs(t, err, ErrClosed)
	})
}

func TestMemory_ConcurrentHandlersAndPending(t *testing.T) {
	q := NewMemory(0, quietLogger())
	defer q.Close()

	var mu sync.Mutex
	seen := map[string]bool{}
	release := make(chan struct{})
	var inFlight, peak atomic.Int32
	stop := consume(t, q, "j", 3, func(ctx context.Context, job Job) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		mu.Lock()
		seen[job.ID] = true
		mu.Unlock()
		return nil
	})
	defer stop()

	for i := 0; i < 6; i++ {
		_, err := q.Enqueue(context.Background(), "j", nil, Options{})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return inFlight.Load() == 3 }, 3*time.Second, 5*time.Millisecond)
	require.Equal(t, 6, q.Pending("j"))
	close(release)
	require.Eventually(t, func() bool { return q.Pending("j") == 0 }, 3*time.Second, 5*time.Millisecond)
	require.EqualValues(t, 3, peak.Load())
	mu.Lock()
	require.Len(t, seen, 6)
	mu.Unlock()
}

func TestMemory_CloseStopsEveryIdleWorker(t *testing.T) {
	q := NewMemory(0, quietLogger())
	handled := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(context.Background(), "j", 3, func(ctx context.Context, job Job) error {
			handled <- struct{}{}
			return nil
		})
	}()

	_, err := q.Enqueue(context.Background(), "j", nil, Options{})
	require.NoError(t, err)
	select {
	case <-handled:
	case <-time.After(3 * time.Second):
		t.Fatal("job not delivered")
	}
	// Let the workers park on the now empty queue.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Consume did not return after Close")
	}
	require.NoError(t, q.Close())
}

func TestMemory_DeadLetterCap(t *testing.T) {
	q := NewMemory(2, quietLogger())
	defer q.Close()
	stop := consume(t, q, "j", 1, func(ctx context.Context, job Job) error { return errors.New("no") })
	defer stop()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := q.Enqueue(context.Background(), "j", nil, Options{Attempts: 1})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.Eventually(t, func() bool { return q.Pending("j") == 0 }, 3*time.Second, 5*time.Millisecond)
	dead, err := q.DeadLetters(context.Background(), "j", 0)
	require.NoError(t, err)
	require.Len(t, dead, 2)
	require.Equal(t, ids[2], dead[0].ID)
	require.Equal(t, ids[1], dead[1].ID)
}

// strandJob pops the next ready job into the processing list of consumer and
// gives that consumer a lease ending at deadline, as if it crashed mid-job.
func strandJob(t *testing.T, q *Redis, name, consumer string, deadline time.Time) {
	t.Helper()
	ctx := context.Background()
	raw, err := q.client.LMove(ctx, q.key(name, "ready"), q.processingKey(name, consumer), "RIGHT", "LEFT").Result()
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	require.NoError(t, q.client.ZAdd(ctx, q.key(name, "consumers"), redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: consumer,
	}).Err())
}

func TestRedis_RecoversJobsFromExpiredConsumer(t *testing.T) {
	q, mr := newTestRedis(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "j", []byte("orphan"), Options{})
	require.NoError(t, err)
	strandJob(t, q, "j", "crashed", time.Now().Add(-time.Second))

	got := make(chan []byte, 1)
	stop := consume(t, q, "j", 1, func(ctx context.Context, job Job) error {
		got <- job.Payload
		return nil
	})
	defer stop()

	select {
	case p := <-got:
		require.Equal(t, []byte("orphan"), p)
	case <-time.After(3 * time.Second):
		t.Fatal("orphaned job not redelivered")
	}
	require.Eventually(t, func() bool {
		items, _ := mr.List(q.processingKey("j", "crashed"))
		return len(items) == 0
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, redis.Nil, q.client.ZScore(ctx, q.key("j", "consumers"), "crashed").Err())
}

func TestRedis_RecoverExpiredLeavesLiveLeases(t *testing.T) {
	q, _ := newTestRedis(t)
	ctx := context.Background()
	now := time.Now()

	_, err := q.Enqueue(ctx, "j", []byte("busy"), Options{})
	require.NoError(t, err)
	strandJob(t, q, "j", "alive", now.Add(time.Minute))

	n, err := q.recoverExpired(ctx, "j", now)
	require.NoError(t, err)
	require.Zero(t, n)
	require.EqualValues(t, 1, q.client.LLen(ctx, q.processingKey("j", "alive")).Val())
	require.EqualValues(t, 0, q.client.LLen(ctx, q.key("j", "ready")).Val())

	n, err = q.recoverExpired(ctx, "j", now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.EqualValues(t, 0, q.client.LLen(ctx, q.processingKey("j", "alive")).Val())
	require.EqualValues(t, 1, q.client.LLen(ctx, q.key("j", "ready")).Val())
}

func TestRedis_NewConsumerDoesNotRerunInFlightJob(t *testing.T) {
	q, _ := newTestRedis(t)
	ctx := context.Background()

	var calls atomic.Int32
	started := make(chan struct{}, 4)
	handler := func(ctx context.Context, job Job) error {
		calls.Add(1)
		started <- struct{}{}
		time.Sleep(300 * time.Millisecond)
		return nil
	}
	stopFirst := consume(t, q, "j", 1, handler)
	defer stopFirst()

	_, err := q.Enqueue(ctx, "j", []byte("once"), Options{})
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job not delivered")
	}

	stopSecond := consume(t, q, "j", 1, handler)
	defer stopSecond()
	require.Eventually(t, func() bool {
		return q.client.ZCard(ctx, q.key("j", "consumers")).Val() == 2
	}, 3*time.Second, 5*time.Millisecond)

	// Let the first handler finish and a few sweeps run.
	time.Sleep(500 * time.Millisecond)
	require.EqualValues(t, 1, calls.Load())
	require.EqualValues(t, 0, q.client.LLen(ctx, q.key("j", "ready")).Val())
}

func TestRedis_ConsumerDropsLeaseOnStop(t *testing.T) {
	q, _ := newTestRedis(t)
	ctx := context.Background()

	stop := consume(t, q, "j", 2, func(ctx context.Context, job Job) error { return nil })
	require.Eventually(t, func() bool {
		return q.client.ZCard(ctx, q.key("j", "consumers")).Val() == 1
	}, 3*time.Second, 5*time.Millisecond)
	stop()
	require.EqualValues(t, 0, q.client.ZCard(ctx, q.key("j", "consumers")).Val())
}

func TestRedis_PromoteDueOnlyMovesDueJobs(t *testing.T) {
	q, _ := newTestRedis(t)
	ctx := context.Background()
	now := time.Now()

	_, err := q.Enqueue(ctx, "j", []byte("soon"), Options{Delay: time.Minute})
	require.NoError(t, err)

	n, err := q.promoteDue(ctx, "j", now)
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = q.promoteDue(ctx, "j", now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.EqualValues(t, 1, q.client.LLen(ctx, q.key("j", "ready")).Val())
	require.EqualValues(t, 0, q.client.ZCard(ctx, q.key("j", "delayed")).Val())
}
