package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// RedisConfig tunes the Redis-backed queue.
type RedisConfig struct {
	// Prefix namespaces every key, e.g. "vai-convo:queue".
	Prefix        string
	DeadLetterCap int
	// PollInterval is how often delayed jobs are promoted to the ready list
	// and expired consumer leases are swept.
	PollInterval time.Duration
	// BlockTimeout bounds each blocking pop. Shutdown waits at most this long.
	BlockTimeout time.Duration

	// LeaseTTL is how long a consumer may go without renewing its lease
	// before its in-flight jobs are handed to someone else.
	LeaseTTL time.Duration
}

// Redis is a Queue stored in Redis.
//
// Keys per job name:
//
//	<prefix>:<name>:ready                  list, consumed from the right
//	<prefix>:<name>:processing:<consumer>  jobs one consumer has handed to a handler
//	<prefix>:<name>:consumers              sorted set of consumer ids scored by lease deadline in unix ms
//	<prefix>:<name>:delayed                sorted set scored by due time in unix ms
//	<prefix>:<name>:dead                   capped list of exhausted jobs, newest first
//
// Each Consume call registers as a consumer and renews its lease while it
// runs. Only processing lists whose owner let its lease lapse are recovered.
type Redis struct {
	client *redis.Client
	cfg    RedisConfig
	logger *slog.Logger
	owned  bool

	mu     sync.Mutex
	closed bool
}

// DialRedis connects to url (redis://...) and verifies the connection.
func DialRedis(ctx context.Context, url string, cfg RedisConfig, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("jobqueue: ping redis: %w", err)
	}
	q := NewRedis(client, cfg, logger)
	q.owned = true
	return q, nil
}

// NewRedis wraps an existing client. Close does not close a client passed in
// here.
func NewRedis(client *redis.Client, cfg RedisConfig, logger *slog.Logger) *Redis {
	if strings.TrimSpace(cfg.Prefix) == "" {
		cfg.Prefix = "jobqueue"
	}
	if cfg.DeadLetterCap <= 0 {
		cfg.DeadLetterCap = DefaultDeadLetterCap
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BlockTimeout < time.Second {
		cfg.BlockTimeout = time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, cfg: cfg, logger: logger}
}

func (r *Redis) key(name, kind string) string {
	return r.cfg.Prefix + ":" + name + ":" + kind
}

func (r *Redis) processingKey(name, consumer string) string {
	return r.key(name, "processing:"+consumer)
}

func (r *Redis) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Redis) Enqueue(ctx context.Context, name string, payload []byte, opts Options) (string, error) {
	if r.isClosed() {
		return "", ErrClosed
	}
	now := time.Now()
	job, err := newJob(name, payload, opts, now)
	if err != nil {
		return "", err
	}
	if err := r.schedule(ctx, r.client, job, opts.Delay, now); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (r *Redis) schedule(ctx context.Context, c redis.Cmdable, job Job, delay time.Duration, now time.Time) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobqueue: encode job: %w", err)
	}
	if delay > 0 {
		due := float64(now.Add(delay).UnixMilli())
		if err := c.ZAdd(ctx, r.key(job.Name, "delayed"), redis.Z{Score: due, Member: string(raw)}).Err(); err != nil {
			return fmt.Errorf("jobqueue: schedule job: %w", err)
		}
		return nil
	}
	if err := c.LPush(ctx, r.key(job.Name, "ready"), string(raw)).Err(); err != nil {
		return fmt.Errorf("jobqueue: push job: %w", err)
	}
	return nil
}

func (r *Redis) Consume(ctx context.Context, name string, concurrency int, h Handler) error {
	if r.isClosed() {
		return ErrClosed
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	consumer := ulid.Make().String()
	if err := r.renewLease(ctx, name, consumer, time.Now()); err != nil {
		return fmt.Errorf("jobqueue: register consumer: %w", err)
	}
	if _, err := r.recoverExpired(ctx, name, time.Now()); err != nil {
		return err
	}

	// The lease outlives ctx so handlers still draining after cancellation
	// keep their jobs.
	leaseCtx, stopLease := context.WithCancel(context.WithoutCancel(ctx))
	leaseDone := make(chan struct{})
	go func() {
		defer close(leaseDone)
		r.keepLease(leaseCtx, name, consumer)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.pollDelayed(ctx, name)
	}()
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.work(ctx, name, consumer, h)
		}()
	}
	wg.Wait()

	stopLease()
	<-leaseDone
	r.release(context.WithoutCancel(ctx), name, consumer)
	return nil
}

func (r *Redis) renewLease(ctx context.Context, name, consumer string, now time.Time) error {
	deadline := float64(now.Add(r.cfg.LeaseTTL).UnixMilli())
	return r.client.ZAdd(ctx, r.key(name, "consumers"), redis.Z{Score: deadline, Member: consumer}).Err()
}

func (r *Redis) keepLease(ctx context.Context, name, consumer string) {
	ticker := time.NewTicker(r.cfg.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := r.renewLease(ctx, name, consumer, time.Now()); err != nil && ctx.Err() == nil {
			r.logger.Warn("consumer lease renewal failed", "job", name, "consumer", consumer, "error", err)
		}
	}
}

// release hands back anything still in our processing list and drops the
// lease. Workers have already acked, so the list is normally empty.
func (r *Redis) release(ctx context.Context, name, consumer string) {
	moved, err := r.requeue(ctx, name, consumer)
	if err != nil {
		r.logger.Warn("requeue on shutdown failed", "job", name, "consumer", consumer, "error", err)
		return
	}
	if moved > 0 {
		r.logger.Warn("requeued unacknowledged jobs on shutdown", "job", name, "count", moved)
	}
	if err := r.client.ZRem(ctx, r.key(name, "consumers"), consumer).Err(); err != nil {
		r.logger.Warn("drop consumer lease failed", "job", name, "consumer", consumer, "error", err)
	}
}

// recoverExpired moves the in-flight jobs of every consumer whose lease ran
// out before now back to the ready list. ZREM arbitrates between concurrent
// sweepers.
func (r *Redis) recoverExpired(ctx context.Context, name string, now time.Time) (int, error) {
	consumers := r.key(name, "consumers")
	expired, err := r.client.ZRangeByScore(ctx, consumers, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("jobqueue: list expired consumers: %w", err)
	}
	recovered := 0
	for _, id := range expired {
		n, err := r.client.ZRem(ctx, consumers, id).Result()
		if err != nil {
			return recovered, fmt.Errorf("jobqueue: claim expired consumer: %w", err)
		}
		if n == 0 {
			continue
		}
		moved, err := r.requeue(ctx, name, id)
		recovered += moved
		if err != nil {
			return recovered, err
		}
		if moved > 0 {
			r.logger.Warn("recovered jobs from expired consumer", "job", name, "consumer", id, "count", moved)
		}
	}
	return recovered, nil
}

// requeue moves a consumer's processing list back onto the consuming end of
// the ready list.
func (r *Redis) requeue(ctx context.Context, name, consumer string) (int, error) {
	moved := 0
	for {
		err := r.client.LMove(ctx, r.processingKey(name, consumer), r.key(name, "ready"), "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("jobqueue: requeue processing list: %w", err)
		}
		moved++
	}
}

func (r *Redis) pollDelayed(ctx context.Context, name string) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		now := time.Now()
		if _, err := r.promoteDue(ctx, name, now); err != nil && ctx.Err() == nil {
			r.logger.Warn("promote delayed jobs failed", "job", name, "error", err)
		}
		if _, err := r.recoverExpired(ctx, name, now); err != nil && ctx.Err() == nil {
			r.logger.Warn("recover expired consumers failed", "job", name, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// promoteDue moves delayed jobs whose due time has passed onto the ready
// list. ZREM arbitrates between concurrent pollers.
func (r *Redis) promoteDue(ctx context.Context, name string, now time.Time) (int, error) {
	delayed := r.key(name, "delayed")
	members, err := r.client.ZRangeByScore(ctx, delayed, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, m := range members {
		n, err := r.client.ZRem(ctx, delayed, m).Result()
		if err != nil {
			return promoted, err
		}
		if n == 0 {
			continue
		}
		if err := r.client.LPush(ctx, r.key(name, "ready"), m).Err(); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

func (r *Redis) work(ctx context.Context, name, consumer string, h Handler) {
	ready, processing := r.key(name, "ready"), r.processingKey(name, consumer)
	for ctx.Err() == nil && !r.isClosed() {
		raw, err := r.client.BLMove(ctx, ready, processing, "RIGHT", "LEFT", r.cfg.BlockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil || r.isClosed() {
				return
			}
			r.logger.Warn("job pop failed", "job", name, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.PollInterval):
			}
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			r.logger.Error("dropping undecodable job", "job", name, "error", err)
			r.client.LRem(context.WithoutCancel(ctx), processing, 1, raw)
			continue
		}
		herr := runHandler(ctx, h, job)
		if err := r.ack(context.WithoutCancel(ctx), processing, job, raw, herr); err != nil {
			r.logger.Error("job ack failed", "job_id", job.ID, "job", name, "error", err)
		}
	}
}

// ack removes the delivered job from the processing list and, on failure,
// reschedules it or moves it to the dead-letter list in the same transaction.
func (r *Redis) ack(ctx context.Context, processing string, job Job, raw string, herr error) error {
	now := time.Now()
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, processing, 1, raw)
		if herr == nil {
			return nil
		}
		next, retry := outcome(job, herr, now)
		if retry {
			r.logger.Warn("job failed, retrying", "job_id", job.ID, "job", job.Name, "attempt", job.Attempt, "error", herr)
			return r.schedule(ctx, p, next, next.Backoff, now)
		}
		r.logger.Error("job exhausted attempts", "job_id", job.ID, "job", job.Name, "attempts", job.Attempt, "error", herr)
		encoded, err := json.Marshal(next)
		if err != nil {
			return err
		}
		dead := r.key(job.Name, "dead")
		p.LPush(ctx, dead, string(encoded))
		p.LTrim(ctx, dead, 0, int64(r.cfg.DeadLetterCap-1))
		return nil
	})
	return err
}

func (r *Redis) DeadLetters(ctx context.Context, name string, limit int) ([]Job, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	raws, err := r.client.LRange(ctx, r.key(name, "dead"), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("jobqueue: read dead letters: %w", err)
	}
	out := make([]Job, 0, len(raws))
	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// Ping reports whether Redis is reachable. Readiness checks use it.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	if r.owned {
		return r.client.Close()
	}
	return nil
}

var _ Queue = (*Redis)(nil)
