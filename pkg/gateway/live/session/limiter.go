package session

import "time"

// bucket is a token bucket refilled at rate tokens per second up to max.
type bucket struct {
	rate   int64
	tokens int64
	max    int64
}

func newBucket(rate int64, burstSeconds int64) *bucket {
	if rate <= 0 {
		return nil
	}
	return &bucket{rate: rate, tokens: rate * burstSeconds, max: rate * burstSeconds}
}

func (b *bucket) refill(elapsed time.Duration) {
	if b == nil {
		return
	}
	add := (elapsed.Nanoseconds() * b.rate) / int64(time.Second)
	if add <= 0 {
		return
	}
	b.tokens = min(b.tokens+add, b.max)
}

func (b *bucket) has(n int64) bool { return b == nil || b.tokens >= n }

func (b *bucket) take(n int64) {
	if b != nil {
		b.tokens -= n
	}
}

// inboundLimiter bounds client audio by frames and bytes per second. A nil
// limiter allows everything.
type inboundLimiter struct {
	now        func() time.Time
	frames     *bucket
	bytes      *bucket
	lastRefill time.Time
}

func newInboundLimiter(now func() time.Time, fps int, bps int64, burstSeconds int) *inboundLimiter {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}
	return &inboundLimiter{
		now:        now,
		frames:     newBucket(int64(fps), int64(burstSeconds)),
		bytes:      newBucket(bps, int64(burstSeconds)),
		lastRefill: now(),
	}
}

func (l *inboundLimiter) Allow(frameBytes int) bool {
	if l == nil {
		return true
	}
	now := l.now()
	if elapsed := now.Sub(l.lastRefill); elapsed > 0 {
		l.frames.refill(elapsed)
		l.bytes.refill(elapsed)
		l.lastRefill = now
	}

	n := int64(max(frameBytes, 0))
	if !l.frames.has(1) || !l.bytes.has(n) {
		return false
	}
	l.frames.take(1)
	l.bytes.take(n)
	return true
}
