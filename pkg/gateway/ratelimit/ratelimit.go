// Package ratelimit bounds per-user request rates and concurrent live
// conversations. State is in-memory and per process.
package ratelimit

import (
	"math"
	"strconv"
	"sync"
	"time"
)

type Config struct {
	RPS   float64
	Burst int

	MaxConcurrentRequests   int
	MaxConversationsPerUser int

	// Operational bounds for the in-memory map.
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*userLimiter
}

type userLimiter struct {
	mu sync.Mutex

	tb tokenBucket

	reqSem  chan struct{}
	convSem chan struct{}

	lastSeen time.Time
}

type tokenBucket struct {
	capacity float64
	tokens   float64
	last     time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*userLimiter),
	}
}

// UserKey is the limiter key for an authenticated user.
func UserKey(userID int64) string {
	return "u_" + strconv.FormatInt(userID, 10)
}

type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

func (l *Limiter) AcquireRequest(key string, now time.Time) Decision {
	if key == "" {
		key = "anonymous"
	}

	ul := l.getOrCreate(key, now)

	if l.cfg.RPS > 0 && l.cfg.Burst > 0 {
		ok, retryAfter := ul.allowToken(now, l.cfg.RPS, l.cfg.Burst)
		if !ok {
			return Decision{Allowed: false, RetryAfter: retryAfter}
		}
	}
	return acquire(ul.reqSem, l.cfg.MaxConcurrentRequests)
}

// AcquireConversation reserves one live conversation slot for userID. The
// permit must be released when the connection ends.
func (l *Limiter) AcquireConversation(userID int64, now time.Time) Decision {
	ul := l.getOrCreate(UserKey(userID), now)
	return acquire(ul.convSem, l.cfg.MaxConversationsPerUser)
}

func acquire(sem chan struct{}, limit int) Decision {
	if limit <= 0 {
		return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
	}
	select {
	case sem <- struct{}{}:
		return Decision{Allowed: true, Permit: &Permit{release: func() { <-sem }}}
	default:
		return Decision{Allowed: false, RetryAfter: 1}
	}
}

func (l *Limiter) getOrCreate(key string, now time.Time) *userLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ul, ok := l.m[key]; ok {
		ul.lastSeen = now
		return ul
	}

	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// Bounded memory beats perfect fairness.
		if len(l.m) >= l.cfg.MaxEntries {
			for k := range l.m {
				delete(l.m, k)
				break
			}
		}
	}

	ul := &userLimiter{
		reqSem:   make(chan struct{}, max(1, l.cfg.MaxConcurrentRequests)),
		convSem:  make(chan struct{}, max(1, l.cfg.MaxConversationsPerUser)),
		lastSeen: now,
	}
	l.m[key] = ul
	return ul
}

// gcLocked drops idle entries. Entries holding permits are kept so a release
// never targets a recreated semaphore.
func (l *Limiter) gcLocked(now time.Time) {
	for k, v := range l.m {
		if now.Sub(v.lastSeen) > l.cfg.EntryTTL && len(v.reqSem) == 0 && len(v.convSem) == 0 {
			delete(l.m, k)
		}
	}
}

func (ul *userLimiter) allowToken(now time.Time, rps float64, burst int) (bool, int) {
	ul.mu.Lock()
	defer ul.mu.Unlock()

	capacity := float64(burst)
	if ul.tb.capacity == 0 {
		ul.tb = tokenBucket{capacity: capacity, tokens: capacity, last: now}
	}
	ul.tb.capacity = capacity

	elapsed := now.Sub(ul.tb.last).Seconds()
	if elapsed > 0 {
		ul.tb.tokens = math.Min(ul.tb.capacity, ul.tb.tokens+(elapsed*rps))
		ul.tb.last = now
	}

	if ul.tb.tokens >= 1.0 {
		ul.tb.tokens -= 1.0
		return true, 0
	}

	retryAfter := int(math.Ceil((1.0 - ul.tb.tokens) / rps))
	return false, max(retryAfter, 1)
}
