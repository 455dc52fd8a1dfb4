package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/vango-go/vai-convo/pkg/core"
	"github.com/vango-go/vai-convo/pkg/gateway/auth"
	"github.com/vango-go/vai-convo/pkg/gateway/ratelimit"
)

func RateLimit(limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health endpoints must remain cheap and reliable.
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		key := "anonymous"
		if id, ok := auth.IdentityFrom(r.Context()); ok {
			key = ratelimit.UserKey(id.UserID)
		}

		dec := limiter.AcquireRequest(key, time.Now())
		if !dec.Allowed {
			reqID, _ := RequestIDFrom(r.Context())
			if dec.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
			}
			ce := core.NewRateLimitError("rate limit exceeded")
			ce.Code, ce.RequestID = "rate_limited", reqID
			writeJSONError(w, http.StatusTooManyRequests, ce)
			return
		}
		if dec.Permit != nil {
			// Upgraded connections are bounded by conversation permits, not
			// request concurrency.
			if isWebSocketUpgrade(r) {
				dec.Permit.Release()
			} else {
				defer dec.Permit.Release()
			}
		}

		next.ServeHTTP(w, r)
	})
}
