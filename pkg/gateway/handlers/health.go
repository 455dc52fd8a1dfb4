package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/vango-go/vai-convo/pkg/gateway/config"
	"github.com/vango-go/vai-convo/pkg/gateway/live/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type ReadyHandler struct {
	Config      config.Config
	Sessions    *sessions.Tracker
	// Checks are pinged on every request, keyed by dependency name.
	Checks      map[string]Pinger
	PingTimeout time.Duration
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK            bool     `json:"ok"`
		AuthMode      string   `json:"auth_mode"`
		AIBackend     string   `json:"ai_backend"`
		QueueBackend  string   `json:"queue_backend"`
		Draining      bool     `json:"draining"`
		Conversations int      `json:"conversations"`
		Issues        []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && h.Config.JWTSecret == "" {
		issues = append(issues, "auth_mode=required but no jwt secret configured")
	}
	if h.Config.WSMaxSessionDuration <= 0 {
		issues = append(issues, "ws max session duration must be > 0")
	}
	if h.Config.LimitMaxConversationsPerUser <= 0 {
		issues = append(issues, "max conversations per user must be > 0")
	}
	if h.Config.ReadHeaderTimeout <= 0 || h.Config.ReadTimeout <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}

	draining := h.Sessions.Draining()
	if draining {
		issues = append(issues, "draining")
	}

	timeout := h.PingTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	for name, check := range h.Checks {
		if check == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		err := check.Ping(ctx)
		cancel()
		if err != nil {
			issues = append(issues, name+" unreachable")
		}
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if draining {
		status = http.StatusServiceUnavailable
	} else if !ok {
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:            ok,
		AuthMode:      string(h.Config.AuthMode),
		AIBackend:     h.Config.AIBackend,
		QueueBackend:  h.Config.QueueBackend,
		Draining:      draining,
		Conversations: h.Sessions.Count(),
		Issues:        issues,
	})
}
