package server

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/vango-go/vai-convo/pkg/core/store"
	"github.com/vango-go/vai-convo/pkg/gateway/auth"
	"github.com/vango-go/vai-convo/pkg/gateway/config"
	"github.com/vango-go/vai-convo/pkg/gateway/handlers"
	"github.com/vango-go/vai-convo/pkg/gateway/live/session"
	"github.com/vango-go/vai-convo/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-convo/pkg/gateway/metrics"
	"github.com/vango-go/vai-convo/pkg/gateway/mw"
	"github.com/vango-go/vai-convo/pkg/gateway/ratelimit"
)

// Dependencies are the long-lived components the HTTP surface drives.
type Dependencies struct {
	Gateway  session.Gateway
	Sessions *sessions.Tracker
	Store    store.MessageStore
	Metrics  *metrics.Metrics
	// Checks are extra readiness checks, such as the job queue.
	Checks map[string]handlers.Pinger
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	deps   Dependencies

	authn   auth.Authenticator
	limiter *ratelimit.Limiter
}

func New(cfg config.Config, deps Dependencies, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Gateway == nil {
		return nil, fmt.Errorf("server: gateway is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("server: message store is required")
	}
	if deps.Sessions == nil {
		deps.Sessions = sessions.NewTracker()
	}

	authn, err := newAuthenticator(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
		authn:  authn,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                     cfg.LimitRPS,
			Burst:                   cfg.LimitBurst,
			MaxConcurrentRequests:   cfg.LimitMaxConcurrentRequests,
			MaxConversationsPerUser: cfg.LimitMaxConversationsPerUser,
		}),
	}

	s.routes()
	return s, nil
}

func newAuthenticator(cfg config.Config) (auth.Authenticator, error) {
	switch cfg.AuthMode {
	case config.AuthModeDisabled:
		return auth.Unverified{}, nil
	case config.AuthModeRequired:
		var opts []auth.VerifierOption
		if cfg.JWTIssuer != "" {
			opts = append(opts, auth.WithIssuer(cfg.JWTIssuer))
		}
		v, err := auth.NewVerifier(cfg.JWTSecret, opts...)
		if err != nil {
			return nil, fmt.Errorf("server: %w", err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("server: unknown auth mode %q", cfg.AuthMode)
	}
}

func (s *Server) routes() {
	checks := map[string]handlers.Pinger{"database": s.deps.Store}
	for name, c := range s.deps.Checks {
		checks[name] = c
	}

	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Sessions: s.deps.Sessions, Checks: checks})

	voice := handlers.VoiceHandler{
		Config:   s.cfg,
		Gateway:  s.deps.Gateway,
		Limiter:  s.limiter,
		Sessions: s.deps.Sessions,
		Logger:   s.logger,
	}
	var history http.Handler = handlers.HistoryHandler{Store: s.deps.Store}
	if m := s.deps.Metrics; m != nil {
		voice.Metrics = m
		history = m.Instrument("history", history)
		s.mux.Handle("/metrics", m.Handler())
	}
	s.mux.Handle("/v1/voice/conversations", voice)
	s.mux.Handle("/v1/conversations/{id}/messages", history)

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.limiter, h)
	h = mw.Auth(s.authn, h)
	h = mw.APIVersion(h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Sessions returns the tracker used for graceful shutdown.
func (s *Server) Sessions() *sessions.Tracker { return s.deps.Sessions }
