package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-convo/pkg/core"
	"github.com/vango-go/vai-convo/pkg/gateway/apierror"
	"github.com/vango-go/vai-convo/pkg/gateway/auth"
	"github.com/vango-go/vai-convo/pkg/gateway/config"
	"github.com/vango-go/vai-convo/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-convo/pkg/gateway/live/session"
	"github.com/vango-go/vai-convo/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-convo/pkg/gateway/mw"
	"github.com/vango-go/vai-convo/pkg/gateway/ratelimit"
)

// RateLimitRecorder counts rejected admissions.
type RateLimitRecorder interface {
	RecordRateLimitHit(limitType string)
}

// VoiceHandler upgrades /v1/voice/conversations to a WebSocket and runs one
// voice conversation session on it.
type VoiceHandler struct {
	Config   config.Config
	Gateway  session.Gateway
	Limiter  *ratelimit.Limiter
	Sessions *sessions.Tracker
	Logger   *slog.Logger
	Metrics  RateLimitRecorder
}

func (h VoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		apierror.WriteError(w, http.StatusMethodNotAllowed, &core.Error{Type: core.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed", RequestID: reqID})
		return
	}
	if h.Sessions.Draining() {
		ce := core.NewOverloadedError("gateway is draining")
		ce.Code, ce.RequestID = protocol.CodeDraining, reqID
		apierror.WriteError(w, 529, ce)
		return
	}
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		apierror.WriteError(w, http.StatusUnauthorized, &core.Error{Type: core.ErrAuthentication, Message: "missing identity", Param: "Authorization", RequestID: reqID})
		return
	}
	originOK := mw.OriginAllowed(h.Config)
	if !originOK(r) {
		apierror.WriteError(w, http.StatusForbidden, &core.Error{Type: core.ErrPermission, Message: "origin is not allowed", Param: "Origin", RequestID: reqID})
		return
	}

	var permit *ratelimit.Permit
	if h.Limiter != nil {
		dec := h.Limiter.AcquireConversation(id.UserID, time.Now())
		if !dec.Allowed {
			if h.Metrics != nil {
				h.Metrics.RecordRateLimitHit("conversations")
			}
			if dec.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
			}
			ce := core.NewRateLimitError("too many concurrent conversations")
			ce.Code, ce.RequestID = protocol.CodeTooManyConversations, reqID
			apierror.WriteError(w, http.StatusTooManyRequests, ce)
			return
		}
		permit = dec.Permit
	}
	defer permit.Release()

	upgrader := websocket.Upgrader{CheckOrigin: originOK}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		return
	}
	defer conn.Close()

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sessionID := "s_" + randHex(12)
	s, err := session.New(session.Dependencies{
		Conn:      conn,
		Gateway:   h.Gateway,
		Logger:    logger,
		SessionID: sessionID,
		UserID:    id.UserID,
		RequestID: reqID,
		Config:    sessionConfig(h.Config),
	})
	if err != nil {
		writeWSError(conn, protocol.CodeUpstreamError, "failed to start session")
		return
	}

	unregister := h.Sessions.Register(sessionID, sessions.Handle{
		UserID: id.UserID,
		Cancel: s.Cancel,
		Warn:   s.SendWarning,
		Push:   s.Send,
	})
	defer unregister()

	if err := s.Run(); err != nil {
		logger.Warn("voice session ended with error", "session_id", sessionID, "user_id", id.UserID, "request_id", reqID, "error", err)
	}
}

func sessionConfig(cfg config.Config) session.Config {
	return session.Config{
		MaxAudioFrameBytes:     cfg.LiveMaxAudioFrameBytes,
		MaxJSONMessageBytes:    cfg.LiveMaxJSONMessageBytes,
		MaxAudioFPS:            cfg.LiveMaxAudioFPS,
		MaxAudioBytesPerSecond: cfg.LiveMaxAudioBytesPerSecond,
		InboundBurstSeconds:    cfg.LiveInboundBurstSeconds,
		PingInterval:           cfg.LiveWSPingInterval,
		WriteTimeout:           cfg.LiveWSWriteTimeout,
		ReadTimeout:            cfg.LiveWSReadTimeout,
		MaxSessionDuration:     cfg.WSMaxSessionDuration,
		OutboundQueueSize:      cfg.LiveOutboundQueueSize,
	}
}

func writeWSError(conn *websocket.Conn, code, message string) {
	_ = conn.WriteJSON(protocol.ServerError{Event: protocol.EventError, Code: code, Message: message, Close: true})
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), time.Now().Add(2*time.Second))
}

func randHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
