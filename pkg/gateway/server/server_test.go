package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-convo/pkg/core/conversation"
	"github.com/vango-go/vai-convo/pkg/core/store"
	"github.com/vango-go/vai-convo/pkg/gateway/auth"
	"github.com/vango-go/vai-convo/pkg/gateway/config"
	"github.com/vango-go/vai-convo/pkg/gateway/live/gateway"
	"github.com/vango-go/vai-convo/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-convo/pkg/gateway/metrics"
)

type echoGateway struct{}

func (echoGateway) Connect(ctx context.Context, conn gateway.Conn) (string, error) {
	_ = conn.Send(protocol.ServerConnected{Event: protocol.EventConnected, ConversationID: "conv-1"})
	return "conv-1", nil
}

func (echoGateway) InboundChunk(conn gateway.Conn, audio []byte) {}

func (echoGateway) Join(conn gateway.Conn) {}

func (echoGateway) End(ctx context.Context, conn gateway.Conn) error { return nil }

func (echoGateway) Disconnect(ctx context.Context, conn gateway.Conn) error { return nil }

func testConfig() config.Config {
	return config.Config{
		AuthMode:                     config.AuthModeDisabled,
		CORSAllowedOrigins:           map[string]struct{}{},
		WSMaxSessionDuration:         time.Minute,
		LiveMaxAudioFrameBytes:       1024,
		LiveMaxJSONMessageBytes:      64 * 1024,
		LiveWSPingInterval:           time.Hour,
		LiveWSWriteTimeout:           time.Second,
		LimitMaxConversationsPerUser: 2,
		ReadHeaderTimeout:            time.Second,
		ReadTimeout:                  time.Second,
	}
}

func newTestServer(t *testing.T, cfg config.Config, st store.MessageStore, m *metrics.Metrics) *Server {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	s, err := New(cfg, Dependencies{Gateway: echoGateway{}, Store: st, Metrics: m}, logger)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return s
}

func TestServer_UnknownRoute_ReturnsJSON404(t *testing.T) {
	s := newTestServer(t, testConfig(), store.NewMemory(), nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	req.Header.Set("X-User-ID", "1")
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%q", ct)
	}
	if !strings.Contains(rr.Body.String(), `"type":"not_found_error"`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
}

func TestServer_HealthAndReadyArePublic(t *testing.T) {
	s := newTestServer(t, testConfig(), store.NewMemory(), nil)

	for _, path := range []string{"/healthz", "/readyz"} {
		rr := httptest.NewRecorder()
		s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status=%d body=%q", path, rr.Code, rr.Body.String())
		}
		if rr.Header().Get("X-Request-ID") == "" {
			t.Fatalf("%s missing X-Request-ID", path)
		}
	}
}

func TestServer_HistoryRoute(t *testing.T) {
	st := store.NewMemory()
	_, err := st.InsertMessages(context.Background(), []conversation.Message{
		{UserID: 5, ConversationID: "conv-1", Role: conversation.SpeakerUser, AudioURL: "https://cdn/0.wav", Transcript: "hey"},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	m := metrics.NewMetrics("test")
	s := newTestServer(t, testConfig(), st, m)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/conversations/conv-1/messages", nil)
	req.Header.Set("X-User-ID", "5")
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"transcript":"hey"`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status=%d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `test_requests_total{route="history",status="200"} 1`) {
		t.Fatalf("history request not counted: %q", rr.Body.String())
	}
}

func TestServer_RequiredAuth(t *testing.T) {
	cfg := testConfig()
	cfg.AuthMode = config.AuthModeRequired
	cfg.JWTSecret = "test-secret"
	s := newTestServer(t, cfg, store.NewMemory(), nil)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/voice/conversations"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 before upgrade, err=%v resp=%v", err, resp)
	}

	v, err := auth.NewVerifier("test-secret")
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	token, err := v.Issue(12, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	c, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), protocol.EventConnected) {
		t.Fatalf("unexpected first event: %s", data)
	}
}

func TestNew_RequiredAuthWithoutSecretFails(t *testing.T) {
	cfg := testConfig()
	cfg.AuthMode = config.AuthModeRequired
	_, err := New(cfg, Dependencies{Gateway: echoGateway{}, Store: store.NewMemory()}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
}
