package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordedWrite struct {
	messageType int
	data        string
}

type fakeWSWriter struct {
	mu       sync.Mutex
	writes   []recordedWrite
	closed   bool
	writeErr error
}

func (f *fakeWSWriter) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWSWriter) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, recordedWrite{messageType: messageType, data: string(data)})
	return nil
}

func (f *fakeWSWriter) WriteControl(messageType int, data []byte, deadline time.Time) error {
	_ = deadline
	return f.WriteMessage(messageType, data)
}

func (f *fakeWSWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWSWriter) snapshot() []recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedWrite, len(f.writes))
	copy(out, f.writes)
	return out
}

func TestOutboundWriter_PriorityBeatsNormal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	priority := make(chan outboundFrame, 1)
	normal := make(chan outboundFrame, 1)

	normal <- textFrame([]byte(`{"event":"ai-audio-chunk","conversationId":"c1","seq":1,"data_b64":"AAAA"}`))
	priority <- textFrame([]byte(`{"event":"error","message":"ai stream failed","close":true}`))
	close(priority)
	close(normal)

	ws := &fakeWSWriter{}
	w := outboundWriter{
		ws:       ws,
		ctx:      ctx,
		cfg:      Config{PingInterval: time.Hour, WriteTimeout: time.Second},
		priority: priority,
		normal:   normal,
	}

	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	writes := ws.snapshot()
	if len(writes) != 2 {
		t.Fatalf("expected 2 writes, got %d: %+v", len(writes), writes)
	}
	if !strings.Contains(writes[0].data, `"event":"error"`) {
		t.Fatalf("first write was not error: %q", writes[0].data)
	}
	if writes[1].messageType != websocket.TextMessage {
		t.Fatalf("second write type=%d", writes[1].messageType)
	}
}

func TestOutboundWriter_NormalFramesKeepOrder(t *testing.T) {
	priority := make(chan outboundFrame)
	normal := make(chan outboundFrame, 8)
	for _, seq := range []string{"1", "2", "3"} {
		normal <- textFrame([]byte(`{"seq":` + seq + `}`))
	}
	close(priority)
	close(normal)

	ws := &fakeWSWriter{}
	w := outboundWriter{ws: ws, cfg: Config{PingInterval: time.Hour}, priority: priority, normal: normal}
	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	writes := ws.snapshot()
	if len(writes) != 3 || writes[0].data != `{"seq":1}` || writes[2].data != `{"seq":3}` {
		t.Fatalf("writes=%+v", writes)
	}
}

func TestOutboundWriter_FlushesPriorityOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	priority := make(chan outboundFrame, 1)
	normal := make(chan outboundFrame, 1)

	priority <- textFrame([]byte(`{"event":"error","code":"session_expired","close":true}`))
	normal <- textFrame([]byte(`{"event":"ai-audio-chunk"}`))

	ws := &fakeWSWriter{}
	w := outboundWriter{
		ws:       ws,
		ctx:      ctx,
		cfg:      Config{PingInterval: time.Hour, WriteTimeout: time.Second},
		priority: priority,
		normal:   normal,
	}

	cancel()
	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	writes := ws.snapshot()
	if len(writes) != 2 {
		t.Fatalf("expected error frame plus close, got %+v", writes)
	}
	if !strings.Contains(writes[0].data, `"session_expired"`) {
		t.Fatalf("expected error to flush on shutdown, writes=%+v", writes)
	}
	if writes[1].messageType != websocket.CloseMessage {
		t.Fatalf("second write type=%d, want CloseMessage", writes[1].messageType)
	}
	if !ws.closed {
		t.Fatal("socket not closed")
	}
}

func TestOutboundWriter_StopsWhenContextCanceledWhileIdle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ws := &fakeWSWriter{}
	w := outboundWriter{
		ws:       ws,
		ctx:      ctx,
		cfg:      Config{PingInterval: time.Hour, WriteTimeout: time.Second},
		priority: make(chan outboundFrame),
		normal:   make(chan outboundFrame),
	}

	done := make(chan error, 1)
	go func() { done <- w.Run() }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not stop")
	}
}

func TestOutboundWriter_ReturnsWriteError(t *testing.T) {
	normal := make(chan outboundFrame, 1)
	normal <- textFrame([]byte(`{"event":"connected"}`))
	ws := &fakeWSWriter{writeErr: errors.New("broken pipe")}
	w := outboundWriter{ws: ws, cfg: Config{PingInterval: time.Hour}, priority: make(chan outboundFrame), normal: normal}

	if err := w.Run(); err == nil || !strings.Contains(err.Error(), "broken pipe") {
		t.Fatalf("Run() error = %v, want broken pipe", err)
	}
}
