package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/vai-convo/pkg/core/aistream"
	"github.com/vango-go/vai-convo/pkg/core/conversation"
	"github.com/vango-go/vai-convo/pkg/core/jobqueue"
	"github.com/vango-go/vai-convo/pkg/core/objectstore"
	"github.com/vango-go/vai-convo/pkg/core/persist"
	"github.com/vango-go/vai-convo/pkg/core/store"
	"github.com/vango-go/vai-convo/pkg/core/voice/stt"
	"github.com/vango-go/vai-convo/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-convo/pkg/gateway/live/registry"
	"github.com/vango-go/vai-convo/pkg/gateway/live/sessions"
)

type fakeConn struct {
	id     string
	userID int64

	mu     sync.Mutex
	sent   []any
	failed []string
}

func (c *fakeConn) ID() string    { return c.id }
func (c *fakeConn) UserID() int64 { return c.userID }

func (c *fakeConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, v)
	return nil
}

func (c *fakeConn) Fail(code, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = append(c.failed, code)
}

func (c *fakeConn) events() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.sent...)
}

func (c *fakeConn) failures() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.failed...)
}

func (c *fakeConn) audioChunks(event string) []protocol.ServerAudioChunk {
	var out []protocol.ServerAudioChunk
	for _, ev := range c.events() {
		if chunk, ok := ev.(protocol.ServerAudioChunk); ok && chunk.Event == event {
			out = append(out, chunk)
		}
	}
	return out
}

type captureQueue struct {
	mu   sync.Mutex
	jobs []conversation.FinalizeJob
	opts []jobqueue.Options
	err  error
}

func (q *captureQueue) Enqueue(ctx context.Context, name string, payload []byte, opts jobqueue.Options) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	if name != conversation.JobName {
		return "", errors.New("unexpected job name " + name)
	}
	var job conversation.FinalizeJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return "", err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	q.opts = append(q.opts, opts)
	return "job-1", nil
}

func (q *captureQueue) enqueued() []conversation.FinalizeJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]conversation.FinalizeJob(nil), q.jobs...)
}

type testEnv struct {
	gw      *Gateway
	ai      *aistream.Memory
	reg     *registry.Registry
	tracker *sessions.Tracker
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, q Enqueuer) *testEnv {
	t.Helper()
	ai := aistream.NewMemory(false)
	reg := registry.New(ai, registry.Config{Model: "gemini-live"}, discardLogger())
	tracker := sessions.NewTracker()
	ids := 0
	gw := New(reg, q, tracker, jobqueue.Options{Attempts: 3, Backoff: time.Second}, discardLogger(),
		WithIDGenerator(func() string {
			ids++
			return "conv-" + string(rune('0'+ids))
		}))
	return &testEnv{gw: gw, ai: ai, reg: reg, tracker: tracker}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func mustConnect(t *testing.T, gw *Gateway, conn *fakeConn) string {
	t.Helper()
	id, err := gw.Connect(context.Background(), conn)
	if err != nil {
		t.Fatalf("Connect(%s): %v", conn.id, err)
	}
	return id
}

func TestConnect_SendsConnectedAndOpensStream(t *testing.T) {
	env := newTestEnv(t, &captureQueue{})
	conn := &fakeConn{id: "ws-1", userID: 42}

	id := mustConnect(t, env.gw, conn)
	if id != "conv-1" {
		t.Fatalf("id=%q, want conv-1", id)
	}
	want := []any{protocol.ServerConnected{Event: protocol.EventConnected, ConversationID: "conv-1"}}
	if got := conn.events(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events=%#v, want %#v", got, want)
	}
	if n := env.reg.Len(); n != 1 {
		t.Fatalf("registry Len=%d, want 1", n)
	}

	bound, ok := env.gw.ConversationID("ws-1")
	if !ok || bound != id {
		t.Fatalf("ConversationID=%q,%v, want %q", bound, ok, id)
	}
}

func TestConnect_WithoutIdentityFails(t *testing.T) {
	env := newTestEnv(t, &captureQueue{})
	conn := &fakeConn{id: "ws-1"}

	if _, err := env.gw.Connect(context.Background(), conn); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err=%v, want ErrUnauthorized", err)
	}
	if got := conn.failures(); !reflect.DeepEqual(got, []string{protocol.CodeUnauthorized}) {
		t.Fatalf("failures=%v, want [%s]", got, protocol.CodeUnauthorized)
	}
	if n := env.reg.Len(); n != 0 {
		t.Fatalf("registry Len=%d, want 0", n)
	}
	if n := len(env.ai.Streams()); n != 0 {
		t.Fatalf("streams opened=%d, want 0", n)
	}
}

func TestConnect_StreamOpenFailure(t *testing.T) {
	env := newTestEnv(t, &captureQueue{})
	env.ai.OpenErr = errors.New("backend down")
	conn := &fakeConn{id: "ws-1", userID: 42}

	if _, err := env.gw.Connect(context.Background(), conn); err == nil {
		t.Fatal("expected error when the stream cannot be opened")
	}
	if got := conn.failures(); !reflect.DeepEqual(got, []string{protocol.CodeUpstreamError}) {
		t.Fatalf("failures=%v, want [%s]", got, protocol.CodeUpstreamError)
	}
	if _, ok := env.gw.ConversationID("ws-1"); ok {
		t.Fatal("connection still bound to a conversation")
	}
}

func TestInboundChunk_WithoutConversationIsNoop(t *testing.T) {
	env := newTestEnv(t, &captureQueue{})
	conn := &fakeConn{id: "ws-1", userID: 42}

	env.gw.InboundChunk(conn, []byte("u1"))
	if len(conn.events()) != 0 || len(conn.failures()) != 0 {
		t.Fatalf("events=%v failures=%v, want none", conn.events(), conn.failures())
	}
}

func TestDisconnect_EmptyConversationEnqueuesNothing(t *testing.T) {
	q := &captureQueue{}
	env := newTestEnv(t, q)
	conn := &fakeConn{id: "ws-1", userID: 42}
	mustConnect(t, env.gw, conn)

	if err := env.gw.Disconnect(context.Background(), conn); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if n := len(q.enqueued()); n != 0 {
		t.Fatalf("enqueued=%d, want 0", n)
	}
	if n := env.reg.Len(); n != 0 {
		t.Fatalf("registry Len=%d, want 0", n)
	}
	if closed, _ := env.ai.Last().Closed(); !closed {
		t.Fatal("ai stream left open")
	}
}

func TestDisconnect_UnboundIsNoop(t *testing.T) {
	q := &captureQueue{}
	env := newTestEnv(t, q)
	if err := env.gw.Disconnect(context.Background(), &fakeConn{id: "ghost", userID: 1}); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if n := len(q.enqueued()); n != 0 {
		t.Fatalf("enqueued=%d, want 0", n)
	}
}

func TestEndThenDisconnect_EnqueuesOnce(t *testing.T) {
	q := &captureQueue{}
	env := newTestEnv(t, q)
	conn := &fakeConn{id: "ws-1", userID: 42}
	mustConnect(t, env.gw, conn)
	env.gw.InboundChunk(conn, []byte("u1"))

	if err := env.gw.End(context.Background(), conn); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := env.gw.Disconnect(context.Background(), conn); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	jobs := q.enqueued()
	if len(jobs) != 1 {
		t.Fatalf("enqueued=%d, want 1", len(jobs))
	}
	if want := (jobqueue.Options{Attempts: 3, Backoff: time.Second}); q.opts[0] != want {
		t.Fatalf("opts=%+v, want %+v", q.opts[0], want)
	}

	env.gw.InboundChunk(conn, []byte("late"))
	if n := len(q.enqueued()[0].Messages); n != 1 {
		t.Fatalf("messages=%d, want 1", n)
	}
}

func TestEnqueueFailure_ReturnsErrorAndDropsConversation(t *testing.T) {
	q := &captureQueue{err: errors.New("redis: connection refused")}
	env := newTestEnv(t, q)
	conn := &fakeConn{id: "ws-1", userID: 42}
	mustConnect(t, env.gw, conn)
	env.gw.InboundChunk(conn, []byte("u1"))

	err := env.gw.Disconnect(context.Background(), conn)
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("err=%v, want connection refused", err)
	}
	if n := env.reg.Len(); n != 0 {
		t.Fatalf("registry Len=%d, want 0", n)
	}
}

func TestStreamFailure_FailsConnectionAndStopsLogging(t *testing.T) {
	q := &captureQueue{}
	env := newTestEnv(t, q)
	conn := &fakeConn{id: "ws-1", userID: 42}
	mustConnect(t, env.gw, conn)
	env.gw.InboundChunk(conn, []byte("u1"))

	env.ai.Last().Fail(errors.New("upstream reset"))
	waitFor(t, "connection failure", func() bool { return len(conn.failures()) == 1 })
	if got := conn.failures()[0]; got != protocol.CodeUpstreamError {
		t.Fatalf("failure code=%q, want %s", got, protocol.CodeUpstreamError)
	}

	// The socket may still deliver a frame before it is torn down.
	env.gw.InboundChunk(conn, []byte("late"))
	if err := env.gw.Disconnect(context.Background(), conn); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	jobs := q.enqueued()
	if len(jobs) != 1 {
		t.Fatalf("enqueued=%d, want 1", len(jobs))
	}
	want := []conversation.Entry{{Speaker: conversation.SpeakerUser, Payload: []byte("u1"), Sequence: 1}}
	if !reflect.DeepEqual(jobs[0].Messages, want) {
		t.Fatalf("messages=%+v, want %+v", jobs[0].Messages, want)
	}
}

func TestJoin_RoomReceivesAIAudio(t *testing.T) {
	env := newTestEnv(t, &captureQueue{})
	owner := &fakeConn{id: "ws-1", userID: 42}
	watcher := &fakeConn{id: "ws-2", userID: 42}
	stranger := &fakeConn{id: "ws-3", userID: 7}
	for _, c := range []*fakeConn{owner, watcher, stranger} {
		env.tracker.Register(c.id, sessions.Handle{UserID: c.userID, Push: c.Send})
	}

	mustConnect(t, env.gw, owner)
	env.gw.Join(owner)
	env.gw.Join(watcher)
	env.gw.Join(stranger)
	joined := false
	for _, ev := range watcher.events() {
		if ev == (protocol.ServerJoined{Event: protocol.EventJoined, UserID: 42}) {
			joined = true
		}
	}
	if !joined {
		t.Fatalf("watcher events=%v, want joined for user 42", watcher.events())
	}

	env.ai.Last().Emit([]byte("a1"))
	waitFor(t, "room broadcast", func() bool { return len(watcher.audioChunks(protocol.EventUserAudioResponse)) == 1 })
	if n := len(owner.audioChunks(protocol.EventAIAudioChunk)); n != 1 {
		t.Fatalf("owner ai chunks=%d, want 1", n)
	}
	if n := len(owner.audioChunks(protocol.EventUserAudioResponse)); n != 0 {
		t.Fatalf("owner room chunks=%d, want 0", n)
	}
	if n := len(stranger.audioChunks(protocol.EventUserAudioResponse)); n != 0 {
		t.Fatalf("stranger room chunks=%d, want 0", n)
	}
}

func TestFlush_EnqueuesLiveConversations(t *testing.T) {
	q := &captureQueue{}
	env := newTestEnv(t, q)
	c1 := &fakeConn{id: "ws-1", userID: 1}
	c2 := &fakeConn{id: "ws-2", userID: 2}
	mustConnect(t, env.gw, c1)
	mustConnect(t, env.gw, c2)
	env.gw.InboundChunk(c1, []byte("u1"))

	if err := env.gw.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	jobs := q.enqueued()
	if len(jobs) != 1 || jobs[0].UserID != 1 {
		t.Fatalf("jobs=%+v, want one job for user 1", jobs)
	}

	if _, err := env.gw.Connect(context.Background(), &fakeConn{id: "ws-3", userID: 3}); err == nil {
		t.Fatal("Connect after Flush succeeded")
	}
}

func TestEndToEnd_ConversationPersisted(t *testing.T) {
	queue := jobqueue.NewMemory(10, discardLogger())
	defer queue.Close()
	env := newTestEnv(t, queue)

	objects := objectstore.NewMemory()
	messages := store.NewMemory()
	worker := persist.New(objects, stt.Static{Text: "hello"}, messages, persist.Config{}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	consumed := make(chan error, 1)
	go func() { consumed <- queue.Consume(ctx, conversation.JobName, 1, worker.Handle) }()

	conn := &fakeConn{id: "ws-1", userID: 42}
	id := mustConnect(t, env.gw, conn)

	env.gw.InboundChunk(conn, []byte("u1"))
	env.gw.InboundChunk(conn, []byte("u2"))
	if got, want := env.ai.Last().Sent(), [][]byte{[]byte("u1"), []byte("u2")}; !reflect.DeepEqual(got, want) {
		t.Fatalf("sent upstream=%q, want %q", got, want)
	}

	env.ai.Last().Emit([]byte("a1"))
	waitFor(t, "ai chunk", func() bool { return len(conn.audioChunks(protocol.EventAIAudioChunk)) == 1 })
	chunk := conn.audioChunks(protocol.EventAIAudioChunk)[0]
	if chunk.ConversationID != id || chunk.Seq != 3 {
		t.Fatalf("chunk=%+v, want conversation %q seq 3", chunk, id)
	}

	if err := env.gw.Disconnect(ctx, conn); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(messages.All()) != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("persisted rows=%d, want 2", len(messages.All()))
		}
		time.Sleep(10 * time.Millisecond)
	}
	rows, err := messages.ListMessages(ctx, 42, id)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows=%d, want 2", len(rows))
	}
	if rows[0].Role != conversation.SpeakerUser || rows[1].Role != conversation.SpeakerAI {
		t.Fatalf("roles=%s,%s, want user,ai", rows[0].Role, rows[1].Role)
	}
	if rows[0].Model != "gemini-live" {
		t.Fatalf("model=%q, want gemini-live", rows[0].Model)
	}
	if rows[1].Transcript != "hello" {
		t.Fatalf("transcript=%q, want hello", rows[1].Transcript)
	}
	if n := len(objects.Keys()); n != 2 {
		t.Fatalf("objects=%d, want 2", n)
	}

	cancel()
	if err := <-consumed; err != nil {
		t.Fatalf("Consume: %v", err)
	}
}

func TestEndToEnd_JobCarriesLogInArrivalOrder(t *testing.T) {
	q := &captureQueue{}
	env := newTestEnv(t, q)
	conn := &fakeConn{id: "ws-1", userID: 42}
	mustConnect(t, env.gw, conn)

	env.gw.InboundChunk(conn, []byte("u1"))
	env.gw.InboundChunk(conn, []byte("u2"))
	env.ai.Last().Emit([]byte("a1"))
	waitFor(t, "ai chunk", func() bool { return len(conn.audioChunks(protocol.EventAIAudioChunk)) == 1 })
	if err := env.gw.Disconnect(context.Background(), conn); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	jobs := q.enqueued()
	if len(jobs) != 1 {
		t.Fatalf("enqueued=%d, want 1", len(jobs))
	}
	job := jobs[0]
	if job.UserID != 42 || job.Model != "gemini-live" {
		t.Fatalf("job user/model=%d/%q, want 42/gemini-live", job.UserID, job.Model)
	}
	want := []conversation.Entry{
		{Speaker: conversation.SpeakerUser, Payload: []byte("u1"), Sequence: 1},
		{Speaker: conversation.SpeakerUser, Payload: []byte("u2"), Sequence: 2},
		{Speaker: conversation.SpeakerAI, Payload: []byte("a1"), Sequence: 3},
	}
	if !reflect.DeepEqual(job.Messages, want) {
		t.Fatalf("messages=%+v, want %+v", job.Messages, want)
	}

	segs, err := conversation.Stitch(job.Messages)
	if err != nil {
		t.Fatalf("Stitch: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("segments=%d, want 2", len(segs))
	}
}
