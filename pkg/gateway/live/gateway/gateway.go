// Package gateway binds live client connections to conversations. It owns the
// connection to conversation table and hands finished conversations to the
// job queue.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/vango-go/vai-convo/pkg/core/conversation"
	"github.com/vango-go/vai-convo/pkg/core/jobqueue"
	"github.com/vango-go/vai-convo/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-convo/pkg/gateway/live/registry"
	"github.com/vango-go/vai-convo/pkg/gateway/live/sessions"
)

var ErrUnauthorized = errors.New("gateway: connection has no identity")

// Conn is one live client connection. Send must not block.
type Conn interface {
	ID() string
	UserID() int64
	Send(v any) error
	// Fail sends an error event and closes the connection.
	Fail(code, message string)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload []byte, opts jobqueue.Options) (string, error)
}

// Recorder observes conversation lifecycle events.
type Recorder interface {
	RecordConversationStart(outcome string)
	RecordChunk(speaker conversation.Speaker, outcome string)
	RecordFinalize(outcome string, entries int)
}

type nopRecorder struct{}

func (nopRecorder) RecordConversationStart(string)           {}
func (nopRecorder) RecordChunk(conversation.Speaker, string) {}
func (nopRecorder) RecordFinalize(string, int)               {}

type Option func(*Gateway)

func WithRecorder(r Recorder) Option {
	return func(g *Gateway) {
		if r != nil {
			g.recorder = r
		}
	}
}

// WithIDGenerator replaces the conversation id source.
func WithIDGenerator(fn func() string) Option {
	return func(g *Gateway) {
		if fn != nil {
			g.newID = fn
		}
	}
}

type Gateway struct {
	registry *registry.Registry
	queue    Enqueuer
	tracker  *sessions.Tracker
	jobOpts  jobqueue.Options
	logger   *slog.Logger
	recorder Recorder
	newID    func() string

	mu       sync.Mutex
	bindings map[string]string
}

func New(reg *registry.Registry, queue Enqueuer, tracker *sessions.Tracker, jobOpts jobqueue.Options, logger *slog.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		registry: reg,
		queue:    queue,
		tracker:  tracker,
		jobOpts:  jobOpts,
		logger:   logger,
		recorder: nopRecorder{},
		newID:    uuid.NewString,
		bindings: make(map[string]string),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Connect allocates a conversation for conn, opens its AI stream and sends the
// connected acknowledgement.
func (g *Gateway) Connect(ctx context.Context, conn Conn) (string, error) {
	if conn.UserID() <= 0 {
		conn.Fail(protocol.CodeUnauthorized, "missing identity")
		g.recorder.RecordConversationStart("unauthorized")
		return "", ErrUnauthorized
	}

	id := g.newID()
	err := g.registry.Start(ctx, registry.StartRequest{
		ConversationID: id,
		UserID:         conn.UserID(),
		Peer:           &peer{g: g, conn: conn},
	})
	if err != nil {
		g.logger.Error("start conversation failed", "conn_id", conn.ID(), "user_id", conn.UserID(), "error", err)
		conn.Fail(protocol.CodeUpstreamError, "could not start conversation")
		g.recorder.RecordConversationStart("error")
		return "", fmt.Errorf("start conversation: %w", err)
	}

	g.mu.Lock()
	g.bindings[conn.ID()] = id
	g.mu.Unlock()

	if err := conn.Send(protocol.ServerConnected{Event: protocol.EventConnected, ConversationID: id}); err != nil {
		g.logger.Warn("send connected failed", "conversation_id", id, "error", err)
	}
	g.recorder.RecordConversationStart("ok")
	g.logger.Info("conversation connected", "conversation_id", id, "conn_id", conn.ID(), "user_id", conn.UserID())
	return id, nil
}

// ConversationID returns the conversation bound to connID.
func (g *Gateway) ConversationID(connID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.bindings[connID]
	return id, ok
}

// InboundChunk forwards client audio to the bound conversation. Chunks with no
// live conversation are dropped with a warning.
func (g *Gateway) InboundChunk(conn Conn, audio []byte) {
	id, ok := g.ConversationID(conn.ID())
	if !ok {
		g.logger.Warn("audio chunk with no conversation", "conn_id", conn.ID(), "bytes", len(audio))
		g.recorder.RecordChunk(conversation.SpeakerUser, "orphaned")
		return
	}
	if !g.registry.Forward(id, audio) {
		g.logger.Warn("audio chunk dropped, conversation finalized or ai stream ended", "conversation_id", id, "conn_id", conn.ID())
		g.recorder.RecordChunk(conversation.SpeakerUser, "dropped")
		return
	}
	g.recorder.RecordChunk(conversation.SpeakerUser, "ok")
}

// Join subscribes conn to its user's room.
func (g *Gateway) Join(conn Conn) {
	if !g.tracker.Join(conn.ID()) {
		g.logger.Warn("join from untracked connection", "conn_id", conn.ID())
		return
	}
	if err := conn.Send(protocol.ServerJoined{Event: protocol.EventJoined, UserID: conn.UserID()}); err != nil {
		g.logger.Warn("send joined failed", "conn_id", conn.ID(), "error", err)
	}
}

// End finalizes conn's conversation at the client's request. The caller closes
// the connection afterwards.
func (g *Gateway) End(ctx context.Context, conn Conn) error {
	return g.finalize(ctx, conn, "end")
}

// Disconnect finalizes conn's conversation, if any, and enqueues it for
// persistence.
func (g *Gateway) Disconnect(ctx context.Context, conn Conn) error {
	return g.finalize(ctx, conn, "disconnect")
}

func (g *Gateway) finalize(ctx context.Context, conn Conn, reason string) error {
	g.mu.Lock()
	id, ok := g.bindings[conn.ID()]
	delete(g.bindings, conn.ID())
	g.mu.Unlock()
	if !ok {
		g.logger.Warn("finalize with no conversation", "conn_id", conn.ID(), "reason", reason)
		return nil
	}

	snap, ok := g.registry.Finalize(id)
	if !ok {
		g.logger.Debug("conversation already finalized", "conversation_id", id, "reason", reason)
		return nil
	}
	return g.persist(ctx, snap, reason)
}

// Flush finalizes every live conversation and enqueues the non-empty ones. It
// is the last step of graceful shutdown.
func (g *Gateway) Flush(ctx context.Context) error {
	snaps, err := g.registry.Shutdown(ctx)
	g.mu.Lock()
	clear(g.bindings)
	g.mu.Unlock()

	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for _, snap := range snaps {
		if perr := g.persist(ctx, snap, "shutdown"); perr != nil {
			errs = append(errs, perr)
		}
	}
	return errors.Join(errs...)
}

func (g *Gateway) persist(ctx context.Context, snap conversation.Snapshot, reason string) error {
	logger := g.logger.With("conversation_id", snap.ConversationID, "user_id", snap.UserID, "reason", reason)
	if snap.Empty() {
		logger.Info("empty conversation, nothing to persist")
		g.recorder.RecordFinalize("empty", 0)
		return nil
	}

	payload, err := json.Marshal(snap.Job())
	if err != nil {
		logger.Error("encode finalize job failed, conversation lost", "entries", len(snap.Entries), "error", err)
		g.recorder.RecordFinalize("lost", len(snap.Entries))
		return fmt.Errorf("encode finalize job: %w", err)
	}
	jobID, err := g.queue.Enqueue(context.WithoutCancel(ctx), conversation.JobName, payload, g.jobOpts)
	if err != nil {
		logger.Error("enqueue finalize job failed, conversation lost", "entries", len(snap.Entries), "error", err)
		g.recorder.RecordFinalize("lost", len(snap.Entries))
		return fmt.Errorf("enqueue finalize job: %w", err)
	}
	logger.Info("conversation enqueued", "job_id", jobID, "entries", len(snap.Entries))
	g.recorder.RecordFinalize("enqueued", len(snap.Entries))
	return nil
}

// peer delivers backend audio for one conversation to its owning connection
// and to the owner's joined connections.
type peer struct {
	g    *Gateway
	conn Conn
}

func (p *peer) SendAudio(conversationID string, seq int64, audio []byte) error {
	err := p.conn.Send(protocol.NewAudioChunk(protocol.EventAIAudioChunk, conversationID, seq, audio))
	outcome := "ok"
	if err != nil {
		outcome = "dropped"
	}
	p.g.recorder.RecordChunk(conversation.SpeakerAI, outcome)
	p.g.tracker.Broadcast(p.conn.UserID(), p.conn.ID(), protocol.NewAudioChunk(protocol.EventUserAudioResponse, conversationID, seq, audio))
	return err
}

func (p *peer) StreamEnded(conversationID string, err error) {
	msg := "ai stream closed"
	if err != nil {
		msg = "ai stream failed"
	}
	p.g.logger.Warn("ending connection after ai stream ended", "conversation_id", conversationID, "conn_id", p.conn.ID(), "error", err)
	p.conn.Fail(protocol.CodeUpstreamError, msg)
}
