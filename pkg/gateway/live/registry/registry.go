// Package registry owns every live conversation. Each conversation is served
// by one goroutine that consumes both client chunks and backend audio, so the
// log has a single writer and sequence numbers follow arrival order.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/vai-convo/pkg/core/aistream"
	"github.com/vango-go/vai-convo/pkg/core/conversation"
)

var (
	ErrDuplicateConversation = errors.New("registry: conversation already exists")
	ErrClosed                = errors.New("registry: shut down")
)

const (
	defaultInboxSize       = 64
	defaultFinalizeTimeout = 5 * time.Second
)

// Peer is the client side of a conversation.
type Peer interface {
	// SendAudio delivers backend audio that has just been logged with seq.
	// It must not block.
	SendAudio(conversationID string, seq int64, audio []byte) error
	// StreamEnded reports that the backend stream ended on its own. err is nil
	// for a clean remote close.
	StreamEnded(conversationID string, err error)
}

type Config struct {
	Model             string
	SystemPrompt      string
	InputSampleRateHz int
	InboxSize         int
	// FinalizeTimeout bounds how long Finalize waits for the conversation's
	// goroutine to stop.
	FinalizeTimeout time.Duration
}

type StartRequest struct {
	ConversationID string
	UserID         int64
	Peer           Peer
}

type Registry struct {
	client aistream.Client
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	convs  map[string]*conv
	closed bool
}

func New(client aistream.Client, cfg Config, logger *slog.Logger) *Registry {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaultInboxSize
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = defaultFinalizeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		client: client,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		convs:  make(map[string]*conv),
	}
}

// Start opens a backend stream and registers the conversation.
func (r *Registry) Start(ctx context.Context, req StartRequest) error {
	id := strings.TrimSpace(req.ConversationID)
	if id == "" {
		return fmt.Errorf("registry: conversation id is required")
	}
	if req.Peer == nil {
		return fmt.Errorf("registry: peer is required")
	}

	r.mu.RLock()
	_, exists := r.convs[id]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if exists {
		return ErrDuplicateConversation
	}

	stream, err := r.client.Open(ctx, aistream.Config{
		ConversationID:    id,
		Model:             r.cfg.Model,
		SystemPrompt:      r.cfg.SystemPrompt,
		InputSampleRateHz: r.cfg.InputSampleRateHz,
	})
	if err != nil {
		return fmt.Errorf("registry: open stream: %w", err)
	}

	c := &conv{
		id:        id,
		userID:    req.UserID,
		model:     r.cfg.Model,
		peer:      req.Peer,
		stream:    stream,
		startedAt: r.now(),
		now:       r.now,
		logger:    r.logger.With("conversation_id", id, "user_id", req.UserID),
		inbox:     make(chan op, r.cfg.InboxSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed || r.convs[id] != nil {
		r.mu.Unlock()
		_ = stream.Close()
		if r.closed {
			return ErrClosed
		}
		return ErrDuplicateConversation
	}
	r.convs[id] = c
	r.mu.Unlock()

	go c.run()
	c.logger.Debug("conversation started")
	return nil
}

func (r *Registry) lookup(id string) *conv {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.convs[id]
}

// Forward sends a client chunk to the backend stream and logs it. It reports
// false when the conversation is unknown, finalized or its stream has ended;
// the chunk is then dropped without touching any log.
func (r *Registry) Forward(id string, audio []byte) bool {
	c := r.lookup(id)
	if c == nil {
		return false
	}
	return c.submit(op{kind: opForward, speaker: conversation.SpeakerUser, audio: audio})
}

// Append logs a chunk without sending it anywhere. Like Forward it is a no-op
// once the stream has ended.
func (r *Registry) Append(id string, speaker conversation.Speaker, audio []byte) bool {
	if !speaker.Valid() {
		return false
	}
	c := r.lookup(id)
	if c == nil {
		return false
	}
	return c.submit(op{kind: opAppend, speaker: speaker, audio: audio})
}

// Finalize closes the conversation's stream, removes it and returns its log.
// Only the first call for an id gets the snapshot; later calls return false.
func (r *Registry) Finalize(id string) (conversation.Snapshot, bool) {
	r.mu.Lock()
	c := r.convs[id]
	delete(r.convs, id)
	r.mu.Unlock()
	if c == nil {
		return conversation.Snapshot{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.FinalizeTimeout)
	defer cancel()
	snap, _ := c.finalize(ctx)
	return snap, true
}

// Shutdown finalizes every remaining conversation concurrently and returns
// all of their snapshots. The error is ctx's if some conversation goroutine
// was still busy when ctx ended; its snapshot is returned regardless.
// Start fails with ErrClosed afterwards.
func (r *Registry) Shutdown(ctx context.Context) ([]conversation.Snapshot, error) {
	r.mu.Lock()
	r.closed = true
	convs := make([]*conv, 0, len(r.convs))
	for id, c := range r.convs {
		convs = append(convs, c)
		delete(r.convs, id)
	}
	r.mu.Unlock()

	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		snaps = make([]conversation.Snapshot, 0, len(convs))
		errs  []error
	)
	for _, c := range convs {
		wg.Add(1)
		go func(c *conv) {
			defer wg.Done()
			snap, err := c.finalize(ctx)
			mu.Lock()
			defer mu.Unlock()
			snaps = append(snaps, snap)
			if err != nil {
				errs = append(errs, err)
			}
		}(c)
	}
	wg.Wait()
	if len(errs) > 0 {
		return snaps, errs[0]
	}
	return snaps, nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.convs)
}

type opKind int

const (
	opForward opKind = iota
	opAppend
)

type op struct {
	kind    opKind
	speaker conversation.Speaker
	audio   []byte
	reply   chan bool
}

// conv is the state of one conversation. The run goroutine is the only writer
// of the log; mu lets a finalizer seal it without waiting for that goroutine,
// which may be blocked in a stream send.
type conv struct {
	id        string
	userID    int64
	model     string
	peer      Peer
	stream    aistream.Stream
	startedAt time.Time
	now       func() time.Time
	logger    *slog.Logger

	inbox chan op
	quit  chan struct{}
	done  chan struct{}

	mu     sync.Mutex
	log    []conversation.Entry
	seq    int64
	sealed bool

	// owned by run
	streamEnd bool
}

func (c *conv) submit(o op) bool {
	o.reply = make(chan bool, 1)
	select {
	case c.inbox <- o:
	case <-c.quit:
		return false
	}
	select {
	case ok := <-o.reply:
		return ok
	case <-c.quit:
		select {
		case ok := <-o.reply:
			return ok
		default:
			return false
		}
	}
}

// finalize seals the log, stops the run goroutine and closes the stream, which
// also releases a Send in flight. It waits for the goroutine until ctx ends.
// Callers guarantee it runs once per conversation.
func (c *conv) finalize(ctx context.Context) (conversation.Snapshot, error) {
	close(c.quit)
	snap := c.seal()
	if err := c.stream.Close(); err != nil {
		c.logger.Debug("close ai stream", "error", err)
	}
	c.logger.Info("conversation finalized", "entries", len(snap.Entries))

	select {
	case <-c.done:
		return snap, nil
	case <-ctx.Done():
		c.logger.Warn("conversation goroutine still busy after finalize", "error", ctx.Err())
		return snap, ctx.Err()
	}
}

func (c *conv) run() {
	defer close(c.done)
	audio := c.stream.Audio()
	for {
		select {
		case <-c.quit:
			return
		case o := <-c.inbox:
			o.reply <- c.handle(o)
		case chunk, ok := <-audio:
			if !ok {
				audio = nil
				select {
				case <-c.quit:
					return
				default:
				}
				c.onStreamEnd()
				continue
			}
			seq, ok := c.append(conversation.SpeakerAI, chunk)
			if !ok {
				continue
			}
			if err := c.peer.SendAudio(c.id, seq, chunk); err != nil {
				c.logger.Warn("ai audio not delivered to client", "seq", seq, "error", err)
			}
		}
	}
}

// handle applies a client-side op. Once the stream has ended nothing more is
// logged or sent.
func (c *conv) handle(o op) bool {
	if c.streamEnd {
		c.logger.Debug("chunk dropped after stream end", "speaker", o.speaker)
		return false
	}
	if o.kind == opForward {
		if err := c.stream.Send(o.audio); err != nil {
			if errors.Is(err, aistream.ErrStreamClosed) {
				c.logger.Debug("forward after stream closed", "error", err)
				return false
			}
			c.logger.Warn("forward to ai stream failed", "error", err)
		}
	}
	_, ok := c.append(o.speaker, o.audio)
	return ok
}

func (c *conv) append(speaker conversation.Speaker, audio []byte) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return 0, false
	}
	c.seq++
	c.log = append(c.log, conversation.Entry{
		Speaker:  speaker,
		Payload:  append([]byte(nil), audio...),
		Sequence: c.seq,
	})
	return c.seq, true
}

func (c *conv) onStreamEnd() {
	if c.streamEnd {
		return
	}
	c.streamEnd = true
	err := c.stream.Err()
	if err != nil {
		c.logger.Warn("ai stream failed", "error", err)
	} else {
		c.logger.Info("ai stream closed by backend")
	}
	go c.peer.StreamEnded(c.id, err)
}

func (c *conv) seal() conversation.Snapshot {
	c.mu.Lock()
	c.sealed = true
	entries := make([]conversation.Entry, len(c.log))
	copy(entries, c.log)
	c.mu.Unlock()
	return conversation.Snapshot{
		ConversationID: c.id,
		UserID:         c.userID,
		Model:          c.model,
		Entries:        entries,
		StartedAt:      c.startedAt,
		EndedAt:        c.now(),
	}
}
