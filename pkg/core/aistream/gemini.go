package aistream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"google.golang.org/genai"
)

const audioBufferSize = 64

// liveSession is the subset of *genai.Session used by geminiStream.
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

// Gemini opens Gemini Live API sessions with audio responses.
type Gemini struct {
	client *genai.Client
	logger *slog.Logger
}

func NewGemini(ctx context.Context, apiKey string, logger *slog.Logger) (*Gemini, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gemini{client: client, logger: logger}, nil
}

// GenAI returns the underlying client for reuse by other Gemini features.
func (g *Gemini) GenAI() *genai.Client { return g.client }

func (g *Gemini) Open(ctx context.Context, cfg Config) (Stream, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("model is required")
	}
	connectCfg := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if prompt := strings.TrimSpace(cfg.SystemPrompt); prompt != "" {
		connectCfg.SystemInstruction = genai.NewContentFromText(prompt, genai.RoleUser)
	}
	session, err := g.client.Live.Connect(ctx, cfg.Model, connectCfg)
	if err != nil {
		return nil, fmt.Errorf("connect live session: %w", err)
	}
	rate := cfg.InputSampleRateHz
	if rate <= 0 {
		rate = 16000
	}
	return newGeminiStream(session, fmt.Sprintf("audio/pcm;rate=%d", rate), g.logger.With("conversation_id", cfg.ConversationID)), nil
}

type geminiStream struct {
	session  liveSession
	mimeType string
	logger   *slog.Logger

	sendMu sync.Mutex
	closed atomic.Bool

	audio chan []byte
	done  chan struct{}
	quit  chan struct{}

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
	closeErr  error
}

func newGeminiStream(session liveSession, mimeType string, logger *slog.Logger) *geminiStream {
	s := &geminiStream{
		session:  session,
		mimeType: mimeType,
		logger:   logger,
		audio:    make(chan []byte, audioBufferSize),
		done:     make(chan struct{}),
		quit:     make(chan struct{}),
	}
	go s.receiveLoop()
	return s
}

func (s *geminiStream) Send(audio []byte) error {
	if s.closed.Load() {
		return ErrStreamClosed
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed.Load() {
		return ErrStreamClosed
	}
	err := s.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: audio, MIMEType: s.mimeType},
	})
	if err != nil {
		if s.closed.Load() {
			return ErrStreamClosed
		}
		return fmt.Errorf("send realtime input: %w", err)
	}
	return nil
}

func (s *geminiStream) Audio() <-chan []byte { return s.audio }

func (s *geminiStream) Done() <-chan struct{} { return s.done }

func (s *geminiStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *geminiStream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.quit)
		// Not under sendMu: closing the connection is what unblocks a Send
		// stuck on a slow backend.
		s.closeErr = s.session.Close()
	})
	return s.closeErr
}

func (s *geminiStream) receiveLoop() {
	defer close(s.done)
	defer close(s.audio)
	for {
		msg, err := s.session.Receive()
		if err != nil {
			if !s.closed.Load() {
				s.setErr(err)
			}
			s.closed.Store(true)
			return
		}
		for _, chunk := range audioFromMessage(msg) {
			select {
			case s.audio <- chunk:
			case <-s.quit:
				return
			}
		}
		if msg.GoAway != nil {
			s.logger.Warn("gemini live session going away")
		}
	}
}

func (s *geminiStream) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = fmt.Errorf("gemini live receive: %w", err)
	}
}

// audioFromMessage extracts inline audio parts from a model turn.
func audioFromMessage(msg *genai.LiveServerMessage) [][]byte {
	if msg == nil || msg.ServerContent == nil || msg.ServerContent.ModelTurn == nil {
		return nil
	}
	var out [][]byte
	for _, part := range msg.ServerContent.ModelTurn.Parts {
		if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
			continue
		}
		if mt := part.InlineData.MIMEType; mt != "" && !strings.HasPrefix(mt, "audio/") {
			continue
		}
		out = append(out, part.InlineData.Data)
	}
	return out
}

var _ Stream = (*geminiStream)(nil)
