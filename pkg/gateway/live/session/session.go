// Package session runs one voice conversation WebSocket: it reads client
// events, hands them to the connection gateway and owns the single outbound
// writer for the socket.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-convo/pkg/gateway/live/gateway"
	"github.com/vango-go/vai-convo/pkg/gateway/live/protocol"
)

const (
	outboundPriorityQueueSize = 8
	defaultOutboundQueueSize  = 128
)

var errBackpressure = errors.New("live outbound backpressure")

// Gateway is the part of the connection gateway a session drives.
type Gateway interface {
	Connect(ctx context.Context, conn gateway.Conn) (string, error)
	InboundChunk(conn gateway.Conn, audio []byte)
	Join(conn gateway.Conn)
	End(ctx context.Context, conn gateway.Conn) error
	Disconnect(ctx context.Context, conn gateway.Conn) error
}

type Config struct {
	MaxAudioFrameBytes     int
	MaxJSONMessageBytes    int64
	MaxAudioFPS            int
	MaxAudioBytesPerSecond int64
	InboundBurstSeconds    int
	PingInterval           time.Duration
	WriteTimeout           time.Duration
	ReadTimeout            time.Duration
	MaxSessionDuration     time.Duration
	OutboundQueueSize      int
}

type Dependencies struct {
	Conn      *websocket.Conn
	Gateway   Gateway
	Logger    *slog.Logger
	SessionID string
	UserID    int64
	RequestID string
	Config    Config
	Now       func() time.Time
}

type LiveSession struct {
	conn      *websocket.Conn
	gateway   Gateway
	logger    *slog.Logger
	sessionID string
	userID    int64
	cfg       Config
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame
	dropped          atomic.Int64
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

func New(deps Dependencies) (*LiveSession, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if deps.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = defaultOutboundQueueSize
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &LiveSession{
		conn:             deps.Conn,
		gateway:          deps.Gateway,
		logger:           deps.Logger.With("session_id", deps.SessionID, "user_id", deps.UserID, "request_id", deps.RequestID),
		sessionID:        deps.SessionID,
		userID:           deps.UserID,
		cfg:              deps.Config,
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, min(deps.Config.OutboundQueueSize, outboundPriorityQueueSize)),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
	}, nil
}

func (s *LiveSession) ID() string    { return s.sessionID }
func (s *LiveSession) UserID() int64 { return s.userID }

// Send queues a server event behind any audio already queued. It returns
// errBackpressure instead of blocking when the queue is full.
func (s *LiveSession) Send(v any) error {
	err := s.sendJSON(v)
	if errors.Is(err, errBackpressure) {
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			s.logger.Warn("outbound queue full, dropping frame", "dropped", n)
		}
	}
	return err
}

// Fail sends an error event that closes the connection, then stops the
// session.
func (s *LiveSession) Fail(code, message string) {
	_ = s.sendJSONPriority(protocol.ServerError{Event: protocol.EventError, Code: code, Message: message, Close: true})
	s.cancel()
}

func (s *LiveSession) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

func (s *LiveSession) SendWarning(code, message string) error {
	if s == nil {
		return nil
	}
	return s.sendJSONPriority(protocol.ServerWarning{Event: protocol.EventWarning, Code: code, Message: message})
}

func (s *LiveSession) Run() error {
	defer s.cancel()

	if s.cfg.MaxJSONMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxJSONMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	readCh := make(chan inboundFrame, 64)
	writerErrCh := make(chan error, 1)
	go s.readLoop(readCh)
	go func() {
		w := outboundWriter{
			ws:       s.conn,
			ctx:      s.ctx,
			cfg:      s.cfg,
			priority: s.outboundPriority,
			normal:   s.outboundNormal,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	flushAndClose := func() error {
		s.cancel()
		wait := 100 * time.Millisecond
		if s.cfg.WriteTimeout > 0 && s.cfg.WriteTimeout < wait {
			wait = s.cfg.WriteTimeout
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-writerErrCh:
		case <-timer.C:
		}
		return nil
	}

	if _, err := s.gateway.Connect(s.ctx, s); err != nil {
		s.logger.Warn("conversation not started", "error", err)
		return flushAndClose()
	}

	ended := false
	defer func() {
		if ended {
			return
		}
		if err := s.gateway.Disconnect(context.WithoutCancel(s.ctx), s); err != nil {
			s.logger.Error("disconnect finalize failed", "error", err)
		}
	}()

	limiter := newInboundLimiter(s.now, s.cfg.MaxAudioFPS, s.cfg.MaxAudioBytesPerSecond, s.cfg.InboundBurstSeconds)

	var sessionTimer *time.Timer
	if s.cfg.MaxSessionDuration > 0 {
		sessionTimer = time.NewTimer(s.cfg.MaxSessionDuration)
		defer sessionTimer.Stop()
	}
	sessionTimerCh := func() <-chan time.Time {
		if sessionTimer == nil {
			return nil
		}
		return sessionTimer.C
	}

	for {
		select {
		case <-s.ctx.Done():
			return flushAndClose()
		case err := <-writerErrCh:
			return err
		case frame, ok := <-readCh:
			if !ok || frame.err != nil {
				return nil
			}
			var audio []byte
			switch frame.messageType {
			case websocket.TextMessage:
				msg, decErr := protocol.DecodeClientMessage(frame.data)
				if decErr != nil {
					code := protocol.CodeBadRequest
					var de *protocol.DecodeError
					if errors.As(decErr, &de) {
						code = de.Code
					}
					s.Fail(code, decErr.Error())
					return flushAndClose()
				}
				switch m := msg.(type) {
				case protocol.ClientAudioChunk:
					audio = m.Audio
				case protocol.ClientJoin:
					s.gateway.Join(s)
					continue
				case protocol.ClientEnd:
					ended = true
					if err := s.gateway.End(context.WithoutCancel(s.ctx), s); err != nil {
						s.logger.Error("end finalize failed", "error", err)
					}
					return flushAndClose()
				}
			case websocket.BinaryMessage:
				chunk, err := protocol.DecodeBinaryFrame(frame.data)
				if err != nil {
					s.Fail(protocol.CodeBadRequest, err.Error())
					return flushAndClose()
				}
				audio = chunk.Audio
			default:
				continue
			}

			if s.cfg.MaxAudioFrameBytes > 0 && len(audio) > s.cfg.MaxAudioFrameBytes {
				s.Fail(protocol.CodeBadRequest, "audio frame exceeds max size")
				return flushAndClose()
			}
			if !limiter.Allow(len(audio)) {
				s.Fail(protocol.CodeRateLimited, "inbound audio rate limit exceeded")
				return flushAndClose()
			}
			s.gateway.InboundChunk(s, audio)
		case <-sessionTimerCh():
			s.logger.Info("maximum session duration reached")
			s.Fail(protocol.CodeSessionExpired, "maximum session duration reached")
			return flushAndClose()
		}
	}
}

func (s *LiveSession) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueueNormal(textFrame(payload))
}

func (s *LiveSession) sendJSONPriority(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueuePriority(textFrame(payload))
}

func (s *LiveSession) enqueueNormal(frame outboundFrame) error {
	select {
	case s.outboundNormal <- frame:
		return nil
	default:
		return errBackpressure
	}
}

// enqueuePriority evicts older priority frames rather than fail.
func (s *LiveSession) enqueuePriority(frame outboundFrame) error {
	for i := 0; i < 4; i++ {
		select {
		case s.outboundPriority <- frame:
			return nil
		default:
		}
		select {
		case <-s.outboundPriority:
		default:
		}
	}
	select {
	case s.outboundPriority <- frame:
		return nil
	default:
		return errBackpressure
	}
}

func (s *LiveSession) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

var _ gateway.Conn = (*LiveSession)(nil)
