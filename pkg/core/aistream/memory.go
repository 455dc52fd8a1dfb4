package aistream

import (
	"context"
	"sync"
)

// Memory is an in-process Client. Streams record what they are sent and
// deliver audio pushed with Emit. With Echo set, every sent chunk is also
// emitted back, which makes Memory usable as a loopback backend in local
// development.
type Memory struct {
	Echo bool
	// OpenErr, when set, is returned by Open.
	OpenErr error

	mu      sync.Mutex
	streams []*MemoryStream
}

func NewMemory(echo bool) *Memory {
	return &Memory{Echo: echo}
}

func (m *Memory) Open(ctx context.Context, cfg Config) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	s := &MemoryStream{
		Config: cfg,
		echo:   m.Echo,
		audio:  make(chan []byte, audioBufferSize),
		done:   make(chan struct{}),
	}
	m.streams = append(m.streams, s)
	return s, nil
}

// Streams returns every stream opened so far, in open order.
func (m *Memory) Streams() []*MemoryStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*MemoryStream, len(m.streams))
	copy(out, m.streams)
	return out
}

// Last returns the most recently opened stream or nil.
func (m *Memory) Last() *MemoryStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		return nil
	}
	return m.streams[len(m.streams)-1]
}

type MemoryStream struct {
	Config Config

	echo bool

	mu     sync.Mutex
	sent   [][]byte
	closed bool
	closes int
	err    error

	audio chan []byte
	done  chan struct{}
}

func (s *MemoryStream) Send(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	buf := append([]byte(nil), audio...)
	s.sent = append(s.sent, buf)
	if s.echo {
		select {
		case s.audio <- buf:
		default:
		}
	}
	return nil
}

// Emit delivers backend audio to the stream consumer. It reports false once
// the stream has ended.
func (s *MemoryStream) Emit(audio []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.audio <- append([]byte(nil), audio...)
	return true
}

// Fail ends the stream as a transport failure would.
func (s *MemoryStream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.endLocked()
}

func (s *MemoryStream) Audio() <-chan []byte { return s.audio }

func (s *MemoryStream) Done() <-chan struct{} { return s.done }

func (s *MemoryStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *MemoryStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if s.closed {
		return nil
	}
	s.endLocked()
	return nil
}

func (s *MemoryStream) endLocked() {
	s.closed = true
	close(s.audio)
	close(s.done)
}

// Sent returns copies of every chunk passed to Send.
func (s *MemoryStream) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

// Closed reports whether the stream has ended and how many times Close was
// called.
func (s *MemoryStream) Closed() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.closes
}

var (
	_ Client = (*Memory)(nil)
	_ Stream = (*MemoryStream)(nil)
)
