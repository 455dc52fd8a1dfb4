// Package aistream abstracts a bidirectional audio stream to a conversational
// AI backend so the conversation registry never depends on transport details.
package aistream

import (
	"context"
	"errors"
)

// ErrStreamClosed is returned by Send after Close or after the backend ended
// the stream.
var ErrStreamClosed = errors.New("aistream: stream closed")

// Config configures one stream. A stream belongs to exactly one conversation.
type Config struct {
	ConversationID string
	Model          string
	SystemPrompt   string
	// InputSampleRateHz is the rate of PCM16 audio passed to Send.
	InputSampleRateHz int
}

// Client opens streams to the AI backend.
type Client interface {
	Open(ctx context.Context, cfg Config) (Stream, error)
}

// Stream is one open bidirectional audio stream.
//
// Audio delivers backend audio in arrival order and is closed when the stream
// ends for any reason. Done is closed at the same time. Err reports the
// transport failure that ended the stream, or nil when it ended through Close
// or a clean remote shutdown.
type Stream interface {
	Send(audio []byte) error
	Audio() <-chan []byte
	Done() <-chan struct{}
	Err() error
	Close() error
}
