// Package stt provides batch speech-to-text for persisted conversation audio.
package stt

import (
	"context"
	"io"
)

// Provider is the interface for speech-to-text services.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Transcribe converts a complete audio file to text.
	Transcribe(ctx context.Context, audio io.Reader, opts TranscribeOptions) (*Transcript, error)
}

// TranscribeOptions configures transcription.
type TranscribeOptions struct {
	Model      string // Provider-specific model
	Language   string // ISO language code
	Format     string // Audio format hint (wav, mp3, pcm_s16le, ...)
	SampleRate int    // Audio sample rate in Hz
	Timestamps bool   // Include word-level timestamps
}

// Transcript is the result of transcription.
type Transcript struct {
	Text     string  // Full transcribed text
	Language string  // Detected or specified language
	Duration float64 // Audio duration in seconds
	Words    []Word  // Word-level details (if timestamps requested)
}

// Word represents a single transcribed word with timing.
type Word struct {
	Word  string
	Start float64
	End   float64
}

// Static returns the same transcript for every input. It backs local runs
// without a speech-to-text account.
type Static struct {
	Text string
	Err  error
}

func (s Static) Name() string { return "static" }

func (s Static) Transcribe(ctx context.Context, audio io.Reader, _ TranscribeOptions) (*Transcript, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Err != nil {
		return nil, s.Err
	}
	if _, err := io.Copy(io.Discard, audio); err != nil {
		return nil, err
	}
	return &Transcript{Text: s.Text}, nil
}
