package voice

import (
	"encoding/binary"
	"testing"
)

func TestEncodeWAV_Header(t *testing.T) {
	pcm := make([]byte, 3200)
	out, err := EncodeWAV(pcm, PCM16Mono(16000))
	if err != nil {
		t.Fatalf("EncodeWAV() error = %v", err)
	}
	if len(out) != wavHeaderBytes+len(pcm) {
		t.Fatalf("len = %d, want %d", len(out), wavHeaderBytes+len(pcm))
	}
	if string(out[0:4]) != "RIFF" || string(out[8:12]) != "WAVE" || string(out[36:40]) != "data" {
		t.Fatalf("bad container markers: %q", out[:44])
	}
	if got := binary.LittleEndian.Uint32(out[24:28]); got != 16000 {
		t.Fatalf("sample rate = %d, want 16000", got)
	}
	if got := binary.LittleEndian.Uint32(out[28:32]); got != 32000 {
		t.Fatalf("byte rate = %d, want 32000", got)
	}
	if got := binary.LittleEndian.Uint32(out[40:44]); got != uint32(len(pcm)) {
		t.Fatalf("data size = %d, want %d", got, len(pcm))
	}
}

func TestEncodeWAV_RejectsBadRate(t *testing.T) {
	if _, err := EncodeWAV([]byte{1, 2}, Format{}); err == nil {
		t.Fatal("expected error for zero sample rate")
	}
}

func TestFormat_DurationMS(t *testing.T) {
	if got := PCM16Mono(24000).DurationMS(48000); got != 1000 {
		t.Fatalf("DurationMS = %d, want 1000", got)
	}
}
