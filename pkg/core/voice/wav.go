// Package voice holds audio helpers shared by the relay and the persistence
// pipeline.
package voice

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const wavHeaderBytes = 44

// Format describes raw PCM audio as exchanged on the live connection.
type Format struct {
	SampleRateHz  int
	Channels      int
	BitsPerSample int
}

// PCM16Mono is the signed 16-bit little-endian mono format used for both
// directions of a conversation.
func PCM16Mono(sampleRateHz int) Format {
	return Format{SampleRateHz: sampleRateHz, Channels: 1, BitsPerSample: 16}
}

type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// EncodeWAV wraps raw PCM bytes in a RIFF/WAVE container. The samples are
// copied as-is.
func EncodeWAV(pcm []byte, f Format) ([]byte, error) {
	if f.SampleRateHz <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", f.SampleRateHz)
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}
	if f.BitsPerSample <= 0 {
		f.BitsPerSample = 16
	}

	blockAlign := f.Channels * f.BitsPerSample / 8
	h := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + len(pcm)),
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(f.Channels),
		SampleRate:    uint32(f.SampleRateHz),
		ByteRate:      uint32(f.SampleRateHz * blockAlign),
		BlockAlign:    uint16(blockAlign),
		BitsPerSample: uint16(f.BitsPerSample),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: uint32(len(pcm)),
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderBytes+len(pcm)))
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	buf.Write(pcm)
	return buf.Bytes(), nil
}

// DurationMS returns the playback length of raw PCM in milliseconds.
func (f Format) DurationMS(pcmBytes int) int64 {
	bytesPerSecond := f.SampleRateHz * f.Channels * f.BitsPerSample / 8
	if bytesPerSecond <= 0 {
		return 0
	}
	return int64(pcmBytes) * 1000 / int64(bytesPerSecond)
}
