package conversation

import (
	"fmt"
	"path"
	"strconv"
	"time"
)

// Segment is a maximal run of consecutive same-speaker chunks.
type Segment struct {
	Index         int
	Speaker       Speaker
	Audio         []byte
	Chunks        int
	FirstSequence int64
	LastSequence  int64
}

// Stitch groups consecutive same-speaker entries into segments, preserving
// run order. Entries must be in strictly increasing sequence order with a
// known speaker.
func Stitch(entries []Entry) ([]Segment, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	var segments []Segment
	var prevSeq int64
	for i, e := range entries {
		if !e.Speaker.Valid() {
			return nil, fmt.Errorf("%w: entry %d has unknown speaker %q", ErrMalformedLog, i, e.Speaker)
		}
		if i > 0 && e.Sequence <= prevSeq {
			return nil, fmt.Errorf("%w: entry %d sequence %d not after %d", ErrMalformedLog, i, e.Sequence, prevSeq)
		}
		prevSeq = e.Sequence

		n := len(segments)
		if n > 0 && segments[n-1].Speaker == e.Speaker {
			seg := &segments[n-1]
			seg.Audio = append(seg.Audio, e.Payload...)
			seg.Chunks++
			seg.LastSequence = e.Sequence
			continue
		}
		audio := make([]byte, 0, len(e.Payload))
		segments = append(segments, Segment{
			Index:         n,
			Speaker:       e.Speaker,
			Audio:         append(audio, e.Payload...),
			Chunks:        1,
			FirstSequence: e.Sequence,
			LastSequence:  e.Sequence,
		})
	}
	return segments, nil
}

// ObjectKey is the storage path of a segment:
// {prefix}/{userId}/{conversationId}/{speaker}_{index}_{unixMillis}{ext}.
func ObjectKey(prefix string, userID int64, conversationID string, seg Segment, at time.Time, ext string) string {
	name := fmt.Sprintf("%s_%d_%d%s", seg.Speaker, seg.Index, at.UnixMilli(), ext)
	return path.Join(prefix, strconv.FormatInt(userID, 10), conversationID, name)
}
