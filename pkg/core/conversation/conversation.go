// Package conversation holds the data model shared by the live relay and the
// persistence pipeline: log entries, finalize jobs, stitched segments and
// persisted message rows.
package conversation

import (
	"errors"
	"fmt"
	"time"
)

// JobName is the queue job that carries a finished conversation to the
// persistence worker.
const JobName = "save-conversation"

// Speaker identifies who produced an audio chunk.
type Speaker string

const (
	SpeakerUser Speaker = "user"
	SpeakerAI   Speaker = "ai"
)

func (s Speaker) Valid() bool {
	return s == SpeakerUser || s == SpeakerAI
}

// ErrMalformedLog is returned when a log cannot be stitched.
var ErrMalformedLog = errors.New("conversation: malformed log")

// Entry is one chunk in a conversation log. Sequence numbers start at 1 and
// increase strictly in arrival order.
type Entry struct {
	Speaker  Speaker `json:"role"`
	Payload  []byte  `json:"chunk"`
	Sequence int64   `json:"seq"`
}

// Snapshot is the immutable view of a conversation handed out by finalize.
type Snapshot struct {
	ConversationID string
	UserID         int64
	Model          string
	Entries        []Entry
	StartedAt      time.Time
	EndedAt        time.Time
}

func (s Snapshot) Empty() bool {
	return len(s.Entries) == 0
}

// Job converts the snapshot into the payload enqueued for persistence.
func (s Snapshot) Job() FinalizeJob {
	entries := make([]Entry, len(s.Entries))
	copy(entries, s.Entries)
	return FinalizeJob{
		UserID:         s.UserID,
		ConversationID: s.ConversationID,
		Messages:       entries,
		Model:          s.Model,
		EndedAt:        s.EndedAt,
	}
}

// FinalizeJob is the save-conversation payload. It is immutable once enqueued.
type FinalizeJob struct {
	UserID         int64     `json:"userId"`
	ConversationID string    `json:"conversationId"`
	Messages       []Entry   `json:"messages"`
	Model          string    `json:"model"`
	EndedAt        time.Time `json:"endedAt,omitzero"`
}

func (j FinalizeJob) Validate() error {
	if j.ConversationID == "" {
		return fmt.Errorf("%w: missing conversation id", ErrMalformedLog)
	}
	if j.UserID <= 0 {
		return fmt.Errorf("%w: invalid user id %d", ErrMalformedLog, j.UserID)
	}
	return nil
}

// Message is one persisted row: a stitched segment with its stored audio and
// transcript. Rows are never updated after insert.
type Message struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"userId"`
	ConversationID string    `json:"conversationId"`
	Role           Speaker   `json:"role"`
	AudioURL       string    `json:"audioUrl"`
	Transcript     string    `json:"transcript"`
	Model          string    `json:"model"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}
