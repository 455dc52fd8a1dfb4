// Package store persists conversation message rows.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/vango-go/vai-convo/pkg/core/conversation"
)

// MessageStore inserts and reads persisted conversation rows. Inserts always
// create new rows, so a redelivered job never corrupts existing data.
type MessageStore interface {
	// InsertMessages writes all rows in one batch and returns how many were
	// written. It is all-or-nothing.
	InsertMessages(ctx context.Context, msgs []conversation.Message) (int64, error)
	// ListMessages returns rows for a conversation owned by userID, oldest
	// first.
	ListMessages(ctx context.Context, userID int64, conversationID string) ([]conversation.Message, error)
	Ping(ctx context.Context) error
	Close() error
}

const table = "conversation_messages"

var columns = []string{"user_id", "conversation_id", "role", "audio_url", "transcript", "model", "created_at", "updated_at"}

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// Migrate applies pending schema migrations for dialect.
func Migrate(ctx context.Context, db *sql.DB, dialect goose.Dialect, logger *slog.Logger) error {
	dir := "migrations/postgres"
	if dialect == goose.DialectSQLite3 {
		dir = "migrations/sqlite"
	}
	fsys, err := fs.Sub(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("store: open migrations: %w", err)
	}
	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return fmt.Errorf("store: create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("store: apply migrations: %w", err)
	}
	if logger != nil {
		for _, r := range results {
			logger.Info("applied migration", "version", r.Source.Version, "duration", r.Duration)
		}
	}
	return nil
}

// stamp fills timestamps left zero so every row in a batch shares one clock
// reading.
func stamp(msgs []conversation.Message, now time.Time) []conversation.Message {
	out := make([]conversation.Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		if out[i].CreatedAt.IsZero() {
			out[i].CreatedAt = now
		}
		if out[i].UpdatedAt.IsZero() {
			out[i].UpdatedAt = out[i].CreatedAt
		}
	}
	return out
}

func validate(msgs []conversation.Message) error {
	for i, m := range msgs {
		if m.ConversationID == "" || m.UserID <= 0 {
			return fmt.Errorf("store: message %d: missing owner or conversation", i)
		}
		if !m.Role.Valid() {
			return fmt.Errorf("store: message %d: invalid role %q", i, m.Role)
		}
	}
	return nil
}

// Memory is an in-process MessageStore.
type Memory struct {
	mu     sync.RWMutex
	rows   []conversation.Message
	nextID int64
	// InsertErr, when set, fails every insert.
	InsertErr error
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) InsertMessages(ctx context.Context, msgs []conversation.Message) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validate(msgs); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InsertErr != nil {
		return 0, m.InsertErr
	}
	for _, msg := range stamp(msgs, time.Now().UTC()) {
		m.nextID++
		msg.ID = m.nextID
		m.rows = append(m.rows, msg)
	}
	return int64(len(msgs)), nil
}

func (m *Memory) ListMessages(ctx context.Context, userID int64, conversationID string) ([]conversation.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []conversation.Message
	for _, r := range m.rows {
		if r.UserID == userID && r.ConversationID == conversationID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// All returns every row in insert order.
func (m *Memory) All() []conversation.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]conversation.Message, len(m.rows))
	copy(out, m.rows)
	return out
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }

var _ MessageStore = (*Memory)(nil)
