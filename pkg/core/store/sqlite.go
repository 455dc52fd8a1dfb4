package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/vango-go/vai-convo/pkg/core/conversation"
)

// SQLite stores rows in a local database file. It suits single-node
// deployments and tests.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// migrations.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := Migrate(ctx, db, goose.DialectSQLite3, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) InsertMessages(ctx context.Context, msgs []conversation.Message) (int64, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	if err := validate(msgs); err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO conversation_messages
			(user_id, conversation_id, role, audio_url, transcript, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("store: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range copyRows(stamp(msgs, time.Now().UTC())) {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return 0, fmt.Errorf("store: insert message: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit: %w", err)
	}
	return int64(len(msgs)), nil
}

func (s *SQLite) ListMessages(ctx context.Context, userID int64, conversationID string) ([]conversation.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, conversation_id, role, audio_url, transcript, model, created_at, updated_at
		FROM conversation_messages
		WHERE user_id = ? AND conversation_id = ?
		ORDER BY created_at, id`, userID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	out := make([]conversation.Message, 0)
	for rows.Next() {
		var m conversation.Message
		var role string
		if err := rows.Scan(&m.ID, &m.UserID, &m.ConversationID, &role, &m.AudioURL, &m.Transcript, &m.Model, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.Role = conversation.Speaker(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLite) Close() error { return s.db.Close() }

var _ MessageStore = (*SQLite)(nil)
