package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vango-go/vai-convo/pkg/core/conversation"
)

// Postgres stores rows with pgx. Batches are written with COPY.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to url and, when migrate is set, applies migrations.
func OpenPostgres(ctx context.Context, url string, migrate bool, logger *slog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	if migrate {
		db := stdlib.OpenDBFromPool(pool)
		err := Migrate(ctx, db, goose.DialectPostgres, logger)
		_ = db.Close()
		if err != nil {
			pool.Close()
			return nil, err
		}
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) InsertMessages(ctx context.Context, msgs []conversation.Message) (int64, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	if err := validate(msgs); err != nil {
		return 0, err
	}
	rows := copyRows(stamp(msgs, time.Now().UTC()))
	n, err := p.pool.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("store: copy messages: %w", err)
	}
	return n, nil
}

func copyRows(msgs []conversation.Message) [][]any {
	rows := make([][]any, len(msgs))
	for i, m := range msgs {
		rows[i] = []any{m.UserID, m.ConversationID, string(m.Role), m.AudioURL, m.Transcript, m.Model, m.CreatedAt, m.UpdatedAt}
	}
	return rows
}

func (p *Postgres) ListMessages(ctx context.Context, userID int64, conversationID string) ([]conversation.Message, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, user_id, conversation_id, role, audio_url, transcript, model, created_at, updated_at
		FROM conversation_messages
		WHERE user_id = $1 AND conversation_id = $2
		ORDER BY created_at, id`, userID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	var out []conversation.Message
	for rows.Next() {
		var m conversation.Message
		var role string
		if err := rows.Scan(&m.ID, &m.UserID, &m.ConversationID, &role, &m.AudioURL, &m.Transcript, &m.Model, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.Role = conversation.Speaker(role)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	return out, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

var _ MessageStore = (*Postgres)(nil)
