package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/xid"

	"github.com/sakif/cosmicfire/internal/model"
)

const messageColumns = `id, sender_id, sender_email, content, type, created_at, visible_until`

func (db *DB) Insert(ctx context.Context, msg *model.ChatMessage) error {
	if msg.ID == "" {
		msg.ID = xid.New().String()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO chat_messages (`+messageColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.SenderID, msg.SenderEmail, msg.Content, string(msg.Type), msg.CreatedAt, msg.VisibleUntil,
	)
	if err != nil {
		return fmt.Errorf("postgres: inserting message: %w", err)
	}
	return nil
}

func (db *DB) ListBySender(ctx context.Context, senderID string, limit int) ([]model.ChatMessage, error) {
	return db.listMessages(ctx, "listing messages by sender",
		`SELECT `+messageColumns+` FROM chat_messages
		 WHERE sender_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		senderID, limit)
}

func (db *DB) ListRecent(ctx context.Context, limit int) ([]model.ChatMessage, error) {
	return db.listMessages(ctx, "listing recent messages",
		`SELECT `+messageColumns+` FROM chat_messages ORDER BY created_at DESC, id DESC LIMIT $1`,
		limit)
}

func (db *DB) listMessages(ctx context.Context, op, query string, args ...any) ([]model.ChatMessage, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ChatMessage, error) {
		var (
			m   model.ChatMessage
			typ string
		)
		err := row.Scan(&m.ID, &m.SenderID, &m.SenderEmail, &m.Content, &typ, &m.CreatedAt, &m.VisibleUntil)
		m.Type = model.MessageType(typ)
		m.CreatedAt = m.CreatedAt.UTC()
		m.VisibleUntil = m.VisibleUntil.UTC()
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	return msgs, nil
}
