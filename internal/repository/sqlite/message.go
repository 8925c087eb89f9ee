package sqlite

import (
	"context"
	"fmt"

	"github.com/rs/xid"

	"github.com/sakif/cosmicfire/internal/model"
)

const messageColumns = `id, sender_id, sender_email, content, type, created_at, visible_until`

// Insert stores msg, assigning an ID if it has none. CreatedAt and
// VisibleUntil are set by the caller.
func (db *DB) Insert(ctx context.Context, msg *model.ChatMessage) error {
	if msg.ID == "" {
		msg.ID = xid.New().String()
	}
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO chat_messages (`+messageColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID,
		msg.SenderID,
		msg.SenderEmail,
		msg.Content,
		string(msg.Type),
		toMillis(msg.CreatedAt),
		toMillis(msg.VisibleUntil),
	)
	if err != nil {
		return fmt.Errorf("sqlite: inserting message: %w", err)
	}
	return nil
}

func (db *DB) ListBySender(ctx context.Context, senderID string, limit int) ([]model.ChatMessage, error) {
	return db.listMessages(ctx, "listing messages by sender",
		`SELECT `+messageColumns+` FROM chat_messages
		 WHERE sender_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		senderID, limit,
	)
}

func (db *DB) ListRecent(ctx context.Context, limit int) ([]model.ChatMessage, error) {
	return db.listMessages(ctx, "listing recent messages",
		`SELECT `+messageColumns+` FROM chat_messages
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		limit,
	)
}

func (db *DB) listMessages(ctx context.Context, op, query string, args ...any) ([]model.ChatMessage, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %s: %w", op, err)
	}
	defer rows.Close()

	messages := make([]model.ChatMessage, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %s: scanning row: %w", op, err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: %s: iterating rows: %w", op, err)
	}
	return messages, nil
}

func scanMessage(r rowScanner) (*model.ChatMessage, error) {
	var (
		m                       model.ChatMessage
		typ                     string
		createdAt, visibleUntil int64
	)
	if err := r.Scan(&m.ID, &m.SenderID, &m.SenderEmail, &m.Content, &typ, &createdAt, &visibleUntil); err != nil {
		return nil, err
	}
	m.Type = model.MessageType(typ)
	m.CreatedAt = fromMillis(createdAt)
	m.VisibleUntil = fromMillis(visibleUntil)
	return &m, nil
}
