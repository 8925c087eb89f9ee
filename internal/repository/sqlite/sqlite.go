// Package sqlite implements the repository interfaces on an embedded SQLite
// database (modernc.org/sqlite, no cgo).
//
// Timestamps are stored as INTEGER unix milliseconds so range comparisons in
// the sweeper and the cooldown upsert are plain integer comparisons.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sakif/cosmicfire/internal/repository"
)

var _ repository.Store = (*DB)(nil)

// DB wraps a sql.DB connection pool and provides repository methods.
type DB struct {
	conn *sql.DB
}

// New opens (creating if needed) the database at dbPath and runs migrations.
// ":memory:" gives a private in-memory database.
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}
	// SQLite allows one writer. A single connection also keeps ":memory:"
	// databases shared across calls.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}
	return db, nil
}

func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS user_profiles (
			id         TEXT PRIMARY KEY,
			email      TEXT NOT NULL,
			online     INTEGER NOT NULL DEFAULT 0,
			last_seen  INTEGER NOT NULL,
			color      TEXT NOT NULL DEFAULT '',
			pos_x      REAL,
			pos_y      REAL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_user_profiles_email ON user_profiles(email);
		CREATE INDEX IF NOT EXISTS idx_user_profiles_online ON user_profiles(online, last_seen);
	`)
	if err != nil {
		return fmt.Errorf("creating user_profiles table: %w", err)
	}

	// Messages outlive their sender's profile, so no foreign key here.
	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS chat_messages (
			id            TEXT PRIMARY KEY,
			sender_id     TEXT NOT NULL,
			sender_email  TEXT NOT NULL,
			content       TEXT NOT NULL,
			type          TEXT NOT NULL DEFAULT 'message'
			              CHECK (type IN ('message', 'join', 'info')),
			created_at    INTEGER NOT NULL,
			visible_until INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_chat_messages_sender ON chat_messages(sender_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_chat_messages_created_at ON chat_messages(created_at);
	`)
	if err != nil {
		return fmt.Errorf("creating chat_messages table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS relationships (
			follower_id TEXT NOT NULL REFERENCES user_profiles(id) ON DELETE CASCADE,
			followed_id TEXT NOT NULL REFERENCES user_profiles(id) ON DELETE CASCADE,
			type        TEXT NOT NULL CHECK (type IN ('follow', 'block')),
			created_at  INTEGER NOT NULL,
			PRIMARY KEY (follower_id, followed_id, type)
		);
		CREATE INDEX IF NOT EXISTS idx_relationships_followed ON relationships(followed_id);
	`)
	if err != nil {
		return fmt.Errorf("creating relationships table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS rate_limits (
			user_id      TEXT PRIMARY KEY,
			last_sent_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("creating rate_limits table: %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}
