// Package postgres implements the repository interfaces on PostgreSQL through
// a pgx connection pool. It mirrors the sqlite package query for query.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sakif/cosmicfire/internal/repository"
)

var _ repository.Store = (*DB)(nil)

type DB struct {
	pool *pgxpool.Pool
}

// New connects to databaseURL, verifies the connection and runs migrations.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parsing database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: pinging database: %w", err)
	}

	db := &DB{pool: pool}
	if err := db.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: running migrations: %w", err)
	}
	return db, nil
}

func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

func (db *DB) Close() error {
	db.pool.Close()
	return nil
}

func (db *DB) migrate(ctx context.Context) error {
	stmts := []struct {
		name string
		sql  string
	}{
		{"user_profiles", `
			CREATE TABLE IF NOT EXISTS user_profiles (
				id         TEXT PRIMARY KEY,
				email      TEXT NOT NULL,
				online     BOOLEAN NOT NULL DEFAULT FALSE,
				last_seen  TIMESTAMPTZ NOT NULL,
				color      TEXT NOT NULL DEFAULT '',
				pos_x      DOUBLE PRECISION,
				pos_y      DOUBLE PRECISION,
				created_at TIMESTAMPTZ NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_user_profiles_email ON user_profiles(email);
			CREATE INDEX IF NOT EXISTS idx_user_profiles_online ON user_profiles(online, last_seen);`},
		{"chat_messages", `
			CREATE TABLE IF NOT EXISTS chat_messages (
				id            TEXT PRIMARY KEY,
				sender_id     TEXT NOT NULL,
				sender_email  TEXT NOT NULL,
				content       TEXT NOT NULL,
				type          TEXT NOT NULL DEFAULT 'message'
				              CHECK (type IN ('message', 'join', 'info')),
				created_at    TIMESTAMPTZ NOT NULL,
				visible_until TIMESTAMPTZ NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_chat_messages_sender ON chat_messages(sender_id, created_at);
			CREATE INDEX IF NOT EXISTS idx_chat_messages_created_at ON chat_messages(created_at);`},
		{"relationships", `
			CREATE TABLE IF NOT EXISTS relationships (
				follower_id TEXT NOT NULL REFERENCES user_profiles(id) ON DELETE CASCADE,
				followed_id TEXT NOT NULL REFERENCES user_profiles(id) ON DELETE CASCADE,
				type        TEXT NOT NULL CHECK (type IN ('follow', 'block')),
				created_at  TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (follower_id, followed_id, type)
			);
			CREATE INDEX IF NOT EXISTS idx_relationships_followed ON relationships(followed_id);`},
		{"rate_limits", `
			CREATE TABLE IF NOT EXISTS rate_limits (
				user_id      TEXT PRIMARY KEY,
				last_sent_at TIMESTAMPTZ NOT NULL
			);`},
	}
	for _, s := range stmts {
		if _, err := db.pool.Exec(ctx, s.sql); err != nil {
			return fmt.Errorf("creating %s table: %w", s.name, err)
		}
	}
	return nil
}
