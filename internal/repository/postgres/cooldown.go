package postgres

import (
	"context"
	"fmt"
	"time"
)

// Acquire is the same conditional upsert as the sqlite store. Postgres row
// locking on the conflicting key serializes concurrent senders.
func (db *DB) Acquire(ctx context.Context, identity string, now time.Time, cooldown time.Duration) (time.Duration, bool, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO rate_limits (user_id, last_sent_at) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET last_sent_at = EXCLUDED.last_sent_at
		 WHERE rate_limits.last_sent_at <= $3`,
		identity, now, now.Add(-cooldown),
	)
	if err != nil {
		return 0, false, fmt.Errorf("postgres: acquiring cooldown for %s: %w", identity, err)
	}
	if tag.RowsAffected() > 0 {
		return 0, true, nil
	}

	var last time.Time
	err = db.pool.QueryRow(ctx, `SELECT last_sent_at FROM rate_limits WHERE user_id = $1`, identity).Scan(&last)
	if err != nil {
		return 0, false, fmt.Errorf("postgres: reading cooldown for %s: %w", identity, err)
	}
	// a send stamped ahead of now by a skewed clock waits at most one cooldown
	remaining := min(max(last.Add(cooldown).Sub(now), time.Millisecond), cooldown)
	return remaining, false, nil
}
