package sqlite

import (
	"context"
	"fmt"
	"time"
)

// Acquire implements the per-sender cooldown as one conditional upsert: the
// row is written only when absent or when the stored send is at least
// cooldown old. SQLite reports zero changed rows when the DO UPDATE's WHERE
// fails, which is the rejection signal.
func (db *DB) Acquire(ctx context.Context, identity string, now time.Time, cooldown time.Duration) (time.Duration, bool, error) {
	nowMs := toMillis(now)
	cutoff := nowMs - cooldown.Milliseconds()

	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO rate_limits (user_id, last_sent_at) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET last_sent_at = excluded.last_sent_at
		 WHERE rate_limits.last_sent_at <= ?`,
		identity, nowMs, cutoff,
	)
	if err != nil {
		return 0, false, fmt.Errorf("sqlite: acquiring cooldown for %s: %w", identity, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("sqlite: acquiring cooldown for %s: %w", identity, err)
	}
	if n > 0 {
		return 0, true, nil
	}

	var last int64
	err = db.conn.QueryRowContext(ctx,
		`SELECT last_sent_at FROM rate_limits WHERE user_id = ?`, identity,
	).Scan(&last)
	if err != nil {
		return 0, false, fmt.Errorf("sqlite: reading cooldown for %s: %w", identity, err)
	}
	return remainingWait(last, nowMs, cooldown), false, nil
}

// remainingWait stays within [1ms, cooldown] for a rejected send. The floor
// covers a stored timestamp that raced past the cutoff between statements;
// the ceiling covers one stamped ahead of now by a skewed clock.
func remainingWait(lastMs, nowMs int64, cooldown time.Duration) time.Duration {
	remaining := time.Duration(lastMs+cooldown.Milliseconds()-nowMs) * time.Millisecond
	return min(max(remaining, time.Millisecond), cooldown)
}
