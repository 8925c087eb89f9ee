package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sakif/cosmicfire/internal/apperror"
	"github.com/sakif/cosmicfire/internal/model"
)

const profileColumns = `id, email, online, last_seen, color, pos_x, pos_y, created_at`

// Upsert creates the profile on first sign-in or marks it online again.
//
// The insert uses ON CONFLICT DO NOTHING so two concurrent first sign-ins for
// the same identity cannot both create the row; the loser falls through to
// the update.
func (db *DB) Upsert(ctx context.Context, identity model.Identity, color string, now time.Time) (*model.Profile, bool, error) {
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO user_profiles (id, email, online, last_seen, color, created_at)
		 VALUES (?, ?, 1, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		identity.ID, identity.Email, toMillis(now), color, toMillis(now),
	)
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: inserting profile %s: %w", identity.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: inserting profile %s: %w", identity.ID, err)
	}
	created := n == 1

	if !created {
		_, err = db.conn.ExecContext(ctx,
			`UPDATE user_profiles SET online = 1, last_seen = ?, email = ? WHERE id = ?`,
			toMillis(now), identity.Email, identity.ID,
		)
		if err != nil {
			return nil, false, fmt.Errorf("sqlite: refreshing profile %s: %w", identity.ID, err)
		}
	}

	p, err := db.Get(ctx, identity.ID)
	if err != nil {
		return nil, false, err
	}
	return p, created, nil
}

// Get returns apperror.ErrNotFound if no profile exists with that ID.
func (db *DB) Get(ctx context.Context, id string) (*model.Profile, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM user_profiles WHERE id = ?`, id)
	p, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("profile", id)
		}
		return nil, fmt.Errorf("sqlite: getting profile %s: %w", id, err)
	}
	return p, nil
}

func (db *DB) List(ctx context.Context) ([]model.Profile, error) {
	return db.listProfiles(ctx, "listing profiles",
		`SELECT `+profileColumns+` FROM user_profiles ORDER BY created_at ASC, id ASC`)
}

func (db *DB) ListOnline(ctx context.Context) ([]model.Profile, error) {
	return db.listProfiles(ctx, "listing online profiles",
		`SELECT `+profileColumns+` FROM user_profiles WHERE online = 1 ORDER BY created_at ASC, id ASC`)
}

func (db *DB) listProfiles(ctx context.Context, op, query string, args ...any) ([]model.Profile, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %s: %w", op, err)
	}
	defer rows.Close()

	profiles := make([]model.Profile, 0)
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %s: scanning row: %w", op, err)
		}
		profiles = append(profiles, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: %s: iterating rows: %w", op, err)
	}
	return profiles, nil
}

func (db *DB) SetOnline(ctx context.Context, id string, online bool, now time.Time) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE user_profiles SET online = ?, last_seen = ? WHERE id = ?`,
		online, toMillis(now), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: setting online=%t for %s: %w", online, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: setting online=%t for %s: %w", online, id, err)
	}
	if n == 0 {
		return apperror.NotFound("profile", id)
	}
	return nil
}

func (db *DB) MarkOfflineByEmail(ctx context.Context, email string, now time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE user_profiles SET online = 0, last_seen = ? WHERE email = ?`,
		toMillis(now), email,
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: marking %s offline: %w", email, err)
	}
	return res.RowsAffected()
}

func (db *DB) ExpireHeartbeats(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE user_profiles SET online = 0 WHERE online = 1 AND last_seen < ?`,
		toMillis(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: expiring heartbeats: %w", err)
	}
	return res.RowsAffected()
}

func (db *DB) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM user_profiles WHERE online = 0 AND last_seen < ?`,
		toMillis(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: deleting stale profiles: %w", err)
	}
	return res.RowsAffected()
}

// AssignPosition writes candidate only while the stored position is empty or
// the sentinel, then reads back the winner.
func (db *DB) AssignPosition(ctx context.Context, id string, candidate model.Coordinate) (model.Coordinate, error) {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE user_profiles SET pos_x = ?, pos_y = ?
		 WHERE id = ?
		   AND (pos_x IS NULL OR pos_y IS NULL OR (pos_x = ? AND pos_y = ?))`,
		candidate.X, candidate.Y, id, model.Unassigned.X, model.Unassigned.Y,
	)
	if err != nil {
		return model.Coordinate{}, fmt.Errorf("sqlite: assigning position to %s: %w", id, err)
	}

	var x, y sql.NullFloat64
	err = db.conn.QueryRowContext(ctx,
		`SELECT pos_x, pos_y FROM user_profiles WHERE id = ?`, id,
	).Scan(&x, &y)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Coordinate{}, apperror.NotFound("profile", id)
		}
		return model.Coordinate{}, fmt.Errorf("sqlite: reading position of %s: %w", id, err)
	}
	return model.Coordinate{X: x.Float64, Y: y.Float64}, nil
}

func (db *DB) ListOnlinePositions(ctx context.Context) (map[string]model.Coordinate, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, pos_x, pos_y FROM user_profiles
		 WHERE online = 1 AND pos_x IS NOT NULL AND pos_y IS NOT NULL
		   AND NOT (pos_x = ? AND pos_y = ?)`,
		model.Unassigned.X, model.Unassigned.Y,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing online positions: %w", err)
	}
	defer rows.Close()

	positions := make(map[string]model.Coordinate)
	for rows.Next() {
		var id string
		var c model.Coordinate
		if err := rows.Scan(&id, &c.X, &c.Y); err != nil {
			return nil, fmt.Errorf("sqlite: listing online positions: scanning row: %w", err)
		}
		positions[id] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: listing online positions: iterating rows: %w", err)
	}
	return positions, nil
}

func (db *DB) ListOnlineIDs(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id FROM user_profiles WHERE online = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing online ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: listing online ids: scanning row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: listing online ids: iterating rows: %w", err)
	}
	return ids, nil
}

func scanProfile(r rowScanner) (*model.Profile, error) {
	var (
		p                   model.Profile
		lastSeen, createdAt int64
		x, y                sql.NullFloat64
	)
	if err := r.Scan(&p.ID, &p.Email, &p.Online, &lastSeen, &p.Color, &x, &y, &createdAt); err != nil {
		return nil, err
	}
	p.LastSeen = fromMillis(lastSeen)
	p.CreatedAt = fromMillis(createdAt)
	if x.Valid && y.Valid {
		p.Position = &model.Coordinate{X: x.Float64, Y: y.Float64}
	}
	return &p, nil
}
