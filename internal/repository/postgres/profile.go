package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sakif/cosmicfire/internal/apperror"
	"github.com/sakif/cosmicfire/internal/model"
)

const profileColumns = `id, email, online, last_seen, color, pos_x, pos_y, created_at`

func (db *DB) Upsert(ctx context.Context, identity model.Identity, color string, now time.Time) (*model.Profile, bool, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO user_profiles (id, email, online, last_seen, color, created_at)
		 VALUES ($1, $2, TRUE, $3, $4, $3)
		 ON CONFLICT (id) DO NOTHING`,
		identity.ID, identity.Email, now, color,
	)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: inserting profile %s: %w", identity.ID, err)
	}
	created := tag.RowsAffected() == 1

	if !created {
		_, err = db.pool.Exec(ctx,
			`UPDATE user_profiles SET online = TRUE, last_seen = $1, email = $2 WHERE id = $3`,
			now, identity.Email, identity.ID,
		)
		if err != nil {
			return nil, false, fmt.Errorf("postgres: refreshing profile %s: %w", identity.ID, err)
		}
	}

	p, err := db.Get(ctx, identity.ID)
	if err != nil {
		return nil, false, err
	}
	return p, created, nil
}

func (db *DB) Get(ctx context.Context, id string) (*model.Profile, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM user_profiles WHERE id = $1`, id)
	p, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.NotFound("profile", id)
		}
		return nil, fmt.Errorf("postgres: getting profile %s: %w", id, err)
	}
	return p, nil
}

func (db *DB) List(ctx context.Context) ([]model.Profile, error) {
	return db.listProfiles(ctx, "listing profiles",
		`SELECT `+profileColumns+` FROM user_profiles ORDER BY created_at ASC, id ASC`)
}

func (db *DB) ListOnline(ctx context.Context) ([]model.Profile, error) {
	return db.listProfiles(ctx, "listing online profiles",
		`SELECT `+profileColumns+` FROM user_profiles WHERE online ORDER BY created_at ASC, id ASC`)
}

func (db *DB) listProfiles(ctx context.Context, op, query string, args ...any) ([]model.Profile, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	profiles := make([]model.Profile, 0)
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scanning row: %w", op, err)
		}
		profiles = append(profiles, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	return profiles, nil
}

func (db *DB) SetOnline(ctx context.Context, id string, online bool, now time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE user_profiles SET online = $1, last_seen = $2 WHERE id = $3`, online, now, id)
	if err != nil {
		return fmt.Errorf("postgres: setting online=%t for %s: %w", online, id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("profile", id)
	}
	return nil
}

func (db *DB) MarkOfflineByEmail(ctx context.Context, email string, now time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE user_profiles SET online = FALSE, last_seen = $1 WHERE email = $2`, now, email)
	if err != nil {
		return 0, fmt.Errorf("postgres: marking %s offline: %w", email, err)
	}
	return tag.RowsAffected(), nil
}

func (db *DB) ExpireHeartbeats(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE user_profiles SET online = FALSE WHERE online AND last_seen < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: expiring heartbeats: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (db *DB) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM user_profiles WHERE NOT online AND last_seen < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: deleting stale profiles: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AssignPosition writes candidate only while the stored position is empty or
// the sentinel. The read-back is a separate statement so that it observes a
// concurrent winner's commit.
func (db *DB) AssignPosition(ctx context.Context, id string, candidate model.Coordinate) (model.Coordinate, error) {
	_, err := db.pool.Exec(ctx,
		`UPDATE user_profiles SET pos_x = $2, pos_y = $3
		 WHERE id = $1
		   AND (pos_x IS NULL OR pos_y IS NULL OR (pos_x = $4 AND pos_y = $5))`,
		id, candidate.X, candidate.Y, model.Unassigned.X, model.Unassigned.Y,
	)
	if err != nil {
		return model.Coordinate{}, fmt.Errorf("postgres: assigning position to %s: %w", id, err)
	}

	var x, y *float64
	err = db.pool.QueryRow(ctx, `SELECT pos_x, pos_y FROM user_profiles WHERE id = $1`, id).Scan(&x, &y)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Coordinate{}, apperror.NotFound("profile", id)
		}
		return model.Coordinate{}, fmt.Errorf("postgres: reading position of %s: %w", id, err)
	}
	if x == nil || y == nil {
		return model.Coordinate{}, fmt.Errorf("postgres: reading position of %s: no position stored", id)
	}
	return model.Coordinate{X: *x, Y: *y}, nil
}

func (db *DB) ListOnlinePositions(ctx context.Context) (map[string]model.Coordinate, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, pos_x, pos_y FROM user_profiles
		 WHERE online AND pos_x IS NOT NULL AND pos_y IS NOT NULL
		   AND NOT (pos_x = $1 AND pos_y = $2)`,
		model.Unassigned.X, model.Unassigned.Y,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: listing online positions: %w", err)
	}
	defer rows.Close()

	positions := make(map[string]model.Coordinate)
	for rows.Next() {
		var id string
		var c model.Coordinate
		if err := rows.Scan(&id, &c.X, &c.Y); err != nil {
			return nil, fmt.Errorf("postgres: listing online positions: %w", err)
		}
		positions[id] = c
	}
	return positions, rows.Err()
}

func (db *DB) ListOnlineIDs(ctx context.Context) ([]string, error) {
	rows, err := db.pool.Query(ctx, `SELECT id FROM user_profiles WHERE online ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: listing online ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: listing online ids: %w", err)
	}
	return ids, nil
}

func scanProfile(r pgx.Row) (*model.Profile, error) {
	var (
		p    model.Profile
		x, y *float64
	)
	if err := r.Scan(&p.ID, &p.Email, &p.Online, &p.LastSeen, &p.Color, &x, &y, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.LastSeen = p.LastSeen.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	if x != nil && y != nil {
		p.Position = &model.Coordinate{X: *x, Y: *y}
	}
	return &p, nil
}
