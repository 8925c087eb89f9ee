package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/sakif/cosmicfire/internal/model"
)

func (db *DB) InsertEdge(ctx context.Context, edge model.Edge) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO relationships (follower_id, followed_id, type, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (follower_id, followed_id, type) DO NOTHING`,
		edge.FollowerID, edge.FollowedID, string(edge.Type), edge.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: inserting %s edge %s->%s: %w", edge.Type, edge.FollowerID, edge.FollowedID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (db *DB) DeleteEdge(ctx context.Context, followerID, followedID string, typ model.RelationType) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM relationships WHERE follower_id = $1 AND followed_id = $2 AND type = $3`,
		followerID, followedID, string(typ),
	)
	if err != nil {
		return false, fmt.Errorf("postgres: deleting %s edge %s->%s: %w", typ, followerID, followedID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (db *DB) HasEdge(ctx context.Context, followerID, followedID string, typ model.RelationType) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM relationships WHERE follower_id = $1 AND followed_id = $2 AND type = $3)`,
		followerID, followedID, string(typ),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: checking %s edge %s->%s: %w", typ, followerID, followedID, err)
	}
	return exists, nil
}

func (db *DB) ListEdges(ctx context.Context, userID string) ([]model.Edge, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT follower_id, followed_id, type, created_at FROM relationships
		 WHERE follower_id = $1 OR followed_id = $1
		 ORDER BY created_at ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: listing edges of %s: %w", userID, err)
	}
	edges, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Edge, error) {
		var (
			e   model.Edge
			typ string
		)
		err := row.Scan(&e.FollowerID, &e.FollowedID, &typ, &e.CreatedAt)
		e.Type = model.RelationType(typ)
		e.CreatedAt = e.CreatedAt.UTC()
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: listing edges of %s: %w", userID, err)
	}
	return edges, nil
}
