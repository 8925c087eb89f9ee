package sqlite

import (
	"context"
	"fmt"

	"github.com/sakif/cosmicfire/internal/model"
)

// InsertEdge writes the edge unless the same (follower, followed, type)
// already exists.
func (db *DB) InsertEdge(ctx context.Context, edge model.Edge) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO relationships (follower_id, followed_id, type, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (follower_id, followed_id, type) DO NOTHING`,
		edge.FollowerID, edge.FollowedID, string(edge.Type), toMillis(edge.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("sqlite: inserting %s edge %s->%s: %w", edge.Type, edge.FollowerID, edge.FollowedID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: inserting %s edge: %w", edge.Type, err)
	}
	return n == 1, nil
}

func (db *DB) DeleteEdge(ctx context.Context, followerID, followedID string, typ model.RelationType) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM relationships WHERE follower_id = ? AND followed_id = ? AND type = ?`,
		followerID, followedID, string(typ),
	)
	if err != nil {
		return false, fmt.Errorf("sqlite: deleting %s edge %s->%s: %w", typ, followerID, followedID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: deleting %s edge: %w", typ, err)
	}
	return n > 0, nil
}

func (db *DB) HasEdge(ctx context.Context, followerID, followedID string, typ model.RelationType) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM relationships WHERE follower_id = ? AND followed_id = ? AND type = ?
		)`,
		followerID, followedID, string(typ),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("sqlite: checking %s edge %s->%s: %w", typ, followerID, followedID, err)
	}
	return exists, nil
}

// ListEdges loads every edge touching userID in one query.
func (db *DB) ListEdges(ctx context.Context, userID string) ([]model.Edge, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT follower_id, followed_id, type, created_at FROM relationships
		 WHERE follower_id = ? OR followed_id = ?
		 ORDER BY created_at ASC`,
		userID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing edges of %s: %w", userID, err)
	}
	defer rows.Close()

	edges := make([]model.Edge, 0)
	for rows.Next() {
		var (
			e         model.Edge
			typ       string
			createdAt int64
		)
		if err := rows.Scan(&e.FollowerID, &e.FollowedID, &typ, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: listing edges: scanning row: %w", err)
		}
		e.Type = model.RelationType(typ)
		e.CreatedAt = fromMillis(createdAt)
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: listing edges: iterating rows: %w", err)
	}
	return edges, nil
}
