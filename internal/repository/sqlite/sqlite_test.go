package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/sakif/cosmicfire/internal/model"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// newTestDB returns a fresh in-memory database closed at test end.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestProfile(t *testing.T, db *DB, id string, at time.Time) *model.Profile {
	t.Helper()
	p, created, err := db.Upsert(context.Background(), model.Identity{ID: id, Email: id + "@example.com"}, "hsl(120, 70%, 70%)", at)
	if err != nil {
		t.Fatalf("failed to create test profile: %v", err)
	}
	if !created {
		t.Fatalf("profile %s already existed", id)
	}
	return p
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	if err := db.migrate(); err != nil {
		t.Fatalf("second migrate() error = %v", err)
	}
	if err := db.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}
