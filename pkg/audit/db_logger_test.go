package audit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			actor_id INTEGER NOT NULL,
			actor_name TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			entity TEXT NOT NULL DEFAULT '',
			entity_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`)
	if err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}
	return db
}

func TestLogAssignsID(t *testing.T) {
	logger, err := NewDBLogger(setupTestDB(t))
	if err != nil {
		t.Fatalf("NewDBLogger failed: %v", err)
	}

	event := &Event{ActorID: 7, ActorName: "admin", Action: "role.create", Entity: "role", EntityID: "3"}
	if err := logger.Log(context.Background(), event); err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if event.ID == 0 {
		t.Error("Expected the event to receive an id")
	}
	if event.CreatedAt.IsZero() {
		t.Error("Expected a created_at timestamp")
	}
}

func TestListNewestFirst(t *testing.T) {
	logger, _ := NewDBLogger(setupTestDB(t))
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		event := &Event{ActorID: 7, Action: "role.update", CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := logger.Log(ctx, event); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	events, err := logger.List(ctx, 2)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if !events[0].CreatedAt.After(events[1].CreatedAt) {
		t.Error("Expected newest event first")
	}
}

func TestPurgeRemovesOldEvents(t *testing.T) {
	logger, _ := NewDBLogger(setupTestDB(t))
	ctx := context.Background()

	old := &Event{ActorID: 7, Action: "role.delete", CreatedAt: time.Now().Add(-48 * time.Hour)}
	recent := &Event{ActorID: 7, Action: "role.create", CreatedAt: time.Now()}
	logger.Log(ctx, old)
	logger.Log(ctx, recent)

	purged, err := logger.Purge(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if purged != 1 {
		t.Errorf("Expected 1 purged event, got %d", purged)
	}

	events, _ := logger.List(ctx, 10)
	if len(events) != 1 || events[0].Action != "role.create" {
		t.Errorf("Expected only the recent event to survive, got %+v", events)
	}
}

func TestNewDBLoggerRequiresDB(t *testing.T) {
	if _, err := NewDBLogger(nil); err == nil {
		t.Error("Expected an error for a nil database")
	}
}
