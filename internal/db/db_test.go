package db

import (
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenDB(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatal(err)
	}
	if err := InitSchema(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInitSchema(t *testing.T) {
	db := testDB(t)

	var name string
	err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='events'`).Scan(&name)
	if err != nil {
		t.Fatalf("events table not created: %v", err)
	}

	// Idempotent.
	if err := InitSchema(db); err != nil {
		t.Fatal(err)
	}
}

func TestOpenDB_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state", "sia.db")
	db, err := OpenDB(path)
	if err != nil {
		t.Fatal(err)
	}
	db.Close()

	ro, err := OpenReadOnly(path)
	if err != nil {
		t.Fatal(err)
	}
	ro.Close()
}

func TestOpenReadOnly_Missing(t *testing.T) {
	if _, err := OpenReadOnly(filepath.Join(t.TempDir(), "missing.db")); err == nil {
		t.Fatal("expected error for missing database")
	}
}

func TestLogEvent_Basic(t *testing.T) {
	db := testDB(t)

	id1, err := LogEvent(db, nil, EventProcessStarted, map[string]any{"role": "server", "pid": 123})
	if err != nil {
		t.Fatal(err)
	}
	if id1 <= 0 {
		t.Errorf("expected positive id, got %d", id1)
	}

	id2, err := LogEvent(db, nil, EventSessionCreated, map[string]any{"session_id": "s1"})
	if err != nil {
		t.Fatal(err)
	}
	if id2 <= id1 {
		t.Errorf("expected id2 > id1, got %d <= %d", id2, id1)
	}

	var ts int64
	if err := db.QueryRow(`SELECT timestamp FROM events WHERE id = ?`, id1).Scan(&ts); err != nil {
		t.Fatal(err)
	}
	if ts == 0 {
		t.Error("expected non-zero timestamp")
	}

	var payloadStr string
	if err := db.QueryRow(`SELECT payload FROM events WHERE id = ?`, id1).Scan(&payloadStr); err != nil {
		t.Fatal(err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadStr), &payload); err != nil {
		t.Fatalf("invalid payload JSON: %v", err)
	}
	if payload["role"] != "server" {
		t.Errorf("expected role=server, got %v", payload["role"])
	}
}

func TestLogEvent_WithParent(t *testing.T) {
	db := testDB(t)

	parentID, err := LogEvent(db, nil, EventTurnStarted, map[string]any{"session_id": "s1"})
	if err != nil {
		t.Fatal(err)
	}
	childID, err := LogEvent(db, &parentID, EventTurnCompleted, map[string]any{"latency_ms": 12})
	if err != nil {
		t.Fatal(err)
	}

	var storedParent int64
	if err := db.QueryRow(`SELECT parent_id FROM events WHERE id = ?`, childID).Scan(&storedParent); err != nil {
		t.Fatal(err)
	}
	if storedParent != parentID {
		t.Errorf("expected parent_id=%d, got %d", parentID, storedParent)
	}

	var nullParent sql.NullInt64
	if err := db.QueryRow(`SELECT parent_id FROM events WHERE id = ?`, parentID).Scan(&nullParent); err != nil {
		t.Fatal(err)
	}
	if nullParent.Valid {
		t.Errorf("expected NULL parent_id for root event, got %d", nullParent.Int64)
	}
}

func TestLogEvent_NilPayload(t *testing.T) {
	db := testDB(t)
	id, err := LogEvent(db, nil, EventProcessStopped, nil)
	if err != nil {
		t.Fatal(err)
	}
	var payload sql.NullString
	if err := db.QueryRow(`SELECT payload FROM events WHERE id = ?`, id).Scan(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Valid {
		t.Errorf("expected NULL payload, got %q", payload.String)
	}
}

func TestLatestRoot(t *testing.T) {
	db := testDB(t)

	if _, err := LatestRoot(db, "server"); err == nil {
		t.Fatal("expected error with no events")
	}

	first, _ := LogEvent(db, nil, EventProcessStarted, map[string]any{"role": "server"})
	LogEvent(db, nil, EventProcessStarted, map[string]any{"role": "repl"})
	second, _ := LogEvent(db, nil, EventProcessStarted, map[string]any{"role": "server"})

	got, err := LatestRoot(db, "server")
	if err != nil {
		t.Fatal(err)
	}
	if got != second || got == first {
		t.Errorf("expected latest server root %d, got %d", second, got)
	}
}

func TestQuerySubtreeAndBuildTree(t *testing.T) {
	db := testDB(t)

	root, _ := LogEvent(db, nil, EventProcessStarted, map[string]any{"role": "server"})
	sess, _ := LogEvent(db, &root, EventSessionCreated, map[string]any{"session_id": "s1"})
	turn, _ := LogEvent(db, &sess, EventTurnStarted, nil)
	LogEvent(db, &turn, EventContextAssembled, nil)
	LogEvent(db, &turn, EventTurnCompleted, nil)
	LogEvent(db, nil, EventProcessStarted, map[string]any{"role": "server"}) // unrelated root

	events, err := QuerySubtree(db, root)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events in subtree, got %d", len(events))
	}

	tree := BuildTree(events, root)
	if tree == nil || tree.ID != root {
		t.Fatal("root not found")
	}
	if len(tree.Children) != 1 || tree.Children[0].EventType != EventSessionCreated {
		t.Fatalf("unexpected root children: %+v", tree.Children)
	}
	turnNode := tree.Children[0].Children[0]
	if len(turnNode.Children) != 2 ||
		turnNode.Children[0].EventType != EventContextAssembled ||
		turnNode.Children[1].EventType != EventTurnCompleted {
		t.Fatalf("unexpected turn children: %+v", turnNode.Children)
	}

	if BuildTree(events, 9999) != nil {
		t.Error("expected nil for unknown root")
	}
}

func TestJournal(t *testing.T) {
	db := testDB(t)

	j, err := NewJournal(db, map[string]any{"role": "server"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if j.Root() == nil {
		t.Fatal("expected root id")
	}

	child := j.Log(nil, EventSessionCreated, map[string]any{"session_id": "s1"})
	if child == nil {
		t.Fatal("expected event id")
	}
	grandchild := j.Log(child, EventTurnStarted, nil)
	if grandchild == nil {
		t.Fatal("expected event id")
	}

	var parent int64
	if err := db.QueryRow(`SELECT parent_id FROM events WHERE id = ?`, *child).Scan(&parent); err != nil {
		t.Fatal(err)
	}
	if parent != *j.Root() {
		t.Errorf("nil parent should attach to root, got %d", parent)
	}

	db.Close()
	if id := j.Log(nil, EventTurnFailed, nil); id != nil {
		t.Error("failed write should return nil")
	}
}

func TestNopJournal(t *testing.T) {
	var j Journal = NopJournal{}
	if j.Log(nil, EventTurnStarted, nil) != nil || j.Root() != nil {
		t.Fatal("nop journal should return nil ids")
	}
}
