package history

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-canrelay/internal/infrastructure/database"
	_ "github.com/nerrad567/gray-logic-canrelay/migrations"
)

// setupTestDB opens a temporary database with the embedded migrations applied.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "history.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return db.DB
}

// insertRow inserts a history row with a specific timestamp.
func insertRow(t *testing.T, db *sql.DB, nodeID, state int, source string, createdAt time.Time) {
	t.Helper()
	_, err := db.Exec(
		"INSERT INTO relay_state_history (device_id, node_id, state, source, created_at) VALUES (?, ?, ?, ?, ?)",
		"light-test", nodeID, state, source, createdAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		t.Fatalf("failed to insert history row: %v", err)
	}
}

func TestRecordStateChange(t *testing.T) {
	repo := NewRepository(setupTestDB(t))
	ctx := context.Background()

	if err := repo.RecordStateChange(ctx, "light-kitchen", 0x15, true, "init"); err != nil {
		t.Fatalf("RecordStateChange() error = %v", err)
	}
	if err := repo.RecordStateChange(ctx, "", 0x15, false, ""); err != nil {
		t.Fatalf("RecordStateChange() error = %v", err)
	}

	entries, err := repo.GetHistory(ctx, 0x15, 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries length = %d, want 2", len(entries))
	}

	// Same-second rows fall back to id order.
	latest := entries[0]
	if latest.On || latest.Source != "bus" || latest.DeviceID != "" {
		t.Errorf("latest = %+v, want off/bus/no device", latest)
	}
	first := entries[1]
	if !first.On || first.Source != "init" || first.DeviceID != "light-kitchen" || first.NodeID != 0x15 {
		t.Errorf("first = %+v", first)
	}
	if first.CreatedAt.IsZero() {
		t.Error("CreatedAt is zero, want non-zero")
	}
}

func TestRecordStateChange_InvalidNode(t *testing.T) {
	repo := NewRepository(setupTestDB(t))

	err := repo.RecordStateChange(context.Background(), "x", -1, true, "bus")
	if !errors.Is(err, ErrInvalidNode) {
		t.Errorf("RecordStateChange() error = %v, want ErrInvalidNode", err)
	}
	if _, err := repo.GetHistory(context.Background(), -1, 0); !errors.Is(err, ErrInvalidNode) {
		t.Errorf("GetHistory() error = %v, want ErrInvalidNode", err)
	}
}

func TestGetHistory(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	insertRow(t, db, 0x15, 0, "init", now.Add(-2*time.Hour))
	insertRow(t, db, 0x15, 1, "bus", now.Add(-1*time.Hour))
	insertRow(t, db, 0x15, 0, "refresh", now)
	insertRow(t, db, 0x82, 1, "bus", now)

	entries, err := repo.GetHistory(ctx, 0x15, 2)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries length = %d, want 2", len(entries))
	}
	if !entries[0].CreatedAt.Equal(now) || entries[0].Source != "refresh" {
		t.Errorf("entry[0] = %+v, want refresh at %s", entries[0], now)
	}
	if !entries[1].CreatedAt.Equal(now.Add(-time.Hour)) || !entries[1].On {
		t.Errorf("entry[1] = %+v, want on an hour ago", entries[1])
	}

	other, err := repo.GetHistory(ctx, 0x82, 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(other) != 1 {
		t.Errorf("node 0x82 entries = %d, want 1", len(other))
	}
}

func TestPrune(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	insertRow(t, db, 0x01, 1, "bus", now.Add(-40*24*time.Hour))
	insertRow(t, db, 0x01, 0, "bus", now.Add(-12*time.Hour))

	deleted, err := repo.Prune(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}

	entries, err := repo.GetHistory(ctx, 0x01, 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 1 || !entries[0].CreatedAt.Equal(now.Add(-12*time.Hour)) {
		t.Errorf("remaining = %+v", entries)
	}

	if _, err := repo.Prune(ctx, 0); err == nil {
		t.Error("Prune(0) expected error")
	}
}

type recordingLogger struct {
	mu    sync.Mutex
	infos []string
	errs  []string
}

func (l *recordingLogger) Info(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, msg)
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, msg)
}

func TestPrunerRun(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db)
	insertRow(t, db, 0x01, 1, "bus", time.Now().Add(-48*time.Hour))

	logger := &recordingLogger{}
	p := NewPruner(repo, 24*time.Hour, time.Hour, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for {
		logger.mu.Lock()
		n := len(logger.infos)
		logger.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pruner did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done

	entries, err := repo.GetHistory(context.Background(), 0x01, 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("entries = %d after prune, want 0", len(entries))
	}
}

func TestPrunerZeroRetentionKeepsForever(t *testing.T) {
	p := NewPruner(nil, 0, 0, nil)
	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run with zero retention should return at once")
	}
}
