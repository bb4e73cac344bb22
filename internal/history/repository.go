package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	// timestampLayout matches the strftime default in the migration.
	timestampLayout = "2006-01-02T15:04:05Z"
)

// ErrInvalidNode is returned for a negative node ID.
var ErrInvalidNode = errors.New("history: invalid node id")

// Entry is a single relay state change.
type Entry struct {
	ID        int64     `json:"id"`
	DeviceID  string    `json:"device_id"`
	NodeID    int       `json:"node_id"`
	On        bool      `json:"on"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// Repository reads and writes relay_state_history.
// Safe for concurrent use; serialisation is left to database/sql.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repository over an open, migrated database.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// RecordStateChange inserts one state change row.
func (r *Repository) RecordStateChange(ctx context.Context, deviceID string, nodeID int, on bool, source string) error {
	if nodeID < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidNode, nodeID)
	}
	if source == "" {
		source = "bus"
	}

	state := 0
	if on {
		state = 1
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO relay_state_history (device_id, node_id, state, source, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		deviceID,
		nodeID,
		state,
		source,
		time.Now().UTC().Format(timestampLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting relay state history: %w", err)
	}
	return nil
}

// GetHistory returns recent entries for a node, newest first.
// limit defaults to 50 and is capped at 200.
func (r *Repository) GetHistory(ctx context.Context, nodeID int, limit int) ([]Entry, error) {
	if nodeID < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidNode, nodeID)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, device_id, node_id, state, source, created_at
		 FROM relay_state_history
		 WHERE node_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		nodeID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying relay state history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		var state int
		var createdAt string
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.NodeID, &state, &e.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning relay state history: %w", err)
		}
		e.On = state == 1

		ts, err := parseTimestamp(createdAt)
		if err != nil {
			return nil, err
		}
		e.CreatedAt = ts
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating relay state history: %w", err)
	}

	return entries, nil
}

// Prune deletes entries older than olderThan and returns how many went.
func (r *Repository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(timestampLayout)
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM relay_state_history WHERE created_at < ?",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting relay state history: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

func parseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("created_at is empty")
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return ts, nil
}
