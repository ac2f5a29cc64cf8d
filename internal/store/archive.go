package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"dispatchsync/internal/dispatch"
)

var ErrNoSnapshot = errors.New("no archived snapshot")

type Archive struct {
	db *sql.DB
}

func NewArchive(db *sql.DB) *Archive {
	return &Archive{db: db}
}

// LogRow is one archived incident log entry.
type LogRow struct {
	IncidentID string
	Position   int
	Entry      dispatch.IncidentLog
}

// Record stores the snapshot and any log entries not archived before, in one
// transaction.
func (a *Archive) Record(ctx context.Context, room, sender string, snapshot dispatch.Snapshot) error {
	payload, err := dispatch.Encode(snapshot)
	if err != nil {
		return err
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO room_snapshots (room, sender, unit_count, incident_count, payload)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`, room, sender, len(snapshot.Units), len(snapshot.Incidents), payload); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	for _, row := range LogRows(snapshot) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO incident_log_entries (room, incident_id, log_id, position, display_time, sender, message)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (room, log_id) DO NOTHING
		`, room, row.IncidentID, row.Entry.ID, row.Position, row.Entry.Timestamp, row.Entry.Sender, row.Entry.Message); err != nil {
			return fmt.Errorf("insert log entry %s: %w", row.Entry.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive tx: %w", err)
	}
	return nil
}

// Latest returns the most recently archived snapshot of room.
func (a *Archive) Latest(ctx context.Context, room string) (dispatch.Snapshot, error) {
	var payload string
	err := a.db.QueryRowContext(ctx, `
		SELECT payload::text FROM room_snapshots
		WHERE room = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1
	`, room).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return dispatch.Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return dispatch.Snapshot{}, fmt.Errorf("query latest snapshot: %w", err)
	}
	return dispatch.Decode(payload)
}

// IncidentHistory lists every archived log entry of an incident in log order,
// including entries no longer present in the live document.
func (a *Archive) IncidentHistory(ctx context.Context, room, incidentID string) ([]dispatch.IncidentLog, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT log_id, display_time, sender, message
		FROM incident_log_entries
		WHERE room = $1 AND incident_id = $2
		ORDER BY position ASC, recorded_at ASC
	`, room, strings.TrimSpace(incidentID))
	if err != nil {
		return nil, fmt.Errorf("query incident history: %w", err)
	}
	defer rows.Close()

	entries := []dispatch.IncidentLog{}
	for rows.Next() {
		var entry dispatch.IncidentLog
		if err := rows.Scan(&entry.ID, &entry.Timestamp, &entry.Sender, &entry.Message); err != nil {
			return nil, fmt.Errorf("scan incident history: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incident history: %w", err)
	}
	return entries, nil
}

func (a *Archive) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

func (a *Archive) Close() error {
	return a.db.Close()
}

// LogRows flattens every incident log of snapshot, keeping each entry's
// position within its incident.
func LogRows(snapshot dispatch.Snapshot) []LogRow {
	var rows []LogRow
	for _, incident := range snapshot.Incidents {
		for i, entry := range incident.Logs {
			if entry.ID == "" {
				continue
			}
			rows = append(rows, LogRow{IncidentID: incident.ID, Position: i, Entry: entry})
		}
	}
	return rows
}
