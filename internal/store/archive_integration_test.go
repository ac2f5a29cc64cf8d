package store

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"dispatchsync/internal/dispatch"

	"github.com/jackc/pgx/v5/pgconn"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	archive, err := OpenArchive(ctx, dsn)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { _ = archive.Close() })
	return archive
}

func testRoom(t *testing.T) string {
	return "test-" + strings.ToLower(strings.ReplaceAll(t.Name(), "/", "-")) + "-" + dispatch.NewID("")[:8]
}

func TestArchiveRecordAndLatest(t *testing.T) {
	archive := openTestArchive(t)
	ctx := context.Background()
	room := testRoom(t)

	if _, err := archive.Latest(ctx, room); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}

	at := time.UnixMilli(1_700_000_000_000)
	incident := dispatch.NewIncident("INC-4821", "Structure Fire", "Dock 4", dispatch.PriorityHigh, dispatch.CoordinatorSender, at)
	first, _ := dispatch.CreateIncident(dispatch.Empty(), incident)
	if err := archive.Record(ctx, room, dispatch.CoordinatorSender, first); err != nil {
		t.Fatalf("record first: %v", err)
	}

	second, _ := dispatch.AppendLog(first, "INC-4821", dispatch.NewLogEntry("ENGINE-3", "on scene", at.Add(time.Minute)))
	if err := archive.Record(ctx, room, dispatch.CoordinatorSender, second); err != nil {
		t.Fatalf("record second: %v", err)
	}

	latest, err := archive.Latest(ctx, room)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if !dispatch.Equal(latest, second) {
		t.Fatalf("latest snapshot mismatch:\n got %+v\nwant %+v", latest, second)
	}

	history, err := archive.IncidentHistory(ctx, room, "INC-4821")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[1].Message != "on scene" {
		t.Fatalf("expected creation entry then note, got %+v", history)
	}
}

func TestArchiveLogEntriesAreImmutable(t *testing.T) {
	archive := openTestArchive(t)
	ctx := context.Background()
	room := testRoom(t)

	incident := dispatch.NewIncident("INC-1001", "Alarm", "Pier 9", dispatch.PriorityLow, dispatch.CoordinatorSender, time.Now())
	snapshot, _ := dispatch.CreateIncident(dispatch.Empty(), incident)
	if err := archive.Record(ctx, room, dispatch.CoordinatorSender, snapshot); err != nil {
		t.Fatalf("record: %v", err)
	}

	_, err := archive.db.ExecContext(ctx, `UPDATE incident_log_entries SET message = 'edited' WHERE room = $1`, room)
	if err == nil {
		t.Fatal("expected UPDATE to be blocked")
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected PostgreSQL error, got: %v", err)
	}
	if pgErr.SQLState() != "55000" {
		t.Fatalf("expected SQLSTATE 55000, got %s", pgErr.SQLState())
	}

	if _, err := archive.db.ExecContext(ctx, `DELETE FROM incident_log_entries WHERE room = $1`, room); err == nil {
		t.Fatal("expected DELETE to be blocked")
	}
}
