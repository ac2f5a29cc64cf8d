package store

import (
	"io/fs"
	"regexp"
	"strings"
	"testing"

	"dispatchsync/internal/dispatch"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	entries, err := fs.ReadDir(Migrations(), ".")
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		match := pattern.FindStringSubmatch(entry.Name())
		if match == nil {
			t.Fatalf("unexpected file in migrations: %s", entry.Name())
		}
		version, direction := match[1], match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}
	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestIncidentLogMigrationUsesBlockingTriggers(t *testing.T) {
	sqlBytes, err := fs.ReadFile(Migrations(), "0002_incident_log_immutability.up.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sqlText := string(sqlBytes)

	for _, snippet := range []string{
		"incident_log_immutable_guard",
		"RAISE EXCEPTION",
		"CREATE TRIGGER trg_incident_log_block_update",
		"CREATE TRIGGER trg_incident_log_block_delete",
	} {
		if !strings.Contains(sqlText, snippet) {
			t.Fatalf("expected migration to contain %q", snippet)
		}
	}
	if strings.Contains(sqlText, "DO INSTEAD NOTHING") {
		t.Fatalf("expected hard-fail guard, found silent DO INSTEAD NOTHING rule")
	}
}

func TestUpMigrationsAreOrdered(t *testing.T) {
	files, err := migrationFiles(Migrations(), ".up.sql")
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	want := []string{"0001_room_archive.up.sql", "0002_incident_log_immutability.up.sql"}
	if len(files) != len(want) {
		t.Fatalf("expected %v, got %v", want, files)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, files)
		}
	}
}

func TestLogRowsKeepPositions(t *testing.T) {
	snapshot := dispatch.Snapshot{
		Units: []dispatch.Unit{},
		Incidents: []dispatch.Incident{
			{ID: "INC-1001", Logs: []dispatch.IncidentLog{
				{ID: "log-a", Message: "Incident created: Fire at Dock 4"},
				{ID: "log-b", Message: "ENGINE-3 on scene"},
			}},
			{ID: "INC-1002", Logs: []dispatch.IncidentLog{
				{ID: "", Message: "legacy entry without id"},
				{ID: "log-c", Message: "Incident created: Alarm at Pier 9"},
			}},
		},
	}

	rows := LogRows(snapshot)
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[1].IncidentID != "INC-1001" || rows[1].Position != 1 || rows[1].Entry.ID != "log-b" {
		t.Fatalf("unexpected second row %+v", rows[1])
	}
	if rows[2].IncidentID != "INC-1002" || rows[2].Position != 1 {
		t.Fatalf("blank ids must be skipped without shifting positions, got %+v", rows[2])
	}
}
