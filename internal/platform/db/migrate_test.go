package db

import (
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"github.com/medbookings/medbookings/migrations"
)

func sqlFile(s string) *fstest.MapFile { return &fstest.MapFile{Data: []byte(s)} }

func newTestMigrator(t *testing.T, fsys fstest.MapFS) *Migrator {
	t.Helper()
	m, err := NewMigrator(nil, fsys, "public")
	if err != nil {
		t.Fatalf("NewMigrator() error: %v", err)
	}
	return m
}

func TestLoadMigrations(t *testing.T) {
	m := newTestMigrator(t, fstest.MapFS{
		"001_booking.sql": sqlFile("CREATE TABLE slot (id UUID PRIMARY KEY);"),
		"002_indexes.sql": sqlFile("CREATE INDEX idx ON slot (id);"),
	})

	migrations, err := m.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[0].Name != "001_booking.sql" {
		t.Errorf("unexpected first migration: %+v", migrations[0])
	}
	if migrations[0].SQL != "CREATE TABLE slot (id UUID PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
}

func TestLoadMigrations_SortOrder(t *testing.T) {
	m := newTestMigrator(t, fstest.MapFS{
		"010_tables.sql": sqlFile("SELECT 10;"),
		"002_second.sql": sqlFile("SELECT 2;"),
		"001_first.sql":  sqlFile("SELECT 1;"),
		"005_middle.sql": sqlFile("SELECT 5;"),
	})

	migrations, err := m.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	expected := []int{1, 2, 5, 10}
	if len(migrations) != len(expected) {
		t.Fatalf("expected %d migrations, got %d", len(expected), len(migrations))
	}
	for i, v := range expected {
		if migrations[i].Version != v {
			t.Errorf("migration[%d]: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
}

func TestLoadMigrations_SkipsInvalidNames(t *testing.T) {
	m := newTestMigrator(t, fstest.MapFS{
		"001_valid.sql":      sqlFile("SELECT 1;"),
		"readme.sql":         sqlFile("-- no version prefix"),
		"notes.txt":          sqlFile("not sql"),
		"abc_invalid.sql":    sqlFile("-- non-numeric prefix"),
		"002_also_valid.sql": sqlFile("SELECT 2;"),
		"embed.go":           sqlFile("package migrations"),
	})

	migrations, err := m.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 valid migrations, got %d", len(migrations))
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	m := newTestMigrator(t, fstest.MapFS{
		"001_a.sql": sqlFile("SELECT 1;"),
		"1_b.sql":   sqlFile("SELECT 1;"),
	})
	if _, err := m.LoadMigrations(); err == nil {
		t.Error("expected error for duplicate version")
	}
}

func TestLoadMigrations_Empty(t *testing.T) {
	m := newTestMigrator(t, fstest.MapFS{})
	migrations, err := m.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected 0 migrations, got %d", len(migrations))
	}
}

func TestLoadMigrations_Embedded(t *testing.T) {
	m, err := NewMigrator(nil, migrations.FS, "public")
	if err != nil {
		t.Fatalf("NewMigrator() error: %v", err)
	}
	loaded, err := m.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(loaded) == 0 || loaded[0].Version != 1 {
		t.Fatalf("expected embedded 001 migration, got %+v", loaded)
	}
}

func TestNewMigrator_Schema(t *testing.T) {
	tests := []struct {
		schema string
		ok     bool
	}{
		{"", true},
		{"public", true},
		{"booking_test_1", true},
		{"1abc", false},
		{"public; DROP TABLE slot", false},
		{`"quoted"`, false},
	}
	for _, tt := range tests {
		m, err := NewMigrator(nil, fstest.MapFS{}, tt.schema)
		if tt.ok && err != nil {
			t.Errorf("%q: unexpected error: %v", tt.schema, err)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidSchema) {
			t.Errorf("%q: expected ErrInvalidSchema, got %v", tt.schema, err)
		}
		if tt.schema == "" && m != nil && m.schema != "public" {
			t.Errorf("expected empty schema to default to public, got %s", m.schema)
		}
	}
}

func TestBuildStatus(t *testing.T) {
	migrations := []Migration{
		{Version: 1, Name: "001_booking.sql"},
		{Version: 2, Name: "002_indexes.sql"},
		{Version: 3, Name: "003_more.sql"},
	}
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	statuses := buildStatus(migrations, map[int]time.Time{1: at})

	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("expected migration 001 applied at %s", at)
	}
	for _, st := range statuses[1:] {
		if st.Applied || st.AppliedAt != nil {
			t.Errorf("expected %s to be pending", st.Name)
		}
	}
}
