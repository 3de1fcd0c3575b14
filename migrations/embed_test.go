package migrations

import (
	"strings"
	"testing"
)

func TestEmbeddedFS_ContainsMigrationFiles(t *testing.T) {
	// Given: The embedded filesystem
	// When: We read the directory
	entries, err := FS.ReadDir(".")
	if err != nil {
		t.Fatalf("failed to read embedded FS: %v", err)
	}

	// Then: Both schema migrations are present, in order
	want := []string{"001_initial_schema.sql", "002_conflict_audit.sql"}
	var got []string
	for _, entry := range entries {
		got = append(got, entry.Name())
	}
	if len(got) != len(want) {
		t.Fatalf("migrations = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("migration[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEmbeddedFS_MigrationFilesHaveGooseDirectives(t *testing.T) {
	tests := []struct {
		file   string
		tables []string
	}{
		{"001_initial_schema.sql", []string{"CREATE TABLE entities", "CREATE TABLE pending_operations", "CREATE TABLE dead_letters"}},
		{"002_conflict_audit.sql", []string{"CREATE TABLE conflict_audit", "CREATE TABLE sync_meta"}},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			content, err := FS.ReadFile(tt.file)
			if err != nil {
				t.Fatalf("failed to read migration file: %v", err)
			}
			s := string(content)

			if !strings.Contains(s, "-- +goose Up") {
				t.Error("migration missing '-- +goose Up' directive")
			}
			if !strings.Contains(s, "-- +goose Down") {
				t.Error("migration missing '-- +goose Down' directive")
			}
			for _, table := range tt.tables {
				if !strings.Contains(s, table) {
					t.Errorf("migration missing %q", table)
				}
			}
		})
	}
}
