package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTreeMigrationCascadesAndScopesReferences(t *testing.T) {
	migrationPath := filepath.Join("..", "..", "db", "migrations", "0001_workspace_tree.up.sql")
	sqlBytes, err := os.ReadFile(migrationPath)
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sqlText := string(sqlBytes)

	expectedSnippets := []string{
		"CONSTRAINT folders_parent_same_workspace FOREIGN KEY (workspace_id, parent_id)",
		"CONSTRAINT files_folder_same_workspace FOREIGN KEY (workspace_id, folder_id)",
		"file_id UUID PRIMARY KEY REFERENCES files(id) ON DELETE CASCADE",
		"CONSTRAINT folders_not_own_parent",
	}
	for _, snippet := range expectedSnippets {
		if !strings.Contains(sqlText, snippet) {
			t.Fatalf("expected migration to contain %q", snippet)
		}
	}
	if got := strings.Count(sqlText, "ON DELETE CASCADE"); got < 4 {
		t.Fatalf("expected every tree reference to cascade, found %d cascading references", got)
	}
}

func TestTreeMigrationEnforcesCaseInsensitiveSiblingNames(t *testing.T) {
	migrationPath := filepath.Join("..", "..", "db", "migrations", "0001_workspace_tree.up.sql")
	sqlBytes, err := os.ReadFile(migrationPath)
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sqlText := string(sqlBytes)

	for _, index := range []string{"folders_sibling_name_key", "files_sibling_name_key"} {
		at := strings.Index(sqlText, "CREATE UNIQUE INDEX IF NOT EXISTS "+index)
		if at < 0 {
			t.Fatalf("expected unique index %s", index)
		}
		statement := sqlText[at:]
		if end := strings.Index(statement, ";"); end >= 0 {
			statement = statement[:end]
		}
		if !strings.Contains(statement, "lower(name)") {
			t.Fatalf("expected %s to compare lower(name), got %q", index, statement)
		}
	}
}
