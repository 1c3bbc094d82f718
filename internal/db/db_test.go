package db_test

import (
	"os"
	"path/filepath"
	"testing"

	"foreman/internal/db"
)

func TestOpenCreatesWorkspaceFile(t *testing.T) {
	ws := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: ws})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Exec(`CREATE TABLE scratch(x INTEGER)`); err != nil {
		t.Fatalf("exec: %v", err)
	}
	want := filepath.Join(ws, ".foreman", "foreman.db")
	if got := db.Path(ws); got != want {
		t.Fatalf("path = %s, want %s", got, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("stat db: %v", err)
	}
}

func TestOpenFileOverride(t *testing.T) {
	ws := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: ws, File: "data/alt.db"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if _, err := os.Stat(filepath.Join(ws, "data", "alt.db")); err != nil {
		t.Fatalf("stat override: %v", err)
	}
}
