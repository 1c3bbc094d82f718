package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	dirName       = ".foreman"
	fileName      = "foreman.db"
	busyTimeoutMS = 5000
)

type Config struct {
	Workspace string
	// File overrides the database location; relative paths resolve against Workspace.
	File string
}

func (c Config) path() string {
	ws := c.Workspace
	if ws == "" {
		ws = "."
	}
	if c.File == "" {
		return filepath.Join(ws, dirName, fileName)
	}
	if filepath.IsAbs(c.File) {
		return c.File
	}
	return filepath.Join(ws, c.File)
}

// EnsureWorkspace creates the .foreman directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(workspace, dirName)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return path, nil
}

// Open opens the SQLite database with foreign keys on and a busy timeout, so a
// CLI call and a running server can share the file. The pool holds a single
// connection: SQLite has one writer and the queue journal writes from many
// goroutines.
func Open(cfg Config) (*sql.DB, error) {
	path := cfg.path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, busyTimeoutMS)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return conn, nil
}

// Path returns the default db path for the workspace.
func Path(workspace string) string {
	return Config{Workspace: workspace}.path()
}
