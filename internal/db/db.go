// Package db opens the workspace SQLite database. All durable state lives in
// a single file under <workspace>/.handoff.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	dirName  = ".handoff"
	fileName = "handoff.db"
)

// Transactions begin immediate so a read-then-write transaction holds the
// write lock from the start; contending writers queue on busy_timeout instead
// of deadlocking against each other.
const dsnOptions = "_txlock=immediate" +
	"&_pragma=foreign_keys(1)" +
	"&_pragma=journal_mode(WAL)" +
	"&_pragma=busy_timeout(5000)"

// Path returns the database file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, dirName, fileName)
}

// EnsureWorkspace creates the workspace data directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(workspace, dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open opens the workspace database, creating the data directory on first
// use.
func Open(workspace string) (*sql.DB, error) {
	if _, err := EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := sql.Open("sqlite", fmt.Sprintf("file:%s?%s", Path(workspace), dsnOptions))
	if err != nil {
		return nil, err
	}
	return conn, nil
}
