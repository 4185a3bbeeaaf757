package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DBFileName is the store file inside the state directory.
const DBFileName = "atlasbridge.db"

// Open opens (creating if needed) the SQLite store at path and applies the
// schema. The returned handle is safe for concurrent use; SQLite serialises
// writers and busy_timeout absorbs short lock contention.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := ensureSchema(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return conn, nil
}

// OpenInDir opens the store under its conventional name in stateDir.
func OpenInDir(stateDir string) (*sql.DB, error) {
	return Open(filepath.Join(stateDir, DBFileName))
}
