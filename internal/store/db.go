package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a SQLite database connection for the engine-owned cache.
//
// All write transactions are serialized through writeMu: SQLite does not
// support concurrent schema-level writers, and interleaving two multi-statement
// transactions corrupts the per-chunk atomicity PutMessages depends on. Reads
// proceed concurrently under WAL.
type DB struct {
	*sql.DB

	writeMu sync.Mutex
	fts     bool
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db}, nil
}

// SearchIndexed reports whether the full-text index is active. When false,
// Search falls back to a substring scan.
func (db *DB) SearchIndexed() bool {
	return db.fts
}
