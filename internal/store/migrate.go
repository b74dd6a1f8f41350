package store

import (
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/arktis/msync/internal/store/migrations"
)

// MigrateResult describes what happened during migration.
type MigrateResult struct {
	Version       uint
	Dirty         bool
	Changed       bool
	SearchIndexed bool
}

// Migrate runs all pending migrations on the database, then tries to build
// the optional full-text search index. The index is created outside the
// migration chain so a SQLite build without FTS5 still gets a working store;
// Search degrades to a substring scan in that case.
func (db *DB) Migrate() (*MigrateResult, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}

	err = m.Up()
	changed := true
	if err == migrate.ErrNoChange {
		changed = false
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("migration up: %w", err)
	}

	db.fts = db.ensureSearchIndex() == nil

	version, dirty, _ := m.Version()
	return &MigrateResult{
		Version:       version,
		Dirty:         dirty,
		Changed:       changed,
		SearchIndexed: db.fts,
	}, nil
}

// ensureSearchIndex creates the FTS5 table and the triggers keeping it in
// sync with messages, then rebuilds it so rows written before the index
// existed become searchable.
func (db *DB) ensureSearchIndex() error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	stmts := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts
			USING fts5(body, content='messages', content_rowid='rowid')`,
		`CREATE TRIGGER IF NOT EXISTS messages_fts_ai AFTER INSERT ON messages BEGIN
			INSERT INTO messages_fts(rowid, body) VALUES (new.rowid, new.body);
		END`,
		`CREATE TRIGGER IF NOT EXISTS messages_fts_ad AFTER DELETE ON messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, body) VALUES ('delete', old.rowid, old.body);
		END`,
		`CREATE TRIGGER IF NOT EXISTS messages_fts_au AFTER UPDATE ON messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, body) VALUES ('delete', old.rowid, old.body);
			INSERT INTO messages_fts(rowid, body) VALUES (new.rowid, new.body);
		END`,
		`INSERT INTO messages_fts(messages_fts) VALUES ('rebuild')`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
