package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type DB struct {
	conn *sql.DB
}

// New opens (or creates) the sqlite database at the given path and brings
// the schema up to date.
func New(databasePath string) (*DB, error) {
	dir := filepath.Dir(databasePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create database directory")
	}

	// Pragmas go in the DSN so every pooled connection gets them, not just
	// the one that happens to run a setup Exec. foreign_keys drives the
	// scripts->keys delete cascade. _txlock=immediate makes transactions
	// take the write lock up front: validations are read-then-write, and a
	// deferred transaction upgrading its lock mid-flight would fail with
	// SQLITE_BUSY_SNAPSHOT under concurrent validations of the same key.
	// busy_timeout makes writers queue instead of erroring.
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)", databasePath)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to run migrations")
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Conn() *sql.DB {
	return db.conn
}

// BeginTx starts a transaction on the underlying connection
func (db *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return db.conn.BeginTx(ctx, nil)
}

func (db *DB) migrate() error {
	if _, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			filename TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return errors.Wrap(err, "failed to create migrations table")
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return errors.Wrap(err, "failed to read migrations directory")
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".sql" {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		if err := db.applyMigration(file); err != nil {
			return errors.Wrapf(err, "failed to apply migration %s", file)
		}
	}

	return nil
}

func (db *DB) applyMigration(filename string) error {
	var count int
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM migrations WHERE filename = ?", filename).Scan(&count); err != nil {
		return errors.Wrap(err, "failed to check migration status")
	}

	if count > 0 {
		log.Debug().Msgf("Migration %s already applied", filename)
		return nil
	}

	content, err := migrationsFS.ReadFile("migrations/" + filename)
	if err != nil {
		return errors.Wrap(err, "failed to read migration file")
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return errors.Wrap(err, "failed to execute migration")
	}

	if _, err := tx.Exec("INSERT INTO migrations (filename) VALUES (?)", filename); err != nil {
		return errors.Wrap(err, "failed to record migration")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit migration")
	}

	log.Info().Msgf("Applied migration: %s", filename)
	return nil
}
