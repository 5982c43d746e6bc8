package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore keeps every record in one SQLite file. It is the default
// backend for a single Brenda instance.
type SQLiteStore struct {
	sqlStore
}

var (
	_ Store      = (*SQLiteStore)(nil)
	_ OutboxRepo = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (creating if needed) the database at the DSN, which is
// a file path or a "file:" URI.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	cfg := applyOpts(opts)
	if cfg.DSN == "" {
		return nil, ErrDSNNotSet
	}
	if dir := filepath.Dir(sqlitePath(cfg.DSN)); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", dir, err)
		}
	}
	// One connection serializes writers so concurrent turns never hit SQLITE_BUSY.
	db, err := openAndMigrate("sqlite3", cfg.DSN, sqliteMigrations, func(db *sql.DB) {
		db.SetMaxOpenConns(1)
	})
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{sqlStore{db: db, name: "SQLiteStore"}}, nil
}

// sqlitePath strips the URI scheme and query from a SQLite DSN.
func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}
