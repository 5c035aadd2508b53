package library

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const (
	// DriverCGO is the mattn/go-sqlite3 driver (default).
	DriverCGO = "sqlite3"
	// DriverPureGo is the modernc.org/sqlite driver.
	DriverPureGo = "sqlite"

	defaultBusyTimeout = 5 * time.Second
)

// DatabaseOptions selects the driver and file used by OpenDatabase.
type DatabaseOptions struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

// Database provides high-level helpers around a SQLite connection pool. It
// is created by the process entry point and handed to every component.
type Database struct {
	db     *sql.DB
	driver string
}

// NewDatabase opens (or creates) the SQLite database at dbPath with the
// default driver.
func NewDatabase(dbPath string) (*Database, error) {
	return OpenDatabase(DatabaseOptions{Driver: DriverCGO, Path: dbPath})
}

// OpenDatabase opens the database described by opts, applies schema
// migrations and returns the shared handle.
func OpenDatabase(opts DatabaseOptions) (*Database, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("open database: empty path")
	}
	if opts.Driver == "" {
		opts.Driver = DriverCGO
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = defaultBusyTimeout
	}

	// Ensure directory exists so first-run succeeds.
	if dir := filepath.Dir(opts.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	dsn, err := buildDSN(opts)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(opts.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Database{db: db, driver: opts.Driver}, nil
}

// buildDSN enables busy_timeout, foreign keys and immediate write
// transactions. BEGIN IMMEDIATE takes the write lock up front, so two
// transactions never both hold a read snapshot and then race to upgrade.
func buildDSN(opts DatabaseOptions) (string, error) {
	ms := opts.BusyTimeout.Milliseconds()
	switch opts.Driver {
	case DriverCGO:
		return fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=1&_txlock=immediate", opts.Path, ms), nil
	case DriverPureGo:
		return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_txlock=immediate", opts.Path, ms), nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", opts.Driver)
	}
}

// DB exposes the pool for read-only helpers and tests.
func (d *Database) DB() *sql.DB { return d.db }

// Driver reports the driver name the pool was opened with.
func (d *Database) Driver() string { return d.driver }

// Close closes the pool.
func (d *Database) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// ---------------------------------------------------------------------------
// Schema migration
// ---------------------------------------------------------------------------

const schemaVersion = 1

func applyMigrations(db *sql.DB) error {
	// WAL lets listing queries read while a circulation transaction writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);`); err != nil {
		return err
	}

	var current int
	err := db.QueryRow(`SELECT value FROM meta WHERE key='schema_version';`).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS members (
            member_id INTEGER PRIMARY KEY AUTOINCREMENT,
            name TEXT NOT NULL,
            password_hash TEXT NOT NULL DEFAULT ''
        );`,
		`CREATE TABLE IF NOT EXISTS books (
            book_id INTEGER PRIMARY KEY AUTOINCREMENT,
            isbn TEXT UNIQUE,
            title TEXT NOT NULL,
            author TEXT NOT NULL,
            total_copies INTEGER NOT NULL CHECK (total_copies >= 0),
            available_copies INTEGER NOT NULL,
            CONSTRAINT ` + availabilityConstraint + ` CHECK (available_copies >= 0 AND available_copies <= total_copies)
        );`,
		`CREATE TABLE IF NOT EXISTS loans (
            borrow_id INTEGER PRIMARY KEY AUTOINCREMENT,
            loan_ref TEXT NOT NULL UNIQUE,
            member_id INTEGER NOT NULL REFERENCES members(member_id),
            book_id INTEGER NOT NULL REFERENCES books(book_id),
            issue_date TEXT NOT NULL,
            due_date TEXT NOT NULL,
            return_date TEXT,
            fine_amount TEXT NOT NULL DEFAULT '0' CHECK (CAST(fine_amount AS REAL) >= 0),
            status TEXT NOT NULL DEFAULT 'ISSUED' CHECK (status IN ('ISSUED','RETURNED')),
            renewals INTEGER NOT NULL DEFAULT 0,
            CHECK (due_date >= issue_date)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_loans_status_due ON loans(status, due_date);`,
		`CREATE INDEX IF NOT EXISTS idx_loans_member_issue ON loans(member_id, issue_date);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO meta(key,value) VALUES('schema_version',?)
            ON CONFLICT(key) DO UPDATE SET value=excluded.value;`, schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	return tx.Commit()
}
