// Package ledger is the persistent cluster ledger: deployments, services and
// tasks with their lifecycle timestamps, kept in an embedded sqlite database
// on the control host.
package ledger

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a row lookup comes up empty. It is a normal
// negative result, not a storage failure.
var ErrNotFound = errors.New("ledger: not found")

// timeLayout is how timestamps are stored, matching sqlite's
// CURRENT_TIMESTAMP rendering.
const timeLayout = "2006-01-02 15:04:05"

// Store wraps the sqlite database. It is safe for concurrent use; sqlite
// serializes writers underneath.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the ledger at path, switches it to WAL
// mode and applies any pending schema migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("preparing migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("preparing migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrating ledger schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(timeLayout)
}

func parseTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(timeLayout, v.String)
	if err != nil {
		// Some drivers render with a T and zone suffix.
		t, err = time.Parse(time.RFC3339, v.String)
		if err != nil {
			return nil
		}
	}
	return &t
}
