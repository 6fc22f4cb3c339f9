// Package storage opens the SQL database backing the users, chats and
// messages stores. Queries are written with $N placeholders, which both
// drivers accept.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ageniuscoder/mmchat/dmcore/internal/storage/postgres"
	"github.com/ageniuscoder/mmchat/dmcore/internal/storage/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type DB struct {
	*sql.DB
	Driver string

	migrate  func() error
	isUnique func(error) bool
}

// Open connects to the database selected by driver.
func Open(driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLite:
		s, err := sqlite.New(dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return &DB{DB: s.Db, Driver: driver, migrate: s.Migrate, isUnique: sqlite.IsUniqueViolation}, nil
	case DriverPostgres:
		p, err := postgres.New(dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return &DB{DB: p.Db, Driver: driver, migrate: p.Migrate, isUnique: postgres.IsUniqueViolation}, nil
	}
	return nil, fmt.Errorf("unknown database driver %q", driver)
}

// Migrate applies the embedded schema for the driver. It is idempotent.
func (db *DB) Migrate() error {
	return db.migrate()
}

// IsUniqueViolation reports whether err comes from a uniqueness constraint.
func (db *DB) IsUniqueViolation(err error) bool {
	return err != nil && db.isUnique(err)
}

func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

// NullString maps "" to NULL.
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
