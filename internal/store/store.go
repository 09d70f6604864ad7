// Package store provides typed persistence for vaultbox metadata on top of
// GORM. Postgres is used in production; the sqlite driver backs tests.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate is returned when an insert or update violates a
	// uniqueness constraint.
	ErrDuplicate = errors.New("store: duplicate")
)

// Options tunes the database connection pool.
type Options struct {
	MaxOpen int
	MaxIdle int
	Debug   bool
}

// Store wraps a GORM database handle with typed operations over the
// vaultbox metadata schema.
type Store struct {
	db *gorm.DB
}

// Open initializes a database connection for the given driver and DSN.
func Open(driver, dsn string, opts Options) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	gormCfg := &gorm.Config{}
	if !opts.Debug {
		gormCfg.Logger = logger.Default.LogMode(logger.Silent)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if opts.MaxOpen > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpen)
	}
	if opts.MaxIdle > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdle)
	}

	return &Store{db: db}, nil
}

// AutoMigrate creates or updates the metadata schema.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&Vaultbox{},
		&Certificate{},
		&ImapCredential{},
		&SmtpCredential{},
		&Message{},
		&Alias{},
		&CatchallBinding{},
		&Route{},
	)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Transaction runs fn inside a database transaction. The transaction commits
// when fn returns nil and rolls back, propagating the original error,
// otherwise. The callback receives a Store bound to the transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// translate maps driver-level errors onto the package sentinels so that
// callers can branch without knowing the backend.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if isDuplicate(err) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	// Postgres 23505 and sqlite constraint message shapes.
	return strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}
