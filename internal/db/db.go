// Package db provides the SQLite connection and schema migrations backing
// the local store.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	gormdriver "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// MemoryPath selects a private in-memory database.
const MemoryPath = ":memory:"

// Options configures Open.
type Options struct {
	// Path of the database file. Empty or MemoryPath opens an in-memory
	// database that lives as long as the DB.
	Path string
	// OpenAttempts bounds retries while the file is locked by another
	// process. Zero means 5.
	OpenAttempts uint64
}

// DB wraps a single-connection gorm handle. SQLite allows one writer, so
// every transaction is serialized on that connection.
type DB struct {
	g        *gorm.DB
	sqlDB    *sql.DB
	path     string
	inMemory bool
}

// Open opens the database and applies all pending migrations in order.
// Busy/locked errors during open are retried with exponential backoff.
func Open(ctx context.Context, opts Options) (*DB, error) {
	path := opts.Path
	inMemory := path == "" || path == MemoryPath
	if inMemory {
		path = MemoryPath
	} else if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	attempts := opts.OpenAttempts
	if attempts == 0 {
		attempts = 5
	}
	backoff := retry.WithMaxRetries(attempts, retry.NewExponential(50*time.Millisecond))

	var db *DB
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		d, err := open(ctx, path, inMemory)
		if err != nil {
			if isBusy(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		db = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return db, nil
}

func open(ctx context.Context, path string, inMemory bool) (*DB, error) {
	g, err := gorm.Open(gormdriver.Dialector{DriverName: "sqlite", DSN: path}, &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := g.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}

	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	sqlDB.SetConnMaxIdleTime(0)

	if err := applyPragmas(ctx, sqlDB, inMemory); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if err := migrateUp(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return &DB{g: g, sqlDB: sqlDB, path: path, inMemory: inMemory}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB, inMemory bool) error {
	stmts := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA temp_store = MEMORY;",
	}
	if !inMemory {
		stmts = append(stmts,
			"PRAGMA journal_mode = WAL;",
			"PRAGMA synchronous = NORMAL;",
		)
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// Gorm returns the handle for queries outside a transaction.
func (db *DB) Gorm(ctx context.Context) *gorm.DB {
	return db.g.WithContext(ctx)
}

// WriteTX runs fn in a transaction, committing when fn returns nil.
func (db *DB) WriteTX(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return db.g.WithContext(ctx).Transaction(fn)
}

// ReadTX runs fn in a transaction that is always rolled back.
func (db *DB) ReadTX(ctx context.Context, fn func(tx *gorm.DB) error) error {
	tx := db.g.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}
	defer tx.Rollback()
	return fn(tx)
}

// SQL returns the underlying database/sql handle.
func (db *DB) SQL() *sql.DB {
	return db.sqlDB
}

// Path returns the database file path, or MemoryPath.
func (db *DB) Path() string {
	return db.path
}

// InMemory reports whether data is lost on Close.
func (db *DB) InMemory() bool {
	return db.inMemory
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.sqlDB.Close()
}
