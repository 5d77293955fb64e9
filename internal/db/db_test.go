// Package db tests for database connection management.
package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"gorm.io/gorm"
)

// TestOpen verifies database opening with proper configuration.
func TestOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "sync.db")

	db, err := Open(ctx, Options{Path: path})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if db.InMemory() {
		t.Error("file database reported as in-memory")
	}

	var walMode string
	if err := db.SQL().QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&walMode); err != nil {
		t.Fatalf("Failed to check WAL mode: %v", err)
	}
	if walMode != "wal" {
		t.Errorf("WAL mode not enabled, got: %s", walMode)
	}

	var fk int
	if err := db.SQL().QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("Failed to check foreign keys: %v", err)
	}
	if fk != 1 {
		t.Errorf("Foreign keys not enabled, got: %d", fk)
	}
}

// TestOpen_memory verifies the in-memory mode keeps data for the DB lifetime.
func TestOpen_memory(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Options{})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if !db.InMemory() || db.Path() != MemoryPath {
		t.Errorf("InMemory=%v Path=%s", db.InMemory(), db.Path())
	}

	err = db.WriteTX(ctx, func(tx *gorm.DB) error {
		return tx.Exec("INSERT INTO meta (key, value) VALUES (?, ?)", "k", "v").Error
	})
	if err != nil {
		t.Fatalf("WriteTX: %v", err)
	}

	var value string
	err = db.ReadTX(ctx, func(tx *gorm.DB) error {
		return tx.Raw("SELECT value FROM meta WHERE key = ?", "k").Scan(&value).Error
	})
	if err != nil || value != "v" {
		t.Errorf("ReadTX value = %q, err = %v", value, err)
	}
}

// TestWriteTX_rollback verifies a failing callback discards its writes.
func TestWriteTX_rollback(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Options{})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	err = db.WriteTX(ctx, func(tx *gorm.DB) error {
		if err := tx.Exec("INSERT INTO meta (key, value) VALUES ('a', '1')").Error; err != nil {
			return err
		}
		return tx.Exec("INSERT INTO meta (key, value) VALUES ('a', '2')").Error
	})
	if err == nil {
		t.Fatal("duplicate key should fail the transaction")
	}

	var n int64
	if err := db.Gorm(ctx).Raw("SELECT COUNT(*) FROM meta").Scan(&n).Error; err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("rolled back transaction left %d rows", n)
	}
}
