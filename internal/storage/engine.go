// Package storage implements the local record store: named collections of
// JSON records with LRU bookkeeping, field compression, eviction, and the
// persistence used by the sync queue and audit trail.
package storage

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/kimhsiao/marketsync/internal/config"
	"github.com/kimhsiao/marketsync/internal/db"
	apperrors "github.com/kimhsiao/marketsync/internal/errors"
	"github.com/kimhsiao/marketsync/internal/logging"
	"github.com/kimhsiao/marketsync/internal/models"
)

// Options configures an Engine.
type Options struct {
	Path                 string
	Codec                string
	CompressionThreshold int
	BulkChunkSize        int
	// CompressedFields lists, per store, the text fields eligible for
	// compression.
	CompressedFields map[string][]string
	Eviction         map[string]EvictionPolicy
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// OptionsFromConfig maps the storage config section to Options.
func OptionsFromConfig(cfg config.StorageConfig) Options {
	ev := make(map[string]EvictionPolicy, len(cfg.Eviction))
	for store, e := range cfg.Eviction {
		ev[store] = EvictionPolicy{
			Strategy:   EvictionStrategy(e.Strategy),
			MaxItems:   e.MaxItems,
			MaxBytes:   e.MaxBytes,
			MaxAgeDays: e.MaxAgeDays,
		}
	}
	return Options{
		Path:                 cfg.Path,
		Codec:                cfg.Codec,
		CompressionThreshold: cfg.CompressionThreshold,
		BulkChunkSize:        cfg.BulkChunkSize,
		CompressedFields:     cfg.CompressedFields,
		Eviction:             ev,
	}
}

// Engine is the local store. All methods are safe for concurrent use;
// writes are serialized by the single database connection.
type Engine struct {
	db        *db.DB
	codec     Codec
	threshold int
	chunk     int
	now       func() time.Time

	mu         sync.RWMutex
	stores     map[string]map[string]string // store -> index name -> json path
	compressed map[string][]string
	eviction   map[string]EvictionPolicy

	stampMu   sync.Mutex
	lastStamp int64

	closeOnce sync.Once
	closeErr  error
}

// Open opens (creating and migrating as needed) the database at
// opts.Path. Failures are STORAGE_FATAL.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Codec == "" {
		opts.Codec = "zstd"
	}
	codec, err := CodecByName(opts.Codec)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageFatal, "select codec", err)
	}
	if opts.CompressionThreshold <= 0 {
		opts.CompressionThreshold = 1024
	}
	if opts.BulkChunkSize <= 0 {
		opts.BulkChunkSize = 50
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	handle, err := db.Open(ctx, db.Options{Path: opts.Path})
	if err != nil {
		logging.ErrorWithCode(string(apperrors.ErrStorageFatal), "Failed to open local store", err, map[string]interface{}{
			"path": opts.Path,
		})
		return nil, apperrors.Wrap(apperrors.ErrStorageFatal, "open local store", err)
	}

	e := &Engine{
		db:         handle,
		codec:      codec,
		threshold:  opts.CompressionThreshold,
		chunk:      opts.BulkChunkSize,
		now:        opts.Now,
		compressed: make(map[string][]string),
		eviction:   make(map[string]EvictionPolicy),
	}
	for store, fields := range opts.CompressedFields {
		e.compressed[store] = append([]string(nil), fields...)
	}
	for store, p := range opts.Eviction {
		e.eviction[store] = p
	}
	if err := e.loadStores(ctx); err != nil {
		_ = handle.Close()
		return nil, apperrors.Wrap(apperrors.ErrStorageFatal, "load store registry", err)
	}

	logging.Info("Local store opened", map[string]interface{}{
		"path":      handle.Path(),
		"in_memory": handle.InMemory(),
		"codec":     codec.Name(),
	})
	return e, nil
}

// Close closes the database. Later calls return the first result.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.db.Close()
	})
	return e.closeErr
}

// InMemory reports whether the engine runs without persistence.
func (e *Engine) InMemory() bool {
	return e.db.InMemory()
}

// SchemaVersion returns the applied schema version.
func (e *Engine) SchemaVersion(ctx context.Context) (int64, error) {
	return e.db.SchemaVersion(ctx)
}

type storeRow struct {
	Name      string `gorm:"column:name;primaryKey"`
	CreatedAt int64  `gorm:"column:created_at"`
}

func (storeRow) TableName() string { return "stores" }

type indexRow struct {
	Store string `gorm:"column:store;primaryKey"`
	Name  string `gorm:"column:name;primaryKey"`
	Field string `gorm:"column:field"`
}

func (indexRow) TableName() string { return "store_indexes" }

func (e *Engine) loadStores(ctx context.Context) error {
	var stores []storeRow
	var indexes []indexRow
	err := e.db.ReadTX(ctx, func(tx *gorm.DB) error {
		if err := tx.Find(&stores).Error; err != nil {
			return err
		}
		return tx.Find(&indexes).Error
	})
	if err != nil {
		return err
	}

	reg := make(map[string]map[string]string, len(stores))
	for _, s := range stores {
		reg[s.Name] = make(map[string]string)
	}
	for _, ix := range indexes {
		if m, ok := reg[ix.Store]; ok {
			m[ix.Name] = ix.Field
		}
	}
	e.mu.Lock()
	e.stores = reg
	e.mu.Unlock()
	return nil
}

// Index declares a secondary index on a data field.
type Index struct {
	Name string
	// Field is the top-level data field; nested paths use dots.
	Field string
}

// EnsureStore registers a store and its data indexes. Existing stores and
// indexes are left untouched.
func (e *Engine) EnsureStore(ctx context.Context, name string, indexes ...Index) error {
	if name == "" {
		return apperrors.New(apperrors.ErrInvalid, "store name is empty")
	}
	err := e.db.WriteTX(ctx, func(tx *gorm.DB) error {
		if err := tx.Exec("INSERT OR IGNORE INTO stores (name, created_at) VALUES (?, ?)",
			name, e.now().UnixMilli()).Error; err != nil {
			return err
		}
		for _, ix := range indexes {
			if err := tx.Exec("INSERT OR IGNORE INTO store_indexes (store, name, field) VALUES (?, ?, ?)",
				name, ix.Name, "$."+ix.Field).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "ensure store "+name, err)
	}
	return e.loadStores(ctx)
}

// Stores returns the registered store names.
func (e *Engine) Stores() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.stores))
	for name := range e.stores {
		out = append(out, name)
	}
	return out
}

func (e *Engine) requireStore(store string) error {
	e.mu.RLock()
	_, ok := e.stores[store]
	e.mu.RUnlock()
	if !ok {
		return apperrors.Newf(apperrors.ErrInvalid, "unknown store %q", store)
	}
	return nil
}

func (e *Engine) indexField(store, index string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.stores[store][index]
	return f, ok
}

func (e *Engine) compressedFields(store string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.compressed[store]
}

// stamp returns a strictly increasing nanosecond timestamp so access
// order is total even when the clock does not advance between calls.
func (e *Engine) stamp() int64 {
	e.stampMu.Lock()
	defer e.stampMu.Unlock()
	n := e.now().UnixNano()
	if n <= e.lastStamp {
		n = e.lastStamp + 1
	}
	e.lastStamp = n
	return n
}

type recordRow struct {
	Store            string `gorm:"column:store;primaryKey"`
	ID               string `gorm:"column:id;primaryKey"`
	TempID           string `gorm:"column:temp_id"`
	Data             string `gorm:"column:data"`
	SyncStatus       string `gorm:"column:sync_status"`
	LastSynced       int64  `gorm:"column:last_synced"`
	LastAccessed     int64  `gorm:"column:last_accessed"`
	AccessCount      int64  `gorm:"column:access_count"`
	Size             int64  `gorm:"column:size"`
	Compressed       bool   `gorm:"column:compressed"`
	CompressedFields string `gorm:"column:compressed_fields"`
	DirtyFields      string `gorm:"column:dirty_fields"`
}

func (recordRow) TableName() string { return "records" }

func joinList(s []string) string { return strings.Join(s, ",") }

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func timeToMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// encode turns a record into a row, compressing designated fields.
func (e *Engine) encode(store string, r *models.Record) (*recordRow, error) {
	data := models.CloneMap(r.Data)
	if data == nil {
		data = map[string]any{}
	}
	var packed []string
	for _, field := range e.compressedFields(store) {
		s, ok := data[field].(string)
		if !ok {
			continue
		}
		enc, did, err := compressString(e.codec, s, e.threshold)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "compress field "+field, err)
		}
		if did {
			data[field] = enc
			packed = append(packed, field)
		}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "record data is not JSON-serializable", err)
	}
	status := r.SyncStatus
	if status == "" {
		status = models.SyncStatusSynced
	}
	return &recordRow{
		Store:            store,
		ID:               r.Key(),
		TempID:           r.TempID,
		Data:             string(raw),
		SyncStatus:       string(status),
		LastSynced:       timeToMS(r.LastSynced),
		Size:             int64(len(raw)),
		Compressed:       len(packed) > 0,
		CompressedFields: joinList(packed),
		DirtyFields:      joinList(r.DirtyFields),
	}, nil
}

// decode turns a row into a record, restoring compressed fields.
func decode(row *recordRow) (*models.Record, error) {
	var data map[string]any
	if err := json.Unmarshal([]byte(row.Data), &data); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "decode record "+row.ID, err)
	}
	packed := splitList(row.CompressedFields)
	for _, field := range packed {
		s, ok := data[field].(string)
		if !ok {
			continue
		}
		plain, err := decompressString(s)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "decompress field "+field, err)
		}
		data[field] = plain
	}
	r := &models.Record{
		TempID:           row.TempID,
		Data:             data,
		SyncStatus:       models.SyncStatus(row.SyncStatus),
		LastSynced:       msToTime(row.LastSynced),
		LastAccessed:     time.Unix(0, row.LastAccessed),
		AccessCount:      row.AccessCount,
		Size:             row.Size,
		Compressed:       row.Compressed,
		CompressedFields: packed,
		DirtyFields:      splitList(row.DirtyFields),
	}
	if row.ID != row.TempID {
		r.ID = row.ID
	}
	return r, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
