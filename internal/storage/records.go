package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/kimhsiao/marketsync/internal/errors"
	"github.com/kimhsiao/marketsync/internal/models"
)

// Put inserts or replaces r in store, then enforces the store's eviction
// policy. The record's bookkeeping fields (LastAccessed, AccessCount,
// Size, Compressed) are updated in place.
func (e *Engine) Put(ctx context.Context, store string, r *models.Record) error {
	return e.write(ctx, store, r, false)
}

// Add is Put that fails with DUPLICATE when the key already exists.
func (e *Engine) Add(ctx context.Context, store string, r *models.Record) error {
	return e.write(ctx, store, r, true)
}

func (e *Engine) write(ctx context.Context, store string, r *models.Record, mustBeNew bool) error {
	if err := e.requireStore(store); err != nil {
		return err
	}
	if r == nil {
		return apperrors.New(apperrors.ErrInvalid, "nil record")
	}
	if err := r.Validate(); err != nil {
		return err
	}
	row, err := e.encode(store, r)
	if err != nil {
		return err
	}

	err = e.db.WriteTX(ctx, func(tx *gorm.DB) error {
		if err := e.putRow(tx, row, mustBeNew); err != nil {
			return err
		}
		return e.evict(tx, store, []string{row.ID})
	})
	if err != nil {
		return wrapStorage(err, "put "+store+"/"+row.ID)
	}

	r.LastAccessed = time.Unix(0, row.LastAccessed)
	r.AccessCount = row.AccessCount
	r.Size = row.Size
	r.Compressed = row.Compressed
	r.CompressedFields = splitList(row.CompressedFields)
	return nil
}

// putRow upserts row, carrying the access count forward.
func (e *Engine) putRow(tx *gorm.DB, row *recordRow, mustBeNew bool) error {
	var prev recordRow
	err := tx.Select("access_count").Where("store = ? AND id = ?", row.Store, row.ID).Take(&prev).Error
	switch {
	case err == nil:
		if mustBeNew {
			return apperrors.Newf(apperrors.ErrDuplicate, "record %s/%s already exists", row.Store, row.ID)
		}
		row.AccessCount = prev.AccessCount + 1
	case errors.Is(err, gorm.ErrRecordNotFound):
		row.AccessCount = 1
	default:
		return err
	}
	row.LastAccessed = e.stamp()
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
}

// Get returns the record stored under key, updating its LRU metadata.
func (e *Engine) Get(ctx context.Context, store, key string) (*models.Record, error) {
	if err := e.requireStore(store); err != nil {
		return nil, err
	}
	var row recordRow
	err := e.db.WriteTX(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("store = ? AND id = ?", store, key).Take(&row).Error; err != nil {
			return err
		}
		return e.touch(tx, &row)
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "record %s/%s not found", store, key)
	}
	if err != nil {
		return nil, wrapStorage(err, "get "+store+"/"+key)
	}
	return decode(&row)
}

func (e *Engine) touch(tx *gorm.DB, row *recordRow) error {
	row.LastAccessed = e.stamp()
	row.AccessCount++
	return tx.Model(&recordRow{}).
		Where("store = ? AND id = ?", row.Store, row.ID).
		Updates(map[string]any{"last_accessed": row.LastAccessed, "access_count": row.AccessCount}).Error
}

// GetAll returns every record in store ordered by key. It does not
// change LRU metadata.
func (e *Engine) GetAll(ctx context.Context, store string) ([]*models.Record, error) {
	if err := e.requireStore(store); err != nil {
		return nil, err
	}
	var rows []recordRow
	if err := e.db.Gorm(ctx).Where("store = ?", store).Order("id").Find(&rows).Error; err != nil {
		return nil, wrapStorage(err, "get all "+store)
	}
	return decodeRows(rows)
}

// Delete removes key from store. Missing keys are not an error.
func (e *Engine) Delete(ctx context.Context, store, key string) error {
	if err := e.requireStore(store); err != nil {
		return err
	}
	err := e.db.Gorm(ctx).Where("store = ? AND id = ?", store, key).Delete(&recordRow{}).Error
	return wrapStorage(err, "delete "+store+"/"+key)
}

// Meta index names available on every store.
const (
	IndexSyncStatus   = "syncStatus"
	IndexLastAccessed = "lastAccessed"
	IndexTempID       = "tempId"
)

var metaColumns = map[string]string{
	IndexSyncStatus:   "sync_status",
	IndexLastAccessed: "last_accessed",
	IndexTempID:       "temp_id",
}

// Range bounds an index query. Nil bounds are unbounded.
type Range struct {
	Lower, Upper         any
	LowerOpen, UpperOpen bool
}

// Query selects records by an index: either an exact value or a range.
type Query struct {
	Equals any
	Range  *Range
}

// Eq builds an exact-match query.
func Eq(v any) Query { return Query{Equals: v} }

// Between builds a closed range query.
func Between(lower, upper any) Query {
	return Query{Range: &Range{Lower: lower, Upper: upper}}
}

// QueryByIndex returns records whose index value matches q, ordered by
// key. Meta indexes (syncStatus, lastAccessed, tempId) exist on every
// store; data indexes are those registered for the store.
func (e *Engine) QueryByIndex(ctx context.Context, store, index string, q Query) ([]*models.Record, error) {
	if err := e.requireStore(store); err != nil {
		return nil, err
	}

	var (
		expr string
		args []any
	)
	if col, ok := metaColumns[index]; ok {
		expr = col
	} else if path, ok := e.indexField(store, index); ok {
		expr = "json_extract(data, ?)"
		args = append(args, path)
	} else {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "store %q has no index %q", store, index)
	}

	tx := e.db.Gorm(ctx).Where("store = ?", store)
	switch {
	case q.Range != nil:
		if q.Range.Lower != nil {
			op := ">="
			if q.Range.LowerOpen {
				op = ">"
			}
			tx = tx.Where(fmt.Sprintf("%s %s ?", expr, op), append(append([]any{}, args...), indexValue(index, q.Range.Lower))...)
		}
		if q.Range.Upper != nil {
			op := "<="
			if q.Range.UpperOpen {
				op = "<"
			}
			tx = tx.Where(fmt.Sprintf("%s %s ?", expr, op), append(append([]any{}, args...), indexValue(index, q.Range.Upper))...)
		}
	default:
		tx = tx.Where(fmt.Sprintf("%s = ?", expr), append(append([]any{}, args...), indexValue(index, q.Equals))...)
	}

	var rows []recordRow
	if err := tx.Order("id").Find(&rows).Error; err != nil {
		return nil, wrapStorage(err, "query "+store+"."+index)
	}
	return decodeRows(rows)
}

// indexValue converts bound values to their column representation.
func indexValue(index string, v any) any {
	switch t := v.(type) {
	case time.Time:
		if index == IndexLastAccessed {
			return t.UnixNano()
		}
		return t.UnixMilli()
	case models.SyncStatus:
		return string(t)
	}
	return v
}

func decodeRows(rows []recordRow) ([]*models.Record, error) {
	out := make([]*models.Record, 0, len(rows))
	for i := range rows {
		r, err := decode(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// wrapStorage passes AppErrors through and tags everything else as a
// storage error.
func wrapStorage(err error, op string) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.Wrap(apperrors.ErrStorage, op, err)
}
