package storage

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/kimhsiao/marketsync/internal/models"
)

func chunks[T any](items []T, size int) [][]T {
	var out [][]T
	for len(items) > 0 {
		n := min(size, len(items))
		out = append(out, items[:n])
		items = items[n:]
	}
	return out
}

// BulkGet returns the records found for keys, keyed by key. Keys are read
// in chunks, one transaction per chunk, and each hit is touched as in Get.
func (e *Engine) BulkGet(ctx context.Context, store string, keys []string) (map[string]*models.Record, error) {
	if err := e.requireStore(store); err != nil {
		return nil, err
	}
	out := make(map[string]*models.Record, len(keys))
	for _, chunk := range chunks(keys, e.chunk) {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		var rows []recordRow
		err := e.db.WriteTX(ctx, func(tx *gorm.DB) error {
			if err := tx.Where("store = ? AND id IN ?", store, chunk).Find(&rows).Error; err != nil {
				return err
			}
			for i := range rows {
				if err := e.touch(tx, &rows[i]); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return out, wrapStorage(err, "bulk get "+store)
		}
		for i := range rows {
			r, err := decode(&rows[i])
			if err != nil {
				return out, err
			}
			out[rows[i].ID] = r
		}
	}
	return out, nil
}

// BulkPut writes records in chunks. Eviction runs after each chunk and
// never removes a record of that chunk. On error, earlier chunks stay
// committed and the number of written records is returned.
func (e *Engine) BulkPut(ctx context.Context, store string, records []*models.Record) (int, error) {
	if err := e.requireStore(store); err != nil {
		return 0, err
	}
	rows := make([]*recordRow, 0, len(records))
	for _, r := range records {
		if r == nil {
			continue
		}
		if err := r.Validate(); err != nil {
			return 0, err
		}
		row, err := e.encode(store, r)
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
	}

	written := 0
	for _, chunk := range chunks(rows, e.chunk) {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		keep := make([]string, len(chunk))
		err := e.db.WriteTX(ctx, func(tx *gorm.DB) error {
			for i, row := range chunk {
				keep[i] = row.ID
				if err := e.putRow(tx, row, false); err != nil {
					return err
				}
			}
			return e.evict(tx, store, keep)
		})
		if err != nil {
			return written, wrapStorage(err, "bulk put "+store)
		}
		written += len(chunk)
	}
	return written, nil
}

// BulkDelete removes keys in chunks and returns how many rows were
// deleted.
func (e *Engine) BulkDelete(ctx context.Context, store string, keys []string) (int64, error) {
	if err := e.requireStore(store); err != nil {
		return 0, err
	}
	var deleted int64
	for _, chunk := range chunks(keys, e.chunk) {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		res := e.db.Gorm(ctx).Where("store = ? AND id IN ?", store, chunk).Delete(&recordRow{})
		if res.Error != nil {
			return deleted, wrapStorage(res.Error, "bulk delete "+store)
		}
		deleted += res.RowsAffected
	}
	return deleted, nil
}

// ReconcileRecord replaces the optimistic record stored under tempID with
// one keyed by serverID in a single transaction. serverFields are merged
// over the local data; the result is synced with no dirty fields. The temp
// id stays queryable through the tempId index.
func (e *Engine) ReconcileRecord(ctx context.Context, store, tempID, serverID string, serverFields map[string]any) (*models.Record, error) {
	if err := e.requireStore(store); err != nil {
		return nil, err
	}
	var result *models.Record
	err := e.db.WriteTX(ctx, func(tx *gorm.DB) error {
		data := map[string]any{}
		var old recordRow
		err := tx.Where("store = ? AND id = ?", store, tempID).Take(&old).Error
		switch {
		case err == nil:
			prev, err := decode(&old)
			if err != nil {
				return err
			}
			data = prev.Data
		case errors.Is(err, gorm.ErrRecordNotFound):
			if len(serverFields) == 0 {
				return nil
			}
		default:
			return err
		}
		for k, v := range serverFields {
			data[k] = v
		}
		data["id"] = serverID

		rec := &models.Record{
			ID:         serverID,
			TempID:     tempID,
			Data:       data,
			SyncStatus: models.SyncStatusSynced,
			LastSynced: e.now(),
		}
		row, err := e.encode(store, rec)
		if err != nil {
			return err
		}
		if tempID != serverID {
			if err := tx.Where("store = ? AND id = ?", store, tempID).Delete(&recordRow{}).Error; err != nil {
				return err
			}
		}
		if err := e.putRow(tx, row, false); err != nil {
			return err
		}
		out, err := decode(row)
		if err != nil {
			return err
		}
		result = out
		return nil
	})
	if err != nil {
		return nil, wrapStorage(err, "reconcile "+store+"/"+tempID)
	}
	return result, nil
}

// MarkSynced merges serverFields into an existing record and marks it
// synced. A missing record is not an error.
func (e *Engine) MarkSynced(ctx context.Context, store, key string, serverFields map[string]any) error {
	if err := e.requireStore(store); err != nil {
		return err
	}
	err := e.db.WriteTX(ctx, func(tx *gorm.DB) error {
		var old recordRow
		err := tx.Where("store = ? AND id = ?", store, key).Take(&old).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		rec, err := decode(&old)
		if err != nil {
			return err
		}
		for k, v := range serverFields {
			rec.Data[k] = v
		}
		rec.SyncStatus = models.SyncStatusSynced
		rec.LastSynced = e.now()
		rec.DirtyFields = nil
		row, err := e.encode(store, rec)
		if err != nil {
			return err
		}
		row.ID = old.ID
		return e.putRow(tx, row, false)
	})
	return wrapStorage(err, "mark synced "+store+"/"+key)
}

// SetRecordStatus changes the sync status of a record without touching
// its LRU metadata. A missing record is not an error.
func (e *Engine) SetRecordStatus(ctx context.Context, store, key string, status models.SyncStatus) error {
	if err := e.requireStore(store); err != nil {
		return err
	}
	err := e.db.Gorm(ctx).Model(&recordRow{}).
		Where("store = ? AND id = ?", store, key).
		Update("sync_status", string(status)).Error
	return wrapStorage(err, "set status "+store+"/"+key)
}
