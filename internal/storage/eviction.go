package storage

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/kimhsiao/marketsync/internal/logging"
	"github.com/kimhsiao/marketsync/internal/models"
)

// EvictionStrategy names how a store is trimmed.
type EvictionStrategy string

const (
	EvictNone EvictionStrategy = "none"
	// EvictLRU keeps at most MaxItems records.
	EvictLRU EvictionStrategy = "lru"
	// EvictSize keeps the total record size at or under MaxBytes.
	EvictSize EvictionStrategy = "size"
	// EvictTime drops records not accessed for MaxAgeDays.
	EvictTime EvictionStrategy = "time"
)

// EvictionPolicy is the budget of one store. Records awaiting sync are
// never evicted, so a store can exceed its budget while they accumulate.
type EvictionPolicy struct {
	Strategy   EvictionStrategy `json:"strategy"`
	MaxItems   int              `json:"maxItems,omitempty"`
	MaxBytes   int64            `json:"maxBytes,omitempty"`
	MaxAgeDays int              `json:"maxAgeDays,omitempty"`
}

// SetEvictionPolicy replaces the policy of store. It applies from the
// next write on.
func (e *Engine) SetEvictionPolicy(store string, p EvictionPolicy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.eviction[store] = p
}

// EvictionPolicyFor returns the policy of store.
func (e *Engine) EvictionPolicyFor(store string) EvictionPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.eviction[store]
	if !ok {
		return EvictionPolicy{Strategy: EvictNone}
	}
	return p
}

// Evict runs the store's policy outside of a write.
func (e *Engine) Evict(ctx context.Context, store string) error {
	if err := e.requireStore(store); err != nil {
		return err
	}
	return wrapStorage(e.db.WriteTX(ctx, func(tx *gorm.DB) error {
		return e.evict(tx, store, nil)
	}), "evict "+store)
}

type victim struct {
	ID   string `gorm:"column:id"`
	Size int64  `gorm:"column:size"`
}

// evictable selects non-pending records of store, least recently
// accessed first, excluding keep.
func evictable(tx *gorm.DB, store string, keep []string) *gorm.DB {
	q := tx.Model(&recordRow{}).
		Where("store = ? AND sync_status <> ?", store, string(models.SyncStatusPending))
	if len(keep) > 0 {
		q = q.Where("id NOT IN ?", keep)
	}
	return q.Order("last_accessed ASC, id ASC")
}

func (e *Engine) evict(tx *gorm.DB, store string, keep []string) error {
	p := e.EvictionPolicyFor(store)

	var ids []string
	switch p.Strategy {
	case EvictLRU:
		if p.MaxItems <= 0 {
			return nil
		}
		var count int64
		if err := tx.Model(&recordRow{}).Where("store = ?", store).Count(&count).Error; err != nil {
			return err
		}
		excess := int(count) - p.MaxItems
		if excess <= 0 {
			return nil
		}
		if err := evictable(tx, store, keep).Limit(excess).Pluck("id", &ids).Error; err != nil {
			return err
		}

	case EvictSize:
		if p.MaxBytes <= 0 {
			return nil
		}
		var total int64
		if err := tx.Model(&recordRow{}).Where("store = ?", store).
			Select("COALESCE(SUM(size), 0)").Scan(&total).Error; err != nil {
			return err
		}
		if total <= p.MaxBytes {
			return nil
		}
		var candidates []victim
		if err := evictable(tx, store, keep).Select("id, size").Find(&candidates).Error; err != nil {
			return err
		}
		for _, c := range candidates {
			if total <= p.MaxBytes {
				break
			}
			ids = append(ids, c.ID)
			total -= c.Size
		}

	case EvictTime:
		if p.MaxAgeDays <= 0 {
			return nil
		}
		cutoff := e.now().Add(-time.Duration(p.MaxAgeDays) * 24 * time.Hour).UnixNano()
		if err := evictable(tx, store, keep).Where("last_accessed < ?", cutoff).Pluck("id", &ids).Error; err != nil {
			return err
		}

	default:
		return nil
	}

	if len(ids) == 0 {
		return nil
	}
	// Pending records are excluded again at delete time.
	res := tx.Where("store = ? AND id IN ? AND sync_status <> ?", store, ids, string(models.SyncStatusPending)).
		Delete(&recordRow{})
	if res.Error != nil {
		return res.Error
	}
	logging.Debug("Evicted records", map[string]interface{}{
		"store":    store,
		"strategy": string(p.Strategy),
		"count":    res.RowsAffected,
	})
	return nil
}
