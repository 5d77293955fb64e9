package storage

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/kimhsiao/marketsync/internal/models"
)

// StoreStats summarizes one store.
type StoreStats struct {
	Store        string         `json:"store"`
	Count        int64          `json:"count"`
	Bytes        int64          `json:"bytes"`
	ByStatus     map[string]int `json:"byStatus"`
	Compressed   int64          `json:"compressed"`
	OldestAccess time.Time      `json:"oldestAccess"`
	NewestAccess time.Time      `json:"newestAccess"`
	Policy       EvictionPolicy `json:"policy"`
}

// Stats aggregates all stores.
type Stats struct {
	Stores        map[string]StoreStats `json:"stores"`
	TotalCount    int64                 `json:"totalCount"`
	TotalBytes    int64                 `json:"totalBytes"`
	QueueEntries  int64                 `json:"queueEntries"`
	Conflicts     int64                 `json:"conflicts"`
	SchemaVersion int64                 `json:"schemaVersion"`
	InMemory      bool                  `json:"inMemory"`
}

type storeAgg struct {
	Store      string `gorm:"column:store"`
	Status     string `gorm:"column:sync_status"`
	Count      int64  `gorm:"column:n"`
	Bytes      int64  `gorm:"column:bytes"`
	Compressed int64  `gorm:"column:compressed"`
	Oldest     int64  `gorm:"column:oldest"`
	Newest     int64  `gorm:"column:newest"`
}

func (e *Engine) aggregate(tx *gorm.DB, store string) ([]storeAgg, error) {
	q := tx.Model(&recordRow{}).Select(
		"store, sync_status, COUNT(*) AS n, COALESCE(SUM(size), 0) AS bytes, " +
			"COALESCE(SUM(compressed), 0) AS compressed, " +
			"COALESCE(MIN(last_accessed), 0) AS oldest, COALESCE(MAX(last_accessed), 0) AS newest")
	if store != "" {
		q = q.Where("store = ?", store)
	}
	var aggs []storeAgg
	err := q.Group("store, sync_status").Scan(&aggs).Error
	return aggs, err
}

func (e *Engine) fold(aggs []storeAgg, names []string) map[string]StoreStats {
	out := make(map[string]StoreStats, len(names))
	for _, name := range names {
		out[name] = StoreStats{Store: name, ByStatus: map[string]int{}, Policy: e.EvictionPolicyFor(name)}
	}
	for _, a := range aggs {
		s, ok := out[a.Store]
		if !ok {
			s = StoreStats{Store: a.Store, ByStatus: map[string]int{}, Policy: e.EvictionPolicyFor(a.Store)}
		}
		s.Count += a.Count
		s.Bytes += a.Bytes
		s.Compressed += a.Compressed
		s.ByStatus[a.Status] += int(a.Count)
		oldest, newest := time.Unix(0, a.Oldest), time.Unix(0, a.Newest)
		if s.OldestAccess.IsZero() || oldest.Before(s.OldestAccess) {
			s.OldestAccess = oldest
		}
		if newest.After(s.NewestAccess) {
			s.NewestAccess = newest
		}
		out[a.Store] = s
	}
	return out
}

// StoreStats returns the summary of one store.
func (e *Engine) StoreStats(ctx context.Context, store string) (StoreStats, error) {
	if err := e.requireStore(store); err != nil {
		return StoreStats{}, err
	}
	aggs, err := e.aggregate(e.db.Gorm(ctx), store)
	if err != nil {
		return StoreStats{}, wrapStorage(err, "stats "+store)
	}
	return e.fold(aggs, []string{store})[store], nil
}

// Stats returns per-store summaries and totals.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	var (
		aggs      []storeAgg
		queue     int64
		conflicts int64
	)
	err := e.db.ReadTX(ctx, func(tx *gorm.DB) error {
		var err error
		if aggs, err = e.aggregate(tx, ""); err != nil {
			return err
		}
		if err := tx.Model(&queueRow{}).Count(&queue).Error; err != nil {
			return err
		}
		return tx.Model(&models.ConflictRecord{}).Count(&conflicts).Error
	})
	if err != nil {
		return Stats{}, wrapStorage(err, "stats")
	}

	st := Stats{
		Stores:       e.fold(aggs, e.Stores()),
		QueueEntries: queue,
		Conflicts:    conflicts,
		InMemory:     e.InMemory(),
	}
	for _, s := range st.Stores {
		st.TotalCount += s.Count
		st.TotalBytes += s.Bytes
	}
	if v, err := e.SchemaVersion(ctx); err == nil {
		st.SchemaVersion = v
	}
	return st, nil
}

// Snapshot is the full exported content of the local database.
type Snapshot struct {
	SchemaVersion int64                       `json:"schemaVersion"`
	ExportedAt    time.Time                   `json:"exportedAt"`
	Stores        map[string][]*models.Record `json:"stores"`
	Queue         []*models.QueueEntry        `json:"queue"`
	Conflicts     []models.ConflictRecord     `json:"conflicts"`
	Versions      []models.VersionRecord      `json:"versions"`
}

// Export writes a JSON snapshot of every store, the queue and the audit
// tables to w. Compressed fields are exported decompressed.
func (e *Engine) Export(ctx context.Context, w io.Writer) error {
	snap := Snapshot{
		ExportedAt: e.now().UTC(),
		Stores:     map[string][]*models.Record{},
	}
	if v, err := e.SchemaVersion(ctx); err == nil {
		snap.SchemaVersion = v
	}

	names := e.Stores()
	sort.Strings(names)
	for _, name := range names {
		recs, err := e.GetAll(ctx, name)
		if err != nil {
			return err
		}
		snap.Stores[name] = recs
	}

	entries, err := e.ListEntries(ctx)
	if err != nil {
		return err
	}
	snap.Queue = entries

	err = e.db.ReadTX(ctx, func(tx *gorm.DB) error {
		if err := tx.Order("detected_at").Find(&snap.Conflicts).Error; err != nil {
			return err
		}
		return tx.Order("store_type, item_id").Find(&snap.Versions).Error
	})
	if err != nil {
		return wrapStorage(err, "export audit")
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

// Clear deletes all records, queue entries and audit rows. Store and
// index registrations are kept.
func (e *Engine) Clear(ctx context.Context) error {
	err := e.db.WriteTX(ctx, func(tx *gorm.DB) error {
		for _, table := range []string{"records", "sync_queue", "conflicts", "versions", "meta"} {
			if err := tx.Exec("DELETE FROM " + table).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return wrapStorage(err, "clear")
}
