package queue

import (
	"context"
	"sort"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/marketsync/internal/errors"
	"github.com/kimhsiao/marketsync/internal/logging"
	"github.com/kimhsiao/marketsync/internal/models"
)

// releaseFollowUps moves the entries waiting on tempID to pending. With a
// server id their target, payload and local record move to that id and
// the temp id is dropped.
func (q *SyncQueue) releaseFollowUps(ctx context.Context, tempID, serverID string) {
	q.enqueueMu.Lock()
	defer q.enqueueMu.Unlock()

	waiting, err := q.store.ListEntries(ctx, models.QueueStatusWaiting)
	if err != nil {
		logging.Warn("Failed to list follow-up entries", map[string]interface{}{
			"temp_id": tempID,
			"error":   err.Error(),
		})
		return
	}

	released := 0
	for _, f := range waiting {
		if f.TempID != tempID {
			continue
		}
		if serverID != "" {
			if err := q.rekey(ctx, f, serverID); err != nil {
				logging.Warn("Failed to re-key follow-up entry", map[string]interface{}{
					"entry_id":  f.ID,
					"temp_id":   tempID,
					"server_id": serverID,
					"error":     err.Error(),
				})
				continue
			}
		}
		f.Status = models.QueueStatusPending
		f.NextRetry = time.Time{}
		if err := q.store.SaveEntry(ctx, f); err != nil {
			logging.Error("Failed to release follow-up entry", err, map[string]interface{}{
				"entry_id": f.ID,
			})
			continue
		}
		released++
		logging.Info("Released follow-up entry", map[string]interface{}{
			"entry_id":  f.ID,
			"temp_id":   tempID,
			"server_id": serverID,
			"target":    f.Target,
		})
	}
	if released > 0 {
		q.scheduleWake(q.opts.Now())
	}
}

// rekey points f at serverID and re-applies its write to the local record,
// which the reconcile of its blocker has just marked synced.
func (q *SyncQueue) rekey(ctx context.Context, f *models.QueueEntry, serverID string) error {
	store := f.StoreName()
	fields, err := models.PayloadFields(f.Payload)
	if err != nil {
		return err
	}
	if fields == nil {
		fields = map[string]any{}
	}
	fields["id"] = serverID
	p, err := models.PayloadFromFields(f.Type, store, fields)
	if err != nil {
		return err
	}
	f.Payload = p
	f.Target = strings.ReplaceAll(f.Target, f.TempID, serverID)
	f.TempID = ""

	if f.Method == models.MethodDelete {
		return q.store.Delete(ctx, store, serverID)
	}

	rec, err := q.store.Get(ctx, store, serverID)
	switch {
	case apperrors.Is(err, apperrors.ErrNotFound):
		rec = &models.Record{ID: serverID, Data: map[string]any{}}
	case err != nil:
		return err
	}
	if rec.Data == nil {
		rec.Data = map[string]any{}
	}
	dirty := make(map[string]bool, len(rec.DirtyFields)+len(fields))
	for _, k := range rec.DirtyFields {
		dirty[k] = true
	}
	for k, v := range fields {
		rec.Data[k] = v
		if k != "id" {
			dirty[k] = true
		}
	}
	rec.DirtyFields = rec.DirtyFields[:0]
	for k := range dirty {
		rec.DirtyFields = append(rec.DirtyFields, k)
	}
	sort.Strings(rec.DirtyFields)
	rec.SyncStatus = models.SyncStatusPending
	return q.store.Put(ctx, store, rec)
}

// releaseOrphans frees follow-ups whose blocker is gone, which happens when
// the process stopped between the two writes.
func (q *SyncQueue) releaseOrphans(ctx context.Context) error {
	waiting, err := q.store.ListEntries(ctx, models.QueueStatusWaiting)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(waiting))
	for _, f := range waiting {
		if seen[f.TempID] {
			continue
		}
		seen[f.TempID] = true
		_, err := q.store.FindLiveEntryByTempID(ctx, f.TempID)
		switch {
		case err == nil:
		case apperrors.Is(err, apperrors.ErrNotFound):
			q.releaseFollowUps(ctx, f.TempID, "")
		default:
			return err
		}
	}
	return nil
}
