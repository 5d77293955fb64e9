package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/kimhsiao/marketsync/internal/errors"
	"github.com/kimhsiao/marketsync/internal/models"
)

type queueRow struct {
	ID            string `gorm:"column:id;primaryKey"`
	Seq           int64  `gorm:"column:seq"`
	Type          string `gorm:"column:type"`
	Method        string `gorm:"column:method"`
	Target        string `gorm:"column:target"`
	Payload       string `gorm:"column:payload"`
	TempID        string `gorm:"column:temp_id"`
	RetryCount    int    `gorm:"column:retry_count"`
	MaxRetries    int    `gorm:"column:max_retries"`
	CreatedAt     int64  `gorm:"column:created_at;autoCreateTime:false"`
	LastAttempt   int64  `gorm:"column:last_attempt"`
	NextRetry     int64  `gorm:"column:next_retry"`
	Status        string `gorm:"column:status"`
	Priority      int    `gorm:"column:priority"`
	BatchID       string `gorm:"column:batch_id"`
	Quality       string `gorm:"column:quality"`
	LastError     string `gorm:"column:last_error"`
	ConflictCount int    `gorm:"column:conflict_count"`
	ServerPayload string `gorm:"column:server_payload"`
}

func (queueRow) TableName() string { return "sync_queue" }

func toQueueRow(e *models.QueueEntry) (*queueRow, error) {
	payload, err := models.MarshalPayload(e.Payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "encode queue payload", err)
	}
	return &queueRow{
		ID:            e.ID,
		Seq:           e.Seq,
		Type:          string(e.Type),
		Method:        string(e.Method),
		Target:        e.Target,
		Payload:       string(payload),
		TempID:        e.TempID,
		RetryCount:    e.RetryCount,
		MaxRetries:    e.MaxRetries,
		CreatedAt:     timeToMS(e.CreatedAt),
		LastAttempt:   timeToMS(e.LastAttempt),
		NextRetry:     timeToMS(e.NextRetry),
		Status:        string(e.Status),
		Priority:      e.Priority,
		BatchID:       e.BatchID,
		Quality:       e.QualityAtEnqueue,
		LastError:     e.LastError,
		ConflictCount: e.ConflictCount,
		ServerPayload: string(e.ServerPayload),
	}, nil
}

func fromQueueRow(r *queueRow) (*models.QueueEntry, error) {
	p, err := models.UnmarshalPayload([]byte(r.Payload))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "decode queue entry "+r.ID, err)
	}
	e := &models.QueueEntry{
		ID:               r.ID,
		Seq:              r.Seq,
		Type:             models.EntryType(r.Type),
		Method:           models.Method(r.Method),
		Target:           r.Target,
		Payload:          p,
		TempID:           r.TempID,
		RetryCount:       r.RetryCount,
		MaxRetries:       r.MaxRetries,
		CreatedAt:        msToTime(r.CreatedAt),
		LastAttempt:      msToTime(r.LastAttempt),
		NextRetry:        msToTime(r.NextRetry),
		Status:           models.QueueStatus(r.Status),
		Priority:         r.Priority,
		BatchID:          r.BatchID,
		QualityAtEnqueue: r.Quality,
		LastError:        r.LastError,
		ConflictCount:    r.ConflictCount,
	}
	if r.ServerPayload != "" {
		e.ServerPayload = json.RawMessage(r.ServerPayload)
	}
	return e, nil
}

// InsertEntry persists a new queue entry and assigns its Seq. A second
// live entry for the same temp id is rejected with DUPLICATE.
func (e *Engine) InsertEntry(ctx context.Context, entry *models.QueueEntry) error {
	row, err := toQueueRow(entry)
	if err != nil {
		return err
	}
	err = e.db.WriteTX(ctx, func(tx *gorm.DB) error {
		var seq int64
		if err := tx.Model(&queueRow{}).Select("COALESCE(MAX(seq), 0) + 1").Scan(&seq).Error; err != nil {
			return err
		}
		row.Seq = seq
		return tx.Create(row).Error
	})
	if isUniqueViolation(err) {
		return apperrors.Wrap(apperrors.ErrDuplicate, "live queue entry exists for temp id "+entry.TempID, err)
	}
	if err != nil {
		return wrapStorage(err, "insert queue entry")
	}
	entry.Seq = row.Seq
	return nil
}

// SaveEntry writes every field of an existing entry.
func (e *Engine) SaveEntry(ctx context.Context, entry *models.QueueEntry) error {
	row, err := toQueueRow(entry)
	if err != nil {
		return err
	}
	err = e.db.Gorm(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
	if isUniqueViolation(err) {
		return apperrors.Wrap(apperrors.ErrDuplicate, "live queue entry exists for temp id "+entry.TempID, err)
	}
	return wrapStorage(err, "save queue entry "+entry.ID)
}

// GetEntry returns one entry by id.
func (e *Engine) GetEntry(ctx context.Context, id string) (*models.QueueEntry, error) {
	var row queueRow
	err := e.db.Gorm(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "queue entry %s not found", id)
	}
	if err != nil {
		return nil, wrapStorage(err, "get queue entry "+id)
	}
	return fromQueueRow(&row)
}

// DeleteEntry removes an entry. Missing entries are not an error.
func (e *Engine) DeleteEntry(ctx context.Context, id string) error {
	err := e.db.Gorm(ctx).Where("id = ?", id).Delete(&queueRow{}).Error
	return wrapStorage(err, "delete queue entry "+id)
}

// ListEntries returns entries with the given statuses (all when none),
// ordered by priority then insertion order.
func (e *Engine) ListEntries(ctx context.Context, statuses ...models.QueueStatus) ([]*models.QueueEntry, error) {
	q := e.db.Gorm(ctx).Model(&queueRow{})
	if len(statuses) > 0 {
		ss := make([]string, len(statuses))
		for i, s := range statuses {
			ss[i] = string(s)
		}
		q = q.Where("status IN ?", ss)
	}
	var rows []queueRow
	if err := q.Order("priority ASC, seq ASC").Find(&rows).Error; err != nil {
		return nil, wrapStorage(err, "list queue entries")
	}
	out := make([]*models.QueueEntry, 0, len(rows))
	for i := range rows {
		entry, err := fromQueueRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// FindLiveEntryByTempID returns the pending, processing or parked entry
// owning tempID, or NOT_FOUND.
func (e *Engine) FindLiveEntryByTempID(ctx context.Context, tempID string) (*models.QueueEntry, error) {
	var row queueRow
	err := e.db.Gorm(ctx).
		Where("temp_id = ? AND status IN ?", tempID, []string{
			string(models.QueueStatusPending),
			string(models.QueueStatusProcessing),
			string(models.QueueStatusConflict),
		}).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "no live entry for temp id %s", tempID)
	}
	if err != nil {
		return nil, wrapStorage(err, "find entry by temp id")
	}
	return fromQueueRow(&row)
}

// ResetProcessing returns entries left in processing (by a crash or a
// cancelled drain) to pending.
func (e *Engine) ResetProcessing(ctx context.Context) (int64, error) {
	res := e.db.Gorm(ctx).Model(&queueRow{}).
		Where("status = ?", string(models.QueueStatusProcessing)).
		Update("status", string(models.QueueStatusPending))
	return res.RowsAffected, wrapStorage(res.Error, "reset processing entries")
}

// DeleteEntriesByStatus removes all entries in status.
func (e *Engine) DeleteEntriesByStatus(ctx context.Context, status models.QueueStatus) (int64, error) {
	res := e.db.Gorm(ctx).Where("status = ?", string(status)).Delete(&queueRow{})
	return res.RowsAffected, wrapStorage(res.Error, "delete entries by status")
}

// ResetFailed moves failed entries back to pending with a zero retry
// count. When several failed entries share a temp id only the newest is
// revived, and none is revived if the temp id already has a live entry.
func (e *Engine) ResetFailed(ctx context.Context) (int64, error) {
	var revived int64
	err := e.db.WriteTX(ctx, func(tx *gorm.DB) error {
		var rows []queueRow
		if err := tx.Where("status = ?", string(models.QueueStatusFailed)).
			Order("seq DESC").Find(&rows).Error; err != nil {
			return err
		}
		var live []string
		if err := tx.Model(&queueRow{}).
			Where("temp_id <> '' AND status IN ?", []string{
				string(models.QueueStatusPending),
				string(models.QueueStatusProcessing),
				string(models.QueueStatusConflict),
			}).Pluck("temp_id", &live).Error; err != nil {
			return err
		}
		owned := make(map[string]bool, len(live))
		for _, t := range live {
			owned[t] = true
		}
		for _, r := range rows {
			if r.TempID != "" {
				if owned[r.TempID] {
					continue
				}
				owned[r.TempID] = true
			}
			err := tx.Model(&queueRow{}).Where("id = ?", r.ID).Updates(map[string]any{
				"status":         string(models.QueueStatusPending),
				"retry_count":    0,
				"next_retry":     0,
				"last_error":     "",
				"conflict_count": 0,
			}).Error
			if err != nil {
				return err
			}
			revived++
		}
		return nil
	})
	return revived, wrapStorage(err, "reset failed entries")
}

// CountEntries returns the number of queue entries.
func (e *Engine) CountEntries(ctx context.Context) (int64, error) {
	var n int64
	err := e.db.Gorm(ctx).Model(&queueRow{}).Count(&n).Error
	return n, wrapStorage(err, "count queue entries")
}

// NextRetryAfter returns the earliest NextRetry among pending entries
// strictly after now, or the zero time.
func (e *Engine) NextRetryAfter(ctx context.Context, now time.Time) (time.Time, error) {
	var ms int64
	err := e.db.Gorm(ctx).Model(&queueRow{}).
		Where("status = ? AND next_retry > ?", string(models.QueueStatusPending), now.UnixMilli()).
		Select("COALESCE(MIN(next_retry), 0)").Scan(&ms).Error
	if err != nil {
		return time.Time{}, wrapStorage(err, "next retry")
	}
	return msToTime(ms), nil
}
