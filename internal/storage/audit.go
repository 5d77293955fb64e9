package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/kimhsiao/marketsync/internal/errors"
	"github.com/kimhsiao/marketsync/internal/models"
	"github.com/kimhsiao/marketsync/internal/uuid"
)

// RecordConflict appends an audit row. ID and DetectedAt are filled in
// when empty.
func (e *Engine) RecordConflict(ctx context.Context, c *models.ConflictRecord) error {
	if c.ID == "" {
		c.ID = uuid.New()
	}
	if c.DetectedAt == 0 {
		c.DetectedAt = e.now().UnixMilli()
	}
	return wrapStorage(e.db.Gorm(ctx).Create(c).Error, "record conflict")
}

// ListConflicts returns the newest audit rows first. limit <= 0 returns
// all of them.
func (e *Engine) ListConflicts(ctx context.Context, limit int) ([]models.ConflictRecord, error) {
	q := e.db.Gorm(ctx).Order("detected_at DESC, id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.ConflictRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, wrapStorage(err, "list conflicts")
	}
	return out, nil
}

// Checksum returns the hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// BumpVersion records a confirmed server write of an item. The version
// only advances when the payload checksum changes.
func (e *Engine) BumpVersion(ctx context.Context, storeType, itemID string, payload []byte) (*models.VersionRecord, error) {
	sum := Checksum(payload)
	var out models.VersionRecord
	err := e.db.WriteTX(ctx, func(tx *gorm.DB) error {
		err := tx.Where("store_type = ? AND item_id = ?", storeType, itemID).Take(&out).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			out = models.VersionRecord{StoreType: storeType, ItemID: itemID}
		case err != nil:
			return err
		}
		if out.Checksum != sum {
			out.Version++
			out.Checksum = sum
		}
		out.LastSynced = e.now().UnixMilli()
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&out).Error
	})
	if err != nil {
		return nil, wrapStorage(err, "bump version")
	}
	return &out, nil
}

// GetVersion returns the version row of an item.
func (e *Engine) GetVersion(ctx context.Context, storeType, itemID string) (*models.VersionRecord, error) {
	var v models.VersionRecord
	err := e.db.Gorm(ctx).Where("store_type = ? AND item_id = ?", storeType, itemID).Take(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "no version for %s/%s", storeType, itemID)
	}
	if err != nil {
		return nil, wrapStorage(err, "get version")
	}
	return &v, nil
}

type metaRow struct {
	Key   string `gorm:"column:key;primaryKey"`
	Value string `gorm:"column:value"`
}

func (metaRow) TableName() string { return "meta" }

// SetMeta stores a key/value pair.
func (e *Engine) SetMeta(ctx context.Context, key, value string) error {
	err := e.db.Gorm(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&metaRow{Key: key, Value: value}).Error
	return wrapStorage(err, "set meta "+key)
}

// GetMeta returns the value of key and whether it exists.
func (e *Engine) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var row metaRow
	err := e.db.Gorm(ctx).Where("key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapStorage(err, "get meta "+key)
	}
	return row.Value, true, nil
}
