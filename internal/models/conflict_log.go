package models

import "time"

// ConflictRecord is an append-only audit row for a detected conflict.
type ConflictRecord struct {
	ID            string `gorm:"column:id;primaryKey" json:"id"`
	EntryID       string `gorm:"column:entry_id" json:"entryId"`
	StoreType     string `gorm:"column:store_type" json:"storeType"`
	ItemID        string `gorm:"column:item_id" json:"itemId"`
	LocalVersion  string `gorm:"column:local_version" json:"localVersion"`
	ServerVersion string `gorm:"column:server_version" json:"serverVersion,omitempty"`
	Resolution    string `gorm:"column:resolution" json:"resolution"`
	Message       string `gorm:"column:message" json:"message,omitempty"`
	DetectedAt    int64  `gorm:"column:detected_at" json:"detectedAt"`
}

// TableName returns the table name for ConflictRecord.
func (ConflictRecord) TableName() string {
	return "conflicts"
}

// DetectedAtTime returns DetectedAt (unix milliseconds) as time.Time.
func (c *ConflictRecord) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}

// VersionRecord tracks the last confirmed server version of one item.
type VersionRecord struct {
	StoreType  string `gorm:"column:store_type;primaryKey" json:"storeType"`
	ItemID     string `gorm:"column:item_id;primaryKey" json:"itemId"`
	Version    int64  `gorm:"column:version" json:"version"`
	LastSynced int64  `gorm:"column:last_synced" json:"lastSynced"`
	Checksum   string `gorm:"column:checksum" json:"checksum"`
}

// TableName returns the table name for VersionRecord.
func (VersionRecord) TableName() string {
	return "versions"
}

// LastSyncedTime returns LastSynced (unix milliseconds) as time.Time.
func (v *VersionRecord) LastSyncedTime() time.Time {
	return time.UnixMilli(v.LastSynced)
}
