// Package models provides data model definitions for the sync core.
package models

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	apperrors "github.com/kimhsiao/marketsync/internal/errors"
)

// SyncStatus tracks whether a local record matches the server.
type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusPending SyncStatus = "pending"
	SyncStatusStale   SyncStatus = "stale"
	SyncStatusFailed  SyncStatus = "failed"
)

// Valid reports whether s is a known status.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncStatusSynced, SyncStatusPending, SyncStatusStale, SyncStatusFailed:
		return true
	}
	return false
}

// Record is a locally stored domain object plus engine metadata.
type Record struct {
	ID               string         `json:"id,omitempty"`
	TempID           string         `json:"tempId,omitempty"`
	Data             map[string]any `json:"data"`
	SyncStatus       SyncStatus     `json:"syncStatus"`
	LastSynced       time.Time      `json:"lastSynced"`
	LastAccessed     time.Time      `json:"lastAccessed"`
	AccessCount      int64          `json:"accessCount"`
	Size             int64          `json:"size"`
	Compressed       bool           `json:"compressed,omitempty"`
	CompressedFields []string       `json:"compressedFields,omitempty"`
	DirtyFields      []string       `json:"dirtyFields,omitempty"`
}

// Key returns the primary key the record is stored under: the stable id
// when known, the temp id otherwise.
func (r *Record) Key() string {
	if r.ID != "" {
		return r.ID
	}
	return r.TempID
}

// Validate checks the record-level invariants.
func (r *Record) Validate() error {
	if r.Key() == "" {
		return apperrors.New(apperrors.ErrValidation, "record has neither id nor tempId")
	}
	if r.SyncStatus == "" {
		return nil
	}
	if !r.SyncStatus.Valid() {
		return apperrors.Newf(apperrors.ErrValidation, "unknown sync status %q", r.SyncStatus)
	}
	return nil
}

// Clone returns a deep copy suitable for mutation.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Data = CloneMap(r.Data)
	c.CompressedFields = append([]string(nil), r.CompressedFields...)
	c.DirtyFields = append([]string(nil), r.DirtyFields...)
	return &c
}

// EstimateSize returns the serialized byte length of the data payload.
func (r *Record) EstimateSize() int64 {
	b, err := json.Marshal(r.Data)
	if err != nil {
		return 0
	}
	return int64(len(b))
}

// CloneMap deep copies JSON-shaped maps.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		s := make([]any, len(t))
		for i := range t {
			s[i] = cloneValue(t[i])
		}
		return s
	default:
		return v
	}
}

// NormalizeID converts a server identifier into its canonical string form.
// Numeric ids become their decimal representation.
func NormalizeID(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, t != ""
	case json.Number:
		return t.String(), t != ""
	case float64:
		if t != math.Trunc(t) || math.IsInf(t, 0) {
			return "", false
		}
		return strconv.FormatInt(int64(t), 10), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	}
	return "", false
}
