package models

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Method is the kind of mutation a queue entry performs.
type Method string

const (
	MethodCreate  Method = "create"
	MethodUpdate  Method = "update"
	MethodReplace Method = "replace"
	MethodDelete  Method = "delete"
)

// HTTPMethod maps the mutation to its HTTP verb.
func (m Method) HTTPMethod() string {
	switch m {
	case MethodCreate:
		return http.MethodPost
	case MethodUpdate:
		return http.MethodPatch
	case MethodReplace:
		return http.MethodPut
	case MethodDelete:
		return http.MethodDelete
	}
	return http.MethodPost
}

// ParseMethod accepts either a mutation name or an HTTP verb.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "create", http.MethodPost:
		return MethodCreate, nil
	case "update", http.MethodPatch:
		return MethodUpdate, nil
	case "replace", http.MethodPut:
		return MethodReplace, nil
	case "delete", http.MethodDelete:
		return MethodDelete, nil
	}
	return "", fmt.Errorf("unknown method %q", s)
}

// QueueStatus is the lifecycle state of a queue entry.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusCompleted  QueueStatus = "completed"
	// QueueStatusConflict parks an entry awaiting a manual decision.
	QueueStatusConflict QueueStatus = "conflict"
	// QueueStatusWaiting holds a follow-up until the live entry of its
	// temp id settles.
	QueueStatusWaiting QueueStatus = "waiting"
)

// Live reports whether an entry in this state still owns its temp id.
func (s QueueStatus) Live() bool {
	return s == QueueStatusPending || s == QueueStatusProcessing || s == QueueStatusConflict
}

// OperationClass groups priorities by how much connection quality they need.
type OperationClass string

const (
	ClassCritical OperationClass = "critical"
	ClassStandard OperationClass = "standard"
	ClassBulk     OperationClass = "bulk"
)

// Priority bounds. Lower numbers are more urgent.
const (
	MinPriority = 1
	MaxPriority = 10
)

// ClassForPriority buckets a priority: 1-2 critical, 3-6 standard, 7-10 bulk.
func ClassForPriority(p int) OperationClass {
	switch {
	case p <= 2:
		return ClassCritical
	case p <= 6:
		return ClassStandard
	default:
		return ClassBulk
	}
}

// QueueEntry is one pending server mutation.
type QueueEntry struct {
	ID               string
	Seq              int64
	Type             EntryType
	Method           Method
	Target           string
	Payload          Payload
	TempID           string
	RetryCount       int
	MaxRetries       int
	CreatedAt        time.Time
	LastAttempt      time.Time
	NextRetry        time.Time
	Status           QueueStatus
	Priority         int
	BatchID          string
	QualityAtEnqueue string
	LastError        string
	ConflictCount    int
	// ServerPayload holds the server's version when an entry is parked in
	// conflict.
	ServerPayload json.RawMessage
}

// Ready reports whether the entry may be attempted at now.
func (e *QueueEntry) Ready(now time.Time) bool {
	return e.Status == QueueStatusPending && (e.NextRetry.IsZero() || !e.NextRetry.After(now))
}

// Class returns the entry's operation class.
func (e *QueueEntry) Class() OperationClass {
	return ClassForPriority(e.Priority)
}

// StoreName returns the store holding the entry's optimistic record.
func (e *QueueEntry) StoreName() string {
	if e.Payload != nil {
		return e.Payload.StoreName()
	}
	return StoreGeneric
}

// Clone returns a copy that does not share the ServerPayload slice.
func (e *QueueEntry) Clone() *QueueEntry {
	c := *e
	c.ServerPayload = append(json.RawMessage(nil), e.ServerPayload...)
	return &c
}

type queueEntryJSON struct {
	ID               string          `json:"id"`
	Seq              int64           `json:"seq"`
	Type             EntryType       `json:"type"`
	Method           Method          `json:"method"`
	Target           string          `json:"target"`
	Payload          json.RawMessage `json:"payload"`
	TempID           string          `json:"tempId,omitempty"`
	RetryCount       int             `json:"retryCount"`
	MaxRetries       int             `json:"maxRetries"`
	CreatedAt        time.Time       `json:"createdAt"`
	LastAttempt      *time.Time      `json:"lastAttempt,omitempty"`
	NextRetry        *time.Time      `json:"nextRetry,omitempty"`
	Status           QueueStatus     `json:"status"`
	Priority         int             `json:"priority"`
	BatchID          string          `json:"batchId,omitempty"`
	QualityAtEnqueue string          `json:"qualityAtEnqueue,omitempty"`
	LastError        string          `json:"lastError,omitempty"`
	ConflictCount    int             `json:"conflictCount,omitempty"`
	ServerPayload    json.RawMessage `json:"serverPayload,omitempty"`
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// MarshalJSON encodes the payload through its type envelope.
func (e QueueEntry) MarshalJSON() ([]byte, error) {
	var payload json.RawMessage
	if e.Payload != nil {
		b, err := MarshalPayload(e.Payload)
		if err != nil {
			return nil, err
		}
		payload = b
	}
	return json.Marshal(queueEntryJSON{
		ID:               e.ID,
		Seq:              e.Seq,
		Type:             e.Type,
		Method:           e.Method,
		Target:           e.Target,
		Payload:          payload,
		TempID:           e.TempID,
		RetryCount:       e.RetryCount,
		MaxRetries:       e.MaxRetries,
		CreatedAt:        e.CreatedAt,
		LastAttempt:      optTime(e.LastAttempt),
		NextRetry:        optTime(e.NextRetry),
		Status:           e.Status,
		Priority:         e.Priority,
		BatchID:          e.BatchID,
		QualityAtEnqueue: e.QualityAtEnqueue,
		LastError:        e.LastError,
		ConflictCount:    e.ConflictCount,
		ServerPayload:    e.ServerPayload,
	})
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (e *QueueEntry) UnmarshalJSON(b []byte) error {
	var raw queueEntryJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*e = QueueEntry{
		ID:               raw.ID,
		Seq:              raw.Seq,
		Type:             raw.Type,
		Method:           raw.Method,
		Target:           raw.Target,
		TempID:           raw.TempID,
		RetryCount:       raw.RetryCount,
		MaxRetries:       raw.MaxRetries,
		CreatedAt:        raw.CreatedAt,
		Status:           raw.Status,
		Priority:         raw.Priority,
		BatchID:          raw.BatchID,
		QualityAtEnqueue: raw.QualityAtEnqueue,
		LastError:        raw.LastError,
		ConflictCount:    raw.ConflictCount,
		ServerPayload:    raw.ServerPayload,
	}
	if raw.LastAttempt != nil {
		e.LastAttempt = *raw.LastAttempt
	}
	if raw.NextRetry != nil {
		e.NextRetry = *raw.NextRetry
	}
	if len(raw.Payload) > 0 && string(raw.Payload) != "null" {
		p, err := UnmarshalPayload(raw.Payload)
		if err != nil {
			return err
		}
		e.Payload = p
	}
	return nil
}
