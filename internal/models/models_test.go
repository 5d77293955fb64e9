// Package models provides unit tests for data model definitions.
package models

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	apperrors "github.com/kimhsiao/marketsync/internal/errors"
)

// TestRecord_Key tests key selection between id and temp id.
func TestRecord_Key(t *testing.T) {
	r := &Record{TempID: "temp_1_a"}
	if r.Key() != "temp_1_a" {
		t.Errorf("Key() = %q", r.Key())
	}
	r.ID = "42"
	if r.Key() != "42" {
		t.Errorf("Key() = %q, want server id", r.Key())
	}
}

// TestRecord_Validate tests the pending-record identity invariant.
func TestRecord_Validate(t *testing.T) {
	if err := (&Record{SyncStatus: SyncStatusPending}).Validate(); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("pending record without ids: err = %v", err)
	}
	if err := (&Record{TempID: "t", SyncStatus: SyncStatusPending}).Validate(); err != nil {
		t.Errorf("pending record with temp id: %v", err)
	}
	if err := (&Record{ID: "1", SyncStatus: "weird"}).Validate(); err == nil {
		t.Error("unknown status should be rejected")
	}
}

// TestRecord_Clone tests that clones do not share nested maps.
func TestRecord_Clone(t *testing.T) {
	r := &Record{ID: "1", Data: map[string]any{"nested": map[string]any{"a": 1.0}}, DirtyFields: []string{"a"}}
	c := r.Clone()
	c.Data["nested"].(map[string]any)["a"] = 2.0
	c.DirtyFields[0] = "b"
	if r.Data["nested"].(map[string]any)["a"] != 1.0 {
		t.Error("clone shares nested map")
	}
	if r.DirtyFields[0] != "a" {
		t.Error("clone shares dirty fields")
	}
}

// TestNormalizeID tests server id normalization.
func TestNormalizeID(t *testing.T) {
	tests := []struct {
		in   any
		want string
		ok   bool
	}{
		{42.0, "42", true},
		{json.Number("7"), "7", true},
		{"abc", "abc", true},
		{int64(9), "9", true},
		{1.5, "", false},
		{"", "", false},
		{nil, "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizeID(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("NormalizeID(%v) = %q,%v want %q,%v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

// TestPayload_envelope tests that the envelope restores the concrete variant.
func TestPayload_envelope(t *testing.T) {
	payloads := []Payload{
		MessagePayload{ConversationID: "c1", SenderID: "u1", Content: "hi"},
		TransactionPayload{WalletID: "w1", Amount: 500, Currency: "USD", Kind: "debit"},
		WalletPayload{OwnerID: "u1", Balance: 10, Currency: "USD"},
		ProductPayload{SellerID: "s", Title: "Lamp", Category: "home", PriceCents: 1200, Stock: 3},
		GenericPayload{Store: "reviews", Fields: map[string]any{"stars": 5.0}},
	}
	for _, p := range payloads {
		b, err := MarshalPayload(p)
		if err != nil {
			t.Fatalf("MarshalPayload(%T): %v", p, err)
		}
		got, err := UnmarshalPayload(b)
		if err != nil {
			t.Fatalf("UnmarshalPayload(%T): %v", p, err)
		}
		if got.EntryType() != p.EntryType() || got.StoreName() != p.StoreName() {
			t.Errorf("%T restored as %T (%s)", p, got, got.StoreName())
		}
	}
	if _, err := UnmarshalPayload([]byte(`{"type":"bogus","data":{}}`)); err == nil {
		t.Error("unknown type should fail")
	}
}

// TestPayloadFields tests flattening and rebuilding payloads.
func TestPayloadFields(t *testing.T) {
	p := ProductPayload{SellerID: "s1", Title: "Chair", Category: "home", PriceCents: 999}
	fields, err := PayloadFields(p)
	if err != nil {
		t.Fatalf("PayloadFields: %v", err)
	}
	if fields["title"] != "Chair" {
		t.Errorf("fields = %v", fields)
	}
	fields["title"] = "Stool"
	back, err := PayloadFromFields(EntryProduct, StoreProducts, fields)
	if err != nil {
		t.Fatalf("PayloadFromFields: %v", err)
	}
	if back.(ProductPayload).Title != "Stool" {
		t.Errorf("rebuilt = %+v", back)
	}
}

// TestMethod tests verb mapping.
func TestMethod(t *testing.T) {
	tests := map[Method]string{
		MethodCreate:  http.MethodPost,
		MethodUpdate:  http.MethodPatch,
		MethodReplace: http.MethodPut,
		MethodDelete:  http.MethodDelete,
	}
	for m, verb := range tests {
		if m.HTTPMethod() != verb {
			t.Errorf("%s.HTTPMethod() = %s", m, m.HTTPMethod())
		}
		parsed, err := ParseMethod(verb)
		if err != nil || parsed != m {
			t.Errorf("ParseMethod(%s) = %s, %v", verb, parsed, err)
		}
	}
	if _, err := ParseMethod("TRACE"); err == nil {
		t.Error("ParseMethod should reject TRACE")
	}
}

// TestClassForPriority tests operation class buckets.
func TestClassForPriority(t *testing.T) {
	want := map[int]OperationClass{1: ClassCritical, 2: ClassCritical, 3: ClassStandard, 6: ClassStandard, 7: ClassBulk, 10: ClassBulk}
	for p, c := range want {
		if got := ClassForPriority(p); got != c {
			t.Errorf("ClassForPriority(%d) = %s, want %s", p, got, c)
		}
	}
}

// TestQueueEntry_Ready tests readiness by status and next retry.
func TestQueueEntry_Ready(t *testing.T) {
	now := time.Now()
	e := &QueueEntry{Status: QueueStatusPending}
	if !e.Ready(now) {
		t.Error("pending entry without NextRetry should be ready")
	}
	e.NextRetry = now.Add(time.Second)
	if e.Ready(now) {
		t.Error("entry with future NextRetry should not be ready")
	}
	e.NextRetry = now
	if !e.Ready(now) {
		t.Error("entry with NextRetry == now should be ready")
	}
	e.Status = QueueStatusProcessing
	if e.Ready(now) {
		t.Error("processing entry should not be ready")
	}
}

// TestQueueStatus_Live tests which states own a temp id.
func TestQueueStatus_Live(t *testing.T) {
	for s, want := range map[QueueStatus]bool{
		QueueStatusPending: true, QueueStatusProcessing: true, QueueStatusConflict: true,
		QueueStatusFailed: false, QueueStatusCompleted: false,
	} {
		if s.Live() != want {
			t.Errorf("%s.Live() = %v", s, s.Live())
		}
	}
}

// TestQueueEntry_JSON tests JSON encoding keeps the payload variant.
func TestQueueEntry_JSON(t *testing.T) {
	in := QueueEntry{
		ID:        "e1",
		Type:      EntryMessage,
		Method:    MethodCreate,
		Target:    "/api/messages",
		Payload:   MessagePayload{ConversationID: "c", SenderID: "u", Content: "x"},
		Status:    QueueStatusPending,
		Priority:  3,
		CreatedAt: time.Unix(100, 0).UTC(),
	}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out QueueEntry
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := out.Payload.(MessagePayload); !ok {
		t.Fatalf("payload = %T", out.Payload)
	}
	if !out.NextRetry.IsZero() || !out.CreatedAt.Equal(in.CreatedAt) {
		t.Errorf("times = %v / %v", out.NextRetry, out.CreatedAt)
	}
}

// TestConflictRecord_TableName tests audit table names.
func TestConflictRecord_TableName(t *testing.T) {
	if (ConflictRecord{}).TableName() != "conflicts" {
		t.Error("ConflictRecord table")
	}
	if (VersionRecord{}).TableName() != "versions" {
		t.Error("VersionRecord table")
	}
	c := ConflictRecord{DetectedAt: 1500}
	if !c.DetectedAtTime().Equal(time.UnixMilli(1500)) {
		t.Error("DetectedAtTime")
	}
}
