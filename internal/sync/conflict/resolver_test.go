package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kimhsiao/marketsync/internal/models"
)

func testConflict() *Conflict {
	return &Conflict{
		EntryID: "q1",
		Type:    models.EntryProduct,
		Method:  models.MethodUpdate,
		Target:  "/api/products/7",
		Store:   models.StoreProducts,
		ItemID:  "7",
		LocalPayload: models.ProductPayload{
			ID: "7", SellerID: "s1", Title: "Local title", Category: "home", PriceCents: 500, Stock: 3,
		},
		ServerPayload: json.RawMessage(`{"id":"7","sellerId":"s1","title":"Server title","category":"garden","priceCents":450,"stock":9}`),
		DirtyFields:   []string{"title"},
		ConflictCount: 1,
		MaxRetries:    3,
		DetectedAt:    time.UnixMilli(1_700_000_000_000),
	}
}

// TestResolverStrategies tests the global strategy selection.
func TestResolverStrategies(t *testing.T) {
	tests := []struct {
		strategy Strategy
		want     Outcome
	}{
		{StrategyServerWins, OutcomeServerWins},
		{StrategyClientWins, OutcomeClientWins},
		{StrategyManual, OutcomeManual},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			r := NewResolver(tt.strategy)
			d, err := r.Resolve(context.Background(), testConflict())
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if d.Outcome != tt.want {
				t.Errorf("Outcome = %s, want %s", d.Outcome, tt.want)
			}
			if d.Message == "" {
				t.Error("expected a message")
			}
		})
	}
}

// TestResolverClientWinsBounded tests that client-wins stops resubmitting
// once the conflict count exceeds the retry budget.
func TestResolverClientWinsBounded(t *testing.T) {
	r := NewResolver(StrategyClientWins)
	c := testConflict()
	c.ConflictCount = 4

	d, err := r.Resolve(context.Background(), c)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if d.Outcome != OutcomeServerWins {
		t.Errorf("Outcome = %s, want server-wins", d.Outcome)
	}
}

// TestResolverHandlerPrecedence tests that type handlers override the
// global strategy and fall back to it on error or nil decision.
func TestResolverHandlerPrecedence(t *testing.T) {
	r := NewResolver(StrategyServerWins)
	r.Register(models.EntryProduct, func(context.Context, *Conflict) (*Decision, error) {
		return &Decision{Outcome: OutcomeClientWins, Message: "products always win"}, nil
	})

	d, _ := r.Resolve(context.Background(), testConflict())
	if d.Outcome != OutcomeClientWins {
		t.Errorf("handler not applied: %s", d.Outcome)
	}

	msg := testConflict()
	msg.Type = models.EntryMessage
	d, _ = r.Resolve(context.Background(), msg)
	if d.Outcome != OutcomeServerWins {
		t.Errorf("other types must use the global strategy, got %s", d.Outcome)
	}

	r.Register(models.EntryProduct, func(context.Context, *Conflict) (*Decision, error) {
		return nil, errors.New("boom")
	})
	d, _ = r.Resolve(context.Background(), testConflict())
	if d.Outcome != OutcomeServerWins {
		t.Errorf("handler error should fall back, got %s", d.Outcome)
	}

	r.Register(models.EntryProduct, func(context.Context, *Conflict) (*Decision, error) {
		panic("handler bug")
	})
	d, err := r.Resolve(context.Background(), testConflict())
	if err != nil || d.Outcome != OutcomeServerWins {
		t.Errorf("panicking handler should fall back, got %v %v", d, err)
	}

	r.Register(models.EntryProduct, nil)
	if err := r.SetStrategy(StrategyManual); err != nil {
		t.Fatalf("SetStrategy failed: %v", err)
	}
	d, _ = r.Resolve(context.Background(), testConflict())
	if d.Outcome != OutcomeManual {
		t.Errorf("Outcome = %s, want manual", d.Outcome)
	}
}

// TestSetStrategyInvalid tests validation of strategy names.
func TestSetStrategyInvalid(t *testing.T) {
	r := NewResolver("bogus")
	if r.Strategy() != StrategyServerWins {
		t.Errorf("invalid strategy should default to server-wins, got %s", r.Strategy())
	}
	if err := r.SetStrategy("last_write_wins"); !IsConflictError(err) {
		t.Errorf("expected ConflictError, got %v", err)
	}
	if _, err := r.Resolve(context.Background(), nil); err != ErrInvalidConflict {
		t.Errorf("expected ErrInvalidConflict, got %v", err)
	}
}

// TestMergeDirtyFields tests the dirty-field overlay.
func TestMergeDirtyFields(t *testing.T) {
	local := map[string]any{"title": "L", "stock": 1.0, "note": "x"}
	server := map[string]any{"title": "S", "stock": 9.0, "price": 4.0, "note": "y"}

	got := MergeDirtyFields(local, server, []string{"title", "gone"})
	if got["title"] != "L" || got["stock"] != 9.0 || got["price"] != 4.0 || got["note"] != "y" {
		t.Errorf("unexpected merge: %v", got)
	}
	if server["title"] != "S" {
		t.Error("server map must not be modified")
	}
}

// TestMergeHandler tests the ready-made merging handler.
func TestMergeHandler(t *testing.T) {
	r := NewResolver(StrategyServerWins)
	r.Register(models.EntryProduct, MergeHandler())

	d, err := r.Resolve(context.Background(), testConflict())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if d.Outcome != OutcomeMerged {
		t.Fatalf("Outcome = %s, want merged", d.Outcome)
	}
	p, ok := d.Payload.(models.ProductPayload)
	if !ok {
		t.Fatalf("payload type %T", d.Payload)
	}
	if p.Title != "Local title" || p.Category != "garden" || p.Stock != 9 {
		t.Errorf("unexpected merged payload: %+v", p)
	}

	noServer := testConflict()
	noServer.ServerPayload = nil
	d, _ = r.Resolve(context.Background(), noServer)
	if d.Outcome != OutcomeServerWins {
		t.Errorf("without server version merge should defer, got %s", d.Outcome)
	}
}

// TestConflictRecordAndNotify tests the audit row and notification.
func TestConflictRecordAndNotify(t *testing.T) {
	c := testConflict()
	d := &Decision{Outcome: OutcomeManual, Message: "needs review"}

	rec := c.Record(d)
	if rec.Resolution != "manual" || rec.ItemID != "7" || rec.StoreType != models.StoreProducts {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.LocalVersion == "" || rec.ServerVersion == "" {
		t.Error("both versions should be recorded")
	}
	if rec.DetectedAt != 1_700_000_000_000 {
		t.Errorf("DetectedAt = %d", rec.DetectedAt)
	}

	n := c.Notify(d)
	if n.Outcome != OutcomeManual || n.Message != "needs review" || len(n.LocalPayload) == 0 {
		t.Errorf("unexpected notification: %+v", n)
	}
}
