package network

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kimhsiao/marketsync/internal/models"
	"github.com/kimhsiao/marketsync/internal/sync/conflict"
)

// TestTierForLatency tests the probe thresholds.
func TestTierForLatency(t *testing.T) {
	tests := []struct {
		rtt  time.Duration
		want Tier
	}{
		{50 * time.Millisecond, Tier4G},
		{149 * time.Millisecond, Tier4G},
		{150 * time.Millisecond, Tier3G},
		{399 * time.Millisecond, Tier3G},
		{400 * time.Millisecond, Tier2G},
		{799 * time.Millisecond, Tier2G},
		{800 * time.Millisecond, TierSlow2G},
		{1999 * time.Millisecond, TierSlow2G},
		{2 * time.Second, TierOffline},
	}
	for _, tt := range tests {
		if got := TierForLatency(tt.rtt); got != tt.want {
			t.Errorf("TierForLatency(%v) = %s, want %s", tt.rtt, got, tt.want)
		}
	}
}

// TestProfileTables tests the derived parameters per tier.
func TestProfileTables(t *testing.T) {
	p := DefaultProfile()
	wantBatch := []int{1, 1, 3, 10, 25}
	wantRetry := []float64{10, 5, 3, 1.5, 1}
	for tier := TierOffline; tier <= Tier4G; tier++ {
		if got := p.BatchSizeFor(tier); got != wantBatch[tier] {
			t.Errorf("BatchSizeFor(%s) = %d, want %d", tier, got, wantBatch[tier])
		}
		if got := p.RetryMultiplierFor(tier); got != wantRetry[tier] {
			t.Errorf("RetryMultiplierFor(%s) = %v, want %v", tier, got, wantRetry[tier])
		}
	}

	gates := []struct {
		tier  Tier
		class models.OperationClass
		want  bool
	}{
		{TierOffline, models.ClassCritical, false},
		{TierSlow2G, models.ClassCritical, true},
		{TierSlow2G, models.ClassStandard, false},
		{Tier2G, models.ClassStandard, true},
		{Tier2G, models.ClassBulk, false},
		{Tier3G, models.ClassBulk, true},
	}
	for _, g := range gates {
		if got := p.GoodFor(g.tier, g.class); got != g.want {
			t.Errorf("GoodFor(%s, %s) = %v, want %v", g.tier, g.class, got, g.want)
		}
	}
}

// TestTierText tests tier name encoding.
func TestTierText(t *testing.T) {
	b, _ := Tier2G.MarshalText()
	if string(b) != "2g" {
		t.Errorf("MarshalText = %s", b)
	}
	var tier Tier
	if err := tier.UnmarshalText([]byte("slow-2g")); err != nil || tier != TierSlow2G {
		t.Errorf("UnmarshalText = %s, %v", tier, err)
	}
	if err := tier.UnmarshalText([]byte("5g")); err == nil {
		t.Error("expected error for unknown tier")
	}
}

// TestSubscribeOnlyOnChange tests that subscribers are not notified by
// checks that leave the tier and online flag unchanged.
func TestSubscribeOnlyOnChange(t *testing.T) {
	c := NewController(Options{})
	var mu sync.Mutex
	var got []Status
	c.Subscribe(func(s Status) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})

	c.SetOnline(true) // already online at 4g
	c.UpdateSignals(Signals{RTT: 80 * time.Millisecond, DownlinkMbps: 10})
	c.UpdateSignals(Signals{RTT: 90 * time.Millisecond, DownlinkMbps: 12})
	c.UpdateSignals(Signals{RTT: 300 * time.Millisecond, DownlinkMbps: 2})
	c.SetOnline(false)
	c.SetOnline(false)
	c.SetOnline(true)
	_, _ = c.Check(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("got %d notifications, want 3: %+v", len(got), got)
	}
	if got[0].Tier != Tier3G || got[1].Online || got[1].Tier != TierOffline {
		t.Errorf("unexpected sequence: %+v", got)
	}
	if !got[2].Online || got[2].Tier != Tier3G {
		t.Errorf("going online should restore 3g, got %+v", got[2])
	}
}

// TestCheckWithProber tests active probing and failure handling.
func TestCheckWithProber(t *testing.T) {
	var fail atomic.Bool
	latency := 500 * time.Millisecond
	c := NewController(Options{Prober: ProberFunc(func(context.Context) (Sample, error) {
		if fail.Load() {
			return Sample{}, errors.New("unreachable")
		}
		return Sample{Latency: latency, Bytes: 125_000}, nil
	})})

	st, err := c.Check(context.Background())
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if st.Tier != Tier2G || !st.Online || st.Source != "probe" {
		t.Errorf("unexpected status %+v", st)
	}
	if got := c.AverageBandwidth(); got != 2 {
		t.Errorf("AverageBandwidth = %v, want 2", got)
	}
	if c.RecommendedBatchSize() != 3 || c.RetryMultiplier() != 3 {
		t.Errorf("unexpected parameters batch=%d retry=%v", c.RecommendedBatchSize(), c.RetryMultiplier())
	}

	fail.Store(true)
	st, err = c.Check(context.Background())
	if err == nil {
		t.Fatal("expected probe error")
	}
	if st.Usable() || c.IsConnectionGoodFor(models.ClassCritical) {
		t.Errorf("failed probe must mark offline, got %+v", st)
	}
}

// TestBandwidthHistoryBounded tests the ring buffer size.
func TestBandwidthHistoryBounded(t *testing.T) {
	c := NewController(Options{HistorySize: 3})
	for i := 1; i <= 5; i++ {
		c.UpdateSignals(Signals{DownlinkMbps: float64(i)})
	}
	h := c.BandwidthHistory()
	if len(h) != 3 || h[0] != 3 || h[2] != 5 {
		t.Errorf("history = %v, want [3 4 5]", h)
	}
	if c.AverageBandwidth() != 4 {
		t.Errorf("AverageBandwidth = %v, want 4", c.AverageBandwidth())
	}
}

// TestHTTPProber tests the HTTP probe against a local server.
func TestHTTPProber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 1024))
	}))
	defer srv.Close()

	s, err := (&HTTPProber{URL: srv.URL}).Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if s.Bytes != 1024 || s.Latency <= 0 {
		t.Errorf("unexpected sample %+v", s)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()
	if _, err := (&HTTPProber{URL: down.URL}).Probe(context.Background()); err == nil {
		t.Error("expected error for 502")
	}
}

// TestInitDestroy tests that the periodic check runs on one ticker and
// stops on Destroy.
func TestInitDestroy(t *testing.T) {
	var probes atomic.Int32
	c := NewController(Options{
		CheckInterval: 10 * time.Millisecond,
		Prober: ProberFunc(func(context.Context) (Sample, error) {
			probes.Add(1)
			return Sample{Latency: time.Millisecond}, nil
		}),
	})
	c.Init(context.Background())
	c.Init(context.Background())
	time.Sleep(55 * time.Millisecond)
	c.Destroy()
	c.Destroy()

	n := probes.Load()
	if n < 3 {
		t.Errorf("probes = %d, want at least 3", n)
	}
	time.Sleep(30 * time.Millisecond)
	if probes.Load() != n {
		t.Error("probing continued after Destroy")
	}
}

type memLedger struct {
	mu       sync.Mutex
	versions map[string]*models.VersionRecord
	meta     map[string]string
}

func newMemLedger() *memLedger {
	return &memLedger{versions: map[string]*models.VersionRecord{}, meta: map[string]string{}}
}

func (l *memLedger) BumpVersion(_ context.Context, store, id string, _ []byte) (*models.VersionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.versions[store+"/"+id]
	if !ok {
		v = &models.VersionRecord{StoreType: store, ItemID: id}
		l.versions[store+"/"+id] = v
	}
	v.Version++
	v.LastSynced = 1_700_000_000_000
	return v, nil
}

func (l *memLedger) GetVersion(_ context.Context, store, id string) (*models.VersionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.versions[store+"/"+id]
	if !ok {
		return nil, errors.New("not found")
	}
	return v, nil
}

func (l *memLedger) SetMeta(_ context.Context, k, v string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.meta[k] = v
	return nil
}

func (l *memLedger) GetMeta(_ context.Context, k string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.meta[k]
	return v, ok, nil
}

// TestLastSyncedBookkeeping tests MarkSynced and LastSynced.
func TestLastSyncedBookkeeping(t *testing.T) {
	ctx := context.Background()
	c := NewController(Options{Ledger: newMemLedger()})

	if at, _ := c.LastSyncAt(ctx); !at.IsZero() {
		t.Errorf("LastSyncAt = %v, want zero", at)
	}
	if err := c.MarkSynced(ctx, models.StoreMessages, "555", []byte(`{}`)); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}
	at, err := c.LastSynced(ctx, models.StoreMessages, "555")
	if err != nil {
		t.Fatalf("LastSynced failed: %v", err)
	}
	if at.UnixMilli() != 1_700_000_000_000 {
		t.Errorf("LastSynced = %v", at)
	}
	if global, _ := c.LastSyncAt(ctx); !global.Equal(at) {
		t.Errorf("LastSyncAt = %v, want %v", global, at)
	}
}

// TestConflictPolicyOwnership tests strategy configuration through the
// controller.
func TestConflictPolicyOwnership(t *testing.T) {
	c := NewController(Options{Strategy: conflict.StrategyClientWins})
	if c.ConflictStrategy() != conflict.StrategyClientWins {
		t.Errorf("ConflictStrategy = %s", c.ConflictStrategy())
	}
	if err := c.SetConflictStrategy("bogus"); err == nil {
		t.Error("expected error for unknown strategy")
	}
	c.RegisterConflictHandler(models.EntryWallet, func(context.Context, *conflict.Conflict) (*conflict.Decision, error) {
		return &conflict.Decision{Outcome: conflict.OutcomeManual}, nil
	})
	d, err := c.ResolveConflict(context.Background(), &conflict.Conflict{Type: models.EntryWallet})
	if err != nil || d.Outcome != conflict.OutcomeManual {
		t.Errorf("ResolveConflict = %+v, %v", d, err)
	}
}
