package network

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/kimhsiao/marketsync/internal/config"
	"github.com/kimhsiao/marketsync/internal/events"
	"github.com/kimhsiao/marketsync/internal/logging"
	"github.com/kimhsiao/marketsync/internal/models"
	"github.com/kimhsiao/marketsync/internal/ringbuffer"
	"github.com/kimhsiao/marketsync/internal/sync/conflict"
)

// Status is the current view of the connection.
type Status struct {
	Online         bool          `json:"online"`
	Tier           Tier          `json:"tier"`
	DownlinkMbps   float64       `json:"downlinkMbps,omitempty"`
	RTT            time.Duration `json:"rtt,omitempty"`
	ConnectionType string        `json:"connectionType,omitempty"`
	// Source is "signals", "probe" or "manual".
	Source    string    `json:"source"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Usable reports whether any request should be attempted.
func (s Status) Usable() bool {
	return s.Online && s.Tier > TierOffline
}

// Signals are passive measurements supplied by the host platform.
type Signals struct {
	DownlinkMbps   float64
	RTT            time.Duration
	ConnectionType string
	// EffectiveType is a tier name reported by the platform, if any.
	EffectiveType string
}

// SyncLedger persists last-synced bookkeeping.
type SyncLedger interface {
	BumpVersion(ctx context.Context, storeType, itemID string, payload []byte) (*models.VersionRecord, error)
	GetVersion(ctx context.Context, storeType, itemID string) (*models.VersionRecord, error)
	SetMeta(ctx context.Context, key, value string) error
	GetMeta(ctx context.Context, key string) (string, bool, error)
}

const lastSyncKey = "last_sync_at"

// Options configures a Controller.
type Options struct {
	// Prober is used when no passive signals are available. Optional.
	Prober        Prober
	CheckInterval time.Duration
	HistorySize   int
	Profile       *Profile
	Strategy      conflict.Strategy
	Ledger        SyncLedger
	Now           func() time.Time
}

// OptionsFromConfig maps the network and conflict config sections to
// Options.
func OptionsFromConfig(net config.NetworkConfig, cf config.ConflictConfig) Options {
	opts := Options{
		CheckInterval: net.CheckInterval,
		HistorySize:   net.HistorySize,
		Strategy:      conflict.Strategy(cf.Strategy),
	}
	if net.ProbeURL != "" {
		opts.Prober = &HTTPProber{URL: net.ProbeURL, Timeout: net.ProbeTimeout}
	}
	return opts
}

// Controller owns the connection status, the derived parameters and the
// conflict policy.
type Controller struct {
	prober   Prober
	interval time.Duration
	profile  Profile
	resolver *conflict.Resolver
	ledger   SyncLedger
	now      func() time.Time
	history  *ringbuffer.Ring[float64]
	changes  *events.Bus[Status]

	mu         sync.RWMutex
	status     Status
	hasSignals bool
	lastOnline Tier

	checkMu sync.Mutex

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewController creates a Controller. It starts online at 4g until told
// otherwise.
func NewController(opts Options) *Controller {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 30 * time.Second
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 10
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	profile := DefaultProfile()
	if opts.Profile != nil {
		profile = *opts.Profile
	}
	if opts.Strategy == "" {
		opts.Strategy = conflict.StrategyServerWins
	}
	return &Controller{
		prober:     opts.Prober,
		interval:   opts.CheckInterval,
		profile:    profile,
		resolver:   conflict.NewResolver(opts.Strategy),
		ledger:     opts.Ledger,
		now:        opts.Now,
		history:    ringbuffer.New[float64](opts.HistorySize),
		changes:    events.NewBus[Status]("network.status"),
		status:     Status{Online: true, Tier: Tier4G, Source: "manual", CheckedAt: opts.Now()},
		lastOnline: Tier4G,
	}
}

// Init runs a first check and starts the periodic re-check. Calling Init
// on a running controller is a no-op.
func (c *Controller) Init(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	if c.prober != nil {
		if _, err := c.Check(ctx); err != nil {
			logging.Warn("Initial connection check failed", map[string]interface{}{"error": err.Error()})
		}
	}
	go c.loop(loopCtx, c.done)

	logging.Info("Network controller started", map[string]interface{}{
		"interval_s": c.interval.Seconds(),
		"probe":      c.prober != nil,
	})
}

// Destroy stops the periodic re-check and waits for it to exit.
func (c *Controller) Destroy() {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		return
	}
	c.running = false
	cancel, done := c.cancel, c.done
	c.runMu.Unlock()

	cancel()
	<-done
	logging.Info("Network controller stopped", nil)
}

func (c *Controller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Check(ctx); err != nil && ctx.Err() == nil {
				logging.Debug("Periodic connection check failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// Status returns the current status.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Tier returns the current tier.
func (c *Controller) Tier() Tier {
	return c.Status().Tier
}

// Subscribe registers fn for status changes. fn only runs when the tier
// or the online flag actually changes.
func (c *Controller) Subscribe(fn func(Status)) (unsubscribe func()) {
	return c.changes.Subscribe(fn)
}

// apply installs next and publishes it when it differs materially from
// the previous status.
func (c *Controller) apply(next Status) Status {
	c.mu.Lock()
	prev := c.status
	if !next.Online {
		next.Tier = TierOffline
	} else if next.Tier > TierOffline {
		c.lastOnline = next.Tier
	}
	next.CheckedAt = c.now()
	c.status = next
	c.mu.Unlock()

	if prev.Online != next.Online || prev.Tier != next.Tier {
		logging.Info("Connection status changed", map[string]interface{}{
			"online":    next.Online,
			"tier":      next.Tier.String(),
			"prev_tier": prev.Tier.String(),
			"source":    next.Source,
		})
		c.changes.Publish(next)
	}
	return next
}

// SetOnline records a reachability event from the host. Going online
// restores the last known online tier.
func (c *Controller) SetOnline(online bool) Status {
	c.mu.RLock()
	next := c.status
	restore := c.lastOnline
	c.mu.RUnlock()

	next.Online = online
	next.Source = "manual"
	if online && next.Tier == TierOffline {
		next.Tier = restore
	}
	return c.apply(next)
}

// SetTier forces a tier. TierOffline also clears the online flag.
func (c *Controller) SetTier(t Tier) Status {
	c.mu.RLock()
	next := c.status
	c.mu.RUnlock()
	next.Tier = t
	next.Online = t > TierOffline
	next.Source = "manual"
	return c.apply(next)
}

// UpdateSignals records passive measurements and reclassifies the tier.
// Once signals are supplied, periodic checks stop probing.
func (c *Controller) UpdateSignals(s Signals) Status {
	tier, ok := ParseTier(s.EffectiveType)
	switch {
	case ok:
	case s.RTT > 0:
		tier = TierForLatency(s.RTT)
	default:
		tier = TierForDownlink(s.DownlinkMbps)
	}
	if s.DownlinkMbps > 0 {
		c.history.Push(s.DownlinkMbps)
	}

	c.mu.Lock()
	c.hasSignals = true
	next := c.status
	c.mu.Unlock()

	next.Tier = tier
	next.Online = tier > TierOffline
	next.DownlinkMbps = s.DownlinkMbps
	next.RTT = s.RTT
	next.ConnectionType = s.ConnectionType
	next.Source = "signals"
	return c.apply(next)
}

// Check re-evaluates the connection. With passive signals the current
// classification is kept; otherwise the prober is run. A probe failure
// classifies the link as offline. Concurrent checks are serialized.
func (c *Controller) Check(ctx context.Context) (Status, error) {
	c.checkMu.Lock()
	defer c.checkMu.Unlock()

	c.mu.RLock()
	passive := c.hasSignals
	current := c.status
	c.mu.RUnlock()

	if passive || c.prober == nil {
		current.Source = "signals"
		return c.apply(current), nil
	}

	sample, err := c.prober.Probe(ctx)
	next := current
	next.Source = "probe"
	next.RTT = sample.Latency
	if err != nil {
		if ctx.Err() != nil {
			return current, ctx.Err()
		}
		next.Online = false
		next.Tier = TierOffline
		return c.apply(next), err
	}
	if mbps := sample.Mbps(); mbps > 0 {
		c.history.Push(mbps)
		next.DownlinkMbps = mbps
	}
	next.Tier = TierForLatency(sample.Latency)
	next.Online = next.Tier > TierOffline
	return c.apply(next), nil
}

// Profile returns the parameter tables in use.
func (c *Controller) Profile() Profile {
	return c.profile
}

// RecommendedBatchSize returns the batch size for the current tier.
func (c *Controller) RecommendedBatchSize() int {
	return c.profile.BatchSizeFor(c.Tier())
}

// RetryMultiplier returns the backoff multiplier for the current tier.
func (c *Controller) RetryMultiplier() float64 {
	return c.profile.RetryMultiplierFor(c.Tier())
}

// QualityMultiplier returns the priority multiplier for the current tier.
func (c *Controller) QualityMultiplier() float64 {
	return c.profile.QualityMultiplierFor(c.Tier())
}

// IsConnectionGoodFor reports whether class may be attempted now.
func (c *Controller) IsConnectionGoodFor(class models.OperationClass) bool {
	st := c.Status()
	return st.Online && c.profile.GoodFor(st.Tier, class)
}

// BandwidthHistory returns the buffered downlink estimates, oldest first.
func (c *Controller) BandwidthHistory() []float64 {
	return c.history.Items()
}

// AverageBandwidth returns the mean of the buffered estimates in Mbps.
func (c *Controller) AverageBandwidth() float64 {
	items := c.history.Items()
	if len(items) == 0 {
		return 0
	}
	var sum float64
	for _, v := range items {
		sum += v
	}
	return sum / float64(len(items))
}

// SetConflictStrategy replaces the global conflict strategy.
func (c *Controller) SetConflictStrategy(s conflict.Strategy) error {
	return c.resolver.SetStrategy(s)
}

// ConflictStrategy returns the global conflict strategy.
func (c *Controller) ConflictStrategy() conflict.Strategy {
	return c.resolver.Strategy()
}

// RegisterConflictHandler installs a handler for one entry type.
func (c *Controller) RegisterConflictHandler(t models.EntryType, h conflict.Handler) {
	c.resolver.Register(t, h)
}

// ResolveConflict applies the conflict policy to cf.
func (c *Controller) ResolveConflict(ctx context.Context, cf *conflict.Conflict) (*conflict.Decision, error) {
	return c.resolver.Resolve(ctx, cf)
}

// MarkSynced records a confirmed server write of an item.
func (c *Controller) MarkSynced(ctx context.Context, store, itemID string, payload []byte) error {
	if c.ledger == nil {
		return nil
	}
	v, err := c.ledger.BumpVersion(ctx, store, itemID, payload)
	if err != nil {
		return err
	}
	return c.ledger.SetMeta(ctx, lastSyncKey, strconv.FormatInt(v.LastSynced, 10))
}

// LastSynced returns when an item was last confirmed by the server, or
// the zero time.
func (c *Controller) LastSynced(ctx context.Context, store, itemID string) (time.Time, error) {
	if c.ledger == nil {
		return time.Time{}, nil
	}
	v, err := c.ledger.GetVersion(ctx, store, itemID)
	if err != nil {
		return time.Time{}, err
	}
	return v.LastSyncedTime(), nil
}

// LastSyncAt returns the time of the most recent confirmed write of any
// item, or the zero time.
func (c *Controller) LastSyncAt(ctx context.Context) (time.Time, error) {
	if c.ledger == nil {
		return time.Time{}, nil
	}
	raw, ok, err := c.ledger.GetMeta(ctx, lastSyncKey)
	if err != nil || !ok {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms), nil
}
