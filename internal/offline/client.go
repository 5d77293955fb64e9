// Package offline is the entry point application code uses: it wires the
// local store, the status controller, the sync queue and its scheduler,
// and exposes network-first mutations and reads with local fallback.
package offline

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/kimhsiao/marketsync/internal/cache"
	"github.com/kimhsiao/marketsync/internal/config"
	apperrors "github.com/kimhsiao/marketsync/internal/errors"
	"github.com/kimhsiao/marketsync/internal/logging"
	"github.com/kimhsiao/marketsync/internal/models"
	"github.com/kimhsiao/marketsync/internal/network"
	"github.com/kimhsiao/marketsync/internal/storage"
	"github.com/kimhsiao/marketsync/internal/sync/conflict"
	"github.com/kimhsiao/marketsync/internal/sync/queue"
	"github.com/kimhsiao/marketsync/internal/sync/scheduler"
	"github.com/kimhsiao/marketsync/internal/telemetry"
	"github.com/kimhsiao/marketsync/internal/transport"
)

// Options configures a Client. Zero-valued collaborators are built from
// Config.
type Options struct {
	Config    config.Config
	Transport transport.Transport
	Prober    network.Prober
	Telemetry telemetry.Sink
	Cache     cache.Cache
	Observer  queue.Observer
	// NetworkTimeout bounds the network-first attempt of a mutation or
	// read. Defaults to the transport timeout.
	NetworkTimeout time.Duration
	Now            func() time.Time
	Rand           func() float64
}

// Client is the offline-first façade. Call Init before use and Destroy
// when done.
type Client struct {
	opts Options
	cfg  config.Config
	now  func() time.Time

	mu          sync.RWMutex
	initialized bool
	degraded    bool
	cancel      context.CancelFunc

	store     *storage.Engine
	net       *network.Controller
	queue     *queue.SyncQueue
	sched     *scheduler.Scheduler
	cache     cache.Cache
	transport transport.Transport
	sink      telemetry.Sink
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NetworkTimeout <= 0 {
		opts.NetworkTimeout = opts.Config.Transport.Timeout
	}
	if opts.NetworkTimeout <= 0 {
		opts.NetworkTimeout = 30 * time.Second
	}
	return &Client{opts: opts, cfg: opts.Config, now: opts.Now}
}

// Init opens storage and starts background processing. When the database
// cannot be opened the client degrades to an in-memory store: it keeps
// working but pending writes do not survive a restart.
func (c *Client) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}

	store, degraded, err := c.openStore(ctx)
	if err != nil {
		return err
	}

	sink := c.opts.Telemetry
	if sink == nil {
		if sink, err = telemetry.New(c.cfg.Telemetry); err != nil {
			_ = store.Close()
			return apperrors.Wrap(apperrors.ErrInvalid, "telemetry sink", err)
		}
	}

	rc := c.opts.Cache
	if rc == nil {
		if rc, err = cache.New(ctx, c.cfg.Cache); err != nil {
			// The cache tier is optional.
			logging.Warn("Read cache unavailable, continuing without it", map[string]interface{}{
				"backend": c.cfg.Cache.Backend,
				"error":   err.Error(),
			})
			rc = nil
		}
	}

	tr := c.opts.Transport
	if tr == nil {
		tr = transport.NewHTTP(transport.OptionsFromConfig(c.cfg.Transport))
	}

	netOpts := network.OptionsFromConfig(c.cfg.Network, c.cfg.Conflict)
	if c.opts.Prober != nil {
		netOpts.Prober = c.opts.Prober
	}
	netOpts.Ledger = store
	netOpts.Now = c.now
	ctrl := network.NewController(netOpts)

	qopts := queue.Options{
		Store:     store,
		Network:   ctrl,
		Transport: tr,
		Telemetry: sink,
		Observer:  c.opts.Observer,
		Now:       c.now,
		Rand:      c.opts.Rand,
	}
	qopts.ApplyConfig(c.cfg.Queue)
	q, err := queue.New(qopts)
	if err != nil {
		_ = store.Close()
		return err
	}

	sched := scheduler.NewScheduler(q, ctrl, &scheduler.SchedulerConfig{
		ProcessInterval: c.cfg.Queue.ProcessInterval,
	})
	q.SetWake(func() { sched.TriggerSync() })

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ctrl.Init(runCtx)
	if err := q.Init(ctx); err != nil {
		cancel()
		ctrl.Destroy()
		_ = store.Close()
		return err
	}
	sched.Start(runCtx)

	c.store, c.net, c.queue, c.sched = store, ctrl, q, sched
	c.cache, c.transport, c.sink = rc, tr, sink
	c.degraded = degraded
	c.cancel = cancel
	c.initialized = true

	logging.Info("Offline client initialized", map[string]interface{}{
		"degraded": degraded,
		"tier":     ctrl.Tier().String(),
	})
	return nil
}

func (c *Client) openStore(ctx context.Context) (*storage.Engine, bool, error) {
	sopts := storage.OptionsFromConfig(c.cfg.Storage)
	sopts.Now = c.now
	store, err := storage.Open(ctx, sopts)
	if err == nil {
		return store, false, nil
	}
	if !apperrors.Is(err, apperrors.ErrStorageFatal) || sopts.Path == "" {
		return nil, false, err
	}

	logging.ErrorWithCode(string(apperrors.ErrStorageFatal),
		"OFFLINE STORAGE UNAVAILABLE: falling back to in-memory store, pending writes will be lost on restart",
		err, map[string]interface{}{"path": sopts.Path})
	sopts.Path = ""
	store, memErr := storage.Open(ctx, sopts)
	if memErr != nil {
		return nil, false, apperrors.Wrap(apperrors.ErrStorageFatal, "open in-memory fallback store", memErr)
	}
	return store, true, nil
}

// Destroy stops background work and releases every resource. It is safe
// to call more than once.
func (c *Client) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return nil
	}
	c.initialized = false

	c.sched.Stop()
	c.queue.Destroy()
	c.net.Destroy()
	c.cancel()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.cache != nil {
		keep(c.cache.Close())
	}
	keep(c.sink.Close())
	keep(c.store.Close())

	logging.Info("Offline client destroyed", nil)
	return firstErr
}

func (c *Client) ready() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.initialized {
		return apperrors.New(apperrors.ErrInvalid, "offline client is not initialized")
	}
	return nil
}

// Degraded reports whether the client runs on the in-memory fallback
// store.
func (c *Client) Degraded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.degraded
}

// Store returns the local store.
func (c *Client) Store() *storage.Engine { return c.store }

// Network returns the status controller.
func (c *Client) Network() *network.Controller { return c.net }

// Queue returns the sync queue.
func (c *Client) Queue() *queue.SyncQueue { return c.queue }

// Scheduler returns the background scheduler.
func (c *Client) Scheduler() *scheduler.Scheduler { return c.sched }

// Stats is a combined snapshot of every subsystem.
type Stats struct {
	Degraded  bool                      `json:"degraded"`
	Network   network.Status            `json:"network"`
	Queue     queue.Stats               `json:"queue"`
	Storage   storage.Stats             `json:"storage"`
	Scheduler scheduler.SchedulerStatus `json:"scheduler"`
}

// Stats collects a snapshot.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	if err := c.ready(); err != nil {
		return Stats{}, err
	}
	st := Stats{Degraded: c.Degraded(), Network: c.net.Status()}
	var err error
	if st.Storage, err = c.store.Stats(ctx); err != nil {
		return st, err
	}
	if st.Scheduler, err = c.sched.GetStatus(ctx); err != nil {
		return st, err
	}
	st.Queue = st.Scheduler.QueueStats
	return st, nil
}

// SubscribeStats streams queue stats after every queue change.
func (c *Client) SubscribeStats(fn func(queue.Stats)) (unsubscribe func()) {
	return c.queue.SubscribeStats(fn)
}

// SubscribeConflicts streams conflict notifications.
func (c *Client) SubscribeConflicts(fn func(conflict.Notification)) (unsubscribe func()) {
	return c.queue.SubscribeConflicts(fn)
}

// SubscribeStatus streams connection status changes.
func (c *Client) SubscribeStatus(fn func(network.Status)) (unsubscribe func()) {
	return c.net.Subscribe(fn)
}

// SetOnline feeds the platform's online flag.
func (c *Client) SetOnline(online bool) network.Status {
	return c.net.SetOnline(online)
}

// SetUserContext promotes queued work of type t.
func (c *Client) SetUserContext(t models.EntryType) {
	c.queue.SetUserContext(t)
}

// ForceSync drains the queue now, on the caller's goroutine.
func (c *Client) ForceSync(ctx context.Context) (*queue.DrainResult, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.sched.SyncNow(ctx)
}

// RetryFailed revives failed entries and returns how many were revived.
func (c *Client) RetryFailed(ctx context.Context) (int64, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	return c.queue.RetryFailed(ctx)
}

// ResolveConflict settles an entry parked by the manual strategy.
func (c *Client) ResolveConflict(ctx context.Context, entryID string, outcome conflict.Outcome, payload models.Payload) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.queue.ResolveParkedConflict(ctx, entryID, outcome, payload)
}

// Export writes a JSON snapshot of the local database to w.
func (c *Client) Export(ctx context.Context, w io.Writer) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.store.Export(ctx, w)
}

// Clear wipes local data and the queue.
func (c *Client) Clear(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	if err := c.store.Clear(ctx); err != nil {
		return err
	}
	logging.Warn("Local data cleared", nil)
	return nil
}

// ApplyConfig applies the settings that can change at runtime: conflict
// strategy and eviction policies.
func (c *Client) ApplyConfig(cfg config.Config) error {
	if err := c.ready(); err != nil {
		return err
	}
	if err := c.net.SetConflictStrategy(conflict.Strategy(cfg.Conflict.Strategy)); err != nil {
		return err
	}
	for store, ev := range cfg.Storage.Eviction {
		c.store.SetEvictionPolicy(store, storage.EvictionPolicy{
			Strategy:   storage.EvictionStrategy(ev.Strategy),
			MaxItems:   ev.MaxItems,
			MaxBytes:   ev.MaxBytes,
			MaxAgeDays: ev.MaxAgeDays,
		})
	}
	c.mu.Lock()
	c.cfg.Conflict = cfg.Conflict
	c.cfg.Storage.Eviction = cfg.Storage.Eviction
	c.mu.Unlock()

	logging.Info("Runtime configuration applied", map[string]interface{}{
		"conflict_strategy": cfg.Conflict.Strategy,
		"eviction_stores":   len(cfg.Storage.Eviction),
	})
	return nil
}

// QueueItems lists every queue entry.
func (c *Client) QueueItems(ctx context.Context) ([]*models.QueueEntry, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.queue.GetAllItems(ctx)
}

// Conflicts returns the most recent conflict audit records.
func (c *Client) Conflicts(ctx context.Context, limit int) ([]models.ConflictRecord, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.store.ListConflicts(ctx, limit)
}
