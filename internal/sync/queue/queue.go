// Package queue provides the persistent sync queue for offline mutations.
//
// Entries move pending -> processing -> completed (deleted), back to
// pending with a NextRetry, failed, or conflict. The queue survives
// restarts: Init returns entries left in processing to pending.
package queue

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/marketsync/internal/config"
	apperrors "github.com/kimhsiao/marketsync/internal/errors"
	"github.com/kimhsiao/marketsync/internal/events"
	"github.com/kimhsiao/marketsync/internal/logging"
	"github.com/kimhsiao/marketsync/internal/models"
	"github.com/kimhsiao/marketsync/internal/network"
	"github.com/kimhsiao/marketsync/internal/ringbuffer"
	"github.com/kimhsiao/marketsync/internal/sync/conflict"
	"github.com/kimhsiao/marketsync/internal/telemetry"
	"github.com/kimhsiao/marketsync/internal/transport"
	"github.com/kimhsiao/marketsync/internal/uuid"
)

// Store is the persistence the queue needs. *storage.Engine implements it.
type Store interface {
	InsertEntry(ctx context.Context, e *models.QueueEntry) error
	SaveEntry(ctx context.Context, e *models.QueueEntry) error
	GetEntry(ctx context.Context, id string) (*models.QueueEntry, error)
	DeleteEntry(ctx context.Context, id string) error
	ListEntries(ctx context.Context, statuses ...models.QueueStatus) ([]*models.QueueEntry, error)
	FindLiveEntryByTempID(ctx context.Context, tempID string) (*models.QueueEntry, error)
	ResetProcessing(ctx context.Context) (int64, error)
	ResetFailed(ctx context.Context) (int64, error)
	DeleteEntriesByStatus(ctx context.Context, status models.QueueStatus) (int64, error)
	CountEntries(ctx context.Context) (int64, error)
	NextRetryAfter(ctx context.Context, now time.Time) (time.Time, error)

	Get(ctx context.Context, store, key string) (*models.Record, error)
	Put(ctx context.Context, store string, r *models.Record) error
	Delete(ctx context.Context, store, key string) error
	ReconcileRecord(ctx context.Context, store, tempID, serverID string, serverFields map[string]any) (*models.Record, error)
	MarkSynced(ctx context.Context, store, key string, serverFields map[string]any) error
	SetRecordStatus(ctx context.Context, store, key string, status models.SyncStatus) error
	RecordConflict(ctx context.Context, c *models.ConflictRecord) error
}

// Network is the view of the status controller the queue drains against.
// *network.Controller implements it.
type Network interface {
	Status() network.Status
	IsConnectionGoodFor(class models.OperationClass) bool
	RecommendedBatchSize() int
	RetryMultiplier() float64
	QualityMultiplier() float64
	ResolveConflict(ctx context.Context, c *conflict.Conflict) (*conflict.Decision, error)
	MarkSynced(ctx context.Context, store, itemID string, payload []byte) error
}

// typeWeights are the base priorities per entry type.
var typeWeights = map[models.EntryType]int{
	models.EntryTransaction: 1,
	models.EntryWallet:      1,
	models.EntryMessage:     3,
	models.EntryProduct:     5,
	models.EntryGeneric:     6,
}

// userContextMultiplier promotes entries matching the screen the user is on.
const userContextMultiplier = 0.7

// Options configures a SyncQueue.
type Options struct {
	Store     Store
	Network   Network
	Transport transport.Transport
	Telemetry telemetry.Sink
	Validator *Validator
	Observer  Observer

	MaxRetries          int
	BaseDelay           time.Duration
	MaxDelay            time.Duration
	Jitter              float64
	RateLimitMultiplier float64
	BatchingEnabled     bool
	BatchSize           int
	MetricsWindow       time.Duration
	MaxSize             int

	// Wake is called when a retry becomes due. Nil drains in a new
	// goroutine.
	Wake func()
	Now  func() time.Time
	// Rand returns a value in [0, 1) used for jitter.
	Rand func() float64
}

// ApplyConfig copies the queue config section into o.
func (o *Options) ApplyConfig(cfg config.QueueConfig) {
	o.MaxRetries = cfg.MaxRetries
	o.BaseDelay = cfg.BaseDelay
	o.MaxDelay = cfg.MaxDelay
	o.Jitter = cfg.Jitter
	o.RateLimitMultiplier = cfg.RateLimitMultiplier
	o.BatchingEnabled = cfg.BatchingEnabled
	o.BatchSize = cfg.BatchSize
	o.MetricsWindow = cfg.MetricsWindow
	o.MaxSize = cfg.MaxSize
}

// Request describes a mutation to enqueue.
type Request struct {
	Payload models.Payload
	Method  models.Method
	Target  string
	// TempID links the entry to an optimistic local record. At most one
	// live entry exists per TempID.
	TempID string
	// FollowUp queues the entry behind the live entry of TempID. It waits
	// until that entry settles and is then re-keyed to the server id.
	FollowUp bool
	// Priority overrides the computed priority when non-zero.
	Priority   int
	MaxRetries int
}

// SyncQueue is the persistent mutation queue.
type SyncQueue struct {
	store     Store
	net       Network
	transport transport.Transport
	sink      telemetry.Sink
	validator *Validator
	observer  Observer
	opts      Options

	// enqueueMu serializes the live temp id check with the insert.
	enqueueMu sync.Mutex
	running   atomic.Bool
	destroyed atomic.Bool

	ctxMu       sync.RWMutex
	userContext models.EntryType

	wakeMu    sync.Mutex
	wakeTimer *time.Timer
	wakeAt    time.Time
	// wakeGen identifies the armed timer.
	wakeGen uint64
	wake    func()

	samples *ringbuffer.Ring[sample]
	// rerun records that a drain was requested while one was running.
	rerun atomic.Bool

	statsBus     *events.Bus[Stats]
	conflictsBus *events.Bus[conflict.Notification]
}

// New creates a SyncQueue. Store, Network and Transport are required.
func New(opts Options) (*SyncQueue, error) {
	if opts.Store == nil || opts.Network == nil || opts.Transport == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "queue requires a store, a network controller and a transport")
	}
	defaults := config.Default().Queue
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaults.MaxRetries
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaults.BaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaults.MaxDelay
	}
	if opts.Jitter < 0 {
		opts.Jitter = 0
	}
	if opts.RateLimitMultiplier < 1 {
		opts.RateLimitMultiplier = defaults.RateLimitMultiplier
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaults.BatchSize
	}
	if opts.MetricsWindow <= 0 {
		opts.MetricsWindow = defaults.MetricsWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.NopSink{}
	}
	if opts.Validator == nil {
		v, err := NewValidator()
		if err != nil {
			return nil, err
		}
		opts.Validator = v
	}

	q := &SyncQueue{
		store:        opts.Store,
		net:          opts.Network,
		transport:    opts.Transport,
		sink:         opts.Telemetry,
		validator:    opts.Validator,
		observer:     opts.Observer,
		opts:         opts,
		wake:         opts.Wake,
		samples:      ringbuffer.New[sample](1024),
		statsBus:     events.NewBus[Stats]("queue.stats"),
		conflictsBus: events.NewBus[conflict.Notification]("queue.conflicts"),
	}
	return q, nil
}

// Init recovers entries a previous process left in processing and arms
// the retry timer.
func (q *SyncQueue) Init(ctx context.Context) error {
	n, err := q.store.ResetProcessing(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		logging.Warn("Recovered interrupted queue entries", map[string]interface{}{
			"count": n,
		})
	}
	if err := q.releaseOrphans(ctx); err != nil {
		return err
	}
	q.scheduleNextWake(ctx)
	return nil
}

// Destroy stops the retry timer. In-flight drains finish on their own.
func (q *SyncQueue) Destroy() {
	q.destroyed.Store(true)
	q.wakeMu.Lock()
	if q.wakeTimer != nil {
		q.wakeTimer.Stop()
		q.wakeTimer = nil
	}
	q.wakeAt = time.Time{}
	q.wakeMu.Unlock()
}

// SetWake replaces the function called when a retry becomes due.
func (q *SyncQueue) SetWake(fn func()) {
	q.wakeMu.Lock()
	q.wake = fn
	q.wakeMu.Unlock()
}

// SetUserContext promotes entries of type t. The empty type clears it.
func (q *SyncQueue) SetUserContext(t models.EntryType) {
	q.ctxMu.Lock()
	q.userContext = t
	q.ctxMu.Unlock()
}

// Validator returns the payload validator, for registering schemas.
func (q *SyncQueue) Validator() *Validator {
	return q.validator
}

// Enqueue persists a mutation and returns its entry id. Enqueueing again
// for a TempID that still has a live entry returns the existing id.
func (q *SyncQueue) Enqueue(ctx context.Context, req Request) (string, error) {
	if req.Payload == nil {
		return "", apperrors.New(apperrors.ErrValidation, "payload is required")
	}
	if req.Target == "" {
		return "", apperrors.New(apperrors.ErrValidation, "target is required")
	}
	if req.Method == "" {
		req.Method = models.MethodCreate
	}
	if _, err := models.ParseMethod(string(req.Method)); err != nil {
		return "", apperrors.Wrap(apperrors.ErrValidation, "invalid method", err)
	}
	if req.Method != models.MethodDelete {
		if err := q.validator.Validate(req.Payload); err != nil {
			return "", err
		}
	}

	if req.FollowUp && req.TempID == "" {
		return "", apperrors.New(apperrors.ErrInvalid, "a follow-up entry needs a temp id")
	}

	q.enqueueMu.Lock()
	defer q.enqueueMu.Unlock()

	status := models.QueueStatusPending
	if req.FollowUp {
		if existing, err := q.findFollowUp(ctx, req.TempID); err == nil {
			return existing.ID, nil
		} else if !apperrors.Is(err, apperrors.ErrNotFound) {
			return "", err
		}
		_, err := q.store.FindLiveEntryByTempID(ctx, req.TempID)
		switch {
		case err == nil:
			status = models.QueueStatusWaiting
		case !apperrors.Is(err, apperrors.ErrNotFound):
			return "", err
		}
	} else if req.TempID != "" {
		existing, err := q.store.FindLiveEntryByTempID(ctx, req.TempID)
		if err == nil {
			logging.Debug("Enqueue deduplicated by temp id", map[string]interface{}{
				"entry_id": existing.ID,
				"temp_id":  req.TempID,
			})
			return existing.ID, nil
		}
		if !apperrors.Is(err, apperrors.ErrNotFound) {
			return "", err
		}
	}

	if q.opts.MaxSize > 0 {
		n, err := q.store.CountEntries(ctx)
		if err != nil {
			return "", err
		}
		if n >= int64(q.opts.MaxSize) {
			return "", apperrors.Newf(apperrors.ErrQueueFull, "queue is full (max size: %d)", q.opts.MaxSize)
		}
	}

	t := req.Payload.EntryType()
	priority := req.Priority
	if priority == 0 {
		priority = q.computePriority(t)
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.opts.MaxRetries
	}

	entry := &models.QueueEntry{
		ID:               uuid.New(),
		Type:             t,
		Method:           req.Method,
		Target:           req.Target,
		Payload:          req.Payload,
		TempID:           req.TempID,
		MaxRetries:       maxRetries,
		CreatedAt:        q.opts.Now(),
		Status:           status,
		Priority:         clampPriority(priority),
		QualityAtEnqueue: q.net.Status().Tier.String(),
	}
	if err := q.store.InsertEntry(ctx, entry); err != nil {
		if apperrors.Is(err, apperrors.ErrDuplicate) && req.TempID != "" {
			if existing, ferr := q.store.FindLiveEntryByTempID(ctx, req.TempID); ferr == nil {
				return existing.ID, nil
			}
		}
		return "", err
	}

	logging.Info("Enqueued mutation", map[string]interface{}{
		"entry_id": entry.ID,
		"type":     string(entry.Type),
		"method":   string(entry.Method),
		"target":   entry.Target,
		"priority": entry.Priority,
		"temp_id":  entry.TempID,
		"status":   string(entry.Status),
	})
	q.publishStats(ctx)
	return entry.ID, nil
}

// computePriority derives a priority from the entry type, the current
// connection quality and the user context.
func (q *SyncQueue) computePriority(t models.EntryType) int {
	base, ok := typeWeights[t]
	if !ok {
		base = typeWeights[models.EntryGeneric]
	}
	p := float64(base)
	if models.ClassForPriority(base) != models.ClassCritical {
		p *= q.net.QualityMultiplier()
	}
	q.ctxMu.RLock()
	promoted := q.userContext != "" && q.userContext == t
	q.ctxMu.RUnlock()
	if promoted {
		p *= userContextMultiplier
	}
	return clampPriority(int(math.Round(p)))
}

func clampPriority(p int) int {
	if p < models.MinPriority {
		return models.MinPriority
	}
	if p > models.MaxPriority {
		return models.MaxPriority
	}
	return p
}

// GetAllItems returns every entry in drain order.
func (q *SyncQueue) GetAllItems(ctx context.Context) ([]*models.QueueEntry, error) {
	return q.store.ListEntries(ctx)
}

// GetItem returns one entry.
func (q *SyncQueue) GetItem(ctx context.Context, id string) (*models.QueueEntry, error) {
	return q.store.GetEntry(ctx, id)
}

// FollowUp returns the entry waiting behind the live entry of tempID, or
// NOT_FOUND.
func (q *SyncQueue) FollowUp(ctx context.Context, tempID string) (*models.QueueEntry, error) {
	return q.findFollowUp(ctx, tempID)
}

func (q *SyncQueue) findFollowUp(ctx context.Context, tempID string) (*models.QueueEntry, error) {
	waiting, err := q.store.ListEntries(ctx, models.QueueStatusWaiting)
	if err != nil {
		return nil, err
	}
	for _, e := range waiting {
		if e.TempID == tempID {
			return e, nil
		}
	}
	return nil, apperrors.Newf(apperrors.ErrNotFound, "no follow-up for temp id %s", tempID)
}

// SaveItem overwrites an existing entry, for tooling.
func (q *SyncQueue) SaveItem(ctx context.Context, e *models.QueueEntry) error {
	if e == nil || e.ID == "" {
		return apperrors.New(apperrors.ErrInvalid, "entry id is required")
	}
	if _, err := q.store.GetEntry(ctx, e.ID); err != nil {
		return err
	}
	e.Priority = clampPriority(e.Priority)
	if err := q.store.SaveEntry(ctx, e); err != nil {
		return err
	}
	q.publishStats(ctx)
	return nil
}

// DeleteItem removes an entry. Follow-ups waiting on it are released
// under their temp id.
func (q *SyncQueue) DeleteItem(ctx context.Context, id string) error {
	e, err := q.store.GetEntry(ctx, id)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := q.store.DeleteEntry(ctx, id); err != nil {
		return err
	}
	if e.TempID != "" && e.Status.Live() {
		q.releaseFollowUps(ctx, e.TempID, "")
	}
	q.publishStats(ctx)
	return nil
}

// ClearCompleted removes completed entries.
func (q *SyncQueue) ClearCompleted(ctx context.Context) (int64, error) {
	return q.clearStatus(ctx, models.QueueStatusCompleted)
}

// ClearFailed removes failed entries.
func (q *SyncQueue) ClearFailed(ctx context.Context) (int64, error) {
	return q.clearStatus(ctx, models.QueueStatusFailed)
}

func (q *SyncQueue) clearStatus(ctx context.Context, s models.QueueStatus) (int64, error) {
	n, err := q.store.DeleteEntriesByStatus(ctx, s)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("Cleared queue entries", map[string]interface{}{
			"status": string(s),
			"count":  n,
		})
		q.publishStats(ctx)
	}
	return n, nil
}

// RetryFailed returns failed entries to pending with a fresh retry budget
// and requests a drain.
func (q *SyncQueue) RetryFailed(ctx context.Context) (int64, error) {
	n, err := q.store.ResetFailed(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("Reset failed items for retry", map[string]interface{}{
			"count": n,
		})
		q.publishStats(ctx)
		q.scheduleWake(q.opts.Now())
	}
	return n, nil
}

// ResolveParkedConflict settles an entry parked in conflict. Client-wins
// and merged resubmit payload (or the original when nil); server-wins
// applies the server version locally and drops the entry.
func (q *SyncQueue) ResolveParkedConflict(ctx context.Context, id string, outcome conflict.Outcome, payload models.Payload) error {
	e, err := q.store.GetEntry(ctx, id)
	if err != nil {
		return err
	}
	if e.Status != models.QueueStatusConflict {
		return apperrors.Newf(apperrors.ErrInvalid, "entry %s is %s, not in conflict", id, e.Status)
	}

	switch outcome {
	case conflict.OutcomeClientWins, conflict.OutcomeMerged:
		if payload != nil {
			if payload.EntryType() != e.Type {
				return apperrors.Newf(apperrors.ErrValidation, "payload type %s does not match entry type %s", payload.EntryType(), e.Type)
			}
			e.Payload = payload
		}
		e.Status = models.QueueStatusPending
		e.RetryCount = 0
		e.NextRetry = time.Time{}
		e.ServerPayload = nil
		e.LastError = ""
		if err := q.store.SaveEntry(ctx, e); err != nil {
			return err
		}
		q.scheduleWake(q.opts.Now())
	case conflict.OutcomeServerWins:
		fields := decodeObject(e.ServerPayload)
		if key := itemKey(e); key != "" {
			if err := q.store.MarkSynced(ctx, e.StoreName(), key, fields); err != nil {
				logging.Warn("Failed to apply server version", map[string]interface{}{
					"entry_id": e.ID,
					"error":    err.Error(),
				})
			}
		}
		if err := q.store.DeleteEntry(ctx, e.ID); err != nil {
			return err
		}
		if e.TempID != "" {
			q.releaseFollowUps(ctx, e.TempID, "")
		}
	default:
		return apperrors.Newf(apperrors.ErrInvalid, "cannot resolve parked conflict with %q", outcome)
	}

	logging.Info("Resolved parked conflict", map[string]interface{}{
		"entry_id": e.ID,
		"outcome":  string(outcome),
	})
	q.publishStats(ctx)
	return nil
}

// SubscribeStats registers fn for queue statistics published after every
// state change.
func (q *SyncQueue) SubscribeStats(fn func(Stats)) (unsubscribe func()) {
	return q.statsBus.Subscribe(fn)
}

// SubscribeConflicts registers fn for conflict notifications.
func (q *SyncQueue) SubscribeConflicts(fn func(conflict.Notification)) (unsubscribe func()) {
	return q.conflictsBus.Subscribe(fn)
}

// Running reports whether a drain is in progress.
func (q *SyncQueue) Running() bool {
	return q.running.Load()
}
