// Package scheduler drives the sync queue in the background: periodic
// drains, a drain whenever the connection comes back or improves, and
// on-demand triggers.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/marketsync/internal/errors"
	"github.com/kimhsiao/marketsync/internal/logging"
	"github.com/kimhsiao/marketsync/internal/network"
	"github.com/kimhsiao/marketsync/internal/sync/queue"
)

// Drainer is the part of the sync queue the scheduler drives.
type Drainer interface {
	ProcessQueue(ctx context.Context) (*queue.DrainResult, error)
	GetStats(ctx context.Context) (queue.Stats, error)
}

// StatusSource reports connection changes. *network.Controller implements
// it.
type StatusSource interface {
	Status() network.Status
	Subscribe(fn func(network.Status)) (unsubscribe func())
}

// Scheduler manages background queue processing.
type Scheduler struct {
	queue           Drainer
	net             StatusSource
	processInterval time.Duration
	syncTimeout     time.Duration

	trigger chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu             sync.RWMutex
	isRunning      bool
	lastStatus     network.Status
	lastSyncTime   time.Time
	lastResult     *queue.DrainResult
	lastErr        error
	syncInProgress bool
	unsubscribe    func()
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	ProcessInterval time.Duration // How often to drain the queue (default: 1 minute)
	SyncTimeout     time.Duration // Upper bound of one drain (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		ProcessInterval: 1 * time.Minute,
		SyncTimeout:     5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(q Drainer, net StatusSource, config *SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	if config.ProcessInterval <= 0 {
		config.ProcessInterval = defaults.ProcessInterval
	}
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = defaults.SyncTimeout
	}

	return &Scheduler{
		queue:           q,
		net:             net,
		processInterval: config.ProcessInterval,
		syncTimeout:     config.SyncTimeout,
		trigger:         make(chan struct{}, 1),
		lastStatus:      net.Status(),
	}
}

// Start starts the background scheduler. Starting a running scheduler is
// a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.lastStatus = s.net.Status()
	s.mu.Unlock()

	unsubscribe := s.net.Subscribe(s.onStatus)
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx, s.stopCh)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval_seconds": s.processInterval.Seconds(),
	})
}

// Stop stops the scheduler and waits for a running drain to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	stopCh := s.stopCh
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	close(stopCh)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// onStatus triggers a drain when the link comes back or gets faster.
func (s *Scheduler) onStatus(st network.Status) {
	s.mu.Lock()
	was := s.lastStatus
	s.lastStatus = st
	s.mu.Unlock()

	if !st.Usable() {
		return
	}
	switch {
	case !was.Usable():
		logging.Info("Connection restored, draining queue", map[string]interface{}{
			"tier": st.Tier.String(),
		})
		s.TriggerSync()
	case st.Tier > was.Tier:
		logging.Debug("Connection improved, draining queue", map[string]interface{}{
			"from": was.Tier.String(),
			"to":   st.Tier.String(),
		})
		s.TriggerSync()
	}
}

func (s *Scheduler) loop(ctx context.Context, stopCh chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.processInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.runSync(ctx, "periodic")
		case <-s.trigger:
			s.runSync(ctx, "trigger")
		}
	}
}

// runSync executes one drain unless the link is down.
func (s *Scheduler) runSync(ctx context.Context, reason string) {
	if !s.net.Status().Usable() {
		logging.Debug("Skipping queue drain - offline", map[string]interface{}{
			"reason": reason,
		})
		return
	}
	res, err := s.drain(ctx)
	if err != nil {
		logging.ErrorWithCode(string(errors.ErrSyncFailed), "Background queue drain failed", err, map[string]interface{}{
			"reason": reason,
		})
		return
	}
	if res.Attempted > 0 {
		logging.Info("Background queue drain completed", map[string]interface{}{
			"reason":    reason,
			"attempted": res.Attempted,
			"succeeded": res.Succeeded,
			"failed":    res.Failed,
			"retried":   res.Retried,
		})
	}
}

func (s *Scheduler) drain(ctx context.Context) (*queue.DrainResult, error) {
	s.mu.Lock()
	s.syncInProgress = true
	s.mu.Unlock()

	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()
	res, err := s.queue.ProcessQueue(syncCtx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncInProgress = false
	s.lastErr = err
	if err == nil && res != nil && !res.Skipped {
		s.lastSyncTime = time.Now()
		s.lastResult = res
	}
	return res, err
}

// TriggerSync requests a drain from the background loop. It returns false
// when the scheduler is stopped or a trigger is already pending.
func (s *Scheduler) TriggerSync() bool {
	s.mu.RLock()
	running := s.isRunning
	s.mu.RUnlock()
	if !running {
		return false
	}
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// SyncNow drains the queue on the caller's goroutine and returns the
// result.
func (s *Scheduler) SyncNow(ctx context.Context) (*queue.DrainResult, error) {
	res, err := s.drain(ctx)
	if err != nil {
		return res, err
	}
	logging.Info("Manual sync completed", map[string]interface{}{
		"attempted": res.Attempted,
		"succeeded": res.Succeeded,
		"skipped":   res.Skipped,
		"offline":   res.Offline,
	})
	return res, nil
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning      bool               `json:"isRunning"`
	IsOnline       bool               `json:"isOnline"`
	Tier           string             `json:"tier"`
	LastSyncTime   *time.Time         `json:"lastSyncTime,omitempty"`
	SyncInProgress bool               `json:"syncInProgress"`
	LastResult     *queue.DrainResult `json:"lastResult,omitempty"`
	LastError      string             `json:"lastError,omitempty"`
	QueueStats     queue.Stats        `json:"queueStats"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus(ctx context.Context) (SchedulerStatus, error) {
	st := s.net.Status()
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       st.Usable(),
		Tier:           st.Tier.String(),
		SyncInProgress: s.syncInProgress,
		LastResult:     s.lastResult,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	s.mu.RUnlock()

	stats, err := s.queue.GetStats(ctx)
	if err != nil {
		return status, err
	}
	status.QueueStats = stats
	return status, nil
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
