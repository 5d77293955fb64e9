// Package scheduler tests for background queue scheduling.
package scheduler

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kimhsiao/marketsync/internal/logging"
	"github.com/kimhsiao/marketsync/internal/network"
	"github.com/kimhsiao/marketsync/internal/sync/queue"
)

// =====================================================
// Test Helpers
// =====================================================

type fakeDrainer struct {
	mu     sync.Mutex
	drains int
	err    error
	calls  chan struct{}
}

func newFakeDrainer() *fakeDrainer {
	return &fakeDrainer{calls: make(chan struct{}, 100)}
}

func (d *fakeDrainer) ProcessQueue(context.Context) (*queue.DrainResult, error) {
	d.mu.Lock()
	d.drains++
	err := d.err
	d.mu.Unlock()
	d.calls <- struct{}{}
	if err != nil {
		return nil, err
	}
	return &queue.DrainResult{Attempted: 1, Succeeded: 1}, nil
}

func (d *fakeDrainer) GetStats(context.Context) (queue.Stats, error) {
	return queue.Stats{Total: 7}, nil
}

func (d *fakeDrainer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drains
}

func waitForDrain(t *testing.T, d *fakeDrainer) {
	t.Helper()
	select {
	case <-d.calls:
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for a drain")
	}
}

func createTestScheduler(t *testing.T, interval time.Duration) (*fakeDrainer, *network.Controller, *Scheduler) {
	t.Helper()
	logging.SetOutput(&bytes.Buffer{})
	d := newFakeDrainer()
	net := network.NewController(network.Options{})
	s := NewScheduler(d, net, &SchedulerConfig{ProcessInterval: interval})
	t.Cleanup(s.Stop)
	return d, net, s
}

// =====================================================
// Tests
// =====================================================

// TestDefaultSchedulerConfig verifies default configuration.
func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()
	if config.ProcessInterval != time.Minute {
		t.Errorf("ProcessInterval = %v, want 1m", config.ProcessInterval)
	}
	if config.SyncTimeout != 5*time.Minute {
		t.Errorf("SyncTimeout = %v, want 5m", config.SyncTimeout)
	}

	s := NewScheduler(newFakeDrainer(), network.NewController(network.Options{}), &SchedulerConfig{})
	if s.processInterval != time.Minute || s.syncTimeout != 5*time.Minute {
		t.Errorf("Zero config should fall back to defaults, got %v/%v", s.processInterval, s.syncTimeout)
	}
}

// TestStartStop verifies start and stop are idempotent.
func TestStartStop(t *testing.T) {
	_, _, s := createTestScheduler(t, time.Hour)

	s.Start(context.Background())
	s.Start(context.Background())
	if !s.IsRunning() {
		t.Error("Expected scheduler to be running")
	}
	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Error("Expected scheduler to be stopped")
	}

	// Restart after stop.
	s.Start(context.Background())
	if !s.IsRunning() {
		t.Error("Expected scheduler to restart")
	}
}

// TestPeriodicProcessing verifies the ticker drives drains.
func TestPeriodicProcessing(t *testing.T) {
	d, _, s := createTestScheduler(t, 10*time.Millisecond)
	s.Start(context.Background())

	waitForDrain(t, d)
	waitForDrain(t, d)
	if d.count() < 2 {
		t.Errorf("drains = %d, want at least 2", d.count())
	}
}

// TestPeriodicSkipsOffline verifies no drain runs while offline.
func TestPeriodicSkipsOffline(t *testing.T) {
	d, net, s := createTestScheduler(t, 10*time.Millisecond)
	net.SetOnline(false)
	s.Start(context.Background())

	time.Sleep(50 * time.Millisecond)
	if n := d.count(); n != 0 {
		t.Errorf("drains while offline = %d, want 0", n)
	}
}

// TestDrainOnReconnect verifies the offline to online transition drains
// the queue without waiting for the ticker.
func TestDrainOnReconnect(t *testing.T) {
	d, net, s := createTestScheduler(t, time.Hour)
	s.Start(context.Background())

	net.SetOnline(false)
	net.SetOnline(true)
	waitForDrain(t, d)

	// A faster tier also drains; a slower one does not.
	net.SetTier(network.Tier2G)
	net.SetTier(network.Tier4G)
	waitForDrain(t, d)
	time.Sleep(20 * time.Millisecond)
	if n := d.count(); n != 2 {
		t.Errorf("drains = %d, want 2", n)
	}
}

// TestTriggerSync verifies on-demand triggers.
func TestTriggerSync(t *testing.T) {
	d, _, s := createTestScheduler(t, time.Hour)

	if s.TriggerSync() {
		t.Error("TriggerSync on a stopped scheduler should return false")
	}
	s.Start(context.Background())
	if !s.TriggerSync() {
		t.Error("TriggerSync should return true")
	}
	waitForDrain(t, d)
}

// TestSyncNow verifies synchronous drains and status bookkeeping.
func TestSyncNow(t *testing.T) {
	d, _, s := createTestScheduler(t, time.Hour)
	ctx := context.Background()

	res, err := s.SyncNow(ctx)
	if err != nil || res.Succeeded != 1 {
		t.Fatalf("SyncNow = %+v, %v", res, err)
	}

	status, err := s.GetStatus(ctx)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status.LastSyncTime == nil || status.LastResult == nil || status.QueueStats.Total != 7 {
		t.Errorf("Unexpected status %+v", status)
	}
	if !status.IsOnline || status.Tier != "4g" || status.IsRunning {
		t.Errorf("Unexpected status %+v", status)
	}

	d.mu.Lock()
	d.err = errors.New("store closed")
	d.mu.Unlock()
	if _, err := s.SyncNow(ctx); err == nil {
		t.Error("Expected SyncNow error")
	}
	status, _ = s.GetStatus(ctx)
	if status.LastError != "store closed" {
		t.Errorf("LastError = %q", status.LastError)
	}
}
