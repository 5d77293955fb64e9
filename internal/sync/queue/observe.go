package queue

import (
	"context"
	"time"

	"github.com/kimhsiao/marketsync/internal/events"
	"github.com/kimhsiao/marketsync/internal/logging"
	"github.com/kimhsiao/marketsync/internal/models"
	"github.com/kimhsiao/marketsync/internal/telemetry"
	"github.com/kimhsiao/marketsync/internal/transport"
)

// Progress reports how far the current drain is.
type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// Observer receives queue callbacks. Any field may be nil. A panicking
// callback is logged and does not affect the drain.
type Observer struct {
	OnProgress func(Progress)
	OnMetrics  func(Metrics)
	OnEvent    func(telemetry.Event)
	// OnError receives entries that failed for good.
	OnError   func(e *models.QueueEntry, err error)
	OnSuccess func(e *models.QueueEntry, resp *transport.Response)
}

// Metrics are rolling attempt statistics over Window.
type Metrics struct {
	Window         time.Duration `json:"window"`
	Attempts       int           `json:"attempts"`
	Successes      int           `json:"successes"`
	Failures       int           `json:"failures"`
	SuccessRate    float64       `json:"successRate"`
	AverageLatency time.Duration `json:"averageLatency"`
}

type sample struct {
	at      time.Time
	latency time.Duration
	ok      bool
}

// Metrics returns attempt statistics for the configured window.
func (q *SyncQueue) Metrics() Metrics {
	cutoff := q.opts.Now().Add(-q.opts.MetricsWindow)
	recent := q.samples.Filter(func(s sample) bool { return s.at.After(cutoff) })

	m := Metrics{Window: q.opts.MetricsWindow, Attempts: len(recent)}
	if len(recent) == 0 {
		return m
	}
	var total time.Duration
	for _, s := range recent {
		total += s.latency
		if s.ok {
			m.Successes++
		} else {
			m.Failures++
		}
	}
	m.SuccessRate = float64(m.Successes) / float64(len(recent))
	m.AverageLatency = total / time.Duration(len(recent))
	return m
}

func (q *SyncQueue) publishMetrics() {
	fn := q.observer.OnMetrics
	if fn == nil {
		return
	}
	m := q.Metrics()
	events.SafeCall("queue.OnMetrics", func() { fn(m) })
}

func (q *SyncQueue) progress(done, total int) {
	fn := q.observer.OnProgress
	if fn == nil {
		return
	}
	events.SafeCall("queue.OnProgress", func() { fn(Progress{Done: done, Total: total}) })
}

// emit sends e to the telemetry sink and the OnEvent observer.
func (q *SyncQueue) emit(ctx context.Context, e telemetry.Event) {
	if e.At.IsZero() {
		e.At = q.opts.Now()
	}
	if err := q.sink.Emit(ctx, e); err != nil {
		logging.Debug("Telemetry emit failed", map[string]interface{}{
			"event": string(e.Name),
			"error": err.Error(),
		})
	}
	if fn := q.observer.OnEvent; fn != nil {
		events.SafeCall("queue.OnEvent", func() { fn(e) })
	}
}
