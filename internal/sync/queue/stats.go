package queue

import (
	"context"
	"time"

	"github.com/kimhsiao/marketsync/internal/logging"
	"github.com/kimhsiao/marketsync/internal/models"
)

// Stats is a snapshot of the queue contents.
type Stats struct {
	Total         int                        `json:"total"`
	ByStatus      map[models.QueueStatus]int `json:"byStatus"`
	ByType        map[models.EntryType]int   `json:"byType"`
	ByPriority    map[int]int                `json:"byPriority"`
	OldestPending time.Time                  `json:"oldestPending,omitempty"`
	NextRetry     time.Time                  `json:"nextRetry,omitempty"`
	Processing    bool                       `json:"processing"`
	Metrics       Metrics                    `json:"metrics"`
}

// GetStats counts entries by status, type and priority.
func (q *SyncQueue) GetStats(ctx context.Context) (Stats, error) {
	entries, err := q.store.ListEntries(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{
		Total:      len(entries),
		ByStatus:   make(map[models.QueueStatus]int),
		ByType:     make(map[models.EntryType]int),
		ByPriority: make(map[int]int),
		Processing: q.running.Load(),
		Metrics:    q.Metrics(),
	}
	for _, e := range entries {
		s.ByStatus[e.Status]++
		s.ByType[e.Type]++
		s.ByPriority[e.Priority]++
		if e.Status != models.QueueStatusPending {
			continue
		}
		if s.OldestPending.IsZero() || e.CreatedAt.Before(s.OldestPending) {
			s.OldestPending = e.CreatedAt
		}
		if !e.NextRetry.IsZero() && (s.NextRetry.IsZero() || e.NextRetry.Before(s.NextRetry)) {
			s.NextRetry = e.NextRetry
		}
	}
	return s, nil
}

// publishStats sends a fresh snapshot to stats subscribers.
func (q *SyncQueue) publishStats(ctx context.Context) {
	if q.statsBus.Len() == 0 {
		return
	}
	s, err := q.GetStats(ctx)
	if err != nil {
		logging.Warn("Failed to collect queue stats", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	q.statsBus.Publish(s)
}
