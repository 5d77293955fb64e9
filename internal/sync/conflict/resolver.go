// Package conflict decides what happens when a queued mutation collides
// with server-side state.
package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/marketsync/internal/logging"
	"github.com/kimhsiao/marketsync/internal/models"
)

// Strategy is the global resolution policy.
type Strategy string

const (
	StrategyServerWins Strategy = "server-wins"
	StrategyClientWins Strategy = "client-wins"
	StrategyManual     Strategy = "manual"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyServerWins, StrategyClientWins, StrategyManual:
		return Strategy(s), nil
	}
	return "", &ConflictError{Message: fmt.Sprintf("unknown conflict strategy %q", s)}
}

// Outcome is the resolution applied to one conflict.
type Outcome string

const (
	OutcomeServerWins Outcome = "server-wins"
	OutcomeClientWins Outcome = "client-wins"
	OutcomeManual     Outcome = "manual"
	// OutcomeMerged resubmits a payload built from both versions.
	OutcomeMerged Outcome = "merged"
)

// Conflict describes a mutation the server rejected as conflicting.
type Conflict struct {
	EntryID string
	Type    models.EntryType
	Method  models.Method
	Target  string
	Store   string
	// ItemID is the key of the local record: the temp id for creates, the
	// server id otherwise.
	ItemID        string
	LocalPayload  models.Payload
	ServerPayload json.RawMessage
	DirtyFields   []string
	// ConflictCount includes this conflict.
	ConflictCount int
	MaxRetries    int
	DetectedAt    time.Time
}

// Decision is the resolver's verdict.
type Decision struct {
	Outcome Outcome
	// Payload is resubmitted for OutcomeClientWins and OutcomeMerged. Nil
	// means the original local payload.
	Payload models.Payload
	Message string
}

// Handler resolves conflicts of one entry type. Returning a nil Decision
// defers to the global strategy.
type Handler func(ctx context.Context, c *Conflict) (*Decision, error)

// Resolver applies per-type handlers and the global strategy.
type Resolver struct {
	mu       sync.RWMutex
	strategy Strategy
	handlers map[models.EntryType]Handler
}

// NewResolver creates a Resolver. An invalid strategy falls back to
// server-wins.
func NewResolver(strategy Strategy) *Resolver {
	if _, err := ParseStrategy(string(strategy)); err != nil {
		strategy = StrategyServerWins
	}
	return &Resolver{
		strategy: strategy,
		handlers: make(map[models.EntryType]Handler),
	}
}

// SetStrategy replaces the global strategy.
func (r *Resolver) SetStrategy(s Strategy) error {
	if _, err := ParseStrategy(string(s)); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.strategy != s {
		logging.Info("Conflict strategy changed", map[string]interface{}{
			"from": string(r.strategy),
			"to":   string(s),
		})
	}
	r.strategy = s
	return nil
}

// Strategy returns the global strategy.
func (r *Resolver) Strategy() Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.strategy
}

// Register installs h for entry type t, replacing any previous handler.
// A nil h removes it.
func (r *Resolver) Register(t models.EntryType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.handlers, t)
		return
	}
	r.handlers[t] = h
}

// Resolve decides the outcome of c. Type handlers run first; a handler
// error or nil decision falls back to the global strategy.
func (r *Resolver) Resolve(ctx context.Context, c *Conflict) (*Decision, error) {
	if c == nil {
		return nil, ErrInvalidConflict
	}

	r.mu.RLock()
	h := r.handlers[c.Type]
	strategy := r.strategy
	r.mu.RUnlock()

	logging.Warn("Resolving sync conflict", map[string]interface{}{
		"entry_id":       c.EntryID,
		"type":           string(c.Type),
		"target":         c.Target,
		"conflict_count": c.ConflictCount,
		"strategy":       string(strategy),
		"has_handler":    h != nil,
	})

	if h != nil {
		d, err := r.runHandler(ctx, h, c)
		switch {
		case err != nil:
			logging.Error("Conflict handler failed, using global strategy", err, map[string]interface{}{
				"entry_id": c.EntryID,
				"type":     string(c.Type),
			})
		case d != nil:
			return d, nil
		}
	}
	return r.resolveStrategy(strategy, c), nil
}

func (r *Resolver) runHandler(ctx context.Context, h Handler, c *Conflict) (d *Decision, err error) {
	defer func() {
		if p := recover(); p != nil {
			d, err = nil, fmt.Errorf("conflict handler panic: %v", p)
		}
	}()
	d, err = h(ctx, c)
	if err == nil && d != nil && d.Outcome == "" {
		return nil, &ConflictError{Message: "handler returned a decision without outcome"}
	}
	return d, err
}

func (r *Resolver) resolveStrategy(s Strategy, c *Conflict) *Decision {
	switch s {
	case StrategyClientWins:
		if c.MaxRetries > 0 && c.ConflictCount > c.MaxRetries {
			return &Decision{
				Outcome: OutcomeServerWins,
				Message: fmt.Sprintf("%s %s conflicted %d times; server version kept",
					c.Type, c.ItemID, c.ConflictCount),
			}
		}
		return &Decision{
			Outcome: OutcomeClientWins,
			Message: fmt.Sprintf("local %s %s resubmitted over server version", c.Type, c.ItemID),
		}
	case StrategyManual:
		return &Decision{
			Outcome: OutcomeManual,
			Message: fmt.Sprintf("%s %s conflicts with the server and needs a decision", c.Type, c.ItemID),
		}
	default:
		return &Decision{
			Outcome: OutcomeServerWins,
			Message: fmt.Sprintf("server rejected %s of %s %s; local change discarded", c.Method, c.Type, c.ItemID),
		}
	}
}

// Record builds the audit row for a resolved conflict.
func (c *Conflict) Record(d *Decision) *models.ConflictRecord {
	rec := &models.ConflictRecord{
		EntryID:       c.EntryID,
		StoreType:     c.Store,
		ItemID:        c.ItemID,
		ServerVersion: string(c.ServerPayload),
		DetectedAt:    c.DetectedAt.UnixMilli(),
	}
	if b, err := models.MarshalPayload(c.LocalPayload); err == nil {
		rec.LocalVersion = string(b)
	}
	if d != nil {
		rec.Resolution = string(d.Outcome)
		rec.Message = d.Message
	}
	return rec
}

// Notification is published to the application for every conflict.
type Notification struct {
	EntryID       string           `json:"entryId"`
	Type          models.EntryType `json:"type"`
	Target        string           `json:"target"`
	ItemID        string           `json:"itemId"`
	Outcome       Outcome          `json:"outcome"`
	Message       string           `json:"message"`
	LocalPayload  json.RawMessage  `json:"localPayload,omitempty"`
	ServerPayload json.RawMessage  `json:"serverPayload,omitempty"`
	DetectedAt    time.Time        `json:"detectedAt"`
}

// Notify builds the notification for c resolved by d.
func (c *Conflict) Notify(d *Decision) Notification {
	n := Notification{
		EntryID:       c.EntryID,
		Type:          c.Type,
		Target:        c.Target,
		ItemID:        c.ItemID,
		ServerPayload: c.ServerPayload,
		DetectedAt:    c.DetectedAt,
	}
	if c.LocalPayload != nil {
		if b, err := json.Marshal(c.LocalPayload); err == nil {
			n.LocalPayload = b
		}
	}
	if d != nil {
		n.Outcome = d.Outcome
		n.Message = d.Message
	}
	return n
}

// Errors
var ErrInvalidConflict = &ConflictError{Message: "invalid conflict: nil"}

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
