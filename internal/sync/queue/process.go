package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/marketsync/internal/errors"
	"github.com/kimhsiao/marketsync/internal/events"
	"github.com/kimhsiao/marketsync/internal/logging"
	"github.com/kimhsiao/marketsync/internal/models"
	"github.com/kimhsiao/marketsync/internal/sync/conflict"
	"github.com/kimhsiao/marketsync/internal/telemetry"
	"github.com/kimhsiao/marketsync/internal/transport"
	"github.com/kimhsiao/marketsync/internal/uuid"
)

// DrainResult summarizes one ProcessQueue call.
type DrainResult struct {
	// Skipped is set when another drain was already running.
	Skipped bool `json:"skipped,omitempty"`
	// Offline is set when the drain did nothing because the link is down.
	Offline     bool `json:"offline,omitempty"`
	Attempted   int  `json:"attempted"`
	Succeeded   int  `json:"succeeded"`
	Retried     int  `json:"retried"`
	Failed      int  `json:"failed"`
	Conflicts   int  `json:"conflicts"`
	Resubmitted int  `json:"resubmitted"`
	Parked      int  `json:"parked"`
	// Deferred counts ready entries whose class the current tier cannot
	// carry.
	Deferred int `json:"deferred"`
	Batches  int `json:"batches"`
}

// ProcessQueue drains ready entries in priority order. Only one drain runs
// at a time; concurrent calls return Skipped and cause one follow-up drain.
// Cancelling ctx stops the drain and returns in-flight entries to pending.
func (q *SyncQueue) ProcessQueue(ctx context.Context) (*DrainResult, error) {
	res := &DrainResult{}
	if !q.running.CompareAndSwap(false, true) {
		q.rerun.Store(true)
		res.Skipped = true
		return res, nil
	}
	defer func() {
		q.running.Store(false)
		if q.rerun.Swap(false) {
			q.scheduleWake(q.opts.Now())
		}
	}()

	if !q.net.Status().Usable() {
		res.Offline = true
		logging.Debug("Queue drain skipped while offline", nil)
		return res, nil
	}

	entries, err := q.store.ListEntries(ctx, models.QueueStatusPending)
	if err != nil {
		return res, err
	}
	started := q.opts.Now()
	ready := make([]*models.QueueEntry, 0, len(entries))
	for _, e := range entries {
		if !e.Ready(started) {
			continue
		}
		if !q.net.IsConnectionGoodFor(e.Class()) {
			res.Deferred++
			continue
		}
		ready = append(ready, e)
	}
	if len(ready) == 0 {
		q.scheduleNextWake(ctx)
		return res, nil
	}

	q.emit(ctx, telemetry.Event{
		Name:       telemetry.EventSyncStart,
		Attributes: map[string]any{"ready": len(ready), "deferred": res.Deferred},
	})
	logging.Info("Processing sync queue", map[string]interface{}{
		"ready":    len(ready),
		"deferred": res.Deferred,
		"tier":     q.net.Status().Tier.String(),
	})

	bt, canBatch := q.transport.(transport.BatchTransport)
	limit := q.batchLimit()
	canBatch = canBatch && q.opts.BatchingEnabled && limit > 1

	handled := make(map[string]bool, len(ready))
	for i, e := range ready {
		if ctx.Err() != nil {
			break
		}
		if handled[e.ID] {
			continue
		}
		group := []*models.QueueEntry{e}
		if canBatch {
			for _, o := range ready[i+1:] {
				if len(group) >= limit {
					break
				}
				if o.Priority != e.Priority {
					// Entries are sorted by priority; later ones wait their turn.
					break
				}
				if !handled[o.ID] && o.Type == e.Type && o.Target == e.Target {
					group = append(group, o)
				}
			}
		}
		for _, g := range group {
			handled[g.ID] = true
		}
		if len(group) > 1 {
			q.processBatch(ctx, bt, group, res)
		} else {
			q.attempt(ctx, e, res)
		}
		q.progress(len(handled), len(ready))
	}

	if err := ctx.Err(); err != nil {
		bg := context.WithoutCancel(ctx)
		n, rerr := q.store.ResetProcessing(bg)
		if rerr != nil {
			logging.Error("Failed to reset in-flight entries", rerr, nil)
		}
		logging.Warn("Queue drain cancelled", map[string]interface{}{
			"reset": n,
		})
		q.publishStats(bg)
		return res, err
	}

	q.emit(ctx, telemetry.Event{
		Name: telemetry.EventSyncComplete,
		Attributes: map[string]any{
			"attempted":   res.Attempted,
			"succeeded":   res.Succeeded,
			"failed":      res.Failed,
			"retried":     res.Retried,
			"conflicts":   res.Conflicts,
			"duration_ms": q.opts.Now().Sub(started).Milliseconds(),
		},
	})
	q.publishMetrics()
	q.publishStats(ctx)
	if res.Resubmitted > 0 {
		q.scheduleWake(q.opts.Now())
	}
	q.scheduleNextWake(ctx)
	return res, nil
}

func (q *SyncQueue) batchLimit() int {
	n := q.net.RecommendedBatchSize()
	if q.opts.BatchSize < n {
		n = q.opts.BatchSize
	}
	return n
}

// begin re-reads e and moves it to processing. It returns false when the
// entry changed since the drain listed it.
func (q *SyncQueue) begin(ctx context.Context, e *models.QueueEntry, batchID string, res *DrainResult) (*models.QueueEntry, transport.Request, bool) {
	cur, err := q.store.GetEntry(ctx, e.ID)
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrNotFound) {
			logging.Error("Failed to load queue entry", err, map[string]interface{}{
				"entry_id": e.ID,
			})
		}
		return nil, transport.Request{}, false
	}
	now := q.opts.Now()
	if !cur.Ready(now) {
		return nil, transport.Request{}, false
	}
	req, err := requestFor(cur)
	if err != nil {
		cur.RetryCount++
		q.fail(ctx, cur, apperrors.Wrap(apperrors.ErrValidation, "encode request", err), res)
		return nil, transport.Request{}, false
	}
	cur.Status = models.QueueStatusProcessing
	cur.LastAttempt = now
	cur.BatchID = batchID
	if err := q.store.SaveEntry(ctx, cur); err != nil {
		logging.Error("Failed to mark entry processing", err, map[string]interface{}{
			"entry_id": cur.ID,
		})
		return nil, transport.Request{}, false
	}
	res.Attempted++
	return cur, req, true
}

func (q *SyncQueue) attempt(ctx context.Context, e *models.QueueEntry, res *DrainResult) {
	cur, req, ok := q.begin(ctx, e, "", res)
	if !ok {
		return
	}
	started := q.opts.Now()
	resp, err := q.transport.Do(ctx, req)
	q.settle(ctx, cur, resp, err, started, res)
}

// processBatch sends group as one batch request. If the batch as a whole
// fails every member is sent on its own.
func (q *SyncQueue) processBatch(ctx context.Context, bt transport.BatchTransport, group []*models.QueueEntry, res *DrainResult) {
	batchID := uuid.New()
	members := make([]*models.QueueEntry, 0, len(group))
	reqs := make([]transport.Request, 0, len(group))
	for _, e := range group {
		cur, req, ok := q.begin(ctx, e, batchID, res)
		if !ok {
			continue
		}
		members = append(members, cur)
		reqs = append(reqs, req)
	}
	switch len(members) {
	case 0:
		return
	case 1:
		started := q.opts.Now()
		resp, err := q.transport.Do(ctx, reqs[0])
		q.settle(ctx, members[0], resp, err, started, res)
		return
	}

	res.Batches++
	target := members[0].Target
	q.emit(ctx, telemetry.Event{
		Name:       telemetry.EventBatchStart,
		BatchID:    batchID,
		EntryType:  string(members[0].Type),
		Attributes: map[string]any{"size": len(members), "target": target},
	})

	started := q.opts.Now()
	results, err := bt.DoBatch(ctx, target, reqs)
	if err == nil && len(results) != len(members) {
		err = fmt.Errorf("batch returned %d results for %d requests", len(results), len(members))
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logging.Warn("Batch request failed, sending members individually", map[string]interface{}{
			"batch_id": batchID,
			"size":     len(members),
			"error":    err.Error(),
		})
		for i, e := range members {
			if ctx.Err() != nil {
				return
			}
			started := q.opts.Now()
			resp, derr := q.transport.Do(ctx, reqs[i])
			q.settle(ctx, e, resp, derr, started, res)
		}
	} else {
		for i, e := range members {
			q.settle(ctx, e, results[i].Response, results[i].Err, started, res)
		}
	}

	q.emit(ctx, telemetry.Event{
		Name:       telemetry.EventBatchComplete,
		BatchID:    batchID,
		EntryType:  string(members[0].Type),
		Attributes: map[string]any{"size": len(members), "batch_error": err != nil},
	})
}

// settle applies the outcome of one attempt to e.
func (q *SyncQueue) settle(ctx context.Context, e *models.QueueEntry, resp *transport.Response, err error, started time.Time, res *DrainResult) {
	now := q.opts.Now()
	if err == nil {
		q.samples.Push(sample{at: now, latency: now.Sub(started), ok: true})
		// The server has the write; finish even if the drain was cancelled
		// so the entry is never reset and sent again.
		q.complete(context.WithoutCancel(ctx), e, resp, res)
		return
	}
	if ctx.Err() != nil {
		// Left in processing; the drain resets it.
		return
	}
	q.samples.Push(sample{at: now, latency: now.Sub(started), ok: false})

	switch transport.KindOf(err) {
	case transport.KindConflict:
		q.handleConflict(ctx, e, err, res)
	case transport.KindClient:
		e.RetryCount++
		q.fail(ctx, e, err, res)
	default:
		e.RetryCount++
		if e.RetryCount >= e.MaxRetries {
			q.fail(ctx, e, err, res)
			return
		}
		q.retry(ctx, e, err, res)
	}
}

func (q *SyncQueue) complete(ctx context.Context, e *models.QueueEntry, resp *transport.Response, res *DrainResult) {
	var body json.RawMessage
	if resp != nil {
		body = resp.Body
	}
	store := e.StoreName()
	fields := decodeObject(body)
	serverID := idString(fields["id"])
	key := itemKey(e)

	switch {
	case e.Method == models.MethodDelete:
		if key != "" {
			if err := q.store.Delete(ctx, store, key); err != nil {
				logging.Warn("Failed to remove deleted record", map[string]interface{}{
					"store": store,
					"key":   key,
					"error": err.Error(),
				})
			}
		}
	case serverID != "" && e.TempID != "":
		if _, err := q.store.ReconcileRecord(ctx, store, e.TempID, serverID, fields); err != nil {
			logging.Warn("Failed to reconcile optimistic record", map[string]interface{}{
				"store":     store,
				"temp_id":   e.TempID,
				"server_id": serverID,
				"error":     err.Error(),
			})
		}
		key = serverID
	case key != "":
		if err := q.store.MarkSynced(ctx, store, key, fields); err != nil {
			logging.Warn("Failed to mark record synced", map[string]interface{}{
				"store": store,
				"key":   key,
				"error": err.Error(),
			})
		}
	}

	if key != "" {
		version := []byte(body)
		if len(version) == 0 {
			version, _ = models.MarshalPayload(e.Payload)
		}
		if err := q.net.MarkSynced(ctx, store, key, version); err != nil {
			logging.Warn("Failed to record last sync", map[string]interface{}{
				"store": store,
				"key":   key,
				"error": err.Error(),
			})
		}
	}

	if err := q.store.DeleteEntry(ctx, e.ID); err != nil {
		logging.Error("Failed to remove completed entry", err, map[string]interface{}{
			"entry_id": e.ID,
		})
	}
	if e.TempID != "" {
		q.releaseFollowUps(ctx, e.TempID, serverID)
	}
	e.Status = models.QueueStatusCompleted
	res.Succeeded++

	logging.Info("Synced mutation", map[string]interface{}{
		"entry_id": e.ID,
		"type":     string(e.Type),
		"method":   string(e.Method),
		"target":   e.Target,
		"key":      key,
	})
	if fn := q.observer.OnSuccess; fn != nil {
		events.SafeCall("queue.OnSuccess", func() { fn(e, resp) })
	}
	q.publishStats(ctx)
}

func (q *SyncQueue) retry(ctx context.Context, e *models.QueueEntry, cause error, res *DrainResult) {
	delay := q.backoff(e.RetryCount, cause)
	e.Status = models.QueueStatusPending
	e.LastError = cause.Error()
	e.NextRetry = q.opts.Now().Add(delay)
	if err := q.store.SaveEntry(ctx, e); err != nil {
		logging.Error("Failed to schedule retry", err, map[string]interface{}{
			"entry_id": e.ID,
		})
		return
	}
	res.Retried++

	logging.Warn("Sync attempt failed, will retry", map[string]interface{}{
		"entry_id":    e.ID,
		"type":        string(e.Type),
		"target":      e.Target,
		"retry":       e.RetryCount,
		"max_retries": e.MaxRetries,
		"delay_ms":    delay.Milliseconds(),
		"error":       cause.Error(),
	})
	q.emit(ctx, telemetry.Event{
		Name:      telemetry.EventSyncError,
		EntryID:   e.ID,
		EntryType: string(e.Type),
		Attributes: map[string]any{
			"retry":    e.RetryCount,
			"kind":     string(transport.KindOf(cause)),
			"terminal": false,
		},
	})
	q.publishStats(ctx)
}

// fail marks e failed for good and reports the terminal error.
func (q *SyncQueue) fail(ctx context.Context, e *models.QueueEntry, cause error, res *DrainResult) {
	e.Status = models.QueueStatusFailed
	e.LastError = cause.Error()
	e.NextRetry = time.Time{}
	if err := q.store.SaveEntry(ctx, e); err != nil {
		logging.Error("Failed to mark entry failed", err, map[string]interface{}{
			"entry_id": e.ID,
		})
	}
	q.markRecord(ctx, e, models.SyncStatusFailed)
	res.Failed++

	code := apperrors.ErrSyncFailed
	if te, ok := transport.AsError(cause); ok && te.Kind == transport.KindClient {
		code = apperrors.ErrValidation
	} else if apperrors.CodeOf(cause) == apperrors.ErrValidation {
		code = apperrors.ErrValidation
	}
	terminal := apperrors.Wrap(code, fmt.Sprintf("%s %s to %s failed after %d attempt(s)",
		e.Method, e.Type, e.Target, e.RetryCount), cause)

	logging.ErrorWithCode(string(code), "Sync failed permanently", cause, map[string]interface{}{
		"entry_id": e.ID,
		"type":     string(e.Type),
		"target":   e.Target,
		"attempts": e.RetryCount,
	})
	q.emit(ctx, telemetry.Event{
		Name:      telemetry.EventSyncError,
		EntryID:   e.ID,
		EntryType: string(e.Type),
		Attributes: map[string]any{
			"retry":    e.RetryCount,
			"kind":     string(transport.KindOf(cause)),
			"terminal": true,
		},
	})
	if fn := q.observer.OnError; fn != nil {
		events.SafeCall("queue.OnError", func() { fn(e, terminal) })
	}
	q.publishStats(ctx)
}

func (q *SyncQueue) handleConflict(ctx context.Context, e *models.QueueEntry, cause error, res *DrainResult) {
	var serverBody json.RawMessage
	if te, ok := transport.AsError(cause); ok {
		serverBody = te.Body
	}
	e.ConflictCount++
	res.Conflicts++

	store := e.StoreName()
	key := itemKey(e)
	c := &conflict.Conflict{
		EntryID:       e.ID,
		Type:          e.Type,
		Method:        e.Method,
		Target:        e.Target,
		Store:         store,
		ItemID:        key,
		LocalPayload:  e.Payload,
		ServerPayload: serverBody,
		ConflictCount: e.ConflictCount,
		MaxRetries:    e.MaxRetries,
		DetectedAt:    q.opts.Now(),
	}
	if key != "" {
		if rec, err := q.store.Get(ctx, store, key); err == nil {
			c.DirtyFields = rec.DirtyFields
		}
	}

	d, err := q.net.ResolveConflict(ctx, c)
	if err != nil || d == nil {
		if err != nil {
			logging.Error("Conflict resolution failed", err, map[string]interface{}{
				"entry_id": e.ID,
			})
		}
		d = &conflict.Decision{
			Outcome: conflict.OutcomeServerWins,
			Message: "conflict could not be resolved; server version kept",
		}
	}

	if err := q.store.RecordConflict(ctx, c.Record(d)); err != nil {
		logging.Warn("Failed to write conflict audit record", map[string]interface{}{
			"entry_id": e.ID,
			"error":    err.Error(),
		})
	}
	q.conflictsBus.Publish(c.Notify(d))
	q.emit(ctx, telemetry.Event{
		Name:      telemetry.EventConflictDetected,
		EntryID:   e.ID,
		EntryType: string(e.Type),
		Attributes: map[string]any{
			"outcome":        string(d.Outcome),
			"conflict_count": e.ConflictCount,
		},
	})
	logging.Warn("Sync conflict", map[string]interface{}{
		"entry_id":       e.ID,
		"type":           string(e.Type),
		"target":         e.Target,
		"outcome":        string(d.Outcome),
		"conflict_count": e.ConflictCount,
	})

	switch d.Outcome {
	case conflict.OutcomeClientWins, conflict.OutcomeMerged:
		if d.Payload != nil {
			e.Payload = d.Payload
		}
		e.Status = models.QueueStatusPending
		e.RetryCount = 0
		e.NextRetry = time.Time{}
		e.ServerPayload = nil
		e.LastError = d.Message
		if err := q.store.SaveEntry(ctx, e); err != nil {
			logging.Error("Failed to resubmit conflicting entry", err, map[string]interface{}{
				"entry_id": e.ID,
			})
			return
		}
		res.Resubmitted++
		q.publishStats(ctx)
	case conflict.OutcomeManual:
		e.Status = models.QueueStatusConflict
		e.ServerPayload = serverBody
		e.LastError = d.Message
		if err := q.store.SaveEntry(ctx, e); err != nil {
			logging.Error("Failed to park conflicting entry", err, map[string]interface{}{
				"entry_id": e.ID,
			})
			return
		}
		res.Parked++
		q.publishStats(ctx)
	default:
		q.fail(ctx, e, apperrors.Wrap(apperrors.ErrSyncConflict, d.Message, cause), res)
	}
}

func (q *SyncQueue) markRecord(ctx context.Context, e *models.QueueEntry, status models.SyncStatus) {
	key := itemKey(e)
	if key == "" {
		return
	}
	if err := q.store.SetRecordStatus(ctx, e.StoreName(), key, status); err != nil {
		logging.Warn("Failed to update record status", map[string]interface{}{
			"store":  e.StoreName(),
			"key":    key,
			"status": string(status),
			"error":  err.Error(),
		})
	}
}

// backoff returns the delay before retry number retryCount: exponential in
// the base delay with non-negative jitter, scaled by the tier multiplier,
// stretched for rate limiting, capped at MaxDelay.
func (q *SyncQueue) backoff(retryCount int, cause error) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	ceiling := float64(q.opts.MaxDelay)
	d := float64(q.opts.BaseDelay) * math.Pow(2, float64(retryCount-1))
	if q.opts.Jitter > 0 {
		d += d * q.opts.Jitter * q.opts.Rand()
	}
	d *= q.net.RetryMultiplier()
	if te, ok := transport.AsError(cause); ok {
		if te.Kind == transport.KindRateLimited {
			d *= q.opts.RateLimitMultiplier
		}
		if ra := float64(te.RetryAfter); ra > d {
			d = ra
		}
	}
	if d > ceiling || math.IsInf(d, 0) || math.IsNaN(d) {
		d = ceiling
	}
	return time.Duration(d)
}

// scheduleNextWake arms the timer for the earliest future retry.
func (q *SyncQueue) scheduleNextWake(ctx context.Context) {
	next, err := q.store.NextRetryAfter(ctx, q.opts.Now())
	if err != nil {
		logging.Warn("Failed to compute next retry", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if !next.IsZero() {
		q.scheduleWake(next)
	}
}

// scheduleWake arms the single wake timer for at unless an earlier wake is
// already pending.
func (q *SyncQueue) scheduleWake(at time.Time) {
	if q.destroyed.Load() {
		return
	}
	q.wakeMu.Lock()
	defer q.wakeMu.Unlock()
	if q.wakeTimer != nil {
		if !q.wakeAt.After(at) {
			return
		}
		q.wakeTimer.Stop()
	}
	d := at.Sub(q.opts.Now())
	if d < 0 {
		d = 0
	}
	q.wakeAt = at
	q.wakeGen++
	gen := q.wakeGen
	q.wakeTimer = time.AfterFunc(d, func() { q.fire(gen) })
}

// fire runs the wake of timer generation gen. A timer that fired while it
// was being replaced finds a newer generation and does nothing.
func (q *SyncQueue) fire(gen uint64) {
	q.wakeMu.Lock()
	if gen != q.wakeGen {
		q.wakeMu.Unlock()
		return
	}
	q.wakeTimer = nil
	q.wakeAt = time.Time{}
	wake := q.wake
	q.wakeMu.Unlock()
	if q.destroyed.Load() {
		return
	}
	if wake != nil {
		events.SafeCall("queue.wake", wake)
		return
	}
	go func() {
		if _, err := q.ProcessQueue(context.Background()); err != nil {
			logging.Error("Scheduled queue drain failed", err, nil)
		}
	}()
}

// requestFor builds the server request of e. The entry id doubles as the
// idempotency key so replays after a crash are harmless.
func requestFor(e *models.QueueEntry) (transport.Request, error) {
	req := transport.Request{
		Method:         e.Method.HTTPMethod(),
		Target:         e.Target,
		IdempotencyKey: e.ID,
	}
	if e.Method == models.MethodDelete && e.Payload == nil {
		return req, nil
	}
	body, err := requestBody(e.Payload)
	if err != nil {
		return req, err
	}
	req.Body = body
	return req, nil
}

// requestBody encodes the wire form of p. Generic payloads send their
// fields as the object.
func requestBody(p models.Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, fmt.Errorf("nil payload")
	}
	if g, ok := p.(models.GenericPayload); ok {
		if g.Fields == nil {
			return json.RawMessage(`{}`), nil
		}
		return json.Marshal(g.Fields)
	}
	return json.Marshal(p)
}

// itemKey is the local record key of e: the temp id, the payload id, or
// the last path segment of an item target.
func itemKey(e *models.QueueEntry) string {
	if e.TempID != "" {
		return e.TempID
	}
	if e.Payload != nil {
		if fields, err := models.PayloadFields(e.Payload); err == nil {
			if id := idString(fields["id"]); id != "" {
				return id
			}
		}
	}
	if e.Method == models.MethodCreate {
		return ""
	}
	target := strings.TrimRight(e.Target, "/")
	if i := strings.LastIndex(target, "/"); i >= 0 && i < len(target)-1 {
		return target[i+1:]
	}
	return ""
}

// decodeObject returns b as a JSON object, or nil when it is not one.
func decodeObject(b []byte) map[string]any {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil
	}
	return m
}

// idString renders a server id given as a string or a number.
func idString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case json.Number:
		return id.String()
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	}
	return ""
}
