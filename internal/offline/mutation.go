package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"

	apperrors "github.com/kimhsiao/marketsync/internal/errors"
	"github.com/kimhsiao/marketsync/internal/logging"
	"github.com/kimhsiao/marketsync/internal/models"
	"github.com/kimhsiao/marketsync/internal/sync/queue"
	"github.com/kimhsiao/marketsync/internal/transport"
	"github.com/kimhsiao/marketsync/internal/uuid"
)

// MutationOptions tunes one mutation.
type MutationOptions struct {
	// TempID names the optimistic record of a create. Generated when empty.
	TempID     string
	Priority   int
	MaxRetries int
	// QueueOnly skips the network-first attempt.
	QueueOnly bool
	// Invalidate lists extra cache keys to drop after the local write.
	Invalidate []string
}

// MutationResult reports where a mutation went.
type MutationResult struct {
	// Queued is true when the mutation was deferred to the sync queue.
	Queued  bool   `json:"queued"`
	QueueID string `json:"queueId,omitempty"`
	// Coalesced is true when the mutation was folded into a live entry
	// for the same temp id instead of adding a new one.
	Coalesced bool                `json:"coalesced,omitempty"`
	Store     string              `json:"store"`
	Key       string              `json:"key,omitempty"`
	Record    *models.Record      `json:"record,omitempty"`
	Response  *transport.Response `json:"-"`
}

// EnqueueMutation applies a mutation network-first. When the connection is
// unusable or the request fails for a transient reason, it writes an
// optimistic local record and queues the mutation for later delivery.
// Client errors from the server are returned as validation errors and
// nothing is queued.
func (c *Client) EnqueueMutation(ctx context.Context, payload models.Payload, method models.Method, target string, opts MutationOptions) (*MutationResult, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, apperrors.New(apperrors.ErrValidation, "payload is required")
	}
	if target == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "target is required")
	}
	if method == "" {
		method = models.MethodCreate
	}
	method, err := models.ParseMethod(string(method))
	if err != nil {
		return nil, err
	}
	if method != models.MethodDelete {
		if err := c.queue.Validator().Validate(payload); err != nil {
			return nil, err
		}
	}
	fields, err := models.PayloadFields(payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "encode payload", err)
	}
	storeName := payload.StoreName()
	if err := c.store.EnsureStore(ctx, storeName); err != nil {
		return nil, err
	}

	m := &mutation{
		payload: payload,
		method:  method,
		target:  target,
		fields:  fields,
		store:   storeName,
		opts:    opts,
	}

	// A temp id that is still queued must stay on the queue so the writes
	// reach the server in order.
	live := false
	if opts.TempID != "" {
		e, err := c.store.FindLiveEntryByTempID(ctx, opts.TempID)
		switch {
		case err == nil:
			live = true
			if method == models.MethodCreate && e.Status != models.QueueStatusPending {
				return nil, apperrors.Newf(apperrors.ErrDuplicate, "temp id %s is already being created", opts.TempID)
			}
		case !apperrors.Is(err, apperrors.ErrNotFound):
			return nil, err
		}
		if !live {
			_, err := c.queue.FollowUp(ctx, opts.TempID)
			switch {
			case err == nil:
				live = true
			case !apperrors.Is(err, apperrors.ErrNotFound):
				return nil, err
			}
		}
	}

	if !opts.QueueOnly && !live && c.net.Status().Usable() {
		m.sent = true
		res, err := c.send(ctx, m)
		if err == nil {
			return res, nil
		}
		if transport.KindOf(err) == transport.KindClient {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "server rejected "+string(method)+" "+target, err)
		}
		logging.Info("Network-first mutation failed, queueing", map[string]interface{}{
			"type":   string(payload.EntryType()),
			"target": target,
			"error":  err.Error(),
		})
	}
	return c.enqueue(ctx, m)
}

type mutation struct {
	payload models.Payload
	method  models.Method
	target  string
	fields  map[string]any
	store   string
	opts    MutationOptions
	// sent records a failed network-first attempt.
	sent bool
}

// send performs the mutation directly and mirrors the result locally.
func (c *Client) send(ctx context.Context, m *mutation) (*MutationResult, error) {
	req := transport.Request{
		Method:         m.method.HTTPMethod(),
		Target:         m.target,
		IdempotencyKey: uuid.New(),
	}
	if m.method != models.MethodDelete {
		body, err := json.Marshal(m.fields)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "encode payload", err)
		}
		req.Body = body
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.opts.NetworkTimeout)
	defer cancel()
	resp, err := c.transport.Do(sendCtx, req)
	if err != nil {
		return nil, err
	}

	res := &MutationResult{Store: m.store, Response: resp}
	key := localKey(m.method, m.target, m.fields, "")
	server := decodeObject(resp.Body)
	if id, ok := models.NormalizeID(server["id"]); ok {
		key = id
	}
	res.Key = key
	if key == "" {
		return res, nil
	}

	if m.method == models.MethodDelete {
		if err := c.store.Delete(ctx, m.store, key); err != nil {
			logging.Warn("Failed to delete local record after server delete", map[string]interface{}{
				"store": m.store,
				"key":   key,
				"error": err.Error(),
			})
		}
		c.invalidate(ctx, m.store, key, m.opts.Invalidate)
		return res, nil
	}

	data := models.CloneMap(m.fields)
	for k, v := range server {
		data[k] = v
	}
	rec := &models.Record{
		ID:         key,
		Data:       data,
		SyncStatus: models.SyncStatusSynced,
		LastSynced: c.now(),
	}
	if err := c.store.Put(ctx, m.store, rec); err != nil {
		logging.Warn("Failed to mirror server write locally", map[string]interface{}{
			"store": m.store,
			"key":   key,
			"error": err.Error(),
		})
		return res, nil
	}
	if b, err := json.Marshal(data); err == nil {
		if err := c.net.MarkSynced(ctx, m.store, key, b); err != nil {
			logging.Debug("Failed to record sync version", map[string]interface{}{
				"store": m.store,
				"key":   key,
				"error": err.Error(),
			})
		}
	}
	res.Record = rec
	c.invalidate(ctx, m.store, key, m.opts.Invalidate)
	return res, nil
}

// enqueue writes the optimistic record and queues the mutation.
func (c *Client) enqueue(ctx context.Context, m *mutation) (*MutationResult, error) {
	tempID := m.opts.TempID
	if m.method == models.MethodCreate && tempID == "" {
		tempID = uuid.NewTempID(c.now())
	}
	key := localKey(m.method, m.target, m.fields, tempID)
	if key == "" {
		return nil, apperrors.Newf(apperrors.ErrValidation, "cannot determine the local record of %s %s", m.method, m.target)
	}
	res := &MutationResult{Queued: true, Store: m.store, Key: key}

	if m.method == models.MethodDelete {
		if err := c.store.Delete(ctx, m.store, key); err != nil {
			return nil, err
		}
	} else {
		rec, err := c.optimisticRecord(ctx, m, key, tempID)
		if err != nil {
			return nil, err
		}
		if err := c.store.Put(ctx, m.store, rec); err != nil {
			return nil, err
		}
		res.Record = rec
	}
	c.invalidate(ctx, m.store, key, m.opts.Invalidate)

	if tempID != "" {
		done, err := c.coalesce(ctx, m, tempID, res)
		if err != nil || done {
			return res, err
		}
	}

	id, err := c.queue.Enqueue(ctx, queue.Request{
		Payload:    m.payload,
		Method:     m.method,
		Target:     m.target,
		TempID:     tempID,
		Priority:   m.opts.Priority,
		MaxRetries: m.opts.MaxRetries,
	})
	if err != nil {
		return nil, err
	}
	res.QueueID = id

	if !m.sent && c.net.Status().Usable() {
		c.sched.TriggerSync()
	}
	return res, nil
}

// optimisticRecord builds the pending local record of m on top of any
// existing record under key.
func (c *Client) optimisticRecord(ctx context.Context, m *mutation, key, tempID string) (*models.Record, error) {
	existing, err := c.store.Get(ctx, m.store, key)
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}

	rec := &models.Record{SyncStatus: models.SyncStatusPending}
	switch {
	case existing != nil:
		rec.ID, rec.TempID = existing.ID, existing.TempID
		rec.LastSynced = existing.LastSynced
		rec.DirtyFields = existing.DirtyFields
	case m.method == models.MethodCreate || uuid.IsTempID(key):
		rec.TempID = key
	default:
		rec.ID = key
		rec.TempID = tempID
	}

	if m.method == models.MethodUpdate && existing != nil {
		rec.Data = models.CloneMap(existing.Data)
		for k, v := range m.fields {
			rec.Data[k] = v
		}
	} else {
		rec.Data = models.CloneMap(m.fields)
	}
	rec.DirtyFields = mergeDirty(rec.DirtyFields, m.fields)
	return rec, nil
}

// coalesce folds m into the queued work of tempID: its waiting follow-up,
// or its live entry while that is still pending. When the live entry is
// already in flight, m is queued as a follow-up that is sent after it. It
// reports whether the mutation was fully handled.
func (c *Client) coalesce(ctx context.Context, m *mutation, tempID string, res *MutationResult) (bool, error) {
	f, err := c.queue.FollowUp(ctx, tempID)
	if err == nil {
		return true, c.fold(ctx, m, f, tempID, res)
	}
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		return true, err
	}

	live, err := c.store.FindLiveEntryByTempID(ctx, tempID)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return true, err
	}
	if live.Status == models.QueueStatusPending {
		return true, c.fold(ctx, m, live, tempID, res)
	}

	id, err := c.queue.Enqueue(ctx, queue.Request{
		Payload:    m.payload,
		Method:     m.method,
		Target:     m.target,
		TempID:     tempID,
		FollowUp:   true,
		Priority:   m.opts.Priority,
		MaxRetries: m.opts.MaxRetries,
	})
	if err != nil {
		return true, err
	}
	res.QueueID = id
	logging.Info("Mutation queued behind an in-flight entry", map[string]interface{}{
		"entry_id": id,
		"blocker":  live.ID,
		"temp_id":  tempID,
		"status":   string(live.Status),
	})
	return true, nil
}

// fold merges m into the queued entry e. A create stays a create carrying
// the latest record; any other entry takes the method and target of m.
func (c *Client) fold(ctx context.Context, m *mutation, e *models.QueueEntry, tempID string, res *MutationResult) error {
	res.QueueID = e.ID
	res.Coalesced = true

	// Deleting a record the server never saw cancels its create.
	if m.method == models.MethodDelete && e.Method == models.MethodCreate {
		if err := c.queue.DeleteItem(ctx, e.ID); err != nil {
			return err
		}
		res.Queued = false
		res.QueueID = ""
		logging.Info("Queued create cancelled by delete", map[string]interface{}{
			"entry_id": e.ID,
			"temp_id":  tempID,
		})
		return nil
	}

	if e.Method != models.MethodCreate {
		e.Method = m.method
		e.Target = m.target
	}
	switch {
	case m.method == models.MethodDelete:
		e.Payload = m.payload
	case res.Record != nil:
		p, err := models.PayloadFromFields(e.Type, m.store, res.Record.Data)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrValidation, "merge queued payload", err)
		}
		e.Payload = p
	}
	e.Type = e.Payload.EntryType()
	if err := c.queue.SaveItem(ctx, e); err != nil {
		return err
	}
	logging.Debug("Mutation merged into queued entry", map[string]interface{}{
		"entry_id": e.ID,
		"temp_id":  tempID,
		"method":   string(e.Method),
	})
	return nil
}

func (c *Client) invalidate(ctx context.Context, store, key string, extra []string) {
	if c.cache == nil {
		return
	}
	for _, k := range append([]string{cacheKeyFor(store, key)}, extra...) {
		if err := c.cache.Delete(ctx, k); err != nil {
			logging.Debug("Cache invalidation failed", map[string]interface{}{
				"key":   k,
				"error": err.Error(),
			})
		}
	}
}

// localKey finds the local record a mutation applies to: the temp id, the
// payload id, or the last segment of an item target.
func localKey(method models.Method, target string, fields map[string]any, tempID string) string {
	if tempID != "" {
		return tempID
	}
	if id, ok := models.NormalizeID(fields["id"]); ok {
		return id
	}
	if method == models.MethodCreate {
		return ""
	}
	target = strings.TrimRight(target, "/")
	if i := strings.LastIndex(target, "/"); i >= 0 && i < len(target)-1 {
		return target[i+1:]
	}
	return ""
}

func mergeDirty(dirty []string, fields map[string]any) []string {
	set := make(map[string]struct{}, len(dirty)+len(fields))
	for _, f := range dirty {
		set[f] = struct{}{}
	}
	for f := range fields {
		set[f] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

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
