package offline

import (
	"context"
	"encoding/json"

	apperrors "github.com/kimhsiao/marketsync/internal/errors"
	"github.com/kimhsiao/marketsync/internal/logging"
	"github.com/kimhsiao/marketsync/internal/models"
)

// RecordRef names a local record.
type RecordRef struct {
	Store string
	Key   string
}

// FetchFunc loads the server version of a record.
type FetchFunc func(ctx context.Context) (map[string]any, error)

// Source tells where a read was served from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceLocal   Source = "local"
)

// ReadResult is the outcome of ReadWithFallback.
type ReadResult struct {
	Record *models.Record `json:"record"`
	Source Source         `json:"source"`
	// Stale is set when a fetch was requested but the data did not come
	// from the network.
	Stale bool `json:"stale"`
	// FetchErr is the network error that caused the fallback, if any.
	FetchErr error `json:"-"`
}

func cacheKeyFor(store, key string) string {
	return store + ":" + key
}

// ReadWithFallback returns the freshest available copy of ref. A local
// record with unsynced changes is returned as is. Otherwise fetch is tried
// while the connection is usable; its result refreshes the local store and
// the cache. When fetch is nil or fails, the cache and then the local store
// answer. An empty cacheKey uses "<store>:<key>".
func (c *Client) ReadWithFallback(ctx context.Context, ref RecordRef, fetch FetchFunc, cacheKey string) (*ReadResult, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if ref.Store == "" || ref.Key == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "record store and key are required")
	}
	if cacheKey == "" {
		cacheKey = cacheKeyFor(ref.Store, ref.Key)
	}

	local, err := c.store.Get(ctx, ref.Store, ref.Key)
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}
	if local != nil && local.SyncStatus == models.SyncStatusPending {
		return &ReadResult{Record: local, Source: SourceLocal}, nil
	}

	var fetchErr error
	if fetch != nil {
		if c.net.Status().Usable() {
			rec, err := c.fetch(ctx, ref, fetch, cacheKey)
			if err == nil {
				return &ReadResult{Record: rec, Source: SourceNetwork}, nil
			}
			fetchErr = err
			logging.Debug("Network read failed, using local data", map[string]interface{}{
				"store": ref.Store,
				"key":   ref.Key,
				"error": err.Error(),
			})
		} else {
			fetchErr = apperrors.New(apperrors.ErrNetwork, "offline")
		}
	}
	stale := fetch != nil

	if rec, ok := c.cached(ctx, cacheKey); ok {
		return &ReadResult{Record: rec, Source: SourceCache, Stale: stale, FetchErr: fetchErr}, nil
	}
	if local != nil {
		return &ReadResult{Record: local, Source: SourceLocal, Stale: stale, FetchErr: fetchErr}, nil
	}
	if fetchErr != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetwork, "read "+ref.Store+"/"+ref.Key, fetchErr)
	}
	return nil, apperrors.Newf(apperrors.ErrNotFound, "record %s/%s not found", ref.Store, ref.Key)
}

func (c *Client) fetch(ctx context.Context, ref RecordRef, fetch FetchFunc, cacheKey string) (*models.Record, error) {
	fctx, cancel := context.WithTimeout(ctx, c.opts.NetworkTimeout)
	defer cancel()
	data, err := fetch(fctx)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "server has no record %s/%s", ref.Store, ref.Key)
	}

	rec := &models.Record{
		ID:         ref.Key,
		Data:       data,
		SyncStatus: models.SyncStatusSynced,
		LastSynced: c.now(),
	}
	if err := c.store.Put(ctx, ref.Store, rec); err != nil {
		logging.Warn("Failed to store fetched record", map[string]interface{}{
			"store": ref.Store,
			"key":   ref.Key,
			"error": err.Error(),
		})
	}
	if c.cache != nil {
		if b, err := json.Marshal(rec); err == nil {
			if err := c.cache.Set(ctx, cacheKey, b, 0); err != nil {
				logging.Debug("Cache write failed", map[string]interface{}{
					"key":   cacheKey,
					"error": err.Error(),
				})
			}
		}
	}
	return rec, nil
}

func (c *Client) cached(ctx context.Context, key string) (*models.Record, bool) {
	if c.cache == nil {
		return nil, false
	}
	b, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		logging.Debug("Cache read failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var rec models.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, false
	}
	return &rec, true
}
