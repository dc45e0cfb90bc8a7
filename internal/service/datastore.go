package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gamedata-sync/internal/config"
	"github.com/gamedata-sync/internal/domain"
	"github.com/gamedata-sync/internal/metrics"
	"github.com/google/uuid"
)

// DataStore is the versioned JSON key-value store of a game instance. Every
// write goes to the RecordStore in one atomic upsert; the optional cache only
// ever holds copies of what the store returned.
type DataStore struct {
	store  RecordStore
	cache  RecordCache
	limits config.GamesConfig
	logger *slog.Logger

	// bypass holds keys whose cached copy may be stale because neither a
	// write-through nor an eviction reached the cache. Reads of these keys
	// go to the store until a record at least as new as the one that missed
	// the cache is written through successfully.
	bypassMu sync.Mutex
	bypass   map[cachedKey]time.Time
}

type cachedKey struct {
	instanceID uuid.UUID
	dataKey    string
}

// NewDataStore creates a data store. cache may be nil.
func NewDataStore(store RecordStore, cache RecordCache, limits *config.GamesConfig, logger *slog.Logger) *DataStore {
	ds := &DataStore{
		store:  store,
		cache:  cache,
		logger: logger,
		bypass: make(map[cachedKey]time.Time),
	}
	if limits != nil {
		ds.limits = *limits
	}
	if ds.limits.MaxDataKeyLength <= 0 {
		ds.limits.MaxDataKeyLength = domain.DefaultMaxDataKeyLength
	}
	return ds
}

// Validate checks a key and value against the store's limits
func (d *DataStore) Validate(dataKey string, value json.RawMessage) error {
	if err := domain.ValidateDataKey(dataKey, d.limits.MaxDataKeyLength); err != nil {
		return err
	}
	return domain.ValidateDataValue(value, d.limits.MaxValueBytes)
}

// Save stores value under dataKey. The first save creates the record at
// version 1; later saves replace the value and bump the version.
func (d *DataStore) Save(ctx context.Context, instanceID uuid.UUID, dataKey string, value json.RawMessage) (*domain.GameDataRecord, error) {
	if err := d.Validate(dataKey, value); err != nil {
		return nil, err
	}

	start := time.Now()
	rec, err := d.store.UpsertData(ctx, instanceID, dataKey, value)
	metrics.RecordStoreOp("save", time.Since(start), err)
	if err != nil {
		return nil, err
	}

	d.cachePut(ctx, rec)

	d.logger.Debug("game data saved",
		"instance_id", instanceID,
		"data_key", dataKey,
		"version", rec.Version,
	)
	return rec, nil
}

// Load returns the record under dataKey or domain.ErrDataNotFound
func (d *DataStore) Load(ctx context.Context, instanceID uuid.UUID, dataKey string) (*domain.GameDataRecord, error) {
	if err := domain.ValidateDataKey(dataKey, d.limits.MaxDataKeyLength); err != nil {
		return nil, err
	}

	if d.cache != nil && !d.bypassed(instanceID, dataKey) {
		rec, ok, err := d.cache.Get(ctx, instanceID, dataKey)
		if err != nil {
			d.logger.Warn("record cache read failed",
				"instance_id", instanceID,
				"data_key", dataKey,
				"error", err,
			)
		} else {
			metrics.RecordCacheLookup(ok)
			if ok {
				return rec, nil
			}
		}
	}

	start := time.Now()
	rec, err := d.store.GetData(ctx, instanceID, dataKey)
	metrics.RecordStoreOp("load", time.Since(start), err)
	if err != nil {
		return nil, err
	}

	d.cachePut(ctx, rec)
	return rec, nil
}

// List returns the instance's records, most recently updated first
func (d *DataStore) List(ctx context.Context, instanceID uuid.UUID, filter domain.DataFilter) ([]domain.GameDataRecord, error) {
	start := time.Now()
	records, err := d.store.ListData(ctx, instanceID, filter)
	metrics.RecordStoreOp("list", time.Since(start), err)
	return records, err
}

// ListForChild returns a child's records across instances, optionally
// restricted to one game, most recently updated first
func (d *DataStore) ListForChild(ctx context.Context, childID uuid.UUID, gameKey string, filter domain.DataFilter) ([]domain.GameDataRecord, error) {
	start := time.Now()
	records, err := d.store.ListChildData(ctx, childID, gameKey, filter)
	metrics.RecordStoreOp("list", time.Since(start), err)
	return records, err
}

// Delete removes the record under dataKey. A missing record is not an error;
// deleted reports whether one existed.
func (d *DataStore) Delete(ctx context.Context, instanceID uuid.UUID, dataKey string) (bool, error) {
	if err := domain.ValidateDataKey(dataKey, d.limits.MaxDataKeyLength); err != nil {
		return false, err
	}

	start := time.Now()
	deleted, deletedAt, err := d.store.DeleteData(ctx, instanceID, dataKey)
	metrics.RecordStoreOp("delete", time.Since(start), err)
	if err != nil {
		return false, err
	}

	if deleted {
		d.cacheInvalidate(ctx, instanceID, []string{dataKey}, deletedAt)
	}
	return deleted, nil
}

// DeleteAll removes every record of the instance and returns the removed keys
func (d *DataStore) DeleteAll(ctx context.Context, instanceID uuid.UUID) ([]string, error) {
	start := time.Now()
	keys, deletedAt, err := d.store.DeleteAllData(ctx, instanceID)
	metrics.RecordStoreOp("delete_all", time.Since(start), err)
	if err != nil {
		return nil, err
	}

	d.cacheInvalidate(ctx, instanceID, keys, deletedAt)
	return keys, nil
}

// cachePut writes a committed record through to the cache. When that fails
// the cached copy is evicted instead, and when the eviction fails too the key
// bypasses the cache until a later write succeeds.
func (d *DataStore) cachePut(ctx context.Context, rec *domain.GameDataRecord) {
	if d.cache == nil {
		return
	}
	err := d.cache.Put(ctx, rec)
	if err == nil {
		d.clearBypass(rec.InstanceID, rec.DataKey, rec.UpdatedAt)
		return
	}
	d.logger.Warn("record cache write failed",
		"instance_id", rec.InstanceID,
		"data_key", rec.DataKey,
		"version", rec.Version,
		"error", err,
	)

	if err := d.cache.Invalidate(ctx, rec.InstanceID, []string{rec.DataKey}, rec.UpdatedAt); err != nil {
		d.logger.Warn("record cache eviction failed, bypassing cache for key",
			"instance_id", rec.InstanceID,
			"data_key", rec.DataKey,
			"error", err,
		)
		d.setBypass(rec.InstanceID, []string{rec.DataKey}, rec.UpdatedAt)
	}
}

func (d *DataStore) cacheInvalidate(ctx context.Context, instanceID uuid.UUID, keys []string, deletedAt time.Time) {
	if d.cache == nil || len(keys) == 0 {
		return
	}
	if err := d.cache.Invalidate(ctx, instanceID, keys, deletedAt); err != nil {
		d.logger.Warn("record cache invalidation failed, bypassing cache for keys",
			"instance_id", instanceID,
			"keys", len(keys),
			"error", err,
		)
		d.setBypass(instanceID, keys, deletedAt)
	}
}

func (d *DataStore) bypassed(instanceID uuid.UUID, dataKey string) bool {
	d.bypassMu.Lock()
	defer d.bypassMu.Unlock()
	_, ok := d.bypass[cachedKey{instanceID, dataKey}]
	return ok
}

func (d *DataStore) setBypass(instanceID uuid.UUID, keys []string, since time.Time) {
	d.bypassMu.Lock()
	defer d.bypassMu.Unlock()
	for _, key := range keys {
		k := cachedKey{instanceID, key}
		if cur, ok := d.bypass[k]; !ok || since.After(cur) {
			d.bypass[k] = since
		}
	}
}

// clearBypass lifts the bypass once a record no older than the one that
// missed the cache has been written through
func (d *DataStore) clearBypass(instanceID uuid.UUID, dataKey string, updatedAt time.Time) {
	d.bypassMu.Lock()
	defer d.bypassMu.Unlock()
	k := cachedKey{instanceID, dataKey}
	if since, ok := d.bypass[k]; ok && !updatedAt.Before(since) {
		delete(d.bypass, k)
	}
}
