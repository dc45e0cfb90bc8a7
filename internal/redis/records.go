package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gamedata-sync/internal/config"
	"github.com/gamedata-sync/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// storeIfNewer writes a cache entry only when its timestamp is newer than
// the cached one. An empty record is a tombstone left by a delete or an
// eviction. At equal timestamps a record may replace a tombstone but never
// the other way round.
var storeIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ts')
if cur then
	local ts = tonumber(cur)
	local incoming = tonumber(ARGV[1])
	if ts > incoming then
		return 0
	end
	if ts == incoming and (ARGV[2] == '' or redis.call('HGET', KEYS[1], 'rec') ~= '') then
		return 0
	end
end
redis.call('HSET', KEYS[1], 'ts', ARGV[1], 'rec', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// RecordCache keeps recently written game data records in Redis in front of
// PostgreSQL. Entries are ordered by the record's database updated_at so a
// late write-back can never replace a newer value or resurrect a deleted one.
type RecordCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRecordCache creates a new Redis record cache
func NewRecordCache(cfg *config.RedisConfig, cacheCfg *config.CacheConfig, logger *slog.Logger) (*RecordCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return newRecordCache(client, cacheCfg.KeyPrefix, cacheCfg.RecordTTL, logger), nil
}

func newRecordCache(client *redis.Client, prefix string, ttl time.Duration, logger *slog.Logger) *RecordCache {
	if prefix == "" {
		prefix = "gamedata"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RecordCache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger,
	}
}

// Close closes the Redis connection
func (c *RecordCache) Close() error {
	return c.client.Close()
}

// Client returns the underlying Redis client
func (c *RecordCache) Client() *redis.Client {
	return c.client
}

// recordKey returns the Redis key for one data record
func (c *RecordCache) recordKey(instanceID uuid.UUID, dataKey string) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, instanceID, dataKey)
}

// Get returns the cached record, or ok=false on a miss or tombstone
func (c *RecordCache) Get(ctx context.Context, instanceID uuid.UUID, dataKey string) (*domain.GameDataRecord, bool, error) {
	raw, err := c.client.HGet(ctx, c.recordKey(instanceID, dataKey), "rec").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("getting cached record: %w", err)
	}
	if raw == "" {
		return nil, false, nil
	}

	var rec domain.GameDataRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false, fmt.Errorf("decoding cached record: %w", err)
	}
	return &rec, true, nil
}

// Put stores a record unless a newer entry or tombstone is already cached
func (c *RecordCache) Put(ctx context.Context, rec *domain.GameDataRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	stored, err := storeIfNewer.Run(ctx, c.client,
		[]string{c.recordKey(rec.InstanceID, rec.DataKey)},
		strconv.FormatInt(rec.UpdatedAt.UnixMicro(), 10),
		string(data),
		c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("caching record: %w", err)
	}
	if stored == 0 {
		c.logger.Debug("skipped stale cache write",
			"instance_id", rec.InstanceID,
			"data_key", rec.DataKey,
			"version", rec.Version,
		)
	}
	return nil
}

// Invalidate replaces the entries of keys with tombstones stamped at deletedAt.
// Entries newer than deletedAt are kept.
func (c *RecordCache) Invalidate(ctx context.Context, instanceID uuid.UUID, dataKeys []string, deletedAt time.Time) error {
	if len(dataKeys) == 0 {
		return nil
	}

	ts := strconv.FormatInt(deletedAt.UnixMicro(), 10)
	pipe := c.client.Pipeline()
	for _, key := range dataKeys {
		storeIfNewer.Eval(ctx, pipe, []string{c.recordKey(instanceID, key)}, ts, "", c.ttl.Milliseconds())
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("invalidating cached records: %w", err)
	}
	return nil
}
