// Package cache implements the DEK metadata cache on Redis. The cache is an
// optimization layer only: every failure degrades to a miss so correctness
// never depends on cache availability.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/tenant-kms/internal/keys"
)

const (
	// DefaultTTL is how long a cached key metadata entry lives.
	DefaultTTL = 5 * time.Minute
	// opTimeout bounds every cache round-trip so a degraded Redis cannot
	// stall request-serving paths.
	opTimeout = 2 * time.Second

	entryPrefix   = "kms:dek:"
	hitCounterKey = "kms:cache:hits"
	misCounterKey = "kms:cache:misses"
)

// Stats is the combined (persisted + in-memory) cache accounting snapshot.
type Stats struct {
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
	CachedKeys int64   `json:"cached_keys"`
}

// Manager is the write-through key metadata cache. Entries are keyed by
// (tenant, keyID); hit/miss counters are kept both in memory and in Redis so
// hit-rate reporting survives process restarts.
type Manager struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *logrus.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewManager builds a cache manager. A non-positive ttl selects DefaultTTL.
func NewManager(client redis.UniversalClient, ttl time.Duration, logger *logrus.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{client: client, ttl: ttl, logger: logger}
}

func entryKey(tenantID, keyID string) string {
	return fmt.Sprintf("%s%s:%s", entryPrefix, tenantID, keyID)
}

// GetCachedKey returns the cached metadata for a key, or nil on a miss. All
// cache failures are reported as misses; the caller falls through to storage.
func (m *Manager) GetCachedKey(ctx context.Context, tenantID, keyID string) *keys.KeyMetadata {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := m.client.Get(ctx, entryKey(tenantID, keyID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			m.logger.WithError(err).Warn("cache read degraded to miss")
		}
		m.recordMiss(ctx)
		return nil
	}
	var md keys.KeyMetadata
	if err := json.Unmarshal(raw, &md); err != nil {
		m.logger.WithError(err).Warn("cache entry corrupt, treating as miss")
		m.recordMiss(ctx)
		return nil
	}
	m.recordHit(ctx)
	return &md
}

// CacheKey stores key metadata with the configured TTL. Failures are logged
// and swallowed.
func (m *Manager) CacheKey(ctx context.Context, md *keys.KeyMetadata) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := json.Marshal(md)
	if err != nil {
		m.logger.WithError(err).Warn("cache entry marshal failed")
		return
	}
	if err := m.client.Set(ctx, entryKey(md.TenantID, md.ID), raw, m.ttl).Err(); err != nil {
		m.logger.WithError(err).WithField("key_id", md.ID).Warn("cache write failed")
	}
}

// InvalidateKey evicts one cached entry. Used after rotation or compromise.
func (m *Manager) InvalidateKey(ctx context.Context, tenantID, keyID string) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := m.client.Del(ctx, entryKey(tenantID, keyID)).Err(); err != nil {
		m.logger.WithError(err).WithField("key_id", keyID).Warn("cache eviction failed")
	}
}

// InvalidateTenantKeys evicts every cached entry belonging to a tenant.
func (m *Manager) InvalidateTenantKeys(ctx context.Context, tenantID string) int {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	pattern := entryPrefix + tenantID + ":*"
	var evicted int
	iter := m.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := m.client.Del(ctx, iter.Val()).Err(); err != nil {
			m.logger.WithError(err).Warn("tenant cache eviction failed")
			continue
		}
		evicted++
	}
	if err := iter.Err(); err != nil {
		m.logger.WithError(err).WithField("tenant_id", tenantID).Warn("tenant cache scan failed")
	}
	return evicted
}

// GetCacheStats combines the durable counters with live entry counts. When
// Redis is unreachable the in-memory counters are reported alone.
func (m *Manager) GetCacheStats(ctx context.Context) Stats {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	stats := Stats{Hits: m.hits.Load(), Misses: m.misses.Load()}

	if hits, err := m.client.Get(ctx, hitCounterKey).Int64(); err == nil {
		stats.Hits = hits
	}
	if misses, err := m.client.Get(ctx, misCounterKey).Int64(); err == nil {
		stats.Misses = misses
	}

	var cached int64
	iter := m.client.Scan(ctx, 0, entryPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		cached++
	}
	stats.CachedKeys = cached

	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// HealthCheck performs a write/read/delete round-trip against Redis.
func (m *Manager) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	probe := "kms:health:" + uuid.NewString()
	if err := m.client.Set(ctx, probe, "ok", time.Minute).Err(); err != nil {
		return keys.E(keys.KindCache, "cache.HealthCheck", "write probe failed", err)
	}
	val, err := m.client.Get(ctx, probe).Result()
	if err != nil {
		return keys.E(keys.KindCache, "cache.HealthCheck", "read probe failed", err)
	}
	if val != "ok" {
		return keys.Errorf(keys.KindCache, "cache.HealthCheck", "probe value mismatch")
	}
	if err := m.client.Del(ctx, probe).Err(); err != nil {
		return keys.E(keys.KindCache, "cache.HealthCheck", "delete probe failed", err)
	}
	return nil
}

func (m *Manager) recordHit(ctx context.Context) {
	m.hits.Add(1)
	if err := m.client.Incr(ctx, hitCounterKey).Err(); err != nil {
		m.logger.WithError(err).Debug("durable hit counter update failed")
	}
}

func (m *Manager) recordMiss(ctx context.Context) {
	m.misses.Add(1)
	if err := m.client.Incr(ctx, misCounterKey).Err(); err != nil {
		m.logger.WithError(err).Debug("durable miss counter update failed")
	}
}
