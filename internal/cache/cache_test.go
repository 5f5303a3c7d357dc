package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/tenant-kms/internal/keys"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewManager(client, time.Minute, logger), mr
}

func testMetadata(tenantID string) *keys.KeyMetadata {
	now := time.Now().UTC().Truncate(time.Second)
	return &keys.KeyMetadata{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Purpose:   keys.PurposeFieldEncryption,
		Algorithm: keys.AlgorithmAES256GCM,
		Version:   1,
		Status:    keys.KeyStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCacheRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	md := testMetadata("tenant-a")

	assert.Nil(t, m.GetCachedKey(ctx, "tenant-a", md.ID), "cold cache must miss")

	m.CacheKey(ctx, md)
	got := m.GetCachedKey(ctx, "tenant-a", md.ID)
	require.NotNil(t, got)
	assert.Equal(t, md.ID, got.ID)
	assert.Equal(t, md.Status, got.Status)
}

func TestCacheTenantScoping(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	md := testMetadata("tenant-a")
	m.CacheKey(ctx, md)

	assert.Nil(t, m.GetCachedKey(ctx, "tenant-b", md.ID), "entry must not leak across tenants")
}

func TestCacheEntryExpires(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()
	md := testMetadata("tenant-a")
	m.CacheKey(ctx, md)

	mr.FastForward(2 * time.Minute)
	assert.Nil(t, m.GetCachedKey(ctx, "tenant-a", md.ID))
}

func TestInvalidateKey(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	md := testMetadata("tenant-a")
	m.CacheKey(ctx, md)

	m.InvalidateKey(ctx, "tenant-a", md.ID)
	assert.Nil(t, m.GetCachedKey(ctx, "tenant-a", md.ID))
}

func TestInvalidateTenantKeys(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	var ours []*keys.KeyMetadata
	for i := 0; i < 5; i++ {
		md := testMetadata("tenant-a")
		m.CacheKey(ctx, md)
		ours = append(ours, md)
	}
	other := testMetadata("tenant-b")
	m.CacheKey(ctx, other)

	removed := m.InvalidateTenantKeys(ctx, "tenant-a")
	assert.Equal(t, 5, removed)
	for _, md := range ours {
		assert.Nil(t, m.GetCachedKey(ctx, "tenant-a", md.ID))
	}
	assert.NotNil(t, m.GetCachedKey(ctx, "tenant-b", other.ID), "other tenants stay cached")
}

func TestCacheStatsHitRate(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	md := testMetadata("tenant-a")
	m.CacheKey(ctx, md)

	// 700 hits, 300 misses
	for i := 0; i < 700; i++ {
		require.NotNil(t, m.GetCachedKey(ctx, "tenant-a", md.ID))
	}
	for i := 0; i < 300; i++ {
		assert.Nil(t, m.GetCachedKey(ctx, "tenant-a", uuid.NewString()))
	}

	stats := m.GetCacheStats(ctx)
	assert.Equal(t, int64(700), stats.Hits)
	assert.Equal(t, int64(300), stats.Misses)
	assert.InDelta(t, 0.70, stats.HitRate, 0.001)
	assert.Equal(t, int64(1), stats.CachedKeys)
}

func TestCacheDegradesToMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	m := NewManager(client, time.Minute, logger)

	ctx := context.Background()
	md := testMetadata("tenant-a")
	m.CacheKey(ctx, md)

	mr.Close()

	// backend down: reads miss, writes and invalidations are silent no-ops
	assert.Nil(t, m.GetCachedKey(ctx, "tenant-a", md.ID))
	m.CacheKey(ctx, md)
	m.InvalidateKey(ctx, "tenant-a", md.ID)
	assert.Equal(t, 0, m.InvalidateTenantKeys(ctx, "tenant-a"))
	assert.Error(t, m.HealthCheck(ctx))

	// in-memory counters still advance so degraded periods remain visible
	stats := m.GetCacheStats(ctx)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestCacheCorruptEntryIsAMiss(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()
	md := testMetadata("tenant-a")
	m.CacheKey(ctx, md)

	require.NoError(t, mr.Set(entryKey("tenant-a", md.ID), "{not-json"))
	assert.Nil(t, m.GetCachedKey(ctx, "tenant-a", md.ID))
}

func TestHealthCheck(t *testing.T) {
	m, _ := newTestManager(t)
	assert.NoError(t, m.HealthCheck(context.Background()))
}
