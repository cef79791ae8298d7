package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockpos/internal/domain"
)

func TestMemoryReceiptCacheExpires(t *testing.T) {
	c := NewMemoryReceiptCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "shop/t1", &domain.Receipt{TerminalID: "t1", MemberName: "Somchai"}, 50*time.Millisecond))

	got, ok, err := c.Get(ctx, "shop/t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Somchai", got.MemberName)

	assert.Eventually(t, func() bool {
		_, ok, err := c.Get(ctx, "shop/t1")
		return err == nil && !ok
	}, time.Second, 10*time.Millisecond, "reads must not keep the receipt alive")
}

func TestMemoryReceiptCacheKeysAreIndependent(t *testing.T) {
	c := NewMemoryReceiptCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "shop-a/t1", &domain.Receipt{MemberName: "A"}, 0))
	require.NoError(t, c.Set(ctx, "shop-b/t1", &domain.Receipt{MemberName: "B"}, time.Minute))

	a, ok, err := c.Get(ctx, "shop-a/t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A", a.MemberName)

	b, ok, err := c.Get(ctx, "shop-b/t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "B", b.MemberName)

	a.MemberName = "mutated"
	again, _, _ := c.Get(ctx, "shop-a/t1")
	assert.Equal(t, "A", again.MemberName, "callers get a copy")
}

func TestNoopReceiptCacheNeverHits(t *testing.T) {
	var c ReceiptCache = NoopReceiptCache{}
	require.NoError(t, c.Set(context.Background(), "t1", &domain.Receipt{}, time.Minute))
	_, ok, err := c.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisReceiptCacheRoundTrip(t *testing.T) {
	addr := os.Getenv("STOCKPOS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("STOCKPOS_TEST_REDIS_ADDR not set")
	}
	client := NewRedisClient(addr, "", 0)
	t.Cleanup(func() { _ = client.Close() })
	c := NewRedisReceiptCache(client)
	ctx := context.Background()
	require.NoError(t, c.Ping(ctx))

	terminal := "cache-test-" + time.Now().Format("150405.000000")
	_, ok, err := c.Get(ctx, terminal)
	require.NoError(t, err)
	assert.False(t, ok)

	receipt := &domain.Receipt{TerminalID: terminal, Movement: domain.Movement{DocNo: "INV-20260118-0001", FinalCents: 2100}}
	require.NoError(t, c.Set(ctx, terminal, receipt, time.Minute))

	got, ok, err := c.Get(ctx, terminal)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "INV-20260118-0001", got.Movement.DocNo)
	assert.Equal(t, int64(2100), got.Movement.FinalCents)
}
