// Package cache keeps the last committed receipt of each shop terminal. Receipts are
// a read-side convenience; losing them never loses a committed movement.
package cache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"stockpos/internal/domain"
)

// ReceiptCache keys are shop-scoped terminal keys built by the recorder.
type ReceiptCache interface {
	Get(ctx context.Context, key string) (*domain.Receipt, bool, error)
	Set(ctx context.Context, key string, value *domain.Receipt, ttl time.Duration) error
}

type NoopReceiptCache struct{}

func (NoopReceiptCache) Get(_ context.Context, _ string) (*domain.Receipt, bool, error) {
	return nil, false, nil
}

func (NoopReceiptCache) Set(_ context.Context, _ string, _ *domain.Receipt, _ time.Duration) error {
	return nil
}

// MemoryReceiptCache serves single-process deployments without Redis.
// Reads do not extend an entry's lifetime.
type MemoryReceiptCache struct {
	entries *ttlcache.Cache[string, domain.Receipt]
}

func NewMemoryReceiptCache() *MemoryReceiptCache {
	return &MemoryReceiptCache{
		entries: ttlcache.New[string, domain.Receipt](
			ttlcache.WithDisableTouchOnHit[string, domain.Receipt](),
		),
	}
}

func (c *MemoryReceiptCache) Get(_ context.Context, key string) (*domain.Receipt, bool, error) {
	item := c.entries.Get(key)
	if item == nil {
		return nil, false, nil
	}
	receipt := item.Value()
	return &receipt, true, nil
}

func (c *MemoryReceiptCache) Set(_ context.Context, key string, value *domain.Receipt, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	c.entries.Set(key, *value, ttl)
	return nil
}
