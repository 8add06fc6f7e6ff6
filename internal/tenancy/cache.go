package tenancy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/whatsapp-concierge/pkg/logging"
)

const defaultCacheTTL = 5 * time.Minute

// CachedSource is a Redis read-through cache in front of a Source. Cache
// errors are logged and fall through to the underlying source.
type CachedSource struct {
	next   Source
	redis  *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

var _ Source = (*CachedSource)(nil)

// NewCachedSource wraps next with a Redis cache.
func NewCachedSource(next Source, client *redis.Client, ttl time.Duration, logger *logging.Logger) *CachedSource {
	if next == nil {
		panic("tenancy: source required")
	}
	if client == nil {
		panic("tenancy: redis client required")
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &CachedSource{next: next, redis: client, ttl: ttl, logger: logger}
}

func tenantCacheKey(tenantID string) string   { return fmt.Sprintf("tenant:config:%s", tenantID) }
func servicesCacheKey(tenantID string) string { return fmt.Sprintf("tenant:services:%s", tenantID) }

// GetTenant implements Source.
func (c *CachedSource) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	var cached Tenant
	if c.read(ctx, tenantCacheKey(tenantID), &cached) {
		return &cached, nil
	}
	t, err := c.next.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	c.write(ctx, tenantCacheKey(tenantID), t)
	return t, nil
}

// ListServices implements Source.
func (c *CachedSource) ListServices(ctx context.Context, tenantID string) ([]Service, error) {
	var cached []Service
	if c.read(ctx, servicesCacheKey(tenantID), &cached) {
		return cached, nil
	}
	services, err := c.next.ListServices(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	c.write(ctx, servicesCacheKey(tenantID), services)
	return services, nil
}

// Invalidate drops cached entries for a tenant after an admin edit.
func (c *CachedSource) Invalidate(ctx context.Context, tenantID string) error {
	if err := c.redis.Del(ctx, tenantCacheKey(tenantID), servicesCacheKey(tenantID)).Err(); err != nil {
		return fmt.Errorf("tenancy: invalidate cache: %w", err)
	}
	return nil
}

func (c *CachedSource) read(ctx context.Context, key string, out any) bool {
	data, err := c.redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		c.logger.Warn("tenant cache read failed", "key", key, "error", err)
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.logger.Warn("tenant cache entry corrupt", "key", key, "error", err)
		return false
	}
	return true
}

func (c *CachedSource) write(ctx context.Context, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("tenant cache write failed", "key", key, "error", err)
	}
}
