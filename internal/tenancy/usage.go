package tenancy

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// UsageMeter counts new conversations per tenant per calendar month.
type UsageMeter struct {
	redis *redis.Client
}

// NewUsageMeter creates a Redis-backed meter.
func NewUsageMeter(client *redis.Client) *UsageMeter {
	if client == nil {
		panic("tenancy: redis client required")
	}
	return &UsageMeter{redis: client}
}

func usageKey(tenantID string, now time.Time) string {
	return fmt.Sprintf("usage:conversations:%s:%s", tenantID, now.UTC().Format("2006-01"))
}

// Reserve counts one new conversation. It returns ErrUsageLimitExceeded, and
// gives the slot back, when the tenant's monthly limit is already used.
// A zero limit means unlimited.
func (m *UsageMeter) Reserve(ctx context.Context, t *Tenant, now time.Time) error {
	key := usageKey(t.ID, now)
	pipe := m.redis.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 35*24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("tenancy: reserve usage: %w", err)
	}
	if t.MonthlyConversationLimit > 0 && incr.Val() > int64(t.MonthlyConversationLimit) {
		m.redis.Decr(ctx, key)
		return fmt.Errorf("%w: %s", ErrUsageLimitExceeded, t.ID)
	}
	return nil
}

// Release returns a slot taken by Reserve when the conversation was not created.
func (m *UsageMeter) Release(ctx context.Context, t *Tenant, now time.Time) error {
	if err := m.redis.Decr(ctx, usageKey(t.ID, now)).Err(); err != nil {
		return fmt.Errorf("tenancy: release usage: %w", err)
	}
	return nil
}

// Used returns the count for the month containing now.
func (m *UsageMeter) Used(ctx context.Context, tenantID string, now time.Time) (int64, error) {
	n, err := m.redis.Get(ctx, usageKey(tenantID, now)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("tenancy: read usage: %w", err)
	}
	return n, nil
}
