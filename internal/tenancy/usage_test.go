package tenancy

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestUsageMeterEnforcesLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	meter := NewUsageMeter(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tenant := &Tenant{ID: "t1", MonthlyConversationLimit: 2}

	require.NoError(t, meter.Reserve(ctx, tenant, now))
	require.NoError(t, meter.Reserve(ctx, tenant, now))
	err := meter.Reserve(ctx, tenant, now)
	require.True(t, errors.Is(err, ErrUsageLimitExceeded), "got %v", err)

	used, err := meter.Used(ctx, "t1", now)
	require.NoError(t, err)
	require.EqualValues(t, 2, used)

	// a new month starts fresh
	require.NoError(t, meter.Reserve(ctx, tenant, now.AddDate(0, 1, 0)))
}

func TestUsageMeterUnlimitedAndRelease(t *testing.T) {
	mr := miniredis.RunT(t)
	meter := NewUsageMeter(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	ctx := context.Background()
	now := time.Now()
	tenant := &Tenant{ID: "t2"}

	for i := 0; i < 5; i++ {
		require.NoError(t, meter.Reserve(ctx, tenant, now))
	}
	require.NoError(t, meter.Release(ctx, tenant, now))
	used, err := meter.Used(ctx, "t2", now)
	require.NoError(t, err)
	require.EqualValues(t, 4, used)
}
