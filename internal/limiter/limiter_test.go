package limiter

import (
	"context"
	"testing"
	"time"

	"identity_service/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuard(t *testing.T) (*RedisGuard, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRedisGuard(rdb, Config{
		LoginMaxFailures:   3,
		LoginWindow:        15 * time.Minute,
		RequestMaxRequests: 2,
		RequestWindow:      time.Hour,
	}), mr
}

func TestRedisGuard_LoginLockout(t *testing.T) {
	ctx := context.Background()
	g, mr := newTestGuard(t)

	for range 3 {
		require.NoError(t, g.CheckLogin(ctx, "ada@example.com", "10.0.0.1"))
		require.NoError(t, g.RecordLoginFailure(ctx, "ada@example.com", "10.0.0.1"))
	}

	assert.ErrorIs(t, g.CheckLogin(ctx, "ADA@example.com", "10.0.0.2"), ErrRateLimited, "account counter")
	assert.ErrorIs(t, g.CheckLogin(ctx, "bob@example.com", "10.0.0.1"), ErrRateLimited, "ip counter")
	assert.NoError(t, g.CheckLogin(ctx, "bob@example.com", "10.0.0.2"))

	assert.Equal(t, 15*time.Minute, mr.TTL("ilf:a:ada@example.com"))

	mr.FastForward(16 * time.Minute)
	assert.NoError(t, g.CheckLogin(ctx, "ada@example.com", "10.0.0.1"))
}

func TestRedisGuard_ResetLogin(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGuard(t)

	for range 3 {
		require.NoError(t, g.RecordLoginFailure(ctx, "ada@example.com", ""))
	}
	require.ErrorIs(t, g.CheckLogin(ctx, "ada@example.com", ""), ErrRateLimited)

	require.NoError(t, g.ResetLogin(ctx, "ada@example.com"))
	assert.NoError(t, g.CheckLogin(ctx, "ada@example.com", ""))
}

func TestRedisGuard_AllowRequest(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGuard(t)

	require.NoError(t, g.AllowRequest(ctx, models.PurposePasswordReset, "ada@example.com", "10.0.0.1"))
	require.NoError(t, g.AllowRequest(ctx, models.PurposePasswordReset, "ada@example.com", "10.0.0.1"))
	assert.ErrorIs(t, g.AllowRequest(ctx, models.PurposePasswordReset, "ada@example.com", "10.0.0.1"), ErrRateLimited)

	// Budgets are per purpose.
	assert.NoError(t, g.AllowRequest(ctx, models.PurposeEmailVerify, "ada@example.com", "10.0.0.1"))
}

func TestRedisGuard_Unavailable(t *testing.T) {
	ctx := context.Background()
	g, mr := newTestGuard(t)
	mr.Close()

	assert.ErrorIs(t, g.CheckLogin(ctx, "ada@example.com", "10.0.0.1"), ErrUnavailable)
	assert.ErrorIs(t, g.RecordLoginFailure(ctx, "ada@example.com", "10.0.0.1"), ErrUnavailable)
	assert.ErrorIs(t, g.AllowRequest(ctx, models.PurposePasswordReset, "ada@example.com", ""), ErrUnavailable)
}

func TestNoopGuard(t *testing.T) {
	var g Guard = NoopGuard{}
	ctx := context.Background()

	for range 100 {
		require.NoError(t, g.RecordLoginFailure(ctx, "ada@example.com", "10.0.0.1"))
	}
	assert.NoError(t, g.CheckLogin(ctx, "ada@example.com", "10.0.0.1"))
	assert.NoError(t, g.AllowRequest(ctx, models.PurposePasswordReset, "ada@example.com", "10.0.0.1"))
}
