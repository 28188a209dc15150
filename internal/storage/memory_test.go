package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"identity_service/internal/models"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorage_UserLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	user := testUser(t)

	require.NoError(t, store.CreateUser(ctx, user))

	dup := testUser(t)
	dup.Email = "ADA@example.COM"
	require.ErrorIs(t, store.CreateUser(ctx, dup), ErrUserExists)

	got, err := store.UserByEmail(ctx, "ada@EXAMPLE.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.Equal(t, "ada@example.com", got.Email)

	require.NoError(t, store.UpdatePasswordHash(ctx, user.ID, "other"))
	require.NoError(t, store.DisableUser(ctx, user.ID))

	got, err = store.UserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "other", got.PasswordHash)
	assert.True(t, got.Disabled())

	_, err = store.UserByID(ctx, uuid.Must(uuid.NewV4()))
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, store.DisableUser(ctx, uuid.Must(uuid.NewV4())), ErrNotFound)
}

func TestMemoryStorage_ConcurrentCreateUser(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	var (
		wg      sync.WaitGroup
		created atomic.Int32
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if store.CreateUser(ctx, testUser(t)) == nil {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
}

func TestMemoryStorage_RotateOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	now := time.Now().UTC()

	first := testRefreshToken(uuid.Must(uuid.NewV4()), now)
	require.NoError(t, store.CreateRefreshToken(ctx, first))

	var (
		wg      sync.WaitGroup
		rotated atomic.Int32
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := first
			next.ID = uuid.Must(uuid.NewV4())
			if store.RotateRefreshToken(ctx, first.ID, next, now) == nil {
				rotated.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), rotated.Load())

	old, err := store.RefreshTokenByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RevokeRotated, old.RevokeReason)
	require.NotNil(t, old.ReplacedBy)
}

func TestMemoryStorage_RotateExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	now := time.Now().UTC()

	token := testRefreshToken(uuid.Must(uuid.NewV4()), now.Add(-2*time.Hour))
	require.NoError(t, store.CreateRefreshToken(ctx, token))

	next := testRefreshToken(token.UserID, now)
	require.ErrorIs(t, store.RotateRefreshToken(ctx, token.ID, next, now), ErrTokenNotActive)
}

func TestMemoryStorage_RevokeChainAndUser(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	now := time.Now().UTC()
	userID := uuid.Must(uuid.NewV4())

	a := testRefreshToken(userID, now)
	b := testRefreshToken(userID, now)
	b.ChainID = a.ChainID
	c := testRefreshToken(userID, now)
	for _, tok := range []models.RefreshToken{a, b, c} {
		require.NoError(t, store.CreateRefreshToken(ctx, tok))
	}

	n, err := store.RevokeChain(ctx, a.ChainID, models.RevokeReuse, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = store.RevokeAllForUser(ctx, userID, models.RevokePasswordReset, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.RefreshTokenByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RevokeReuse, got.RevokeReason)
}

func TestMemoryStorage_VerificationTokens(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	now := time.Now().UTC()
	user := testUser(t)
	require.NoError(t, store.CreateUser(ctx, user))

	issue := func(hash string, purpose models.Purpose, ttl time.Duration) {
		t.Helper()
		require.NoError(t, store.IssueVerificationToken(ctx, models.VerificationToken{
			ID:        uuid.Must(uuid.NewV4()),
			UserID:    user.ID,
			Purpose:   purpose,
			TokenHash: hash,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		}))
	}

	issue("first", models.PurposePasswordReset, time.Hour)
	issue("second", models.PurposePasswordReset, time.Hour)
	issue("verify", models.PurposeEmailVerify, time.Hour)
	issue("stale", models.PurposeEmailVerify, -time.Second)

	_, err := store.ConsumeVerificationToken(ctx, "first", models.PurposePasswordReset, now)
	require.ErrorIs(t, err, ErrTokenInvalidated)

	_, err = store.ConsumeVerificationToken(ctx, "second", models.PurposeEmailVerify, now)
	require.ErrorIs(t, err, ErrNotFound, "purpose must match")

	got, err := store.ConsumeVerificationToken(ctx, "second", models.PurposePasswordReset, now)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got)

	_, err = store.ConsumeVerificationToken(ctx, "second", models.PurposePasswordReset, now)
	require.ErrorIs(t, err, ErrTokenConsumed)

	_, err = store.ConsumeVerificationToken(ctx, "stale", models.PurposeEmailVerify, now)
	require.ErrorIs(t, err, ErrTokenExpired)

	// "verify" was superseded by "stale".
	_, err = store.ConsumeVerificationToken(ctx, "verify", models.PurposeEmailVerify, now)
	require.ErrorIs(t, err, ErrTokenInvalidated)
}

func TestMemoryStorage_ConsumeOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	now := time.Now().UTC()
	user := testUser(t)
	require.NoError(t, store.CreateUser(ctx, user))
	require.NoError(t, store.IssueVerificationToken(ctx, models.VerificationToken{
		ID:        uuid.Must(uuid.NewV4()),
		UserID:    user.ID,
		Purpose:   models.PurposeEmailVerify,
		TokenHash: "digest",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}))

	var (
		wg       sync.WaitGroup
		consumed atomic.Int32
		used     atomic.Int32
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ConsumeVerificationToken(ctx, "digest", models.PurposeEmailVerify, now)
			switch {
			case err == nil:
				consumed.Add(1)
			case errors.Is(err, ErrTokenConsumed):
				used.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), consumed.Load())
	assert.Equal(t, int32(7), used.Load())

	got, err := store.UserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, got.EmailVerified)
}

func TestMemoryStorage_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	now := time.Now().UTC()

	live := testRefreshToken(uuid.Must(uuid.NewV4()), now)
	dead := testRefreshToken(uuid.Must(uuid.NewV4()), now.Add(-2*time.Hour))
	require.NoError(t, store.CreateRefreshToken(ctx, live))
	require.NoError(t, store.CreateRefreshToken(ctx, dead))

	n, err := store.PurgeExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.RefreshTokenByID(ctx, dead.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.RefreshTokenByID(ctx, live.ID)
	require.NoError(t, err)
}

func TestMemoryStorage_PurgeKeepsUnexpiredTokenState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	now := time.Now().UTC()
	user := testUser(t)
	require.NoError(t, store.CreateUser(ctx, user))

	issue := func(hash string, expiresAt time.Time) {
		t.Helper()
		require.NoError(t, store.IssueVerificationToken(ctx, models.VerificationToken{
			ID:        uuid.Must(uuid.NewV4()),
			UserID:    user.ID,
			Purpose:   models.PurposePasswordReset,
			TokenHash: hash,
			CreatedAt: now,
			ExpiresAt: expiresAt,
		}))
	}

	issue("used", now.Add(time.Hour))
	_, err := store.ConsumeVerificationToken(ctx, "used", models.PurposePasswordReset, now)
	require.NoError(t, err)

	n, err := store.PurgeExpired(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n, "consumed but unexpired tokens stay")

	_, err = store.ConsumeVerificationToken(ctx, "used", models.PurposePasswordReset, now)
	require.ErrorIs(t, err, ErrTokenConsumed)

	n, err = store.PurgeExpired(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.ConsumeVerificationToken(ctx, "used", models.PurposePasswordReset, now)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStorage_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemoryStorage().UserByEmail(ctx, "ada@example.com")
	require.ErrorIs(t, err, context.Canceled)
}
