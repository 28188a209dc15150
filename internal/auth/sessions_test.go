package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"identity_service/internal/models"
	"identity_service/internal/storage"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMeta = models.ClientMeta{UserAgent: "go-test", IP: "127.0.0.1"}

func newTestTokenService(t *testing.T) (*TokenService, *storage.MemoryStorage) {
	t.Helper()

	store := storage.NewMemoryStorage()
	issuer := NewTokenIssuer(testSecret, "identity_service", 15*time.Minute)

	return NewTokenService(store, issuer, time.Hour), store
}

func TestTokenService_IssueSession(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestTokenService(t)
	userID := uuid.Must(uuid.NewV4())

	pair, err := svc.IssueSession(ctx, userID, testMeta)
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.True(t, pair.RefreshExpiresAt.After(pair.AccessExpiresAt))

	got, err := svc.Authenticate(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, userID, got)

	id, secret, err := ParseRefreshToken(pair.RefreshToken)
	require.NoError(t, err)

	record, err := store.RefreshTokenByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, userID, record.UserID)
	assert.Equal(t, "go-test", record.UserAgent)
	assert.NotEqual(t, secret, record.TokenHash, "only the hash is stored")
	assert.Equal(t, HashToken(secret), record.TokenHash)
}

func TestTokenService_Rotate(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestTokenService(t)
	userID := uuid.Must(uuid.NewV4())

	first, err := svc.IssueSession(ctx, userID, testMeta)
	require.NoError(t, err)

	second, owner, err := svc.Rotate(ctx, first.RefreshToken, testMeta)
	require.NoError(t, err)
	assert.Equal(t, userID, owner)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	firstID, _, _ := ParseRefreshToken(first.RefreshToken)
	secondID, _, _ := ParseRefreshToken(second.RefreshToken)

	old, err := store.RefreshTokenByID(ctx, firstID)
	require.NoError(t, err)
	assert.Equal(t, models.RevokeRotated, old.RevokeReason)
	require.NotNil(t, old.ReplacedBy)
	assert.Equal(t, secondID, *old.ReplacedBy)

	next, err := store.RefreshTokenByID(ctx, secondID)
	require.NoError(t, err)
	assert.Equal(t, old.ChainID, next.ChainID)
	assert.False(t, next.Revoked())
}

func TestTokenService_RotateReuseRevokesChain(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestTokenService(t)
	userID := uuid.Must(uuid.NewV4())

	first, err := svc.IssueSession(ctx, userID, testMeta)
	require.NoError(t, err)
	second, _, err := svc.Rotate(ctx, first.RefreshToken, testMeta)
	require.NoError(t, err)

	_, owner, err := svc.Rotate(ctx, first.RefreshToken, testMeta)
	require.ErrorIs(t, err, ErrTokenReuse)
	assert.Equal(t, userID, owner)

	secondID, _, _ := ParseRefreshToken(second.RefreshToken)
	latest, err := store.RefreshTokenByID(ctx, secondID)
	require.NoError(t, err)
	assert.True(t, latest.Revoked())
	assert.Equal(t, models.RevokeReuse, latest.RevokeReason)

	_, _, err = svc.Rotate(ctx, second.RefreshToken, testMeta)
	require.ErrorIs(t, err, ErrTokenReuse, "a token burned by reuse stays burned")
}

func TestTokenService_RotateInvalid(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestTokenService(t)
	userID := uuid.Must(uuid.NewV4())

	pair, err := svc.IssueSession(ctx, userID, testMeta)
	require.NoError(t, err)
	id, _, err := ParseRefreshToken(pair.RefreshToken)
	require.NoError(t, err)

	forged := EncodeRefreshToken(id, "not-the-secret")
	unknown := EncodeRefreshToken(uuid.Must(uuid.NewV4()), "secret")

	for name, token := range map[string]string{
		"malformed":    "garbage",
		"unknown":      unknown,
		"wrong secret": forged,
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := svc.Rotate(ctx, token, testMeta)
			require.ErrorIs(t, err, ErrInvalidRefreshToken)
		})
	}

	record, err := store.RefreshTokenByID(ctx, id)
	require.NoError(t, err)
	assert.False(t, record.Revoked(), "failed attempts must not revoke the real session")
}

func TestTokenService_RotateExpired(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestTokenService(t)

	pair, err := svc.IssueSession(ctx, uuid.Must(uuid.NewV4()), testMeta)
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	_, _, err = svc.Rotate(ctx, pair.RefreshToken, testMeta)
	require.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestTokenService_RotateConcurrent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestTokenService(t)

	pair, err := svc.IssueSession(ctx, uuid.Must(uuid.NewV4()), testMeta)
	require.NoError(t, err)

	const callers = 8
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, errs[i] = svc.Rotate(ctx, pair.RefreshToken, testMeta)
		}()
	}
	wg.Wait()

	var succeeded int
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, ErrTokenReuse) || errors.Is(err, ErrInvalidRefreshToken), err)
	}
	assert.Equal(t, 1, succeeded)
}

func TestTokenService_RevokeAfterLogoutIsInvalid(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestTokenService(t)

	pair, err := svc.IssueSession(ctx, uuid.Must(uuid.NewV4()), testMeta)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, pair.RefreshToken))
	require.NoError(t, svc.Revoke(ctx, pair.RefreshToken), "logout is idempotent")
	require.NoError(t, svc.Revoke(ctx, "garbage"))

	_, _, err = svc.Rotate(ctx, pair.RefreshToken, testMeta)
	require.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestTokenService_RevokeAll(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestTokenService(t)
	userID := uuid.Must(uuid.NewV4())

	var pairs []models.TokenPair
	for range 3 {
		pair, err := svc.IssueSession(ctx, userID, testMeta)
		require.NoError(t, err)
		pairs = append(pairs, pair)
	}

	n, err := svc.RevokeAll(ctx, userID, models.RevokePasswordReset)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for _, pair := range pairs {
		_, _, err := svc.Rotate(ctx, pair.RefreshToken, testMeta)
		require.ErrorIs(t, err, ErrInvalidRefreshToken)
	}
}
