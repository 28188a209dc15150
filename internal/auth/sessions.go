package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"identity_service/internal/models"
	"identity_service/internal/storage"

	"github.com/gofrs/uuid"
)

var (
	// ErrInvalidRefreshToken covers malformed, unknown, expired and revoked
	// tokens alike.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	// ErrTokenReuse means a rotated token was presented again. Its chain has
	// been revoked by the time this is returned.
	ErrTokenReuse = errors.New("refresh token reuse detected")
)

// TokenService issues access tokens and manages refresh token chains.
type TokenService struct {
	store      storage.SessionStorage
	issuer     *TokenIssuer
	refreshTTL time.Duration
	now        func() time.Time
}

func NewTokenService(store storage.SessionStorage, issuer *TokenIssuer, refreshTTL time.Duration) *TokenService {
	return &TokenService{
		store:      store,
		issuer:     issuer,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// Authenticate resolves an access token to its user.
func (s *TokenService) Authenticate(accessToken string) (uuid.UUID, error) {
	return s.issuer.ParseAccessToken(accessToken)
}

// IssueSession starts a new rotation chain for userID.
func (s *TokenService) IssueSession(ctx context.Context, userID uuid.UUID, meta models.ClientMeta) (models.TokenPair, error) {
	const op = "auth.IssueSession"

	chainID, err := uuid.NewV4()
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	record, refresh, err := s.newRefreshToken(userID, chainID, meta)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := s.store.CreateRefreshToken(ctx, record); err != nil {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	pair, err := s.pair(userID, refresh, record.ExpiresAt)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	return pair, nil
}

// Rotate exchanges a refresh token for a new pair in the same chain. The
// returned user id is set whenever the token could be attributed, including
// on ErrTokenReuse.
func (s *TokenService) Rotate(ctx context.Context, refreshToken string, meta models.ClientMeta) (models.TokenPair, uuid.UUID, error) {
	const op = "auth.Rotate"

	current, err := s.lookup(ctx, refreshToken)
	if err != nil {
		return models.TokenPair{}, uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	now := s.now().UTC()

	if current.ExpiredAt(now) {
		return models.TokenPair{}, current.UserID, fmt.Errorf("%s: %w", op, ErrInvalidRefreshToken)
	}
	if current.Revoked() {
		return models.TokenPair{}, current.UserID, fmt.Errorf("%s: %w", op, s.revoked(ctx, current, now))
	}

	record, refresh, err := s.newRefreshToken(current.UserID, current.ChainID, meta)
	if err != nil {
		return models.TokenPair{}, current.UserID, fmt.Errorf("%s: %w", op, err)
	}

	err = s.store.RotateRefreshToken(ctx, current.ID, record, now)
	if errors.Is(err, storage.ErrTokenNotActive) {
		// Lost a race with another rotation or revocation of the same token.
		latest, lookupErr := s.store.RefreshTokenByID(ctx, current.ID)
		if lookupErr != nil {
			return models.TokenPair{}, current.UserID, fmt.Errorf("%s: %w", op, lookupErr)
		}
		if latest.Revoked() {
			return models.TokenPair{}, current.UserID, fmt.Errorf("%s: %w", op, s.revoked(ctx, latest, now))
		}
		return models.TokenPair{}, current.UserID, fmt.Errorf("%s: %w", op, ErrInvalidRefreshToken)
	}
	if err != nil {
		return models.TokenPair{}, current.UserID, fmt.Errorf("%s: %w", op, err)
	}

	pair, err := s.pair(current.UserID, refresh, record.ExpiresAt)
	if err != nil {
		return models.TokenPair{}, current.UserID, fmt.Errorf("%s: %w", op, err)
	}

	return pair, current.UserID, nil
}

// Revoke ends the session behind refreshToken. Tokens that do not resolve
// to a stored session are ignored, so logout is idempotent.
func (s *TokenService) Revoke(ctx context.Context, refreshToken string) error {
	const op = "auth.Revoke"

	current, err := s.lookup(ctx, refreshToken)
	if errors.Is(err, ErrInvalidRefreshToken) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := s.store.RevokeRefreshToken(ctx, current.ID, models.RevokeLogout, s.now().UTC()); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// RevokeAll revokes every active session of userID.
func (s *TokenService) RevokeAll(ctx context.Context, userID uuid.UUID, reason models.RevokeReason) (int64, error) {
	const op = "auth.RevokeAll"

	n, err := s.store.RevokeAllForUser(ctx, userID, reason, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return n, nil
}

// lookup resolves refreshToken to its stored record and checks the secret.
func (s *TokenService) lookup(ctx context.Context, refreshToken string) (models.RefreshToken, error) {
	id, secret, err := ParseRefreshToken(refreshToken)
	if err != nil {
		return models.RefreshToken{}, ErrInvalidRefreshToken
	}

	record, err := s.store.RefreshTokenByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return models.RefreshToken{}, ErrInvalidRefreshToken
	}
	if err != nil {
		return models.RefreshToken{}, err
	}

	if !TokenHashEqual(secret, record.TokenHash) {
		return models.RefreshToken{}, ErrInvalidRefreshToken
	}

	return record, nil
}

// revoked handles a presented token that is already revoked. A token retired
// by rotation, or one already caught in reuse, burns its whole chain.
func (s *TokenService) revoked(ctx context.Context, token models.RefreshToken, now time.Time) error {
	switch token.RevokeReason {
	case models.RevokeRotated, models.RevokeReuse:
		if _, err := s.store.RevokeChain(ctx, token.ChainID, models.RevokeReuse, now); err != nil {
			return err
		}
		return ErrTokenReuse
	default:
		return ErrInvalidRefreshToken
	}
}

func (s *TokenService) newRefreshToken(userID, chainID uuid.UUID, meta models.ClientMeta) (models.RefreshToken, string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return models.RefreshToken{}, "", err
	}

	secret, err := RandomToken(SecretBytes)
	if err != nil {
		return models.RefreshToken{}, "", err
	}

	now := s.now().UTC()
	record := models.RefreshToken{
		ID:        id,
		UserID:    userID,
		ChainID:   chainID,
		TokenHash: HashToken(secret),
		UserAgent: meta.UserAgent,
		IP:        meta.IP,
		CreatedAt: now,
		ExpiresAt: now.Add(s.refreshTTL),
	}

	return record, EncodeRefreshToken(id, secret), nil
}

func (s *TokenService) pair(userID uuid.UUID, refresh string, refreshExpiresAt time.Time) (models.TokenPair, error) {
	access, accessExpiresAt, err := s.issuer.IssueAccessToken(userID)
	if err != nil {
		return models.TokenPair{}, err
	}

	return models.TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExpiresAt,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExpiresAt,
	}, nil
}
