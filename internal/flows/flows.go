// Package flows issues and redeems the single-use tokens behind email
// verification and password reset.
package flows

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"identity_service/internal/auth"
	"identity_service/internal/models"
	"identity_service/internal/storage"

	"github.com/gofrs/uuid"
)

var (
	ErrTokenNotFound    = errors.New("verification token not found")
	ErrTokenExpired     = errors.New("verification token expired")
	ErrTokenAlreadyUsed = errors.New("verification token already used")
	ErrUnknownPurpose   = errors.New("unknown token purpose")
)

type Manager struct {
	store     storage.VerificationStorage
	verifyTTL time.Duration
	resetTTL  time.Duration
	retention time.Duration
	now       func() time.Time
}

// NewManager keeps expired, consumed and superseded tokens for retention past
// their expiry, so late redemptions still report why they fail.
func NewManager(store storage.VerificationStorage, verifyTTL, resetTTL, retention time.Duration) *Manager {
	return &Manager{
		store:     store,
		verifyTTL: verifyTTL,
		resetTTL:  resetTTL,
		retention: retention,
		now:       time.Now,
	}
}

// Issue creates a token for userID and returns its plaintext. Earlier
// unconsumed tokens of the same purpose stop being redeemable.
func (m *Manager) Issue(ctx context.Context, userID uuid.UUID, purpose models.Purpose) (string, error) {
	const op = "flows.Issue"

	ttl, err := m.ttl(purpose)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	plaintext, err := auth.RandomToken(auth.SecretBytes)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	now := m.now().UTC()
	token := models.VerificationToken{
		ID:        id,
		UserID:    userID,
		Purpose:   purpose,
		TokenHash: auth.HashToken(plaintext),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	if err := m.store.IssueVerificationToken(ctx, token); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return plaintext, nil
}

// Redeem consumes token and returns its owner. A token succeeds at most once.
func (m *Manager) Redeem(ctx context.Context, token string, purpose models.Purpose) (uuid.UUID, error) {
	const op = "flows.Redeem"

	if !purpose.Valid() {
		return uuid.Nil, fmt.Errorf("%s: %w", op, ErrUnknownPurpose)
	}
	if !wellFormed(token) {
		return uuid.Nil, fmt.Errorf("%s: %w", op, ErrTokenNotFound)
	}

	userID, err := m.store.ConsumeVerificationToken(ctx, auth.HashToken(token), purpose, m.now().UTC())
	switch {
	case err == nil:
		return userID, nil
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrTokenInvalidated):
		return uuid.Nil, fmt.Errorf("%s: %w", op, ErrTokenNotFound)
	case errors.Is(err, storage.ErrTokenExpired):
		return uuid.Nil, fmt.Errorf("%s: %w", op, ErrTokenExpired)
	case errors.Is(err, storage.ErrTokenConsumed):
		return uuid.Nil, fmt.Errorf("%s: %w", op, ErrTokenAlreadyUsed)
	default:
		return uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}
}

// Purge deletes tokens and sessions that expired more than the retention
// period ago.
func (m *Manager) Purge(ctx context.Context) (int64, error) {
	const op = "flows.Purge"

	n, err := m.store.PurgeExpired(ctx, m.now().UTC().Add(-m.retention))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return n, nil
}

// RunJanitor calls Purge every interval until ctx is done.
func (m *Manager) RunJanitor(ctx context.Context, log *slog.Logger, every time.Duration) {
	const op = "flows.RunJanitor"

	log = log.With(slog.String("op", op))

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.Purge(ctx)
			if err != nil {
				log.Error("purge failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				log.Info("purged expired tokens", slog.Int64("count", n))
			}
		}
	}
}

func (m *Manager) ttl(purpose models.Purpose) (time.Duration, error) {
	switch purpose {
	case models.PurposeEmailVerify:
		return m.verifyTTL, nil
	case models.PurposePasswordReset:
		return m.resetTTL, nil
	default:
		return 0, ErrUnknownPurpose
	}
}

func wellFormed(token string) bool {
	if len(token) != 2*auth.SecretBytes {
		return false
	}
	_, err := hex.DecodeString(token)
	return err == nil
}
