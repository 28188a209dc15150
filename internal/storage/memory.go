package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"identity_service/internal/models"

	"github.com/gofrs/uuid"
)

// MemoryStorage keeps everything in process. Each method holds the lock for
// its whole check-and-set, matching the transactional behaviour of
// PostgresStorage.
type MemoryStorage struct {
	mu            sync.Mutex
	users         map[uuid.UUID]models.User
	emails        map[string]uuid.UUID
	refreshTokens map[uuid.UUID]models.RefreshToken
	verification  map[string]models.VerificationToken
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		users:         make(map[uuid.UUID]models.User),
		emails:        make(map[string]uuid.UUID),
		refreshTokens: make(map[uuid.UUID]models.RefreshToken),
		verification:  make(map[string]models.VerificationToken),
	}
}

func (m *MemoryStorage) Close() {}

func (m *MemoryStorage) CreateUser(ctx context.Context, user models.User) error {
	const op = "storage.CreateUser"

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	email := models.NormalizeEmail(user.Email)
	if _, ok := m.emails[email]; ok {
		return fmt.Errorf("%s: %w", op, ErrUserExists)
	}

	user.Email = email
	m.users[user.ID] = user
	m.emails[email] = user.ID

	return nil
}

func (m *MemoryStorage) UserByEmail(ctx context.Context, email string) (models.User, error) {
	const op = "storage.UserByEmail"

	if err := ctx.Err(); err != nil {
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.emails[models.NormalizeEmail(email)]
	if !ok {
		return models.User{}, fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	return m.users[id], nil
}

func (m *MemoryStorage) UserByID(ctx context.Context, userID uuid.UUID) (models.User, error) {
	const op = "storage.UserByID"

	if err := ctx.Err(); err != nil {
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[userID]
	if !ok {
		return models.User{}, fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	return user, nil
}

func (m *MemoryStorage) UpdatePasswordHash(ctx context.Context, userID uuid.UUID, passwordHash string) error {
	return m.updateUser(ctx, "storage.UpdatePasswordHash", userID, func(u *models.User) {
		u.PasswordHash = passwordHash
	})
}

func (m *MemoryStorage) DisableUser(ctx context.Context, userID uuid.UUID) error {
	return m.updateUser(ctx, "storage.DisableUser", userID, func(u *models.User) {
		if u.DisabledAt == nil {
			now := time.Now().UTC()
			u.DisabledAt = &now
		}
	})
}

func (m *MemoryStorage) updateUser(ctx context.Context, op string, userID uuid.UUID, mutate func(*models.User)) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[userID]
	if !ok {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	mutate(&user)
	user.UpdatedAt = time.Now().UTC()
	m.users[userID] = user

	return nil
}

func (m *MemoryStorage) CreateRefreshToken(ctx context.Context, token models.RefreshToken) error {
	const op = "storage.CreateRefreshToken"

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.refreshTokens[token.ID] = token

	return nil
}

func (m *MemoryStorage) RefreshTokenByID(ctx context.Context, tokenID uuid.UUID) (models.RefreshToken, error) {
	const op = "storage.RefreshTokenByID"

	if err := ctx.Err(); err != nil {
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	token, ok := m.refreshTokens[tokenID]
	if !ok {
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	return token, nil
}

func (m *MemoryStorage) RotateRefreshToken(ctx context.Context, oldID uuid.UUID, next models.RefreshToken, now time.Time) error {
	const op = "storage.RotateRefreshToken"

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.refreshTokens[oldID]
	if !ok || old.Revoked() || old.ExpiredAt(now) {
		return fmt.Errorf("%s: %w", op, ErrTokenNotActive)
	}

	nextID := next.ID
	old.RevokedAt = &now
	old.RevokeReason = models.RevokeRotated
	old.ReplacedBy = &nextID

	m.refreshTokens[oldID] = old
	m.refreshTokens[next.ID] = next

	return nil
}

func (m *MemoryStorage) RevokeRefreshToken(ctx context.Context, tokenID uuid.UUID, reason models.RevokeReason, now time.Time) error {
	const op = "storage.RevokeRefreshToken"

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.revokeWhere(func(t models.RefreshToken) bool { return t.ID == tokenID }, reason, now)

	return nil
}

func (m *MemoryStorage) RevokeChain(ctx context.Context, chainID uuid.UUID, reason models.RevokeReason, now time.Time) (int64, error) {
	const op = "storage.RevokeChain"

	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.revokeWhere(func(t models.RefreshToken) bool { return t.ChainID == chainID }, reason, now), nil
}

func (m *MemoryStorage) RevokeAllForUser(ctx context.Context, userID uuid.UUID, reason models.RevokeReason, now time.Time) (int64, error) {
	const op = "storage.RevokeAllForUser"

	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.revokeWhere(func(t models.RefreshToken) bool { return t.UserID == userID }, reason, now), nil
}

// revokeWhere must be called with mu held.
func (m *MemoryStorage) revokeWhere(match func(models.RefreshToken) bool, reason models.RevokeReason, now time.Time) int64 {
	var n int64
	for id, token := range m.refreshTokens {
		if token.Revoked() || !match(token) {
			continue
		}
		revokedAt := now
		token.RevokedAt = &revokedAt
		token.RevokeReason = reason
		m.refreshTokens[id] = token
		n++
	}
	return n
}

func (m *MemoryStorage) IssueVerificationToken(ctx context.Context, token models.VerificationToken) error {
	const op = "storage.IssueVerificationToken"

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[token.UserID]; !ok {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	for hash, existing := range m.verification {
		if existing.UserID != token.UserID || existing.Purpose != token.Purpose {
			continue
		}
		if existing.ConsumedAt != nil || existing.InvalidatedAt != nil {
			continue
		}
		invalidatedAt := token.CreatedAt
		existing.InvalidatedAt = &invalidatedAt
		m.verification[hash] = existing
	}

	m.verification[token.TokenHash] = token

	return nil
}

func (m *MemoryStorage) ConsumeVerificationToken(ctx context.Context, tokenHash string, purpose models.Purpose, now time.Time) (uuid.UUID, error) {
	const op = "storage.ConsumeVerificationToken"

	if err := ctx.Err(); err != nil {
		return uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	token, ok := m.verification[tokenHash]
	if !ok || token.Purpose != purpose {
		return uuid.Nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if err := verificationState(token.ExpiresAt, token.ConsumedAt, token.InvalidatedAt, now); err != nil {
		return uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	consumedAt := now
	token.ConsumedAt = &consumedAt
	m.verification[tokenHash] = token

	if purpose == models.PurposeEmailVerify {
		if user, ok := m.users[token.UserID]; ok {
			user.EmailVerified = true
			user.UpdatedAt = now
			m.users[token.UserID] = user
		}
	}

	return token.UserID, nil
}

func (m *MemoryStorage) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	const op = "storage.PurgeExpired"

	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for hash, token := range m.verification {
		if !cutoff.Before(token.ExpiresAt) {
			delete(m.verification, hash)
			n++
		}
	}
	for id, token := range m.refreshTokens {
		if token.ExpiredAt(cutoff) {
			delete(m.refreshTokens, id)
			n++
		}
	}

	return n, nil
}
