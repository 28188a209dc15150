package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"identity_service/internal/models"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	usersTable              = "users"
	refreshTokensTable      = "refresh_tokens"
	verificationTokensTable = "verification_tokens"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrUserExists       = errors.New("user already exists")
	ErrTokenNotActive   = errors.New("token is revoked or expired")
	ErrTokenExpired     = errors.New("token expired")
	ErrTokenConsumed    = errors.New("token already consumed")
	ErrTokenInvalidated = errors.New("token superseded")
)

type UserStorage interface {
	// CreateUser fails with ErrUserExists when the email is taken. The check
	// is the unique index, not a prior read.
	CreateUser(ctx context.Context, user models.User) error
	UserByEmail(ctx context.Context, email string) (models.User, error)
	UserByID(ctx context.Context, userID uuid.UUID) (models.User, error)
	UpdatePasswordHash(ctx context.Context, userID uuid.UUID, passwordHash string) error
	DisableUser(ctx context.Context, userID uuid.UUID) error
}

type SessionStorage interface {
	CreateRefreshToken(ctx context.Context, token models.RefreshToken) error
	RefreshTokenByID(ctx context.Context, tokenID uuid.UUID) (models.RefreshToken, error)
	// RotateRefreshToken retires oldID and stores next in one transaction.
	// It fails with ErrTokenNotActive when oldID was already revoked or has
	// expired, so at most one caller can rotate a given token.
	RotateRefreshToken(ctx context.Context, oldID uuid.UUID, next models.RefreshToken, now time.Time) error
	RevokeRefreshToken(ctx context.Context, tokenID uuid.UUID, reason models.RevokeReason, now time.Time) error
	RevokeChain(ctx context.Context, chainID uuid.UUID, reason models.RevokeReason, now time.Time) (int64, error)
	RevokeAllForUser(ctx context.Context, userID uuid.UUID, reason models.RevokeReason, now time.Time) (int64, error)
}

type VerificationStorage interface {
	// IssueVerificationToken invalidates every unconsumed token of the same
	// user and purpose, then stores token.
	IssueVerificationToken(ctx context.Context, token models.VerificationToken) error
	// ConsumeVerificationToken marks the token consumed if it is still
	// redeemable and returns its owner. For PurposeEmailVerify the owner's
	// email_verified flag is set in the same transaction.
	ConsumeVerificationToken(ctx context.Context, tokenHash string, purpose models.Purpose, now time.Time) (uuid.UUID, error)
	// PurgeExpired deletes verification tokens and sessions whose expiry is
	// at or before cutoff, whatever their state.
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

type Storage interface {
	UserStorage
	SessionStorage
	VerificationStorage

	Close()
}

// DB is the subset of *pgxpool.Pool used here; pgxmock implements it too.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

type PostgresStorage struct {
	db      DB
	timeout time.Duration
}

func NewPostgresStorage(ctx context.Context, dbURL string, timeout time.Duration) (*PostgresStorage, error) {
	const op = "storage.NewPostgresStorage"

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return NewPostgresStorageFromDB(pool, timeout), nil
}

func NewPostgresStorageFromDB(db DB, timeout time.Duration) *PostgresStorage {
	return &PostgresStorage{
		db:      db,
		timeout: timeout,
	}
}

// withTimeout bounds every storage call so a stuck database surfaces as an
// error instead of a hung request.
func (p *PostgresStorage) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.timeout)
}

// withTx runs fn in one transaction: commit when fn succeeds, otherwise a
// single rollback. Panics roll back and are rethrown.
func (p *PostgresStorage) withTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(ctx)
			panic(r)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()

	return fn(tx)
}

func (p *PostgresStorage) Close() {
	p.db.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func parseOptionalUUID(s *string) (*uuid.UUID, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	id, err := uuid.FromString(*s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
