package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"identity_service/internal/models"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
)

func (p *PostgresStorage) IssueVerificationToken(ctx context.Context, token models.VerificationToken) error {
	const op = "storage.IssueVerificationToken"

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	// Issuers for the same user queue on the user row, so each one sees the
	// token committed before it and invalidates it.
	lock := fmt.Sprintf("SELECT 1 FROM %s WHERE id = $1 FOR UPDATE", usersTable)

	invalidate := fmt.Sprintf(`UPDATE %s
	   SET invalidated_at = $3
	 WHERE user_id = $1 AND purpose = $2 AND consumed_at IS NULL AND invalidated_at IS NULL`, verificationTokensTable)

	insert := fmt.Sprintf(`INSERT INTO %s(id, user_id, purpose, token_hash, expires_at, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)`, verificationTokensTable)

	err := p.withTx(ctx, func(tx pgx.Tx) error {
		var one int
		if err := tx.QueryRow(ctx, lock, token.UserID.String()).Scan(&one); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		if _, err := tx.Exec(ctx, invalidate, token.UserID.String(), string(token.Purpose), token.CreatedAt); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, insert,
			token.ID.String(),
			token.UserID.String(),
			string(token.Purpose),
			token.TokenHash,
			token.ExpiresAt,
			token.CreatedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (p *PostgresStorage) ConsumeVerificationToken(ctx context.Context, tokenHash string, purpose models.Purpose, now time.Time) (uuid.UUID, error) {
	const op = "storage.ConsumeVerificationToken"

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	consume := fmt.Sprintf(`UPDATE %s
	   SET consumed_at = $3
	 WHERE token_hash = $1 AND purpose = $2
	   AND consumed_at IS NULL AND invalidated_at IS NULL AND expires_at > $3
	RETURNING user_id::text`, verificationTokensTable)

	verify := fmt.Sprintf("UPDATE %s SET email_verified = TRUE, updated_at = $2 WHERE id = $1", usersTable)

	var userID uuid.UUID

	err := p.withTx(ctx, func(tx pgx.Tx) error {
		var raw string
		err := tx.QueryRow(ctx, consume, tokenHash, string(purpose), now).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return classifyVerificationToken(ctx, tx, tokenHash, purpose, now)
		}
		if err != nil {
			return err
		}

		if userID, err = uuid.FromString(raw); err != nil {
			return err
		}

		if purpose == models.PurposeEmailVerify {
			if _, err := tx.Exec(ctx, verify, userID.String(), now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	return userID, nil
}

// classifyVerificationToken explains why a consume matched no row. It never
// changes state.
func classifyVerificationToken(ctx context.Context, tx pgx.Tx, tokenHash string, purpose models.Purpose, now time.Time) error {
	query := fmt.Sprintf(`SELECT expires_at, consumed_at, invalidated_at
	  FROM %s WHERE token_hash = $1 AND purpose = $2`, verificationTokensTable)

	var (
		expiresAt     time.Time
		consumedAt    *time.Time
		invalidatedAt *time.Time
	)

	err := tx.QueryRow(ctx, query, tokenHash, string(purpose)).Scan(&expiresAt, &consumedAt, &invalidatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	if err := verificationState(expiresAt, consumedAt, invalidatedAt, now); err != nil {
		return err
	}
	return ErrNotFound
}

// verificationState orders failures: consumed first, then superseded, then
// expired. A token that is none of these is redeemable and yields nil.
func verificationState(expiresAt time.Time, consumedAt, invalidatedAt *time.Time, now time.Time) error {
	switch {
	case consumedAt != nil:
		return ErrTokenConsumed
	case invalidatedAt != nil:
		return ErrTokenInvalidated
	case !now.Before(expiresAt):
		return ErrTokenExpired
	}
	return nil
}

func (p *PostgresStorage) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	const op = "storage.PurgeExpired"

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	tokens := fmt.Sprintf("DELETE FROM %s WHERE expires_at <= $1", verificationTokensTable)
	sessions := fmt.Sprintf("DELETE FROM %s WHERE expires_at <= $1", refreshTokensTable)

	var total int64

	err := p.withTx(ctx, func(tx pgx.Tx) error {
		for _, query := range []string{tokens, sessions} {
			tag, err := tx.Exec(ctx, query, cutoff)
			if err != nil {
				return err
			}
			total += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return total, nil
}
