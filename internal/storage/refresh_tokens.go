package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"identity_service/internal/models"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const refreshTokenColumns = `id::text, user_id::text, chain_id::text, token_hash, user_agent, ip,
	created_at, expires_at, revoked_at, COALESCE(revoke_reason, ''), replaced_by::text`

func (p *PostgresStorage) CreateRefreshToken(ctx context.Context, token models.RefreshToken) error {
	const op = "storage.CreateRefreshToken"

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	if err := insertRefreshToken(ctx, p.db, token); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (p *PostgresStorage) RefreshTokenByID(ctx context.Context, tokenID uuid.UUID) (models.RefreshToken, error) {
	const op = "storage.RefreshTokenByID"

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", refreshTokenColumns, refreshTokensTable)

	token, err := scanRefreshToken(p.db.QueryRow(ctx, query, tokenID.String()))
	if err != nil {
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, err)
	}

	return token, nil
}

func (p *PostgresStorage) RotateRefreshToken(ctx context.Context, oldID uuid.UUID, next models.RefreshToken, now time.Time) error {
	const op = "storage.RotateRefreshToken"

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	retire := fmt.Sprintf(`UPDATE %s
	   SET revoked_at = $2, revoke_reason = $3, replaced_by = $4
	 WHERE id = $1 AND revoked_at IS NULL AND expires_at > $2`, refreshTokensTable)

	err := p.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, retire, oldID.String(), now, string(models.RevokeRotated), next.ID.String())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrTokenNotActive
		}
		return insertRefreshToken(ctx, tx, next)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (p *PostgresStorage) RevokeRefreshToken(ctx context.Context, tokenID uuid.UUID, reason models.RevokeReason, now time.Time) error {
	const op = "storage.RevokeRefreshToken"

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`UPDATE %s
	   SET revoked_at = $2, revoke_reason = $3
	 WHERE id = $1 AND revoked_at IS NULL`, refreshTokensTable)

	if _, err := p.db.Exec(ctx, query, tokenID.String(), now, string(reason)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (p *PostgresStorage) RevokeChain(ctx context.Context, chainID uuid.UUID, reason models.RevokeReason, now time.Time) (int64, error) {
	const op = "storage.RevokeChain"

	query := fmt.Sprintf(`UPDATE %s
	   SET revoked_at = $2, revoke_reason = $3
	 WHERE chain_id = $1 AND revoked_at IS NULL`, refreshTokensTable)

	return p.revokeMany(ctx, op, query, chainID.String(), now, string(reason))
}

func (p *PostgresStorage) RevokeAllForUser(ctx context.Context, userID uuid.UUID, reason models.RevokeReason, now time.Time) (int64, error) {
	const op = "storage.RevokeAllForUser"

	query := fmt.Sprintf(`UPDATE %s
	   SET revoked_at = $2, revoke_reason = $3
	 WHERE user_id = $1 AND revoked_at IS NULL`, refreshTokensTable)

	return p.revokeMany(ctx, op, query, userID.String(), now, string(reason))
}

func (p *PostgresStorage) revokeMany(ctx context.Context, op, query string, args ...any) (int64, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	tag, err := p.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return tag.RowsAffected(), nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertRefreshToken(ctx context.Context, db execer, token models.RefreshToken) error {
	query := fmt.Sprintf(`INSERT INTO %s(id, user_id, chain_id, token_hash, user_agent, ip, created_at, expires_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, refreshTokensTable)

	_, err := db.Exec(ctx, query,
		token.ID.String(),
		token.UserID.String(),
		token.ChainID.String(),
		token.TokenHash,
		token.UserAgent,
		token.IP,
		token.CreatedAt,
		token.ExpiresAt,
	)
	return err
}

func scanRefreshToken(row pgx.Row) (models.RefreshToken, error) {
	var (
		token               models.RefreshToken
		id, userID, chainID string
		reason              string
		replacedBy          *string
	)

	err := row.Scan(
		&id,
		&userID,
		&chainID,
		&token.TokenHash,
		&token.UserAgent,
		&token.IP,
		&token.CreatedAt,
		&token.ExpiresAt,
		&token.RevokedAt,
		&reason,
		&replacedBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.RefreshToken{}, ErrNotFound
		}
		return models.RefreshToken{}, err
	}

	if token.ID, err = uuid.FromString(id); err != nil {
		return models.RefreshToken{}, err
	}
	if token.UserID, err = uuid.FromString(userID); err != nil {
		return models.RefreshToken{}, err
	}
	if token.ChainID, err = uuid.FromString(chainID); err != nil {
		return models.RefreshToken{}, err
	}
	if token.ReplacedBy, err = parseOptionalUUID(replacedBy); err != nil {
		return models.RefreshToken{}, err
	}
	token.RevokeReason = models.RevokeReason(reason)

	return token, nil
}
