package storage

import (
	"context"
	"errors"
	"fmt"

	"identity_service/internal/models"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
)

const userColumns = "id::text, email, password_hash, first_name, last_name, email_verified, created_at, updated_at, disabled_at"

func (p *PostgresStorage) CreateUser(ctx context.Context, user models.User) error {
	const op = "storage.CreateUser"

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`INSERT INTO %s(id, email, password_hash, first_name, last_name, email_verified, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, usersTable)

	_, err := p.db.Exec(ctx, query,
		user.ID.String(),
		models.NormalizeEmail(user.Email),
		user.PasswordHash,
		user.FirstName,
		user.LastName,
		user.EmailVerified,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s: %w", op, ErrUserExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (p *PostgresStorage) UserByEmail(ctx context.Context, email string) (models.User, error) {
	const op = "storage.UserByEmail"

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE lower(email) = $1", userColumns, usersTable)

	user, err := scanUser(p.db.QueryRow(ctx, query, models.NormalizeEmail(email)))
	if err != nil {
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (p *PostgresStorage) UserByID(ctx context.Context, userID uuid.UUID) (models.User, error) {
	const op = "storage.UserByID"

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", userColumns, usersTable)

	user, err := scanUser(p.db.QueryRow(ctx, query, userID.String()))
	if err != nil {
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (p *PostgresStorage) UpdatePasswordHash(ctx context.Context, userID uuid.UUID, passwordHash string) error {
	const op = "storage.UpdatePasswordHash"

	query := fmt.Sprintf("UPDATE %s SET password_hash = $2, updated_at = now() WHERE id = $1", usersTable)

	return p.execOne(ctx, op, query, userID.String(), passwordHash)
}

func (p *PostgresStorage) DisableUser(ctx context.Context, userID uuid.UUID) error {
	const op = "storage.DisableUser"

	query := fmt.Sprintf(`UPDATE %s SET disabled_at = COALESCE(disabled_at, now()), updated_at = now() WHERE id = $1`, usersTable)

	return p.execOne(ctx, op, query, userID.String())
}

// execOne runs a single-row update and reports ErrNotFound when no row matched.
func (p *PostgresStorage) execOne(ctx context.Context, op, query string, args ...any) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	tag, err := p.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	return nil
}

func scanUser(row pgx.Row) (models.User, error) {
	var (
		user models.User
		id   string
	)

	err := row.Scan(
		&id,
		&user.Email,
		&user.PasswordHash,
		&user.FirstName,
		&user.LastName,
		&user.EmailVerified,
		&user.CreatedAt,
		&user.UpdatedAt,
		&user.DisabledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, ErrNotFound
		}
		return models.User{}, err
	}

	user.ID, err = uuid.FromString(id)
	if err != nil {
		return models.User{}, err
	}

	return user, nil
}
