package models

import (
	"strings"
	"time"

	"github.com/gofrs/uuid"
)

type User struct {
	ID            uuid.UUID  `json:"id"`
	Email         string     `json:"email"`
	PasswordHash  string     `json:"-"`
	FirstName     string     `json:"firstName"`
	LastName      string     `json:"lastName"`
	EmailVerified bool       `json:"emailVerified"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	DisabledAt    *time.Time `json:"-"`
}

func (u *User) Disabled() bool {
	return u.DisabledAt != nil
}

// NormalizeEmail is the canonical form used for storage and lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type Purpose string

const (
	PurposeEmailVerify   Purpose = "email_verify"
	PurposePasswordReset Purpose = "password_reset"
)

func (p Purpose) Valid() bool {
	return p == PurposeEmailVerify || p == PurposePasswordReset
}

// VerificationToken is a single-use secret bound to one user. Only the
// SHA-256 of the plaintext is kept.
type VerificationToken struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	Purpose       Purpose
	TokenHash     string
	ExpiresAt     time.Time
	CreatedAt     time.Time
	ConsumedAt    *time.Time
	InvalidatedAt *time.Time
}

type RevokeReason string

const (
	RevokeRotated       RevokeReason = "rotated"
	RevokeLogout        RevokeReason = "logout"
	RevokeReuse         RevokeReason = "reuse"
	RevokePasswordReset RevokeReason = "password_reset"
)

// RefreshToken is one member of a rotation chain. Its ID is the public part
// of the refresh token handed to the client.
type RefreshToken struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	ChainID      uuid.UUID
	TokenHash    string
	UserAgent    string
	IP           string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	RevokedAt    *time.Time
	RevokeReason RevokeReason
	ReplacedBy   *uuid.UUID
}

func (t *RefreshToken) Revoked() bool {
	return t.RevokedAt != nil
}

func (t *RefreshToken) ExpiredAt(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// ClientMeta describes the device a session was issued to.
type ClientMeta struct {
	UserAgent string
	IP        string
}

type TokenPair struct {
	AccessToken      string    `json:"accessToken"`
	AccessExpiresAt  time.Time `json:"accessTokenExpiresAt"`
	RefreshToken     string    `json:"refreshToken"`
	RefreshExpiresAt time.Time `json:"refreshTokenExpiresAt"`
}
