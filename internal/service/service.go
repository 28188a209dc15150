package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"identity_service/internal/apperr"
	"identity_service/internal/auth"
	"identity_service/internal/flows"
	"identity_service/internal/limiter"
	"identity_service/internal/mail"
	"identity_service/internal/metrics"
	"identity_service/internal/models"
	"identity_service/internal/storage"

	"github.com/gofrs/uuid"
)

type Service interface {
	Register(ctx context.Context, in RegisterInput, meta models.ClientMeta) (AuthResult, error)
	Login(ctx context.Context, in LoginInput, meta models.ClientMeta) (AuthResult, error)
	VerifyEmail(ctx context.Context, in TokenInput) error
	ResendVerification(ctx context.Context, in EmailInput, meta models.ClientMeta) error
	ForgotPassword(ctx context.Context, in EmailInput, meta models.ClientMeta) error
	ResetPassword(ctx context.Context, in ResetPasswordInput) error
	RefreshTokens(ctx context.Context, refreshToken string, meta models.ClientMeta) (models.TokenPair, error)
	Logout(ctx context.Context, refreshToken string) error
	Authenticate(accessToken string) (uuid.UUID, error)
	Profile(ctx context.Context, userID uuid.UUID) (models.User, error)
	DisableAccount(ctx context.Context, email string) error
}

// AuthResult is what register and login hand back to the client.
type AuthResult struct {
	User models.User `json:"user"`
	models.TokenPair
}

type Deps struct {
	Storage storage.UserStorage
	Tokens  *auth.TokenService
	Flows   *flows.Manager
	Hashes  *auth.HashPool
	Guard   limiter.Guard
	Mailer  mail.Sender
	Log     *slog.Logger

	// KeepSessionsOnReset leaves existing sessions alive after a password
	// reset.
	KeepSessionsOnReset bool
}

type service struct {
	storage             storage.UserStorage
	tokens              *auth.TokenService
	flows               *flows.Manager
	hashes              *auth.HashPool
	guard               limiter.Guard
	mailer              mail.Sender
	log                 *slog.Logger
	keepSessionsOnReset bool
	now                 func() time.Time
}

func NewService(d Deps) *service {
	guard := d.Guard
	if guard == nil {
		guard = limiter.NoopGuard{}
	}

	return &service{
		storage:             d.Storage,
		tokens:              d.Tokens,
		flows:               d.Flows,
		hashes:              d.Hashes,
		guard:               guard,
		mailer:              d.Mailer,
		log:                 d.Log,
		keepSessionsOnReset: d.KeepSessionsOnReset,
		now:                 time.Now,
	}
}

func (s *service) Register(ctx context.Context, in RegisterInput, meta models.ClientMeta) (AuthResult, error) {
	const op = "service.Register"

	log := s.log.With(slog.String("op", op))

	in.Email = models.NormalizeEmail(in.Email)
	if err := validateInput(in); err != nil {
		return AuthResult{}, err
	}

	passwordHash, err := s.hashes.Hash(ctx, in.Password)
	if err != nil {
		return AuthResult{}, apperr.Unavailable(op, err)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return AuthResult{}, fmt.Errorf("%s: %w", op, err)
	}

	now := s.now().UTC()
	user := models.User{
		ID:           id,
		Email:        in.Email,
		PasswordHash: passwordHash,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.storage.CreateUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			metrics.RecordOperation("register", metrics.ResultFailure)
			return AuthResult{}, apperr.New(apperr.CodeDuplicateAccount)
		}
		return AuthResult{}, apperr.Unavailable(op, err)
	}

	// The account exists at this point. A lost verification mail can be
	// requested again, so it does not fail the registration.
	s.sendToken(ctx, log, user, models.PurposeEmailVerify, mail.KindEmailVerification)

	pair, err := s.tokens.IssueSession(ctx, user.ID, meta)
	if err != nil {
		return AuthResult{}, apperr.Unavailable(op, err)
	}

	metrics.RecordOperation("register", metrics.ResultSuccess)
	log.Info("user registered", slog.String("user_id", user.ID.String()))

	return AuthResult{User: user, TokenPair: pair}, nil
}

func (s *service) Login(ctx context.Context, in LoginInput, meta models.ClientMeta) (AuthResult, error) {
	const op = "service.Login"

	log := s.log.With(slog.String("op", op))

	in.Email = models.NormalizeEmail(in.Email)
	if err := validateInput(in); err != nil {
		return AuthResult{}, err
	}

	if err := s.guard.CheckLogin(ctx, in.Email, meta.IP); err != nil {
		return AuthResult{}, s.guardError(op, "login", err)
	}

	user, err := s.storage.UserByEmail(ctx, in.Email)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return AuthResult{}, apperr.Unavailable(op, err)
	}

	var matched bool
	if errors.Is(err, storage.ErrNotFound) {
		if err := s.hashes.CompareDummy(ctx, in.Password); err != nil {
			return AuthResult{}, apperr.Unavailable(op, err)
		}
	} else {
		matched, err = s.hashes.Compare(ctx, user.PasswordHash, in.Password)
		if err != nil {
			return AuthResult{}, apperr.Unavailable(op, err)
		}
	}

	if !matched || user.Disabled() {
		if err := s.guard.RecordLoginFailure(ctx, in.Email, meta.IP); err != nil {
			log.Warn("failed to record login failure", slog.Any("error", err))
		}
		metrics.RecordOperation("login", metrics.ResultFailure)
		return AuthResult{}, apperr.New(apperr.CodeInvalidCredentials)
	}

	if err := s.guard.ResetLogin(ctx, in.Email); err != nil {
		log.Warn("failed to reset login failures", slog.Any("error", err))
	}

	pair, err := s.tokens.IssueSession(ctx, user.ID, meta)
	if err != nil {
		return AuthResult{}, apperr.Unavailable(op, err)
	}

	metrics.RecordOperation("login", metrics.ResultSuccess)
	log.Info("user logged in", slog.String("user_id", user.ID.String()))

	return AuthResult{User: user, TokenPair: pair}, nil
}

func (s *service) VerifyEmail(ctx context.Context, in TokenInput) error {
	const op = "service.VerifyEmail"

	if err := validateInput(in); err != nil {
		return err
	}

	userID, err := s.flows.Redeem(ctx, in.Token, models.PurposeEmailVerify)
	if err != nil {
		metrics.RecordOperation("verify_email", metrics.ResultFailure)
		return flowError(op, err)
	}

	metrics.RecordOperation("verify_email", metrics.ResultSuccess)
	s.log.Info("email verified", slog.String("op", op), slog.String("user_id", userID.String()))

	return nil
}

// ResendVerification never reveals whether the account exists.
func (s *service) ResendVerification(ctx context.Context, in EmailInput, meta models.ClientMeta) error {
	const op = "service.ResendVerification"

	return s.requestToken(ctx, op, in, meta, models.PurposeEmailVerify, mail.KindEmailVerification)
}

// ForgotPassword never reveals whether the account exists.
func (s *service) ForgotPassword(ctx context.Context, in EmailInput, meta models.ClientMeta) error {
	const op = "service.ForgotPassword"

	return s.requestToken(ctx, op, in, meta, models.PurposePasswordReset, mail.KindPasswordReset)
}

func (s *service) requestToken(ctx context.Context, op string, in EmailInput, meta models.ClientMeta, purpose models.Purpose, kind mail.Kind) error {
	log := s.log.With(slog.String("op", op))

	in.Email = models.NormalizeEmail(in.Email)
	if err := validateInput(in); err != nil {
		return err
	}

	if err := s.guard.AllowRequest(ctx, purpose, in.Email, meta.IP); err != nil {
		if errors.Is(err, limiter.ErrRateLimited) {
			metrics.RecordOperation(string(purpose), metrics.ResultRateLimited)
			log.Info("token request throttled", slog.String("purpose", string(purpose)))
			return nil
		}
		return apperr.Unavailable(op, err)
	}

	user, err := s.storage.UserByEmail(ctx, in.Email)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return apperr.Unavailable(op, err)
	}

	if user.Disabled() || (purpose == models.PurposeEmailVerify && user.EmailVerified) {
		return nil
	}

	if err := s.issueAndSend(ctx, user, purpose, kind); err != nil {
		return apperr.Unavailable(op, err)
	}

	metrics.RecordOperation(string(purpose), metrics.ResultSuccess)

	return nil
}

func (s *service) ResetPassword(ctx context.Context, in ResetPasswordInput) error {
	const op = "service.ResetPassword"

	log := s.log.With(slog.String("op", op))

	if err := validateInput(in); err != nil {
		return err
	}

	// Hash before redeeming so a slow hash cannot strand a consumed token.
	passwordHash, err := s.hashes.Hash(ctx, in.Password)
	if err != nil {
		return apperr.Unavailable(op, err)
	}

	userID, err := s.flows.Redeem(ctx, in.Token, models.PurposePasswordReset)
	if err != nil {
		metrics.RecordOperation("reset_password", metrics.ResultFailure)
		return flowError(op, err)
	}

	user, err := s.storage.UserByID(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.New(apperr.CodeTokenNotFound)
	}
	if err != nil {
		return apperr.Unavailable(op, err)
	}
	if user.Disabled() {
		return apperr.New(apperr.CodeTokenNotFound)
	}

	if err := s.storage.UpdatePasswordHash(ctx, userID, passwordHash); err != nil {
		return apperr.Unavailable(op, err)
	}

	if !s.keepSessionsOnReset {
		n, err := s.tokens.RevokeAll(ctx, userID, models.RevokePasswordReset)
		if err != nil {
			return apperr.Unavailable(op, err)
		}
		log.Info("sessions revoked after password reset", slog.Int64("count", n))
	}

	if err := s.guard.ResetLogin(ctx, user.Email); err != nil {
		log.Warn("failed to reset login failures", slog.Any("error", err))
	}

	metrics.RecordOperation("reset_password", metrics.ResultSuccess)
	log.Info("password reset", slog.String("user_id", userID.String()))

	return nil
}

func (s *service) RefreshTokens(ctx context.Context, refreshToken string, meta models.ClientMeta) (models.TokenPair, error) {
	const op = "service.RefreshTokens"

	log := s.log.With(slog.String("op", op))

	if refreshToken == "" {
		return models.TokenPair{}, apperr.New(apperr.CodeInvalidRefreshToken)
	}

	pair, userID, err := s.tokens.Rotate(ctx, refreshToken, meta)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrTokenReuse):
		metrics.RecordOperation("refresh", metrics.ResultReuse)
		metrics.RecordTokenReuse()
		log.Warn("refresh token reuse detected", slog.String("user_id", userID.String()))

		if _, err := s.tokens.RevokeAll(ctx, userID, models.RevokeReuse); err != nil {
			log.Error("failed to revoke sessions after reuse", slog.Any("error", err))
		}
		return models.TokenPair{}, apperr.New(apperr.CodeTokenReuseDetected)
	case errors.Is(err, auth.ErrInvalidRefreshToken):
		metrics.RecordOperation("refresh", metrics.ResultFailure)
		return models.TokenPair{}, apperr.New(apperr.CodeInvalidRefreshToken)
	default:
		return models.TokenPair{}, apperr.Unavailable(op, err)
	}

	user, err := s.storage.UserByID(ctx, userID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return models.TokenPair{}, apperr.Unavailable(op, err)
	}
	if err != nil || user.Disabled() {
		if _, err := s.tokens.RevokeAll(ctx, userID, models.RevokeLogout); err != nil {
			log.Error("failed to revoke sessions of disabled user", slog.Any("error", err))
		}
		metrics.RecordOperation("refresh", metrics.ResultFailure)
		return models.TokenPair{}, apperr.New(apperr.CodeInvalidRefreshToken)
	}

	metrics.RecordOperation("refresh", metrics.ResultSuccess)

	return pair, nil
}

// Logout succeeds for unknown and already revoked tokens.
func (s *service) Logout(ctx context.Context, refreshToken string) error {
	const op = "service.Logout"

	if refreshToken == "" {
		return nil
	}

	if err := s.tokens.Revoke(ctx, refreshToken); err != nil {
		return apperr.Unavailable(op, err)
	}

	metrics.RecordOperation("logout", metrics.ResultSuccess)

	return nil
}

func (s *service) Authenticate(accessToken string) (uuid.UUID, error) {
	userID, err := s.tokens.Authenticate(accessToken)
	if err != nil {
		return uuid.Nil, apperr.New(apperr.CodeUnauthorized)
	}
	return userID, nil
}

func (s *service) Profile(ctx context.Context, userID uuid.UUID) (models.User, error) {
	const op = "service.Profile"

	user, err := s.storage.UserByID(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.User{}, apperr.New(apperr.CodeUnauthorized)
	}
	if err != nil {
		return models.User{}, apperr.Unavailable(op, err)
	}
	if user.Disabled() {
		return models.User{}, apperr.New(apperr.CodeUnauthorized)
	}

	return user, nil
}

// DisableAccount soft-disables the account behind email and ends all of its
// sessions. Disabling twice is not an error.
func (s *service) DisableAccount(ctx context.Context, email string) error {
	const op = "service.DisableAccount"

	user, err := s.storage.UserByEmail(ctx, models.NormalizeEmail(email))
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.New(apperr.CodeNotFound)
	}
	if err != nil {
		return apperr.Unavailable(op, err)
	}

	if err := s.storage.DisableUser(ctx, user.ID); err != nil {
		return apperr.Unavailable(op, err)
	}

	n, err := s.tokens.RevokeAll(ctx, user.ID, models.RevokeLogout)
	if err != nil {
		return apperr.Unavailable(op, err)
	}

	s.log.Info("account disabled",
		slog.String("op", op),
		slog.String("user_id", user.ID.String()),
		slog.Int64("sessions_revoked", n),
	)

	return nil
}

func (s *service) issueAndSend(ctx context.Context, user models.User, purpose models.Purpose, kind mail.Kind) error {
	token, err := s.flows.Issue(ctx, user.ID, purpose)
	if err != nil {
		return err
	}

	if err := s.mailer.Send(ctx, user.Email, kind, token); err != nil {
		s.log.Error("failed to queue mail",
			slog.String("op", "service.issueAndSend"),
			slog.String("kind", string(kind)),
			slog.Any("error", err),
		)
	}

	return nil
}

func (s *service) sendToken(ctx context.Context, log *slog.Logger, user models.User, purpose models.Purpose, kind mail.Kind) {
	if err := s.issueAndSend(ctx, user, purpose, kind); err != nil {
		log.Error("failed to issue token", slog.String("purpose", string(purpose)), slog.Any("error", err))
	}
}

func (s *service) guardError(op, operation string, err error) error {
	if errors.Is(err, limiter.ErrRateLimited) {
		metrics.RecordOperation(operation, metrics.ResultRateLimited)
		return apperr.New(apperr.CodeTooManyRequests)
	}
	return apperr.Unavailable(op, err)
}

func flowError(op string, err error) error {
	switch {
	case errors.Is(err, flows.ErrTokenNotFound):
		return apperr.New(apperr.CodeTokenNotFound)
	case errors.Is(err, flows.ErrTokenExpired):
		return apperr.New(apperr.CodeTokenExpired)
	case errors.Is(err, flows.ErrTokenAlreadyUsed):
		return apperr.New(apperr.CodeTokenAlreadyUsed)
	default:
		return apperr.Unavailable(op, err)
	}
}
