package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"identity_service/internal/apperr"
	"identity_service/internal/models"
	"identity_service/internal/service"

	"github.com/gin-gonic/gin"
)

// bindJSON decodes the request body into dst. An empty body is accepted
// when optional is set.
func bindJSON(c *gin.Context, dst any, optional bool) error {
	err := c.ShouldBindJSON(dst)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return nil
	}

	return apperr.Validation([]apperr.FieldError{{Field: "body", Message: "must be a valid JSON object"}})
}

func clientMeta(c *gin.Context) models.ClientMeta {
	return models.ClientMeta{
		UserAgent: c.Request.UserAgent(),
		IP:        c.ClientIP(),
	}
}

// POST /auth/register
func (h *Handler) Register(c *gin.Context) {
	const op = "handler.Register"

	log := h.log.With(slog.String("op", op))

	var in service.RegisterInput
	if err := bindJSON(c, &in, false); err != nil {
		newErrorResponse(c, log, err)

		return
	}

	res, err := h.serviceLayer.Register(c.Request.Context(), in, clientMeta(c))
	if err != nil {
		newErrorResponse(c, log, err)

		return
	}

	h.setSessionCookies(c, res.TokenPair)

	newResponse(c, http.StatusCreated, "Registration successful", res)
}

// POST /auth/login
func (h *Handler) Login(c *gin.Context) {
	const op = "handler.Login"

	log := h.log.With(slog.String("op", op))

	var in service.LoginInput
	if err := bindJSON(c, &in, false); err != nil {
		newErrorResponse(c, log, err)

		return
	}

	res, err := h.serviceLayer.Login(c.Request.Context(), in, clientMeta(c))
	if err != nil {
		newErrorResponse(c, log, err)

		return
	}

	h.setSessionCookies(c, res.TokenPair)

	newResponse(c, http.StatusOK, "Login successful", res)
}

// POST /auth/verify-email
func (h *Handler) VerifyEmail(c *gin.Context) {
	const op = "handler.VerifyEmail"

	log := h.log.With(slog.String("op", op))

	var in service.TokenInput
	if err := bindJSON(c, &in, false); err != nil {
		newErrorResponse(c, log, err)

		return
	}

	if err := h.serviceLayer.VerifyEmail(c.Request.Context(), in); err != nil {
		newErrorResponse(c, log, err)

		return
	}

	newResponse(c, http.StatusOK, "Email verified", nil)
}

// POST /auth/resend-verification
func (h *Handler) ResendVerification(c *gin.Context) {
	const op = "handler.ResendVerification"

	log := h.log.With(slog.String("op", op))

	var in service.EmailInput
	if err := bindJSON(c, &in, false); err != nil {
		newErrorResponse(c, log, err)

		return
	}

	if err := h.serviceLayer.ResendVerification(c.Request.Context(), in, clientMeta(c)); err != nil {
		newErrorResponse(c, log, err)

		return
	}

	newResponse(c, http.StatusOK, "If the account needs verification, an email has been sent", nil)
}

// POST /auth/forgot-password
func (h *Handler) ForgotPassword(c *gin.Context) {
	const op = "handler.ForgotPassword"

	log := h.log.With(slog.String("op", op))

	var in service.EmailInput
	if err := bindJSON(c, &in, false); err != nil {
		newErrorResponse(c, log, err)

		return
	}

	if err := h.serviceLayer.ForgotPassword(c.Request.Context(), in, clientMeta(c)); err != nil {
		newErrorResponse(c, log, err)

		return
	}

	newResponse(c, http.StatusOK, "If the account exists, a password reset email has been sent", nil)
}

// POST /auth/reset-password
func (h *Handler) ResetPassword(c *gin.Context) {
	const op = "handler.ResetPassword"

	log := h.log.With(slog.String("op", op))

	var in service.ResetPasswordInput
	if err := bindJSON(c, &in, false); err != nil {
		newErrorResponse(c, log, err)

		return
	}

	if err := h.serviceLayer.ResetPassword(c.Request.Context(), in); err != nil {
		newErrorResponse(c, log, err)

		return
	}

	newResponse(c, http.StatusOK, "Password has been reset", nil)
}

// POST /auth/refresh
func (h *Handler) RefreshTokens(c *gin.Context) {
	const op = "handler.RefreshTokens"

	log := h.log.With(slog.String("op", op))

	token, err := h.refreshToken(c)
	if err != nil {
		newErrorResponse(c, log, err)

		return
	}

	pair, err := h.serviceLayer.RefreshTokens(c.Request.Context(), token, clientMeta(c))
	if err != nil {
		if apperr.Is(err, apperr.CodeTokenReuseDetected) || apperr.Is(err, apperr.CodeInvalidRefreshToken) {
			h.clearSessionCookies(c)
		}
		newErrorResponse(c, log, err)

		return
	}

	h.setSessionCookies(c, pair)

	newResponse(c, http.StatusOK, "Tokens refreshed", pair)
}

// POST /auth/logout
func (h *Handler) Logout(c *gin.Context) {
	const op = "handler.Logout"

	log := h.log.With(slog.String("op", op))

	token, err := h.refreshToken(c)
	if err != nil {
		newErrorResponse(c, log, err)

		return
	}

	if err := h.serviceLayer.Logout(c.Request.Context(), token); err != nil {
		newErrorResponse(c, log, err)

		return
	}

	h.clearSessionCookies(c)

	newResponse(c, http.StatusOK, "Logged out", nil)
}

// GET /auth/me
func (h *Handler) Me(c *gin.Context) {
	const op = "handler.Me"

	log := h.log.With(slog.String("op", op))

	userID, err := h.serviceLayer.Authenticate(accessToken(c))
	if err != nil {
		newErrorResponse(c, log, err)

		return
	}

	user, err := h.serviceLayer.Profile(c.Request.Context(), userID)
	if err != nil {
		newErrorResponse(c, log, err)

		return
	}

	newResponse(c, http.StatusOK, "OK", user)
}

// refreshToken prefers the request body and falls back to the cookie.
func (h *Handler) refreshToken(c *gin.Context) (string, error) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := bindJSON(c, &req, true); err != nil {
		return "", err
	}
	if req.RefreshToken != "" {
		return req.RefreshToken, nil
	}

	token, _ := c.Cookie(refreshCookie)
	return token, nil
}

// accessToken reads a Bearer header, then the access cookie.
func accessToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}

	token, _ := c.Cookie(accessCookie)
	return token
}
