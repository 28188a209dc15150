package handler

import (
	"net/http"
	"path"
	"strings"
	"time"

	"identity_service/internal/models"

	"github.com/gin-gonic/gin"
)

const (
	accessCookie  = "accessToken"
	refreshCookie = "refreshToken"

	authRoutes = "auth"
)

// Cookies controls how session cookies are scoped. Path is the prefix the
// service is mounted under; the refresh cookie is narrowed to its auth routes.
type Cookies struct {
	Domain   string
	Path     string
	Secure   bool
	SameSite http.SameSite
}

// ParseSameSite maps a config value to its cookie mode. Unknown values fall
// back to Lax.
func ParseSameSite(value string) http.SameSite {
	switch strings.ToLower(value) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

func (h *Handler) setSessionCookies(c *gin.Context, pair models.TokenPair) {
	now := time.Now()

	c.SetSameSite(h.cookies.SameSite)
	c.SetCookie(accessCookie, pair.AccessToken, maxAge(pair.AccessExpiresAt, now), h.cookiePath(), h.cookies.Domain, h.cookies.Secure, true)
	c.SetCookie(refreshCookie, pair.RefreshToken, maxAge(pair.RefreshExpiresAt, now), h.refreshCookiePath(), h.cookies.Domain, h.cookies.Secure, true)
}

func (h *Handler) clearSessionCookies(c *gin.Context) {
	c.SetSameSite(h.cookies.SameSite)
	c.SetCookie(accessCookie, "", -1, h.cookiePath(), h.cookies.Domain, h.cookies.Secure, true)
	c.SetCookie(refreshCookie, "", -1, h.refreshCookiePath(), h.cookies.Domain, h.cookies.Secure, true)
}

func (h *Handler) cookiePath() string {
	if h.cookies.Path == "" {
		return "/"
	}
	return h.cookies.Path
}

func (h *Handler) refreshCookiePath() string {
	return path.Join(h.cookiePath(), authRoutes)
}

func maxAge(expiresAt, now time.Time) int {
	seconds := int(expiresAt.Sub(now).Seconds())
	if seconds < 1 {
		return 1
	}
	return seconds
}
