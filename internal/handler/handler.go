package handler

import (
	"log/slog"
	"net/http"
	"time"

	"identity_service/internal/apperr"
	"identity_service/internal/metrics"
	"identity_service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// retryAfter is the hint, in seconds, sent with retryable failures.
const retryAfter = "30"

type Handler struct {
	serviceLayer service.Service
	log          *slog.Logger
	cookies      Cookies
	gatherer     prometheus.Gatherer
}

// response is the envelope of every endpoint.
type response struct {
	Status  string              `json:"status"`
	Message string              `json:"message"`
	Data    any                 `json:"data,omitempty"`
	Code    string              `json:"code,omitempty"`
	Errors  []apperr.FieldError `json:"errors,omitempty"`
}

func newResponse(c *gin.Context, statusCode int, message string, data any) {
	c.JSON(statusCode, response{Status: statusSuccess, Message: message, Data: data})
}

// newErrorResponse renders err through the error taxonomy. Server-side
// failures are logged with their full context, client errors only briefly.
func newErrorResponse(c *gin.Context, log *slog.Logger, err error) {
	p := apperr.Describe(err)

	if p.Status >= http.StatusInternalServerError {
		apperr.Log(log, "request failed", err)
	} else {
		log.Info("request rejected", slog.String("code", p.Code))
	}

	if apperr.Retryable(err) {
		c.Header("Retry-After", retryAfter)
	}

	c.AbortWithStatusJSON(p.Status, response{
		Status:  statusError,
		Message: p.Message,
		Code:    p.Code,
		Errors:  p.Fields,
	})
}

// NewHandler builds the transport over srvc. A nil gatherer disables the
// metrics endpoint.
func NewHandler(srvc service.Service, lgr *slog.Logger, cookies Cookies, gatherer prometheus.Gatherer) *Handler {
	return &Handler{
		serviceLayer: srvc,
		log:          lgr,
		cookies:      cookies,
		gatherer:     gatherer,
	}
}

func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()
	router.Use(h.recovery(), h.requestLogger())

	router.GET("/healthz", h.Health)
	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(metrics.Handler(h.gatherer)))
	}

	auth := router.Group("/auth")
	{
		auth.POST("/register", h.Register)
		auth.POST("/login", h.Login)
		auth.POST("/verify-email", h.VerifyEmail)
		auth.POST("/resend-verification", h.ResendVerification)
		auth.POST("/forgot-password", h.ForgotPassword)
		auth.POST("/reset-password", h.ResetPassword)
		auth.POST("/refresh", h.RefreshTokens)
		auth.POST("/logout", h.Logout)
		auth.GET("/me", h.Me)
	}

	return router
}

// GET /healthz
func (h *Handler) Health(c *gin.Context) {
	newResponse(c, http.StatusOK, "ok", nil)
}

// recovery turns a panic in any handler into a generic 500 envelope.
func (h *Handler) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		h.log.Error("panic recovered",
			slog.String("path", c.FullPath()),
			slog.Any("panic", recovered),
		)

		p := apperr.Describe(apperr.New(apperr.CodeInternal))
		c.AbortWithStatusJSON(p.Status, response{
			Status:  statusError,
			Message: p.Message,
			Code:    p.Code,
		})
	})
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		h.log.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}
