// Package apperr defines the error taxonomy shared by the service and the
// transport. Errors are samber/oops errors carrying one of the codes below;
// anything without a known code is reported as INTERNAL.
package apperr

import (
	"log/slog"
	"net/http"

	"github.com/samber/oops"
)

const (
	CodeValidationFailed    = "VALIDATION_FAILED"
	CodeDuplicateAccount    = "DUPLICATE_ACCOUNT"
	CodeInvalidCredentials  = "INVALID_CREDENTIALS"
	CodeTokenNotFound       = "TOKEN_NOT_FOUND"
	CodeTokenExpired        = "TOKEN_EXPIRED"
	CodeTokenAlreadyUsed    = "TOKEN_ALREADY_USED"
	CodeInvalidRefreshToken = "INVALID_REFRESH_TOKEN"
	CodeTokenReuseDetected  = "TOKEN_REUSE_DETECTED"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeTooManyRequests     = "TOO_MANY_REQUESTS"
	CodeNotFound            = "NOT_FOUND"
	CodeUnavailable         = "UNAVAILABLE"
	CodeInternal            = "INTERNAL"
)

const fieldsKey = "fields"

type kind struct {
	status  int
	message string
}

var kinds = map[string]kind{
	CodeValidationFailed:    {http.StatusBadRequest, "Validation failed"},
	CodeDuplicateAccount:    {http.StatusConflict, "An account with this email already exists"},
	CodeInvalidCredentials:  {http.StatusUnauthorized, "Invalid email or password"},
	CodeTokenNotFound:       {http.StatusBadRequest, "Token is invalid"},
	CodeTokenExpired:        {http.StatusBadRequest, "Token has expired"},
	CodeTokenAlreadyUsed:    {http.StatusBadRequest, "Token has already been used"},
	CodeInvalidRefreshToken: {http.StatusUnauthorized, "Invalid refresh token"},
	CodeTokenReuseDetected:  {http.StatusUnauthorized, "Invalid refresh token"},
	CodeUnauthorized:        {http.StatusUnauthorized, "Authentication required"},
	CodeTooManyRequests:     {http.StatusTooManyRequests, "Too many attempts, try again later"},
	CodeNotFound:            {http.StatusNotFound, "Not found"},
	CodeUnavailable:         {http.StatusInternalServerError, "Service temporarily unavailable, please retry"},
	CodeInternal:            {http.StatusInternalServerError, "Internal server error"},
}

// FieldError describes one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Public is what may be shown to a caller for an error.
type Public struct {
	Status  int
	Code    string
	Message string
	Fields  []FieldError
}

// New returns an error with the given code and its public message.
func New(code string) error {
	k, ok := kinds[code]
	if !ok {
		k = kinds[CodeInternal]
	}
	return oops.Code(code).Errorf("%s", k.message)
}

// Validation aggregates every field problem into one error.
func Validation(fields []FieldError) error {
	return oops.Code(CodeValidationFailed).
		With(fieldsKey, fields).
		Errorf("validation failed: %d field(s)", len(fields))
}

// Unavailable marks a retryable dependency failure, such as a storage
// timeout, so it is kept apart from client-caused errors.
func Unavailable(operation string, err error) error {
	return oops.Code(CodeUnavailable).
		With("operation", operation).
		Wrap(err)
}

// CodeOf returns the taxonomy code of err, or CodeInternal.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return CodeInternal
	}
	code, _ := any(oopsErr.Code()).(string)
	if _, known := kinds[code]; !known {
		return CodeInternal
	}
	return code
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	return CodeOf(err) == code
}

// Describe maps err to its caller-facing form. Unknown errors never leak
// their text.
func Describe(err error) Public {
	code := CodeOf(err)
	k := kinds[code]
	p := Public{Status: k.status, Code: code, Message: k.message}

	if code == CodeValidationFailed {
		if oopsErr, ok := oops.AsOops(err); ok {
			if fields, ok := oopsErr.Context()[fieldsKey].([]FieldError); ok {
				p.Fields = fields
			}
		}
	}

	return p
}

// Retryable reports whether the caller may retry the same request later.
func Retryable(err error) bool {
	code := CodeOf(err)
	return code == CodeUnavailable || code == CodeTooManyRequests
}

// Log writes err with its oops code and context when present.
func Log(logger *slog.Logger, msg string, err error) {
	if oopsErr, ok := oops.AsOops(err); ok {
		attrs := []any{
			slog.String("error", oopsErr.Error()),
			slog.Any("code", oopsErr.Code()),
		}
		if ctx := oopsErr.Context(); len(ctx) > 0 {
			attrs = append(attrs, slog.Any("context", ctx))
		}
		logger.Error(msg, attrs...)
		return
	}
	logger.Error(msg, slog.Any("error", err))
}
