package apperr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescribe_KnownCodes(t *testing.T) {
	tests := []struct {
		code   string
		status int
	}{
		{CodeValidationFailed, http.StatusBadRequest},
		{CodeDuplicateAccount, http.StatusConflict},
		{CodeInvalidCredentials, http.StatusUnauthorized},
		{CodeTokenNotFound, http.StatusBadRequest},
		{CodeTokenExpired, http.StatusBadRequest},
		{CodeTokenAlreadyUsed, http.StatusBadRequest},
		{CodeInvalidRefreshToken, http.StatusUnauthorized},
		{CodeTokenReuseDetected, http.StatusUnauthorized},
		{CodeTooManyRequests, http.StatusTooManyRequests},
		{CodeUnavailable, http.StatusInternalServerError},
		{CodeNotFound, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			p := Describe(New(tt.code))
			assert.Equal(t, tt.status, p.Status)
			assert.Equal(t, tt.code, p.Code)
			assert.NotEmpty(t, p.Message)
		})
	}
}

func TestDescribe_InvalidCredentialsMessage(t *testing.T) {
	p := Describe(New(CodeInvalidCredentials))
	assert.Equal(t, "Invalid email or password", p.Message)
}

func TestDescribe_UnknownErrorIsInternal(t *testing.T) {
	p := Describe(errors.New("pq: password authentication failed for user admin"))
	assert.Equal(t, http.StatusInternalServerError, p.Status)
	assert.Equal(t, CodeInternal, p.Code)
	assert.Equal(t, "Internal server error", p.Message)
}

func TestDescribe_WrappedKeepsCode(t *testing.T) {
	err := fmt.Errorf("service.Login: %w", New(CodeInvalidCredentials))
	assert.Equal(t, CodeInvalidCredentials, CodeOf(err))
}

func TestValidation_CarriesFields(t *testing.T) {
	fields := []FieldError{
		{Field: "email", Message: "must be a valid email address"},
		{Field: "password", Message: "must be at least 8 characters"},
	}

	p := Describe(Validation(fields))
	assert.Equal(t, CodeValidationFailed, p.Code)
	assert.Equal(t, fields, p.Fields)
}

func TestUnavailable(t *testing.T) {
	err := Unavailable("storage.UserByEmail", context.DeadlineExceeded)

	assert.True(t, Is(err, CodeUnavailable))
	assert.True(t, Retryable(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, Retryable(New(CodeInvalidCredentials)))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(CodeTooManyRequests)))
	assert.True(t, Retryable(Unavailable("storage.UserByEmail", errors.New("dial tcp: refused"))))
	assert.False(t, Retryable(New(CodeInvalidCredentials)))
	assert.False(t, Retryable(errors.New("plain")))
}

func TestCodeOf_Nil(t *testing.T) {
	assert.Equal(t, "", CodeOf(nil))
}

func TestLog_WithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	Log(logger, "request failed", Unavailable("storage.CreateUser", errors.New("connection refused")))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "request failed", entry["msg"])
	assert.Equal(t, CodeUnavailable, entry["code"])
	assert.Contains(t, entry["error"], "connection refused")
}

func TestLog_PlainError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	Log(logger, "request failed", errors.New("boom"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "boom", entry["error"])
}
