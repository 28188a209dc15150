package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordOperation(t *testing.T) {
	before := testutil.ToFloat64(AuthOperations.WithLabelValues("login", ResultFailure))
	RecordOperation("login", ResultFailure)
	assert.Equal(t, before+1, testutil.ToFloat64(AuthOperations.WithLabelValues("login", ResultFailure)))
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterMetrics(reg)
	RecordTokenReuse()
	RecordMail("password_reset", ResultSuccess)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "identity_refresh_token_reuse_total")
	assert.Contains(t, rec.Body.String(), `identity_mail_dispatch_total{kind="password_reset",result="success"}`)
}

func TestRegisterMetrics_Twice(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterMetrics(reg)
	assert.Panics(t, func() { RegisterMetrics(reg) })
}
