// Package metrics holds the prometheus collectors of the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ResultSuccess     = "success"
	ResultFailure     = "failure"
	ResultRateLimited = "rate_limited"
	ResultReuse       = "reuse"
	ResultError       = "error"
)

// AuthOperations counts orchestrator calls by operation and result.
var AuthOperations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "identity_auth_operations_total",
		Help: "Total number of auth operations by result",
	},
	[]string{"operation", "result"},
)

// TokenReuse counts refresh tokens presented after rotation.
var TokenReuse = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "identity_refresh_token_reuse_total",
		Help: "Total number of detected refresh token reuses",
	},
)

// MailDispatch counts outgoing mail by kind and result.
var MailDispatch = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "identity_mail_dispatch_total",
		Help: "Total number of mail dispatches by kind and result",
	},
	[]string{"kind", "result"},
)

// RegisterMetrics must be called once at startup. Panics on duplicate
// registration.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AuthOperations)
	reg.MustRegister(TokenReuse)
	reg.MustRegister(MailDispatch)
}

func RecordOperation(operation, result string) {
	AuthOperations.WithLabelValues(operation, result).Inc()
}

func RecordTokenReuse() {
	TokenReuse.Inc()
}

func RecordMail(kind, result string) {
	MailDispatch.WithLabelValues(kind, result).Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
