// loan-payments-gateway/pkg/metrics/metrics.go
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Label "service" lets one query compare the API and the worker.
	PaymentRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payment",
			Name:      "requests_total",
			Help:      "Total HTTP requests per service",
		},
		[]string{"service", "status", "method"},
	)

	PaymentRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "payment",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration per service",
			Buckets: []float64{
				0.01, 0.02, 0.03, 0.05, 0.08, 0.12,
				0.2, 0.3, 0.5, 0.8, 1.2, 2, 3, 5, 10, 20,
			},
		},
		[]string{"service", "status"},
	)

	// step: token, register_ipn, submit_order. outcome: success, error, timeout.
	GatewayCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payment",
			Name:      "gateway_calls_total",
			Help:      "Outbound payment gateway calls by step and outcome",
		},
		[]string{"step", "outcome"},
	)

	IPNNotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payment",
			Name:      "ipn_notifications_total",
			Help:      "Persisted payment notifications by payment status",
		},
		[]string{"status"},
	)

	// outcome: applied, duplicate, deferred, unmatched.
	LedgerCreditsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payment",
			Name:      "ledger_credits_total",
			Help:      "Ledger credit attempts for completed payments",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		PaymentRequestsTotal,
		PaymentRequestDuration,
		GatewayCallsTotal,
		IPNNotificationsTotal,
		LedgerCreditsTotal,
	)
}

func IncRequest(service, status, method string) {
	PaymentRequestsTotal.WithLabelValues(service, status, method).Inc()
}

func ObserveDuration(service, status string, seconds float64) {
	PaymentRequestDuration.WithLabelValues(service, status).Observe(seconds)
}

func IncGatewayCall(step, outcome string) {
	GatewayCallsTotal.WithLabelValues(step, outcome).Inc()
}

func IncNotification(status string) {
	IPNNotificationsTotal.WithLabelValues(status).Inc()
}

func IncCredit(outcome string) {
	LedgerCreditsTotal.WithLabelValues(outcome).Inc()
}

/*************** HTTP middleware ***************/

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Middleware records a counter and a histogram for every request except /metrics.
func Middleware(service string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			statusLabel := "FAILED"
			if rec.status >= 200 && rec.status < 400 {
				statusLabel = "SUCCESS"
			}
			IncRequest(service, statusLabel, r.Method)
			ObserveDuration(service, statusLabel, time.Since(start).Seconds())
		})
	}
}
