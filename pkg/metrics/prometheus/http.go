package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/netwall-io/netwall/pkg/metrics"
)

// httpMetrics is the Prometheus implementation of metrics.HTTPMetrics.
type httpMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewHTTPMetrics creates a new Prometheus-backed HTTPMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewHTTPMetrics() metrics.HTTPMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &httpMetrics{
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "netwall_http_requests_total",
				Help: "Total HTTP requests by method, route pattern, and status code",
			},
			[]string{"method", "route", "status"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "netwall_http_request_duration_milliseconds",
				Help: "Duration of HTTP requests in milliseconds",
				Buckets: []float64{
					1,     // 1ms - settings reads
					5,     // 5ms
					10,    // 10ms
					50,    // 50ms
					100,   // 100ms - list endpoints
					500,   // 500ms
					1000,  // 1s
					5000,  // 5s - graph builds
					10000, // 10s
					30000, // 30s - worst-case graph window
				},
			},
			[]string{"method", "route"},
		),
	}
}

func (m *httpMetrics) RecordRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(duration.Seconds() * 1000)
}
