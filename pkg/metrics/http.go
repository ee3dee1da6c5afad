package metrics

import (
	"time"
)

// HTTPMetrics provides observability for the REST API.
//
// This interface is optional - pass nil to disable metrics collection
// with zero overhead.
type HTTPMetrics interface {
	// RecordRequest records a completed HTTP request with its method,
	// matched route pattern, response status code, and duration. The
	// route pattern keeps cardinality bounded; raw URLs must not be
	// passed here.
	RecordRequest(method, route string, status int, duration time.Duration)
}

// RecordRequest records a completed request on m, tolerating nil.
func RecordRequest(m HTTPMetrics, method, route string, status int, duration time.Duration) {
	if m != nil {
		m.RecordRequest(method, route, status, duration)
	}
}
