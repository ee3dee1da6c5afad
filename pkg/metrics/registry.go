// Package metrics defines the observability interfaces for the
// analyzer's hot paths and owns the process-wide Prometheus registry.
//
// Every interface in this package is optional: pass nil to disable
// collection with zero overhead. The Prometheus-backed implementations
// live in pkg/metrics/prometheus and return nil when the registry was
// never initialized, so wiring code does not need to branch on the
// metrics configuration.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registryMu sync.RWMutex
	registry   *prometheus.Registry
)

// InitRegistry creates the process-wide metrics registry with the
// standard Go runtime and process collectors. Calling it more than
// once is harmless; the first registry wins.
//
// Constructors in pkg/metrics/prometheus return nil until this has
// been called, so a process that never initializes the registry pays
// nothing for instrumentation.
func InitRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()

	if registry != nil {
		return
	}

	registry = prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// IsEnabled returns whether metrics collection is enabled
// (InitRegistry has been called).
func IsEnabled() bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry != nil
}

// GetRegistry returns the process registry, or nil when metrics are
// disabled.
func GetRegistry() *prometheus.Registry {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry
}

// Handler returns the HTTP handler serving the registry in the
// Prometheus exposition format. When metrics are disabled the handler
// answers 404.
func Handler() http.Handler {
	reg := GetRegistry()
	if reg == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
