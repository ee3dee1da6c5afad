package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/netwall-io/netwall/internal/logger"
	"github.com/netwall-io/netwall/pkg/api/handlers"
	"github.com/netwall-io/netwall/pkg/classify"
	"github.com/netwall-io/netwall/pkg/graph"
	"github.com/netwall-io/netwall/pkg/ingest"
	"github.com/netwall-io/netwall/pkg/jobs"
	"github.com/netwall-io/netwall/pkg/metrics"
	"github.com/netwall-io/netwall/pkg/store"
)

// Deps bundles everything the routes need. All fields except Metrics
// are required.
type Deps struct {
	Store      *store.Store
	Classifier *classify.Classifier
	Jobs       *jobs.Manager
	Stats      *ingest.Stats
	Graph      *graph.Engine
	Metrics    metrics.HTTPMetrics

	// MaxUpload bounds file imports in bytes. Zero means 1 GiB.
	MaxUpload int64
}

// NewRouter creates and configures the chi router with all middleware
// and routes.
//
// The router is configured with:
//   - Request ID middleware for request tracking
//   - Real IP extraction for proper client identification
//   - Custom request logging using the internal logger
//   - Panic recovery to prevent server crashes
//   - Request timeout to prevent hung requests (graph queries get a
//     longer budget than the rest of the API)
//
// Routes:
//   - GET /health - Liveness probe
//   - GET /metrics - Prometheus exposition (404 when disabled)
//   - /api/devices/* - Device and HA group selection
//   - /api/firewalls/* - Firewall management, import history, purge
//   - /api/ingest/* - File upload, job control, live counters
//   - /api/endpoints/*, /api/zones, /api/interfaces - Graph pickers
//   - /api/inventory/*, /api/device-inventory/*, /api/router-macs - Inventory
//   - /api/classifications/* - Zone/interface side rules
//   - /api/graph, /api/graph/inspect-logs - Flow graph queries
//   - /api/rules/* - Rule proposal and CLI export
//   - /api/settings/*, /api/maintenance/*, /api/stats/* - Housekeeping
func NewRouter(cfg APIConfig, deps Deps) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(httpMetrics(deps.Metrics))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		handlers.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	deviceHandler := handlers.NewDeviceHandler(deps.Store)
	firewallHandler := handlers.NewFirewallHandler(deps.Store, deps.Jobs)
	ingestHandler := handlers.NewIngestHandler(deps.Store, deps.Jobs, deps.Stats, deps.MaxUpload)
	lookupHandler := handlers.NewLookupHandler(deps.Store)
	endpointHandler := handlers.NewEndpointHandler(deps.Store)
	inventoryHandler := handlers.NewInventoryHandler(deps.Store)
	routerMACHandler := handlers.NewRouterMACHandler(deps.Store)
	classHandler := handlers.NewClassificationHandler(deps.Store, deps.Classifier)
	graphHandler := handlers.NewGraphHandler(deps.Graph)
	ruleHandler := handlers.NewRuleHandler(deps.Store)
	settingsHandler := handlers.NewSettingsHandler(deps.Store)
	maintenanceHandler := handlers.NewMaintenanceHandler(deps.Store, deps.Jobs)
	statsHandler := handlers.NewStatsHandler(deps.Store, deps.Stats)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", deviceHandler.List)
			r.Get("/groups", deviceHandler.Groups)
			r.Get("/ha-candidates", deviceHandler.HACandidates)
			r.Post("/groups/enable", deviceHandler.EnableGroup)
			r.Post("/groups/rename", deviceHandler.RenameGroup)
		})

		r.Route("/firewalls", func(r chi.Router) {
			r.Get("/", firewallHandler.List)
			r.Get("/{device_key}", firewallHandler.GetOverride)
			r.Put("/{device_key}", firewallHandler.PutOverride)
			r.Get("/{device_key}/import-jobs", firewallHandler.ImportJobs)
			r.Post("/{device_key}/purge", firewallHandler.Purge)
		})

		r.Route("/ingest", func(r chi.Router) {
			// Uploads stream gigabytes; the generic timeout would kill
			// them midway.
			r.With(middleware.Timeout(30*time.Minute)).Post("/upload", ingestHandler.Upload)
			r.Get("/upload/status", ingestHandler.UploadStatus)
			r.Get("/jobs", ingestHandler.Jobs)
			r.Get("/jobs/{id}", ingestHandler.Job)
			r.Post("/jobs/{id}/cancel", ingestHandler.Cancel)
			r.Delete("/jobs/{id}", ingestHandler.Delete)
			r.Get("/stats", ingestHandler.Stats)
			r.Get("/stats/detail", ingestHandler.StatsDetail)
			r.Post("/stats/reset", ingestHandler.ResetStats)
		})

		r.Get("/zones", lookupHandler.Zones)
		r.Get("/interfaces", lookupHandler.Interfaces)
		r.Route("/endpoints", func(r chi.Router) {
			r.Get("/", lookupHandler.Names)
			r.Get("/list", lookupHandler.Observed)
			r.Get("/known", endpointHandler.Known)
		})

		r.Get("/inventory/macs", inventoryHandler.MACs)
		r.Get("/device-inventory/{mac}", endpointHandler.Detail)
		r.Put("/device-inventory/{mac}", endpointHandler.PutOverride)

		r.Route("/router-macs", func(r chi.Router) {
			r.Get("/", routerMACHandler.List)
			r.Post("/", routerMACHandler.Upsert)
			r.Delete("/{id}", routerMACHandler.Delete)
		})

		r.Route("/classifications", func(r chi.Router) {
			r.Get("/", classHandler.List)
			r.Post("/", classHandler.Upsert)
			r.Delete("/{id}", classHandler.Delete)
			r.Get("/unclassified", classHandler.Unclassified)
		})

		r.Route("/graph", func(r chi.Router) {
			// Graph queries over wide windows are the slowest thing the
			// API does.
			r.Use(middleware.Timeout(60 * time.Second))
			r.Get("/", graphHandler.Build)
			r.Get("/inspect-logs", graphHandler.InspectLogs)
		})

		r.Route("/rules", func(r chi.Router) {
			r.Post("/propose", ruleHandler.Propose)
			r.Post("/export/cli", ruleHandler.ExportCLI)
		})

		r.Route("/settings", func(r chi.Router) {
			r.Get("/", settingsHandler.All)
			r.Get("/log-retention", settingsHandler.GetRetention)
			r.Put("/log-retention", settingsHandler.PutRetention)
			r.Get("/local-networks", settingsHandler.GetLocalNetworks)
			r.Put("/local-networks", settingsHandler.PutLocalNetworks)
			r.Get("/ha-banner", settingsHandler.GetHABanner)
			r.Put("/ha-banner", settingsHandler.PutHABanner)
		})

		r.Route("/maintenance", func(r chi.Router) {
			r.Get("/jobs/{id}", maintenanceHandler.Job)
			r.Post("/cleanup", maintenanceHandler.Cleanup)
			r.Get("/cleanup/summary", maintenanceHandler.Summary)
		})

		r.Get("/stats", statsHandler.Snapshot)
		r.Get("/stats/db", statsHandler.DB)
	})

	if cfg.ServeFrontend && cfg.FrontendDir != "" {
		r.NotFound(spaHandler(cfg.FrontendDir))
	}

	return r
}

// spaHandler serves the built frontend: real files directly, anything
// else falls back to index.html so client-side routing works.
func spaHandler(dir string) http.HandlerFunc {
	fileServer := http.FileServer(http.Dir(dir))
	return func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(dir, filepath.Clean("/"+r.URL.Path))
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			fileServer.ServeHTTP(w, r)
			return
		}
		http.ServeFile(w, r, filepath.Join(dir, "index.html"))
	}
}

// isHealthPath returns true if the request path is a healthcheck endpoint.
func isHealthPath(path string) bool {
	return path == "/health" || strings.HasPrefix(path, "/metrics")
}

// requestLogger is a custom middleware that logs requests using the internal logger.
//
// It logs:
//   - Request start (DEBUG level): method, path, remote addr
//   - Request completion (INFO level): method, path, status, duration
//   - Healthcheck and metrics scrapes are logged at DEBUG level to reduce noise
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("API request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		// Wrap response writer to capture status code
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)

		logArgs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", duration.String(),
		}

		if isHealthPath(r.URL.Path) {
			logger.Debug("API request completed", logArgs...)
		} else {
			logger.Info("API request completed", logArgs...)
		}
	})
}

// httpMetrics records request counts and latencies against the chi
// route pattern so per-id paths do not explode label cardinality.
func httpMetrics(m metrics.HTTPMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			metrics.RecordRequest(m, r.Method, route, ww.Status(), time.Since(start))
		})
	}
}
