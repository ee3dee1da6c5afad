package api

import "time"

// APIConfig configures the REST API HTTP server and the optional
// static frontend it can serve alongside it.
//
// When Enabled is false, no API server is started (zero overhead).
type APIConfig struct {
	// Enabled controls whether the API server is started.
	// Default: true (API is enabled by default)
	// Use a pointer to distinguish "not set" from "explicitly false"
	Enabled *bool `mapstructure:"enabled" yaml:"enabled"`

	// Host is the bind address for the HTTP listener.
	// Default: 0.0.0.0
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the HTTP port for the API endpoints.
	// Default: 8080
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`

	// ReadTimeout is the maximum duration for reading the entire request,
	// including the body. A zero or negative value means there is no timeout.
	// Default: 10s
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the
	// response. Graph queries over large windows can be slow, so this is
	// deliberately generous.
	// Default: 120s
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request
	// when keep-alives are enabled. If zero, the value of ReadTimeout is used.
	// Default: 60s
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	// ServeFrontend enables serving the bundled single-page UI from
	// FrontendDir for any path the API does not claim.
	ServeFrontend bool `mapstructure:"serve_frontend" yaml:"serve_frontend"`

	// FrontendDir is the directory holding the built frontend assets.
	// Only used when ServeFrontend is true.
	FrontendDir string `mapstructure:"frontend_dir" yaml:"frontend_dir,omitempty"`
}

// IsEnabled returns whether the API server is enabled.
// Defaults to true if not explicitly set.
func (c *APIConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return true // Default: enabled
	}
	return *c.Enabled
}

// ApplyDefaults fills in zero values with sensible defaults.
func (c *APIConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port <= 0 {
		c.Port = 8080
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 120 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
}
