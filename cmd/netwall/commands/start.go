package commands

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/netwall-io/netwall/internal/logger"
	"github.com/netwall-io/netwall/pkg/api"
	"github.com/netwall-io/netwall/pkg/classify"
	"github.com/netwall-io/netwall/pkg/config"
	"github.com/netwall-io/netwall/pkg/graph"
	"github.com/netwall-io/netwall/pkg/ingest"
	"github.com/netwall-io/netwall/pkg/ingest/syslog"
	"github.com/netwall-io/netwall/pkg/jobs"
	"github.com/netwall-io/netwall/pkg/metrics"
	"github.com/netwall-io/netwall/pkg/metrics/prometheus"
	"github.com/netwall-io/netwall/pkg/store"
)

var (
	foreground bool
	pidFile    string
	logFile    string

	webHost         string
	webPort         int
	syslogHost      string
	syslogPort      int
	databaseURL     string
	serveFrontend   bool
	frontendDir     string
	logLevel        string
	yearMode        string
	classPrecedence string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the netwall analyzer",
	Long: `Start the netwall analyzer with the specified configuration.

The analyzer listens for firewall logs over UDP syslog, runs the import
job queue, and serves the REST API (plus the web frontend when enabled).

By default, the server runs in the background (daemon mode). Use --foreground
to run in the foreground for debugging or when managed by a process supervisor.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/netwall/config.yaml.

Examples:
  # Start in background (default)
  netwall start

  # Start in foreground
  netwall start --foreground

  # Start with custom config file
  netwall start --config /etc/netwall/config.yaml

  # Start with environment variable overrides
  NETWALL_LOGGING_LEVEL=DEBUG netwall start --foreground

  # Override individual settings from the command line (flags beat
  # both the config file and NETWALL_* variables)
  netwall start --foreground --web-port 9090 --syslog-port 1514`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in foreground (default: background/daemon mode)")
	startCmd.Flags().StringVar(&pidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/netwall/netwall.pid)")
	startCmd.Flags().StringVar(&logFile, "log-file", "", "Path to log file for daemon mode (default: $XDG_STATE_HOME/netwall/netwall.log)")
	registerOverrideFlags(startCmd.Flags())
}

// registerOverrideFlags declares the per-setting flags. Each one, when
// set, replaces the corresponding value from the config file and from
// the NETWALL_* environment.
func registerOverrideFlags(f *pflag.FlagSet) {
	f.StringVar(&webHost, "web-host", "", "Bind address for the REST API")
	f.IntVar(&webPort, "web-port", 0, "Port for the REST API")
	f.StringVar(&syslogHost, "syslog-host", "", "Bind address for the UDP syslog listener")
	f.IntVar(&syslogPort, "syslog-port", 0, "Port for the UDP syslog listener")
	f.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (default: embedded SQLite)")
	f.BoolVar(&serveFrontend, "serve-frontend", false, "Serve the bundled web frontend")
	f.StringVar(&frontendDir, "frontend-dir", "", "Directory holding the built frontend assets")
	f.StringVar(&logLevel, "log-level", "", "Log level (DEBUG, INFO, WARN, ERROR)")
	f.StringVar(&yearMode, "year-mode", "", "Year inference for BSD timestamps (auto, current, previous)")
	f.StringVar(&classPrecedence, "classification-precedence", "", "Side classification order (zone_first, interface_first)")
}

// applyOverrideFlags copies flags the user set onto the loaded
// configuration. A changed flag wins unconditionally; everything else
// keeps the file/environment value. The merged result is validated
// again so flag typos fail the same way config typos do.
func applyOverrideFlags(f *pflag.FlagSet, cfg *config.Config) error {
	if f.Changed("web-host") {
		cfg.Web.Host = webHost
	}
	if f.Changed("web-port") {
		cfg.Web.Port = webPort
	}
	if f.Changed("syslog-host") {
		cfg.Syslog.Host = syslogHost
	}
	if f.Changed("syslog-port") {
		cfg.Syslog.Port = syslogPort
	}
	if f.Changed("database-url") {
		cfg.Database.URL = databaseURL
		cfg.Database.Type = ""
	}
	if f.Changed("serve-frontend") {
		cfg.Web.ServeFrontend = serveFrontend
	}
	if f.Changed("frontend-dir") {
		cfg.Web.FrontendDir = frontendDir
	}
	if f.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if f.Changed("year-mode") {
		cfg.Ingest.YearMode = yearMode
	}
	if f.Changed("classification-precedence") {
		// The flag speaks the operator vocabulary (zone_first); the
		// config stores the bare rule name.
		cfg.Classify.Precedence = strings.TrimSuffix(classPrecedence, "_first")
	}

	config.ApplyDefaults(cfg)
	return config.Validate(cfg)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Handle daemon mode (background)
	if !foreground {
		return startDaemon(cmd)
	}

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := applyOverrideFlags(cmd.Flags(), cfg); err != nil {
		return err
	}

	// Initialize the structured logger
	if err := InitLogger(cfg); err != nil {
		return err
	}

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))

	// Initialize the metrics registry before any instrumented component
	// is built; the collectors are nil (and free) while it is off.
	if cfg.Metrics.IsEnabled() {
		metrics.InitRegistry()
		logger.Info("Metrics enabled", "path", "/metrics")
	} else {
		logger.Info("Metrics collection disabled")
	}
	httpMetrics := prometheus.NewHTTPMetrics()
	ingestMetrics := prometheus.NewIngestMetrics()
	jobMetrics := prometheus.NewJobMetrics()

	// Open the store (this runs pending migrations)
	st, err := store.New(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer func() { _ = st.Close() }()
	logger.Info("Store ready", "type", cfg.Database.Type)

	classifier := classify.New(st, cfg.Classify.Precedence)
	stats := ingest.NewStats()

	// Batch writer shared by the syslog consumers
	pipeline := ingest.NewPipeline(st, classifier, stats, ingestMetrics, ingest.Options{
		BatchSize:     cfg.Ingest.BatchSize,
		BatchInterval: cfg.Ingest.BatchInterval,
	})
	pipeline.Start()

	// UDP syslog intake
	syslogServer := syslog.New(pipeline, stats, ingestMetrics, syslog.Options{
		Host:      cfg.Syslog.Host,
		Port:      cfg.Syslog.Port,
		QueueSize: cfg.Syslog.QueueSize,
		Consumers: cfg.Syslog.Consumers,
		YearMode:  cfg.Ingest.YearMode,
	})
	if err := syslogServer.Start(); err != nil {
		return fmt.Errorf("failed to start syslog listener: %w", err)
	}
	logger.Info("Syslog listener ready", "addr", syslogServer.Addr().String())

	// Import queue worker and retention scheduler. Start recovers jobs
	// left running by a previous crash.
	jobManager := jobs.NewManager(st, classifier, jobMetrics, jobs.Options{
		YearMode:  cfg.Ingest.YearMode,
		BatchSize: cfg.Ingest.BatchSize,
		UploadDir: cfg.Ingest.UploadDir,
	})
	if err := jobManager.Start(); err != nil {
		return fmt.Errorf("failed to start job manager: %w", err)
	}

	// REST API (if enabled - defaults to true)
	serverDone := make(chan error, 1)
	if cfg.Web.IsEnabled() {
		apiServer := api.NewServer(cfg.Web, api.Deps{
			Store:      st,
			Classifier: classifier,
			Jobs:       jobManager,
			Stats:      stats,
			Graph:      graph.New(st, classifier),
			Metrics:    httpMetrics,
			MaxUpload:  cfg.Ingest.MaxUploadSize.Int64(),
		})
		go func() {
			serverDone <- apiServer.Start(ctx)
		}()
		logger.Info("API server enabled", "host", cfg.Web.Host, "port", cfg.Web.Port, "frontend", cfg.Web.ServeFrontend)
	} else {
		logger.Info("API server disabled")
		go func() {
			<-ctx.Done()
			serverDone <- nil
		}()
	}

	// Write PID file if specified
	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = os.Remove(pidFile) }()
	}

	// Wait for interrupt signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Analyzer is running. Press Ctrl+C to stop.")

	var serverErr error
	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()

		if err := <-serverDone; err != nil {
			logger.Error("Server shutdown error", "error", err)
			serverErr = err
		}

	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("Server error", "error", err)
			serverErr = err
		}
		cancel()
	}

	// Drain the intake before closing the store: stop accepting
	// datagrams, flush the final batch, then let running jobs finish
	// checkpointing.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := syslogServer.Stop(shutdownCtx); err != nil {
		logger.Error("Syslog listener shutdown error", "error", err)
	}
	if err := pipeline.Stop(shutdownCtx); err != nil {
		logger.Error("Pipeline shutdown error", "error", err)
	}
	if err := jobManager.Stop(shutdownCtx); err != nil {
		logger.Error("Job manager shutdown error", "error", err)
	}

	if serverErr != nil {
		return serverErr
	}
	logger.Info("Analyzer stopped gracefully")
	return nil
}

// startDaemon starts the analyzer as a background daemon process.
func startDaemon(cmd *cobra.Command) error {
	stateDir := GetDefaultStateDir()

	// Create state directory if it doesn't exist
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	// Set default PID file if not specified
	pidPath := pidFile
	if pidPath == "" {
		pidPath = filepath.Join(stateDir, "netwall.pid")
	}

	// Check if already running
	if _, err := os.Stat(pidPath); err == nil {
		pidData, err := os.ReadFile(pidPath)
		if err == nil {
			var pid int
			if _, err := fmt.Sscanf(string(pidData), "%d", &pid); err == nil {
				// Check if process is still running
				if process, err := os.FindProcess(pid); err == nil {
					if err := process.Signal(syscall.Signal(0)); err == nil {
						return fmt.Errorf("netwall is already running (PID %d)\nUse 'netwall stop' to stop the running instance", pid)
					}
				}
			}
		}
		// Stale PID file, remove it
		_ = os.Remove(pidPath)
	}

	// Set default log file if not specified
	logPath := logFile
	if logPath == "" {
		logPath = filepath.Join(stateDir, "netwall.log")
	}

	// Get the executable path
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	// Build arguments for the daemon process
	daemonArgs := []string{"start", "--foreground", "--pid-file", pidPath}
	if GetConfigFile() != "" {
		daemonArgs = append(daemonArgs, "--config", GetConfigFile())
	}

	// Forward the override flags so the daemon sees the same settings.
	cmd.Flags().Visit(func(fl *pflag.Flag) {
		switch fl.Name {
		case "foreground", "pid-file", "log-file":
			return
		}
		daemonArgs = append(daemonArgs, fmt.Sprintf("--%s=%s", fl.Name, fl.Value.String()))
	})

	// Create the daemon process
	daemonCmd := exec.Command(executable, daemonArgs...)

	// Open log file for stdout/stderr
	logFileHandle, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	daemonCmd.Stdout = logFileHandle
	daemonCmd.Stderr = logFileHandle

	// Detach from parent process
	daemonCmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	// Start the daemon
	if err := daemonCmd.Start(); err != nil {
		_ = logFileHandle.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	_ = logFileHandle.Close()

	fmt.Printf("netwall started in background (PID %d)\n", daemonCmd.Process.Pid)
	fmt.Printf("  PID file: %s\n", pidPath)
	fmt.Printf("  Log file: %s\n", logPath)
	fmt.Println("\nUse 'netwall stop' to stop the server")
	fmt.Println("Use 'netwall status' to check server status")

	return nil
}
