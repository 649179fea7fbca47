// Package server provides the HTTP server for the TLS Certificate Monitor.
// It exposes metrics via Prometheus format and health check endpoints.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/brandonhon/tls-cert-monitor/internal/cache"
	"github.com/brandonhon/tls-cert-monitor/internal/config"
	"github.com/brandonhon/tls-cert-monitor/internal/health"
	"github.com/brandonhon/tls-cert-monitor/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ScanTrigger is the subset of scanner.Scanner the server depends on for
// the /scan and /cache/* endpoints. Defined here as an interface so the
// server does not depend on the concrete scanner type.
type ScanTrigger interface {
	RequestScan(ctx context.Context) (generation uint64, started bool)
	Cache() *cache.Cache
}

// Server represents the HTTP server
type Server struct {
	config   *config.Config
	metrics  *metrics.Collector
	health   *health.Checker
	scanner  ScanTrigger
	logger   *zap.Logger
	server   *http.Server
	registry *prometheus.Registry
}

// New creates a new HTTP server
func New(cfg *config.Config, metrics *metrics.Collector, health *health.Checker, logger *zap.Logger) *Server {
	return &Server{
		config:   cfg,
		metrics:  metrics,
		health:   health,
		logger:   logger,
		registry: nil, // Will serve prometheus.DefaultGatherer
	}
}

// NewWithRegistry creates a new HTTP server with a custom registry
func NewWithRegistry(cfg *config.Config, metrics *metrics.Collector, health *health.Checker, logger *zap.Logger, registry *prometheus.Registry) *Server {
	return &Server{
		config:   cfg,
		metrics:  metrics,
		health:   health,
		logger:   logger,
		registry: registry,
	}
}

// SetScanner wires in the certificate scanner so /scan and /cache/* can
// reach it. Optional: a server without a scanner answers /scan and
// /cache/* with 503 Service Unavailable.
func (s *Server) SetScanner(scanner ScanTrigger) {
	s.scanner = scanner
}

// Start starts the HTTP server
func (s *Server) Start() error {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/healthz", s.handleHealth)

	// Metrics endpoint - avoid duplicate runtime metrics registration
	if s.registry != nil {
		// Custom registry - use HandlerFor to avoid automatic runtime metrics registration
		mux.Handle("/metrics", promhttp.HandlerFor(
			s.registry,
			promhttp.HandlerOpts{
				ErrorHandling: promhttp.ContinueOnError,
			},
		))
	} else {
		// Default registry, served through HandlerFor so promhttp adds no
		// handler-instrumentation metrics of its own
		mux.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{
				ErrorHandling: promhttp.ContinueOnError,
			},
		))
	}

	// Root endpoint
	mux.HandleFunc("/", s.handleRoot)

	// Operational endpoints
	mux.HandleFunc("/scan", s.handleScan)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/cache/stats", s.handleCacheStats)
	mux.HandleFunc("/cache/clear", s.handleCacheClear)

	// Create server
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.BindAddress, s.config.Port),
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Configure TLS if certificates are provided
	if s.config.TLSCert != "" && s.config.TLSKey != "" {
		tlsConfig := &tls.Config{
			MinVersion:               tls.VersionTLS12,
			CurvePreferences:         []tls.CurveID{tls.CurveP521, tls.CurveP384, tls.CurveP256},
			PreferServerCipherSuites: true,
			// Fixed gosec G402 - Removed weak cipher suites and kept only secure ones
			CipherSuites: []uint16{
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
				tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			},
		}

		s.server.TLSConfig = tlsConfig
		return s.server.ListenAndServeTLS(s.config.TLSCert, s.config.TLSKey)
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create response writer wrapper to capture status code
		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     200,
		}

		// Process request
		next.ServeHTTP(wrapped, r)

		// Log request
		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// handleRoot handles the root endpoint
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	// Handle fmt.Fprintf error (errcheck fix)
	_, err := fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>TLS Certificate Monitor</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, "Helvetica Neue", Arial, sans-serif;
            max-width: 800px;
            margin: 50px auto;
            padding: 20px;
            background: #f5f5f5;
        }
        h1 {
            color: #333;
            border-bottom: 2px solid #4CAF50;
            padding-bottom: 10px;
        }
        .endpoints {
            background: white;
            border-radius: 8px;
            padding: 20px;
            box-shadow: 0 2px 4px rgba(0,0,0,0.1);
        }
        .endpoint {
            margin: 15px 0;
            padding: 10px;
            background: #f9f9f9;
            border-left: 4px solid #4CAF50;
        }
        a {
            color: #4CAF50;
            text-decoration: none;
        }
        a:hover {
            text-decoration: underline;
        }
        code {
            background: #e8e8e8;
            padding: 2px 6px;
            border-radius: 3px;
            font-family: "Courier New", monospace;
        }
    </style>
</head>
<body>
    <h1>🔒 TLS Certificate Monitor</h1>
    <div class="endpoints">
        <h2>Available Endpoints</h2>
        <div class="endpoint">
            <strong><a href="/metrics">/metrics</a></strong><br>
            Prometheus metrics endpoint for certificate monitoring
        </div>
        <div class="endpoint">
            <strong><a href="/healthz">/healthz</a></strong><br>
            Health check endpoint with detailed system status
        </div>
        <div class="endpoint">
            <strong><a href="/scan">/scan</a></strong><br>
            Trigger an on-demand certificate rescan
        </div>
        <div class="endpoint">
            <strong><a href="/config">/config</a></strong><br>
            Effective configuration (secrets redacted)
        </div>
        <div class="endpoint">
            <strong><a href="/cache/stats">/cache/stats</a></strong><br>
            Certificate cache effectiveness counters
        </div>
        <div class="endpoint">
            <strong>POST /cache/clear</strong><br>
            Empty the certificate cache
        </div>
        <h2>Configuration</h2>
        <div class="endpoint">
            <strong>Port:</strong> <code>%d</code><br>
            <strong>TLS Enabled:</strong> <code>%v</code><br>
            <strong>Workers:</strong> <code>%d</code><br>
            <strong>Scan Interval:</strong> <code>%v</code><br>
            <strong>Monitored Directories:</strong> <code>%v</code>
        </div>
    </div>
</body>
</html>`,
		s.config.Port,
		s.config.TLSCert != "" && s.config.TLSKey != "",
		s.config.Workers,
		s.config.ScanInterval,
		s.config.CertificateDirectories,
	)

	if err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}

// handleScan triggers a certificate rescan and returns immediately; the
// scan itself runs asynchronously and coalesces with any scan already in
// flight.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.scanner == nil {
		http.Error(w, "scanner not available", http.StatusServiceUnavailable)
		return
	}

	gen, started := s.scanner.RequestScan(r.Context())

	status := "coalesced"
	if started {
		status = "started"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	resp := map[string]interface{}{
		"generation": gen,
		"status":     status,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("Failed to encode scan response", zap.Error(err))
	}
}

// safeConfig is the JSON view of Config returned by /config: secrets
// (the TLS private key path, PKCS#12 passwords) are never echoed back,
// only whether they are configured.
type safeConfig struct {
	CertificateDirectories []string `json:"certificate_directories"`
	ExcludeDirectories     []string `json:"exclude_directories"`
	BindAddress            string   `json:"bind_address"`
	Port                   int      `json:"port"`
	Workers                int      `json:"workers"`
	ScanInterval           string   `json:"scan_interval"`
	LogLevel               string   `json:"log_level"`
	CacheDir               string   `json:"cache_dir"`
	CacheTTL               string   `json:"cache_ttl"`
	CacheMaxSize           int64    `json:"cache_max_size"`
	HotReload              bool     `json:"hot_reload"`
	TLSEnabled             bool     `json:"tls_enabled"`
	TLSKeyConfigured       bool     `json:"tls_key_configured"`
	PKCS12PasswordCount    int      `json:"pkcs12_password_count"`
}

// handleConfig returns the effective configuration with secrets redacted.
func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	cfg := safeConfig{
		CertificateDirectories: s.config.CertificateDirectories,
		ExcludeDirectories:     s.config.ExcludeDirectories,
		BindAddress:            s.config.BindAddress,
		Port:                   s.config.Port,
		Workers:                s.config.Workers,
		ScanInterval:           s.config.ScanInterval.String(),
		LogLevel:               s.config.LogLevel,
		CacheDir:               s.config.CacheDir,
		CacheTTL:               s.config.CacheTTL.String(),
		CacheMaxSize:           s.config.CacheMaxSize,
		HotReload:              s.config.HotReload,
		TLSEnabled:             s.config.TLSCert != "" && s.config.TLSKey != "",
		TLSKeyConfigured:       s.config.TLSKey != "",
		PKCS12PasswordCount:    len(s.config.PKCS12Passwords),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(cfg); err != nil {
		s.logger.Error("Failed to encode config response", zap.Error(err))
	}
}

// handleCacheStats returns cache effectiveness counters.
func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	if s.scanner == nil {
		http.Error(w, "cache not available", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.scanner.Cache().Stats()); err != nil {
		s.logger.Error("Failed to encode cache stats response", zap.Error(err))
	}
}

// handleCacheClear empties the certificate cache, forcing the next scan to
// reparse every file.
func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.scanner == nil {
		http.Error(w, "cache not available", http.StatusServiceUnavailable)
		return
	}

	s.scanner.Cache().Clear()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "cache cleared"}); err != nil {
		s.logger.Error("Failed to encode cache clear response", zap.Error(err))
	}
}

// handleHealth handles the health check endpoint
// Fixed revive unused parameter issue by removing unused parameter name
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	response := s.health.Check()

	// Set status code based on health (fixed ineffassign issue)
	var statusCode int
	switch response.Status {
	case health.StatusHealthy:
		statusCode = http.StatusOK
	case health.StatusDegraded:
		statusCode = http.StatusOK // Still return 200 for degraded
	case health.StatusUnhealthy:
		statusCode = http.StatusServiceUnavailable
	default:
		// Unknown status - treat as unhealthy
		statusCode = http.StatusServiceUnavailable
	}

	// Send response
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("Failed to encode health response", zap.Error(err))
	}
}
