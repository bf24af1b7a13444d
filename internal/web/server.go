// Package web serves the host status API, the event websocket and metrics.
package web

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"znp-host/internal/adapter"
	"znp-host/internal/events"
	"znp-host/internal/provider"
	"znp-host/internal/script"
	"znp-host/internal/store"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the application version string reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithAdapter exposes the adapter state and firmware on /api/status.
func WithAdapter(a *adapter.Adapter) ServerOption {
	return func(s *Server) {
		s.adapter = a
	}
}

// WithProvider lists the devices of p under name on /api/devices.
func WithProvider(name string, p provider.Provider) ServerOption {
	return func(s *Server) {
		s.providers[name] = p
	}
}

// WithStore serves the saved network state and NV backups.
func WithStore(st store.Store) ServerOption {
	return func(s *Server) {
		s.store = st
	}
}

// WithScriptRunner enables POST /api/scripts/run.
func WithScriptRunner(r *script.Runner) ServerOption {
	return func(s *Server) {
		s.runner = r
	}
}

// WithMetrics serves the default Prometheus registry on /metrics.
func WithMetrics() ServerOption {
	return func(s *Server) {
		s.metrics = true
	}
}

// Server is the HTTP server of the host.
type Server struct {
	adapter   *adapter.Adapter
	providers map[string]provider.Provider
	store     store.Store
	runner    *script.Runner
	metrics   bool

	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates a server that streams every event on bus to websocket
// clients.
func NewServer(bus *events.Bus, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		providers: make(map[string]provider.Provider),
		logger:    logger.With("component", "web"),
		mux:       http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	if bus != nil {
		s.unsubEvents = bus.OnAll(func(event events.Event) {
			s.wsHub.Broadcast(event)
		})
	}

	s.routes()
	return s
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	s.mux.HandleFunc("GET /api/network", s.handleAPINetwork)
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("GET /api/devices/{id}", s.handleAPIGetDevice)
	s.mux.HandleFunc("GET /api/backups", s.handleAPIListBackups)
	s.mux.HandleFunc("GET /api/backups/{name}", s.handleAPIGetBackup)
	s.mux.HandleFunc("DELETE /api/backups/{name}", s.handleAPIDeleteBackup)
	s.mux.HandleFunc("POST /api/scripts/run", s.handleAPIRunScript)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	if s.metrics {
		s.mux.Handle("GET /metrics", promhttp.Handler())
	}

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" {
		// Browsers cannot send custom headers on a WS upgrade, so only /api/
		// is key-protected.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
