// Package statusapi serves health, status and Prometheus metrics over HTTP.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mailgate/mailgate/logger"
	"github.com/mailgate/mailgate/pkg/health"
	"github.com/mailgate/mailgate/server/gateway"
)

// StatusSource provides the /status body. *gateway.Status implements it.
type StatusSource interface {
	Snapshot() gateway.Snapshot
}

// Server is the status HTTP endpoint.
type Server struct {
	addr         string
	allowedHosts []string
	monitor      *health.HealthMonitor
	status       StatusSource
	server       *http.Server
}

// ServerOptions holds configuration options for the status server
type ServerOptions struct {
	Addr         string
	AllowedHosts []string
}

func New(monitor *health.HealthMonitor, status StatusSource, options ServerOptions) (*Server, error) {
	if options.Addr == "" {
		return nil, errors.New("status server address is required")
	}
	if monitor == nil || status == nil {
		return nil, errors.New("status server needs a health monitor and a status source")
	}
	return &Server{
		addr:         options.Addr,
		allowedHosts: options.AllowedHosts,
		monitor:      monitor,
		status:       status,
	}, nil
}

// Start runs the server until ctx is done. Startup failures go to errChan.
func Start(ctx context.Context, monitor *health.HealthMonitor, status StatusSource, options ServerOptions, errChan chan error) {
	server, err := New(monitor, status, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create status server: %w", err)
		return
	}

	logger.Info("[HTTP] starting status server", "addr", options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("status server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("[HTTP] shutting down status server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("[HTTP] error shutting down status server", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/health/{component}", s.handleComponentHealth).Methods("GET")
	router.HandleFunc("/status", s.handleStatus).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("[HTTP] request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 || hostAllowed(s.allowedHosts, clientIP(r)) {
			next.ServeHTTP(w, r)
			return
		}
		s.writeError(w, http.StatusForbidden, "Host not allowed")
	})
}

func hostAllowed(allowed []string, client string) bool {
	ip := net.ParseIP(client)
	for _, entry := range allowed {
		if entry == client {
			return true
		}
		if strings.Contains(entry, "/") && ip != nil {
			if _, cidr, err := net.ParseCIDR(entry); err == nil && cidr.Contains(ip) {
				return true
			}
		}
	}
	return false
}

// clientIP is the peer address. Forwarding headers are not trusted; the
// endpoint is meant to be reached directly.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type healthResponse struct {
	Status     health.ComponentStatus `json:"status"`
	Components []health.Report        `json:"components"`
}

// handleHealth serves the last recorded check results. With ?refresh=1 every
// check runs again before the answer is built.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
		s.monitor.CheckNow(r.Context())
	}
	overall := s.monitor.GetOverallStatus()
	code := http.StatusOK
	if overall == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, healthResponse{Status: overall, Components: s.monitor.Reports()})
}

func (s *Server) handleComponentHealth(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["component"]
	for _, report := range s.monitor.Reports() {
		if report.Name != name {
			continue
		}
		code := http.StatusOK
		if report.Status == health.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		s.writeJSON(w, code, report)
		return
	}
	s.writeError(w, http.StatusNotFound, "Unknown component")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.status.Snapshot())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("[HTTP] error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
