// Package httpapi exposes the filter engine over HTTP: filter and
// forwarding rule management per account, a delivery hook, and engine
// statistics. All routes require the configured bearer API key.
package httpapi

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/migadu/sift/config"
	"github.com/migadu/sift/logger"
	"github.com/migadu/sift/pkg/metrics"
	"github.com/migadu/sift/ruleset"
	"github.com/migadu/sift/server/delivery"
)

// Server is the HTTP API server.
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	registry     *ruleset.Registry
	pipeline     *delivery.DeliveryContext // nil disables the deliver hook
	engineCfg    config.EngineConfig
	server       *http.Server
	tls          bool
	tlsCertFile  string
	tlsKeyFile   string
}

// ServerOptions configures the HTTP API server.
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
	Registry     *ruleset.Registry
	Pipeline     *delivery.DeliveryContext
	Engine       config.EngineConfig
	TLS          bool
	TLSCertFile  string
	TLSKeyFile   string
}

// New validates the options and builds a server.
func New(options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if options.Registry == nil {
		return nil, fmt.Errorf("rule registry is required for HTTP API server")
	}
	if options.TLS && (options.TLSCertFile == "" || options.TLSKeyFile == "") {
		return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
	}

	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		registry:     options.Registry,
		pipeline:     options.Pipeline,
		engineCfg:    options.Engine,
		tls:          options.TLS,
		tlsCertFile:  options.TLSCertFile,
		tlsKeyFile:   options.TLSKeyFile,
	}, nil
}

// Start creates the server and runs it until ctx is cancelled. Failures
// after startup go to errChan.
func Start(ctx context.Context, options ServerOptions, errChan chan<- error) {
	server, err := New(options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	protocol := "HTTP"
	if options.TLS {
		protocol = "HTTPS"
	}
	logger.Info("HTTP API: starting server", "protocol", protocol, "addr", options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.routes(),
	}

	go func() {
		<-ctx.Done()
		logger.Info("HTTP API: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP API: shutdown error", "error", err)
		}
	}()

	if s.tls {
		s.server.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			Renegotiation: tls.RenegotiateNever,
		}
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

// routes builds the router with middleware applied outermost-first:
// auth, then host allow-list, then logging and metrics.
func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/stats", s.handleEngineStats).Methods("GET")

	acct := api.PathPrefix("/accounts/{accountID:[0-9]+}").Subrouter()

	acct.HandleFunc("/filters", s.handleListFilters).Methods("GET")
	acct.HandleFunc("/filters", s.handleCreateFilter).Methods("POST")
	acct.HandleFunc("/filters/move", s.handleMoveFilter).Methods("POST")
	acct.HandleFunc("/filters/selection", s.handleGetSelection).Methods("GET")
	acct.HandleFunc("/filters/selection", s.handleSetSelection).Methods("PUT")
	acct.HandleFunc("/filters/{filterID}", s.handleGetFilter).Methods("GET")
	acct.HandleFunc("/filters/{filterID}", s.handleUpdateFilter).Methods("PUT")
	acct.HandleFunc("/filters/{filterID}", s.handleDeleteFilter).Methods("DELETE")
	acct.HandleFunc("/filters/{filterID}/toggle", s.handleToggleFilter).Methods("POST")
	acct.HandleFunc("/filters/{filterID}/duplicate", s.handleDuplicateFilter).Methods("POST")
	acct.HandleFunc("/filters/{filterID}/conditions", s.handleAddCondition).Methods("POST")
	acct.HandleFunc("/filters/{filterID}/conditions/{conditionID}", s.handleUpdateCondition).Methods("PUT")
	acct.HandleFunc("/filters/{filterID}/conditions/{conditionID}", s.handleRemoveCondition).Methods("DELETE")
	acct.HandleFunc("/filters/{filterID}/actions", s.handleAddAction).Methods("POST")
	acct.HandleFunc("/filters/{filterID}/actions/{actionID}", s.handleUpdateAction).Methods("PUT")
	acct.HandleFunc("/filters/{filterID}/actions/{actionID}", s.handleRemoveAction).Methods("DELETE")

	acct.HandleFunc("/forwarding", s.handleListForwarding).Methods("GET")
	acct.HandleFunc("/forwarding", s.handleCreateForwarding).Methods("POST")
	acct.HandleFunc("/forwarding/move", s.handleMoveForwarding).Methods("POST")
	acct.HandleFunc("/forwarding/{ruleID}", s.handleGetForwarding).Methods("GET")
	acct.HandleFunc("/forwarding/{ruleID}", s.handleUpdateForwarding).Methods("PUT")
	acct.HandleFunc("/forwarding/{ruleID}", s.handleDeleteForwarding).Methods("DELETE")
	acct.HandleFunc("/forwarding/{ruleID}/toggle", s.handleToggleForwarding).Methods("POST")

	acct.HandleFunc("/stats", s.handleAccountStats).Methods("GET")
	acct.HandleFunc("/deliver", s.handleDeliver).Methods("POST")

	var handler http.Handler = r
	handler = s.metricsMiddleware(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.allowedHostsMiddleware(handler)
	handler = s.authMiddleware(handler)
	return handler
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP API: request",
			"method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		// The route template keeps metric cardinality bounded.
		path := "unmatched"
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)
		for _, allowed := range s.allowedHosts {
			if allowed == clientIP {
				next.ServeHTTP(w, r)
				return
			}
			if strings.Contains(allowed, "/") {
				if _, cidr, err := net.ParseCIDR(allowed); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil && cidr.Contains(ip) {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
		}
		s.writeError(w, http.StatusForbidden, "Host not allowed")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("HTTP API: failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// accountManager resolves the path's account to its filter manager.
func (s *Server) accountManager(w http.ResponseWriter, r *http.Request) (*ruleset.Manager, int64, bool) {
	accountID, err := strconv.ParseInt(mux.Vars(r)["accountID"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid account ID")
		return nil, 0, false
	}
	manager, err := s.registry.Manager(r.Context(), accountID)
	if err != nil {
		logger.Error("HTTP API: loading filters failed", "account_id", accountID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load filters")
		return nil, 0, false
	}
	return manager, accountID, true
}

func (s *Server) forwardingManager(w http.ResponseWriter, r *http.Request) (*ruleset.ForwardingManager, bool) {
	accountID, err := strconv.ParseInt(mux.Vars(r)["accountID"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid account ID")
		return nil, false
	}
	fm, err := s.registry.Forwarding(r.Context(), accountID)
	if err != nil {
		logger.Error("HTTP API: loading forwarding rules failed", "account_id", accountID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load forwarding rules")
		return nil, false
	}
	return fm, true
}

func (s *Server) handleEngineStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.registry.EngineStats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to collect stats")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}
