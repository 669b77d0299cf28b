// Package management provides a lightweight HTTP API for runtime inspection
// and control of a running proxy instance.
//
// Endpoints:
//
//	GET  /status                    - process health, configured endpoints
//	GET  /metrics                   - metrics snapshot (JSON)
//	GET  /sessions                  - active session names, per endpoint
//	POST /sessions/{name}/finalize  - finalize an in-progress recording
//	POST /warmup                    - pre-warm the replay engine's Reader cache
package management

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"ouli/internal/config"
	"ouli/internal/metrics"
)

// EndpointOps is the subset of an endpoint's record/replay engine that the
// management API needs. Record and Replay engines each implement it; the
// management server is otherwise decoupled from both and never touches
// either engine's transport internals.
type EndpointOps interface {
	// Mode reports "record" or "replay".
	Mode() string
	// SessionNames lists currently active session names for this endpoint.
	SessionNames() []string
	// Finalize closes out the named in-progress recording (record mode) or
	// is a no-op returning an error for replay-mode endpoints.
	Finalize(name string) error
	// WarmUp pre-loads the named sessions' recordings into the Reader
	// cache (replay mode); a no-op returning an error for record mode.
	WarmUp(names []string) error
}

// Server is the management API server. One Server fronts every configured
// endpoint of the process.
type Server struct {
	cfg       *config.Config
	startTime time.Time
	endpoints map[string]EndpointOps
	token     string           // bearer token for auth; empty = no auth
	metrics   *metrics.Metrics // nil = no metrics
}

// New creates a management server for the given endpoints, keyed by
// config.EndpointConfig.Name.
func New(cfg *config.Config, endpoints map[string]EndpointOps, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		endpoints: endpoints,
		token:     cfg.ManagementToken,
		metrics:   m,
	}
	if s.token != "" {
		log.Printf("[MANAGEMENT] Bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the management API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/sessions/", s.handleSessionFinalize)
	mux.HandleFunc("/warmup", s.handleWarmUp)
	return s.authMiddleware(mux)
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			log.Printf("[MANAGEMENT] Unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	type endpointStatus struct {
		Name string `json:"name"`
		Mode string `json:"mode"`
	}
	type response struct {
		Status          string           `json:"status"`
		Uptime          string           `json:"uptime"`
		ManagementPort  int              `json:"managementPort"`
		Endpoints       []endpointStatus `json:"endpoints"`
	}

	resp := response{
		Status:         "running",
		Uptime:         time.Since(s.startTime).Round(time.Second).String(),
		ManagementPort: s.cfg.ManagementPort,
	}
	for _, ec := range s.cfg.Endpoints {
		ops := s.endpoints[ec.Name]
		mode := ec.Mode
		if ops != nil {
			mode = ops.Mode()
		}
		resp.Endpoints = append(resp.Endpoints, endpointStatus{Name: ec.Name, Mode: mode})
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

// handleSessions lists active session names across every endpoint, or for
// one endpoint if ?endpoint=name is given.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	filter := r.URL.Query().Get("endpoint")

	type endpointSessions struct {
		Endpoint string   `json:"endpoint"`
		Sessions []string `json:"sessions"`
	}
	var out []endpointSessions
	for name, ops := range s.endpoints {
		if filter != "" && filter != name {
			continue
		}
		out = append(out, endpointSessions{Endpoint: name, Sessions: ops.SessionNames()})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSessionFinalize implements POST /sessions/{name}/finalize. The
// endpoint is disambiguated by the mandatory ?endpoint= query parameter
// since session names are only unique within one endpoint.
func (s *Server) handleSessionFinalize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	const prefix = "/sessions/"
	const suffix = "/finalize"
	path := r.URL.Path
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		http.NotFound(w, r)
		return
	}
	name := strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix)
	if name == "" {
		http.Error(w, "missing session name", http.StatusBadRequest)
		return
	}

	endpoint := r.URL.Query().Get("endpoint")
	ops, ok := s.endpoints[endpoint]
	if !ok {
		http.Error(w, "unknown endpoint", http.StatusNotFound)
		return
	}
	if err := ops.Finalize(name); err != nil {
		log.Printf("[MANAGEMENT] Finalize %s/%s failed: %v", endpoint, name, err)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	log.Printf("[MANAGEMENT] Finalized session %s on endpoint %s", name, endpoint)
	writeJSON(w, http.StatusOK, map[string]string{"finalized": name})
}

// handleWarmUp implements POST /warmup {"endpoint":"...","sessions":[...]}.
func (s *Server) handleWarmUp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req struct {
		Endpoint string   `json:"endpoint"`
		Sessions []string `json:"sessions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		http.Error(w, `invalid request: need {"endpoint":"...","sessions":[...]}`, http.StatusBadRequest)
		return
	}
	ops, ok := s.endpoints[req.Endpoint]
	if !ok {
		http.Error(w, "unknown endpoint", http.StatusNotFound)
		return
	}
	if err := ops.WarmUp(req.Sessions); err != nil {
		log.Printf("[MANAGEMENT] WarmUp on %s failed: %v", req.Endpoint, err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"warmed": req.Sessions})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[MANAGEMENT] JSON encode error: %v", err)
	}
}

// ListenAndServe starts the management HTTP server.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.ManagementPort)
	log.Printf("[MANAGEMENT] Listening on %s", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
