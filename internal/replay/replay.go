// Package replay implements the Replay Engine (component C6): serve
// recorded interactions back to a client without ever contacting the
// original upstream, reproducing record-time chain ordering exactly.
//
// Grounded on the same dispatch shape as internal/record.Server
// (ServeHTTP -> handleHTTP/handleWebSocket, per-session locking; response
// headers are served as recorded), generalized from "forward and persist"
// to "look up and serve" against the Store Reader side instead of the
// Writer side.
package replay

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ouli/internal/config"
	"ouli/internal/fingerprint"
	"ouli/internal/format"
	"ouli/internal/logger"
	"ouli/internal/metrics"
	"ouli/internal/ouerr"
	"ouli/internal/redact"
	"ouli/internal/session"
	"ouli/internal/store"
	"ouli/internal/ws"
)

// Server is the Replay Engine for one configured endpoint.
type Server struct {
	name          string
	recordingsDir string

	redactor *redact.Redactor
	metrics  *metrics.Metrics
	log      *logger.Logger

	sessions *session.Registry

	readers   *readerCache
	responses *responseCache

	connScoped bool
	maxRequest int64
	chunkDelay time.Duration

	sem chan struct{} // connection admission control, MAX_CONNECTIONS-bounded
}

// New builds a Replay Engine for one endpoint configuration.
func New(ec config.EndpointConfig, recordingsDir string, redactor *redact.Redactor, m *metrics.Metrics, log *logger.Logger, readerTTL, responseTTL time.Duration, responseMaxBytes int64, chunkDelay time.Duration) (*Server, error) {
	maxConns := ec.Limits.MaxConnections
	if maxConns <= 0 {
		maxConns = 4096
	}
	maxReq := ec.Limits.MaxRequestSize
	if maxReq <= 0 {
		maxReq = 16 << 20
	}

	dir := filepath.Join(recordingsDir, ec.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recordings dir: %w", err)
	}

	delay := chunkDelay
	if ec.DisableStreamingPacing {
		delay = 0
	}

	return &Server{
		name:          ec.Name,
		recordingsDir: dir,
		redactor:      redactor,
		metrics:       m,
		log:           log,
		sessions:      session.NewRegistry(),
		readers:       newReaderCache(readerTTL, m),
		responses:     newResponseCache(responseTTL, responseMaxBytes, m),
		connScoped:    ec.ConnectionScopedSessions,
		maxRequest:    maxReq,
		chunkDelay:    delay,
		sem:           make(chan struct{}, maxConns),
	}, nil
}

// Mode implements management.EndpointOps.
func (s *Server) Mode() string { return "replay" }

// SessionNames implements management.EndpointOps: recordings currently
// resident in the Reader cache.
func (s *Server) SessionNames() []string { return s.readers.Names() }

// Finalize implements management.EndpointOps; the Replay Engine never
// writes, so there is nothing to finalize.
func (s *Server) Finalize(string) error {
	return fmt.Errorf("endpoint %q is in replay mode, finalize is a record-only operation", s.name)
}

// WarmUp implements management.EndpointOps: pre-open each named
// recording's Reader and pre-populate its response cache entries.
// Idempotent — already-cached sessions and entries are left untouched.
func (s *Server) WarmUp(names []string) error {
	for _, name := range names {
		reader, err := s.openSession(name)
		if err != nil {
			return fmt.Errorf("warm up %q: %w", name, err)
		}
		for _, entry := range reader.AllInteractions() {
			if _, _, _, ok := s.responses.Get(name, entry.RequestHash); ok {
				continue
			}
			resp, handle, err := reader.ReadResponse(entry)
			if err != nil {
				s.log.Warnf("REPLAY", "warmup decode failed for session %s: %v", name, err)
				continue
			}
			s.responses.Put(name, entry.RequestHash, resp, entry.ResponseStatus, entry.PrevRequestHash, handle, int64(len(handle.Bytes)))
		}
	}
	return nil
}

// openSession returns the cached Reader for name, opening it from disk on
// a cache miss. Returns ouerr.ErrRecordingNotFound if no file exists.
func (s *Server) openSession(name string) (*store.Reader, error) {
	if r, ok := s.readers.Get(name); ok {
		return r, nil
	}
	path := filepath.Join(s.recordingsDir, name+".ouli")
	if _, err := os.Stat(path); err != nil {
		return nil, ouerr.ErrRecordingNotFound
	}
	reader, err := store.OpenReader(path)
	if err != nil {
		return nil, err
	}
	s.readers.Put(name, reader)
	return reader, nil
}

// ServeHTTP dispatches incoming requests: WebSocket upgrades are replayed
// frame-by-frame, plain HTTP requests are fingerprinted and looked up.
// CONNECT tunneling has no meaning in replay mode since nothing is ever
// proxied to a live upstream.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	default:
		http.Error(w, ouerr.ErrConnectionLimitReached.Error(), http.StatusServiceUnavailable)
		return
	}

	if r.Method == http.MethodConnect {
		http.Error(w, "CONNECT tunneling is not supported in replay mode", http.StatusNotImplemented)
		return
	}
	if isWebSocketUpgrade(r) {
		s.handleWebSocket(w, r)
		return
	}
	s.handleHTTP(w, r)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// resolveSessionName derives a session's lookup key for the replay side:
// by test-name header, or by the hex of the first request's fingerprint.
func (s *Server) resolveSessionName(r *http.Request, body []byte) (string, error) {
	headerName := r.Header.Get("X-Ouli-Test-Name")
	if headerName != "" {
		if err := session.ValidateTestName(headerName); err != nil {
			return "", err
		}
		return headerName, nil
	}
	probe := fingerprint.Request{
		Method:      r.Method,
		Path:        r.URL.Path,
		RawQuery:    r.URL.RawQuery,
		Headers:     map[string][]string(r.Header),
		ContentType: r.Header.Get("Content-Type"),
		Body:        body,
	}
	firstHash, err := fingerprint.Fingerprint(probe, fingerprint.ChainHeadHash, s.redactor)
	if err != nil {
		return "", err
	}
	return session.ResolveTestName("", firstHash)
}

// handleHTTP runs the per-request replay procedure.
func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if s.metrics != nil {
		s.metrics.RequestsTotal.Add(1)
		s.metrics.RequestsReplay.Add(1)
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxRequest)
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, ouerr.ErrRequestTooLarge.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	r.Body.Close() //nolint:errcheck

	name, err := s.resolveSessionName(r, bodyBytes)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reader, err := s.openSession(name)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "Recording not found", map[string]any{"session": name})
		return
	}

	sess := s.sessions.GetOrCreate(name, session.ModeReplay, s.connScoped)

	fpReq := fingerprint.Request{
		Method:      r.Method,
		Path:        r.URL.Path,
		RawQuery:    r.URL.RawQuery,
		Headers:     map[string][]string(r.Header),
		ContentType: r.Header.Get("Content-Type"),
		Body:        bodyBytes,
	}

	sess.Lock()
	defer sess.Unlock()

	if r.Header.Get("X-Ouli-Reset-Chain") == "true" {
		sess.ResetChain()
	}

	fpStart := time.Now()
	prevHash := sess.PrevHash()
	reqHash, err := sess.ProcessRequest(fpReq, s.redactor)
	if s.metrics != nil {
		s.metrics.RecordFingerprintLatency(time.Since(fpStart))
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.ErrorsChain.Add(1)
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp, status, entryPrevHash, fromCache := s.responses.Get(name, reqHash.ToFormat())
	if !fromCache {
		entry, found := lookupEntry(reader, reqHash)
		if !found {
			// The request may be recorded at another chain position: it then
			// hashes to an entry's own hash when chained onto that entry's prev.
			for _, e := range reader.AllInteractions() {
				h, ferr := fingerprint.Fingerprint(fpReq, fingerprint.FromFormat(e.PrevRequestHash), s.redactor)
				if ferr == nil && h.ToFormat() == e.RequestHash {
					if s.metrics != nil {
						s.metrics.ErrorsChain.Add(1)
					}
					writeJSONError(w, http.StatusConflict, "chain mismatch", map[string]any{
						"expectedPrevHash": fmt.Sprintf("%x", prevHash.ToFormat()),
						"actualPrevHash":   fmt.Sprintf("%x", e.PrevRequestHash),
					})
					return
				}
			}
			writeJSONError(w, http.StatusNotFound, "Recording not found", map[string]any{"requestHash": reqHash.String()})
			return
		}
		var handle *store.Handle
		resp, handle, err = reader.ReadResponse(entry)
		if err != nil {
			if s.metrics != nil {
				s.metrics.ErrorsStorage.Add(1)
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		status = entry.ResponseStatus
		entryPrevHash = entry.PrevRequestHash
		s.responses.Put(name, reqHash.ToFormat(), resp, status, entryPrevHash, handle, int64(len(handle.Bytes)))
	}

	if entryPrevHash != prevHash.ToFormat() {
		if s.metrics != nil {
			s.metrics.ErrorsChain.Add(1)
		}
		writeJSONError(w, http.StatusConflict, "chain mismatch", map[string]any{
			"expectedPrevHash": fmt.Sprintf("%x", prevHash.ToFormat()),
			"actualPrevHash":   fmt.Sprintf("%x", entryPrevHash),
		})
		return
	}

	for _, h := range resp.Headers {
		w.Header().Add(h.Name, h.Value)
	}
	w.WriteHeader(int(status))

	if resp.Streaming {
		s.writeChunks(w, resp.Chunks)
	} else {
		w.Write(resp.Body) //nolint:errcheck
	}

	if s.metrics != nil {
		s.metrics.RecordReplayLatency(time.Since(start))
	}
}

// writeChunks emits a streaming response's chunks in original order,
// pacing by s.chunkDelay to approximate original timing. A zero delay
// disables pacing entirely.
func (s *Server) writeChunks(w http.ResponseWriter, chunks []format.Chunk) {
	flusher, canFlush := w.(http.Flusher)
	for _, c := range chunks {
		if s.chunkDelay > 0 {
			time.Sleep(s.chunkDelay)
		}
		w.Write(c.Data) //nolint:errcheck
		if canFlush {
			flusher.Flush()
		}
	}
}

// handleWebSocket upgrades the client connection and drives the stored
// chunk sequence position-strict via ws.ReplayConn.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	name, err := s.resolveSessionName(r, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reader, err := s.openSession(name)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "Recording not found", map[string]any{"session": name})
		return
	}

	sess := s.sessions.GetOrCreate(name, session.ModeReplay, s.connScoped)

	fpReq := fingerprint.Request{
		Method:      r.Method,
		Path:        r.URL.Path,
		RawQuery:    r.URL.RawQuery,
		Headers:     map[string][]string(r.Header),
		ContentType: r.Header.Get("Content-Type"),
	}

	sess.Lock()
	defer sess.Unlock()

	prevHash := sess.PrevHash()
	reqHash, err := sess.ProcessRequest(fpReq, s.redactor)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	entry, found := lookupEntry(reader, reqHash)
	if !found {
		writeJSONError(w, http.StatusNotFound, "Recording not found", map[string]any{"requestHash": reqHash.String()})
		return
	}
	if entry.PrevRequestHash != prevHash.ToFormat() {
		writeJSONError(w, http.StatusConflict, "chain mismatch", map[string]any{
			"expectedPrevHash": fmt.Sprintf("%x", prevHash.ToFormat()),
			"actualPrevHash":   fmt.Sprintf("%x", entry.PrevRequestHash),
		})
		return
	}

	resp, handle, err := reader.ReadResponse(entry)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer handle.Release()

	clientConn, err := ws.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("REPLAY", "websocket upgrade failed: %v", err)
		return
	}
	defer clientConn.Close() //nolint:errcheck

	rc := ws.ReplayConn{Client: clientConn, Chunks: resp.Chunks, Delay: s.chunkDelay}
	if err := rc.Run(s.redactor.RedactBytes); err != nil {
		s.log.Infof("REPLAY", "websocket replay session %s ended: %v", name, err)
	}
}

// lookupEntry finds the index entry for base, probing collision-extended
// candidates up to fingerprint.MaxCollisionCounter before reporting a
// miss.
func lookupEntry(reader *store.Reader, base fingerprint.Hash) (format.IndexEntry, bool) {
	if e, ok := reader.Lookup(base.ToFormat()); ok {
		return e, true
	}
	for counter := uint32(1); counter <= fingerprint.MaxCollisionCounter; counter++ {
		candidate := fingerprint.NextCollisionHash(base, counter)
		if e, ok := reader.Lookup(candidate.ToFormat()); ok {
			return e, true
		}
	}
	return format.IndexEntry{}, false
}

func writeJSONError(w http.ResponseWriter, status int, message string, extra map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	payload := map[string]any{"error": message}
	for k, v := range extra {
		payload[k] = v
	}
	json.NewEncoder(w).Encode(payload) //nolint:errcheck
}
