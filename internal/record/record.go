// Package record implements the Record Engine: accept a client request,
// proxy it to the configured upstream, and persist the redacted
// interaction to a Store-backed recording file.
//
// ServeHTTP dispatches to handleTunnel/handleWebSocket/handleHTTP: CONNECT
// tunneling, hop-by-hop header stripping, and a manually configured
// *http.Transport with ProxyFromEnvironment. The engine fingerprints the
// request, forwards it, then persists both sides of the exchange.
package record

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

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

// hopByHopHeaders are stripped before forwarding upstream and before
// persisting.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade", "Proxy-Connection",
}

func removeHopByHop(h http.Header) {
	for _, v := range hopByHopHeaders {
		h.Del(v)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// sessionWriter pairs a chain-state Session with its Store Writer; both
// are guarded together by the Session's own lock.
type sessionWriter struct {
	session *session.Session
	writer  *store.Writer
	path    string
}

// Server is the Record Engine for one configured endpoint.
type Server struct {
	name          string
	targetBaseURL *url.URL
	recordingsDir string

	redactor  *redact.Redactor
	metrics   *metrics.Metrics
	log       *logger.Logger
	clock     store.Clock
	checkpoint *store.Checkpoint

	connScoped    bool
	maxRequest    int64
	maxResponse   int64
	streamingOK   bool

	transport *http.Transport

	mu      sync.Mutex
	writers map[string]*sessionWriter
	order   []string

	sem chan struct{} // connection admission control, MAX_CONNECTIONS-bounded
}

// New builds a Record Engine for one endpoint configuration.
func New(ec config.EndpointConfig, recordingsDir string, redactor *redact.Redactor, m *metrics.Metrics, log *logger.Logger, checkpoint *store.Checkpoint) (*Server, error) {
	target := &url.URL{
		Scheme: ec.TargetType,
		Host:   fmt.Sprintf("%s:%d", ec.TargetHost, ec.TargetPort),
	}
	if target.Scheme == "" {
		target.Scheme = "http"
	}

	maxConns := ec.Limits.MaxConnections
	if maxConns <= 0 {
		maxConns = 4096
	}
	maxReq := ec.Limits.MaxRequestSize
	if maxReq <= 0 {
		maxReq = 16 << 20
	}
	maxResp := ec.Limits.MaxResponseSize
	if maxResp <= 0 {
		maxResp = 256 << 20
	}

	dir := filepath.Join(recordingsDir, ec.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recordings dir: %w", err)
	}

	s := &Server{
		name:          ec.Name,
		targetBaseURL: target,
		recordingsDir: dir,
		redactor:      redactor,
		metrics:       m,
		log:           log,
		clock:         store.SystemClock{},
		checkpoint:    checkpoint,
		connScoped:    ec.ConnectionScopedSessions,
		maxRequest:    maxReq,
		maxResponse:   maxResp,
		streamingOK:   !ec.DisableStreamingPacing,
		writers:       make(map[string]*sessionWriter),
		sem:           make(chan struct{}, maxConns),
		transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          200,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}
	return s, nil
}

// Mode implements management.EndpointOps.
func (s *Server) Mode() string { return "record" }

// SessionNames implements management.EndpointOps.
func (s *Server) SessionNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// WarmUp implements management.EndpointOps; the Record Engine has no
// cache to warm, so this always errors.
func (s *Server) WarmUp([]string) error {
	return fmt.Errorf("endpoint %q is in record mode, warmup is a replay-only operation", s.name)
}

// Finalize implements management.EndpointOps: finalize the named
// in-progress recording and remove it from the active set.
func (s *Server) Finalize(name string) error {
	s.mu.Lock()
	sw, ok := s.writers[name]
	if ok {
		delete(s.writers, name)
		for i, n := range s.order {
			if n == name {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active session %q", name)
	}
	sw.session.Lock()
	defer sw.session.Unlock()
	return sw.writer.Finalize()
}

// FinalizeAll finalizes every open session in insertion order. Returns
// the first error encountered but continues finalizing the rest so a
// single bad session doesn't strand the others.
func (s *Server) FinalizeAll() error {
	s.mu.Lock()
	names := append([]string(nil), s.order...)
	s.mu.Unlock()

	var firstErr error
	for _, name := range names {
		if err := s.Finalize(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Server) getOrCreateSession(name string) (*sessionWriter, error) {
	s.mu.Lock()
	sw, ok := s.writers[name]
	s.mu.Unlock()
	if ok {
		return sw, nil
	}

	path := filepath.Join(s.recordingsDir, name+".ouli")
	recordingID := sha256.Sum256([]byte(name))

	writer, err := store.NewWriter(path, recordingID, s.clock, s.checkpoint)
	if err != nil {
		return nil, fmt.Errorf("open recording for session %q: %w", name, err)
	}
	sess := session.New(name, session.ModeRecord, s.connScoped)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.writers[name]; ok {
		// Lost the race; discard our writer and use the winner's.
		writer.Abort() //nolint:errcheck // best-effort cleanup of the loser
		return existing, nil
	}
	sw = &sessionWriter{session: sess, writer: writer, path: path}
	s.writers[name] = sw
	s.order = append(s.order, name)
	return sw, nil
}

// ServeHTTP dispatches incoming requests: CONNECT is tunneled
// transparently, WebSocket upgrades are relayed-and-captured, and plain
// HTTP requests are fingerprinted, forwarded, and persisted.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	default:
		http.Error(w, ouerr.ErrConnectionLimitReached.Error(), http.StatusServiceUnavailable)
		return
	}

	if r.Method == http.MethodConnect {
		s.handleTunnel(w, r)
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

// handleTunnel handles HTTPS CONNECT requests by establishing a raw TCP
// tunnel; traffic inside an un-terminated tunnel cannot be recorded.
func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	s.log.Infof("TUNNEL", "CONNECT %s", host)

	destConn, err := net.DialTimeout("tcp", host, 20*time.Second)
	if err != nil {
		http.Error(w, fmt.Sprintf("cannot connect to %s: %v", host, err), http.StatusBadGateway)
		return
	}
	defer destConn.Close() //nolint:errcheck // best-effort close

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		s.log.Warnf("TUNNEL", "hijack error for %s: %v", host, err)
		return
	}
	defer clientConn.Close() //nolint:errcheck // best-effort close

	done := make(chan struct{}, 2)
	go func() { io.Copy(destConn, clientConn); done <- struct{}{} }() //nolint:errcheck
	go func() { io.Copy(clientConn, destConn); done <- struct{}{} }() //nolint:errcheck
	<-done
}

// handleHTTP runs the per-request record procedure for plain HTTP
// request/response pairs.
func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if s.metrics != nil {
		s.metrics.RequestsTotal.Add(1)
		s.metrics.RequestsRecord.Add(1)
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxRequest)
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, ouerr.ErrRequestTooLarge.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	r.Body.Close() //nolint:errcheck

	name := r.Header.Get("X-Ouli-Test-Name")
	sw, err := s.pendingSession(name, r, bodyBytes)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	fpReq := fingerprint.Request{
		Method:      r.Method,
		Path:        r.URL.Path,
		RawQuery:    r.URL.RawQuery,
		Headers:     map[string][]string(r.Header),
		ContentType: r.Header.Get("Content-Type"),
		Body:        bodyBytes,
	}

	sw.session.Lock()
	defer sw.session.Unlock()

	if r.Header.Get("X-Ouli-Reset-Chain") == "true" {
		sw.session.ResetChain()
	}

	fpStart := time.Now()
	prevHash := sw.session.PrevHash()
	prevDepth := sw.session.ChainDepth()
	reqHash, err := sw.session.ProcessRequest(fpReq, s.redactor)
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

	// ProcessRequest has already advanced the chain above. Until a reply
	// is actually received from upstream, nothing is persisted, so any
	// early return below must roll the chain back to prevHash/prevDepth
	// first — otherwise the next request's PrevRequestHash would point
	// at a request_hash that was never written to the recording.
	upReq, err := s.buildUpstreamRequest(r, bodyBytes)
	if err != nil {
		sw.session.RollbackChain(prevHash, prevDepth)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	resp, err := s.transport.RoundTrip(upReq)
	if err != nil {
		sw.session.RollbackChain(prevHash, prevDepth)
		if s.metrics != nil {
			s.metrics.ErrorsUpstream.Add(1)
		}
		http.Error(w, fmt.Sprintf("upstream error: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close() //nolint:errcheck

	removeHopByHop(resp.Header)
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	streaming := s.streamingOK && isStreamingResponse(resp)
	respBody, chunks, err := s.copyAndCapture(w, resp.Body, streaming)
	if err != nil {
		s.log.Warnf("RECORD", "response copy error for session %s: %v", sw.session.Name, err)
	}

	var flags uint16
	if streaming {
		flags |= format.FlagStreaming
	}
	flags |= format.FlagRedacted

	fmtReq := requestToFormat(fpReq, s.redactor)
	fmtResp := responseToFormat(resp.Header, respBody, chunks, streaming, s.redactor)

	appendErr := sw.writer.AppendInteraction(reqHash.ToFormat(), prevHash.ToFormat(), fmtReq, fmtResp, uint16(resp.StatusCode), flags, s.clock.NowNs())
	if appendErr != nil {
		if s.metrics != nil {
			s.metrics.ErrorsStorage.Add(1)
		}
		s.log.Warnf("RECORD", "append interaction failed for session %s: %v", sw.session.Name, appendErr)
		return
	}
	if s.metrics != nil {
		s.metrics.InteractionsAppended.Add(1)
	}
}

// pendingSession resolves (or creates) the session this request belongs
// to, deriving a name from the first request's fingerprint when no
// X-Ouli-Test-Name header is present.
func (s *Server) pendingSession(headerName string, r *http.Request, body []byte) (*sessionWriter, error) {
	if headerName != "" {
		if err := session.ValidateTestName(headerName); err != nil {
			return nil, err
		}
		return s.getOrCreateSession(headerName)
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
		return nil, err
	}
	name, err := session.ResolveTestName("", firstHash)
	if err != nil {
		return nil, err
	}
	return s.getOrCreateSession(name)
}

func (s *Server) buildUpstreamRequest(r *http.Request, body []byte) (*http.Request, error) {
	u := *s.targetBaseURL
	u.Path = r.URL.Path
	u.RawQuery = r.URL.RawQuery

	upReq, err := http.NewRequestWithContext(r.Context(), r.Method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	upReq.Header = r.Header.Clone()
	removeHopByHop(upReq.Header)
	upReq.Host = u.Host
	return upReq, nil
}

func isStreamingResponse(resp *http.Response) bool {
	if strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "text/event-stream") {
		return true
	}
	for _, v := range resp.TransferEncoding {
		if strings.EqualFold(v, "chunked") {
			return true
		}
	}
	return false
}

// copyAndCapture streams resp body to the client, flushing after every
// write so streaming responses aren't buffered client-side, while also
// capturing the bytes (as a single buffer, or as timestamped chunks when
// streaming) bounded by maxResponse.
func (s *Server) copyAndCapture(w http.ResponseWriter, src io.Reader, streaming bool) ([]byte, []format.Chunk, error) {
	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	var captured []byte
	var chunks []format.Chunk
	var total int64

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			total += int64(n)
			if total > s.maxResponse {
				return captured, chunks, ouerr.ErrResponseTooLarge
			}
			chunk := append([]byte(nil), buf[:n]...)
			if _, werr := w.Write(chunk); werr != nil {
				return captured, chunks, werr
			}
			if canFlush {
				flusher.Flush()
			}
			if streaming {
				chunks = append(chunks, format.Chunk{
					Direction:   format.DirectionServerToClient,
					Data:        chunk,
					TimestampNs: s.clock.NowNs(),
				})
			} else {
				captured = append(captured, chunk...)
			}
		}
		if rerr == io.EOF {
			return captured, chunks, nil
		}
		if rerr != nil {
			return captured, chunks, rerr
		}
	}
}

func requestToFormat(req fingerprint.Request, r *redact.Redactor) *format.Request {
	stripped := http.Header(req.Headers).Clone()
	removeHopByHop(stripped)
	headers := make([]format.Header, 0, len(stripped))
	for name, values := range stripped {
		for _, v := range values {
			if r != nil {
				v = r.RedactString(v)
			}
			headers = append(headers, format.Header{Name: name, Value: v})
		}
	}
	return &format.Request{
		Method:  req.Method,
		Path:    req.Path,
		Headers: headers,
		Body:    redactBody(req.Body, req.ContentType, r),
	}
}

func responseToFormat(h http.Header, body []byte, chunks []format.Chunk, streaming bool, r *redact.Redactor) *format.Response {
	redactedHeaders := h
	if r != nil {
		redactedHeaders = r.RedactHeaders(map[string][]string(h))
	}
	headers := make([]format.Header, 0, len(redactedHeaders))
	for name, values := range redactedHeaders {
		for _, v := range values {
			headers = append(headers, format.Header{Name: name, Value: v})
		}
	}
	contentType := h.Get("Content-Type")
	resp := &format.Response{Headers: headers, Streaming: streaming}
	if streaming {
		redactedChunks := make([]format.Chunk, len(chunks))
		for i, c := range chunks {
			redactedChunks[i] = format.Chunk{
				Direction:   c.Direction,
				Opcode:      c.Opcode,
				Data:        redactBody(c.Data, contentType, r),
				TimestampNs: c.TimestampNs,
			}
		}
		resp.Chunks = redactedChunks
	} else {
		resp.Body = redactBody(append([]byte(nil), body...), contentType, r)
	}
	return resp
}

// redactBody applies raw literal/regex redaction to body. When
// contentType names a JSON media type, it first decodes the body and
// runs it through RedactStructured (sensitive key names and configured
// JSONPaths replaced wholesale, every remaining string leaf still passed
// through RedactString) before re-encoding, so a secret nested in a JSON
// field not covered by any literal or regex pattern still doesn't reach
// disk. Bodies that fail to decode as JSON (or that RedactStructured
// rejects, e.g. for exceeding the structured-redaction depth cap) fall
// back to raw-byte redaction only.
func redactBody(body []byte, contentType string, r *redact.Redactor) []byte {
	if r == nil {
		return body
	}
	if isJSONContentType(contentType) && len(body) > 0 {
		var decoded interface{}
		if err := json.Unmarshal(body, &decoded); err == nil {
			if redacted, err := r.RedactStructured(decoded); err == nil {
				if reencoded, err := json.Marshal(redacted); err == nil {
					return reencoded
				}
			}
		}
	}
	return r.RedactBytes(body)
}

// isJSONContentType reports whether ct names a JSON media type,
// including vendor/suffix forms like "application/vnd.api+json".
func isJSONContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "json")
}

// handleWebSocket upgrades the client connection, dials the upstream
// WebSocket endpoint, and relays frames bidirectionally while capturing
// them as a single streaming interaction.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	name := r.Header.Get("X-Ouli-Test-Name")
	sw, err := s.pendingSession(name, r, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	upstreamURL := *s.targetBaseURL
	upstreamURL.Scheme = "ws"
	if s.targetBaseURL.Scheme == "https" {
		upstreamURL.Scheme = "wss"
	}
	upstreamURL.Path = r.URL.Path
	upstreamURL.RawQuery = r.URL.RawQuery

	dialer := websocket.Dialer{HandshakeTimeout: 20 * time.Second}
	upstreamConn, _, err := dialer.DialContext(context.Background(), upstreamURL.String(), removeHopByHopClone(r.Header))
	if err != nil {
		http.Error(w, fmt.Sprintf("upstream websocket dial error: %v", err), http.StatusBadGateway)
		return
	}
	defer upstreamConn.Close() //nolint:errcheck

	clientConn, err := ws.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("RECORD", "websocket upgrade failed: %v", err)
		return
	}
	defer clientConn.Close() //nolint:errcheck

	fpReq := fingerprint.Request{
		Method:      r.Method,
		Path:        r.URL.Path,
		RawQuery:    r.URL.RawQuery,
		Headers:     map[string][]string(r.Header),
		ContentType: r.Header.Get("Content-Type"),
	}

	sw.session.Lock()
	defer sw.session.Unlock()

	prevHash := sw.session.PrevHash()
	reqHash, err := sw.session.ProcessRequest(fpReq, s.redactor)
	if err != nil {
		return
	}

	chunks, err := ws.RelayAndCapture(clientConn, upstreamConn, clockAdapter{s.clock})
	if err != nil {
		s.log.Infof("RECORD", "websocket session %s closed: %v", sw.session.Name, err)
	}

	redactedChunks := make([]format.Chunk, len(chunks))
	for i, c := range chunks {
		redactedChunks[i] = format.Chunk{
			Direction:   c.Direction,
			Opcode:      c.Opcode,
			Data:        s.redactor.RedactBytes(c.Data),
			TimestampNs: c.TimestampNs,
		}
	}

	fmtReq := requestToFormat(fpReq, s.redactor)
	fmtResp := &format.Response{Streaming: true, Chunks: redactedChunks}
	flags := format.FlagWebSocket | format.FlagStreaming | format.FlagRedacted

	if err := sw.writer.AppendInteraction(reqHash.ToFormat(), prevHash.ToFormat(), fmtReq, fmtResp, http.StatusSwitchingProtocols, flags, s.clock.NowNs()); err != nil {
		s.log.Warnf("RECORD", "append websocket interaction failed: %v", err)
		return
	}
	if s.metrics != nil {
		s.metrics.InteractionsAppended.Add(1)
	}
}

func removeHopByHopClone(h http.Header) http.Header {
	out := h.Clone()
	removeHopByHop(out)
	out.Del("Sec-Websocket-Key")
	out.Del("Sec-Websocket-Version")
	out.Del("Sec-Websocket-Extensions")
	return out
}

// clockAdapter lets store.Clock satisfy ws.Clock without an import cycle.
type clockAdapter struct{ c store.Clock }

func (a clockAdapter) NowNs() uint64 { return a.c.NowNs() }
