package record

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"ouli/internal/config"
	"ouli/internal/fingerprint"
	"ouli/internal/logger"
	"ouli/internal/metrics"
	"ouli/internal/redact"
	"ouli/internal/store"
)

func testRedactor(t *testing.T) *redact.Redactor {
	t.Helper()
	r, err := redact.New(redact.Config{LiteralSecrets: []string{"sk-super-secret"}})
	if err != nil {
		t.Fatalf("redact.New: %v", err)
	}
	return r
}

func testServer(t *testing.T, upstream *httptest.Server, ec config.EndpointConfig) *Server {
	t.Helper()
	u, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatalf("parse upstream URL: %v", err)
	}
	host := u.Hostname()
	port, _ := strconv.Atoi(u.Port())

	ec.TargetHost = host
	ec.TargetPort = port
	ec.TargetType = "http"

	s, err := New(ec, t.TempDir(), testRedactor(t), metrics.New(), logger.New("RECORD", "error"), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestHandleHTTP_ForwardsAndPersists(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write(append([]byte("echo:"), body...)) //nolint:errcheck
	}))
	defer upstream.Close()

	s := testServer(t, upstream, config.EndpointConfig{Name: "ping"})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"hello":"world"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ouli-Test-Name", "test-one")
	w := httptest.NewRecorder()

	s.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != `echo:{"hello":"world"}` {
		t.Errorf("unexpected body: %s", w.Body.String())
	}
	if w.Header().Get("X-Upstream") != "yes" {
		t.Error("expected upstream header to be forwarded")
	}

	names := s.SessionNames()
	if len(names) != 1 || names[0] != "test-one" {
		t.Fatalf("expected session test-one, got %v", names)
	}

	if err := s.Finalize("test-one"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(s.SessionNames()) != 0 {
		t.Error("expected session removed after finalize")
	}
}

func TestHandleHTTP_DerivesSessionNameWithoutHeader(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	s := testServer(t, upstream, config.EndpointConfig{Name: "ping"})

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	names := s.SessionNames()
	if len(names) != 1 {
		t.Fatalf("expected 1 derived session, got %v", names)
	}
	if len(names[0]) != 64 {
		t.Errorf("expected hex sha256 session name (64 chars), got %q", names[0])
	}
}

func TestHandleHTTP_SecondRequestChainsPrevHash(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	s := testServer(t, upstream, config.EndpointConfig{Name: "ping"})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
		req.Header.Set("X-Ouli-Test-Name", "chained")
		w := httptest.NewRecorder()
		s.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}

	s.mu.Lock()
	sw := s.writers["chained"]
	s.mu.Unlock()
	if sw.writer.InteractionCount() != 2 {
		t.Errorf("expected 2 interactions appended, got %d", sw.writer.InteractionCount())
	}
}

// TestHandleHTTP_RoundTripFailureRollsBackChain covers the case where
// the upstream round trip fails outright (no reply received at all): the
// interaction must not be persisted, and the chain must not have
// advanced past it, so the next successful request's PrevRequestHash
// still points at a request_hash that actually exists in the recording.
func TestHandleHTTP_RoundTripFailureRollsBackChain(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatalf("test upstream ResponseWriter does not support hijacking")
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Fatalf("hijack: %v", err)
			}
			conn.Close() //nolint:errcheck
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	s := testServer(t, upstream, config.EndpointConfig{Name: "ping"})

	failReq := httptest.NewRequest(http.MethodGet, "/fail", nil)
	failReq.Header.Set("X-Ouli-Test-Name", "rollback")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, failReq)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for a failed round trip, got %d", w.Code)
	}

	s.mu.Lock()
	sw := s.writers["rollback"]
	s.mu.Unlock()
	if sw == nil {
		t.Fatal("expected the session to still exist after a failed round trip")
	}
	if sw.writer.InteractionCount() != 0 {
		t.Errorf("expected no interaction persisted for a failed round trip, got %d", sw.writer.InteractionCount())
	}
	if sw.session.PrevHash() != fingerprint.ChainHeadHash {
		t.Errorf("expected the chain to roll back to ChainHeadHash, got %x", sw.session.PrevHash())
	}
	if sw.session.ChainDepth() != 0 {
		t.Errorf("expected chain depth to roll back to 0, got %d", sw.session.ChainDepth())
	}

	okReq := httptest.NewRequest(http.MethodGet, "/ok", nil)
	okReq.Header.Set("X-Ouli-Test-Name", "rollback")
	w2 := httptest.NewRecorder()
	s.ServeHTTP(w2, okReq)
	if w2.Code != http.StatusOK {
		t.Fatalf("expected 200 for the following successful round trip, got %d", w2.Code)
	}
	if sw.writer.InteractionCount() != 1 {
		t.Errorf("expected exactly 1 persisted interaction, got %d", sw.writer.InteractionCount())
	}

	if err := s.Finalize("rollback"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	reader, err := store.OpenReader(sw.path)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer reader.Close()
	entries := reader.AllInteractions()
	if len(entries) != 1 {
		t.Fatalf("expected 1 interaction in the recording, got %d", len(entries))
	}
	if entries[0].PrevRequestHash != fingerprint.ChainHeadHash.ToFormat() {
		t.Errorf("expected the only persisted interaction's PrevRequestHash to be ChainHeadHash, got %x", entries[0].PrevRequestHash)
	}
}

// TestHandleHTTP_RedactsSensitiveJSONFieldNotCoveredByLiteralsOrRegex
// covers a JSON body field whose value is only sensitive because of its
// key (not because it matches any configured literal secret or regex
// pattern): structured JSON redaction must still strip it before the
// interaction reaches disk.
func TestHandleHTTP_RedactsSensitiveJSONFieldNotCoveredByLiteralsOrRegex(t *testing.T) {
	const plaintextPassword = "correct horse battery staple"
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"user":"alice","password":"` + plaintextPassword + `"}`)) //nolint:errcheck
	}))
	defer upstream.Close()

	s := testServer(t, upstream, config.EndpointConfig{Name: "ping"})

	body := `{"username":"alice","password":"` + plaintextPassword + `"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ouli-Test-Name", "json-redact")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	s.mu.Lock()
	sw := s.writers["json-redact"]
	s.mu.Unlock()
	if sw == nil {
		t.Fatal("expected session json-redact to exist")
	}
	path := sw.path

	if err := s.Finalize("json-redact"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	reader, err := store.OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer reader.Close()

	entries := reader.AllInteractions()
	if len(entries) != 1 {
		t.Fatalf("expected 1 interaction, got %d", len(entries))
	}

	fmtReq, err := reader.ReadRequest(entries[0])
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if strings.Contains(string(fmtReq.Body), plaintextPassword) {
		t.Errorf("expected request password field to be redacted from persisted JSON body, got %s", fmtReq.Body)
	}
	if !strings.Contains(string(fmtReq.Body), "REDACTED") {
		t.Errorf("expected REDACTED placeholder in persisted request body, got %s", fmtReq.Body)
	}

	fmtResp, handle, err := reader.ReadResponse(entries[0])
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	defer handle.Release()
	if strings.Contains(string(fmtResp.Body), plaintextPassword) {
		t.Errorf("expected response password field to be redacted from persisted JSON body, got %s", fmtResp.Body)
	}
}

func TestFinalizeAll(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	s := testServer(t, upstream, config.EndpointConfig{Name: "ping"})

	for _, name := range []string{"a", "b", "c"} {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("X-Ouli-Test-Name", name)
		w := httptest.NewRecorder()
		s.ServeHTTP(w, req)
	}

	if err := s.FinalizeAll(); err != nil {
		t.Fatalf("FinalizeAll: %v", err)
	}
	if len(s.SessionNames()) != 0 {
		t.Error("expected all sessions finalized")
	}
}

func TestWarmUp_ErrorsInRecordMode(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()
	s := testServer(t, upstream, config.EndpointConfig{Name: "ping"})

	if err := s.WarmUp([]string{"x"}); err == nil {
		t.Error("expected WarmUp to error in record mode")
	}
}

func TestMode(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()
	s := testServer(t, upstream, config.EndpointConfig{Name: "ping"})

	if s.Mode() != "record" {
		t.Errorf("expected mode record, got %s", s.Mode())
	}
}

func TestHandleHTTP_InvalidTestNameHeaderRejected(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()
	s := testServer(t, upstream, config.EndpointConfig{Name: "ping"})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Ouli-Test-Name", "../escape")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid test name, got %d", w.Code)
	}
}

func TestConnectionLimit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	ec := config.EndpointConfig{Name: "ping", Limits: config.EndpointLimits{MaxConnections: 1}}
	s := testServer(t, upstream, ec)
	s.sem <- struct{}{} // occupy the only slot

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 at connection limit, got %d", w.Code)
	}
}
