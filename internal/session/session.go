// Package session implements per-test recording sessions: name
// validation, chain state (prev_hash), and the per-session lock that
// serializes fingerprinting against the Store writer/reader offset.
//
// The registry shape — a mutex-guarded map mutated by short-held critical
// sections — generalizes "set of allowed domains" to "session name ->
// chain state".
package session

import (
	"fmt"
	"regexp"
	"sync"

	"ouli/internal/fingerprint"
	"ouli/internal/ouerr"
	"ouli/internal/redact"
)

// MaxChainDepth is the hard cap on requests chained within one session.
const MaxChainDepth = 65536

var testNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,255}$`)

// ValidateTestName checks the X-Ouli-Test-Name constraints: ASCII, 1-255
// bytes, [A-Za-z0-9_.-], no leading/trailing dot, no "..", no path
// separators (the charset already excludes '/').
func ValidateTestName(name string) error {
	if !testNamePattern.MatchString(name) {
		return ouerr.ErrInvalidTestName
	}
	if name[0] == '.' || name[len(name)-1] == '.' {
		return ouerr.ErrInvalidTestName
	}
	for i := 0; i+1 < len(name); i++ {
		if name[i] == '.' && name[i+1] == '.' {
			return ouerr.ErrInvalidTestName
		}
	}
	return nil
}

// Mode distinguishes whether a Session backs an in-progress recording or
// an open-for-replay reader; both drive the same chain state machine.
type Mode int

const (
	ModeRecord Mode = iota
	ModeReplay
)

// Session is a named recording session: a chain state machine serialized
// by a single per-session lock.
type Session struct {
	mu sync.Mutex

	Name             string
	Mode             Mode
	ConnectionScoped bool

	prevHash   fingerprint.Hash
	chainDepth int
}

// New creates a fresh Session with the chain initialized to
// CHAIN_HEAD_HASH.
func New(name string, mode Mode, connectionScoped bool) *Session {
	return &Session{
		Name:             name,
		Mode:             mode,
		ConnectionScoped: connectionScoped,
		prevHash:         fingerprint.ChainHeadHash,
	}
}

// Lock acquires the session's per-session lock. Callers must hold it from
// "start of fingerprinting" to "append/lookup completed".
func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// ResetChain resets the chain to CHAIN_HEAD_HASH. Callers must hold the
// session lock. Triggers: X-Ouli-Reset-Chain header, or a brand new
// session (which starts at CHAIN_HEAD_HASH). ConnectionScoped is stored on
// the Session but nothing resets the chain when a client connection closes.
func (s *Session) ResetChain() {
	s.prevHash = fingerprint.ChainHeadHash
	s.chainDepth = 0
}

// PrevHash returns the chain's current previous-hash value. Callers must
// hold the session lock.
func (s *Session) PrevHash() fingerprint.Hash {
	return s.prevHash
}

// ProcessRequest advances the chain and returns the new request hash.
// Callers must hold the session lock for the whole
// fingerprint-through-persist critical section.
//
// The chain advances immediately, before the caller has any confirmation
// that the interaction will actually be persisted (e.g. before an
// upstream round trip completes). A caller that cannot guarantee
// persistence once it calls ProcessRequest must capture PrevHash/
// ChainDepth beforehand and call RollbackChain on any path that returns
// without appending the interaction, so the chain never runs ahead of
// what is actually on disk.
func (s *Session) ProcessRequest(req fingerprint.Request, r *redact.Redactor) (fingerprint.Hash, error) {
	if s.chainDepth >= MaxChainDepth {
		return fingerprint.Hash{}, ouerr.ErrChainDepthExceeded
	}
	hash, err := fingerprint.Fingerprint(req, s.prevHash, r)
	if err != nil {
		return fingerprint.Hash{}, err
	}
	s.prevHash = hash
	s.chainDepth++
	return hash, nil
}

// ChainDepth returns the chain's current depth. Callers must hold the
// session lock.
func (s *Session) ChainDepth() int {
	return s.chainDepth
}

// RollbackChain restores the chain to a previously observed
// prevHash/depth pair, undoing a ProcessRequest call whose interaction
// never reached the store (e.g. the upstream round trip failed before
// any reply was received). Callers must hold the session lock.
func (s *Session) RollbackChain(prevHash fingerprint.Hash, depth int) {
	s.prevHash = prevHash
	s.chainDepth = depth
}

// Registry holds all active sessions for one endpoint, keyed by name, and
// tracks insertion order so finalization can walk sessions in the order
// they were first created.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	order    []string
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// GetOrCreate returns the named session, creating it (in the given mode)
// if absent.
func (reg *Registry) GetOrCreate(name string, mode Mode, connectionScoped bool) *Session {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	s, ok := reg.sessions[name]
	if !ok {
		s = New(name, mode, connectionScoped)
		reg.sessions[name] = s
		reg.order = append(reg.order, name)
	}
	return s
}

// InsertionOrder returns every registered session name in the order it
// was first created.
func (reg *Registry) InsertionOrder() []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return append([]string(nil), reg.order...)
}

// Get returns the named session if it exists.
func (reg *Registry) Get(name string) (*Session, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	s, ok := reg.sessions[name]
	return s, ok
}

// Delete removes a session from the registry (e.g. after finalize).
func (reg *Registry) Delete(name string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.sessions, name)
}

// Names returns every currently registered session name in unspecified
// order; use InsertionOrder where insertion ordering matters.
func (reg *Registry) Names() []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	names := make([]string, 0, len(reg.sessions))
	for n := range reg.sessions {
		names = append(names, n)
	}
	return names
}

// ResolveTestName derives a session's lookup key: if the request carries
// a valid X-Ouli-Test-Name header, use it; otherwise derive a name from
// the hex of the first request's fingerprint.
func ResolveTestName(headerValue string, firstRequestHash fingerprint.Hash) (string, error) {
	if headerValue != "" {
		if err := ValidateTestName(headerValue); err != nil {
			return "", err
		}
		return headerValue, nil
	}
	return fmt.Sprintf("%x", [32]byte(firstRequestHash)), nil
}
