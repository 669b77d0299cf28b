// Package fingerprint implements the deterministic, chain-aware,
// redaction-aware request hashing algorithm: canonicalize a request to a
// stable byte form, then SHA-256 it together with the chain's previous
// hash. The approach — normalize a request into a stable wire form before
// using it as a lookup key — follows the canonicalize-then-key pattern
// used by Go's own record/replay HTTP transports; the exact canonicalization
// rules and hash composition below are this package's own contract.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"ouli/internal/format"
	"ouli/internal/ouerr"
	"ouli/internal/redact"
)

// Hash is a 32-byte SHA-256 digest.
type Hash [32]byte

// ToFormat converts h to the format package's on-disk hash representation.
func (h Hash) ToFormat() format.Hash32 { return format.Hash32(h) }

// FromFormat converts a stored Hash32 back to a Hash.
func FromFormat(h format.Hash32) Hash { return Hash(h) }

// ChainHeadHash is the constant every session's chain starts from: the
// SHA-256 of the empty byte string.
var ChainHeadHash = Hash(sha256.Sum256(nil))

func (h Hash) String() string {
	return fmt.Sprintf("%x", [32]byte(h))
}

// excludedHeaders are dropped entirely before hashing; they vary run to
// run without changing what the request means.
var excludedHeaders = map[string]bool{
	"date": true, "age": true, "expires": true, "connection": true,
	"keep-alive": true, "proxy-connection": true, "te": true,
	"trailer": true, "transfer-encoding": true, "upgrade": true,
}

// Request is the minimal view of an HTTP request the fingerprinter needs.
// Values are pre-redaction; the Redactor is applied internally per field.
type Request struct {
	Method      string
	Path        string // raw, possibly percent-encoded, possibly with repeated slashes
	RawQuery    string
	Headers     map[string][]string // original-cased names; may repeat
	ContentType string
	Body        []byte
}

// Fingerprint computes a deterministic hash of req chained onto prevHash:
// canonicalize every field in order, emit a length-prefixed SHA-256
// stream, and append prevHash.
func Fingerprint(req Request, prevHash Hash, r *redact.Redactor) (Hash, error) {
	method, err := canonicalMethod(req.Method)
	if err != nil {
		return Hash{}, err
	}

	path, err := canonicalPath(req.Path)
	if err != nil {
		return Hash{}, err
	}

	queryKeys, queryValues, err := canonicalQuery(req.RawQuery)
	if err != nil {
		return Hash{}, err
	}

	headerNames, headerValues := canonicalHeaders(req.Headers, r)

	body, err := canonicalBody(req.ContentType, req.Body, r)
	if err != nil {
		return Hash{}, err
	}

	h := sha256.New()
	writeLP(h, []byte(method))
	writeLP(h, []byte(path))
	for i, k := range queryKeys {
		writeLP(h, []byte(k))
		for _, v := range queryValues[i] {
			writeLP(h, []byte(v))
		}
	}
	for i, n := range headerNames {
		writeLP(h, []byte(n))
		writeLP(h, []byte(headerValues[i]))
	}
	writeLP(h, body)
	h.Write(prevHash[:])

	var out Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}

// writeLP writes a u32 little-endian length prefix followed by b.
func writeLP(h interface{ Write([]byte) (int, error) }, b []byte) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	h.Write(lenBuf[:])
	h.Write(b)
}

func canonicalMethod(m string) (string, error) {
	return strings.ToUpper(m), nil
}

func canonicalPath(p string) (string, error) {
	decoded, err := url.PathUnescape(p)
	if err != nil {
		return "", fmt.Errorf("canonicalize path: %w", ouerr.ErrInvalidPath)
	}
	for _, b := range []byte(decoded) {
		if b < 0x20 || b == 0x7f {
			return "", fmt.Errorf("canonicalize path: %w", ouerr.ErrInvalidPath)
		}
	}
	if !strings.HasPrefix(decoded, "/") {
		decoded = "/" + decoded
	}
	var b strings.Builder
	prevSlash := false
	for _, r := range decoded {
		if r == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteRune(r)
	}
	return b.String(), nil
}

// canonicalQuery parses rawQuery, percent-decodes, sorts keys ascending,
// and preserves repeated-key value order.
func canonicalQuery(rawQuery string) ([]string, [][]string, error) {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, nil, fmt.Errorf("canonicalize query: %w", ouerr.ErrInvalidPath)
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := make([][]string, len(keys))
	for i, k := range keys {
		vals[i] = values[k]
	}
	return keys, vals, nil
}

// canonicalHeaders lowercases names, drops the excluded set, trims value
// whitespace, redacts values, and sorts by name ascending.
func canonicalHeaders(headers map[string][]string, r *redact.Redactor) ([]string, []string) {
	type pair struct{ name, value string }
	var pairs []pair
	for name, values := range headers {
		lower := strings.ToLower(name)
		if excludedHeaders[lower] {
			continue
		}
		for _, v := range values {
			trimmed := strings.TrimSpace(v)
			if r != nil {
				trimmed = r.RedactString(trimmed)
			}
			pairs = append(pairs, pair{lower, trimmed})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].name != pairs[j].name {
			return pairs[i].name < pairs[j].name
		}
		return pairs[i].value < pairs[j].value
	})
	names := make([]string, len(pairs))
	values := make([]string, len(pairs))
	for i, p := range pairs {
		names[i] = p.name
		values[i] = p.value
	}
	return names, values
}

// canonicalBody normalizes the request body for hashing, redacting
// secrets before any bytes are canonicalized.
func canonicalBody(contentType string, body []byte, r *redact.Redactor) ([]byte, error) {
	lowerCT := strings.ToLower(contentType)
	switch {
	case strings.Contains(lowerCT, "application/json"):
		var v interface{}
		if err := json.Unmarshal(body, &v); err != nil {
			// Not valid JSON despite the content type: fall back to raw redaction.
			return redactRaw(body, r), nil
		}
		canon := canonicalizeJSONValue(v, r)
		out, err := json.Marshal(canon)
		if err != nil {
			return nil, fmt.Errorf("canonicalize json body: %w", err)
		}
		return out, nil
	case strings.Contains(lowerCT, "application/x-www-form-urlencoded"):
		keys, vals, err := canonicalQuery(string(body))
		if err != nil {
			return nil, err
		}
		var b strings.Builder
		for i, k := range keys {
			for _, v := range vals[i] {
				b.WriteString(k)
				b.WriteByte('=')
				b.WriteString(v)
				b.WriteByte('&')
			}
		}
		return []byte(b.String()), nil
	default:
		return redactRaw(body, r), nil
	}
}

func redactRaw(body []byte, r *redact.Redactor) []byte {
	if r == nil {
		return body
	}
	return r.RedactBytes(body)
}

// canonicalizeJSONValue recursively sorts object keys and redacts string
// leaves. json.Marshal already sorts map[string]interface{} keys ascending,
// so this function's job is purely the recursive redaction pass.
func canonicalizeJSONValue(v interface{}, r *redact.Redactor) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = canonicalizeJSONValue(val, r)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = canonicalizeJSONValue(val, r)
		}
		return out
	case string:
		if r != nil {
			return r.RedactString(t)
		}
		return t
	default:
		return t
	}
}

// NextCollisionHash re-derives a candidate hash as
// SHA-256(hash || counter_le_u32) when two distinct requests hash to the
// same value. MaxCollisionCounter bounds the number of candidates a
// lookup will probe.
const MaxCollisionCounter = 16

func NextCollisionHash(base Hash, counter uint32) Hash {
	var counterBuf [4]byte
	binary.LittleEndian.PutUint32(counterBuf[:], counter)
	h := sha256.New()
	h.Write(base[:])
	h.Write(counterBuf[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}
