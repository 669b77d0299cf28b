// Package redact implements the pattern-matching engine shared by the
// record and replay engines: literal secret replacement (Boyer-Moore),
// regex pattern replacement, structured (JSON-like) redaction, and header
// redaction. Every component other than this one only ever sees already
// redacted bytes — it is the sole component that inspects raw
// secret-bearing text before everything downstream works on redacted
// values.
package redact

import (
	"regexp"
	"sort"
	"strings"

	"ouli/internal/ouerr"
)

const redactedPlaceholder = "REDACTED"

const maxStructuredDepth = 64

// sensitiveJSONKeySubstrings is the built-in list of substrings that mark
// a JSON object key as sensitive regardless of configuration.
var sensitiveJSONKeySubstrings = []string{
	"password", "secret", "token", "api_key", "apikey", "authorization",
	"auth", "credential", "private_key", "access_token", "refresh_token",
}

// Config is the enumerated redaction configuration for one endpoint.
type Config struct {
	LiteralSecrets             []string
	RegexPatterns              []string
	RedactHeaders              []string
	SensitiveJSONKeySubstrings []string // defaults to the fixed list when nil
	// JSONPaths is a set of dotted field paths (e.g. "user.ssn",
	// "items.id") checked against RedactStructured's walk position; a
	// match redacts the value wholesale regardless of its key or type.
	// Array indices do not appear in the path: every element of an
	// array field shares its parent's path.
	JSONPaths []string
}

// Redactor holds compiled matchers built from a Config.
type Redactor struct {
	literals      []*boyerMoore
	regexes       []*regexp.Regexp
	redactHeaders map[string]bool
	sensitiveSubs []string
	jsonPaths     map[string]bool
}

// New compiles cfg into a Redactor. Invalid regex patterns surface as
// ouerr.ErrInvalidPattern.
func New(cfg Config) (*Redactor, error) {
	r := &Redactor{
		redactHeaders: make(map[string]bool, len(cfg.RedactHeaders)),
		jsonPaths:     make(map[string]bool, len(cfg.JSONPaths)),
	}

	// Longer-defined-first wins on overlap; stable otherwise.
	literals := append([]string(nil), cfg.LiteralSecrets...)
	sort.SliceStable(literals, func(i, j int) bool {
		return len(literals[i]) > len(literals[j])
	})
	for _, s := range literals {
		if s == "" {
			continue
		}
		r.literals = append(r.literals, newBoyerMoore(s))
	}

	for _, pat := range cfg.RegexPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, ouerr.ErrInvalidPattern
		}
		r.regexes = append(r.regexes, re)
	}

	for _, h := range cfg.RedactHeaders {
		r.redactHeaders[strings.ToLower(h)] = true
	}

	r.sensitiveSubs = cfg.SensitiveJSONKeySubstrings
	if r.sensitiveSubs == nil {
		r.sensitiveSubs = sensitiveJSONKeySubstrings
	}

	for _, p := range cfg.JSONPaths {
		r.jsonPaths[p] = true
	}

	return r, nil
}

// RedactString applies literal and regex replacement to s.
func (r *Redactor) RedactString(s string) string {
	if r == nil {
		return s
	}
	return string(r.RedactBytes([]byte(s)))
}

// RedactBytes applies literal (Boyer-Moore) then regex replacement to b.
func (r *Redactor) RedactBytes(b []byte) []byte {
	if r == nil {
		return b
	}
	out := b
	for _, bm := range r.literals {
		out = bm.replaceAll(out, []byte(redactedPlaceholder))
	}
	for _, re := range r.regexes {
		out = re.ReplaceAll(out, []byte(redactedPlaceholder))
	}
	return out
}

// RedactHeaders removes configured header names wholesale and applies
// literal/regex replacement to the values of the ones that remain.
func (r *Redactor) RedactHeaders(headers map[string][]string) map[string][]string {
	out := make(map[string][]string, len(headers))
	for name, values := range headers {
		if r != nil && r.redactHeaders[strings.ToLower(name)] {
			continue
		}
		redactedValues := make([]string, len(values))
		for i, v := range values {
			redactedValues[i] = r.RedactString(v)
		}
		out[name] = redactedValues
	}
	return out
}

// isSensitiveKey reports whether key contains any configured sensitive
// substring, case-insensitively.
func (r *Redactor) isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, sub := range r.sensitiveSubs {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}

// RedactStructured walks v recursively: objects with a sensitive key, or
// whose dotted path matches a configured JSONPaths entry, are replaced
// wholesale; arrays recurse element-wise (an array does not add a path
// segment, so "a.b" matches every element of a[].b); strings get literal
// replacement; other scalars pass through. Returns
// ouerr.ErrRedactionDepthExceeded past depth 64.
func (r *Redactor) RedactStructured(v interface{}) (interface{}, error) {
	return r.redactValue(v, 0, "")
}

// redactValue walks v, tracking the dotted JSON path of the current
// position (built from map keys only; arrays are path-transparent) so
// configured JSONPaths entries can be matched against it.
func (r *Redactor) redactValue(v interface{}, depth int, path string) (interface{}, error) {
	if depth > maxStructuredDepth {
		return nil, ouerr.ErrRedactionDepthExceeded
	}
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			if r != nil && (r.isSensitiveKey(k) || r.jsonPaths[childPath]) {
				out[k] = redactedPlaceholder
				continue
			}
			red, err := r.redactValue(val, depth+1, childPath)
			if err != nil {
				return nil, err
			}
			out[k] = red
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			red, err := r.redactValue(val, depth+1, path)
			if err != nil {
				return nil, err
			}
			out[i] = red
		}
		return out, nil
	case string:
		return r.RedactString(t), nil
	default:
		return t, nil
	}
}
