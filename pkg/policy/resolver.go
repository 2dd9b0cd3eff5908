// Package policy computes cache TTL and cacheability from response
// status and ordered path-based pattern rules.
package policy

import (
	"regexp"

	"github.com/rs/zerolog"
)

// DefaultPatternName is the reserved pattern name consulted after all
// explicit patterns have been tried.
const DefaultPatternName = "default"

// Hardcoded fallback TTLs (seconds) used when no pattern, default
// pattern, or global default provides a value.
var fallbackTTL = TTL{
	OK:          300,
	Redirects:   300,
	ClientError: 60,
	ServerError: 10,
}

// CompressionMode controls whether intermediaries may transform the
// stored payload.
type CompressionMode string

const (
	// CompressionAuto leaves transformation to the delivery layer.
	CompressionAuto CompressionMode = "auto"

	// CompressionOff forbids payload transformation; responses carry
	// the no-transform directive.
	CompressionOff CompressionMode = "off"
)

// TTL holds per-status-group lifetimes in seconds. A group's leading
// digit selects the field: 2xx -> OK, 3xx -> Redirects, 4xx ->
// ClientError, 5xx -> ServerError.
type TTL struct {
	OK          int `mapstructure:"ok" json:"ok"`
	Redirects   int `mapstructure:"redirects" json:"redirects"`
	ClientError int `mapstructure:"client_error" json:"client_error"`
	ServerError int `mapstructure:"server_error" json:"server_error"`
}

// forStatus returns the group value for an HTTP status code.
func (t TTL) forStatus(status int) int {
	switch status / 100 {
	case 2:
		return t.OK
	case 3:
		return t.Redirects
	case 4:
		return t.ClientError
	default:
		return t.ServerError
	}
}

// PathPattern is one ordered TTL rule: a name, a regex matched against
// the request path, and the TTLs to apply on a match. The pattern named
// "default" is never matched positionally; it is the fallback after all
// other patterns.
type PathPattern struct {
	Name    string `mapstructure:"name" json:"name"`
	Matcher string `mapstructure:"matcher" json:"matcher"`
	TTL     *TTL   `mapstructure:"ttl" json:"ttl"`
}

// Defaults carries the global TTLs, the overall cacheability flag, and
// the compression mode.
type Defaults struct {
	Cacheability bool            `mapstructure:"cacheability" json:"cacheability"`
	TTL          *TTL            `mapstructure:"ttl" json:"ttl"`
	Compression  CompressionMode `mapstructure:"compression" json:"compression"`
}

// Result is a resolved cache policy for one response. TTL and
// cacheability are independent: Cacheable gates whether to store,
// TTLSeconds governs how long a stored entry stays valid.
type Result struct {
	TTLSeconds  int
	Cacheable   bool
	Compression CompressionMode
}

// Resolver computes cache policy results. It holds only a logger; every
// Resolve call is a pure function of its arguments.
type Resolver struct {
	logger zerolog.Logger
}

// NewResolver creates a policy resolver.
func NewResolver(logger zerolog.Logger) *Resolver {
	return &Resolver{logger: logger}
}

// Resolve computes the TTL and cacheability for a response status
// against a request path. Lookup order: first non-"default" pattern
// whose regex matches the path, then the "default" pattern, then the
// global default TTL, then the hardcoded fallback table. An invalid
// pattern regex is logged and skipped.
func (r *Resolver) Resolve(status int, path string, patterns []PathPattern, defaults Defaults) Result {
	ttl, ok := r.patternTTL(path, patterns)
	if !ok {
		ttl, ok = defaultPatternTTL(patterns)
	}
	if !ok && defaults.TTL != nil {
		ttl, ok = *defaults.TTL, true
	}
	if !ok {
		ttl = fallbackTTL
	}

	compression := defaults.Compression
	if compression == "" {
		compression = CompressionAuto
	}

	return Result{
		TTLSeconds:  ttl.forStatus(status),
		Cacheable:   defaults.Cacheability,
		Compression: compression,
	}
}

// patternTTL returns the TTL of the first matching non-default pattern.
func (r *Resolver) patternTTL(path string, patterns []PathPattern) (TTL, bool) {
	for _, p := range patterns {
		if p.Name == DefaultPatternName || p.TTL == nil {
			continue
		}
		re, err := regexp.Compile(p.Matcher)
		if err != nil {
			r.logger.Warn().
				Err(err).
				Str("pattern", p.Name).
				Str("matcher", p.Matcher).
				Msg("Invalid path pattern regex, skipping")
			continue
		}
		if re.MatchString(path) {
			return *p.TTL, true
		}
	}
	return TTL{}, false
}

// defaultPatternTTL returns the TTL of the reserved "default" pattern.
func defaultPatternTTL(patterns []PathPattern) (TTL, bool) {
	for _, p := range patterns {
		if p.Name == DefaultPatternName && p.TTL != nil {
			return *p.TTL, true
		}
	}
	return TTL{}, false
}
