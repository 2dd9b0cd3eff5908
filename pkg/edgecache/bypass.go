package edgecache

import "net/url"

// BypassPolicy decides whether a URL must skip cache lookups entirely.
type BypassPolicy interface {
	ShouldBypass(u *url.URL) bool
}

// DefaultBypassParams are the query indicators that force a cache
// bypass when present with any value.
var DefaultBypassParams = []string{"debug", "no-cache", "bypass"}

// QueryBypassPolicy bypasses the cache when any configured query
// parameter is present on the request URL.
type QueryBypassPolicy struct {
	Params []string
}

// NewQueryBypassPolicy creates a policy over the given parameters,
// falling back to DefaultBypassParams when none are given.
func NewQueryBypassPolicy(params []string) *QueryBypassPolicy {
	if len(params) == 0 {
		params = DefaultBypassParams
	}
	return &QueryBypassPolicy{Params: params}
}

// ShouldBypass implements BypassPolicy.
func (p *QueryBypassPolicy) ShouldBypass(u *url.URL) bool {
	if u == nil {
		return false
	}
	query := u.Query()
	for _, param := range p.Params {
		if _, ok := query[param]; ok {
			return true
		}
	}
	return false
}
