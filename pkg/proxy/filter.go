package proxy

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// InterceptFilter decides which CONNECT targets are decrypted. Hosts that are
// not intercepted are relayed as an opaque TCP tunnel and never reach the
// rules.
type InterceptFilter struct {
	// InterceptHosts limits interception to matching hosts (empty = all).
	InterceptHosts []string `json:"interceptHosts,omitempty" yaml:"interceptHosts,omitempty"`
	// TunnelHosts are never intercepted.
	TunnelHosts []string `json:"tunnelHosts,omitempty" yaml:"tunnelHosts,omitempty"`
}

// ShouldIntercept reports whether a tunnel to host should be decrypted.
// Precedence:
// 1. If host matches ANY tunnel pattern → not intercepted
// 2. If intercept patterns exist AND host matches NONE → not intercepted
// 3. Otherwise → intercepted
//
// Patterns are doublestar globs matched case-insensitively, e.g.
// "*.example.com" or "api.*.internal".
func (f *InterceptFilter) ShouldIntercept(host string) bool {
	if f == nil {
		return true
	}
	host = strings.ToLower(host)

	for _, pattern := range f.TunnelHosts {
		if matchHost(pattern, host) {
			return false
		}
	}
	if len(f.InterceptHosts) == 0 {
		return true
	}
	for _, pattern := range f.InterceptHosts {
		if matchHost(pattern, host) {
			return true
		}
	}
	return false
}

// Validate reports malformed patterns.
func (f *InterceptFilter) Validate() error {
	if f == nil {
		return nil
	}
	for _, p := range append(append([]string{}, f.InterceptHosts...), f.TunnelHosts...) {
		if !doublestar.ValidatePattern(strings.ToLower(p)) {
			return &ConfigError{Field: "filter", Message: "invalid host pattern " + p}
		}
	}
	return nil
}

func matchHost(pattern, host string) bool {
	if pattern == "*" {
		return true
	}
	ok, err := doublestar.Match(strings.ToLower(pattern), host)
	return err == nil && ok
}
