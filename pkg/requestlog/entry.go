package requestlog

import "time"

// Entry captures one request handled by the proxy.
type Entry struct {
	// ID is the intercepted request's ID.
	ID string `json:"id"`

	// Timestamp is when the request head was read.
	Timestamp time.Time `json:"timestamp"`

	Method      string              `json:"method"`
	URL         string              `json:"url"`
	Host        string              `json:"host"`
	Path        string              `json:"path"`
	QueryString string              `json:"queryString,omitempty"`
	Headers     map[string][]string `json:"headers,omitempty"`

	// RemoteAddr is the client IP address.
	RemoteAddr string `json:"remoteAddr"`

	// Tunneled is set for requests decrypted from a CONNECT tunnel.
	Tunneled bool `json:"tunneled,omitempty"`

	// MatchedRuleID is empty when the fallback handled the request.
	MatchedRuleID string `json:"matchedRuleId,omitempty"`

	// Handler is the handler kind: static, callback or passthrough.
	Handler string `json:"handler,omitempty"`

	// LocalAddr and UpstreamAddr describe the passthrough socket, if any.
	LocalAddr    string `json:"localAddr,omitempty"`
	UpstreamAddr string `json:"upstreamAddr,omitempty"`

	ResponseStatus int `json:"responseStatus"`
	DurationMs     int `json:"durationMs"`

	// Error and ErrorKind are set when the request failed.
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`
}
