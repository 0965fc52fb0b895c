package rule

import (
	"net/http"
	"net/url"
	"time"
)

// Request is an intercepted request. It is built once by the proxy and must
// be treated as read-only by matchers and handlers.
type Request struct {
	// ID uniquely identifies the request within the process.
	ID string

	Method string

	// URL is always absolute: scheme and host are filled in from the CONNECT
	// target or the Host header when the client sent an origin-form request.
	URL *url.URL

	// Protocol is the client's HTTP version, e.g. "HTTP/1.1".
	Protocol string

	Headers http.Header

	Body *Body

	// RemoteIPAddress is the peer address of the connecting client.
	RemoteIPAddress string
	RemotePort      int

	// Hostname is the destination host without port.
	Hostname string

	// Tunneled is set for requests that arrived inside a CONNECT tunnel.
	Tunneled bool

	Timestamp time.Time
}

// Header returns the first value of the named request header.
func (r *Request) Header(name string) string {
	return r.Headers.Get(name)
}

// Response is a synthetic response description produced by static and
// callback handlers.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// StatusOrDefault returns Status, or 200 when unset.
func (r *Response) StatusOrDefault() int {
	if r.Status == 0 {
		return http.StatusOK
	}
	return r.Status
}
