// Package forward relays intercepted requests to their real destination.
//
// Every forwarded request gets its own upstream socket. The socket is bound
// to the rule's local address before connecting, and the destination address
// is picked by the netaddr policy so that the family of the outgoing
// connection never depends on resolver ordering.
package forward

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/getmockd/mockproxy/internal/netaddr"
	"github.com/getmockd/mockproxy/pkg/logging"
	"github.com/getmockd/mockproxy/pkg/proxyerr"
	"github.com/getmockd/mockproxy/pkg/rule"
)

// Default timeouts.
const (
	DefaultDialTimeout           = 10 * time.Second
	DefaultResponseHeaderTimeout = 60 * time.Second
)

// DialObserver is told about every upstream connection attempt.
type DialObserver func(family netaddr.Family, elapsed time.Duration, err error)

// Forwarder relays requests upstream. It holds no connections between
// requests and is safe for concurrent use.
type Forwarder struct {
	resolver              *netaddr.Resolver
	dialTimeout           time.Duration
	responseHeaderTimeout time.Duration
	log                   *slog.Logger
	observe               DialObserver
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithResolver sets the destination resolver.
func WithResolver(r *netaddr.Resolver) Option {
	return func(f *Forwarder) { f.resolver = r }
}

// WithDialTimeout bounds connection establishment, including the TLS handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(f *Forwarder) { f.dialTimeout = d }
}

// WithResponseHeaderTimeout bounds the wait for the upstream response head.
func WithResponseHeaderTimeout(d time.Duration) Option {
	return func(f *Forwarder) { f.responseHeaderTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(f *Forwarder) { f.log = log }
}

// WithDialObserver registers fn to be called after each dial.
func WithDialObserver(fn DialObserver) Option {
	return func(f *Forwarder) { f.observe = fn }
}

// New creates a Forwarder.
func New(opts ...Option) *Forwarder {
	f := &Forwarder{
		resolver:              netaddr.NewResolver(),
		dialTimeout:           DefaultDialTimeout,
		responseHeaderTimeout: DefaultResponseHeaderTimeout,
		log:                   logging.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Result is an upstream response. The caller must Close it.
type Result struct {
	// Response streams from the upstream socket; its Body is closed by Close.
	Response *http.Response

	// Upgraded is set when the upstream answered 101 Switching Protocols.
	// The caller owns it and splices it with the client connection.
	Upgraded net.Conn

	LocalAddr  netip.AddrPort
	RemoteAddr netip.AddrPort
}

// Close releases the upstream socket unless it was upgraded.
func (r *Result) Close() error {
	if r.Upgraded != nil {
		return nil
	}
	return r.Response.Body.Close()
}

// Target is a resolved upstream endpoint.
type Target struct {
	Scheme   string
	Hostname string
	Port     uint16
}

// HostPort returns hostname:port.
func (t Target) HostPort() string {
	return net.JoinHostPort(t.Hostname, strconv.Itoa(int(t.Port)))
}

// TargetFor works out where req should be sent. ForwardTo, when set, replaces
// the scheme (if given) and authority of the request URL.
func TargetFor(req *rule.Request, opts *rule.PassThroughOptions) (Target, error) {
	if req.URL == nil {
		return Target{}, errors.New("request has no URL")
	}
	scheme, authority := strings.ToLower(req.URL.Scheme), req.URL.Host

	if opts != nil && opts.ForwardTo != "" {
		if strings.Contains(opts.ForwardTo, "://") {
			u, err := url.Parse(opts.ForwardTo)
			if err != nil {
				return Target{}, fmt.Errorf("invalid forwardTo %q: %w", opts.ForwardTo, err)
			}
			scheme, authority = strings.ToLower(u.Scheme), u.Host
		} else {
			authority = opts.ForwardTo
		}
	}

	switch scheme {
	case "http", "https":
	case "":
		scheme = "http"
	default:
		return Target{}, fmt.Errorf("unsupported scheme %q", scheme)
	}
	if authority == "" {
		return Target{}, errors.New("request has no destination host")
	}

	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		host, portStr = strings.Trim(authority, "[]"), ""
	}
	port := uint16(80)
	if scheme == "https" {
		port = 443
	}
	if portStr != "" {
		p, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil || p == 0 {
			return Target{}, fmt.Errorf("invalid port %q", portStr)
		}
		port = uint16(p)
	}
	return Target{Scheme: scheme, Hostname: host, Port: port}, nil
}

// Forward sends req to its destination using opts and returns the response
// head with a streaming body. The request body is written concurrently with
// reading the response. Forward never retries.
func (f *Forwarder) Forward(ctx context.Context, req *rule.Request, opts *rule.PassThroughOptions) (*Result, error) {
	if opts == nil {
		opts = &rule.PassThroughOptions{}
	}
	target, err := TargetFor(req, opts)
	if err != nil {
		return nil, proxyerr.New(proxyerr.KindProtocol, "target", err)
	}
	hostPort := target.HostPort()

	conn, err := f.dial(ctx, target, opts.LocalAddress)
	if err != nil {
		return nil, err
	}

	// Cancelling ctx tears the socket down, which unblocks any pending I/O.
	raw := conn
	stop := context.AfterFunc(ctx, func() { _ = raw.Close() })
	release := func() {
		stop()
		_ = raw.Close()
	}

	local, remote := addrPortOf(raw.LocalAddr()), addrPortOf(raw.RemoteAddr())

	if target.Scheme == "https" {
		tlsConn, err := f.handshake(ctx, conn, target, opts)
		if err != nil {
			release()
			return nil, err
		}
		conn = tlsConn
	}

	out, err := outgoingRequest(ctx, req, target, opts)
	if err != nil {
		release()
		return nil, proxyerr.New(proxyerr.KindProtocol, "request", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		bw := bufio.NewWriter(conn)
		err := out.Write(bw)
		if err == nil {
			err = bw.Flush()
		}
		writeErr <- err
	}()

	br := bufio.NewReader(conn)
	if f.responseHeaderTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(f.responseHeaderTimeout))
	}
	resp, err := readFinalResponse(br, out, f.log)
	if err != nil {
		release()
		select {
		case werr := <-writeErr:
			if werr != nil {
				return nil, proxyerr.Upstream("write", hostPort, werr)
			}
		default:
		}
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, proxyerr.Upstream("read", hostPort, err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	f.log.Debug("passthrough response",
		"method", req.Method,
		"target", hostPort,
		"local", local.String(),
		"remote", remote.String(),
		"status", resp.StatusCode,
	)

	result := &Result{Response: resp, LocalAddr: local, RemoteAddr: remote}
	if resp.StatusCode == http.StatusSwitchingProtocols {
		stop()
		if werr := <-writeErr; werr != nil {
			_ = conn.Close()
			return nil, proxyerr.Upstream("write", hostPort, werr)
		}
		result.Upgraded = &bufferedConn{Conn: conn, r: br}
		return result, nil
	}

	RemoveHopByHopHeaders(resp.Header, false)
	resp.Body = &upstreamBody{ReadCloser: resp.Body, release: release, written: writeErr}
	return result, nil
}

// readFinalResponse skips interim 1xx heads such as 103 Early Hints. 101 is
// final: the connection changes protocol after it.
func readFinalResponse(br *bufio.Reader, out *http.Request, log *slog.Logger) (*http.Response, error) {
	for {
		resp, err := http.ReadResponse(br, out)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 100 || resp.StatusCode > 199 || resp.StatusCode == http.StatusSwitchingProtocols {
			return resp, nil
		}
		log.Debug("skipping interim response", "status", resp.StatusCode)
	}
}

func addrPortOf(addr net.Addr) netip.AddrPort {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	ap := tcp.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func (f *Forwarder) dial(ctx context.Context, target Target, localAddress string) (net.Conn, error) {
	hostPort := target.HostPort()

	local, hint, err := netaddr.ParseLocalAddress(localAddress)
	if err != nil {
		return nil, proxyerr.Connection("bind", hostPort, err)
	}
	ip, family, err := f.resolver.ResolveDestination(ctx, target.Hostname, hint)
	if err != nil {
		return nil, proxyerr.Connection("resolve", hostPort, err)
	}

	dialer := &net.Dialer{Timeout: f.dialTimeout}
	if local.IsValid() {
		dialer.LocalAddr = &net.TCPAddr{IP: local.AsSlice()}
	}

	start := time.Now()
	conn, err := dialer.DialContext(ctx, family.Network(), netip.AddrPortFrom(ip, target.Port).String())
	if f.observe != nil {
		f.observe(family, time.Since(start), err)
	}
	if err != nil {
		if isBindError(err) {
			return nil, proxyerr.Connection("bind", hostPort, err)
		}
		return nil, proxyerr.Upstream("dial", hostPort, err)
	}
	return conn, nil
}

func (f *Forwarder) handshake(ctx context.Context, conn net.Conn, target Target, opts *rule.PassThroughOptions) (net.Conn, error) {
	cfg, err := clientTLSConfig(target.Hostname, opts)
	if err != nil {
		return nil, proxyerr.Handshake(target.HostPort(), err)
	}
	tlsConn := tls.Client(conn, cfg)

	hsCtx := ctx
	if f.dialTimeout > 0 {
		var cancel context.CancelFunc
		hsCtx, cancel = context.WithTimeout(ctx, f.dialTimeout)
		defer cancel()
	}
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		return nil, proxyerr.Handshake(target.HostPort(), err)
	}
	return tlsConn, nil
}

func clientTLSConfig(hostname string, opts *rule.PassThroughOptions) (*tls.Config, error) {
	//nolint:gosec // G402: verification is disabled only when the rule asks for it
	cfg := &tls.Config{
		ServerName:         hostname,
		NextProtos:         []string{"http/1.1"},
		InsecureSkipVerify: opts.IgnoreHostCertificateErrors || ignoresHost(opts.IgnoreHostHTTPSErrors, hostname),
	}
	if len(opts.TrustAdditionalCAs) > 0 {
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		for i, pemData := range opts.TrustAdditionalCAs {
			if !pool.AppendCertsFromPEM(pemData) {
				return nil, fmt.Errorf("additional CA %d: no certificates found", i)
			}
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func ignoresHost(hosts []string, hostname string) bool {
	return slices.ContainsFunc(hosts, func(h string) bool {
		if name, _, err := net.SplitHostPort(h); err == nil {
			h = name
		}
		return strings.EqualFold(h, hostname)
	})
}

func outgoingRequest(ctx context.Context, req *rule.Request, target Target, opts *rule.PassThroughOptions) (*http.Request, error) {
	u := *req.URL
	u.Scheme = target.Scheme
	u.Host = target.HostPort()
	if (target.Scheme == "http" && target.Port == 80) || (target.Scheme == "https" && target.Port == 443) {
		u.Host = target.Hostname
		if strings.Contains(u.Host, ":") {
			u.Host = "[" + u.Host + "]"
		}
	}

	var body io.Reader = http.NoBody
	contentLength := int64(0)
	if req.Body != nil {
		switch cl := req.Headers.Get("Content-Length"); {
		case cl != "":
			n, err := strconv.ParseInt(cl, 10, 64)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid Content-Length %q", cl)
			}
			if n > 0 {
				body, contentLength = req.Body.Reader(), n
			}
		case req.Headers.Get("Transfer-Encoding") != "":
			body, contentLength = req.Body.Reader(), -1
		default:
			if data, ok := req.Body.Buffered(); ok && len(data) > 0 {
				body, contentLength = req.Body.Reader(), int64(len(data))
			}
		}
	}

	out, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, err
	}
	out.ContentLength = contentLength
	if contentLength == 0 {
		out.Body = http.NoBody
	}

	out.Header = req.Headers.Clone()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	RemoveHopByHopHeaders(out.Header, isUpgrade(req.Headers))
	out.Header.Del("Content-Length")
	// 100-continue is answered on the client side when the body is first
	// read, so the upstream gets the body without waiting.
	out.Header.Del("Expect")

	out.Host = req.URL.Host
	if opts.ForwardTo != "" {
		out.Host = u.Host
	}
	// Request.Write adds a Go User-Agent unless the header key is present.
	if _, ok := out.Header["User-Agent"]; !ok {
		out.Header["User-Agent"] = []string{""}
	}
	return out, nil
}

// upstreamBody closes the upstream socket with the response body and waits
// for the request writer, so the client stream is no longer read afterwards.
type upstreamBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
	written <-chan error
}

func (b *upstreamBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(func() {
		b.release()
		<-b.written
	})
	return err
}

// bufferedConn reads through the response reader so bytes the upstream sent
// right after the 101 head are not lost.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
