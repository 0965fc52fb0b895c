package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http/httpguts"

	"github.com/getmockd/mockproxy/pkg/proxyerr"
	"github.com/getmockd/mockproxy/pkg/requestlog"
	"github.com/getmockd/mockproxy/pkg/rule"
)

// clientConn is the state of one accepted connection. Only the goroutine
// running serve touches it, except idle and close which Stop uses.
type clientConn struct {
	srv *Server
	raw net.Conn

	// conn is raw, or the TLS server side after a CONNECT was intercepted.
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer

	clientIP   string
	clientPort int

	tunneled  bool
	tls       bool
	authority string

	// expect is set while serving a request that sent Expect: 100-continue.
	expect *continueReader

	idle      atomic.Bool
	closeOnce sync.Once
}

func newClientConn(s *Server, conn net.Conn) *clientConn {
	c := &clientConn{
		srv:  s,
		raw:  conn,
		conn: conn,
		br:   bufio.NewReader(conn),
		bw:   bufio.NewWriter(conn),
	}
	if ap := tcpAddrPort(conn.RemoteAddr()); ap.IsValid() {
		c.clientIP, c.clientPort = ap.Addr().String(), int(ap.Port())
	}
	return c
}

func (c *clientConn) close() {
	c.closeOnce.Do(func() { _ = c.raw.Close() })
}

func (c *clientConn) clientAddr() string {
	return net.JoinHostPort(c.clientIP, strconv.Itoa(c.clientPort))
}

func (c *clientConn) serve(ctx context.Context) {
	defer c.close()

	for {
		if c.srv.stopping.Load() || !c.awaitRequest() {
			return
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.HeaderTimeout))
		req, err := http.ReadRequest(c.br)
		_ = c.conn.SetReadDeadline(time.Time{})
		if err != nil {
			c.publishError(nil, c.authority, proxyerr.New(proxyerr.KindProtocol, "read request", err))
			_, _ = c.writeError(nil, http.StatusBadRequest, "malformed request\n", false)
			return
		}

		if req.Method == http.MethodConnect {
			if !c.handleConnect(ctx, req) {
				return
			}
			continue
		}
		if !c.handle(ctx, req) {
			return
		}
	}
}

// awaitRequest blocks until the client sends the first byte of a request.
// The connection counts as idle while it waits.
func (c *clientConn) awaitRequest() bool {
	c.idle.Store(true)
	defer c.idle.Store(false)

	if c.srv.cfg.IdleTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout))
	}
	_, err := c.br.Peek(1)
	return err == nil
}

// exchange collects what happened to one request for logging.
type exchange struct {
	req     *rule.Request
	rule    *rule.Rule
	handler rule.HandlerKind
	status  int
	local   string
	remote  string
	err     *proxyerr.Error
}

// handle serves one request and reports whether the connection stays open.
func (c *clientConn) handle(ctx context.Context, req *http.Request) bool {
	start := time.Now()

	if expectsContinue(req) {
		c.expect = &continueReader{ReadCloser: req.Body, w: c.bw}
		req.Body = c.expect
		defer func() { c.expect = nil }()
	}

	rreq, err := c.interceptedRequest(req, start)
	if err != nil {
		c.publishError(nil, req.Host, proxyerr.New(proxyerr.KindProtocol, "request", err))
		_, _ = c.writeError(req, http.StatusBadRequest, err.Error()+"\n", false)
		return false
	}
	c.srv.events.publish(Event{
		Type:       EventRequest,
		Time:       start,
		RequestID:  rreq.ID,
		Request:    rreq,
		ClientAddr: c.clientAddr(),
		Host:       rreq.Hostname,
	})

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ex := &exchange{req: rreq}
	keepAlive := !req.Close && !c.srv.stopping.Load()

	outcome, err := c.run(reqCtx, rreq, ex)
	switch {
	case err != nil:
		ex.err = toProxyError(err)
		ex.status = ex.err.StatusCode()
		if ex.err.Kind == proxyerr.KindProtocol || (ex.handler == rule.HandlerPassThrough && bodyStreamed(req, rreq)) {
			keepAlive = false
		}
		keepAlive, _ = c.writeError(req, ex.status, ex.err.Error()+"\n", keepAlive)

	case outcome.Upstream != nil:
		res := outcome.Upstream
		ex.local, ex.remote = res.LocalAddr.String(), res.RemoteAddr.String()
		ex.status = res.Response.StatusCode
		if res.Upgraded != nil {
			c.finish(ex, start)
			c.upgrade(reqCtx, res)
			return false
		}

		body := &relayBody{ReadCloser: res.Response.Body, flush: c.bw.Flush}
		res.Response.Body = body
		var werr error
		keepAlive, werr = c.writeResponse(req, res.Response, keepAlive)
		_ = res.Close()
		switch {
		case body.readErr != nil:
			ex.err = proxyerr.Upstream("read body", rreq.URL.Host, body.readErr)
			keepAlive = false
		case werr != nil:
			c.srv.log.Debug("client went away", "requestId", rreq.ID, "error", werr)
			keepAlive = false
		}

	default:
		ex.status = outcome.Response.StatusOrDefault()
		keepAlive, _ = c.writeResponse(req, syntheticResponse(outcome.Response), keepAlive)
	}

	if keepAlive && !c.drain(req) {
		keepAlive = false
	}
	c.finish(ex, start)
	return keepAlive
}

func (c *clientConn) run(ctx context.Context, req *rule.Request, ex *exchange) (Outcome, error) {
	if c.srv.rules.NeedsBody() {
		if err := req.Body.Buffer(); err != nil && !errors.Is(err, rule.ErrBodyTooLarge) {
			return Outcome{}, proxyerr.New(proxyerr.KindProtocol, "read body", err)
		}
	}

	h, matched, err := c.srv.selectHandler(req)
	if err != nil {
		return Outcome{}, err
	}
	ex.rule, ex.handler = matched, h.Kind
	return c.srv.dispatcher.Dispatch(ctx, req, h)
}

func (s *Server) selectHandler(req *rule.Request) (rule.Handler, *rule.Rule, error) {
	if r := s.rules.Select(req); r != nil {
		return r.Handler, r, nil
	}
	if s.cfg.Fallback == FallbackPassThrough {
		return rule.PassThrough(rule.PassThroughOptions{}), nil, nil
	}
	return rule.Handler{}, nil, proxyerr.Newf(proxyerr.KindMatch, "match", "no rule matched %s %s", req.Method, req.URL)
}

// interceptedRequest rebuilds the absolute target URL and wraps the body.
func (c *clientConn) interceptedRequest(req *http.Request, start time.Time) (*rule.Request, error) {
	u := *req.URL
	u.Fragment, u.RawFragment = "", ""
	if u.Scheme == "" || u.Host == "" {
		u.Scheme = "http"
		if c.tls {
			u.Scheme = "https"
		}
		u.Host = req.Host
		if c.tunneled {
			u.Host = c.tunnelHost(req.Host, u.Scheme)
		}
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Host == "" {
		return nil, errors.New("request has no Host header")
	}

	headers := req.Header.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	if len(req.TransferEncoding) > 0 {
		headers.Set("Transfer-Encoding", strings.Join(req.TransferEncoding, ", "))
		headers.Del("Content-Length")
	} else if req.ContentLength > 0 {
		headers.Set("Content-Length", strconv.FormatInt(req.ContentLength, 10))
	}
	if req.Host != "" {
		headers.Set("Host", req.Host)
	}

	return &rule.Request{
		ID:              uuid.NewString(),
		Method:          req.Method,
		URL:             &u,
		Protocol:        req.Proto,
		Headers:         headers,
		Body:            rule.NewBody(req.Body, headers.Get("Content-Encoding")).WithLimit(c.srv.cfg.MaxBodyBuffer),
		RemoteIPAddress: c.clientIP,
		RemotePort:      c.clientPort,
		Hostname:        u.Hostname(),
		Tunneled:        c.tunneled,
		Timestamp:       start,
	}, nil
}

// tunnelHost picks the authority for an origin-form request inside a tunnel.
// The Host header names the site; the CONNECT target supplies a non-default
// port the header left out.
func (c *clientConn) tunnelHost(hostHeader, scheme string) string {
	if hostHeader == "" {
		return c.authority
	}
	if _, _, err := net.SplitHostPort(hostHeader); err == nil {
		return hostHeader
	}
	_, port, err := net.SplitHostPort(c.authority)
	if err != nil || port == defaultPort(scheme) {
		return hostHeader
	}
	return net.JoinHostPort(strings.Trim(hostHeader, "[]"), port)
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

// writeResponse writes resp to the client and reports whether the
// connection can be reused afterwards.
func (c *clientConn) writeResponse(req *http.Request, resp *http.Response, keepAlive bool) (bool, error) {
	resp.Request = req
	resp.Proto, resp.ProtoMajor, resp.ProtoMinor = "HTTP/1.1", 1, 1

	// The client is still holding the body back; it may send it or not, so
	// the stream cannot be resynchronised.
	if c.expect != nil && !c.expect.finish() {
		keepAlive = false
	}

	if httpguts.HeaderValuesContainsToken(resp.Header["Connection"], "close") {
		keepAlive = false
	}
	if req != nil && !req.ProtoAtLeast(1, 1) {
		resp.Proto, resp.ProtoMinor = "HTTP/1.0", 0
		if resp.ContentLength < 0 {
			// HTTP/1.0 clients cannot read chunked bodies.
			resp.TransferEncoding = nil
			keepAlive = false
		}
		if keepAlive {
			resp.Header.Set("Connection", "keep-alive")
		}
	}
	if resp.ContentLength < 0 && !isChunked(resp.TransferEncoding) && bodyAllowed(req, resp.StatusCode) {
		keepAlive = false
	}
	resp.Close = !keepAlive

	// The anonymous struct hides bufio.Writer's ReadFrom, so the relay body
	// can flush between reads.
	err := resp.Write(struct{ io.Writer }{c.bw})
	if ferr := c.bw.Flush(); err == nil {
		err = ferr
	}
	return keepAlive && err == nil, err
}

func (c *clientConn) writeError(req *http.Request, status int, msg string, keepAlive bool) (bool, error) {
	resp := &http.Response{
		StatusCode:    status,
		Header:        http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(msg)),
		ContentLength: int64(len(msg)),
	}
	return c.writeResponse(req, resp, keepAlive)
}

func syntheticResponse(r *rule.Response) *http.Response {
	h := r.Headers.Clone()
	if h == nil {
		h = http.Header{}
	}
	resp := &http.Response{
		StatusCode:    r.StatusOrDefault(),
		Header:        h,
		Body:          http.NoBody,
		ContentLength: int64(len(r.Body)),
	}
	if len(r.Body) > 0 {
		resp.Body = io.NopCloser(bytes.NewReader(r.Body))
	}
	return resp
}

func isChunked(te []string) bool {
	return len(te) > 0 && strings.EqualFold(te[0], "chunked")
}

func bodyAllowed(req *http.Request, status int) bool {
	if req != nil && req.Method == http.MethodHead {
		return false
	}
	return !(status >= 100 && status < 200) && status != http.StatusNoContent && status != http.StatusNotModified
}

// bodyStreamed reports whether the request had a body that was handed to a
// forwarder without being buffered. Such a body may still be in use, so the
// connection cannot be reused.
func bodyStreamed(req *http.Request, rreq *rule.Request) bool {
	if req.ContentLength == 0 && len(req.TransferEncoding) == 0 {
		return false
	}
	_, buffered := rreq.Body.Buffered()
	return !buffered
}

func expectsContinue(req *http.Request) bool {
	if !req.ProtoAtLeast(1, 1) || req.Body == nil || req.Body == http.NoBody {
		return false
	}
	return httpguts.HeaderValuesContainsToken(req.Header["Expect"], "100-continue")
}

var errBodyWithheld = errors.New("final response sent before the client was told to continue")

// continueReader sends 100 Continue before the first read of a body the
// client is waiting to send. Once the final response has started no interim
// response is written.
type continueReader struct {
	io.ReadCloser
	w *bufio.Writer

	mu   sync.Mutex
	sent bool
	done bool
}

func (r *continueReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	if r.done && !r.sent {
		r.mu.Unlock()
		return 0, errBodyWithheld
	}
	if !r.sent {
		r.sent = true
		_, err := r.w.WriteString("HTTP/1.1 100 Continue\r\n\r\n")
		if err == nil {
			err = r.w.Flush()
		}
		if err != nil {
			r.mu.Unlock()
			return 0, err
		}
	}
	r.mu.Unlock()
	return r.ReadCloser.Read(p)
}

// finish stops further 100 Continue writes and reports whether one was sent.
func (r *continueReader) finish() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = true
	return r.sent
}

// drain discards the unread request body so the next request can be parsed.
// Bodies above the drain limit close the connection instead.
func (c *clientConn) drain(req *http.Request) bool {
	if req.Body == nil || req.Body == http.NoBody {
		return true
	}
	limit := c.srv.cfg.MaxDrainBytes
	n, err := io.CopyN(io.Discard, req.Body, limit+1)
	return errors.Is(err, io.EOF) && n <= limit
}

// relayBody flushes what has been written to the client before each read
// from the upstream, so chunks reach the client as they arrive.
type relayBody struct {
	io.ReadCloser
	flush   func() error
	readErr error
}

func (b *relayBody) Read(p []byte) (int, error) {
	if err := b.flush(); err != nil {
		return 0, err
	}
	n, err := b.ReadCloser.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		b.readErr = err
	}
	return n, err
}

func (c *clientConn) finish(ex *exchange, start time.Time) {
	s := c.srv
	d := time.Since(start)

	handler, ruleID := "none", ""
	if ex.handler != 0 {
		handler = ex.handler.String()
	}
	if ex.rule != nil {
		ruleID = ex.rule.ID
	}

	s.metrics.RecordRequest(ex.req.Method, handler, ex.status, d)
	if ex.err != nil {
		c.publishError(ex.req, ex.req.URL.Host, ex.err)
	}

	if s.reqlog != nil {
		entry := &requestlog.Entry{
			ID:             ex.req.ID,
			Timestamp:      ex.req.Timestamp,
			Method:         ex.req.Method,
			URL:            ex.req.URL.String(),
			Host:           ex.req.Hostname,
			Path:           ex.req.URL.Path,
			QueryString:    ex.req.URL.RawQuery,
			Headers:        ex.req.Headers,
			RemoteAddr:     ex.req.RemoteIPAddress,
			Tunneled:       ex.req.Tunneled,
			MatchedRuleID:  ruleID,
			Handler:        handler,
			LocalAddr:      ex.local,
			UpstreamAddr:   ex.remote,
			ResponseStatus: ex.status,
			DurationMs:     int(d.Milliseconds()),
		}
		if ex.err != nil {
			entry.Error, entry.ErrorKind = ex.err.Error(), string(ex.err.Kind)
		}
		s.reqlog.Log(entry)
	}

	s.events.publish(Event{
		Type:       EventResponse,
		RequestID:  ex.req.ID,
		Request:    ex.req,
		ClientAddr: c.clientAddr(),
		Host:       ex.req.Hostname,
		RuleID:     ruleID,
		Handler:    handler,
		Status:     ex.status,
		Duration:   d,
	})

	s.log.Info("request",
		"id", ex.req.ID,
		"method", ex.req.Method,
		"url", ex.req.URL.String(),
		"rule", ruleID,
		"handler", handler,
		"status", ex.status,
		"duration", d,
	)
}

func (c *clientConn) publishError(req *rule.Request, host string, pe *proxyerr.Error) {
	s := c.srv
	s.metrics.RecordError(string(pe.Kind))

	ev := Event{Type: EventError, ClientAddr: c.clientAddr(), Host: host, Err: pe}
	if req != nil {
		ev.RequestID, ev.Request = req.ID, req
	}
	s.events.publish(ev)

	s.log.Warn("proxy error",
		"kind", string(pe.Kind),
		"op", pe.Op,
		"host", host,
		"client", c.clientAddr(),
		"error", pe.Err,
	)
}

func toProxyError(err error) *proxyerr.Error {
	if pe, ok := proxyerr.As(err); ok {
		return pe
	}
	return proxyerr.New(proxyerr.KindUpstream, "dispatch", fmt.Errorf("unclassified: %w", err))
}
