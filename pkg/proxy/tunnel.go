package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/getmockd/mockproxy/pkg/forward"
	"github.com/getmockd/mockproxy/pkg/proxyerr"
)

const tlsRecordHandshake = 0x16

// handleConnect answers a CONNECT request. Intercepted tunnels are turned
// into a decrypted stream the serve loop keeps reading requests from; it
// reports false when the connection is done.
func (c *clientConn) handleConnect(ctx context.Context, req *http.Request) bool {
	authority := req.Host
	if c.tunneled || authority == "" {
		c.publishError(nil, authority, proxyerr.Newf(proxyerr.KindProtocol, "connect", "unexpected CONNECT %q", authority))
		_, _ = c.writeError(req, http.StatusBadRequest, "bad CONNECT request\n", false)
		return false
	}
	host := authority
	if h, _, err := net.SplitHostPort(authority); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")

	c.srv.metrics.RecordTunnel()
	c.srv.events.publish(Event{Type: EventTunnel, ClientAddr: c.clientAddr(), Host: authority})

	if c.srv.ca == nil || !c.srv.cfg.Filter.ShouldIntercept(host) {
		c.rawTunnel(ctx, req, authority)
		return false
	}

	if err := c.writeEstablished(); err != nil {
		return false
	}
	c.tunneled, c.authority = true, authority

	_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.HeaderTimeout))
	first, err := c.br.Peek(1)
	if err != nil {
		return false
	}
	if first[0] != tlsRecordHandshake {
		// Plain HTTP inside the tunnel.
		_ = c.conn.SetReadDeadline(time.Time{})
		c.srv.log.Debug("tunnel carries plain HTTP", "target", authority)
		return true
	}

	tlsConn := tls.Server(&peekedConn{Conn: c.conn, r: c.br}, c.serverTLSConfig(host))
	hsCtx, cancel := context.WithTimeout(ctx, c.srv.cfg.HeaderTimeout)
	err = tlsConn.HandshakeContext(hsCtx)
	cancel()
	if err != nil {
		c.publishError(nil, authority, proxyerr.Handshake(authority, err))
		return false
	}
	_ = c.conn.SetReadDeadline(time.Time{})

	c.conn = tlsConn
	c.br = bufio.NewReader(tlsConn)
	c.bw = bufio.NewWriter(tlsConn)
	c.tls = true
	c.srv.log.Debug("tunnel intercepted", "target", authority, "sni", tlsConn.ConnectionState().ServerName)
	return true
}

func (c *clientConn) writeEstablished() error {
	if _, err := c.bw.WriteString("HTTP/1.1 200 Connection established\r\n\r\n"); err != nil {
		return err
	}
	return c.bw.Flush()
}

func (c *clientConn) serverTLSConfig(connectHost string) *tls.Config {
	authority := c.srv.ca
	//nolint:gosec // G402: clients of a test proxy negotiate whatever TLS version they support
	return &tls.Config{
		NextProtos: []string{"http/1.1"},
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			name := hello.ServerName
			if name == "" {
				name = connectHost
			}
			return authority.CertificateFor(name)
		},
	}
}

// rawTunnel relays a CONNECT tunnel without decrypting it. The tunnel is
// only acknowledged once the destination accepted the connection.
func (c *clientConn) rawTunnel(ctx context.Context, req *http.Request, authority string) {
	upstream, err := c.srv.forwarder.DialTunnel(ctx, authority, nil)
	if err != nil {
		pe := toProxyError(err)
		c.publishError(nil, authority, pe)
		_, _ = c.writeError(req, pe.StatusCode(), pe.Error()+"\n", false)
		return
	}
	defer func() { _ = upstream.Close() }()

	if err := c.writeEstablished(); err != nil {
		return
	}
	c.srv.log.Debug("tunnel relayed", "target", authority)
	splice(ctx, &peekedConn{Conn: c.conn, r: c.br}, upstream)
}

// upgrade relays a 101 response head and splices the client with the
// upgraded upstream socket until either side closes.
func (c *clientConn) upgrade(ctx context.Context, res *forward.Result) {
	defer func() { _ = res.Upgraded.Close() }()

	resp := res.Response
	if _, err := c.bw.WriteString("HTTP/1.1 " + resp.Status + "\r\n"); err != nil {
		return
	}
	if err := resp.Header.Write(c.bw); err != nil {
		return
	}
	if _, err := c.bw.WriteString("\r\n"); err != nil {
		return
	}
	if err := c.bw.Flush(); err != nil {
		return
	}
	splice(ctx, &peekedConn{Conn: c.conn, r: c.br}, res.Upgraded)
}

// splice copies in both directions. When either direction ends both
// connections are closed, as is everything when ctx is cancelled.
func splice(ctx context.Context, client, upstream net.Conn) {
	stop := context.AfterFunc(ctx, func() {
		_ = client.Close()
		_ = upstream.Close()
	})
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(upstream, client)
		_ = upstream.Close()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(client, upstream)
		_ = client.Close()
	}()
	wg.Wait()
}

// peekedConn reads through a bufio.Reader so bytes buffered while sniffing
// the connection are not lost.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
