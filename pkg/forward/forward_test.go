package forward

import (
	"bufio"
	"context"
	"encoding/pem"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/mockproxy/internal/netaddr"
	"github.com/getmockd/mockproxy/pkg/proxyerr"
	"github.com/getmockd/mockproxy/pkg/rule"
)

// echoHandler reports what the upstream observed about the request.
func echoHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/remote-address", func(w http.ResponseWriter, r *http.Request) {
		host, _, _ := net.SplitHostPort(r.RemoteAddr)
		_, _ = io.WriteString(w, host)
	})
	mux.HandleFunc("/body", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(w, r.Body)
	})
	mux.HandleFunc("/headers", func(w http.ResponseWriter, r *http.Request) {
		for _, name := range []string{"X-Secret", "Proxy-Authorization", "Keep-Alive", "X-Kept", "User-Agent"} {
			if _, ok := r.Header[name]; ok {
				_, _ = io.WriteString(w, name+";")
			}
		}
		w.Header().Set("Keep-Alive", "timeout=5")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.Host+" "+r.URL.Path)
	})
	return mux
}

// listenUpstream starts an echo server on the given loopback listener address.
func listenUpstream(t *testing.T, network, addr string) *httptest.Server {
	t.Helper()
	l, err := net.Listen(network, addr)
	require.NoError(t, err)
	srv := httptest.NewUnstartedServer(echoHandler())
	_ = srv.Listener.Close()
	srv.Listener = l
	srv.Start()
	t.Cleanup(srv.Close)
	return srv
}

func port(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u.Port()
}

func newRequest(t *testing.T, method, rawURL string, body string) *rule.Request {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	req := &rule.Request{
		Method:   method,
		URL:      u,
		Headers:  http.Header{},
		Hostname: u.Hostname(),
		Body:     rule.NewBody(strings.NewReader(body), ""),
	}
	if body != "" {
		req.Headers.Set("Content-Length", strconv.Itoa(len(body)))
	}
	return req
}

func forwardText(t *testing.T, f *Forwarder, req *rule.Request, opts rule.PassThroughOptions) (string, *Result) {
	t.Helper()
	res, err := f.Forward(context.Background(), req, &opts)
	require.NoError(t, err)
	defer func() { _ = res.Close() }()
	data, err := io.ReadAll(res.Response.Body)
	require.NoError(t, err)
	return string(data), res
}

func TestForward_DefaultLocalAddressUsesConsistentFamily(t *testing.T) {
	if !netaddr.IsIPv4LoopbackAvailable() {
		t.Skip("IPv4 loopback unavailable")
	}
	srv := listenUpstream(t, "tcp4", "127.0.0.1:0")
	f := New()

	for range 3 {
		req := newRequest(t, http.MethodGet, "http://localhost:"+port(t, srv)+"/remote-address", "")
		got, res := forwardText(t, f, req, rule.PassThroughOptions{})
		assert.Equal(t, "127.0.0.1", got)
		assert.True(t, res.LocalAddr.Addr().Is4())
	}
}

func TestForward_IPv4LocalAddressOverLocalhost(t *testing.T) {
	local := netip.MustParseAddr("127.0.0.2")
	if !netaddr.IsAssignable(local) {
		t.Skip("127.0.0.2 is not assignable on this host")
	}
	srv := listenUpstream(t, "tcp4", "127.0.0.1:0")

	req := newRequest(t, http.MethodGet, "http://localhost:"+port(t, srv)+"/remote-address", "")
	got, res := forwardText(t, New(), req, rule.PassThroughOptions{LocalAddress: "127.0.0.2"})

	assert.Contains(t, []string{"127.0.0.2", "::ffff:127.0.0.2"}, got)
	assert.Equal(t, local, res.LocalAddr.Addr())
}

func TestForward_IPv6LocalAddressOverLocalhost(t *testing.T) {
	if !netaddr.IsIPv6LoopbackAvailable() {
		t.Skip("IPv6 loopback unavailable")
	}
	srv := listenUpstream(t, "tcp6", "[::1]:0")

	req := newRequest(t, http.MethodGet, "http://localhost:"+port(t, srv)+"/remote-address", "")
	got, _ := forwardText(t, New(), req, rule.PassThroughOptions{LocalAddress: "::1"})

	assert.Equal(t, "::1", got)
}

func TestForward_UnassignableLocalAddress(t *testing.T) {
	local := netip.MustParseAddr("192.0.2.1")
	if netaddr.IsAssignable(local) {
		t.Skip("192.0.2.1 is assigned on this host")
	}
	srv := listenUpstream(t, "tcp4", "127.0.0.1:0")

	req := newRequest(t, http.MethodGet, "http://127.0.0.1:"+port(t, srv)+"/remote-address", "")
	_, err := New().Forward(context.Background(), req, &rule.PassThroughOptions{LocalAddress: local.String()})

	require.Error(t, err)
	pe, ok := proxyerr.As(err)
	require.True(t, ok)
	assert.Equal(t, proxyerr.KindConnection, pe.Kind)
	assert.Equal(t, "bind", pe.Op)
}

func TestForward_FamilyMismatchIsConnectionError(t *testing.T) {
	req := newRequest(t, http.MethodGet, "http://127.0.0.1:1/", "")
	_, err := New().Forward(context.Background(), req, &rule.PassThroughOptions{LocalAddress: "::1"})

	assert.True(t, proxyerr.Is(err, proxyerr.KindConnection))
	assert.ErrorIs(t, err, netaddr.ErrFamilyMismatch)
}

func TestForward_RefusedIsUpstreamError(t *testing.T) {
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	req := newRequest(t, http.MethodGet, "http://"+addr+"/", "")
	_, err = New().Forward(context.Background(), req, nil)

	pe, ok := proxyerr.As(err)
	require.True(t, ok)
	assert.Equal(t, proxyerr.KindUpstream, pe.Kind)
	assert.Equal(t, http.StatusBadGateway, pe.StatusCode())
}

func TestForward_ResponseHeaderTimeout(t *testing.T) {
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		_, _ = io.Copy(io.Discard, c)
	}()

	f := New(WithResponseHeaderTimeout(100 * time.Millisecond))
	req := newRequest(t, http.MethodGet, "http://"+l.Addr().String()+"/", "")
	_, err = f.Forward(context.Background(), req, nil)

	pe, ok := proxyerr.As(err)
	require.True(t, ok)
	assert.Equal(t, proxyerr.KindUpstream, pe.Kind)
	assert.Equal(t, http.StatusGatewayTimeout, pe.StatusCode())
}

func TestForward_StreamsRequestBody(t *testing.T) {
	srv := listenUpstream(t, "tcp4", "127.0.0.1:0")
	base := "http://127.0.0.1:" + port(t, srv) + "/body"

	t.Run("content length", func(t *testing.T) {
		req := newRequest(t, http.MethodPost, base, "hello upstream")
		got, _ := forwardText(t, New(), req, rule.PassThroughOptions{})
		assert.Equal(t, "hello upstream", got)
	})

	t.Run("chunked", func(t *testing.T) {
		pr, pw := io.Pipe()
		req := newRequest(t, http.MethodPost, base, "")
		req.Body = rule.NewBody(pr, "")
		req.Headers.Set("Transfer-Encoding", "chunked")
		go func() {
			_, _ = io.WriteString(pw, "part one, ")
			_, _ = io.WriteString(pw, "part two")
			_ = pw.Close()
		}()
		got, _ := forwardText(t, New(), req, rule.PassThroughOptions{})
		assert.Equal(t, "part one, part two", got)
	})

	t.Run("buffered", func(t *testing.T) {
		req := newRequest(t, http.MethodPut, base, "")
		req.Body = rule.BytesBody([]byte("already read"), "")
		got, _ := forwardText(t, New(), req, rule.PassThroughOptions{})
		assert.Equal(t, "already read", got)
	})
}

func TestForward_RemovesHopByHopHeaders(t *testing.T) {
	srv := listenUpstream(t, "tcp4", "127.0.0.1:0")

	req := newRequest(t, http.MethodGet, "http://127.0.0.1:"+port(t, srv)+"/headers", "")
	req.Headers.Set("Connection", "X-Secret")
	req.Headers.Set("X-Secret", "1")
	req.Headers.Set("Proxy-Authorization", "Basic Zm9vOmJhcg==")
	req.Headers.Set("Keep-Alive", "timeout=5")
	req.Headers.Set("X-Kept", "yes")

	got, res := forwardText(t, New(), req, rule.PassThroughOptions{})
	assert.Equal(t, "X-Kept;", got, "no Go default User-Agent either")
	assert.Empty(t, res.Response.Header.Get("Keep-Alive"))
}

func TestForward_SkipsInterimResponses(t *testing.T) {
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	sawExpect := make(chan bool, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		sawExpect <- req.Header.Get("Expect") != ""
		_, _ = io.Copy(io.Discard, req.Body)
		_, _ = io.WriteString(conn, "HTTP/1.1 100 Continue\r\n\r\n"+
			"HTTP/1.1 103 Early Hints\r\nLink: </a.css>; rel=preload\r\n\r\n"+
			"HTTP/1.1 200 OK\r\nContent-Length: 4\r\n\r\ndone")
	}()

	req := newRequest(t, http.MethodPost, "http://"+l.Addr().String()+"/upload", "hello")
	req.Headers.Set("Expect", "100-continue")
	got, res := forwardText(t, New(), req, rule.PassThroughOptions{})
	assert.Equal(t, http.StatusOK, res.Response.StatusCode)
	assert.Equal(t, "done", got)
	assert.False(t, <-sawExpect)
	assert.True(t, res.LocalAddr.Addr().Is4())
}

func TestForward_ForwardTo(t *testing.T) {
	srv := listenUpstream(t, "tcp4", "127.0.0.1:0")
	hostPort := "127.0.0.1:" + port(t, srv)

	req := newRequest(t, http.MethodGet, "http://api.invalid/v1/items", "")
	got, _ := forwardText(t, New(), req, rule.PassThroughOptions{ForwardTo: hostPort})
	assert.Equal(t, hostPort+" /v1/items", got)

	got, _ = forwardText(t, New(), req, rule.PassThroughOptions{ForwardTo: "http://" + hostPort})
	assert.Equal(t, hostPort+" /v1/items", got)
}

func TestForward_InjectedLookup(t *testing.T) {
	srv := listenUpstream(t, "tcp4", "127.0.0.1:0")
	resolver := &netaddr.Resolver{
		Lookup: func(context.Context, string) ([]netip.Addr, error) {
			return []netip.Addr{netip.MustParseAddr("127.0.0.1")}, nil
		},
	}

	req := newRequest(t, http.MethodGet, "http://service.test:"+port(t, srv)+"/remote-address", "")
	got, _ := forwardText(t, New(WithResolver(resolver)), req, rule.PassThroughOptions{})
	assert.Equal(t, "127.0.0.1", got)
}

func TestForward_TLSVerification(t *testing.T) {
	srv := httptest.NewTLSServer(echoHandler())
	t.Cleanup(srv.Close)
	target := srv.URL + "/remote-address"
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})

	t.Run("untrusted", func(t *testing.T) {
		_, err := New().Forward(context.Background(), newRequest(t, http.MethodGet, target, ""), nil)
		assert.True(t, proxyerr.Is(err, proxyerr.KindHandshake), "got %v", err)
	})

	tests := []struct {
		name string
		opts rule.PassThroughOptions
	}{
		{"additional CA", rule.PassThroughOptions{TrustAdditionalCAs: [][]byte{caPEM}}},
		{"ignore all", rule.PassThroughOptions{IgnoreHostCertificateErrors: true}},
		{"ignore host", rule.PassThroughOptions{IgnoreHostHTTPSErrors: []string{"127.0.0.1"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := forwardText(t, New(), newRequest(t, http.MethodGet, target, ""), tt.opts)
			assert.Equal(t, "127.0.0.1", got)
		})
	}
}

func TestForward_DialObserver(t *testing.T) {
	srv := listenUpstream(t, "tcp4", "127.0.0.1:0")
	var families []netaddr.Family
	f := New(WithDialObserver(func(family netaddr.Family, _ time.Duration, err error) {
		assert.NoError(t, err)
		families = append(families, family)
	}))

	forwardText(t, f, newRequest(t, http.MethodGet, srv.URL+"/", ""), rule.PassThroughOptions{})
	assert.Equal(t, []netaddr.Family{netaddr.FamilyIPv4}, families)
}

func TestTargetFor(t *testing.T) {
	tests := []struct {
		url     string
		forward string
		want    Target
		wantErr bool
	}{
		{url: "http://example.com/a", want: Target{"http", "example.com", 80}},
		{url: "https://example.com/a", want: Target{"https", "example.com", 443}},
		{url: "http://[::1]:8080/", want: Target{"http", "::1", 8080}},
		{url: "http://example.com/", forward: "localhost:9000", want: Target{"http", "localhost", 9000}},
		{url: "http://example.com/", forward: "https://other.test", want: Target{"https", "other.test", 443}},
		{url: "ftp://example.com/", wantErr: true},
		{url: "http://example.com:0/", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.url+" "+tt.forward, func(t *testing.T) {
			u, err := url.Parse(tt.url)
			require.NoError(t, err)
			got, err := TargetFor(&rule.Request{URL: u}, &rule.PassThroughOptions{ForwardTo: tt.forward})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRemoveHopByHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "Upgrade, X-Drop")
	h.Set("Upgrade", "websocket")
	h.Set("X-Drop", "1")
	h.Set("X-Keep", "1")

	kept := h.Clone()
	RemoveHopByHopHeaders(kept, true)
	assert.Equal(t, "Upgrade", kept.Get("Connection"))
	assert.Equal(t, "websocket", kept.Get("Upgrade"))
	assert.Empty(t, kept.Get("X-Drop"))
	assert.Equal(t, "1", kept.Get("X-Keep"))

	RemoveHopByHopHeaders(h, false)
	assert.Empty(t, h.Get("Connection"))
	assert.Empty(t, h.Get("Upgrade"))
	assert.True(t, isUpgrade(kept))
}
