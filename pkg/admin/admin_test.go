package admin

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/mockproxy/pkg/ca"
	"github.com/getmockd/mockproxy/pkg/metrics"
	"github.com/getmockd/mockproxy/pkg/proxy"
	"github.com/getmockd/mockproxy/pkg/requestlog"
	"github.com/getmockd/mockproxy/pkg/rule"
)

type fixture struct {
	proxy *proxy.Server
	store *requestlog.MemoryStore
	admin *httptest.Server
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := requestlog.NewMemoryStore(100)
	srv, err := proxy.New(proxy.Config{},
		proxy.WithRequestLog(store),
		proxy.WithMetrics(metrics.New()),
	)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})

	api := New(srv, append([]Option{WithRequestStore(store)}, opts...)...)
	ts := httptest.NewServer(api.Handler())
	t.Cleanup(ts.Close)
	return &fixture{proxy: srv, store: store, admin: ts}
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.admin.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (f *fixture) viaProxy(t *testing.T, rawURL string) *http.Response {
	t.Helper()
	proxyURL, err := url.Parse(f.proxy.URL())
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}, Timeout: 5 * time.Second}
	resp, err := client.Get(rawURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthAndStatus(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[HealthResponse](t, resp)
	assert.Equal(t, "ok", health.Status)
	assert.True(t, health.Running)

	status := decode[StatusResponse](t, f.do(t, http.MethodGet, "/status", ""))
	assert.Equal(t, f.proxy.URL(), status.URL)
	assert.Equal(t, "error", status.Fallback)
	assert.False(t, status.Interception)
}

func TestRules(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/rules", `{
		"id": "hello",
		"match": {"method": "GET", "url": "http://mocked.test/hello"},
		"handler": {"type": "static", "status": 202, "body": "hi"}
	}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	added := decode[RuleSummary](t, resp)
	assert.Equal(t, "hello", added.ID)
	assert.Equal(t, "static", added.Handler)

	proxied := f.viaProxy(t, "http://mocked.test/hello")
	assert.Equal(t, http.StatusAccepted, proxied.StatusCode)
	body, err := io.ReadAll(proxied.Body)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(body))

	list := decode[RulesResponse](t, f.do(t, http.MethodGet, "/rules", ""))
	require.Equal(t, 1, list.Count)
	assert.Contains(t, list.Rules[0].Description, "respond with status 202")

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/rules/hello", "").StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/rules/hello", "").StatusCode)

	_, err = f.proxy.AddRules(rule.ForAnyRequest().ThenReply(http.StatusOK, "x"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/rules", "").StatusCode)
	assert.Zero(t, f.proxy.Rules().Len())
}

func TestAddRule_Rejects(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"malformed", `{"id":`, "invalid_json"},
		{"unknown field", `{"handler": {"type": "static"}, "priority": 3}`, "invalid_json"},
		{"passthrough with status", `{"handler": {"type": "passthrough", "status": 200}}`, "validation_error"},
		{"unknown handler", `{"handler": {"type": "callback"}}`, "validation_error"},
		{"bad expression", `{"match": {"expr": "method =="}, "handler": {"type": "static"}}`, "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/rules", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tt.code, decode[ErrorResponse](t, resp).Error)
		})
	}
	assert.Zero(t, f.proxy.Rules().Len())
}

func TestRequests(t *testing.T) {
	f := newFixture(t)
	_, err := f.proxy.AddRules(rule.ForAnyRequest().WithID("any").ThenReply(http.StatusOK, "ok"))
	require.NoError(t, err)

	f.viaProxy(t, "http://one.test/a")
	require.Eventually(t, func() bool { return f.store.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	f.viaProxy(t, "http://two.test/b")
	require.Eventually(t, func() bool { return f.store.Count() == 2 }, 2*time.Second, 10*time.Millisecond)

	all := decode[RequestsResponse](t, f.do(t, http.MethodGet, "/requests", ""))
	assert.Equal(t, 2, all.Total)
	require.Len(t, all.Requests, 2)
	assert.Equal(t, "two.test", all.Requests[0].Host)

	limited := decode[RequestsResponse](t, f.do(t, http.MethodGet, "/requests?limit=1", ""))
	assert.Len(t, limited.Requests, 1)

	byHost := decode[RequestsResponse](t, f.do(t, http.MethodGet, "/requests?host=one.test", ""))
	require.Len(t, byHost.Requests, 1)
	assert.Equal(t, "any", byHost.Requests[0].MatchedRuleID)

	id := byHost.Requests[0].ID
	one := decode[requestlog.Entry](t, f.do(t, http.MethodGet, "/requests/"+id, ""))
	assert.Equal(t, "/a", one.Path)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/requests/missing", "").StatusCode)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/requests?error=maybe", "").StatusCode)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/requests", "").StatusCode)
	assert.Zero(t, f.store.Count())
}

func TestEnvCAAndMetrics(t *testing.T) {
	t.Run("without CA", func(t *testing.T) {
		f := newFixture(t)
		env := decode[map[string]string](t, f.do(t, http.MethodGet, "/env", ""))
		assert.Equal(t, f.proxy.URL(), env["HTTPS_PROXY"])
		assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/ca.pem", "").StatusCode)

		resp := f.do(t, http.MethodGet, "/metrics", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "mockproxy_rules")
	})

	t.Run("with CA", func(t *testing.T) {
		authority, err := ca.NewEphemeral()
		require.NoError(t, err)
		f := newFixture(t, WithCertSource(authority))
		resp := f.do(t, http.MethodGet, "/ca.pem", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(body), "-----BEGIN CERTIFICATE-----"))
	})
}

func readSSE(t *testing.T, r *bufio.Reader, event string) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if strings.TrimSpace(line) != "event: "+event {
			continue
		}
		data, err := r.ReadString('\n')
		require.NoError(t, err)
		return strings.TrimPrefix(strings.TrimSpace(data), "data: ")
	}
}

func TestStreams(t *testing.T) {
	f := newFixture(t)
	_, err := f.proxy.AddRules(rule.ForAnyRequest().ThenReply(http.StatusTeapot, ""))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	open := func(path string) *bufio.Reader {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.admin.URL+path, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
		r := bufio.NewReader(resp.Body)
		readSSE(t, r, "connected")
		return r
	}
	events := open("/events")
	requests := open("/requests/stream")

	f.viaProxy(t, "http://streamed.test/x")

	var msg EventMessage
	require.NoError(t, json.Unmarshal([]byte(readSSE(t, events, "response")), &msg))
	assert.Equal(t, "response", msg.Type)
	assert.Equal(t, http.StatusTeapot, msg.Status)

	var entry requestlog.Entry
	require.NoError(t, json.Unmarshal([]byte(readSSE(t, requests, "request")), &entry))
	assert.Equal(t, "streamed.test", entry.Host)
	assert.Equal(t, http.StatusTeapot, entry.ResponseStatus)
}

func TestStartStop(t *testing.T) {
	srv, err := proxy.New(proxy.Config{})
	require.NoError(t, err)
	api := New(srv)
	require.NoError(t, api.Start("127.0.0.1:0"))
	assert.Error(t, api.Start("127.0.0.1:0"))

	resp, err := http.Get("http://" + api.Addr() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, api.Stop(context.Background()))
	assert.Empty(t, api.Addr())
	require.NoError(t, api.Stop(context.Background()))
}
