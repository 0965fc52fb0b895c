package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRequest(t *testing.T) {
	m := New()
	m.RecordRequest("GET", "static", 200, 10*time.Millisecond)
	m.RecordRequest("GET", "static", 200, 20*time.Millisecond)
	m.RecordRequest("POST", "passthrough", 502, time.Millisecond)

	assert.InDelta(t, 2, testutil.ToFloat64(m.requestsTotal.WithLabelValues("GET", "static", "200")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.requestsTotal.WithLabelValues("POST", "passthrough", "502")), 0)
}

func TestGaugesAndCounters(t *testing.T) {
	m := New()
	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()
	m.RecordTunnel()
	m.SetRules(3)
	m.RecordError("upstream")
	m.RecordDial("ipv4", time.Millisecond, nil)
	m.RecordDial("ipv6", time.Millisecond, errors.New("refused"))
	m.RecordCertCache(false)
	m.RecordCertCache(true)
	m.RecordCertCache(true)

	assert.InDelta(t, 1, testutil.ToFloat64(m.activeConns), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.tunnelsTotal), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.rulesRegistered), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.errorsTotal.WithLabelValues("upstream")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.upstreamDials.WithLabelValues("ipv6", "error")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.certCacheHits), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.certCacheMisses), 0)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRequest("GET", "static", 200, time.Millisecond)
		m.RecordError("match")
		m.ConnOpened()
		m.ConnClosed()
		m.RecordTunnel()
		m.SetRules(1)
		m.RecordDial("ipv4", 0, nil)
		m.RecordCertCache(true)
	})
	assert.Nil(t, m.Registry())
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordTunnel()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "mockproxy_tunnels_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}
