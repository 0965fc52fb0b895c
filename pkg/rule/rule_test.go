package rule

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRequest(t *testing.T, method, rawURL string) *Request {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return &Request{
		Method:   method,
		URL:      u,
		Headers:  http.Header{},
		Body:     BytesBody(nil, ""),
		Hostname: u.Hostname(),
	}
}

func TestSet_LastRegisteredWins(t *testing.T) {
	set := NewSet()
	target := "http://localhost:8080/resource"

	first, err := set.Add(ForGet(target).ThenPassThrough())
	require.NoError(t, err)
	second, err := set.Add(ForGet(target).ThenCallback(func(context.Context, *Request) (*Response, error) {
		return &Response{Status: 200}, nil
	}))
	require.NoError(t, err)

	selected := set.Select(newRequest(t, http.MethodGet, target))
	require.NotNil(t, selected)
	assert.Equal(t, second[0].ID, selected.ID)
	assert.Equal(t, HandlerCallback, selected.Handler.Kind)
	assert.Greater(t, second[0].Seq(), first[0].Seq())
}

func TestSet_FallsThroughToOlderRule(t *testing.T) {
	set := NewSet()
	_, err := set.Add(
		ForAnyRequest().WithID("catch-all").ThenReply(404, "nope"),
		ForPost("/orders").WithID("orders").ThenReply(201, "created"),
	)
	require.NoError(t, err)

	assert.Equal(t, "orders", set.Select(newRequest(t, http.MethodPost, "http://shop.test/orders")).ID)
	assert.Equal(t, "catch-all", set.Select(newRequest(t, http.MethodGet, "http://shop.test/orders")).ID)
}

func TestSet_NoMatch(t *testing.T) {
	set := NewSet()
	_, err := set.Add(ForGet("http://a.test/").ThenReply(200, ""))
	require.NoError(t, err)

	assert.Nil(t, set.Select(newRequest(t, http.MethodGet, "http://b.test/")))
}

func TestSet_SelectIsIdempotent(t *testing.T) {
	set := NewSet()
	_, err := set.Add(
		ForGet("/a").ThenReply(200, "a"),
		ForAnyRequest().WithHeader("X-Test", "1").ThenReply(200, "h"),
		ForGet("/a").WithQuery("v", "2").ThenReply(200, "q"),
	)
	require.NoError(t, err)

	req := newRequest(t, http.MethodGet, "http://x.test/a?v=2")
	req.Headers.Set("X-Test", "1")

	first := set.Select(req)
	second := set.Select(req)
	require.NotNil(t, first)
	assert.Same(t, first, second)
}

func TestSet_AddIsAtomic(t *testing.T) {
	set := NewSet()
	_, err := set.Add(
		ForGet("/ok").ThenReply(200, ""),
		Rule{Matchers: []Matcher{AnyRequest()}},
	)
	require.Error(t, err)
	assert.Equal(t, 0, set.Len())
}

func TestSet_DuplicateID(t *testing.T) {
	set := NewSet()
	_, err := set.Add(ForGet("/a").WithID("same").ThenReply(200, ""))
	require.NoError(t, err)
	_, err = set.Add(ForGet("/b").WithID("same").ThenReply(200, ""))
	assert.ErrorContains(t, err, "duplicate id")
}

func TestSet_RemoveAndClear(t *testing.T) {
	set := NewSet()
	added, err := set.Add(ForGet("/a").ThenReply(200, ""), ForGet("/b").ThenReply(200, ""))
	require.NoError(t, err)
	assert.Len(t, set.Rules(), 2)

	assert.True(t, set.Remove(added[0].ID))
	assert.False(t, set.Remove(added[0].ID))
	_, ok := set.Get(added[1].ID)
	assert.True(t, ok)

	set.Clear()
	assert.Equal(t, 0, set.Len())
}

func TestSet_RegisteredRulesAreIsolated(t *testing.T) {
	set := NewSet()
	r := ForGet("/a").ThenReply(200, "")
	added, err := set.Add(r)
	require.NoError(t, err)

	r.Matchers[0] = Method(http.MethodPost)
	assert.NotNil(t, set.Select(newRequest(t, http.MethodGet, "http://x.test/a")))
	assert.Len(t, added[0].Matchers, 2)
}

func TestSet_HandlerPayloadIsCopied(t *testing.T) {
	set := NewSet()
	static := ForGet("/a").ThenReply(200, "original", http.Header{"X-Kind": {"static"}})
	opts := PassThroughOptions{
		IgnoreHostHTTPSErrors: []string{"a.test"},
		TrustAdditionalCAs:    [][]byte{[]byte("pem")},
	}
	pass := ForGet("/b").ThenPassThrough(opts)
	added, err := set.Add(static, pass)
	require.NoError(t, err)

	static.Handler.Static.Status = 500
	static.Handler.Static.Body[0] = 'X'
	static.Handler.Static.Headers.Set("X-Kind", "changed")
	pass.Handler.PassThrough.LocalAddress = "127.0.0.9"
	pass.Handler.PassThrough.IgnoreHostHTTPSErrors[0] = "b.test"
	pass.Handler.PassThrough.TrustAdditionalCAs[0][0] = 'X'

	got := added[0].Handler.Static
	assert.Equal(t, 200, got.Status)
	assert.Equal(t, "original", string(got.Body))
	assert.Equal(t, "static", got.Headers.Get("X-Kind"))

	po := added[1].Handler.PassThrough
	assert.Empty(t, po.LocalAddress)
	assert.Equal(t, []string{"a.test"}, po.IgnoreHostHTTPSErrors)
	assert.Equal(t, "pem", string(po.TrustAdditionalCAs[0]))
}

func TestSet_ConcurrentReadsAndWrites(t *testing.T) {
	set := NewSet()
	req := newRequest(t, http.MethodGet, "http://x.test/a")

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = set.Add(ForGet("/a").ThenReply(200+i, ""))
		}()
		go func() {
			defer wg.Done()
			for range 100 {
				_ = set.Select(req)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, set.Len())
}

func TestSet_NeedsBody(t *testing.T) {
	set := NewSet()
	_, err := set.Add(ForGet("/a").ThenReply(200, ""))
	require.NoError(t, err)
	assert.False(t, set.NeedsBody())

	_, err = set.Add(ForPost("/a").WithBodyIncluding("x").ThenReply(200, ""))
	require.NoError(t, err)
	assert.True(t, set.NeedsBody())
}

func TestRuleString(t *testing.T) {
	r := ForGet("http://example.com/").ThenPassThrough(PassThroughOptions{LocalAddress: "127.0.0.2"})
	assert.Equal(t,
		"Match requests for GET requests, and for http://example.com/, and then pass the request through to the target host from 127.0.0.2.",
		r.String())
}

func TestBuilderErrors(t *testing.T) {
	r := ForAnyRequest().WithJSONPath("$[", 1).ThenReply(200, "")
	assert.Error(t, r.Validate())

	r = ForAnyRequest().Where("method ==").ThenReply(200, "")
	assert.Error(t, r.Validate())

	r = ForAnyRequest().ThenPassThrough(PassThroughOptions{LocalAddress: "not-an-ip"})
	assert.ErrorContains(t, r.Validate(), "invalid local address")

	r = ForAnyRequest().ThenJSON(200, map[string]any{"ok": true})
	require.NoError(t, r.Validate())
	assert.Equal(t, `{"ok":true}`, string(r.Handler.Static.Body))
	assert.Equal(t, "application/json", r.Handler.Static.Headers.Get("Content-Type"))
}

func TestHandlerValidate(t *testing.T) {
	assert.Error(t, Handler{}.Validate())
	assert.Error(t, Handler{Kind: HandlerStatic}.Validate())
	assert.Error(t, Handler{Kind: HandlerCallback}.Validate())
	assert.Error(t, Handler{Kind: HandlerPassThrough}.Validate())
	assert.NoError(t, PassThrough(PassThroughOptions{LocalAddress: "::1"}).Validate())
	assert.True(t, strings.HasPrefix(HandlerKind(9).String(), "HandlerKind("))
}
