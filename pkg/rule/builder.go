package rule

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Builder assembles a Rule. It is a convenience layer: the rule set only
// consumes the finished Rule value.
type Builder struct {
	id       string
	matchers []Matcher
	err      error
}

// For starts a rule matching method and url. An empty method matches any
// method; an empty url matches any URL.
func For(method, url string) *Builder {
	b := &Builder{}
	if method != "" {
		b.matchers = append(b.matchers, Method(method))
	}
	if url != "" {
		b.matchers = append(b.matchers, URL(url))
	}
	if len(b.matchers) == 0 {
		b.matchers = append(b.matchers, AnyRequest())
	}
	return b
}

// ForGet starts a rule for GET requests to url.
func ForGet(url string) *Builder { return For(http.MethodGet, url) }

// ForPost starts a rule for POST requests to url.
func ForPost(url string) *Builder { return For(http.MethodPost, url) }

// ForPut starts a rule for PUT requests to url.
func ForPut(url string) *Builder { return For(http.MethodPut, url) }

// ForDelete starts a rule for DELETE requests to url.
func ForDelete(url string) *Builder { return For(http.MethodDelete, url) }

// ForAnyRequest starts a rule matching every request.
func ForAnyRequest() *Builder { return For("", "") }

// WithID sets the rule ID.
func (b *Builder) WithID(id string) *Builder {
	b.id = id
	return b
}

// WithHeader adds a header matcher.
func (b *Builder) WithHeader(name, value string) *Builder {
	return b.Matching(Header(name, value))
}

// WithQuery adds a query parameter matcher.
func (b *Builder) WithQuery(name, value string) *Builder {
	return b.Matching(Query(name, value))
}

// WithHost adds a hostname glob matcher.
func (b *Builder) WithHost(glob string) *Builder {
	return b.Matching(Host(glob))
}

// WithBodyIncluding adds a body substring matcher.
func (b *Builder) WithBodyIncluding(s string) *Builder {
	return b.Matching(BodyContains(s))
}

// WithJSONPath adds a JSONPath body matcher.
func (b *Builder) WithJSONPath(path string, expected any) *Builder {
	m, err := JSONPath(path, expected)
	if err != nil {
		b.fail(err)
		return b
	}
	return b.Matching(m)
}

// Where adds an expression matcher.
func (b *Builder) Where(expression string) *Builder {
	m, err := Expr(expression)
	if err != nil {
		b.fail(err)
		return b
	}
	return b.Matching(m)
}

// Matching adds arbitrary matchers.
func (b *Builder) Matching(ms ...Matcher) *Builder {
	b.matchers = append(b.matchers, ms...)
	return b
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Then finishes the rule with handler h.
func (b *Builder) Then(h Handler) Rule {
	return Rule{ID: b.id, Matchers: b.matchers, Handler: h, err: b.err}
}

// ThenReply finishes the rule with a static response.
func (b *Builder) ThenReply(status int, body string, headers ...http.Header) Rule {
	h := http.Header{}
	for _, hdr := range headers {
		for k, vs := range hdr {
			for _, v := range vs {
				h.Add(k, v)
			}
		}
	}
	return b.Then(Static(Response{Status: status, Headers: h, Body: []byte(body)}))
}

// ThenJSON finishes the rule with a static JSON response.
func (b *Builder) ThenJSON(status int, v any) Rule {
	data, err := json.Marshal(v)
	if err != nil {
		b.fail(fmt.Errorf("marshal JSON response: %w", err))
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return b.Then(Static(Response{Status: status, Headers: h, Body: data}))
}

// ThenCallback finishes the rule with a callback handler.
func (b *Builder) ThenCallback(fn CallbackFunc) Rule {
	return b.Then(Callback(fn))
}

// ThenPassThrough finishes the rule with a passthrough handler. At most one
// options value is used.
func (b *Builder) ThenPassThrough(opts ...PassThroughOptions) Rule {
	var o PassThroughOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	return b.Then(PassThrough(o))
}
