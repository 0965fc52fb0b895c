package rule

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

// Matcher is a pure predicate over a request. Implementations must not have
// side effects and must not read from the network.
type Matcher interface {
	Matches(req *Request) bool
	Describe() string
}

// bodyMatcher is implemented by matchers that need the body buffered before
// selection.
type bodyMatcher interface {
	needsBody() bool
}

type funcMatcher struct {
	desc string
	fn   func(*Request) bool
}

func (m funcMatcher) Matches(req *Request) bool { return m.fn(req) }
func (m funcMatcher) Describe() string          { return m.desc }

// MatcherFunc adapts fn to a Matcher described by desc.
func MatcherFunc(desc string, fn func(*Request) bool) Matcher {
	return funcMatcher{desc: desc, fn: fn}
}

// AnyRequest matches every request.
func AnyRequest() Matcher {
	return MatcherFunc("for any request", func(*Request) bool { return true })
}

// Method matches the HTTP method, case-insensitively.
func Method(method string) Matcher {
	method = strings.ToUpper(method)
	return MatcherFunc("for "+method+" requests", func(req *Request) bool {
		return strings.EqualFold(req.Method, method)
	})
}

type urlMatcher struct {
	raw      string
	pathOnly bool
	scheme   string
	host     string
	path     string
	query    url.Values
}

// URL matches a request URL. A pattern starting with "/" matches the path
// only; otherwise scheme (when given), host, port and path must all match.
// The query string is compared only when the pattern has one.
func URL(pattern string) Matcher {
	m := &urlMatcher{raw: pattern}

	switch {
	case strings.HasPrefix(pattern, "/"):
		m.pathOnly = true
		u, err := url.Parse(pattern)
		if err != nil {
			m.path = pattern
			return m
		}
		m.path, m.query = u.Path, queryOrNil(u)
	default:
		withScheme := pattern
		if !strings.Contains(pattern, "://") {
			withScheme = "http://" + pattern
		}
		u, err := url.Parse(withScheme)
		if err != nil {
			m.host = strings.ToLower(pattern)
			return m
		}
		if strings.Contains(pattern, "://") {
			m.scheme = strings.ToLower(u.Scheme)
		}
		m.host = normalizeHost(u.Host, m.scheme)
		m.path, m.query = u.Path, queryOrNil(u)
	}
	if m.path == "" {
		m.path = "/"
	}
	return m
}

func (m *urlMatcher) Matches(req *Request) bool {
	if req.URL == nil {
		return false
	}
	path := req.URL.Path
	if path == "" {
		path = "/"
	}
	if path != m.path {
		return false
	}
	if m.query != nil && !sameQuery(m.query, req.URL.Query()) {
		return false
	}
	if m.pathOnly {
		return true
	}

	scheme := strings.ToLower(req.URL.Scheme)
	if m.scheme != "" && m.scheme != scheme {
		return false
	}
	want := m.host
	if m.scheme == "" {
		// A scheme-less pattern leaves the port as written; compare against
		// the request host normalised for the request's own scheme.
		want = normalizeHost(m.host, scheme)
	}
	return want == normalizeHost(req.URL.Host, scheme)
}

func (m *urlMatcher) Describe() string { return "for " + m.raw }

func queryOrNil(u *url.URL) url.Values {
	if u.RawQuery == "" {
		return nil
	}
	return u.Query()
}

func sameQuery(want, got url.Values) bool {
	if len(want) != len(got) {
		return false
	}
	for k, vs := range want {
		gvs := got[k]
		if len(gvs) != len(vs) {
			return false
		}
		for i := range vs {
			if vs[i] != gvs[i] {
				return false
			}
		}
	}
	return true
}

func normalizeHost(hostport, scheme string) string {
	hostport = strings.ToLower(hostport)
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return strings.Trim(hostport, "[]")
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") || port == "" {
		return host
	}
	return net.JoinHostPort(host, port)
}

// Host matches the destination hostname against a doublestar glob such as
// "*.example.com".
func Host(glob string) Matcher {
	glob = strings.ToLower(glob)
	return MatcherFunc("for host "+glob, func(req *Request) bool {
		ok, err := doublestar.Match(glob, strings.ToLower(req.Hostname))
		return err == nil && ok
	})
}

// Path matches the URL path against a doublestar glob such as "/api/**".
func Path(glob string) Matcher {
	return MatcherFunc("for path "+glob, func(req *Request) bool {
		if req.URL == nil {
			return false
		}
		ok, err := doublestar.Match(glob, req.URL.Path)
		return err == nil && ok
	})
}

// Header matches when the named header has the given value. An empty value
// only requires the header to be present.
func Header(name, value string) Matcher {
	desc := "with header " + name
	if value != "" {
		desc += ": " + value
	}
	return MatcherFunc(desc, func(req *Request) bool {
		values := req.Headers.Values(name)
		if len(values) == 0 {
			return false
		}
		if value == "" {
			return true
		}
		for _, v := range values {
			if v == value {
				return true
			}
		}
		return false
	})
}

// Query matches when the query parameter has the given value. An empty value
// only requires the parameter to be present.
func Query(name, value string) Matcher {
	return MatcherFunc(fmt.Sprintf("with query %s=%s", name, value), func(req *Request) bool {
		if req.URL == nil {
			return false
		}
		values, ok := req.URL.Query()[name]
		if !ok {
			return false
		}
		if value == "" {
			return true
		}
		for _, v := range values {
			if v == value {
				return true
			}
		}
		return false
	})
}

type bodyContains struct{ needle []byte }

// BodyContains matches when the decoded body contains s.
func BodyContains(s string) Matcher { return bodyContains{needle: []byte(s)} }

func (m bodyContains) Matches(req *Request) bool {
	data, ok := decodedBody(req)
	return ok && bytes.Contains(data, m.needle)
}

func (m bodyContains) Describe() string { return fmt.Sprintf("with a body including %q", m.needle) }
func (bodyContains) needsBody() bool    { return true }

type jsonPathMatcher struct {
	path     string
	expr     jp.Expr
	expected any
	exists   bool
}

// JSONPath matches a JSON body where path selects a value equal to expected.
// A nil expected value only requires the path to select something.
func JSONPath(path string, expected any) (Matcher, error) {
	x, err := jp.ParseString(path)
	if err != nil {
		return nil, fmt.Errorf("invalid JSONPath %q: %w", path, err)
	}
	return &jsonPathMatcher{path: path, expr: x, expected: expected, exists: expected == nil}, nil
}

// MustJSONPath is like JSONPath but panics on an invalid path.
func MustJSONPath(path string, expected any) Matcher {
	m, err := JSONPath(path, expected)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *jsonPathMatcher) Matches(req *Request) bool {
	data, ok := decodedBody(req)
	if !ok || len(data) == 0 {
		return false
	}
	doc, err := oj.Parse(data)
	if err != nil {
		return false
	}
	results := m.expr.Get(doc)
	if m.exists {
		return len(results) > 0
	}
	for _, got := range results {
		if jsonEqual(got, m.expected) {
			return true
		}
	}
	return false
}

func (m *jsonPathMatcher) Describe() string {
	if m.exists {
		return "with JSON body containing " + m.path
	}
	return fmt.Sprintf("with JSON body where %s == %v", m.path, m.expected)
}

func (*jsonPathMatcher) needsBody() bool { return true }

func jsonEqual(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

// ExprEnv is the environment exposed to expression matchers.
type ExprEnv struct {
	Method   string            `expr:"method"`
	URL      string            `expr:"url"`
	Host     string            `expr:"host"`
	Path     string            `expr:"path"`
	Query    map[string]string `expr:"query"`
	Headers  map[string]string `expr:"headers"`
	Body     string            `expr:"body"`
	RemoteIP string            `expr:"remoteIp"`
}

type exprMatcher struct {
	source  string
	program *vm.Program
	body    bool
}

// Expr matches requests for which the boolean expr-lang expression holds,
// e.g. `method == "POST" && headers["content-type"] startsWith "application/json"`.
// Header names are lower-cased.
func Expr(source string) (Matcher, error) {
	program, err := expr.Compile(source, expr.Env(ExprEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", source, err)
	}
	return &exprMatcher{source: source, program: program, body: strings.Contains(source, "body")}, nil
}

func (m *exprMatcher) Matches(req *Request) bool {
	out, err := expr.Run(m.program, newExprEnv(req))
	if err != nil {
		return false
	}
	ok, _ := out.(bool)
	return ok
}

func (m *exprMatcher) Describe() string { return "where " + m.source }
func (m *exprMatcher) needsBody() bool  { return m.body }

func newExprEnv(req *Request) ExprEnv {
	env := ExprEnv{
		Method:   req.Method,
		Host:     req.Hostname,
		Query:    map[string]string{},
		Headers:  make(map[string]string, len(req.Headers)),
		RemoteIP: req.RemoteIPAddress,
	}
	if req.URL != nil {
		env.URL = req.URL.String()
		env.Path = req.URL.Path
		for k, v := range req.URL.Query() {
			if len(v) > 0 {
				env.Query[k] = v[0]
			}
		}
	}
	for k, v := range req.Headers {
		if len(v) > 0 {
			env.Headers[strings.ToLower(k)] = v[0]
		}
	}
	if data, ok := decodedBody(req); ok {
		env.Body = string(data)
	}
	return env
}

func decodedBody(req *Request) ([]byte, bool) {
	if req.Body == nil {
		return nil, false
	}
	data, ok, err := req.Body.decodedBuffered()
	if !ok || err != nil {
		return nil, false
	}
	return data, true
}
