package config

import (
	"fmt"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/getmockd/mockproxy/pkg/logging"
	"github.com/getmockd/mockproxy/pkg/proxy"
	"github.com/getmockd/mockproxy/pkg/rule"
)

// BuildRules turns the rule definitions into rules, in file order.
// Registering them in that order makes later definitions win.
func (f *File) BuildRules() ([]rule.Rule, error) {
	rules := make([]rule.Rule, 0, len(f.Rules))
	for i, def := range f.Rules {
		r, err := def.Build()
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// Build converts one definition into a validated rule.
func (d RuleDefinition) Build() (rule.Rule, error) {
	m := d.Match
	b := rule.For(m.Method, m.URL).WithID(d.ID)
	if m.Host != "" {
		b.WithHost(m.Host)
	}
	if m.Path != "" {
		b.Matching(rule.Path(m.Path))
	}
	for _, name := range sortedKeys(m.Headers) {
		b.WithHeader(name, m.Headers[name])
	}
	for _, name := range sortedKeys(m.Query) {
		b.WithQuery(name, m.Query[name])
	}
	if m.BodyContains != "" {
		b.WithBodyIncluding(m.BodyContains)
	}
	for _, path := range sortedKeys(m.JSONPath) {
		b.WithJSONPath(path, m.JSONPath[path])
	}
	if m.Expr != "" {
		b.Where(m.Expr)
	}

	var r rule.Rule
	h := d.Handler
	switch h.Type {
	case HandlerStatic:
		status := h.Status
		if status == 0 {
			status = http.StatusOK
		}
		if h.JSON != nil {
			r = b.ThenJSON(status, h.JSON)
			for _, name := range sortedKeys(h.Headers) {
				r.Handler.Static.Headers.Set(name, h.Headers[name])
			}
		} else {
			hdr := http.Header{}
			for _, name := range sortedKeys(h.Headers) {
				hdr.Set(name, h.Headers[name])
			}
			r = b.ThenReply(status, h.Body, hdr)
		}
	case HandlerPassThrough:
		opts, err := h.passThroughOptions()
		if err != nil {
			return rule.Rule{}, err
		}
		r = b.ThenPassThrough(opts)
	default:
		return rule.Rule{}, fmt.Errorf("unknown handler type %q", h.Type)
	}

	if err := r.Validate(); err != nil {
		return rule.Rule{}, err
	}
	return r, nil
}

func (h *HandlerDefinition) passThroughOptions() (rule.PassThroughOptions, error) {
	opts := rule.PassThroughOptions{
		LocalAddress:                h.LocalAddress,
		IgnoreHostCertificateErrors: h.IgnoreHostCertificateErrors,
		IgnoreHostHTTPSErrors:       h.IgnoreHostHTTPSErrors,
		ForwardTo:                   h.ForwardTo,
	}
	for _, path := range h.TrustAdditionalCAs {
		pem, err := os.ReadFile(expandHome(path))
		if err != nil {
			return opts, fmt.Errorf("reading CA %s: %w", path, err)
		}
		opts.TrustAdditionalCAs = append(opts.TrustAdditionalCAs, pem)
	}
	return opts, nil
}

// ProxyConfig maps the proxy section onto proxy.Config.
func (f *File) ProxyConfig() (proxy.Config, error) {
	p := f.Proxy
	fallback, err := proxy.ParseFallback(p.Fallback)
	if err != nil {
		return proxy.Config{}, &ValidationError{Field: "proxy.fallback", Message: err.Error()}
	}
	cfg := proxy.Config{
		Addr:          p.Addr,
		Fallback:      fallback,
		MaxBodyBuffer: p.MaxBodyBuffer,
		MaxDrainBytes: p.MaxDrainBytes,
	}
	durations := []struct {
		field string
		value string
		dst   *time.Duration
	}{
		{"shutdownGrace", p.ShutdownGrace, &cfg.ShutdownGrace},
		{"idleTimeout", p.IdleTimeout, &cfg.IdleTimeout},
		{"headerTimeout", p.HeaderTimeout, &cfg.HeaderTimeout},
	}
	for _, d := range durations {
		v, err := parseDuration(d.value)
		if err != nil {
			return proxy.Config{}, &ValidationError{Field: "proxy." + d.field, Message: err.Error()}
		}
		*d.dst = v
	}
	if len(p.InterceptHosts) > 0 || len(p.TunnelHosts) > 0 {
		cfg.Filter = &proxy.InterceptFilter{
			InterceptHosts: p.InterceptHosts,
			TunnelHosts:    p.TunnelHosts,
		}
	}
	return cfg, cfg.Validate()
}

// ForwardTimeouts returns the dial and response-header timeouts; zero means
// the forwarder default.
func (f *File) ForwardTimeouts() (dial, responseHeader time.Duration, err error) {
	if dial, err = parseDuration(f.Proxy.DialTimeout); err != nil {
		return 0, 0, &ValidationError{Field: "proxy.dialTimeout", Message: err.Error()}
	}
	if responseHeader, err = parseDuration(f.Proxy.ResponseHeaderTimeout); err != nil {
		return 0, 0, &ValidationError{Field: "proxy.responseHeaderTimeout", Message: err.Error()}
	}
	return dial, responseHeader, nil
}

// LoggingConfig maps the logging section onto logging.Config. Output is
// left to the caller.
func (f *File) LoggingConfig() logging.Config {
	l := f.Logging
	cfg := logging.DefaultConfig()
	if l.Level != "" {
		cfg.Level = logging.ParseLevel(l.Level)
	}
	if l.Format != "" {
		cfg.Format = logging.ParseFormat(l.Format)
	}
	cfg.File = expandHome(l.File)
	cfg.MaxSizeMB = l.MaxSizeMB
	cfg.MaxBackups = l.MaxBackups
	cfg.AddSource = l.AddSource
	return cfg
}

// CADir returns the CA directory with ~ expanded.
func (f *File) CADir() string { return expandHome(f.CA.Path) }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
