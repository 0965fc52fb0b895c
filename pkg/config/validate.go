package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/getmockd/mockproxy/pkg/proxy"
)

// ValidationError reports an invalid field. Field uses dotted paths such as
// "rules[2].handler.status".
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the file without touching the network. Referenced CA
// files must exist. All problems are reported, joined.
func (f *File) Validate() error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if f.Version != "" && f.Version != "1" {
		add("version", "unsupported version %q", f.Version)
	}

	p := f.Proxy
	if _, err := proxy.ParseFallback(p.Fallback); err != nil {
		add("proxy.fallback", "%v", err)
	}
	for name, value := range map[string]string{
		"shutdownGrace":         p.ShutdownGrace,
		"idleTimeout":           p.IdleTimeout,
		"headerTimeout":         p.HeaderTimeout,
		"dialTimeout":           p.DialTimeout,
		"responseHeaderTimeout": p.ResponseHeaderTimeout,
	} {
		if _, err := parseDuration(value); err != nil {
			add("proxy."+name, "%v", err)
		}
	}
	for i, pattern := range p.InterceptHosts {
		if !doublestar.ValidatePattern(pattern) {
			add(fmt.Sprintf("proxy.interceptHosts[%d]", i), "invalid pattern %q", pattern)
		}
	}
	for i, pattern := range p.TunnelHosts {
		if !doublestar.ValidatePattern(pattern) {
			add(fmt.Sprintf("proxy.tunnelHosts[%d]", i), "invalid pattern %q", pattern)
		}
	}

	seen := make(map[string]int, len(f.Rules))
	for i, def := range f.Rules {
		field := fmt.Sprintf("rules[%d]", i)
		if def.ID != "" {
			if prev, dup := seen[def.ID]; dup {
				add(field+".id", "duplicate id %q (also rules[%d])", def.ID, prev)
			}
			seen[def.ID] = i
		}
		errs = append(errs, def.Handler.validate(field+".handler")...)
	}

	return errors.Join(errs...)
}

// Validate checks a single definition, as submitted through the admin API.
func (d *RuleDefinition) Validate() error {
	return errors.Join(d.Handler.validate("handler")...)
}

func (h *HandlerDefinition) validate(field string) []error {
	var errs []error
	switch h.Type {
	case HandlerStatic:
		if h.Body != "" && h.JSON != nil {
			errs = append(errs, &ValidationError{Field: field, Message: "body and json are mutually exclusive"})
		}
		if h.LocalAddress != "" || h.ForwardTo != "" || len(h.TrustAdditionalCAs) > 0 ||
			h.IgnoreHostCertificateErrors || len(h.IgnoreHostHTTPSErrors) > 0 {
			errs = append(errs, &ValidationError{Field: field, Message: "passthrough options on a static handler"})
		}
	case HandlerPassThrough:
		if h.Status != 0 || h.Body != "" || h.JSON != nil || len(h.Headers) > 0 {
			errs = append(errs, &ValidationError{Field: field, Message: "response fields on a passthrough handler"})
		}
		for i, path := range h.TrustAdditionalCAs {
			if err := validateFilePath(path, fmt.Sprintf("%s.trustAdditionalCAs[%d]", field, i)); err != nil {
				errs = append(errs, err)
			}
		}
	default:
		errs = append(errs, &ValidationError{Field: field + ".type", Message: fmt.Sprintf("unknown handler type %q", h.Type)})
	}
	return errs
}

// validateFilePath checks that path names a readable regular file.
func validateFilePath(path, fieldName string) error {
	if path == "" {
		return &ValidationError{Field: fieldName, Message: "path is empty"}
	}
	info, err := os.Stat(expandHome(path))
	if err != nil {
		if os.IsNotExist(err) {
			return &ValidationError{Field: fieldName, Message: "file does not exist: " + path}
		}
		return &ValidationError{Field: fieldName, Message: "cannot access file: " + err.Error()}
	}
	if info.IsDir() {
		return &ValidationError{Field: fieldName, Message: "path is a directory, not a file: " + path}
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", s)
	}
	return d, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}
