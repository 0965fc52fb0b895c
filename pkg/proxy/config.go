package proxy

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/getmockd/mockproxy/pkg/rule"
)

// Fallback selects what happens to a request no rule matches.
type Fallback string

const (
	// FallbackError answers 503 and reports a match error.
	FallbackError Fallback = "error"
	// FallbackPassThrough relays the request with default passthrough options.
	FallbackPassThrough Fallback = "passthrough"
)

// ParseFallback parses "error" or "passthrough". An empty string yields
// FallbackError.
func ParseFallback(s string) (Fallback, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(FallbackError):
		return FallbackError, nil
	case string(FallbackPassThrough), "pass-through":
		return FallbackPassThrough, nil
	default:
		return "", fmt.Errorf("unknown fallback %q (want error or passthrough)", s)
	}
}

// Defaults.
const (
	DefaultAddr          = "127.0.0.1:0"
	DefaultShutdownGrace = 5 * time.Second
	DefaultIdleTimeout   = 2 * time.Minute
	DefaultHeaderTimeout = 30 * time.Second
	DefaultMaxDrainBytes = 256 << 10
)

// Config configures a Server. The zero value is usable.
type Config struct {
	// Addr is the listen address. Defaults to 127.0.0.1 on a random port.
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`

	// Fallback applies when no rule matches. Defaults to FallbackError.
	Fallback Fallback `json:"fallback,omitempty" yaml:"fallback,omitempty"`

	// ShutdownGrace bounds how long Stop waits for in-flight requests when
	// its context has no earlier deadline.
	ShutdownGrace time.Duration `json:"shutdownGrace,omitempty" yaml:"shutdownGrace,omitempty"`

	// IdleTimeout closes keep-alive connections that send nothing.
	IdleTimeout time.Duration `json:"idleTimeout,omitempty" yaml:"idleTimeout,omitempty"`

	// HeaderTimeout bounds the TLS handshake inside a tunnel.
	HeaderTimeout time.Duration `json:"headerTimeout,omitempty" yaml:"headerTimeout,omitempty"`

	// MaxBodyBuffer is the largest request body buffered for matchers and
	// callbacks.
	MaxBodyBuffer int64 `json:"maxBodyBuffer,omitempty" yaml:"maxBodyBuffer,omitempty"`

	// MaxDrainBytes is how much of an unread request body is discarded to
	// keep a connection alive; larger bodies close the connection.
	MaxDrainBytes int64 `json:"maxDrainBytes,omitempty" yaml:"maxDrainBytes,omitempty"`

	// Filter selects which CONNECT targets are decrypted.
	Filter *InterceptFilter `json:"filter,omitempty" yaml:"filter,omitempty"`
}

// ConfigError reports an invalid configuration field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Addr); err != nil {
			return &ConfigError{Field: "addr", Message: err.Error()}
		}
	}
	if _, err := ParseFallback(string(c.Fallback)); err != nil {
		return &ConfigError{Field: "fallback", Message: err.Error()}
	}
	if c.ShutdownGrace < 0 {
		return &ConfigError{Field: "shutdownGrace", Message: "must not be negative"}
	}
	if c.MaxBodyBuffer < 0 || c.MaxDrainBytes < 0 {
		return &ConfigError{Field: "maxBodyBuffer", Message: "must not be negative"}
	}
	return c.Filter.Validate()
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.Fallback == "" {
		c.Fallback = FallbackError
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.HeaderTimeout == 0 {
		c.HeaderTimeout = DefaultHeaderTimeout
	}
	if c.MaxBodyBuffer == 0 {
		c.MaxBodyBuffer = rule.DefaultMaxBufferedBody
	}
	if c.MaxDrainBytes == 0 {
		c.MaxDrainBytes = DefaultMaxDrainBytes
	}
	return c
}
