package config

// File is the root of a mockproxy.yaml file.
//
//	version: "1"
//	proxy:
//	  addr: 127.0.0.1:8080
//	  fallback: passthrough
//	ca:
//	  path: ~/.mockproxy/ca
//	rules:
//	  - id: health
//	    match: {method: GET, url: "http://api.test/health"}
//	    handler: {type: static, status: 200, body: ok}
type File struct {
	// Version is the config format version; only "1" exists.
	Version string `json:"version" yaml:"version"`

	Proxy      ProxySection      `json:"proxy,omitempty" yaml:"proxy,omitempty"`
	Logging    LoggingSection    `json:"logging,omitempty" yaml:"logging,omitempty"`
	CA         CASection         `json:"ca,omitempty" yaml:"ca,omitempty"`
	Admin      AdminSection      `json:"admin,omitempty" yaml:"admin,omitempty"`
	RequestLog RequestLogSection `json:"requestLog,omitempty" yaml:"requestLog,omitempty"`

	Rules []RuleDefinition `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// ProxySection configures the listener and connection handling.
type ProxySection struct {
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`

	// Fallback is "error" (default) or "passthrough".
	Fallback string `json:"fallback,omitempty" yaml:"fallback,omitempty"`

	// Durations use time.ParseDuration syntax, e.g. "5s".
	ShutdownGrace         string `json:"shutdownGrace,omitempty" yaml:"shutdownGrace,omitempty"`
	IdleTimeout           string `json:"idleTimeout,omitempty" yaml:"idleTimeout,omitempty"`
	HeaderTimeout         string `json:"headerTimeout,omitempty" yaml:"headerTimeout,omitempty"`
	DialTimeout           string `json:"dialTimeout,omitempty" yaml:"dialTimeout,omitempty"`
	ResponseHeaderTimeout string `json:"responseHeaderTimeout,omitempty" yaml:"responseHeaderTimeout,omitempty"`

	MaxBodyBuffer int64 `json:"maxBodyBuffer,omitempty" yaml:"maxBodyBuffer,omitempty"`
	MaxDrainBytes int64 `json:"maxDrainBytes,omitempty" yaml:"maxDrainBytes,omitempty"`

	// InterceptHosts and TunnelHosts select which CONNECT targets are decrypted.
	InterceptHosts []string `json:"interceptHosts,omitempty" yaml:"interceptHosts,omitempty"`
	TunnelHosts    []string `json:"tunnelHosts,omitempty" yaml:"tunnelHosts,omitempty"`
}

// LoggingSection configures pkg/logging.
type LoggingSection struct {
	Level      string `json:"level,omitempty" yaml:"level,omitempty"`
	Format     string `json:"format,omitempty" yaml:"format,omitempty"`
	File       string `json:"file,omitempty" yaml:"file,omitempty"`
	MaxSizeMB  int    `json:"maxSizeMB,omitempty" yaml:"maxSizeMB,omitempty"`
	MaxBackups int    `json:"maxBackups,omitempty" yaml:"maxBackups,omitempty"`
	AddSource  bool   `json:"addSource,omitempty" yaml:"addSource,omitempty"`
}

// CASection configures TLS interception.
type CASection struct {
	// Disabled turns CONNECT interception off; tunnels are relayed opaquely.
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`

	// Path is the directory holding ca.crt and ca.key. Empty means an
	// in-memory root that lives as long as the process.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	Organization string `json:"organization,omitempty" yaml:"organization,omitempty"`
	CacheSize    int    `json:"cacheSize,omitempty" yaml:"cacheSize,omitempty"`
}

// AdminSection configures the admin API.
type AdminSection struct {
	// Addr enables the admin API when set, e.g. 127.0.0.1:9091.
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`
}

// RequestLogSection configures the in-memory request log.
type RequestLogSection struct {
	MaxEntries int `json:"maxEntries,omitempty" yaml:"maxEntries,omitempty"`
}

// RuleDefinition is a rule as written in the config file. Callback handlers
// only exist in code, so a file can declare static and passthrough rules.
type RuleDefinition struct {
	ID      string            `json:"id,omitempty" yaml:"id,omitempty"`
	Match   MatchDefinition   `json:"match,omitempty" yaml:"match,omitempty"`
	Handler HandlerDefinition `json:"handler" yaml:"handler"`
}

// MatchDefinition lists matchers; all of them must match. An empty
// definition matches every request.
type MatchDefinition struct {
	Method string `json:"method,omitempty" yaml:"method,omitempty"`
	URL    string `json:"url,omitempty" yaml:"url,omitempty"`
	Host   string `json:"host,omitempty" yaml:"host,omitempty"`
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`

	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty" yaml:"query,omitempty"`

	BodyContains string `json:"bodyContains,omitempty" yaml:"bodyContains,omitempty"`

	// JSONPath maps a JSONPath expression to the value it must select.
	JSONPath map[string]any `json:"jsonPath,omitempty" yaml:"jsonPath,omitempty"`

	// Expr is an expr-lang boolean expression over the request.
	Expr string `json:"expr,omitempty" yaml:"expr,omitempty"`
}

// Handler types.
const (
	HandlerStatic      = "static"
	HandlerPassThrough = "passthrough"
)

// HandlerDefinition describes a static or passthrough handler.
type HandlerDefinition struct {
	Type string `json:"type" yaml:"type"`

	// Static response.
	Status  int               `json:"status,omitempty" yaml:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    string            `json:"body,omitempty" yaml:"body,omitempty"`
	JSON    any               `json:"json,omitempty" yaml:"json,omitempty"`

	// Passthrough options.
	LocalAddress                string   `json:"localAddress,omitempty" yaml:"localAddress,omitempty"`
	IgnoreHostCertificateErrors bool     `json:"ignoreHostCertificateErrors,omitempty" yaml:"ignoreHostCertificateErrors,omitempty"`
	IgnoreHostHTTPSErrors       []string `json:"ignoreHostHttpsErrors,omitempty" yaml:"ignoreHostHttpsErrors,omitempty"`
	// TrustAdditionalCAs are paths to PEM files.
	TrustAdditionalCAs []string `json:"trustAdditionalCAs,omitempty" yaml:"trustAdditionalCAs,omitempty"`
	ForwardTo          string   `json:"forwardTo,omitempty" yaml:"forwardTo,omitempty"`
}
