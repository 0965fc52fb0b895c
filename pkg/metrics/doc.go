// Package metrics exposes Prometheus metrics for the proxy.
//
// A Metrics value owns its own registry, so several proxies in one test
// process never collide. All methods are safe on a nil *Metrics, which lets
// components record unconditionally.
//
//	m := metrics.New()
//	srv := proxy.New(cfg, proxy.WithMetrics(m))
//	http.Handle("/metrics", m.Handler())
package metrics
