// Package requestlog captures intercepted requests for inspection.
//
// It is distinct from operational logging (log/slog): an Entry records what
// a client sent through the proxy, which rule handled it, and what came back.
// The admin API lists entries and tests can wait for them through Subscribe.
//
//	store := requestlog.NewMemoryStore(1000)
//	store.Log(&requestlog.Entry{Method: "GET", URL: "http://example.com/"})
//	recent := store.List(&requestlog.Filter{Limit: 10})
package requestlog
