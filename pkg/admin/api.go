package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/getmockd/mockproxy/pkg/logging"
	"github.com/getmockd/mockproxy/pkg/proxy"
	"github.com/getmockd/mockproxy/pkg/requestlog"
)

// CertSource exposes the interception root. *ca.Manager implements it.
type CertSource interface {
	CACertPEM() ([]byte, error)
}

// API is the admin HTTP API for one proxy server.
type API struct {
	proxy    *proxy.Server
	requests requestlog.Store
	certs    CertSource
	log      *slog.Logger

	startTime time.Time
	router    chi.Router

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// Option configures an API.
type Option func(*API)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *API) { a.log = log }
}

// WithRequestStore exposes a request log under /requests.
func WithRequestStore(store requestlog.Store) Option {
	return func(a *API) { a.requests = store }
}

// WithCertSource exposes the root certificate under /ca.pem.
func WithCertSource(certs CertSource) Option {
	return func(a *API) { a.certs = certs }
}

// New creates an API for srv.
func New(srv *proxy.Server, opts ...Option) *API {
	a := &API{
		proxy:     srv,
		log:       logging.Nop(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.router = a.buildRouter()
	return a
}

func (a *API) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)

	r.Get("/health", a.handleHealth)
	r.Get("/status", a.handleStatus)

	r.Route("/rules", func(r chi.Router) {
		r.Get("/", a.handleListRules)
		r.Post("/", a.handleAddRule)
		r.Delete("/", a.handleClearRules)
		r.Delete("/{id}", a.handleDeleteRule)
	})

	r.Route("/requests", func(r chi.Router) {
		r.Get("/", a.handleListRequests)
		r.Delete("/", a.handleClearRequests)
		r.Get("/stream", a.handleStreamRequests)
		r.Get("/{id}", a.handleGetRequest)
	})

	r.Get("/events", a.handleStreamEvents)
	r.Get("/env", a.handleEnv)
	r.Get("/ca.pem", a.handleCACert)
	r.Get("/metrics", a.handleMetrics)
	return r
}

// Handler returns the router.
func (a *API) Handler() http.Handler { return a.router }

// Uptime returns whole seconds since the API was created.
func (a *API) Uptime() int {
	return int(time.Since(a.startTime).Seconds())
}

// Start listens on addr and serves in the background.
func (a *API) Start(addr string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.httpServer != nil {
		return errors.New("admin API already started")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin listen on %s: %w", addr, err)
	}
	a.listener = ln
	a.httpServer = &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("admin API stopped", "error", err)
		}
	}()
	a.log.Info("admin API listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the listen address, or "" before Start.
func (a *API) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Stop shuts the listener down, waiting for in-flight requests until ctx ends.
// Streaming responses are cut off when ctx ends.
func (a *API) Stop(ctx context.Context) error {
	a.mu.Lock()
	srv := a.httpServer
	a.httpServer = nil
	a.listener = nil
	a.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return err
	}
	return nil
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("admin request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}
