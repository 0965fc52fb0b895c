// Package proxy implements an intercepting HTTP/HTTPS proxy.
//
// Every request that reaches the proxy, directly or inside a decrypted
// CONNECT tunnel, is matched against a rule set. The matching rule decides
// whether the proxy answers with a canned response, asks caller code for one,
// or relays the request to its real destination.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getmockd/mockproxy/internal/netaddr"
	"github.com/getmockd/mockproxy/pkg/ca"
	"github.com/getmockd/mockproxy/pkg/forward"
	"github.com/getmockd/mockproxy/pkg/logging"
	"github.com/getmockd/mockproxy/pkg/metrics"
	"github.com/getmockd/mockproxy/pkg/proxyerr"
	"github.com/getmockd/mockproxy/pkg/requestlog"
	"github.com/getmockd/mockproxy/pkg/rule"
)

// ErrNotRunning is returned by Stop when the server was never started.
var ErrNotRunning = errors.New("proxy not running")

// Server is the proxy. Create one with New, then Start it.
type Server struct {
	cfg        Config
	log        *slog.Logger
	ca         ca.Authority
	forwarder  *forward.Forwarder
	dispatcher *Dispatcher
	rules      *rule.Set
	reqlog     requestlog.Logger
	metrics    *metrics.Metrics
	events     *eventBus

	mu       sync.Mutex
	ln       net.Listener
	running  bool
	baseCtx  context.Context
	cancel   context.CancelFunc
	conns    map[*clientConn]struct{}
	wg       sync.WaitGroup
	stopping atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithCA enables TLS interception of CONNECT tunnels. Without an authority
// CONNECT tunnels are relayed without decryption.
func WithCA(a ca.Authority) Option {
	return func(s *Server) { s.ca = a }
}

// WithForwarder replaces the passthrough forwarder.
func WithForwarder(f *forward.Forwarder) Option {
	return func(s *Server) { s.forwarder = f }
}

// WithRequestLog records an entry for every completed request.
func WithRequestLog(l requestlog.Logger) Option {
	return func(s *Server) { s.reqlog = l }
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithRules shares an existing rule set.
func WithRules(set *rule.Set) Option {
	return func(s *Server) { s.rules = set }
}

// New creates a Server. It does not listen until Start.
func New(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:    cfg.withDefaults(),
		log:    logging.Nop(),
		events: newEventBus(),
		conns:  make(map[*clientConn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rules == nil {
		s.rules = rule.NewSet()
	}
	if s.forwarder == nil {
		m := s.metrics
		s.forwarder = forward.New(
			forward.WithLogger(s.log.With("component", "forward")),
			forward.WithDialObserver(func(family netaddr.Family, elapsed time.Duration, err error) {
				m.RecordDial(family.String(), elapsed, err)
			}),
		)
	}
	s.dispatcher = NewDispatcher(s.forwarder, s.log)
	s.metrics.SetRules(s.rules.Len())
	return s, nil
}

// Start binds the listener and begins accepting connections. A listener
// failure is the only error Start returns; everything after is per-connection.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("proxy already running")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return proxyerr.Connection("listen", s.cfg.Addr, err)
	}

	s.ln = ln
	s.running = true
	s.stopping.Store(false)
	s.baseCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.log.Info("proxy started", "addr", ln.Addr().String(), "fallback", string(s.cfg.Fallback), "intercept", s.ca != nil)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.stopping.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			s.log.Error("accept failed", "error", err)
			return
		}

		c := newClientConn(s, conn)
		s.mu.Lock()
		if s.stopping.Load() {
			s.mu.Unlock()
			_ = conn.Close()
			continue
		}
		s.conns[c] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		s.metrics.ConnOpened()
		go func() {
			defer s.wg.Done()
			defer s.forget(c)
			c.serve(s.baseCtx)
		}()
	}
}

func (s *Server) forget(c *clientConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.metrics.ConnClosed()
}

// Stop closes the listener immediately, then waits for in-flight requests.
// The wait is bounded by ctx's deadline, or Config.ShutdownGrace when ctx has
// none. Connections still open after that are closed, which also tears down
// their upstream sockets.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	s.stopping.Store(true)
	err := s.ln.Close()
	s.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownGrace)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	s.closeIdle()
wait:
	for {
		select {
		case <-done:
			break wait
		case <-ticker.C:
			s.closeIdle()
		case <-ctx.Done():
			s.log.Warn("grace period expired, closing connections", "open", s.openConns())
			s.cancel()
			s.closeAll()
			<-done
			break wait
		}
	}
	s.cancel()

	s.log.Info("proxy stopped")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (s *Server) closeIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		if c.idle.Load() {
			c.close()
		}
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.close()
	}
}

func (s *Server) openConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Running reports whether the server is accepting connections.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Addr returns the bound listener address, or the zero value before Start.
func (s *Server) Addr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return netip.AddrPort{}
	}
	return tcpAddrPort(s.ln.Addr())
}

func tcpAddrPort(addr net.Addr) netip.AddrPort {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		ap := tcp.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	return netip.AddrPort{}
}

// Port returns the bound port, or 0 before Start.
func (s *Server) Port() int {
	return int(s.Addr().Port())
}

// URL returns the proxy URL clients should use, e.g. http://127.0.0.1:8080.
func (s *Server) URL() string {
	ap := s.Addr()
	if !ap.IsValid() {
		return ""
	}
	host := ap.Addr().Unmap().String()
	if ap.Addr().IsUnspecified() {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(int(ap.Port())))
}

// ProxyEnv returns environment variables that route child processes through
// the proxy.
func (s *Server) ProxyEnv() map[string]string {
	u := s.URL()
	return map[string]string{
		"HTTP_PROXY":  u,
		"HTTPS_PROXY": u,
		"http_proxy":  u,
		"https_proxy": u,
	}
}

// Rules returns the live rule set.
func (s *Server) Rules() *rule.Set { return s.rules }

// AddRules registers rules; later rules take precedence over earlier ones.
func (s *Server) AddRules(rules ...rule.Rule) ([]*rule.Rule, error) {
	added, err := s.rules.Add(rules...)
	if err != nil {
		return nil, fmt.Errorf("adding rules: %w", err)
	}
	s.metrics.SetRules(s.rules.Len())
	return added, nil
}

// RemoveRule deletes a rule by ID.
func (s *Server) RemoveRule(id string) bool {
	ok := s.rules.Remove(id)
	s.metrics.SetRules(s.rules.Len())
	return ok
}

// ClearRules removes every rule.
func (s *Server) ClearRules() {
	s.rules.Clear()
	s.metrics.SetRules(0)
}

// Subscribe returns a channel of proxy events and a function that ends the
// subscription. Events are dropped for subscribers that fall behind.
func (s *Server) Subscribe() (<-chan Event, func()) {
	return s.events.subscribe()
}

// Metrics returns the metrics the server records to, which may be nil.
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// Config returns the effective configuration.
func (s *Server) Config() Config { return s.cfg }
