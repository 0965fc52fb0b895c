package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/getmockd/mockproxy/internal/netaddr"
	"github.com/getmockd/mockproxy/pkg/admin"
	"github.com/getmockd/mockproxy/pkg/ca"
	"github.com/getmockd/mockproxy/pkg/config"
	"github.com/getmockd/mockproxy/pkg/forward"
	"github.com/getmockd/mockproxy/pkg/logging"
	"github.com/getmockd/mockproxy/pkg/metrics"
	"github.com/getmockd/mockproxy/pkg/proxy"
	"github.com/getmockd/mockproxy/pkg/requestlog"
	"github.com/getmockd/mockproxy/pkg/rule"
)

const defaultRequestLogSize = 1000

func newStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the proxy (foreground, Ctrl+C to stop)",
		Long: `Start the proxy and serve until interrupted.

Rules come from the config file (--config, $MOCKPROXY_CONFIG, or
mockproxy.yaml in the working directory). Flags and MOCKPROXY_* variables
override the file. HTTPS is intercepted with a root CA kept in --ca-path,
or with a throwaway root when no path is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			cwd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("getting current directory: %w", err)
			}
			f, err := resolveConfig(v, cwd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runStart(ctx, f, cmd.OutOrStdout(), cmd.ErrOrStderr(), nil)
		},
	}

	fl := cmd.Flags()
	fl.String("config", "", "Config file (default: mockproxy.yaml in the working directory)")
	fl.String("addr", "", "Listen address (default 127.0.0.1 on a random port)")
	fl.String("fallback", "", "Unmatched requests: error or passthrough")
	fl.String("ca-path", "", "Directory holding ca.crt and ca.key (created if missing)")
	fl.Bool("no-ca", false, "Disable HTTPS interception; CONNECT is tunneled opaquely")
	fl.StringSlice("intercept-host", nil, "Only decrypt CONNECT targets matching these globs")
	fl.StringSlice("tunnel-host", nil, "Never decrypt CONNECT targets matching these globs")
	fl.Duration("grace", 0, "How long shutdown waits for in-flight requests")
	fl.String("admin-addr", "", "Serve the admin API on this address")
	fl.String("log-level", "", "Log level: debug, info, warn, error")
	fl.String("log-format", "", "Log format: text or json")
	fl.String("log-file", "", "Also write logs to this file, rotated by size")
	return cmd
}

// resolveConfig loads the config file, if any, and overlays flags and
// MOCKPROXY_* variables.
func resolveConfig(v *viper.Viper, cwd string) (*config.File, error) {
	path := v.GetString("config")
	if path == "" {
		discovered, err := config.Discover(cwd)
		if err != nil {
			return nil, err
		}
		path = discovered
	}

	f := &config.File{Version: "1"}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		f = loaded
	}

	overlay := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	overlay("addr", &f.Proxy.Addr)
	overlay("fallback", &f.Proxy.Fallback)
	overlay("ca-path", &f.CA.Path)
	overlay("admin-addr", &f.Admin.Addr)
	overlay("log-level", &f.Logging.Level)
	overlay("log-format", &f.Logging.Format)
	overlay("log-file", &f.Logging.File)
	if v.IsSet("grace") {
		f.Proxy.ShutdownGrace = v.GetDuration("grace").String()
	}
	if v.IsSet("intercept-host") {
		f.Proxy.InterceptHosts = v.GetStringSlice("intercept-host")
	}
	if v.IsSet("tunnel-host") {
		f.Proxy.TunnelHosts = v.GetStringSlice("tunnel-host")
	}
	if v.GetBool("no-ca") {
		f.CA.Disabled = true
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// runStart serves until ctx is done. ready, when set, is called once the
// proxy is listening.
func runStart(ctx context.Context, f *config.File, out, errOut io.Writer, ready func(*proxy.Server)) error {
	logCfg := f.LoggingConfig()
	logCfg.Output = errOut
	log, closeLog := logging.Open(logCfg)
	defer func() { _ = closeLog() }()

	m := metrics.New()
	maxEntries := f.RequestLog.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultRequestLogSize
	}
	store := requestlog.NewMemoryStore(maxEntries)

	authority, err := openAuthority(f, m)
	if err != nil {
		return err
	}

	fwd, err := newForwarder(f, m, log)
	if err != nil {
		return err
	}

	rules, err := f.BuildRules()
	if err != nil {
		return err
	}
	set := rule.NewSet()
	if _, err := set.Add(rules...); err != nil {
		return err
	}

	cfg, err := f.ProxyConfig()
	if err != nil {
		return err
	}
	opts := []proxy.Option{
		proxy.WithLogger(log),
		proxy.WithForwarder(fwd),
		proxy.WithRequestLog(store),
		proxy.WithMetrics(m),
		proxy.WithRules(set),
	}
	if authority != nil {
		opts = append(opts, proxy.WithCA(authority))
	}
	srv, err := proxy.New(cfg, opts...)
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}

	var api *admin.API
	if f.Admin.Addr != "" {
		adminOpts := []admin.Option{admin.WithLogger(log.With("component", "admin")), admin.WithRequestStore(store)}
		if authority != nil {
			adminOpts = append(adminOpts, admin.WithCertSource(authority))
		}
		api = admin.New(srv, adminOpts...)
		if err := api.Start(f.Admin.Addr); err != nil {
			_ = srv.Stop(context.Background())
			return err
		}
	}

	printBanner(out, srv, authority, api, len(rules))
	if ready != nil {
		ready(srv)
	}

	<-ctx.Done()
	fmt.Fprintln(out, "\nShutting down proxy...")

	var errs []error
	if api != nil {
		adminCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		errs = append(errs, api.Stop(adminCtx))
		cancel()
	}
	// Stop bounds itself by the configured grace.
	errs = append(errs, srv.Stop(context.Background()))
	fmt.Fprintf(out, "Proxy stopped (%d requests handled)\n", store.Count())
	return errors.Join(errs...)
}

func openAuthority(f *config.File, m *metrics.Metrics) (*ca.Manager, error) {
	if f.CA.Disabled {
		return nil, nil
	}
	opts := []ca.Option{ca.WithCacheObserver(m.RecordCertCache)}
	if f.CA.Organization != "" {
		opts = append(opts, ca.WithOrganization(f.CA.Organization))
	}
	if f.CA.CacheSize > 0 {
		opts = append(opts, ca.WithCacheSize(f.CA.CacheSize))
	}

	dir := f.CADir()
	if dir == "" {
		authority, err := ca.NewEphemeral(opts...)
		if err != nil {
			return nil, fmt.Errorf("generating ephemeral CA: %w", err)
		}
		return authority, nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating CA directory: %w", err)
	}
	authority := ca.NewManagerInDir(dir, opts...)
	if err := authority.EnsureCA(); err != nil {
		return nil, fmt.Errorf("failed to initialize CA: %w", err)
	}
	return authority, nil
}

func newForwarder(f *config.File, m *metrics.Metrics, log *slog.Logger) (*forward.Forwarder, error) {
	dial, header, err := f.ForwardTimeouts()
	if err != nil {
		return nil, err
	}
	opts := []forward.Option{
		forward.WithLogger(log.With("component", "forward")),
		forward.WithDialObserver(func(family netaddr.Family, elapsed time.Duration, err error) {
			m.RecordDial(family.String(), elapsed, err)
		}),
	}
	if dial > 0 {
		opts = append(opts, forward.WithDialTimeout(dial))
	}
	if header > 0 {
		opts = append(opts, forward.WithResponseHeaderTimeout(header))
	}
	return forward.New(opts...), nil
}

func printBanner(w io.Writer, srv *proxy.Server, authority *ca.Manager, api *admin.API, rules int) {
	cfg := srv.Config()
	fmt.Fprintf(w, "Proxy listening on %s\n", srv.URL())
	fmt.Fprintf(w, "Rules: %d, unmatched requests: %s\n", rules, cfg.Fallback)
	switch {
	case authority == nil:
		fmt.Fprintln(w, "HTTPS interception: off")
	case authority.CertPath() == "":
		fmt.Fprintln(w, "HTTPS interception: ephemeral root CA")
	default:
		fmt.Fprintf(w, "CA certificate: %s\n", authority.CertPath())
	}
	if api != nil {
		fmt.Fprintf(w, "Admin API: http://%s\n", api.Addr())
	}
	fmt.Fprintln(w, "\nRoute traffic through the proxy with:")
	env := srv.ProxyEnv()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  export %s=%s\n", k, env[k])
	}
	fmt.Fprintln(w, "Press Ctrl+C to stop")
}
