package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/markdingo/edgedns/internal/cache"
	"github.com/markdingo/edgedns/internal/concurrencytracker"
	"github.com/markdingo/edgedns/internal/config"
	"github.com/markdingo/edgedns/internal/connectiontracker"
	"github.com/markdingo/edgedns/internal/constants"
	"github.com/markdingo/edgedns/internal/flagutil"
	"github.com/markdingo/edgedns/internal/handler"
	"github.com/markdingo/edgedns/internal/loadbalancer"
	"github.com/markdingo/edgedns/internal/osutil"
	"github.com/markdingo/edgedns/internal/pending"
	"github.com/markdingo/edgedns/internal/probe"
	"github.com/markdingo/edgedns/internal/reporter"
	"github.com/markdingo/edgedns/internal/scheduler"
	"github.com/markdingo/edgedns/internal/tlsutil"
	"github.com/markdingo/edgedns/internal/upstream"

	"github.com/google/gops/agent"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

type serveOptions struct {
	configPath     string
	verbose        bool
	gops           bool
	setuidName     string
	setgidName     string
	chrootDir      string
	statusInterval time.Duration
	extraUpstreams flagutil.StringValue // --upstream, repeatable, appended to the config file's list
}

var serveOpts serveOptions

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the client query resolution core",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(serveOpts)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveOpts.configPath, "config", "/etc/edgedns-proxy/edgedns.toml", "Path to TOML configuration file")
	serveCmd.Flags().BoolVar(&serveOpts.verbose, "verbose", false, "Log status reports and startup detail")
	serveCmd.Flags().BoolVar(&serveOpts.gops, "gops", false, "Start github.com/google/gops diagnostics agent")
	serveCmd.Flags().StringVar(&serveOpts.setuidName, "setuid", "", "Downgrade to this user after binding sockets")
	serveCmd.Flags().StringVar(&serveOpts.setgidName, "setgid", "", "Downgrade to this group after binding sockets")
	serveCmd.Flags().StringVar(&serveOpts.chrootDir, "chroot", "", "Chroot to this directory after binding sockets")
	serveCmd.Flags().DurationVar(&serveOpts.statusInterval, "status-interval", 60*time.Second, "Interval between periodic status reports")
	serveCmd.Flags().Var(&serveOpts.extraUpstreams, "upstream", "Additional upstream DNS server, beyond the config file's list (repeatable)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(opts serveOptions) error {
	consts := constants.Get()
	logLevel := slog.LevelInfo
	if opts.verbose {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	cfg.Upstream.Addresses = append(cfg.Upstream.Addresses, opts.extraUpstreams.Args()...)

	if opts.gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			return fmt.Errorf("serve: gops agent: %w", err)
		}
	}

	var upstreamAddrs []*net.UDPAddr
	for _, a := range cfg.Upstream.Addresses {
		ua, err := net.ResolveUDPAddr("udp", a)
		if err != nil {
			return fmt.Errorf("serve: resolving upstream %s: %w", a, err)
		}
		upstreamAddrs = append(upstreamAddrs, ua)
	}
	registry := upstream.New(upstreamAddrs)

	var queryCache *cache.LRU
	if cfg.Core.CacheSize > 0 {
		queryCache = cache.NewLRU(cfg.Core.CacheSize)
	}

	outboundCount := cfg.Upstream.OutboundSocket
	if outboundCount < 1 {
		outboundCount = 1
	}
	var outbound []*outboundConn
	var sockets []handler.Socket
	for i := 0; i < outboundCount; i++ {
		oc, err := newOutboundConn()
		if err != nil {
			return fmt.Errorf("serve: opening outbound socket %d: %w", i, err)
		}
		outbound = append(outbound, oc)
		sockets = append(sockets, oc)
	}

	h := &handler.Handler{
		Registry:     registry,
		Table:        pending.NewTable(cfg.Core.MaxWaitingClients),
		Policy:       loadbalancer.Policy(cfg.Core.LBMode),
		Probe:        probe.New(),
		Sockets:      sockets,
		MaxTimeoutMs: cfg.Core.QueryMaxTimeoutMs,
		Config:       cfg,
		Wheel:        scheduler.NewWheel(cfg.Core.MaxActiveQueries),
		Log:          log,
	}
	if queryCache != nil { // Avoid wrapping a typed nil *cache.LRU in the Cache interface
		h.Cache = queryCache
	}

	var dispatchers []*dispatcher
	for _, oc := range outbound {
		d := newDispatcher(oc, h, queryCache, log)
		dispatchers = append(dispatchers, d)
		go d.run()
	}

	listenSocketCount := runtime.NumCPU()
	if listenSocketCount < 1 {
		listenSocketCount = 1
	}
	const workersPerSocket = 4

	var cct concurrencytracker.Counter
	var listeners []*listener
	for i := 0; i < listenSocketCount; i++ {
		conn, err := listenReusePort(cfg.Listen.Address)
		if err != nil {
			return fmt.Errorf("serve: listening on %s: %w", cfg.Listen.Address, err)
		}
		l := newListener(conn, h, workersPerSocket, log, &cct)
		listeners = append(listeners, l)
		go l.run()
	}

	var metricsSrv *http.Server
	var connTracker *connectiontracker.Tracker
	if len(cfg.Metrics.Address) > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		connTracker = connectiontracker.New("metrics")
		trackConnState := func(c net.Conn, state http.ConnState) {
			connTracker.ConnState(c.RemoteAddr().String(), time.Now(), state)
		}

		if len(cfg.Metrics.CertFile) > 0 && len(cfg.Metrics.KeyFile) > 0 {
			tlsCfg, err := tlsutil.NewServerTLSConfig(false, nil,
				[]string{cfg.Metrics.CertFile}, []string{cfg.Metrics.KeyFile})
			if err != nil {
				return fmt.Errorf("serve: metrics TLS config: %w", err)
			}
			metricsSrv = &http.Server{Addr: cfg.Metrics.Address, Handler: mux, TLSConfig: tlsCfg,
				ConnState: trackConnState}
			go func() {
				if err := metricsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
					log.Error("metrics HTTPS server stopped", "error", err)
				}
			}()
		} else {
			h2s := &http2.Server{}
			metricsSrv = &http.Server{Addr: cfg.Metrics.Address, Handler: h2c.NewHandler(mux, h2s),
				ConnState: trackConnState}
			go func() {
				if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("metrics HTTP server stopped", "error", err)
				}
			}()
		}
	}

	if err := osutil.Constrain(opts.setuidName, opts.setgidName, opts.chrootDir); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	if opts.verbose {
		log.Info("process constrained", "report", osutil.ConstraintReport())
	}

	reporters := []reporter.Reporter{newCoreReporter(consts.ProxyProgramName, h.Table, registry, &cct)}
	if connTracker != nil {
		reporters = append(reporters, connTracker)
	}

	startTime := time.Now()
	stopCh := make(chan os.Signal, 4)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGUSR1)
	nextStatusIn := nextInterval(time.Now(), opts.statusInterval)

Running:
	for {
		select {
		case sig := <-stopCh:
			if sig == syscall.SIGUSR1 {
				statusReport(log, consts, startTime, reporters, false)

				continue
			}
			log.Info("received signal, shutting down", "signal", sig.String())

			break Running

		case <-time.After(nextStatusIn):
			if opts.verbose {
				statusReport(log, consts, startTime, reporters, true)
			}
			nextStatusIn = nextInterval(time.Now(), opts.statusInterval)
		}
	}

	for _, l := range listeners {
		l.stop()
	}
	for _, d := range dispatchers {
		d.stop()
	}
	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Shutdown(ctx)
	}

	if opts.verbose {
		statusReport(log, consts, startTime, reporters, true)
		log.Info("exiting", "uptime", time.Since(startTime).Truncate(time.Second).String())
	}

	return nil
}

// nextInterval calculates the duration to the next modulo-interval instant, grounded on the teacher's
// main.go helper of the same purpose and name.
func nextInterval(now time.Time, interval time.Duration) time.Duration {
	return now.Truncate(interval).Add(interval).Sub(now)
}

func statusReport(log *slog.Logger, consts constants.Constants, startTime time.Time, reporters []reporter.Reporter, resetCounters bool) {
	uptime := time.Since(startTime).Truncate(time.Second).String()
	log.Info("status", "program", consts.ProxyProgramName, "version", consts.Version, "uptime", uptime)
	for _, r := range reporters {
		for _, line := range strings.Split(r.Report(resetCounters), "\n") {
			if len(line) > 0 {
				log.Info("status", "source", r.Name(), "stats", line)
			}
		}
	}
}
