// Package server implements the `egresswatch serve` subcommand: the
// dashboard that subscribes to a probe feed (or runs the prober
// in-process), keeps the bounded series and outage state, and serves the
// web UI, JSON API, live push and metrics.
package server

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/saveenergy/egresswatch/internal/api"
	"github.com/saveenergy/egresswatch/internal/config"
	"github.com/saveenergy/egresswatch/internal/logging"
	"github.com/saveenergy/egresswatch/internal/metrics"
	"github.com/saveenergy/egresswatch/internal/probe"
	"github.com/saveenergy/egresswatch/internal/stream"
	"github.com/saveenergy/egresswatch/internal/websocket"
)

var (
	exitSuccess = 0
	exitFailure = 1
	exitUsage   = 2
)

const shutdownTimeout = 30 * time.Second

type serverFlags struct {
	configPath       string
	port             string
	bindAddress      string
	allowedOrigins   string
	feedURL          string
	reconnectMin     string
	reconnectMax     string
	embeddedProber   bool
	probeHost        string
	maxPoints        int
	decimationPolicy string
	displayTimezone  string
	logLevel         string
}

func buildServerFlagSet(cfg *config.Config) (*flag.FlagSet, *serverFlags) {
	fv := &serverFlags{}
	fs := flag.NewFlagSet("egresswatch serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.StringVar(&fv.configPath, "config", "", "YAML config file (env and flags override it)")
	fs.StringVar(&fv.port, "port", cfg.Port, "HTTP port")
	fs.StringVar(&fv.bindAddress, "bind", cfg.BindAddress, "Bind address")
	fs.StringVar(&fv.allowedOrigins, "allowed-origins", strings.Join(cfg.AllowedOrigins, ","), "Comma-separated allowed origins")
	fs.StringVar(&fv.feedURL, "feed-url", cfg.FeedURL, "Probe feed websocket URL")
	fs.StringVar(&fv.reconnectMin, "reconnect-min", cfg.ReconnectMin.String(), "Initial feed reconnect delay")
	fs.StringVar(&fv.reconnectMax, "reconnect-max", cfg.ReconnectMax.String(), "Maximum feed reconnect delay")
	fs.BoolVar(&fv.embeddedProber, "embedded-prober", cfg.EmbeddedProber, "Run the prober in-process instead of subscribing to a feed")
	fs.StringVar(&fv.probeHost, "probe-host", cfg.Probe.Host, "Host checked by the embedded prober")
	fs.IntVar(&fv.maxPoints, "max-points", cfg.MaxPoints, "Retained points per protocol")
	fs.StringVar(&fv.decimationPolicy, "decimation-policy", cfg.DecimationPolicy, "strict (ceil, bounded) or legacy (floor, first-release stride)")
	fs.StringVar(&fv.displayTimezone, "timezone", cfg.DisplayTimezone, "IANA zone for outage lines (default: local)")
	fs.StringVar(&fv.logLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	return fs, fv
}

// applyServerFlagOverrides copies explicitly set flags onto cfg. Durations
// are parsed before anything is written so a bad value leaves cfg intact.
func applyServerFlagOverrides(cfg *config.Config, fs *flag.FlagSet, fv *serverFlags) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	reconnectMin, reconnectMax := cfg.ReconnectMin, cfg.ReconnectMax
	if set["reconnect-min"] {
		d, err := time.ParseDuration(fv.reconnectMin)
		if err != nil {
			return fmt.Errorf("invalid --reconnect-min %q: %w", fv.reconnectMin, err)
		}
		reconnectMin = d
	}
	if set["reconnect-max"] {
		d, err := time.ParseDuration(fv.reconnectMax)
		if err != nil {
			return fmt.Errorf("invalid --reconnect-max %q: %w", fv.reconnectMax, err)
		}
		reconnectMax = d
	}
	cfg.ReconnectMin, cfg.ReconnectMax = reconnectMin, reconnectMax

	if set["port"] {
		cfg.Port = fv.port
	}
	if set["bind"] {
		cfg.BindAddress = fv.bindAddress
	}
	if set["allowed-origins"] {
		origins := []string{}
		for _, o := range strings.Split(fv.allowedOrigins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.AllowedOrigins = origins
	}
	if set["feed-url"] {
		cfg.FeedURL = fv.feedURL
	}
	if set["embedded-prober"] {
		cfg.EmbeddedProber = fv.embeddedProber
	}
	if set["probe-host"] {
		cfg.Probe.Host = fv.probeHost
	}
	if set["max-points"] {
		cfg.MaxPoints = fv.maxPoints
	}
	if set["decimation-policy"] {
		cfg.DecimationPolicy = fv.decimationPolicy
	}
	if set["timezone"] {
		cfg.DisplayTimezone = fv.displayTimezone
	}
	if set["log-level"] {
		cfg.LogLevel = fv.logLevel
	}
	return nil
}

// loadConfig layers defaults, the optional YAML file, the environment and
// flags, in that order.
func loadConfig(args []string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	fs, fv := buildServerFlagSet(cfg)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if fv.configPath != "" {
		if err := cfg.LoadFile(fv.configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := applyServerFlagOverrides(cfg, fs, fv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func Run(args []string, version string) int {
	cfg, err := loadConfig(args)
	if errors.Is(err, flag.ErrHelp) {
		return exitSuccess
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "egresswatch serve: %v\n", err)
		return exitUsage
	}
	logging.Init(logging.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, version, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	if err != nil {
		logging.Error("Failed to build dashboard", logging.Err(err))
		return exitFailure
	}

	pprofServer := startPprofServer(cfg)
	startRuntimeStatsLogger(ctx, cfg)

	if err := a.start(ctx); err != nil {
		logging.Error("Failed to start stream manager", logging.Err(err))
		return exitFailure
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddress(),
		Handler:           a.routes,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		fields := []logging.Field{
			{Key: "address", Value: cfg.ListenAddress()},
			{Key: "max_points", Value: cfg.MaxPoints},
			{Key: "decimation", Value: cfg.DecimationPolicy},
		}
		if cfg.EmbeddedProber {
			fields = append(fields, logging.Field{Key: "probe_host", Value: cfg.Probe.Host})
		} else {
			fields = append(fields, logging.Field{Key: "feed", Value: cfg.FeedURL})
		}
		logging.Info("Dashboard starting", fields...)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	code := exitSuccess
	select {
	case <-ctx.Done():
		logging.Info("Shutting down dashboard...")
	case err := <-serveErr:
		if err != nil {
			logging.Error("Server failed", logging.Err(err))
			code = exitFailure
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error("Server shutdown error", logging.Err(err))
	}
	shutdownPprofServer(pprofServer, 5*time.Second)
	a.stop()

	logging.Info("Dashboard stopped")
	return code
}

// app is the wired dashboard, built separately from Run so tests can
// drive it against httptest.
type app struct {
	manager *stream.Manager
	hub     *websocket.Server
	handler *api.Handler
	runner  *probe.Runner
	routes  http.Handler

	cancelRunner context.CancelFunc
	runnerDone   chan struct{}
	liveDone     chan struct{}
}

func newApp(cfg *config.Config, version string, reg prometheus.Registerer, gatherer prometheus.Gatherer) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	collector := metrics.NewCollector(reg)

	a := &app{}
	var client stream.Client
	if cfg.EmbeddedProber {
		local := stream.NewLocalClient(256)
		client = local
		a.runner = probe.NewRunner(probe.NewCheckers(cfg.Probe), local, cfg.Probe.Interval,
			probe.WithCollector(collector))
	} else {
		ws, err := stream.NewWSClient(cfg.FeedURL,
			stream.WithBackoff(cfg.ReconnectMin, cfg.ReconnectMax),
			stream.WithCollector(collector))
		if err != nil {
			return nil, err
		}
		client = ws
	}

	a.manager = stream.NewManager(client, stream.Options{
		MaxPoints:         cfg.MaxPoints,
		Policy:            cfg.Policy(),
		Location:          loc,
		BroadcastInterval: cfg.BroadcastInterval,
		Collector:         collector,
	})

	a.hub = websocket.NewServer()
	a.hub.SetAllowedOrigins(cfg.AllowedOrigins)
	a.hub.SetPingInterval(cfg.WebSocketPingInterval)
	a.hub.OnCountChange(func(topic string, n int) {
		if topic == websocket.TopicLive {
			collector.SetViewers(n)
		}
	})

	a.handler = api.NewHandler(a.manager, a.hub)
	a.handler.SetVersion(version)

	router := api.NewRouter(a.handler, cfg)
	router.SetRateLimiter(cfg)
	router.SetMetricsHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	a.routes = router.SetupRoutes()
	return a, nil
}

func (a *app) start(ctx context.Context) error {
	if err := a.manager.Start(ctx); err != nil {
		return err
	}
	a.liveDone = make(chan struct{})
	go func() {
		defer close(a.liveDone)
		a.handler.RunLive(a.manager.Updates())
	}()

	if a.runner != nil {
		runCtx, cancel := context.WithCancel(ctx)
		a.cancelRunner = cancel
		a.runnerDone = make(chan struct{})
		go func() {
			defer close(a.runnerDone)
			a.runner.Run(runCtx)
		}()
	}
	return nil
}

// stop halts the prober before the manager so no result is published to
// a detached client, then drains the live forwarder.
func (a *app) stop() {
	if a.cancelRunner != nil {
		a.cancelRunner()
		<-a.runnerDone
	}
	a.hub.Close()
	a.manager.Stop()
	if a.liveDone != nil {
		<-a.liveDone
	}
}
