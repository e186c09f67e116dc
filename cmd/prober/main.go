// Package prober implements the `egresswatch probe` subcommand: it checks
// one external host over ICMP, TCP, UDP, HTTP and HTTPS once per interval
// and publishes every result on the feed websocket that dashboards
// subscribe to.
package prober

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

	"github.com/saveenergy/egresswatch/internal/config"
	"github.com/saveenergy/egresswatch/internal/logging"
	"github.com/saveenergy/egresswatch/internal/metrics"
	"github.com/saveenergy/egresswatch/internal/probe"
	"github.com/saveenergy/egresswatch/internal/websocket"
)

var (
	exitSuccess = 0
	exitFailure = 1
	exitUsage   = 2
)

// FeedPath is where dashboards subscribe.
const FeedPath = "/api/v1/feed"

type proberFlags struct {
	configPath string
	host       string
	tcpPort    int
	udpPort    int
	httpURL    string
	httpsURL   string
	interval   time.Duration
	timeout    time.Duration
	privileged bool
	feedPort   string
	bind       string
	logLevel   string
}

func buildProberFlagSet(cfg *config.Config) (*flag.FlagSet, *proberFlags) {
	fv := &proberFlags{}
	p := cfg.Probe
	fs := flag.NewFlagSet("egresswatch probe", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.StringVar(&fv.configPath, "config", "", "YAML config file (env and flags override it)")
	fs.StringVar(&fv.host, "host", p.Host, "Host to check")
	fs.IntVar(&fv.tcpPort, "tcp-port", p.TCPPort, "TCP port to connect to")
	fs.IntVar(&fv.udpPort, "udp-port", p.UDPPort, "UDP port expected to answer")
	fs.StringVar(&fv.httpURL, "http-url", p.HTTPURL, "HTTP URL (default: http://<host>)")
	fs.StringVar(&fv.httpsURL, "https-url", p.HTTPSURL, "HTTPS URL (default: https://<host>)")
	fs.DurationVar(&fv.interval, "interval", p.Interval, "Time between checks per protocol")
	fs.DurationVar(&fv.timeout, "timeout", p.Timeout, "Per-check timeout")
	fs.BoolVar(&fv.privileged, "privileged", p.Privileged, "Use raw ICMP sockets")
	fs.StringVar(&fv.feedPort, "feed-port", p.FeedPort, "Feed websocket port")
	fs.StringVar(&fv.bind, "bind", p.FeedAddress, "Feed bind address")
	fs.StringVar(&fv.logLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	return fs, fv
}

func applyProberFlagOverrides(cfg *config.Config, fs *flag.FlagSet, fv *proberFlags) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Probe.Host = fv.host
		case "tcp-port":
			cfg.Probe.TCPPort = fv.tcpPort
		case "udp-port":
			cfg.Probe.UDPPort = fv.udpPort
		case "http-url":
			cfg.Probe.HTTPURL = fv.httpURL
		case "https-url":
			cfg.Probe.HTTPSURL = fv.httpsURL
		case "interval":
			cfg.Probe.Interval = fv.interval
		case "timeout":
			cfg.Probe.Timeout = fv.timeout
		case "privileged":
			cfg.Probe.Privileged = fv.privileged
		case "feed-port":
			cfg.Probe.FeedPort = fv.feedPort
		case "bind":
			cfg.Probe.FeedAddress = fv.bind
		case "log-level":
			cfg.LogLevel = fv.logLevel
		}
	})
}

func loadConfig(args []string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	fs, fv := buildProberFlagSet(cfg)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	// A lone positional argument is the host.
	switch rest := fs.Args(); len(rest) {
	case 0:
	case 1:
		if fv.host != "" {
			return nil, fmt.Errorf("host given twice")
		}
		if err := fs.Set("host", rest[0]); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(rest, " "))
	}
	if fv.configPath != "" {
		if err := cfg.LoadFile(fv.configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	applyProberFlagOverrides(cfg, fs, fv)
	if err := cfg.ValidateProbe(); err != nil {
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
		fmt.Fprintf(os.Stderr, "egresswatch probe: %v\n", err)
		return exitUsage
	}
	logging.Init(logging.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := newProber(cfg, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	defer p.hub.Close()

	srv := &http.Server{
		Addr:              cfg.FeedListenAddress(),
		Handler:           p.routes,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logging.Info("Prober starting",
			logging.Field{Key: "address", Value: cfg.FeedListenAddress()},
			logging.Field{Key: "host", Value: cfg.Probe.Host},
			logging.Field{Key: "interval", Value: cfg.Probe.Interval},
			logging.Field{Key: "version", Value: version})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	runCtx, cancelRun := context.WithCancel(ctx)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		p.runner.Run(runCtx)
	}()

	code := exitSuccess
	select {
	case <-ctx.Done():
		logging.Info("Shutting down prober...")
	case err := <-serveErr:
		if err != nil {
			logging.Error("Feed server failed", logging.Err(err))
			code = exitFailure
		}
	}

	cancelRun()
	<-runDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error("Feed server shutdown error", logging.Err(err))
	}
	logging.Info("Prober stopped")
	return code
}

type prober struct {
	hub    *websocket.Server
	runner *probe.Runner
	routes http.Handler
}

func newProber(cfg *config.Config, reg prometheus.Registerer, gatherer prometheus.Gatherer) *prober {
	collector := metrics.NewCollector(reg)

	hub := websocket.NewServer()
	hub.SetAllowedOrigins(cfg.AllowedOrigins)
	hub.SetPingInterval(cfg.WebSocketPingInterval)
	hub.OnCountChange(func(topic string, n int) {
		logging.Info("Feed subscribers changed", logging.Field{Key: "subscribers", Value: n})
	})

	runner := probe.NewRunner(probe.NewCheckers(cfg.Probe), websocket.NewFeedPublisher(hub),
		cfg.Probe.Interval, probe.WithCollector(collector))

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+FeedPath, func(w http.ResponseWriter, r *http.Request) {
		hub.HandleTopic(w, r, websocket.TopicFeed, nil)
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"status":"ok"}`)); err != nil {
			logging.Warn("health: write response", logging.Err(err))
		}
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &prober{hub: hub, runner: runner, routes: mux}
}
