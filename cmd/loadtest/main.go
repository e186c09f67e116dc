package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	ws "github.com/saveenergy/egresswatch/internal/websocket"
	"github.com/saveenergy/egresswatch/pkg/types"
)

type config struct {
	mode        string
	listen      string
	rate        int
	failRatio   float64
	protocols   string
	duration    time.Duration
	concurrency int
	wsURL       string
	seed        int64
}

// publisher matches probe.Publisher.
type publisher interface {
	Publish(p types.Protocol, ev types.ProbeEvent) error
}

func main() {
	cfg := parseFlags()
	if err := validateConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "loadtest: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.duration)
	defer cancel()

	switch cfg.mode {
	case "feed":
		if err := runFeed(ctx, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "loadtest: %v\n", err)
			os.Exit(1)
		}
	case "viewers":
		runViewers(ctx, cfg)
	}
}

func parseFlags() config {
	var cfg config
	flag.StringVar(&cfg.mode, "mode", "feed", "Mode: feed (synthetic prober) or viewers (live websocket clients)")
	flag.StringVar(&cfg.listen, "listen", "127.0.0.1:5000", "Feed listen address for feed mode")
	flag.IntVar(&cfg.rate, "rate", 100, "Events per second per protocol")
	flag.Float64Var(&cfg.failRatio, "fail-ratio", 0.05, "Probability that an event is a failure")
	flag.StringVar(&cfg.protocols, "protocols", "icmp,tcp,udp,http,https", "Comma-separated protocols")
	flag.DurationVar(&cfg.duration, "duration", 10*time.Second, "Test duration (e.g. 10s)")
	flag.IntVar(&cfg.concurrency, "concurrency", 1, "Concurrent viewers")
	flag.StringVar(&cfg.wsURL, "ws-url", "", "Dashboard live URL for viewers mode")
	flag.Int64Var(&cfg.seed, "seed", 0, "Random seed (default: time based)")
	flag.Parse()
	return cfg
}

func validateConfig(cfg config) error {
	if cfg.duration <= 0 {
		return fmt.Errorf("duration must be > 0")
	}
	switch cfg.mode {
	case "feed":
		if cfg.rate <= 0 {
			return fmt.Errorf("rate must be > 0")
		}
		if cfg.failRatio < 0 || cfg.failRatio > 1 {
			return fmt.Errorf("fail-ratio must be within [0, 1]")
		}
		if _, err := parseProtocols(cfg.protocols); err != nil {
			return err
		}
	case "viewers":
		if cfg.concurrency <= 0 {
			return fmt.Errorf("concurrency must be > 0")
		}
		if cfg.wsURL == "" {
			return fmt.Errorf("ws-url required for viewers mode")
		}
	default:
		return fmt.Errorf("invalid mode: %s", cfg.mode)
	}
	return nil
}

func parseProtocols(raw string) ([]types.Protocol, error) {
	var out []types.Protocol
	for _, name := range strings.Split(raw, ",") {
		if name = strings.TrimSpace(name); name == "" {
			continue
		}
		p, err := types.ParseProtocol(name)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one protocol required")
	}
	return out, nil
}

func runFeed(ctx context.Context, cfg config) error {
	hub := ws.NewServer()
	defer hub.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/feed", func(w http.ResponseWriter, r *http.Request) {
		hub.HandleTopic(w, r, ws.TopicFeed, nil)
	})
	ln, err := net.Listen("tcp", cfg.listen)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go srv.Serve(ln)
	defer srv.Close()

	var maxSubscribers atomic.Int64
	hub.OnCountChange(func(_ string, n int) {
		for {
			cur := maxSubscribers.Load()
			if int64(n) <= cur || maxSubscribers.CompareAndSwap(cur, int64(n)) {
				return
			}
		}
	})

	events, failures := generate(ctx, cfg, ws.NewFeedPublisher(hub))
	fmt.Printf("mode=feed duration=%s rate=%d events=%d failures=%d max_subscribers=%d\n",
		cfg.duration, cfg.rate, events, failures, maxSubscribers.Load())
	return nil
}

// generate publishes synthetic results for every protocol at cfg.rate per
// second until ctx is done. Timestamps are strictly increasing per
// protocol.
func generate(ctx context.Context, cfg config, pub publisher) (events, failures int64) {
	protocols, err := parseProtocols(cfg.protocols)
	if err != nil {
		return 0, 0
	}
	seed := cfg.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	var wg sync.WaitGroup
	for i, p := range protocols {
		wg.Add(1)
		go func(p types.Protocol, r *rand.Rand) {
			defer wg.Done()
			ticker := time.NewTicker(time.Second / time.Duration(cfg.rate))
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case now := <-ticker.C:
					success := r.Float64() >= cfg.failRatio
					rt := 5 + r.ExpFloat64()*20
					if err := pub.Publish(p, types.NewProbeEvent(now, success, rt)); err != nil {
						continue
					}
					atomic.AddInt64(&events, 1)
					if !success {
						atomic.AddInt64(&failures, 1)
					}
				}
			}
		}(p, rand.New(rand.NewSource(seed+int64(i))))
	}
	wg.Wait()
	return atomic.LoadInt64(&events), atomic.LoadInt64(&failures)
}

func runViewers(ctx context.Context, cfg config) {
	var messages, errs int64
	var wg sync.WaitGroup
	wg.Add(cfg.concurrency)
	for i := 0; i < cfg.concurrency; i++ {
		go func() {
			defer wg.Done()
			n, err := runViewer(ctx, cfg.wsURL)
			atomic.AddInt64(&messages, n)
			if err != nil {
				atomic.AddInt64(&errs, 1)
			}
		}()
	}
	wg.Wait()

	fmt.Printf("mode=viewers concurrency=%d duration=%s messages=%d errors=%d msgs_per_viewer_per_sec=%.2f\n",
		cfg.concurrency, cfg.duration, messages, errs,
		float64(messages)/float64(cfg.concurrency)/cfg.duration.Seconds())
}

// runViewer counts live messages until ctx is done.
func runViewer(ctx context.Context, rawURL string) (int64, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return 0, err
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: true},
	}
	conn, _, err := dialer.DialContext(ctx, parsed.String(), nil)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var n int64
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if ctx.Err() != nil {
				return n, nil
			}
			return n, err
		}
		n++
	}
}
