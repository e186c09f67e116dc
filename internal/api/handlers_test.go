package api_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/saveenergy/egresswatch/internal/api"
	"github.com/saveenergy/egresswatch/internal/config"
	"github.com/saveenergy/egresswatch/internal/logging"
	"github.com/saveenergy/egresswatch/internal/metrics"
	"github.com/saveenergy/egresswatch/internal/render"
	"github.com/saveenergy/egresswatch/internal/stream"
	"github.com/saveenergy/egresswatch/internal/websocket"
	"github.com/saveenergy/egresswatch/pkg/types"
)

type fixture struct {
	manager *stream.Manager
	hub     *websocket.Server
	handler *api.Handler
	server  *httptest.Server
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}

	reg := prometheus.NewRegistry()
	manager := stream.NewManager(stream.NewLocalClient(8), stream.Options{
		Location:  time.UTC,
		Collector: metrics.NewCollector(reg),
		Logger:    logging.New(&strings.Builder{}, "stream", logging.LevelError),
	})
	hub := websocket.NewServer()
	t.Cleanup(hub.Close)

	handler := api.NewHandler(manager, hub)
	handler.SetVersion("1.2.3")
	router := api.NewRouter(handler, cfg)
	router.SetRateLimiter(cfg)
	router.SetMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := httptest.NewServer(router.SetupRoutes())
	t.Cleanup(srv.Close)
	return &fixture{manager: manager, hub: hub, handler: handler, server: srv}
}

func (f *fixture) ingest(t *testing.T, p types.Protocol, sec int, success bool, rt float64) {
	t.Helper()
	err := f.manager.Ingest(types.Observation{
		Protocol:       p,
		Timestamp:      time.Date(2024, 5, 1, 10, 0, sec, 0, time.UTC),
		Success:        success,
		ResponseTimeMs: rt,
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
}

func getJSON(t *testing.T, url string, dst interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if dst != nil {
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestGetSeries(t *testing.T) {
	f := newFixture(t, nil)
	f.ingest(t, types.ProtocolICMP, 1, true, 12.5)
	f.ingest(t, types.ProtocolICMP, 2, false, 0)

	var body api.SeriesResponse
	resp := getJSON(t, f.server.URL+"/api/v1/series", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(body.Datasets) != 5 {
		t.Fatalf("datasets = %d, want 5", len(body.Datasets))
	}
	icmp := body.Datasets[0]
	if icmp.Label != "ICMP" || icmp.BorderColor != "red" || len(icmp.Points) != 2 {
		t.Fatalf("icmp dataset = %+v", icmp)
	}
	if icmp.Points[0].Y != 12.5 || icmp.Points[1].Y != 0 {
		t.Fatalf("points = %+v", icmp.Points)
	}
	if icmp.PointRadii[0] != 3 || icmp.PointRadii[1] != 5 {
		t.Fatalf("radii = %v", icmp.PointRadii)
	}
	if len(body.Outages) != 1 || body.Outages[0].Line != "ICMP: No response from 10:00:02 to 10:00:02" {
		t.Fatalf("outages = %+v", body.Outages)
	}
}

func TestGetSeriesProtocolFilter(t *testing.T) {
	f := newFixture(t, nil)
	f.ingest(t, types.ProtocolUDP, 1, true, 3)

	var body api.SeriesResponse
	getJSON(t, f.server.URL+"/api/v1/series?protocol=udp", &body)
	if len(body.Datasets) != 1 || body.Datasets[0].Label != "UDP" || len(body.Datasets[0].Points) != 1 {
		t.Fatalf("filtered datasets = %+v", body.Datasets)
	}

	resp := getJSON(t, f.server.URL+"/api/v1/series?protocol=sctp", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetLabels(t *testing.T) {
	f := newFixture(t, nil)
	f.ingest(t, types.ProtocolHTTPS, 1, true, 41.456)
	f.ingest(t, types.ProtocolHTTPS, 2, false, 0)

	var body struct {
		Protocol string   `json:"protocol"`
		Labels   []string `json:"labels"`
	}
	getJSON(t, f.server.URL+"/api/v1/series/https/labels", &body)
	if body.Protocol != "HTTPS" || len(body.Labels) != 2 || body.Labels[0] != "41.46 ms" || body.Labels[1] != "FAIL" {
		t.Fatalf("labels = %+v", body)
	}
}

func TestGetOutagesOpenInterval(t *testing.T) {
	f := newFixture(t, nil)
	f.ingest(t, types.ProtocolTCP, 0, true, 5)
	f.ingest(t, types.ProtocolTCP, 2, false, 0)
	f.ingest(t, types.ProtocolTCP, 3, false, 0)

	var body api.OutagesResponse
	getJSON(t, f.server.URL+"/api/v1/outages", &body)
	if len(body.Outages) != 1 || body.Outages[0].Line != "TCP: No response from 10:00:02 to 10:00:03" {
		t.Fatalf("outages = %+v", body.Outages)
	}

	f.ingest(t, types.ProtocolTCP, 4, true, 6)
	getJSON(t, f.server.URL+"/api/v1/outages", &body)
	if len(body.Outages) != 0 {
		t.Fatalf("outages after recovery = %+v", body.Outages)
	}
}

func TestGetSummary(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 4; i++ {
		f.ingest(t, types.ProtocolHTTP, i, i != 3, float64(10+i))
	}

	var body api.SummaryResponse
	getJSON(t, f.server.URL+"/api/v1/summary", &body)
	if len(body.Protocols) != 5 {
		t.Fatalf("protocols = %d, want 5", len(body.Protocols))
	}
	hs := body.Protocols[types.ProtocolHTTP.Index()]
	if hs.Samples != 4 || hs.Failures != 1 || hs.State != "degraded" || hs.RetainedPoints != 4 {
		t.Fatalf("http summary = %+v", hs)
	}
	if hs.AvailabilityPercent != 75 {
		t.Fatalf("availability = %v, want 75", hs.AvailabilityPercent)
	}
}

func TestGetVersionAndHealth(t *testing.T) {
	f := newFixture(t, nil)

	var version api.VersionResponse
	getJSON(t, f.server.URL+"/api/v1/version", &version)
	if version.Version != "1.2.3" {
		t.Fatalf("version = %s", version.Version)
	}

	var health map[string]string
	getJSON(t, f.server.URL+"/health", &health)
	if health["status"] != "ok" {
		t.Fatalf("health = %v", health)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.ingest(t, types.ProtocolICMP, 1, true, 2)

	resp, err := http.Get(f.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	buf := new(strings.Builder)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(buf.String(), `egresswatch_samples_ingested_total{outcome="success",protocol="ICMP"} 1`) {
		t.Fatalf("metrics output missing ingestion counter:\n%s", buf.String())
	}
}

func TestStaticAssets(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.server.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("index status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Cache-Control") != "no-store" {
		t.Fatalf("index cache-control = %q", resp.Header.Get("Cache-Control"))
	}
	if resp.Header.Get("X-Frame-Options") != "DENY" {
		t.Fatalf("missing security headers")
	}

	resp, err = http.Get(f.server.URL + "/embed.go")
	if err != nil {
		t.Fatalf("GET /embed.go: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("non-allowlisted asset status = %d, want 404", resp.StatusCode)
	}
}

func TestRateLimitExceeded(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.RateLimitPerIP = 2
		cfg.GlobalRateLimit = 100
	})

	for i := 0; i < 2; i++ {
		if resp := getJSON(t, f.server.URL+"/api/v1/version", nil); resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d", i, resp.StatusCode)
		}
	}
	resp := getJSON(t, f.server.URL+"/api/v1/version", nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "60" {
		t.Fatalf("Retry-After = %q", resp.Header.Get("Retry-After"))
	}

	// Health stays outside the limiter.
	if resp := getJSON(t, f.server.URL+"/health", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.AllowedOrigins = []string{"https://dash.example.com"}
	})

	req, _ := http.NewRequest(http.MethodOptions, f.server.URL+"/api/v1/series", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "https://dash.example.com" {
		t.Fatalf("allow-origin = %q", resp.Header.Get("Access-Control-Allow-Origin"))
	}

	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestLiveGreetsAndPushes(t *testing.T) {
	f := newFixture(t, nil)
	f.ingest(t, types.ProtocolICMP, 1, true, 7)

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/v1/live"
	conn, _, err := gorilla.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial live: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var greeting api.LiveMessage
	if err := conn.ReadJSON(&greeting); err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	if greeting.Type != "snapshot" || len(greeting.Data.Datasets[0].Points) != 1 {
		t.Fatalf("greeting = %+v", greeting)
	}

	updates := make(chan render.Snapshot, 1)
	done := make(chan struct{})
	go func() {
		f.handler.RunLive(updates)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for f.hub.Count(websocket.TopicLive) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	f.ingest(t, types.ProtocolICMP, 2, false, 0)
	updates <- f.manager.Snapshot()
	close(updates)

	var pushed api.LiveMessage
	if err := conn.ReadJSON(&pushed); err != nil {
		t.Fatalf("read push: %v", err)
	}
	if len(pushed.Data.Datasets[0].Points) != 2 || len(pushed.Data.Outages) != 1 {
		t.Fatalf("pushed = %+v", pushed.Data)
	}
	<-done
}

func TestLiveViewerCapPerAddress(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.MaxViewersPerIP = 1 })

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/v1/live"
	first, _, err := gorilla.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial first viewer: %v", err)
	}
	defer first.Close()
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	var greeting api.LiveMessage
	if err := first.ReadJSON(&greeting); err != nil {
		t.Fatalf("read greeting: %v", err)
	}

	second, resp, err := gorilla.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		second.Close()
		t.Fatal("expected second viewer from the same address to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second viewer response = %v", resp)
	}
	if n := f.hub.Count(websocket.TopicLive); n != 1 {
		t.Fatalf("live subscribers = %d, want 1", n)
	}
}
