package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/saveenergy/egresswatch/internal/api"
	"github.com/saveenergy/egresswatch/internal/config"
	"github.com/saveenergy/egresswatch/internal/websocket"
	"github.com/saveenergy/egresswatch/pkg/types"
)

func TestApplyServerFlagOverrides(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.FeedURL = "ws://env.example.com/api/v1/feed"

	fs, fv := buildServerFlagSet(cfg)
	if err := fs.Parse([]string{
		"--feed-url=wss://flag.example.com/api/v1/feed",
		"--reconnect-max=45s",
		"--allowed-origins=https://a.example.com, https://b.example.com",
		"--decimation-policy=legacy",
		"--max-points=500",
	}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	if err := applyServerFlagOverrides(cfg, fs, fv); err != nil {
		t.Fatalf("apply overrides: %v", err)
	}

	if cfg.FeedURL != "wss://flag.example.com/api/v1/feed" {
		t.Fatalf("feed url = %q", cfg.FeedURL)
	}
	if cfg.ReconnectMax != 45*time.Second {
		t.Fatalf("reconnect max = %s, want 45s", cfg.ReconnectMax)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://a.example.com" || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("allowed origins = %#v, want two trimmed entries", cfg.AllowedOrigins)
	}
	if cfg.DecimationPolicy != "legacy" || cfg.MaxPoints != 500 {
		t.Fatalf("decimation = %s/%d", cfg.DecimationPolicy, cfg.MaxPoints)
	}
	if cfg.Port != "8080" {
		t.Fatalf("unset flag changed port to %q", cfg.Port)
	}
}

func TestApplyServerFlagOverridesFailsFastOnInvalidDuration(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ReconnectMin = 2 * time.Second

	fs, fv := buildServerFlagSet(cfg)
	if err := fs.Parse([]string{
		"--reconnect-min=5s",
		"--reconnect-max=not-a-duration",
	}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	if err := applyServerFlagOverrides(cfg, fs, fv); err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if cfg.ReconnectMin != 2*time.Second {
		t.Fatalf("reconnect min changed despite parse error: got %s", cfg.ReconnectMin)
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "egresswatch.yaml")
	yaml := "port: \"9000\"\nmax_points: 200\ndisplay_timezone: UTC\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MAX_POINTS", "300")

	cfg, err := loadConfig([]string{"--config", path, "--port", "9100"})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Port != "9100" {
		t.Fatalf("port = %q, want flag value 9100", cfg.Port)
	}
	if cfg.MaxPoints != 300 {
		t.Fatalf("max points = %d, want env value 300", cfg.MaxPoints)
	}
	if cfg.DisplayTimezone != "UTC" {
		t.Fatalf("timezone = %q, want file value", cfg.DisplayTimezone)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	if _, err := loadConfig([]string{"--decimation-policy=sometimes"}); err == nil {
		t.Fatal("expected invalid policy error")
	}
	if _, err := loadConfig([]string{"--embedded-prober"}); err == nil {
		t.Fatal("expected error for embedded prober without host")
	}
	if _, err := loadConfig([]string{"extra"}); err == nil {
		t.Fatal("expected error for positional arguments")
	}
}

func TestRunUsageExitCodes(t *testing.T) {
	if code := Run([]string{"--max-points=-1"}, "test"); code != exitUsage {
		t.Fatalf("exit code = %d, want %d", code, exitUsage)
	}
	if code := Run([]string{"-h"}, "test"); code != exitSuccess {
		t.Fatalf("help exit code = %d, want %d", code, exitSuccess)
	}
}

func TestAppIngestsFeed(t *testing.T) {
	feedHub := websocket.NewServer()
	t.Cleanup(feedHub.Close)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/feed", func(w http.ResponseWriter, r *http.Request) {
		feedHub.HandleTopic(w, r, websocket.TopicFeed, nil)
	})
	feedSrv := httptest.NewServer(mux)
	t.Cleanup(feedSrv.Close)

	cfg := config.DefaultConfig()
	cfg.FeedURL = "ws" + strings.TrimPrefix(feedSrv.URL, "http") + "/api/v1/feed"
	cfg.BroadcastInterval = 20 * time.Millisecond
	cfg.ReconnectMin = 10 * time.Millisecond
	cfg.ReconnectMax = 50 * time.Millisecond
	cfg.DisplayTimezone = "UTC"
	require.NoError(t, cfg.Validate())

	reg := prometheus.NewRegistry()
	a, err := newApp(cfg, "test", reg, reg)
	require.NoError(t, err)
	require.NoError(t, a.start(context.Background()))
	t.Cleanup(a.stop)

	dash := httptest.NewServer(a.routes)
	t.Cleanup(dash.Close)

	pub := websocket.NewFeedPublisher(feedHub)
	require.Eventually(t, func() bool {
		if err := pub.Publish(types.ProtocolTCP, types.NewProbeEvent(time.Now(), true, 12)); err != nil {
			return false
		}
		resp, err := http.Get(dash.URL + "/api/v1/series?protocol=TCP")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var body api.SeriesResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return false
		}
		return len(body.Datasets) == 1 && len(body.Datasets[0].Points) > 0
	}, 5*time.Second, 50*time.Millisecond)

	resp, err := http.Get(dash.URL + "/api/v1/version")
	require.NoError(t, err)
	defer resp.Body.Close()
	var v api.VersionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	require.Equal(t, "test", v.Version)
}
