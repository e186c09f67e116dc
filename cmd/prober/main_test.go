package prober

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/saveenergy/egresswatch/pkg/types"
)

func TestLoadConfigPositionalHost(t *testing.T) {
	cfg, err := loadConfig([]string{"--tcp-port=8443", "--interval=5s", "example.com"})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Probe.Host != "example.com" {
		t.Fatalf("host = %q", cfg.Probe.Host)
	}
	if cfg.Probe.TCPPort != 8443 || cfg.Probe.Interval != 5*time.Second {
		t.Fatalf("probe = %+v", cfg.Probe)
	}
	if got := cfg.Probe.ResolvedHTTPSURL(); got != "https://example.com" {
		t.Fatalf("https url = %q", got)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing host", nil},
		{"host twice", []string{"--host=a.example.com", "b.example.com"}},
		{"too many args", []string{"a.example.com", "b.example.com"}},
		{"bad tcp port", []string{"--tcp-port=70000", "a.example.com"}},
		{"bad feed port", []string{"--feed-port=x", "a.example.com"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := loadConfig(tc.args); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestRunUsageExitCode(t *testing.T) {
	if code := Run(nil, "test"); code != exitUsage {
		t.Fatalf("exit code = %d, want %d", code, exitUsage)
	}
}

func TestProberPublishesToFeedSubscribers(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	cfg, err := loadConfig([]string{
		"--tcp-port=" + strconv.Itoa(ln.Addr().(*net.TCPAddr).Port),
		"--interval=50ms",
		"--timeout=300ms",
		"127.0.0.1",
	})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	reg := prometheus.NewRegistry()
	p := newProber(cfg, reg, reg)
	defer p.hub.Close()
	srv := httptest.NewServer(p.routes)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}

	conn, _, err := gorilla.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+FeedPath, nil)
	if err != nil {
		t.Fatalf("dial feed: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.runner.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read feed: %v", err)
		}
		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if env.Event != types.ProtocolTCP.EventName() {
			continue
		}
		var ev types.ProbeEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if _, reason, ok := ev.Validate(types.ProtocolTCP); !ok {
			t.Fatalf("invalid event: %s", reason)
		}
		if ev.Success == nil || !*ev.Success {
			t.Fatalf("tcp probe failed: %s", data)
		}
		return
	}
}
