package websocket_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"

	ewwebsocket "github.com/saveenergy/egresswatch/internal/websocket"
	"github.com/saveenergy/egresswatch/pkg/types"
)

func dialTopic(t *testing.T, serverURL string, origin string) (*gorilla.Conn, error) {
	t.Helper()
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	parsed.Scheme = "ws"
	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}
	conn, _, err := gorilla.DefaultDialer.Dial(parsed.String(), headers)
	return conn, err
}

func waitForCount(t *testing.T, s *ewwebsocket.Server, topic string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Count(topic) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s subscribers = %d, want %d", topic, s.Count(topic), want)
}

func TestServerGreetsAndBroadcastsByTopic(t *testing.T) {
	server := ewwebsocket.NewServer()
	defer server.Close()

	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		server.HandleTopic(w, r, ewwebsocket.TopicLive, []byte(`{"type":"hello"}`))
	}))
	defer live.Close()
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		server.HandleTopic(w, r, ewwebsocket.TopicFeed, nil)
	}))
	defer feed.Close()

	liveConn, err := dialTopic(t, live.URL, "")
	if err != nil {
		t.Fatalf("dial live: %v", err)
	}
	defer liveConn.Close()
	feedConn, err := dialTopic(t, feed.URL, "")
	if err != nil {
		t.Fatalf("dial feed: %v", err)
	}
	defer feedConn.Close()

	liveConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, greeting, err := liveConn.ReadMessage()
	if err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	if string(greeting) != `{"type":"hello"}` {
		t.Fatalf("greeting = %s", greeting)
	}

	waitForCount(t, server, ewwebsocket.TopicLive, 1)
	waitForCount(t, server, ewwebsocket.TopicFeed, 1)

	if err := server.BroadcastJSON(ewwebsocket.TopicLive, map[string]string{"type": "snapshot"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	_, msg, err := liveConn.ReadMessage()
	if err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if string(msg) != `{"type":"snapshot"}` {
		t.Fatalf("broadcast = %s", msg)
	}

	publisher := ewwebsocket.NewFeedPublisher(server)
	at := time.Unix(1714554300, 0)
	if err := publisher.Publish(types.ProtocolTCP, types.NewProbeEvent(at, true, 4.5)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	feedConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := feedConn.ReadMessage()
	if err != nil {
		t.Fatalf("read feed: %v", err)
	}
	var env types.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Event != "tcp_result" {
		t.Fatalf("event = %s, want tcp_result", env.Event)
	}
	var ev types.ProbeEvent
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	obs, reason, ok := ev.Validate(types.ProtocolTCP)
	if !ok {
		t.Fatalf("feed event invalid: %s", reason)
	}
	if obs.ResponseTimeMs != 4.5 || !obs.Timestamp.Equal(at) {
		t.Fatalf("observation = %+v", obs)
	}
}

func TestServerRejectsDisallowedOrigin(t *testing.T) {
	server := ewwebsocket.NewServer()
	defer server.Close()
	server.SetAllowedOrigins([]string{"https://dash.example.com"})

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		server.HandleTopic(w, r, ewwebsocket.TopicLive, nil)
	}))
	defer ts.Close()

	if conn, err := dialTopic(t, ts.URL, "https://evil.example.com"); err == nil {
		conn.Close()
		t.Fatal("expected handshake failure for disallowed origin")
	}
	conn, err := dialTopic(t, ts.URL, "https://dash.example.com")
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	conn.Close()
}

func TestServerReportsSubscriberCounts(t *testing.T) {
	server := ewwebsocket.NewServer()
	defer server.Close()

	var mu sync.Mutex
	var counts []int
	server.OnCountChange(func(topic string, n int) {
		mu.Lock()
		counts = append(counts, n)
		mu.Unlock()
	})

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		server.HandleTopic(w, r, ewwebsocket.TopicLive, nil)
	}))
	defer ts.Close()

	conn, err := dialTopic(t, ts.URL, "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitForCount(t, server, ewwebsocket.TopicLive, 1)
	conn.Close()
	waitForCount(t, server, ewwebsocket.TopicLive, 0)

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(counts)
		mu.Unlock()
		if n >= 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(counts) != 2 || counts[0] != 1 || counts[1] != 0 {
		t.Fatalf("counts = %v, want [1 0]", counts)
	}
}
