package websocket

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/saveenergy/egresswatch/internal/logging"
	"github.com/saveenergy/egresswatch/pkg/types"
)

const (
	TopicLive = "live"
	TopicFeed = "feed"

	writeWait = 5 * time.Second
)

// Server fans messages out to websocket subscribers grouped by topic.
// Subscribers only read for disconnect detection.
type Server struct {
	upgrader       websocket.Upgrader
	clients        map[string]map[*websocket.Conn]*clientConn
	allowedOrigins []string
	pingInterval   time.Duration
	onCount        func(topic string, n int)
	stopCh         chan struct{}
	stopOnce       sync.Once
	wg             sync.WaitGroup
	mu             sync.RWMutex
}

type clientConn struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewServer() *Server {
	server := &Server{
		clients:      make(map[string]map[*websocket.Conn]*clientConn),
		pingInterval: 30 * time.Second,
		stopCh:       make(chan struct{}),
	}
	server.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return server.isAllowedOrigin(r.Header.Get("Origin"), r.Host)
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	server.startPingLoop()
	return server
}

func (s *Server) SetAllowedOrigins(origins []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowedOrigins = origins
}

func (s *Server) SetPingInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingInterval = interval
}

// OnCountChange registers fn to observe subscriber counts per topic.
func (s *Server) OnCountChange(fn func(topic string, n int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCount = fn
}

func (s *Server) Count(topic string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients[topic])
}

// HandleTopic upgrades the request and subscribes it to topic until the
// peer goes away. A non-nil greeting is written first.
func (s *Server) HandleTopic(w http.ResponseWriter, r *http.Request, topic string, greeting []byte) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("WebSocket upgrade error",
			logging.Field{Key: "error", Value: err},
			logging.Field{Key: "topic", Value: topic})
		return
	}
	defer conn.Close()

	conn.SetReadLimit(4096)

	client := &clientConn{id: uuid.NewString(), conn: conn}
	s.mu.Lock()
	if s.clients[topic] == nil {
		s.clients[topic] = make(map[*websocket.Conn]*clientConn)
	}
	s.clients[topic][conn] = client
	n, hook := len(s.clients[topic]), s.onCount
	s.mu.Unlock()
	if hook != nil {
		hook(topic, n)
	}

	logging.Debug("WebSocket subscriber joined",
		logging.Field{Key: "topic", Value: topic},
		logging.Field{Key: "id", Value: client.id},
		logging.Field{Key: "remote", Value: r.RemoteAddr})

	if greeting != nil {
		if err := client.writeMessage(websocket.TextMessage, greeting); err != nil {
			s.removeClient(topic, conn)
			return
		}
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.removeClient(topic, conn)
}

// Broadcast writes data to every subscriber of topic. Subscribers whose
// write fails are dropped.
func (s *Server) Broadcast(topic string, data []byte) {
	s.mu.RLock()
	clients := s.clients[topic]
	clientList := make([]*clientConn, 0, len(clients))
	for _, client := range clients {
		clientList = append(clientList, client)
	}
	s.mu.RUnlock()

	for _, client := range clientList {
		if err := client.writeMessage(websocket.TextMessage, data); err != nil {
			logging.Debug("WebSocket write failed",
				logging.Field{Key: "topic", Value: topic},
				logging.Field{Key: "id", Value: client.id},
				logging.Field{Key: "error", Value: err})
			s.removeClient(topic, client.conn)
			client.conn.Close()
		}
	}
}

func (s *Server) BroadcastJSON(topic string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.Broadcast(topic, data)
	return nil
}

func (s *Server) startPingLoop() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		interval := s.getPingInterval()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.pingClients()
				next := s.getPingInterval()
				if next != interval {
					ticker.Stop()
					interval = next
					ticker = time.NewTicker(interval)
				}
			}
		}
	}()
}

// Close stops the ping loop and disconnects every subscriber.
func (s *Server) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()

	s.mu.RLock()
	var conns []*websocket.Conn
	for _, topicClients := range s.clients {
		for conn := range topicClients {
			conns = append(conns, conn)
		}
	}
	s.mu.RUnlock()
	for _, conn := range conns {
		conn.Close()
	}
}

func (s *Server) getPingInterval() time.Duration {
	s.mu.RLock()
	interval := s.pingInterval
	s.mu.RUnlock()
	if interval <= 0 {
		return 30 * time.Second
	}
	return interval
}

func (s *Server) pingClients() {
	type clientRef struct {
		topic  string
		client *clientConn
	}

	var refs []clientRef
	s.mu.RLock()
	for topic, topicClients := range s.clients {
		for _, client := range topicClients {
			refs = append(refs, clientRef{topic: topic, client: client})
		}
	}
	s.mu.RUnlock()

	for _, ref := range refs {
		if err := ref.client.writeMessage(websocket.PingMessage, nil); err != nil {
			s.removeClient(ref.topic, ref.client.conn)
			ref.client.conn.Close()
		}
	}
}

func (s *Server) removeClient(topic string, conn *websocket.Conn) {
	s.mu.Lock()
	topicClients := s.clients[topic]
	if topicClients == nil {
		s.mu.Unlock()
		return
	}
	if _, ok := topicClients[conn]; !ok {
		s.mu.Unlock()
		return
	}
	delete(topicClients, conn)
	n := len(topicClients)
	if n == 0 {
		delete(s.clients, topic)
	}
	hook := s.onCount
	s.mu.Unlock()

	if hook != nil {
		hook(topic, n)
	}
}

func (s *Server) isAllowedOrigin(origin string, host string) bool {
	if origin == "" {
		return true
	}

	s.mu.RLock()
	allowedOrigins := append([]string(nil), s.allowedOrigins...)
	s.mu.RUnlock()

	if len(allowedOrigins) == 0 {
		return sameOrigin(origin, host)
	}
	return types.OriginAllowed(origin, allowedOrigins)
}

func sameOrigin(origin string, host string) bool {
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	originH := types.StripHostPort(parsed.Host)
	requestH := types.StripHostPort(host)
	return strings.EqualFold(originH, requestH)
}

func (c *clientConn) writeMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}
