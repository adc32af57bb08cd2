// Package stream serves the newest real-time frames to websocket viewers.
// Each subscriber gets the latest encoded frame; a slow viewer skips frames
// instead of holding up the publisher.
package stream

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/lidar.relay/internal/lidar/cloud"
	"github.com/banshee-data/lidar.relay/internal/monitoring"
)

var logf = monitoring.Component("Stream")

const (
	defaultWriteTimeout = 5 * time.Second
	pingInterval        = 20 * time.Second
	pongWait            = 2 * pingInterval
)

// Hello is the text message sent to each subscriber on connect.
type Hello struct {
	Type      string `json:"type"`
	Session   string `json:"session,omitempty"`
	MaxPoints int    `json:"max_points"`
	Encoding  string `json:"encoding"`
}

// Stats counts hub activity.
type Stats struct {
	Clients int
	Frames  uint64 // frames observed
	Sent    uint64 // messages written to subscribers
	Skipped uint64 // pending messages replaced before being written
	Dropped uint64 // subscribers disconnected on write failure
}

// Hub fans encoded frames out to websocket subscribers.
type Hub struct {
	maxPoints    int
	writeTimeout time.Duration
	session      func() string
	upgrader     websocket.Upgrader

	mu      sync.Mutex
	clients map[*subscriber]struct{}
	closed  bool

	frames  atomic.Uint64
	sent    atomic.Uint64
	skipped atomic.Uint64
	dropped atomic.Uint64
}

// Option configures a Hub.
type Option func(*Hub)

// WithMaxPoints caps the points sent per frame. Zero sends every point.
func WithMaxPoints(n int) Option {
	return func(h *Hub) { h.maxPoints = n }
}

// WithWriteTimeout bounds each websocket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) { h.writeTimeout = d }
}

// WithSession reports the current session ID in the hello message.
func WithSession(fn func() string) Option {
	return func(h *Hub) { h.session = fn }
}

// WithCheckOrigin overrides the websocket origin check. The default
// accepts same-host origins only.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(h *Hub) { h.upgrader.CheckOrigin = fn }
}

// AllowOrigins returns an origin check accepting requests without an Origin
// header, same-host origins and the listed origins ("scheme://host[:port]").
// "*" accepts any origin.
func AllowOrigins(origins ...string) func(*http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.ToLower(strings.TrimRight(o, "/"))] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowed["*"] || allowed[strings.ToLower(origin)] {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

// NewHub returns a hub with no subscribers.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		writeTimeout: defaultWriteTimeout,
		clients:      make(map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type subscriber struct {
	conn *websocket.Conn

	// pending holds at most one message; a newer frame replaces it.
	pending chan []byte
	done    chan struct{}
	once    sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// Observe encodes f once and offers it to every subscriber without
// blocking. It is meant to be a realtime.Publisher observer.
func (h *Hub) Observe(f *cloud.Frame) {
	h.frames.Add(1)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.clients) == 0 {
		return
	}
	msg := EncodeFrame(f, h.maxPoints)
	for s := range h.clients {
		select {
		case s.pending <- msg:
		default:
			select {
			case <-s.pending:
				h.skipped.Add(1)
			default:
			}
			select {
			case s.pending <- msg:
			default:
			}
		}
	}
}

// ServeHTTP upgrades the request and streams frames until the viewer goes
// away or the hub is closed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logf("websocket upgrade error: %v", err)
		return
	}
	s := &subscriber{
		conn:    conn,
		pending: make(chan []byte, 1),
		done:    make(chan struct{}),
	}
	if !h.add(s) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(h.writeTimeout))
		conn.Close()
		return
	}
	logf("viewer connected from %s", r.RemoteAddr)

	go h.readLoop(s)
	h.writeLoop(s)

	h.remove(s)
	conn.Close()
	logf("viewer %s disconnected", r.RemoteAddr)
}

func (h *Hub) add(s *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[s] = struct{}{}
	return true
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, s)
}

// readLoop discards viewer messages and ends the subscription when the
// connection fails.
func (h *Hub) readLoop(s *subscriber) {
	defer s.close()
	s.conn.SetReadLimit(4096)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(s *subscriber) {
	hello := Hello{Type: "hello", MaxPoints: h.maxPoints, Encoding: "seq:u32,count:u32,ts:f64,xyz:f32le"}
	if h.session != nil {
		hello.Session = h.session()
	}
	data, _ := json.Marshal(hello)
	if !h.write(s, websocket.TextMessage, data) {
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.writeTimeout))
			return
		case msg := <-s.pending:
			if !h.write(s, websocket.BinaryMessage, msg) {
				return
			}
			h.sent.Add(1)
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				h.dropped.Add(1)
				return
			}
		}
	}
}

func (h *Hub) write(s *subscriber, kind int, data []byte) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	if err := s.conn.WriteMessage(kind, data); err != nil {
		logf("websocket write error: %v", err)
		h.dropped.Add(1)
		return false
	}
	return true
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Stats returns a snapshot of the hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Clients: h.Clients(),
		Frames:  h.frames.Load(),
		Sent:    h.sent.Load(),
		Skipped: h.skipped.Load(),
		Dropped: h.dropped.Load(),
	}
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.clients {
		s.close()
	}
}
