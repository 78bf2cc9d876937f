package notify

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// WebSocket hub: pushes pipeline events to browser subscribers
// ---------------------------------------------------------------------------

// HubConfig tunes per-subscriber buffering and keepalive.
type HubConfig struct {
	SendBuffer   int           `yaml:"send_buffer"`
	WriteTimeout time.Duration `yaml:"-"`
	PingInterval time.Duration `yaml:"-"`
}

// DefaultHubConfig returns sane defaults.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		SendBuffer:   64,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.send)
	})
}

// Hub is a Publisher that broadcasts to websocket subscribers.
type Hub struct {
	config   HubConfig
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[*subscriber]struct{}

	published atomic.Int64
	dropped   atomic.Int64
}

// Compile-time interface check.
var _ Publisher = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(config HubConfig) *Hub {
	if config.SendBuffer <= 0 {
		config.SendBuffer = 64
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	return &Hub{
		config: config,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subs: make(map[*subscriber]struct{}),
	}
}

// Publish marshals the event once and queues it on every subscriber.
// Subscribers whose buffer is full miss the event.
func (h *Hub) Publish(name string, data any) {
	frame, err := json.Marshal(Event{Name: name, Data: data, TS: time.Now().UnixMilli()})
	if err != nil {
		log.Error().Err(err).Str("event", name).Msg("hub: marshal event")
		return
	}
	h.published.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		select {
		case s.send <- frame:
		default:
			h.dropped.Add(1)
			log.Debug().Str("event", name).Msg("hub: subscriber buffer full, dropping")
		}
	}
}

// ServeHTTP upgrades the request and registers the subscriber until it
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("hub: upgrade failed")
		return
	}

	s := &subscriber{conn: conn, send: make(chan []byte, h.config.SendBuffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	log.Info().Str("remote", r.RemoteAddr).Int("subscribers", h.Subscribers()).Msg("hub: subscriber connected")

	go h.writeLoop(s)
	h.readLoop(s)

	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
	s.close()
	log.Info().Str("remote", r.RemoteAddr).Msg("hub: subscriber disconnected")
}

// readLoop discards inbound frames; it exists to notice the close.
func (h *Hub) readLoop(s *subscriber) {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(s *subscriber) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// HubStats returns publish counters.
type HubStats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
}

func (h *Hub) Stats() HubStats {
	return HubStats{
		Subscribers: h.Subscribers(),
		Published:   h.published.Load(),
		Dropped:     h.dropped.Load(),
	}
}
