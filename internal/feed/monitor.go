// Package feed consumes the live push feed of newly minted tokens.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/pomp/internal/model"
	"github.com/nexus-trading/pomp/internal/observability"
)

// ---------------------------------------------------------------------------
// Token feed monitor: pushes new-token notifications from pumpportal
// Reconnects on a fixed delay; disconnection is invisible to consumers.
// ---------------------------------------------------------------------------

// Config configures the feed monitor.
type Config struct {
	Endpoint         string `yaml:"endpoint"`
	SubscribeMethod  string `yaml:"subscribe_method"`
	ReconnectDelayMs int    `yaml:"reconnect_delay_ms"`
	PingIntervalS    int    `yaml:"ping_interval_s"`
	ReadTimeoutS     int    `yaml:"read_timeout_s"`
	Buffer           int    `yaml:"buffer"`
}

// DefaultConfig returns defaults for the public pumpportal feed.
func DefaultConfig() Config {
	return Config{
		Endpoint:         "wss://pumpportal.fun/api/data",
		SubscribeMethod:  "subscribeNewToken",
		ReconnectDelayMs: 5000,
		PingIntervalS:    30,
		ReadTimeoutS:     60,
		Buffer:           256,
	}
}

// Monitor streams TokenEvents from the feed.
type Monitor struct {
	config  Config
	metrics *observability.Metrics

	mu   sync.RWMutex
	conn *websocket.Conn

	events chan model.TokenEvent
	closed atomic.Bool

	// Stats.
	messagesRecv atomic.Int64
	tokensSeen   atomic.Int64
	malformed    atomic.Int64
	dropped      atomic.Int64
	reconnects   atomic.Int64
	connected    atomic.Bool
}

// tokenMessage is the subset of the feed payload the pipeline reads.
type tokenMessage struct {
	Mint      string `json:"mint"`
	Name      string `json:"name"`
	Symbol    string `json:"symbol"`
	URI       string `json:"uri"`
	Twitter   string `json:"twitter"`
	Telegram  string `json:"telegram"`
	Website   string `json:"website"`
	Signature string `json:"signature"`
}

// NewMonitor creates a feed monitor. metrics may be nil.
func NewMonitor(config Config, metrics *observability.Metrics) *Monitor {
	if config.Buffer <= 0 {
		config.Buffer = 256
	}
	if config.SubscribeMethod == "" {
		config.SubscribeMethod = "subscribeNewToken"
	}
	return &Monitor{
		config:  config,
		metrics: observability.OrDiscard(metrics),
		events:  make(chan model.TokenEvent, config.Buffer),
	}
}

// Start connects in the background and returns the event channel. The
// channel is closed once ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) <-chan model.TokenEvent {
	go m.runLoop(ctx)
	return m.events
}

func (m *Monitor) runLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("feed: runLoop panic recovered")
		}
		m.disconnect()
		m.mu.Lock()
		if m.closed.CompareAndSwap(false, true) {
			close(m.events)
		}
		m.mu.Unlock()
	}()

	delay := time.Duration(m.config.ReconnectDelayMs) * time.Millisecond
	if delay <= 0 {
		delay = 5 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := m.connect(ctx); err != nil {
			log.Warn().Err(err).Dur("retry_in", delay).Msg("feed: connection failed")
		} else if err := m.subscribe(); err != nil {
			log.Warn().Err(err).Msg("feed: subscribe failed")
			m.disconnect()
		} else {
			m.readLoop(ctx)
			m.disconnect()
		}

		if ctx.Err() != nil {
			return
		}
		m.reconnects.Add(1)
		m.metrics.FeedReconnects.Inc()

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, m.config.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("feed: dial: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	m.connected.Store(true)

	log.Info().Str("endpoint", m.config.Endpoint).Msg("feed: connected")
	return nil
}

func (m *Monitor) disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.connected.Store(false)
}

func (m *Monitor) subscribe() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return fmt.Errorf("feed: not connected")
	}
	if err := m.conn.WriteJSON(map[string]string{"method": m.config.SubscribeMethod}); err != nil {
		return fmt.Errorf("feed: write subscribe: %w", err)
	}
	log.Info().Str("method", m.config.SubscribeMethod).Msg("feed: subscribed")
	return nil
}

func (m *Monitor) readLoop(ctx context.Context) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return
	}

	// Closing the connection unblocks ReadMessage on cancellation.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	readTimeout := time.Duration(m.config.ReadTimeoutS) * time.Second
	if readTimeout <= 0 {
		readTimeout = 60 * time.Second
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	pingInterval := time.Duration(m.config.PingIntervalS) * time.Second
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	done := make(chan struct{})
	defer close(done)
	go m.pingLoop(conn, pingInterval, done)

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case websocket.IsCloseError(err, websocket.CloseNormalClosure):
				log.Info().Msg("feed: connection closed normally")
			default:
				log.Warn().Err(err).Msg("feed: read error, reconnecting")
			}
			m.connected.Store(false)
			return
		}

		m.messagesRecv.Add(1)
		m.handleMessage(message)
	}
}

func (m *Monitor) pingLoop(conn *websocket.Conn, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			m.mu.Unlock()
			if err != nil {
				log.Debug().Err(err).Msg("feed: ping failed")
				return
			}
		}
	}
}

func (m *Monitor) handleMessage(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("feed: handleMessage panic recovered")
		}
	}()

	ev, ok, err := parseMessage(data)
	if err != nil {
		m.malformed.Add(1)
		m.metrics.FeedEventsDropped.Inc()
		log.Warn().Err(err).Int("bytes", len(data)).Msg("feed: malformed payload dropped")
		return
	}
	if !ok {
		// Subscription acks and other control frames carry no mint.
		log.Debug().RawJSON("payload", data).Msg("feed: non-token message")
		return
	}

	m.tokensSeen.Add(1)
	m.metrics.FeedEventsReceived.Inc()

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed.Load() {
		return
	}
	select {
	case m.events <- ev:
		log.Debug().Str("mint", ev.Mint).Str("symbol", ev.Symbol).Msg("feed: new token")
	default:
		m.dropped.Add(1)
		m.metrics.FeedEventsDropped.Inc()
		log.Warn().Str("mint", ev.Mint).Msg("feed: event channel full, dropping token")
	}
}

// parseMessage decodes one feed frame. ok is false for well-formed frames
// that are not token notifications.
func parseMessage(data []byte) (model.TokenEvent, bool, error) {
	var msg tokenMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return model.TokenEvent{}, false, fmt.Errorf("feed: decode: %w", err)
	}
	if msg.Mint == "" {
		return model.TokenEvent{}, false, nil
	}
	return model.TokenEvent{
		Mint:       msg.Mint,
		Name:       msg.Name,
		Symbol:     msg.Symbol,
		URI:        msg.URI,
		Twitter:    msg.Twitter,
		Telegram:   msg.Telegram,
		Website:    msg.Website,
		Signature:  msg.Signature,
		ReceivedAt: time.Now(),
	}, true, nil
}

// Connected reports whether the feed socket is currently up.
func (m *Monitor) Connected() bool {
	return m.connected.Load()
}

// Stats returns monitor statistics.
type Stats struct {
	Connected    bool  `json:"connected"`
	MessagesRecv int64 `json:"messages_recv"`
	TokensSeen   int64 `json:"tokens_seen"`
	Malformed    int64 `json:"malformed"`
	Dropped      int64 `json:"dropped"`
	Reconnects   int64 `json:"reconnects"`
}

func (m *Monitor) Stats() Stats {
	return Stats{
		Connected:    m.connected.Load(),
		MessagesRecv: m.messagesRecv.Load(),
		TokensSeen:   m.tokensSeen.Load(),
		Malformed:    m.malformed.Load(),
		Dropped:      m.dropped.Load(),
		Reconnects:   m.reconnects.Load(),
	}
}
