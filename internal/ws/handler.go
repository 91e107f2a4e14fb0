// Package ws streams device records over WebSocket as JSON text frames.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nullptr-z/Q-bot/internal/events"
	"github.com/nullptr-z/Q-bot/internal/fanout"
	"github.com/nullptr-z/Q-bot/internal/metrics"
)

const (
	writeWait           = 10 * time.Second
	defaultPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandlerConfig holds the stream source and connection limits.
type HandlerConfig struct {
	Source        fanout.Source
	Filter        fanout.Filter
	MaxConcurrent int
	PingInterval  time.Duration
}

// Handler manages WebSocket event streams with admission control.
type Handler struct {
	cfg HandlerConfig
	sem chan struct{}
}

// NewHandler creates a WebSocket stream handler.
func NewHandler(cfg HandlerConfig) *Handler {
	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 1000
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	return &Handler{
		cfg: cfg,
		sem: make(chan struct{}, maxConc),
	}
}

// ServeHTTP upgrades the connection and streams the device's records.
// Returns 503 if at max concurrent stream capacity.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	device, sub, err := h.cfg.Source.Open(r, "ws")
	if err != nil {
		fanout.RejectNoDevice(w)
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	metrics.StreamsActive.WithLabelValues("ws").Inc()
	defer metrics.StreamsActive.WithLabelValues("ws").Dec()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("stream connected", "stream", "ws", "device", device)
	go readPump(conn, cancel)

	send := newRecordSender(conn)
	records := h.cfg.Source.Stream(ctx, sub, h.cfg.Filter)
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("stream closed", "stream", "ws", "device", device)
			return
		case rec, ok := <-records:
			if !ok {
				send.close()
				slog.Info("stream ended", "stream", "ws", "device", device)
				return
			}
			if err := send.record(rec); err != nil {
				slog.Info("write record", "device", device, "error", err)
				return
			}
		case <-ticker.C:
			if err := send.ping(); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames so control messages are handled, and
// cancels the stream when the peer goes away.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

type recordSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newRecordSender(conn *websocket.Conn) *recordSender {
	return &recordSender{conn: conn}
}

func (s *recordSender) record(rec events.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(rec)
}

func (s *recordSender) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *recordSender) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
