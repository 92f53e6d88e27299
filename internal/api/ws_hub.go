package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/backtest-engine/internal/metrics"
	"github.com/atmx/backtest-engine/internal/symbol"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsQueueSize  = 32
)

// Event types pushed to subscribers.
const (
	EventBacktestCompleted = "backtest_completed"
	EventPricesAppended    = "prices_appended"
)

// WSMessage is a JSON event sent to WebSocket subscribers.
type WSMessage struct {
	Type        string `json:"type"`
	RunID       string `json:"runId,omitempty"`
	Asset       string `json:"asset,omitempty"`
	NetPnL      string `json:"netPnl,omitempty"`
	TotalTrades int    `json:"totalTrades,omitempty"`
	Points      int    `json:"points,omitempty"`
	Price       string `json:"price,omitempty"`
}

// subscriber is one WebSocket connection. An empty asset receives every event.
type subscriber struct {
	conn  *websocket.Conn
	asset string
	send  chan []byte
}

func (s *subscriber) wants(asset string) bool {
	return s.asset == "" || s.asset == asset
}

type event struct {
	asset string
	data  []byte
}

// WSHub fans run and feed events out to subscribers. Clients may narrow the
// stream to one asset with ?asset=ETH-USDT on the upgrade request.
type WSHub struct {
	subs   map[*subscriber]struct{}
	events chan event
	join   chan *subscriber
	leave  chan *subscriber
	done   chan struct{}
	mu     sync.RWMutex
}

// NewWSHub creates a hub. Call Run before serving HandleWS.
func NewWSHub() *WSHub {
	return &WSHub{
		subs:   make(map[*subscriber]struct{}),
		events: make(chan event, 256),
		join:   make(chan *subscriber),
		leave:  make(chan *subscriber),
		done:   make(chan struct{}),
	}
}

// Run owns the subscriber set until ctx is done, then disconnects everyone.
func (h *WSHub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		h.mu.Lock()
		for s := range h.subs {
			h.drop(s)
		}
		h.mu.Unlock()
		metrics.WebSocketClients.Set(0)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case s := <-h.join:
			h.mu.Lock()
			h.subs[s] = struct{}{}
			n := len(h.subs)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws subscriber joined", "asset", s.asset, "total", n)

		case s := <-h.leave:
			h.mu.Lock()
			if _, ok := h.subs[s]; ok {
				h.drop(s)
			}
			n := len(h.subs)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case ev := <-h.events:
			h.mu.Lock()
			for s := range h.subs {
				if !s.wants(ev.asset) {
					continue
				}
				select {
				case s.send <- ev.data:
				default:
					// Slow reader; its writer sees the closed queue and hangs up.
					slog.Warn("ws subscriber too slow, disconnecting", "asset", s.asset)
					h.drop(s)
				}
			}
			n := len(h.subs)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// drop removes s. Callers hold h.mu.
func (h *WSHub) drop(s *subscriber) {
	delete(h.subs, s)
	close(s.send)
}

// Clients returns the number of connected subscribers.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast queues msg for every subscriber interested in msg.Asset.
// It never blocks; events are dropped when the queue is full.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.events <- event{asset: msg.Asset, data: data}:
	default:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws[?asset=SYM].
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	var asset string
	if q := r.URL.Query().Get("asset"); q != "" {
		norm, err := symbol.Normalize(q)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		asset = norm
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	s := &subscriber{conn: conn, asset: asset, send: make(chan []byte, wsQueueSize)}
	select {
	case h.join <- s:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(s)
	go h.readPump(s)
}

// readPump discards client frames and notices disconnects.
func (h *WSHub) readPump(s *subscriber) {
	defer func() {
		select {
		case h.leave <- s:
		case <-h.done:
		}
	}()
	s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on s.conn. It exits when the hub closes s.send.
func (h *WSHub) writePump(s *subscriber) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
