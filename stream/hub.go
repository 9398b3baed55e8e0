// Package stream fans committed vault events out to websocket subscribers.
package stream

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/OldEphraim/strategy-vault/vault"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Filter limits a subscription to one strategy and/or one account. Zero
// addresses match everything.
type Filter struct {
	Strategy vault.Address
	Account  vault.Address
}

func (f Filter) match(e vault.Event) bool {
	if f.Strategy != (vault.Address{}) && e.Strategy != f.Strategy {
		return false
	}
	return f.Account == (vault.Address{}) || e.Account == f.Account
}

type subscriber struct {
	conn   *websocket.Conn
	send   chan vault.Event
	filter Filter
	once   sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.send) })
}

type Hub struct {
	log      *slog.Logger
	queue    int
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

var _ vault.Publisher = (*Hub)(nil)

func NewHub(logger *slog.Logger, queue int) *Hub {
	if queue <= 0 {
		queue = 256
	}
	return &Hub{
		log:   logger,
		queue: queue,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		subs: make(map[*subscriber]struct{}),
	}
}

// Publish never blocks: a subscriber whose queue is full is disconnected.
func (h *Hub) Publish(_ context.Context, events []vault.Event) error {
	h.mu.RLock()
	var slow []*subscriber
	for s := range h.subs {
		if !s.deliver(events) {
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		h.log.Warn("stream subscriber too slow, dropping", "remote", s.conn.RemoteAddr().String())
		h.remove(s)
	}
	return nil
}

func (s *subscriber) deliver(events []vault.Event) bool {
	for _, ev := range events {
		if !s.filter.match(ev) {
			continue
		}
		select {
		case s.send <- ev:
		default:
			return false
		}
	}
	return true
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// ServeHTTP upgrades the connection. Query parameters strategy and account
// set the subscription filter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var f Filter
	for key, dst := range map[string]*vault.Address{"strategy": &f.Strategy, "account": &f.Account} {
		raw := r.URL.Query().Get(key)
		if raw == "" {
			continue
		}
		if !common.IsHexAddress(raw) {
			http.Error(w, "invalid "+key+" address", http.StatusBadRequest)
			return
		}
		*dst = common.HexToAddress(raw)
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	s := &subscriber{conn: conn, send: make(chan vault.Event, h.queue), filter: f}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	h.log.Info("stream subscriber connected", "remote", conn.RemoteAddr().String(), "strategy", f.Strategy.Hex())

	go h.writeLoop(s)
	h.readLoop(s)
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		s.close()
	}
	h.mu.Unlock()
}

// readLoop only services control frames; clients send nothing we act on.
func (h *Hub) readLoop(s *subscriber) {
	defer h.remove(s)
	s.conn.SetReadLimit(512)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("stream read error", "err", err)
			}
			return
		}
	}
}

func (h *Hub) writeLoop(s *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteJSON(ev); err != nil {
				h.remove(s)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(s)
				return
			}
		}
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		delete(h.subs, s)
		s.close()
	}
}
