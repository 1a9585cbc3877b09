// Package stream fans pipeline events out to websocket dashboard clients.
// Events arrive over the redis pub/sub channel the pipeline publishes to, so
// any node instance can serve any dashboard.
package stream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second

	// clients slower than this buffer get dropped
	clientBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Hub subscribes to the event channel and broadcasts every message to all
// connected websocket clients.
type Hub struct {
	log     *zap.SugaredLogger
	red     *redis.Client
	channel string

	mu      sync.Mutex
	clients map[chan []byte]struct{}
}

func NewHub(log *zap.SugaredLogger, red *redis.Client, channel string) *Hub {
	return &Hub{
		log:     log.With("component", "stream"),
		red:     red,
		channel: channel,
		clients: make(map[chan []byte]struct{}),
	}
}

// Run consumes the redis subscription until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	sub := h.red.Subscribe(ctx, h.channel)
	defer sub.Close()

	ch := sub.Channel()
	h.log.Infow("event stream started", "channel", h.channel)
	for {
		select {
		case <-ctx.Done():
			h.log.Info("event stream stopped")
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast([]byte(msg.Payload))
		}
	}
}

func (h *Hub) broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client <- payload:
		default:
			// slow consumer, closing the channel ends its writer
			delete(h.clients, client)
			close(client)
		}
	}
}

func (h *Hub) register() chan []byte {
	client := make(chan []byte, clientBuffer)
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	return client
}

func (h *Hub) unregister(client chan []byte) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client)
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("websocket upgrade failed", "error", err)
		return
	}
	client := h.register()
	h.log.Debugw("dashboard client connected", "remote", r.RemoteAddr, "clients", h.ClientCount())

	// reader only notices disconnects, clients never send anything
	go func() {
		defer h.unregister(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	defer conn.Close()
	for {
		select {
		case payload, ok := <-client:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.unregister(client)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(client)
				return
			}
		}
	}
}
