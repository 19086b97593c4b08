package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haven-app/usage_layer/internal/app/domain/aggregate"
	"github.com/haven-app/usage_layer/internal/app/system"
	"github.com/haven-app/usage_layer/pkg/logger"
)

var _ system.Service = (*Hub)(nil)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 16
)

// Event is one message pushed to subscribers.
type Event struct {
	Type   string          `json:"type"`
	UserID string          `json:"user_id"`
	Day    aggregate.Daily `json:"day"`
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	userID string
}

// Hub fans day-update events out to websocket subscribers. It satisfies the
// aggregates notifier hook, so every successful fold reaches listeners.
type Hub struct {
	log      *logger.Logger
	upgrader websocket.Upgrader

	register   chan *client
	unregister chan *client
	events     chan Event

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	stopped chan struct{}
}

// NewHub creates a stopped hub.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.NewDefault("stream")
	}
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		register:   make(chan *client),
		unregister: make(chan *client),
		events:     make(chan Event, 64),
	}
}

func (h *Hub) Name() string { return "stream-hub" }

func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.running = true
	stopped := make(chan struct{})
	h.stopped = stopped
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer close(stopped)
		h.run(runCtx)
	}()

	h.log.Info("stream hub started")
	return nil
}

func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	cancel := h.cancel
	h.running = false
	h.cancel = nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	h.log.Info("stream hub stopped")
	return nil
}

// DayUpdated queues a fold event for broadcast. Slow consumers never block
// the fold path: a full queue drops the event.
func (h *Hub) DayUpdated(rec aggregate.Daily) {
	select {
	case h.events <- Event{Type: "day_updated", UserID: rec.UserID, Day: rec}:
	default:
		h.log.Warn("stream event queue full, event dropped")
	}
}

func (h *Hub) run(ctx context.Context) {
	clients := map[*client]bool{}
	defer func() {
		for c := range clients {
			close(c.send)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			clients[c] = true
		case c := <-h.unregister:
			if clients[c] {
				delete(clients, c)
				close(c.send)
			}
		case event := <-h.events:
			payload, err := json.Marshal(event)
			if err != nil {
				h.log.WithError(err).Error("stream event marshal failed")
				continue
			}
			for c := range clients {
				if c.userID != "" && c.userID != event.UserID {
					continue
				}
				select {
				case c.send <- payload:
				default:
					delete(clients, c)
					close(c.send)
				}
			}
		}
	}
}

// HandleWS upgrades the request and subscribes it to fold events. An
// optional user_id query parameter narrows the stream to one user.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	running := h.running
	stopped := h.stopped
	h.mu.Unlock()
	if !running {
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		userID: r.URL.Query().Get("user_id"),
	}
	select {
	case h.register <- c:
	case <-stopped:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c, stopped)
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection so close frames are processed.
func (h *Hub) readPump(c *client, stopped chan struct{}) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-stopped:
		}
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
