package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"vibecarding/internal/models"
	"vibecarding/internal/telemetry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sendBuffer bounds the per-connection outbox. A client that cannot keep
	// up is dropped instead of stalling fan-out for everyone else.
	sendBuffer = 32
)

// Hub fans job_update events out to WebSocket clients by job ID
// subscription. Subscribing twice to the same job is a no-op.
type Hub struct {
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	subs    map[string]map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	subs map[string]struct{}
}

// NewHub constructs an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The wizard runs on a different origin in dev; job IDs are
			// unguessable UUIDs, so the channel carries no ambient authority.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[*client]struct{}),
		subs:    make(map[string]map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and runs the connection until it drops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		subs: make(map[string]struct{}),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	telemetry.SocketClients.Inc()

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer h.drop(c)

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame ClientFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case FrameSubscribeJob:
			if frame.JobID != "" {
				h.subscribe(c, frame.JobID)
			}
		case FrameUnsubscribeJob:
			if frame.JobID != "" {
				h.unsubscribe(c, frame.JobID)
			}
		case FrameUnsubscribeAll:
			h.unsubscribeAll(c)
		default:
			h.logger.Debug().Str("type", frame.Type).Msg("ignoring unknown frame")
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) subscribe(c *client, jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := c.subs[jobID]; ok {
		return
	}
	c.subs[jobID] = struct{}{}
	set, ok := h.subs[jobID]
	if !ok {
		set = make(map[*client]struct{})
		h.subs[jobID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unsubscribe(c *client, jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(c, jobID)
}

func (h *Hub) unsubscribeLocked(c *client, jobID string) {
	delete(c.subs, jobID)
	if set, ok := h.subs[jobID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, jobID)
		}
	}
}

func (h *Hub) unsubscribeAll(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for jobID := range c.subs {
		h.unsubscribeLocked(c, jobID)
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	for jobID := range c.subs {
		h.unsubscribeLocked(c, jobID)
	}
	delete(h.clients, c)
	close(c.send)
	h.mu.Unlock()

	telemetry.SocketClients.Dec()
	_ = c.conn.Close()
}

// Broadcast delivers an update to every client subscribed to its job ID.
// Clients with a full outbox are dropped.
func (h *Hub) Broadcast(u models.JobUpdate) {
	raw, err := json.Marshal(NewUpdateFrame(u))
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", u.JobID).Msg("marshal job update")
		return
	}

	h.mu.Lock()
	var slow []*client
	for c := range h.subs[u.JobID] {
		select {
		case c.send <- raw:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.logger.Warn().Str("job_id", u.JobID).Msg("dropping slow websocket client")
		h.drop(c)
	}
}
