package snapshotstream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sandeepkv93/parallel-galaxy-simulation/barneshutsim"
)

// Hub fans simulation snapshots out to WebSocket viewers. It implements
// barneshutsim.SnapshotWriter, so it can be handed to a running
// simulation directly. Broadcasting never blocks: a client whose send
// queue is full simply misses that frame.

// StreamFrame is the JSON message sent to connected clients.
type StreamFrame struct {
	Iteration  int          `json:"iteration"`
	Time       float64      `json:"time"`
	Masses     []float64    `json:"masses"`
	Positions  [][3]float64 `json:"positions"`
	Velocities [][3]float64 `json:"velocities"`
}

// HubConfig contains configuration for the snapshot hub.
type HubConfig struct {
	SendQueueSize int           // frames buffered per client, default 8
	PingInterval  time.Duration // default 30s
}

type client struct {
	conn      *websocket.Conn
	sendQueue chan []byte
	done      chan struct{}
}

// Hub is an http.Handler upgrading requests to WebSocket connections.
type Hub struct {
	config   HubConfig
	upgrader websocket.Upgrader

	mutex   sync.RWMutex
	clients map[*client]struct{}
	closed  bool

	framesSent    int64
	framesDropped int64
}

func NewHub(config HubConfig) *Hub {
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = 8
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	return &Hub{
		config:  config,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // viewers connect from arbitrary local tooling
			},
		},
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mutex.RLock()
	closed := h.closed
	h.mutex.RUnlock()
	if closed {
		http.Error(w, "stream closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error response.
		return
	}

	c := &client{
		conn:      conn,
		sendQueue: make(chan []byte, h.config.SendQueueSize),
		done:      make(chan struct{}),
	}

	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mutex.Unlock()

	go h.sender(c)

	// Viewers only listen; the read loop exists to notice disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.removeClient(c)
}

func (h *Hub) sender(c *client) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.sendQueue:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *Hub) removeClient(c *client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.done)
	c.conn.Close()
}

// WriteSnapshot broadcasts a snapshot to every connected client. It
// returns promptly regardless of client speed.
func (h *Hub) WriteSnapshot(snap barneshutsim.Snapshot) error {
	frame := StreamFrame{
		Iteration:  snap.Iteration,
		Time:       snap.Time,
		Masses:     snap.Masses,
		Positions:  packVectors(snap.Positions),
		Velocities: packVectors(snap.Velocities),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("snapshotstream: encoding frame: %w", err)
	}

	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if h.closed {
		return fmt.Errorf("snapshotstream: hub is closed")
	}

	for c := range h.clients {
		select {
		case c.sendQueue <- data:
			atomic.AddInt64(&h.framesSent, 1)
		default:
			// Queue full: the client is too slow, skip this frame.
			atomic.AddInt64(&h.framesDropped, 1)
		}
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// FramesSent returns the number of frames queued for delivery.
func (h *Hub) FramesSent() int64 {
	return atomic.LoadInt64(&h.framesSent)
}

// FramesDropped returns the number of frames skipped for slow clients.
func (h *Hub) FramesDropped() int64 {
	return atomic.LoadInt64(&h.framesDropped)
}

// Close disconnects all clients and rejects further connections.
func (h *Hub) Close() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.done)
		c.conn.Close()
	}
	return nil
}

func packVectors(vectors []barneshutsim.Vector3D) [][3]float64 {
	packed := make([][3]float64, len(vectors))
	for i, v := range vectors {
		packed[i] = [3]float64{v.X, v.Y, v.Z}
	}
	return packed
}
