package game

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	clientSendSize = 64
)

// Conn is the write side of a websocket connection.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Client struct {
	id     string
	conn   Conn
	send   chan []byte
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

func (c *Client) ID() string {
	return c.id
}

// enqueue hands data to the writer without blocking. Full or closed clients
// drop the message.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		log.WithField("conn_id", c.id).Warn("Client send buffer full, dropping message")
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) writePump() {
	defer close(c.done)
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.WithError(err).WithField("conn_id", c.id).Debug("Write failed")
		}
	}
	c.conn.Close()
}

// Hub fans events out to every connection and delivers targeted events to the
// connections bound to a user through Sessions.
type Hub struct {
	clients   map[string]*Client
	sessions  *Sessions
	broadcast chan interface{}
	stop      chan struct{}
	stopOnce  sync.Once
	mu        sync.RWMutex
}

func NewHub(sessions *Sessions) *Hub {
	return &Hub{
		clients:   make(map[string]*Client),
		sessions:  sessions,
		broadcast: make(chan interface{}, 256),
		stop:      make(chan struct{}),
	}
}

func (h *Hub) Sessions() *Sessions {
	return h.sessions
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			return
		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				log.WithError(err).Error("Broadcast marshal failed")
				continue
			}

			h.mu.RLock()
			for _, client := range h.clients {
				client.enqueue(data)
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Broadcast queues message for every open connection. It never blocks.
func (h *Hub) Broadcast(message interface{}) {
	select {
	case h.broadcast <- message:
	default:
		log.Warn("Broadcast channel full, dropping message")
	}
}

// SendToUser delivers message to every connection bound to userID.
func (h *Hub) SendToUser(userID string, message interface{}) {
	conns := h.sessions.Connections(userID)
	if len(conns) == 0 {
		return
	}
	data, err := json.Marshal(message)
	if err != nil {
		log.WithError(err).Error("Targeted marshal failed")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range conns {
		if client, ok := h.clients[id]; ok {
			client.enqueue(data)
		}
	}
}

// Send delivers message to a single connection.
func (h *Hub) Send(connID string, message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		log.WithError(err).Error("Send marshal failed")
		return
	}

	h.mu.RLock()
	client, ok := h.clients[connID]
	h.mu.RUnlock()
	if ok {
		client.enqueue(data)
	}
}

func (h *Hub) RegisterClient(conn Conn) *Client {
	client := &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, clientSendSize),
		done: make(chan struct{}),
	}
	go client.writePump()

	h.mu.Lock()
	h.clients[client.id] = client
	total := len(h.clients)
	h.mu.Unlock()

	log.WithFields(log.Fields{"conn_id": client.id, "total": total}).Info("Client connected")
	return client
}

// Authenticate binds a connection to a user. It reports whether the user just
// came online.
func (h *Hub) Authenticate(connID, userID string) bool {
	return h.sessions.Bind(connID, userID)
}

// UnregisterClient drops the connection and its session binding. The returned
// values report the user that was bound and whether that user went offline.
func (h *Hub) UnregisterClient(connID string) (string, bool) {
	h.mu.Lock()
	client, ok := h.clients[connID]
	delete(h.clients, connID)
	total := len(h.clients)
	h.mu.Unlock()

	userID, offline := h.sessions.Unbind(connID)
	if ok {
		client.close()
		// the transport recycles the connection once its handler returns
		select {
		case <-client.done:
		case <-time.After(writeWait):
		}
		log.WithFields(log.Fields{"conn_id": connID, "user_id": userID, "total": total}).Info("Client disconnected")
	}
	return userID, offline
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Online() []string {
	return h.sessions.Online()
}
