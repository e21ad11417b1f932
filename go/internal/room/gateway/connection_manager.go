package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/syncroom/go/internal/room"
)

// MessageHandler receives what connections read and when they go away.
type MessageHandler interface {
	HandleMessage(ctx context.Context, c *Connection, message []byte)
	HandleDisconnect(ctx context.Context, c *Connection, roomID string)
}

// ConnectionManager manages WebSocket connections and the room each one is attached to.
// It is the local Notifier of the room engine.
type ConnectionManager struct {
	connections     map[string]*Connection
	roomConnections map[string]map[*Connection]bool
	mu              sync.RWMutex

	// Upgrader for WebSocket connections
	upgrader websocket.Upgrader

	config  ConnectionConfig
	clock   clockwork.Clock
	handler MessageHandler
}

var _ room.Notifier = (*ConnectionManager)(nil)

// Connection represents a WebSocket connection to a client
type Connection struct {
	ID      string
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	ConnectedAt time.Time

	roomID    string // guarded by Manager.mu
	done      chan struct{}
	closeOnce sync.Once

	// pending holds events that did not fit in Send, oldest first, bounded by
	// SendBufferSize. While it is non-empty every new event queues behind it.
	sendMu   sync.Mutex
	pending  [][]byte
	retrying bool
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	// DeliveryRetries is how many times a full send buffer is retried before the
	// connection is dropped.
	DeliveryRetries int
	DeliveryBackoff time.Duration
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
		DeliveryRetries: 3,
		DeliveryBackoff: 50 * time.Millisecond,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// NewConnectionManager creates a new WebSocket connection manager
func NewConnectionManager(config ConnectionConfig, clock clockwork.Clock) *ConnectionManager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = 256
	}
	return &ConnectionManager{
		connections:     make(map[string]*Connection),
		roomConnections: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
		clock:  clock,
	}
}

// SetHandler registers the handler for inbound messages. It must be called before
// connections are accepted.
func (cm *ConnectionManager) SetHandler(h MessageHandler) {
	cm.handler = h
}

// UpgradeConnection upgrades an HTTP connection to WebSocket
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request) (*Connection, error) {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		Conn:        conn,
		Send:        make(chan []byte, cm.config.SendBufferSize),
		Manager:     cm,
		ConnectedAt: cm.clock.Now(),
		done:        make(chan struct{}),
	}

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("remote_addr", r.RemoteAddr).
		Msg("WebSocket connection established")

	return connection, nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.connections[conn.ID] = conn
}

// unregisterConnection removes a connection and reports the room it was attached to.
func (cm *ConnectionManager) unregisterConnection(conn *Connection) (string, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, exists := cm.connections[conn.ID]; !exists {
		return "", false
	}
	delete(cm.connections, conn.ID)
	roomID := conn.roomID
	cm.detachLocked(conn)

	log.Info().
		Str("connection_id", conn.ID).
		Str("room_id", roomID).
		Msg("connection unregistered")
	return roomID, true
}

// Attach binds conn to roomID and returns the room it was previously attached to.
func (cm *ConnectionManager) Attach(conn *Connection, roomID string) string {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	previous := conn.roomID
	if previous == roomID {
		return previous
	}
	cm.detachLocked(conn)
	conn.roomID = roomID
	if cm.roomConnections[roomID] == nil {
		cm.roomConnections[roomID] = make(map[*Connection]bool)
	}
	cm.roomConnections[roomID][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("room_id", roomID).
		Int("room_connections", len(cm.roomConnections[roomID])).
		Msg("connection attached")
	return previous
}

// Detach unbinds conn if it is still attached to roomID.
func (cm *ConnectionManager) Detach(conn *Connection, roomID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if conn.roomID == roomID {
		cm.detachLocked(conn)
	}
}

func (cm *ConnectionManager) detachLocked(conn *Connection) {
	if conn.roomID == "" {
		return
	}
	if connections, exists := cm.roomConnections[conn.roomID]; exists {
		delete(connections, conn)
		if len(connections) == 0 {
			delete(cm.roomConnections, conn.roomID)
		}
	}
	conn.roomID = ""
}

// RoomOf returns the room conn is attached to, if any.
func (cm *ConnectionManager) RoomOf(conn *Connection) string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return conn.roomID
}

// BroadcastToRoom sends an event to every local connection attached to the room.
func (cm *ConnectionManager) BroadcastToRoom(roomID string, event *room.Event) {
	cm.mu.RLock()
	connections, exists := cm.roomConnections[roomID]
	if !exists {
		cm.mu.RUnlock()
		return
	}
	targets := make([]*Connection, 0, len(connections))
	for conn := range connections {
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	eventData, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}
	for _, conn := range targets {
		cm.deliver(conn, eventData)
	}

	log.Debug().
		Str("event_type", string(event.Type)).
		Str("room_id", roomID).
		Int("connections", len(targets)).
		Msg("event broadcasted")
}

// SendToConnection sends an event to one local connection attached to the room.
func (cm *ConnectionManager) SendToConnection(roomID, connectionID string, event *room.Event) {
	cm.mu.RLock()
	conn, exists := cm.connections[connectionID]
	attached := exists && conn.roomID == roomID
	cm.mu.RUnlock()
	if !attached {
		return
	}
	cm.Send(conn, event)
}

// Send delivers an event to conn regardless of room attachment.
func (cm *ConnectionManager) Send(conn *Connection, event *room.Event) {
	eventData, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(event.Type)).Msg("failed to marshal event")
		return
	}
	cm.deliver(conn, eventData)
}

// deliver never blocks the caller. Events that do not fit in the send buffer queue
// behind each other and are retried on one goroutine per connection, so order holds.
func (cm *ConnectionManager) deliver(conn *Connection, data []byte) {
	select {
	case <-conn.done:
		return
	default:
	}

	conn.sendMu.Lock()
	if conn.retrying {
		if len(conn.pending) >= cm.config.SendBufferSize {
			conn.sendMu.Unlock()
			cm.dropSlowConnection(conn, 0)
			return
		}
		conn.pending = append(conn.pending, data)
		conn.sendMu.Unlock()
		return
	}
	select {
	case conn.Send <- data:
		conn.sendMu.Unlock()
		return
	default:
	}
	conn.retrying = true
	conn.pending = append(conn.pending[:0], data)
	conn.sendMu.Unlock()

	go cm.retryDelivery(conn)
}

func (cm *ConnectionManager) retryDelivery(conn *Connection) {
	for attempt := 1; attempt <= cm.config.DeliveryRetries; attempt++ {
		select {
		case <-conn.done:
			return
		case <-cm.clock.After(cm.config.DeliveryBackoff * time.Duration(attempt)):
		}
		flushed, progressed := conn.flushPending()
		if flushed {
			return
		}
		if progressed {
			attempt = 0
		}
	}
	cm.dropSlowConnection(conn, cm.config.DeliveryRetries)
}

// flushPending moves queued events into Send in order until it fills up again.
func (c *Connection) flushPending() (flushed, progressed bool) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	sent := 0
flush:
	for _, data := range c.pending {
		select {
		case c.Send <- data:
			sent++
		default:
			break flush
		}
	}
	c.pending = c.pending[sent:]
	if len(c.pending) == 0 {
		c.pending = nil
		c.retrying = false
		return true, sent > 0
	}
	return false, sent > 0
}

func (cm *ConnectionManager) dropSlowConnection(conn *Connection, attempts int) {
	log.Warn().
		Err(room.ErrDeliveryFailed).
		Str("connection_id", conn.ID).
		Int("attempts", attempts).
		Msg("connection send buffer full, closing connection")
	conn.Close()
}

// ConnectionStats summarizes active connections
type ConnectionStats struct {
	TotalConnections int            `json:"total_connections"`
	ActiveRooms      int            `json:"active_rooms"`
	RoomConnections  map[string]int `json:"room_connections"`
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	counts := make(map[string]int, len(cm.roomConnections))
	for roomID, connections := range cm.roomConnections {
		counts[roomID] = len(connections)
	}
	return ConnectionStats{
		TotalConnections: len(cm.connections),
		ActiveRooms:      len(cm.roomConnections),
		RoomConnections:  counts,
	}
}

// Close terminates the connection. The read pump then runs the disconnect path.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.Conn.Close()
	})
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump handles reading messages from the WebSocket connection
func (c *Connection) readPump() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.Close()
		if roomID, ok := c.Manager.unregisterConnection(c); ok && c.Manager.handler != nil {
			c.Manager.handler.HandleDisconnect(context.Background(), c, roomID)
		}
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		if c.Manager.handler != nil {
			c.Manager.handler.HandleMessage(ctx, c, message)
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}
