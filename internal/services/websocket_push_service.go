package services

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"genmedia-backend/internal/events"
	"genmedia-backend/internal/metrics"

	"github.com/gorilla/websocket"
)

// Connection is one WebSocket client following task events
type Connection struct {
	ID      string
	OwnerID string
	Conn    *websocket.Conn
	Send    chan []byte
}

// WebSocketPushService routes task events from the hub to WebSocket clients.
// Each client only sees events for its own tasks.
type WebSocketPushService struct {
	connections map[string]*Connection   // key: connection ID
	ownerConns  map[string][]*Connection // key: owner ID
	register    chan *Connection
	unregister  chan *Connection
	mutex       sync.RWMutex

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewWebSocketPushService creates the push service and attaches it to hub
func NewWebSocketPushService(hub *events.Hub) *WebSocketPushService {
	service := &WebSocketPushService{
		connections: make(map[string]*Connection),
		ownerConns:  make(map[string][]*Connection),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		stopChan:    make(chan struct{}),
	}

	eventCh, unsubscribe := hub.Subscribe(256)
	go service.run(eventCh, unsubscribe)
	return service
}

// Stop shuts down the routing loop
func (s *WebSocketPushService) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

func (s *WebSocketPushService) run(eventCh <-chan events.TaskEvent, unsubscribe func()) {
	defer unsubscribe()

	for {
		select {
		case <-s.stopChan:
			return

		case conn := <-s.register:
			s.handleRegister(conn)

		case conn := <-s.unregister:
			s.handleUnregister(conn)

		case event, ok := <-eventCh:
			if !ok {
				return
			}
			s.handleEvent(event)
		}
	}
}

// RegisterConnection registers a connection with the push service
func (s *WebSocketPushService) RegisterConnection(conn *Connection) {
	select {
	case s.register <- conn:
	case <-s.stopChan:
	}
}

// UnregisterConnection unregisters a connection from the push service
func (s *WebSocketPushService) UnregisterConnection(conn *Connection) {
	select {
	case s.unregister <- conn:
	case <-s.stopChan:
	}
}

func (s *WebSocketPushService) handleRegister(conn *Connection) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.connections[conn.ID] = conn
	s.ownerConns[conn.OwnerID] = append(s.ownerConns[conn.OwnerID], conn)
	metrics.WebSocketConnections.Set(float64(len(s.connections)))

	log.Printf("✅ [WebSocketPush] Connection registered: id=%s owner=%s (total: %d)",
		conn.ID, conn.OwnerID, len(s.connections))
}

func (s *WebSocketPushService) handleUnregister(conn *Connection) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.connections[conn.ID]; !ok {
		return
	}
	delete(s.connections, conn.ID)
	close(conn.Send)

	conns := s.ownerConns[conn.OwnerID]
	for i, c := range conns {
		if c.ID == conn.ID {
			s.ownerConns[conn.OwnerID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(s.ownerConns[conn.OwnerID]) == 0 {
		delete(s.ownerConns, conn.OwnerID)
	}
	metrics.WebSocketConnections.Set(float64(len(s.connections)))

	log.Printf("👋 [WebSocketPush] Connection unregistered: id=%s owner=%s (total: %d)",
		conn.ID, conn.OwnerID, len(s.connections))
}

// handleEvent delivers a task event to the owning user's connections
func (s *WebSocketPushService) handleEvent(event events.TaskEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mutex.RLock()
	conns := append([]*Connection(nil), s.ownerConns[event.OwnerID]...)
	s.mutex.RUnlock()

	for _, conn := range conns {
		select {
		case conn.Send <- data:
		default:
			// Slow client; drop the event rather than block event routing.
		}
	}
}

// WritePump drains the connection's send channel onto the socket. Runs in
// the connection's own goroutine; pings keep idle connections alive.
func (s *WebSocketPushService) WritePump(conn *Connection) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		conn.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				conn.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			conn.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump consumes client frames until the connection closes, then
// unregisters it. Clients only send pongs and close frames.
func (s *WebSocketPushService) ReadPump(conn *Connection) {
	defer func() {
		s.UnregisterConnection(conn)
		conn.Conn.Close()
	}()

	conn.Conn.SetReadLimit(1024)
	conn.Conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	conn.Conn.SetPongHandler(func(string) error {
		conn.Conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})

	for {
		if _, _, err := conn.Conn.ReadMessage(); err != nil {
			return
		}
	}
}
