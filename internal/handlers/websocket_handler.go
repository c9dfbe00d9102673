package handlers

import (
	"net/http"

	"genmedia-backend/internal/middleware"
	"genmedia-backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Origin filtering happens in the CORS layer; the socket itself is
		// scoped by the authenticated owner.
		return true
	},
}

// WebSocketHandler upgrades clients onto the task event stream
type WebSocketHandler struct {
	push   *services.WebSocketPushService
	logger *logrus.Logger
}

// NewWebSocketHandler creates the WebSocket handler
func NewWebSocketHandler(push *services.WebSocketPushService, logger *logrus.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		push:   push,
		logger: logger,
	}
}

// StreamHandler upgrades the connection and streams the owner's task events
// GET /ws/tasks
func (h *WebSocketHandler) StreamHandler(c *gin.Context) {
	ownerID := middleware.OwnerID(c)

	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithField("error", err.Error()).Warn("WebSocket upgrade failed")
		return
	}

	conn := &services.Connection{
		ID:      uuid.New().String(),
		OwnerID: ownerID,
		Conn:    wsConn,
		Send:    make(chan []byte, 64),
	}

	h.push.RegisterConnection(conn)
	go h.push.WritePump(conn)
	go h.push.ReadPump(conn)
}
