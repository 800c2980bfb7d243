package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/realtime"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	socketWriteWait    = 10 * time.Second
	socketReadLimit    = 64 << 10
	socketBufferSize   = 4096
	queryTenantID      = "tenantId"
	queryUserID        = "userId"
	closeReasonTimeout = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  socketBufferSize,
	WriteBufferSize: socketBufferSize,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWebSocket authenticates the handshake, upgrades the connection and
// hands it to the hub for the lifetime of the socket.
func (h *httpHandler) handleWebSocket(c *gin.Context) {
	tenantID := strings.TrimSpace(c.Query(queryTenantID))
	userID := strings.TrimSpace(c.Query(queryUserID))
	if tenantID == "" || userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_identity"})
		return
	}

	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("websocket session rejected", zap.String("tenant_id", tenantID), zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if claims.UserID != userID {
		h.logger.Warn("websocket user mismatch",
			zap.String("tenant_id", tenantID),
			zap.String("user_id", userID),
			zap.String("session_user_id", claims.UserID))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(socketReadLimit)

	socket := newGorillaSocket(conn)
	if err := h.hub.Serve(c.Request.Context(), socket, tenantID, userID); err != nil {
		h.logger.Debug("websocket session ended with error", zap.Error(err))
	}
	_ = socket.Close(realtime.CloseGoingAway, "")
}

// gorillaSocket adapts a gorilla connection to realtime.Socket. The registry
// runs a single writer per connection; Close may race with it, which gorilla
// permits for control frames.
type gorillaSocket struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func newGorillaSocket(conn *websocket.Conn) *gorillaSocket {
	return &gorillaSocket{conn: conn}
}

func (s *gorillaSocket) ReadMessage() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}

func (s *gorillaSocket) WriteMessage(payload []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(socketWriteWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *gorillaSocket) Close(code int, reason string) error {
	s.closeOnce.Do(func() {
		frame := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(closeReasonTimeout))
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
