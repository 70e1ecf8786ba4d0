package wire

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tjfontaine/assistd/internal/domain"
)

const wsWriteTimeout = 10 * time.Second

// NewUpgrader returns a WebSocket upgrader. With no allowed origins every
// origin is accepted, which suits a server bound to loopback.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	u := &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if len(allowedOrigins) == 0 {
		u.CheckOrigin = func(r *http.Request) bool { return true }
		return u
	}

	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	u.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed["*"] || allowed[origin]
	}
	return u
}

// WebSocketEmitter sends each event as one text message.
type WebSocketEmitter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketEmitter wraps an upgraded connection.
func NewWebSocketEmitter(conn *websocket.Conn) *WebSocketEmitter {
	return &WebSocketEmitter{conn: conn}
}

// Emit writes one message. gorilla/websocket sends each message in a single
// write, so no explicit flush is needed.
func (e *WebSocketEmitter) Emit(ev domain.StreamEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return e.conn.WriteMessage(websocket.TextMessage, Encode(ev))
}

// Close sends a normal closure frame and closes the connection.
func (e *WebSocketEmitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = e.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return e.conn.Close()
}
