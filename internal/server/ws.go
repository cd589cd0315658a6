package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 25 * time.Second
)

// Origin enforcement is delegated to the bearer token; the handler is not
// cookie-authenticated so cross-origin upgrades carry no ambient authority.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type wsEnvelope struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// handleWebsocket serves the room event feed over a websocket for clients
// that need a bidirectional transport. Inbound frames are only consumed to
// detect disconnects; edits and presence go through the HTTP endpoints.
func (h *httpHandler) handleWebsocket(c *gin.Context) {
	roomID, ok := h.roomIDFromPath(c)
	if !ok {
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err), zap.String("room", string(roomID)))
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	events, cancel := h.store.Dispatcher().Subscribe(c.Request.Context(), roomID)
	defer cancel()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-readerDone:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event, open := <-events:
			if !open {
				return
			}
			name, payload := encodeRealtimeEvent(roomID, event)
			if name == "" {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(wsEnvelope{Event: name, Payload: payload}); err != nil {
				h.logStreamError("websocket", roomID, err)
				return
			}
		}
	}
}
