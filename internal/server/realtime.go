package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/parchmentlabs/roomkit/internal/block"
	"github.com/parchmentlabs/roomkit/internal/presence"
	"github.com/parchmentlabs/roomkit/internal/store"
)

const (
	RealtimeEventDocumentChanged = "document-change"
	RealtimeEventPresenceChanged = "presence"
	realtimeEventHeartbeat       = "heartbeat"

	realtimeHeartbeatInterval = 15 * time.Second
)

type documentEventPayload struct {
	RoomID      string          `json:"roomId"`
	Blocks      block.Document  `json:"blocks"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	WriterID    string          `json:"writerId"`
	WrittenAtMS int64           `json:"writtenAtMs"`
}

type presenceEventPayload struct {
	RoomID        string            `json:"roomId"`
	Collaborators []presence.Record `json:"collaborators"`
}

// encodeRealtimeEvent maps a store event onto its wire name and payload.
// Unknown event types yield an empty name and are skipped by transports.
func encodeRealtimeEvent(roomID block.RoomID, event store.Event) (string, interface{}) {
	switch event.Type {
	case store.EventDocumentChanged:
		return RealtimeEventDocumentChanged, documentEventPayload{
			RoomID:      string(roomID),
			Blocks:      event.Snapshot.Document,
			Metadata:    event.Snapshot.Metadata,
			WriterID:    string(event.Snapshot.WriterID),
			WrittenAtMS: event.Snapshot.WrittenAt.UnixMilli(),
		}
	case store.EventPresenceChanged:
		return RealtimeEventPresenceChanged, presenceEventPayload{
			RoomID:        string(roomID),
			Collaborators: event.Presence,
		}
	default:
		return "", nil
	}
}

// handleStream serves the room event feed as server-sent events. The
// connection stays open until the client disconnects; heartbeats keep
// intermediaries from timing the stream out.
func (h *httpHandler) handleStream(c *gin.Context) {
	roomID, ok := h.roomIDFromPath(c)
	if !ok {
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming_unsupported"})
		return
	}

	events, cancel := h.store.Dispatcher().Subscribe(c.Request.Context(), roomID)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(realtimeHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"ts": time.Now().UTC().UnixMilli()})
			flusher.Flush()
		case event, open := <-events:
			if !open {
				return
			}
			name, payload := encodeRealtimeEvent(roomID, event)
			if name == "" {
				continue
			}
			c.SSEvent(name, payload)
			flusher.Flush()
		}
	}
}

func (h *httpHandler) logStreamError(transport string, roomID block.RoomID, err error) {
	h.logger.Warn("realtime stream closed with error",
		zap.String("transport", transport),
		zap.String("room", string(roomID)),
		zap.Error(err),
	)
}
