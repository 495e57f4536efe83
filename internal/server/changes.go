package server

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/hub/internal/api"
	"github.com/MarcoPoloResearchLab/hub/internal/dispatch"
	"github.com/MarcoPoloResearchLab/hub/internal/realtime"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const changesWriteTimeout = 10 * time.Second

// handleChanges streams realtime.Message values for one document over a websocket.
// Access follows hubstore.info so collaborators can listen to the owner's document.
func (h *httpHandler) handleChanges(c *gin.Context) {
	documentID := c.Param("document")
	if _, ok := h.run(c, api.ModelHubstore, "info", dispatch.Args{Document: documentID}); !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("document_id", documentID), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	stream, unsubscribe := h.realtime.Subscribe(ctx, documentID)
	defer unsubscribe()

	// The read loop only detects the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case message, open := <-stream:
			if !open {
				return
			}
			if err := h.writeChange(conn, message); err != nil {
				h.logger.Debug("websocket write failed", zap.String("document_id", documentID), zap.Error(err))
				return
			}
			if message.EventType == realtime.EventDocumentDeleted {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "document deleted"),
					time.Now().Add(changesWriteTimeout))
				return
			}
		case tick := <-ticker.C:
			heartbeat := realtime.Message{Document: documentID, EventType: realtime.EventHeartbeat, Timestamp: tick.UTC()}
			if err := h.writeChange(conn, heartbeat); err != nil {
				return
			}
		}
	}
}

func (h *httpHandler) writeChange(conn *websocket.Conn, message realtime.Message) error {
	if err := conn.SetWriteDeadline(time.Now().Add(changesWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(message)
}
