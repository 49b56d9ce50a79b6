package progress

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"conservatory.io/cadenza/internal/pkg/logger"
)

const writeTimeout = 10 * time.Second

// StreamHandler upgrades progress requests to WebSocket event streams.
type StreamHandler struct {
	broker   *Broker
	upgrader websocket.Upgrader
}

// NewStreamHandler creates a handler over the broker. Origin checking is
// delegated to the router's CORS layer.
func NewStreamHandler(broker *Broker) *StreamHandler {
	return &StreamHandler{
		broker: broker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handle streams an operation's progress snapshots until the operation
// ends or the client goes away. Lookup errors must be handled by the
// route before the upgrade; after it the connection is the only channel.
func (h *StreamHandler) Handle(c *gin.Context) {
	operationID := c.Param("id")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logger.Debug("WebSocket upgrade failed",
			zap.String("operation_id", operationID),
			zap.Error(err),
		)
		return
	}
	defer conn.Close()

	ch, cancel := h.broker.Subscribe(operationID)
	defer cancel()

	for snapshot := range ch {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(snapshot); err != nil {
			logger.Debug("Progress stream write failed, dropping client",
				zap.String("operation_id", operationID),
				zap.Error(err),
			)
			return
		}
	}

	// Channel closed: the operation reached a terminal snapshot.
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "operation finished"))
}
