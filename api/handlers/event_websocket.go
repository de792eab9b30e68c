package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/yourusername/teledm-go/internal/app"
	"github.com/yourusername/teledm-go/internal/domain"
)

const (
	clientBufferSize = 256
	pingInterval     = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local tool; the API has no auth either
	},
}

// EventWebSocketHandler streams engine events to WebSocket clients
type EventWebSocketHandler struct {
	downloadMgr *app.DownloadManager
	logger      *zap.Logger
}

// NewEventWebSocketHandler creates a new WebSocket handler
func NewEventWebSocketHandler(downloadMgr *app.DownloadManager, log *zap.Logger) *EventWebSocketHandler {
	return &EventWebSocketHandler{
		downloadMgr: downloadMgr,
		logger:      log,
	}
}

// HandleWebSocket handles GET /api/v1/events. Optional ?task=<id> limits the
// stream to one task and ?types=a,b to the named event types. A client that
// cannot keep up loses events rather than stalling the workers.
func (h *EventWebSocketHandler) HandleWebSocket(c *gin.Context) {
	filter := newEventFilter(c.Query("task"), c.Query("types"))

	// subscribe first so nothing published after the handshake is missed
	events := make(chan domain.Event, clientBufferSize)
	unsubscribe := h.downloadMgr.Subscribe(func(e domain.Event) {
		if !filter.match(e) {
			return
		}
		select {
		case events <- e:
		default:
		}
	})
	defer unsubscribe()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket", zap.Error(err))
		return
	}
	defer conn.Close()

	h.logger.Info("WebSocket client connected",
		zap.String("remote_addr", c.Request.RemoteAddr),
		zap.String("task", filter.taskID))

	// Read messages from client (for close and pong frames)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case e := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(e); err != nil {
				h.logger.Debug("Failed to send event", zap.Error(err))
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			h.logger.Info("WebSocket client disconnected", zap.String("remote_addr", c.Request.RemoteAddr))
			return
		}
	}
}

type eventFilter struct {
	taskID string
	types  map[domain.EventType]bool
}

func newEventFilter(taskID, types string) eventFilter {
	f := eventFilter{taskID: taskID}
	if types != "" {
		f.types = make(map[domain.EventType]bool)
		for _, t := range strings.Split(types, ",") {
			f.types[domain.EventType(strings.TrimSpace(t))] = true
		}
	}
	return f
}

// match keeps engine alerts regardless of the task filter
func (f eventFilter) match(e domain.Event) bool {
	if f.types != nil && !f.types[e.Type] {
		return false
	}
	if f.taskID != "" && e.Type != domain.EventEngineAlert && e.TaskID != f.taskID {
		return false
	}
	return true
}
