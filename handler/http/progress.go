package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"webrag/src/core/progress"
	"webrag/src/infrastructure/log"
)

var errProgressDisabled = errors.New("progress streaming is not enabled")

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// subscribe opens the project's progress stream. With a session_id query
// parameter only that session is forwarded and the stream ends once it
// reaches a terminal state.
func (h *Handler) subscribe(ctx context.Context, c *gin.Context) (<-chan progress.Update, error) {
	updates := h.service.Subscribe(ctx, c.Param("projectId"))
	if updates == nil {
		return nil, errProgressDisabled
	}

	sessionID := c.Query("session_id")
	if sessionID == "" {
		return updates, nil
	}

	out := make(chan progress.Update)
	go func() {
		defer close(out)
		for u := range updates {
			if u.SessionID != sessionID {
				continue
			}
			select {
			case out <- u:
			case <-ctx.Done():
				return
			}
			if u.Status.Terminal() {
				return
			}
		}
	}()
	return out, nil
}

// StreamProgress godoc
// @Summary Stream ingestion progress as server-sent events
// @Tags progress
// @Produce text/event-stream
// @Param projectId path string true "Project ID"
// @Param session_id query string false "Only this session"
// @Router /projects/{projectId}/progress [get]
func (h *Handler) StreamProgress(c *gin.Context) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	updates, err := h.subscribe(ctx, c)
	if err != nil {
		sendError(c, err, nil)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(w io.Writer) bool {
		select {
		case u, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent(string(u.Status), u)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

// ProgressWebSocket godoc
// @Summary Stream ingestion progress over a WebSocket
// @Tags progress
// @Param projectId path string true "Project ID"
// @Param session_id query string false "Only this session"
// @Success 101 {string} string "Switching Protocols"
// @Router /projects/{projectId}/progress/ws [get]
func (h *Handler) ProgressWebSocket(c *gin.Context) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	updates, err := h.subscribe(ctx, c)
	if err != nil {
		sendError(c, err, nil)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error(err, "failed to upgrade progress connection")
		return
	}
	defer conn.Close()

	// The client never sends data; reading surfaces its close frame.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case u, ok := <-updates:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(wsWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(u); err != nil {
				log.Debug("progress websocket write failed", "error", err.Error())
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
