// Package wsapi relays job progress events over a websocket.
package wsapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kernelboard/benchd/jobstore"
	"github.com/kernelboard/benchd/model"
	"github.com/kernelboard/benchd/report"
)

// Register registers web socket handle /jobs/:id/ws
type Register interface {
	Register(*gin.Engine)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

type wsHandle struct {
	store  jobstore.Store
	hub    *report.Hub
	logger *zap.Logger
}

// New creates new websocket handle
func New(store jobstore.Store, hub *report.Hub, logger *zap.Logger) Register {
	return &wsHandle{store: store, hub: hub, logger: logger}
}

func (h *wsHandle) Register(r *gin.Engine) {
	r.GET("/jobs/:id/ws", h.handleWS)
}

func (h *wsHandle) terminal(jobID string) bool {
	job, err := h.store.GetJob(context.Background(), jobID)
	return err != nil || job.State.Terminal()
}

func (h *wsHandle) handleWS(c *gin.Context) {
	jobID := c.Param("id")
	if _, err := h.store.GetJob(c.Request.Context(), jobID); err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, "job not found")
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.Error(err)
		c.AbortWithStatusJSON(http.StatusBadRequest, err.Error())
		return
	}

	sub := h.hub.Subscribe(jobID)
	closed := make(chan struct{})

	// read loop only services control frames and client close
	go func() {
		defer close(closed)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// write events until the job is terminal or the client goes away
	go func() {
		defer conn.Close()
		defer h.hub.Unsubscribe(jobID, sub)

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-closed:
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(ev); err != nil {
					h.logger.Sugar().Warn("ws write error:", err)
					return
				}
				// Per-run results arrive while the job is still running;
				// close only after the job-level terminal event.
				if ev.Kind != model.EventStatus && h.terminal(jobID) {
					conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()
}
