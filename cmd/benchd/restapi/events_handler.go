package restapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kernelboard/benchd/jobstore"
	"github.com/kernelboard/benchd/model"
	"github.com/kernelboard/benchd/report"
)

type eventsHandle struct {
	store  jobstore.Store
	hub    *report.Hub
	logger *zap.Logger
}

// NewEventsHandle creates the SSE progress stream handle.
func NewEventsHandle(store jobstore.Store, hub *report.Hub, logger *zap.Logger) Register {
	return &eventsHandle{store: store, hub: hub, logger: logger}
}

func (h *eventsHandle) Register(r *gin.Engine) {
	r.GET("/jobs/:id/events", h.handleEvents)
}

// handleEvents streams status / result / error events for one job until
// the job reaches a terminal state or the client disconnects.
func (h *eventsHandle) handleEvents(c *gin.Context) {
	jobID := c.Param("id")
	job, err := h.store.GetJob(c.Request.Context(), jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, err.Error())
		return
	}

	// Subscribe before reading the current state so the boundary between
	// snapshot and stream loses no event.
	sub := h.hub.Subscribe(jobID)
	defer h.hub.Unsubscribe(jobID, sub)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	snapshot := model.Event{
		JobID:   jobID,
		Kind:    model.EventStatus,
		Phase:   statePhase(job.State),
		Message: job.Diagnostic,
	}
	c.SSEvent(string(snapshot.Kind), snapshot)
	c.Writer.Flush()
	if job.State.Terminal() {
		return
	}

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-sub:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Kind), ev)
			if ev.Kind == model.EventStatus {
				return true
			}
			// Per-run results arrive while the job is still running; only
			// the job-level terminal event ends the stream.
			cur, err := h.store.GetJob(c.Request.Context(), jobID)
			return err == nil && !cur.State.Terminal()
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func statePhase(s model.JobState) model.Phase {
	switch s {
	case model.JobQueued:
		return model.PhaseQueued
	case model.JobClaimed, model.JobRunning:
		return model.PhaseRunning
	case model.JobCompleted:
		return model.PhaseCompleted
	default:
		return model.PhaseFailed
	}
}
