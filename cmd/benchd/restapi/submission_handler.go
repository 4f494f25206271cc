// Package restapi exposes the submission intake and job status REST
// surface. Handlers are thin: validation and enqueue only, execution
// happens in the background worker pool.
package restapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kernelboard/benchd/codestore"
	"github.com/kernelboard/benchd/jobstore"
	"github.com/kernelboard/benchd/launcher"
	"github.com/kernelboard/benchd/launcher/cibuild"
	"github.com/kernelboard/benchd/model"
)

// Register registers handles to gin
type Register interface {
	Register(*gin.Engine)
}

// QueueStatuser reports agent queue occupancy for a resource. Satisfied by
// the agent-queue launcher.
type QueueStatuser interface {
	QueueStatus(ctx context.Context, resource string) (*cibuild.QueueStatus, error)
}

// SubmissionRequest is the intake document.
type SubmissionRequest struct {
	Task      string            `json:"task" binding:"required"`
	Mode      string            `json:"mode"`
	Language  string            `json:"language"`
	EntryFile string            `json:"entryFile"`
	Resources []string          `json:"resources"`
	Files     map[string]string `json:"files" binding:"required"`
	User      string            `json:"user"`
}

// SubmissionResponse acknowledges an accepted submission.
type SubmissionResponse struct {
	SubmissionID string `json:"submissionId"`
	JobID        string `json:"jobId"`
}

type submissionHandle struct {
	store    jobstore.Store
	code     codestore.Store
	tasks    map[string]*model.Task
	registry *launcher.Registry
	queues   QueueStatuser
	logger   *zap.Logger
}

// NewSubmissionHandle creates the intake and status handle.
func NewSubmissionHandle(store jobstore.Store, code codestore.Store, tasks map[string]*model.Task, registry *launcher.Registry, queues QueueStatuser, logger *zap.Logger) Register {
	return &submissionHandle{
		store:    store,
		code:     code,
		tasks:    tasks,
		registry: registry,
		queues:   queues,
		logger:   logger,
	}
}

func (h *submissionHandle) Register(r *gin.Engine) {
	r.POST("/submissions", h.handleSubmit)
	r.GET("/jobs/:id", h.handleJob)
	r.GET("/jobs/:id/result", h.handleResult)
	r.GET("/leaderboard/:task", h.handleLeaderboard)
	r.GET("/resources", h.handleResources)
	r.GET("/queues/:name", h.handleQueue)
}

func (h *submissionHandle) handleSubmit(c *gin.Context) {
	var req SubmissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, err.Error())
		return
	}

	task, ok := h.tasks[req.Task]
	if !ok {
		c.AbortWithStatusJSON(http.StatusBadRequest, "unknown task "+req.Task)
		return
	}
	mode := model.Mode(req.Mode)
	switch mode {
	case "":
		mode = model.ModeTest
	case model.ModeTest, model.ModeBenchmark, model.ModeLeaderboard:
	default:
		c.AbortWithStatusJSON(http.StatusBadRequest, "invalid mode "+req.Mode)
		return
	}
	if len(req.Files) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, "no files provided")
		return
	}

	resources := req.Resources
	if len(resources) == 0 {
		resources = task.Resources
	}
	// The whole submission is rejected before anything is stored: no
	// partial dispatch, no orphan code bundle.
	if err := h.registry.Validate(resources); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, err.Error())
		return
	}

	codeID, err := h.code.Add(req.Files)
	if err != nil {
		c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, err.Error())
		return
	}
	sub := &model.Submission{
		ID:          uuid.NewString(),
		Task:        task.Name,
		Mode:        mode,
		Language:    req.Language,
		CodeID:      codeID,
		EntryFile:   req.EntryFile,
		Resources:   resources,
		Timeouts:    task.Timeouts.Budget(),
		User:        req.User,
		SubmittedAt: time.Now(),
	}
	job, err := h.store.Enqueue(c.Request.Context(), sub)
	if err != nil {
		c.Error(err)
		h.code.Remove(codeID)
		c.AbortWithStatusJSON(http.StatusInternalServerError, err.Error())
		return
	}
	h.logger.Info("submission accepted",
		zap.String("submission", sub.ID), zap.String("job", job.ID),
		zap.String("task", sub.Task), zap.Strings("resources", resources))

	c.JSON(http.StatusOK, SubmissionResponse{SubmissionID: sub.ID, JobID: job.ID})
}

func (h *submissionHandle) handleJob(c *gin.Context) {
	job, err := h.store.GetJob(c.Request.Context(), c.Param("id"))
	if errors.Is(err, jobstore.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *submissionHandle) handleResult(c *gin.Context) {
	fr, err := h.store.GetResult(c.Request.Context(), c.Param("id"))
	if errors.Is(err, jobstore.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, "no result for job")
		return
	}
	if err != nil {
		c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, fr)
}

func (h *submissionHandle) handleLeaderboard(c *gin.Context) {
	task := c.Param("task")
	if _, ok := h.tasks[task]; !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, "unknown task "+task)
		return
	}
	entries, err := h.store.Leaderboard(c.Request.Context(), task)
	if err != nil {
		c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *submissionHandle) handleResources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"resources": h.registry.Resources()})
}

func (h *submissionHandle) handleQueue(c *gin.Context) {
	if h.queues == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, "no agent-queue backend configured")
		return
	}
	st, err := h.queues.QueueStatus(c.Request.Context(), c.Param("name"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, err.Error())
		return
	}
	c.JSON(http.StatusOK, st)
}
