package http

import (
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/aescanero/cannoli/internal/application/orchestrator"
	"github.com/aescanero/cannoli/internal/application/workers"
	"github.com/aescanero/cannoli/pkg/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxDocumentBytes bounds a submitted document.
const maxDocumentBytes = 8 << 20

// RunSubmitRequest represents a run submission request
type RunSubmitRequest struct {
	Document *domain.Document `json:"document" binding:"required"`
}

// RunSubmitResponse represents a run submission response
type RunSubmitResponse struct {
	RunID       string    `json:"run_id"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// RunSummary is one entry of the run listing
type RunSummary struct {
	RunID       string           `json:"run_id"`
	Name        string           `json:"name,omitempty"`
	Status      domain.RunStatus `json:"status"`
	SubmittedAt time.Time        `json:"submitted_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeError maps orchestrator errors onto HTTP responses
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrValidation):
		abortWithError(c, http.StatusUnprocessableEntity, "VALIDATION_FAILED", err.Error())
	case errors.Is(err, orchestrator.ErrRunNotFound):
		abortWithError(c, http.StatusNotFound, "NOT_FOUND", "Run not found")
	case errors.Is(err, orchestrator.ErrRunTerminal):
		abortWithError(c, http.StatusConflict, "ALREADY_FINISHED", err.Error())
	default:
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

// bindDocument reads a document either wrapped in JSON or as a raw YAML body
func bindDocument(c *gin.Context) (*domain.Document, error) {
	contentType := c.ContentType()
	if strings.Contains(contentType, "yaml") {
		data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxDocumentBytes))
		if err != nil {
			return nil, err
		}
		return domain.ParseDocument(data)
	}

	var req RunSubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, err
	}
	return req.Document, nil
}

// handleHealth reports worker pool health
func (s *Server) handleHealth(c *gin.Context) {
	if s.pool == nil {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
		})
		return
	}

	health := s.pool.Health().GetStatus()
	status, code := "healthy", http.StatusOK
	if !health.Healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": health.Timestamp,
		"checks": gin.H{
			"workers": health,
		},
	})
}

// handleSubmitRun handles run submission
func (s *Server) handleSubmitRun(c *gin.Context) {
	doc, err := bindDocument(c)
	if err != nil {
		s.logger.Warn("invalid request", zap.Error(err))
		abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	runID, err := s.orchestrator.SubmitRun(c.Request.Context(), doc)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, RunSubmitResponse{
		RunID:       runID,
		Status:      string(domain.RunStatusSubmitted),
		SubmittedAt: time.Now(),
	})
}

// handleValidate checks a document without running it
func (s *Server) handleValidate(c *gin.Context) {
	doc, err := bindDocument(c)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	if err := s.orchestrator.Validate(doc); err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// handleListRuns handles listing runs, newest first
func (s *Server) handleListRuns(c *gin.Context) {
	states, err := s.orchestrator.ListRuns(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}

	filter := domain.RunStatus(c.Query("status"))
	runs := make([]RunSummary, 0, len(states))
	for _, state := range states {
		if filter != "" && state.Status != filter {
			continue
		}
		summary := RunSummary{
			RunID:       state.RunID,
			Status:      state.Status,
			SubmittedAt: state.SubmittedAt,
			CompletedAt: state.CompletedAt,
		}
		if state.Document != nil {
			summary.Name = state.Document.Name
		}
		runs = append(runs, summary)
	}
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].SubmittedAt.After(runs[j].SubmittedAt)
	})

	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"total": len(runs),
	})
}

// handleGetRun returns the full stored state of a run
func (s *Server) handleGetRun(c *gin.Context) {
	state, err := s.orchestrator.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, state)
}

// handleGetStatus handles getting run status
func (s *Server) handleGetStatus(c *gin.Context) {
	state, err := s.orchestrator.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run_id":       state.RunID,
		"status":       state.Status,
		"error":        state.Error,
		"submitted_at": state.SubmittedAt,
		"started_at":   state.StartedAt,
		"completed_at": state.CompletedAt,
	})
}

// handleGetResult handles getting the stoppage of a finished run
func (s *Server) handleGetResult(c *gin.Context) {
	state, err := s.orchestrator.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	if !state.Status.IsTerminal() {
		abortWithError(c, http.StatusConflict, "NOT_COMPLETED", "Run has not finished yet")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run_id":       state.RunID,
		"status":       state.Status,
		"stoppage":     state.Stoppage,
		"objects":      state.Objects,
		"completed_at": state.CompletedAt,
	})
}

// handleCancelRun handles run cancellation
func (s *Server) handleCancelRun(c *gin.Context) {
	runID := c.Param("id")

	if err := s.orchestrator.CancelRun(c.Request.Context(), runID); err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"run_id":       runID,
		"status":       "cancelling",
		"requested_at": time.Now(),
	})
}

// WorkerResponse represents the worker data format expected by the dashboard
type WorkerResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// handleListWorkers lists the pool's workers
func (s *Server) handleListWorkers(c *gin.Context) {
	if s.pool == nil {
		abortWithError(c, http.StatusServiceUnavailable, "POOL_NOT_AVAILABLE", "Worker pool is not running in this process")
		return
	}

	statuses := s.pool.GetStatus()
	response := make([]WorkerResponse, 0, len(statuses))
	for id, status := range statuses {
		response = append(response, workerResponse(id, status))
	}
	sort.Slice(response, func(i, j int) bool { return response[i].ID < response[j].ID })

	c.JSON(http.StatusOK, gin.H{
		"data":   response,
		"health": s.pool.Health().GetStatus(),
	})
}

func workerResponse(id string, status workers.WorkerStatus) WorkerResponse {
	state := "offline"
	switch status {
	case workers.WorkerStatusIdle:
		state = "idle"
	case workers.WorkerStatusBusy:
		state = "busy"
	}
	return WorkerResponse{ID: id, State: state}
}
