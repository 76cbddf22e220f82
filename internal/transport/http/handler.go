// Package handler provides the HTTP control surface for the orchestrator.
package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fablecraft/orchestrator/internal/domain"
	"github.com/fablecraft/orchestrator/internal/eventbus"
	"github.com/fablecraft/orchestrator/internal/lifecycle"
	"github.com/fablecraft/orchestrator/internal/store"
)

// Handler handles HTTP requests.
type Handler struct {
	manager   *lifecycle.Manager
	bus       *eventbus.Bus
	store     store.Store
	heartbeat time.Duration
}

// NewHandler creates a new handler. heartbeat is the stream heartbeat
// interval.
func NewHandler(manager *lifecycle.Manager, bus *eventbus.Bus, st store.Store, heartbeat time.Duration) *Handler {
	return &Handler{
		manager:   manager,
		bus:       bus,
		store:     st,
		heartbeat: heartbeat,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/generations", h.StartGeneration)
	e.GET("/v1/runs", h.ListActiveRuns)
	e.GET("/v1/runs/:run_id", h.GetRunStatus)
	e.POST("/v1/runs/:run_id/pause", h.PauseRun)
	e.POST("/v1/runs/:run_id/resume", h.ResumeRun)
	e.POST("/v1/runs/:run_id/cancel", h.CancelRun)
	e.GET("/v1/runs/:run_id/events", h.GetRunEvents)
	e.GET("/v1/runs/:run_id/events/stream", h.StreamRunEvents)
	e.GET("/v1/runs/:run_id/messages", h.GetRunMessages)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// StartGenerationRequest is the start-run request body.
type StartGenerationRequest struct {
	ProjectID string             `json:"project_id"`
	SeedIdea  string             `json:"seed_idea"`
	Model     domain.ModelConfig `json:"model_config"`
}

// StartGeneration starts a new run.
// POST /v1/generations
func (h *Handler) StartGeneration(c echo.Context) error {
	var req StartGenerationRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	runID, err := h.manager.StartGeneration(c.Request().Context(), req.ProjectID, req.SeedIdea, req.Model)
	if err != nil {
		if errors.Is(err, lifecycle.ErrAdmissionDenied) {
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"run_id": runID})
}

// GetRunStatus returns a snapshot of the run state.
// GET /v1/runs/:run_id
func (h *Handler) GetRunStatus(c echo.Context) error {
	state, err := h.manager.GetRunStatus(c.Param("run_id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
	}
	return c.JSON(http.StatusOK, state)
}

// ListActiveRuns returns all non-terminal runs.
// GET /v1/runs
func (h *Handler) ListActiveRuns(c echo.Context) error {
	runs := h.manager.ListActiveRuns()
	if runs == nil {
		runs = []*domain.RunState{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"runs": runs})
}

// PauseRun requests a cooperative pause.
// POST /v1/runs/:run_id/pause
func (h *Handler) PauseRun(c echo.Context) error {
	ok := h.manager.PauseRun(c.Param("run_id"))
	return c.JSON(http.StatusOK, map[string]bool{"paused": ok})
}

// ResumeRun resumes a paused run.
// POST /v1/runs/:run_id/resume
func (h *Handler) ResumeRun(c echo.Context) error {
	ok := h.manager.ResumeRun(c.Param("run_id"))
	return c.JSON(http.StatusOK, map[string]bool{"resumed": ok})
}

// CancelRun requests a cooperative cancel.
// POST /v1/runs/:run_id/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	ok := h.manager.CancelRun(c.Param("run_id"))
	return c.JSON(http.StatusOK, map[string]bool{"cancelled": ok})
}

// GetRunEvents returns a page of the run's event log.
// GET /v1/runs/:run_id/events?after_id=N&limit=N
func (h *Handler) GetRunEvents(c echo.Context) error {
	runID := c.Param("run_id")
	if _, err := h.store.GetRun(c.Request().Context(), runID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get run"})
	}

	afterID, _ := strconv.ParseInt(c.QueryParam("after_id"), 10, 64)
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	events, err := h.bus.List(c.Request().Context(), runID, afterID, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get events"})
	}
	if events == nil {
		events = []domain.Event{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"events": events})
}

// GetRunMessages returns the run's agent audit trail.
// GET /v1/runs/:run_id/messages
func (h *Handler) GetRunMessages(c echo.Context) error {
	runID := c.Param("run_id")
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	messages, err := h.store.GetMessages(c.Request().Context(), runID, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get messages"})
	}
	if messages == nil {
		messages = []domain.AgentMessage{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"messages": messages})
}
