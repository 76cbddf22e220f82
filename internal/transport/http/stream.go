package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fablecraft/orchestrator/internal/domain"
	"github.com/fablecraft/orchestrator/internal/store"
)

// StreamRunEvents streams a run's events via SSE.
// GET /v1/runs/:run_id/events/stream
//
// The protocol is catch-up then live: every stored event is replayed from
// offset 0, then live delivery starts immediately after the last replayed
// ID, never from "now", which would drop events published during the
// handoff. The stream closes after delivering an ERROR or
// generation_completed event; any other disconnect is transient and the
// client reconnects with the same protocol.
func (h *Handler) StreamRunEvents(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")

	if _, err := h.store.GetRun(ctx, runID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
		}
		log.Printf("ERROR: failed to get run: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get run"})
	}

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	if flusher, ok := c.Response().Writer.(http.Flusher); ok {
		flusher.Flush()
	}

	// Catch-up: replay everything stored, tracking the last replayed ID.
	var lastID int64
	for {
		events, err := h.bus.List(ctx, runID, lastID, 500)
		if err != nil {
			log.Printf("ERROR: catch-up read failed for run %s: %v", runID, err)
			return nil
		}
		if len(events) == 0 {
			break
		}
		for _, event := range events {
			if err := h.sendSSEEvent(c, event); err != nil {
				return nil
			}
			lastID = event.ID
			if event.Type.IsStreamTerminal() {
				return nil
			}
		}
	}

	// Live: block on the bus strictly after the catch-up cursor.
	for {
		events, err := h.bus.Poll(ctx, runID, lastID, h.heartbeat)
		if err != nil {
			// Client disconnected or server shutting down.
			return nil
		}
		if len(events) == 0 {
			hb := domain.Event{
				ID:        lastID,
				Type:      domain.EventTypeHeartbeat,
				RunID:     runID,
				Timestamp: time.Now().UTC(),
			}
			if err := h.sendSSEEvent(c, hb); err != nil {
				return nil
			}
			continue
		}
		for _, event := range events {
			if err := h.sendSSEEvent(c, event); err != nil {
				return nil
			}
			lastID = event.ID
			if event.Type.IsStreamTerminal() {
				log.Printf("INFO: run %s stream closed on %s", runID, event.Type)
				return nil
			}
		}
	}
}

// sendSSEEvent writes a single event in SSE format and flushes.
func (h *Handler) sendSSEEvent(c echo.Context, event domain.Event) error {
	data, err := json.Marshal(map[string]interface{}{
		"id":        event.ID,
		"type":      event.Type,
		"run_id":    event.RunID,
		"timestamp": event.Timestamp,
		"data":      event.Data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(c.Response().Writer, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response().Writer, "id: %d\n", event.ID); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response().Writer, "data: %s\n\n", data); err != nil {
		return err
	}
	if flusher, ok := c.Response().Writer.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}
