// Package ws streams run events over WebSocket, for clients that cannot
// hold an SSE connection. It implements the same catch-up-then-live
// protocol as the SSE stream: replay from the client's offset, then live
// delivery strictly after the last replayed ID.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/fablecraft/orchestrator/internal/domain"
	"github.com/fablecraft/orchestrator/internal/eventbus"
	"github.com/fablecraft/orchestrator/internal/store"
)

// Server handles WebSocket event subscriptions.
type Server struct {
	bus       *eventbus.Bus
	store     store.Store
	heartbeat time.Duration
	upgrader  websocket.Upgrader
}

// NewServer creates a new WebSocket server.
func NewServer(bus *eventbus.Bus, st store.Store, heartbeat time.Duration) *Server {
	return &Server{
		bus:       bus,
		store:     st,
		heartbeat: heartbeat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// RegisterRoutes registers the subscription route.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/v1/runs/:run_id/events/ws", s.HandleSubscribe)
}

// HandleSubscribe upgrades the connection and streams the run's events.
// GET /v1/runs/:run_id/events/ws?after_id=N
func (s *Server) HandleSubscribe(c echo.Context) error {
	runID := c.Param("run_id")
	if _, err := s.store.GetRun(c.Request().Context(), runID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get run"})
	}
	afterID, _ := strconv.ParseInt(c.QueryParam("after_id"), 10, 64)

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("ERROR: failed to upgrade websocket: %v", err)
		return err
	}
	defer conn.Close()

	// Reader goroutine: its only job is to notice the client going away.
	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = s.bus.Subscribe(ctx, runID, afterID, s.heartbeat, func(event domain.Event) error {
		payload, err := json.Marshal(map[string]interface{}{
			"id":        event.ID,
			"type":      event.Type,
			"run_id":    event.RunID,
			"timestamp": event.Timestamp,
			"data":      event.Data,
		})
		if err != nil {
			return err
		}
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return eventbus.ErrStop
		}
		return nil
	})
	if err != nil {
		log.Printf("ERROR: websocket subscription for run %s: %v", runID, err)
	}

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return nil
}
