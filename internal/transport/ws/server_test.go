package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fablecraft/orchestrator/internal/domain"
	"github.com/fablecraft/orchestrator/internal/eventbus"
	"github.com/fablecraft/orchestrator/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *eventbus.Bus, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := eventbus.New(st)
	e := echo.New()
	NewServer(bus, st, 30*time.Millisecond).RegisterRoutes(e)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv, bus, st
}

func createRun(t *testing.T, st store.Store, runID string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, st.CreateRun(context.Background(), &domain.RunRecord{
		RunID:     runID,
		ProjectID: "proj_1",
		Status:    domain.RunStatusRunning,
		Phase:     domain.PhaseConcept,
		StartedAt: now,
		UpdatedAt: now,
	}))
}

type wireEvent struct {
	ID    int64            `json:"id"`
	Type  domain.EventType `json:"type"`
	RunID string           `json:"run_id"`
}

func TestSubscribeReplaysAndCloses(t *testing.T) {
	srv, bus, st := newTestServer(t)
	ctx := context.Background()
	createRun(t, st, "run_ws")

	_, err := bus.Publish(ctx, "run_ws", domain.EventTypePhaseStart, nil)
	require.NoError(t, err)
	_, err = bus.Publish(ctx, "run_ws", domain.EventTypeGenerationCompleted, nil)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/runs/run_ws/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var got []wireEvent
	for {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			// Normal closure after the terminal event.
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected close: %v", err)
			break
		}
		var e wireEvent
		require.NoError(t, json.Unmarshal(payload, &e))
		got = append(got, e)
	}

	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, domain.EventTypePhaseStart, got[0].Type)
	assert.Equal(t, domain.EventTypeGenerationCompleted, got[1].Type)
}

func TestSubscribeResumesAfterID(t *testing.T) {
	srv, bus, st := newTestServer(t)
	ctx := context.Background()
	createRun(t, st, "run_ws")

	for i := 0; i < 3; i++ {
		_, err := bus.Publish(ctx, "run_ws", domain.EventTypeSceneDraftComplete, map[string]int{"scene": i + 1})
		require.NoError(t, err)
	}
	_, err := bus.Publish(ctx, "run_ws", domain.EventTypeGenerationCompleted, nil)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/runs/run_ws/events/ws?after_id=2"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var ids []int64
	for {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var e wireEvent
		require.NoError(t, json.Unmarshal(payload, &e))
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []int64{3, 4}, ids)
}

func TestSubscribeHeartbeats(t *testing.T) {
	srv, bus, st := newTestServer(t)
	ctx := context.Background()
	createRun(t, st, "run_ws")

	_, err := bus.Publish(ctx, "run_ws", domain.EventTypePhaseStart, nil)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/runs/run_ws/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	sawHeartbeat := false
	for i := 0; i < 3; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err)
		var e wireEvent
		require.NoError(t, json.Unmarshal(payload, &e))
		if e.Type == domain.EventTypeHeartbeat {
			// Heartbeats carry the cursor, not a fresh ID.
			assert.Equal(t, int64(1), e.ID)
			sawHeartbeat = true
		}
	}
	assert.True(t, sawHeartbeat)
}

func TestSubscribeUnknownRun(t *testing.T) {
	srv, _, _ := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/runs/run_missing/events/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 404, resp.StatusCode)
}
