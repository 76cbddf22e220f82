package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fablecraft/orchestrator/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestArtifactPutGetUpsert(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	a := &domain.Artifact{
		RunID:     "run_1",
		Type:      "outline",
		Payload:   json.RawMessage(`{"scenes":[]}`),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.PutArtifact(ctx, a))

	got, err := st.GetArtifact(ctx, "run_1", "outline")
	require.NoError(t, err)
	assert.JSONEq(t, `{"scenes":[]}`, string(got.Payload))

	// Same key replaces the payload.
	a.Payload = json.RawMessage(`{"scenes":[{"number":1}]}`)
	require.NoError(t, st.PutArtifact(ctx, a))

	got, err = st.GetArtifact(ctx, "run_1", "outline")
	require.NoError(t, err)
	assert.JSONEq(t, `{"scenes":[{"number":1}]}`, string(got.Payload))
}

func TestArtifactNotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetArtifact(context.Background(), "run_1", "outline")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestArtifactDeleteIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutArtifact(ctx, &domain.Artifact{
		RunID: "run_1", Type: "run_snapshot",
		Payload: json.RawMessage(`{}`), UpdatedAt: time.Now().UTC(),
	}))
	require.NoError(t, st.DeleteArtifact(ctx, "run_1", "run_snapshot"))
	require.NoError(t, st.DeleteArtifact(ctx, "run_1", "run_snapshot"))

	_, err := st.GetArtifact(ctx, "run_1", "run_snapshot")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListArtifactsByType(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, runID := range []string{"run_b", "run_a"} {
		require.NoError(t, st.PutArtifact(ctx, &domain.Artifact{
			RunID: runID, Type: "run_snapshot",
			Payload: json.RawMessage(`{}`), UpdatedAt: now,
		}))
	}
	require.NoError(t, st.PutArtifact(ctx, &domain.Artifact{
		RunID: "run_a", Type: "outline",
		Payload: json.RawMessage(`{}`), UpdatedAt: now,
	}))

	got, err := st.ListArtifactsByType(ctx, "run_snapshot")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "run_a", got[0].RunID)
	assert.Equal(t, "run_b", got[1].RunID)
}

func TestRunRecordLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := &domain.RunRecord{
		RunID:     "run_1",
		ProjectID: "proj_1",
		Status:    domain.RunStatusRunning,
		Phase:     domain.PhaseConcept,
		StartedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, st.CreateRun(ctx, rec))

	got, err := st.GetRun(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, got.Status)
	assert.Empty(t, got.Error)

	rec.Status = domain.RunStatusFailed
	rec.Phase = domain.PhaseDrafting
	rec.Error = "llm unavailable"
	rec.UpdatedAt = time.Now().UTC()
	require.NoError(t, st.UpdateRun(ctx, rec))

	got, err = st.GetRun(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, got.Status)
	assert.Equal(t, domain.PhaseDrafting, got.Phase)
	assert.Equal(t, "llm unavailable", got.Error)
}

func TestGetRunNotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetRun(context.Background(), "run_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRunsFiltersByStatus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	statuses := []domain.RunStatus{
		domain.RunStatusRunning,
		domain.RunStatusPaused,
		domain.RunStatusCompleted,
	}
	for i, status := range statuses {
		require.NoError(t, st.CreateRun(ctx, &domain.RunRecord{
			RunID:     "run_" + string(status),
			ProjectID: "proj_1",
			Status:    status,
			Phase:     domain.PhaseConcept,
			StartedAt: base.Add(time.Duration(i) * time.Second),
			UpdatedAt: base,
		}))
	}

	got, err := st.ListRuns(ctx, []domain.RunStatus{domain.RunStatusRunning, domain.RunStatusPaused})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.RunStatusRunning, got[0].Status)
	assert.Equal(t, domain.RunStatusPaused, got[1].Status)

	all, err := st.ListRuns(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestAppendEventRejectsReusedID(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	e := &domain.Event{
		ID:        1,
		Type:      domain.EventTypePhaseStart,
		RunID:     "run_1",
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, st.AppendEvent(ctx, e))
	assert.Error(t, st.AppendEvent(ctx, e))
}

func TestEventsRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, st.AppendEvent(ctx, &domain.Event{
			ID:        i,
			Type:      domain.EventTypeSceneDraftComplete,
			RunID:     "run_1",
			Timestamp: now.Add(time.Duration(i) * time.Second),
			Data:      json.RawMessage(`{"scene":1}`),
		}))
	}

	events, err := st.GetEvents(ctx, "run_1", 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].ID)
	assert.JSONEq(t, `{"scene":1}`, string(events[0].Data))

	max, err := st.MaxEventID(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), max)

	max, err = st.MaxEventID(ctx, "run_other")
	require.NoError(t, err)
	assert.Equal(t, int64(0), max)
}

func TestTrimEventsByTimestamp(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := int64(1); i <= 4; i++ {
		require.NoError(t, st.AppendEvent(ctx, &domain.Event{
			ID:        i,
			Type:      domain.EventTypeHeartbeat,
			RunID:     "run_1",
			Timestamp: now.Add(time.Duration(i) * time.Hour),
		}))
	}

	removed, err := st.TrimEvents(ctx, "run_1", now.Add(150*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	events, err := st.GetEvents(ctx, "run_1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(3), events[0].ID)
}

func TestMessagesRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.CreateMessage(ctx, &domain.AgentMessage{
		MessageID: "msg_1",
		RunID:     "run_1",
		Sender:    domain.RoleWriter,
		Recipient: domain.RoleCritic,
		Type:      domain.MessageTypeArtifact,
		Content:   "draft of scene 1",
		Artifact:  json.RawMessage(`{"scene":1}`),
		Timestamp: now,
	}))
	require.NoError(t, st.CreateMessage(ctx, &domain.AgentMessage{
		MessageID: "msg_2",
		RunID:     "run_1",
		Sender:    domain.RoleCritic,
		Type:      domain.MessageTypeRevisionRequest,
		Content:   "pacing drags in the middle",
		Timestamp: now.Add(time.Second),
	}))

	got, err := st.GetMessages(ctx, "run_1", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.RoleWriter, got[0].Sender)
	assert.Equal(t, domain.RoleCritic, got[0].Recipient)
	assert.JSONEq(t, `{"scene":1}`, string(got[0].Artifact))
	// Broadcast message round-trips with an empty recipient.
	assert.Empty(t, got[1].Recipient)
	assert.Nil(t, got[1].Artifact)

	limited, err := st.GetMessages(ctx, "run_1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
