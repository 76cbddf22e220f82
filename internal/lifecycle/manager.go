// Package lifecycle owns the set of in-flight runs: starting, pausing,
// resuming, cancelling, and carrying runs across process restarts via
// snapshot and restore.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fablecraft/orchestrator/internal/config"
	"github.com/fablecraft/orchestrator/internal/domain"
	"github.com/fablecraft/orchestrator/internal/engine"
	"github.com/fablecraft/orchestrator/internal/eventbus"
	"github.com/fablecraft/orchestrator/internal/policy"
	"github.com/fablecraft/orchestrator/internal/store"
)

// snapshotArtifactType keys run snapshots in the record store.
const snapshotArtifactType = "run_snapshot"

// ErrRunNotFound is returned when a run ID is not registered.
var ErrRunNotFound = errors.New("lifecycle: run not found")

// ErrAdmissionDenied is returned when the admission policy rejects a new run.
var ErrAdmissionDenied = errors.New("lifecycle: admission denied")

// Executor runs one run to completion, pause, or cancellation.
type Executor interface {
	Execute(ctx context.Context, ctrl engine.Controller) error
}

// Manager is the run lifecycle manager and registry. All access to the set
// of active runs goes through its methods.
type Manager struct {
	store     store.Store
	bus       *eventbus.Bus
	executor  Executor
	admission *policy.Engine
	cfg       config.Pipeline

	mu   sync.Mutex
	runs map[string]*ActiveRun
}

// New creates a lifecycle manager.
func New(st store.Store, bus *eventbus.Bus, executor Executor, admission *policy.Engine, cfg config.Pipeline) *Manager {
	return &Manager{
		store:     st,
		bus:       bus,
		executor:  executor,
		admission: admission,
		cfg:       cfg,
		runs:      make(map[string]*ActiveRun),
	}
}

// StartGeneration admits and starts a new run, returning its ID. The
// admission check and registration happen under one lock so two concurrent
// requests can never both observe spare capacity.
func (m *Manager) StartGeneration(ctx context.Context, projectID, seedIdea string, model domain.ModelConfig) (string, error) {
	if projectID == "" {
		return "", fmt.Errorf("project_id is required")
	}
	if seedIdea == "" {
		return "", fmt.Errorf("seed_idea is required")
	}

	m.mu.Lock()
	active := 0
	for _, r := range m.runs {
		if !r.isTerminal() && r.Snapshot().ProjectID == projectID {
			active++
		}
	}
	decision, err := m.admission.Evaluate(ctx, policy.Input{
		ProjectID:     projectID,
		ActiveRuns:    active,
		MaxConcurrent: m.cfg.MaxConcurrentRuns,
		Model:         model.Model,
		AllowedModels: m.cfg.AllowedModels,
	})
	if err != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("admission evaluation failed: %w", err)
	}
	if decision != "allow" {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: project %s", ErrAdmissionDenied, projectID)
	}

	runID := "run_" + uuid.New().String()[:8]
	state := domain.NewRunState(runID, projectID, model)
	run := newActiveRun(state)
	m.runs[runID] = run
	m.mu.Unlock()

	if err := m.store.CreateRun(ctx, recordFrom(state)); err != nil {
		m.remove(runID)
		return "", fmt.Errorf("failed to create run record: %w", err)
	}
	seed, _ := json.Marshal(map[string]string{"idea": seedIdea})
	if err := m.store.PutArtifact(ctx, &domain.Artifact{
		RunID:     runID,
		Type:      "seed",
		Payload:   seed,
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		m.remove(runID)
		return "", fmt.Errorf("failed to persist seed idea: %w", err)
	}

	m.launch(run)
	return runID, nil
}

// GetRunStatus returns a snapshot of the run's state, or ErrRunNotFound.
func (m *Manager) GetRunStatus(runID string) (*domain.RunState, error) {
	m.mu.Lock()
	run, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	return run.Snapshot(), nil
}

// PauseRun requests a cooperative pause. It takes effect at the run's next
// checkpoint, never by interrupting an in-flight agent call. Returns false
// if the run is unknown or already terminal.
func (m *Manager) PauseRun(runID string) bool {
	m.mu.Lock()
	run, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok || run.isTerminal() {
		return false
	}
	run.pauseRequested.Store(true)
	return true
}

// ResumeRun restarts a paused run from its checkpointed phase and scene
// cursor. Returns false if the run is unknown, terminal, or not paused.
func (m *Manager) ResumeRun(runID string) bool {
	m.mu.Lock()
	run, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok || run.isTerminal() {
		return false
	}

	run.mu.Lock()
	if run.executing || !run.state.IsPaused {
		run.mu.Unlock()
		return false
	}
	run.state.IsPaused = false
	run.pauseRequested.Store(false)
	run.snapshot = run.state.Clone()
	run.mu.Unlock()

	ctx := context.Background()
	if _, err := m.bus.Publish(ctx, runID, domain.EventTypeRunResumed, nil); err != nil {
		log.Printf("ERROR: failed to publish run_resumed event: %v", err)
	}
	m.updateRecord(ctx, run)
	m.launch(run)
	return true
}

// CancelRun requests a cooperative cancel. Partially written artifacts are
// kept as the last observed state. Returns false if the run is unknown or
// already terminal.
func (m *Manager) CancelRun(runID string) bool {
	m.mu.Lock()
	run, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok || run.isTerminal() {
		return false
	}
	run.cancelRequested.Store(true)

	// A paused run has no executor to observe the flag; finalize directly.
	run.mu.Lock()
	idle := !run.executing
	run.mu.Unlock()
	if idle {
		m.finalizeCancel(context.Background(), run)
	}
	return true
}

// ListActiveRuns returns snapshots of all non-terminal runs.
func (m *Manager) ListActiveRuns() []*domain.RunState {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.RunState
	for _, run := range m.runs {
		if !run.isTerminal() {
			out = append(out, run.Snapshot())
		}
	}
	return out
}

// GracefulShutdown pauses every active run, waits up to timeout for each
// to reach a checkpoint, and persists each paused run's state as a named
// snapshot artifact. Runs that do not reach a checkpoint in time are
// snapshotted in their last-checkpointed state. Returns the number of
// runs saved.
func (m *Manager) GracefulShutdown(ctx context.Context, timeout time.Duration) int {
	m.mu.Lock()
	var pending []*ActiveRun
	for _, run := range m.runs {
		if !run.isTerminal() {
			run.pauseRequested.Store(true)
			pending = append(pending, run)
		}
	}
	m.mu.Unlock()

	deadline := time.After(timeout)
	saved := 0
	for _, run := range pending {
		run.mu.Lock()
		done := run.done
		run.mu.Unlock()
		select {
		case <-done:
		case <-deadline:
			log.Printf("WARN: run %s did not reach a checkpoint before shutdown deadline", run.Snapshot().RunID)
		}

		snap := run.Snapshot()
		if snap.IsCompleted || run.isTerminal() {
			continue
		}
		snap.IsPaused = true
		if err := m.writeSnapshot(ctx, snap); err != nil {
			log.Printf("ERROR: failed to snapshot run %s: %v", snap.RunID, err)
			continue
		}
		saved++
	}
	return saved
}

// RestoreAllInterruptedRuns loads every run snapshot, re-registers each as
// an active paused run, and deletes the snapshot once restored. Restored
// runs never auto-resume; their owner must resume them explicitly.
func (m *Manager) RestoreAllInterruptedRuns(ctx context.Context) (int, error) {
	snapshots, err := m.store.ListArtifactsByType(ctx, snapshotArtifactType)
	if err != nil {
		return 0, fmt.Errorf("failed to list run snapshots: %w", err)
	}

	restored := 0
	for _, art := range snapshots {
		var state domain.RunState
		if err := json.Unmarshal(art.Payload, &state); err != nil {
			log.Printf("ERROR: corrupt snapshot for run %s, skipping: %v", art.RunID, err)
			continue
		}
		state.IsPaused = true

		run := newActiveRun(&state)
		run.pauseRequested.Store(true)

		m.mu.Lock()
		m.runs[state.RunID] = run
		m.mu.Unlock()

		m.updateRecord(ctx, run)
		if err := m.store.DeleteArtifact(ctx, state.RunID, snapshotArtifactType); err != nil {
			log.Printf("ERROR: failed to delete snapshot for run %s: %v", state.RunID, err)
		}
		restored++
		log.Printf("INFO: restored run %s (phase %s, scene %d) as paused", state.RunID, state.Phase, state.CurrentScene)
	}
	return restored, nil
}

// launch starts the executor goroutine for a run.
func (m *Manager) launch(run *ActiveRun) {
	run.mu.Lock()
	run.executing = true
	run.done = make(chan struct{})
	run.mu.Unlock()

	go m.execute(run)
}

func (m *Manager) execute(run *ActiveRun) {
	ctx := context.Background()
	err := m.executor.Execute(ctx, run)

	run.refreshSnapshot()
	switch {
	case err == nil:
		run.mu.Lock()
		run.terminal = true
		run.mu.Unlock()
	case errors.Is(err, engine.ErrPaused):
		run.state.IsPaused = true
		run.state.UpdatedAt = time.Now().UTC()
		run.refreshSnapshot()
		if _, pubErr := m.bus.Publish(ctx, run.state.RunID, domain.EventTypeRunPaused, nil); pubErr != nil {
			log.Printf("ERROR: failed to publish run_paused event: %v", pubErr)
		}
	case errors.Is(err, engine.ErrCancelled):
		m.finalizeCancel(ctx, run)
	default:
		run.state.Error = err.Error()
		run.state.UpdatedAt = time.Now().UTC()
		run.refreshSnapshot()
		run.mu.Lock()
		run.terminal = true
		run.mu.Unlock()
		log.Printf("ERROR: run %s failed: %v", run.state.RunID, err)
	}
	m.updateRecord(ctx, run)

	run.mu.Lock()
	run.executing = false
	close(run.done)
	run.mu.Unlock()
}

func (m *Manager) finalizeCancel(ctx context.Context, run *ActiveRun) {
	run.mu.Lock()
	if run.terminal {
		run.mu.Unlock()
		return
	}
	run.terminal = true
	run.mu.Unlock()

	snap := run.Snapshot()
	if _, err := m.bus.Publish(ctx, snap.RunID, domain.EventTypeRunCancelled, map[string]string{"reason": "cancelled by user"}); err != nil {
		log.Printf("ERROR: failed to publish run_cancelled event: %v", err)
	}
	rec := recordFrom(snap)
	rec.Status = domain.RunStatusCancelled
	rec.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateRun(ctx, rec); err != nil {
		log.Printf("ERROR: failed to update cancelled run record: %v", err)
	}
}

func (m *Manager) updateRecord(ctx context.Context, run *ActiveRun) {
	snap := run.Snapshot()
	rec := recordFrom(snap)
	if run.isTerminal() && !snap.IsCompleted && snap.Error == "" {
		rec.Status = domain.RunStatusCancelled
	}
	rec.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateRun(ctx, rec); err != nil {
		log.Printf("ERROR: failed to update run record: %v", err)
	}
}

func (m *Manager) writeSnapshot(ctx context.Context, state *domain.RunState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}
	return m.store.PutArtifact(ctx, &domain.Artifact{
		RunID:     state.RunID,
		Type:      snapshotArtifactType,
		Payload:   payload,
		UpdatedAt: time.Now().UTC(),
	})
}

func (m *Manager) remove(runID string) {
	m.mu.Lock()
	delete(m.runs, runID)
	m.mu.Unlock()
}

func recordFrom(state *domain.RunState) *domain.RunRecord {
	return &domain.RunRecord{
		RunID:     state.RunID,
		ProjectID: state.ProjectID,
		Status:    state.Status(),
		Phase:     state.Phase,
		Error:     state.Error,
		StartedAt: state.StartedAt,
		UpdatedAt: state.UpdatedAt,
	}
}
