// Package store provides durable persistence for run records, phase
// artifacts, the per-run event log, and agent messages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/fablecraft/orchestrator/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the durable record store contract. Artifacts are keyed by
// (run_id, artifact_type); events are ordered per run by their bus-assigned
// IDs.
type Store interface {
	// Artifacts (phase outputs and run snapshots)
	PutArtifact(ctx context.Context, a *domain.Artifact) error
	GetArtifact(ctx context.Context, runID, artifactType string) (*domain.Artifact, error)
	DeleteArtifact(ctx context.Context, runID, artifactType string) error
	ListArtifactsByType(ctx context.Context, artifactType string) ([]domain.Artifact, error)

	// Run records
	CreateRun(ctx context.Context, rec *domain.RunRecord) error
	UpdateRun(ctx context.Context, rec *domain.RunRecord) error
	GetRun(ctx context.Context, runID string) (*domain.RunRecord, error)
	ListRuns(ctx context.Context, statuses []domain.RunStatus) ([]domain.RunRecord, error)

	// Event log
	AppendEvent(ctx context.Context, e *domain.Event) error
	GetEvents(ctx context.Context, runID string, afterID int64, limit int) ([]domain.Event, error)
	MaxEventID(ctx context.Context, runID string) (int64, error)
	TrimEvents(ctx context.Context, runID string, before time.Time) (int64, error)

	// Agent audit trail
	CreateMessage(ctx context.Context, m *domain.AgentMessage) error
	GetMessages(ctx context.Context, runID string, limit int) ([]domain.AgentMessage, error)

	Close() error
}
