package lifecycle

import (
	"sync"
	"sync/atomic"

	"github.com/fablecraft/orchestrator/internal/domain"
	"github.com/fablecraft/orchestrator/internal/engine"
)

// ActiveRun is one registered run. The engine goroutine executing the run
// is the sole writer of its state; everyone else reads the snapshot
// refreshed at each checkpoint.
type ActiveRun struct {
	state *domain.RunState

	pauseRequested  atomic.Bool
	cancelRequested atomic.Bool

	mu        sync.Mutex
	snapshot  *domain.RunState
	executing bool
	terminal  bool
	done      chan struct{} // closed when the current executor goroutine exits
}

func newActiveRun(state *domain.RunState) *ActiveRun {
	done := make(chan struct{})
	close(done) // no executor yet
	return &ActiveRun{
		state:    state,
		snapshot: state.Clone(),
		done:     done,
	}
}

// State returns the mutable run state. Only the engine goroutine may call
// this; concurrent readers use Snapshot.
func (r *ActiveRun) State() *domain.RunState {
	return r.state
}

// Checkpoint surfaces cooperative cancel/pause to the engine and refreshes
// the readable snapshot. Cancel wins over pause when both are requested.
func (r *ActiveRun) Checkpoint() error {
	if r.cancelRequested.Load() {
		return engine.ErrCancelled
	}
	if r.pauseRequested.Load() {
		return engine.ErrPaused
	}
	r.refreshSnapshot()
	return nil
}

// Snapshot returns the state as of the run's last checkpoint. The returned
// value is a private copy; callers may hold it freely.
func (r *ActiveRun) Snapshot() *domain.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot.Clone()
}

func (r *ActiveRun) refreshSnapshot() {
	snap := r.state.Clone()
	r.mu.Lock()
	r.snapshot = snap
	r.mu.Unlock()
}

func (r *ActiveRun) isTerminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminal
}
