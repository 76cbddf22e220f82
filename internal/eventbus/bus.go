// Package eventbus provides the append-only, per-run ordered event log.
// It is the single channel through which run progress is observed: the
// engine publishes, subscribers replay from any offset and then block for
// live events. IDs are strictly increasing per run and never reused, so a
// subscriber that resumes from its last-seen ID can never miss or
// duplicate an event.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fablecraft/orchestrator/internal/domain"
	"github.com/fablecraft/orchestrator/internal/store"
)

// ErrStop is returned by a Subscribe callback to end the subscription
// without error.
var ErrStop = errors.New("eventbus: stop subscription")

// Bus is the per-run event log. Appends are atomic: the ID is assigned and
// the event persisted under one lock, so readers never observe a partial
// write or an out-of-order ID.
type Bus struct {
	store store.Store

	mu   sync.Mutex
	runs map[string]*runLog
}

type runLog struct {
	seq    int64         // highest assigned event ID
	seeded bool          // seq initialized from the store
	notify chan struct{} // closed and replaced on every publish
}

// New creates a bus backed by the given store.
func New(st store.Store) *Bus {
	return &Bus{
		store: st,
		runs:  make(map[string]*runLog),
	}
}

// Publish appends one event to a run's log, assigning the next ID. The
// payload is JSON-marshaled into the event data.
func (b *Bus) Publish(ctx context.Context, runID string, eventType domain.EventType, payload interface{}) (*domain.Event, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event payload: %w", err)
		}
		data = raw
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	rl, err := b.logLocked(ctx, runID)
	if err != nil {
		return nil, err
	}

	event := &domain.Event{
		ID:        rl.seq + 1,
		Type:      eventType,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	if err := b.store.AppendEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}
	rl.seq = event.ID

	// Wake all blocked pollers.
	close(rl.notify)
	rl.notify = make(chan struct{})

	return event, nil
}

// List returns a run's events with ID strictly greater than afterID, in
// ID order. It never blocks; an empty result means the caller is caught up.
func (b *Bus) List(ctx context.Context, runID string, afterID int64, limit int) ([]domain.Event, error) {
	return b.store.GetEvents(ctx, runID, afterID, limit)
}

// Poll blocks until the run has at least one event with ID greater than
// afterID, then returns all such events in order. On timeout it returns an
// empty slice and no error. Two consecutive calls with the cursor advanced
// to the last returned ID observe every event exactly once.
func (b *Bus) Poll(ctx context.Context, runID string, afterID int64, timeout time.Duration) ([]domain.Event, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		// Take the notification channel before reading, so a publish that
		// lands between the read and the wait still wakes us.
		b.mu.Lock()
		rl, err := b.logLocked(ctx, runID)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		notify := rl.notify
		b.mu.Unlock()

		events, err := b.store.GetEvents(ctx, runID, afterID, 0)
		if err != nil {
			return nil, err
		}
		if len(events) > 0 {
			return events, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-notify:
		}
	}
}

// Subscribe delivers a run's events to fn, starting strictly after
// afterID, until ctx is cancelled, fn returns an error, or a
// stream-terminal event has been delivered. When pollTimeout elapses with
// no new events, fn is called with a synthesized heartbeat event carrying
// the current cursor. Returning ErrStop from fn ends the subscription
// with a nil error.
func (b *Bus) Subscribe(ctx context.Context, runID string, afterID int64, pollTimeout time.Duration, fn func(domain.Event) error) error {
	cursor := afterID
	for {
		events, err := b.Poll(ctx, runID, cursor, pollTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if len(events) == 0 {
			hb := domain.Event{
				ID:        cursor,
				Type:      domain.EventTypeHeartbeat,
				RunID:     runID,
				Timestamp: time.Now().UTC(),
			}
			if err := fn(hb); err != nil {
				if errors.Is(err, ErrStop) {
					return nil
				}
				return err
			}
			continue
		}
		for _, e := range events {
			if err := fn(e); err != nil {
				if errors.Is(err, ErrStop) {
					return nil
				}
				return err
			}
			cursor = e.ID
			if e.Type.IsStreamTerminal() {
				return nil
			}
		}
	}
}

// Trim removes a terminal run's events older than the cutoff and returns
// how many were removed. Active runs are never trimmed: replay from offset
// 0 must stay possible while a subscriber may still need catch-up.
func (b *Bus) Trim(ctx context.Context, runID string, before time.Time) (int64, error) {
	rec, err := b.store.GetRun(ctx, runID)
	if err != nil {
		return 0, err
	}
	if !rec.Status.IsTerminal() {
		return 0, fmt.Errorf("refusing to trim events for active run %s", runID)
	}
	return b.store.TrimEvents(ctx, runID, before)
}

// logLocked returns the in-memory log for a run, seeding its sequence from
// the store on first use so IDs stay strictly increasing across restarts.
func (b *Bus) logLocked(ctx context.Context, runID string) (*runLog, error) {
	rl, ok := b.runs[runID]
	if !ok {
		rl = &runLog{notify: make(chan struct{})}
		b.runs[runID] = rl
	}
	if !rl.seeded {
		max, err := b.store.MaxEventID(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("failed to seed event sequence: %w", err)
		}
		rl.seq = max
		rl.seeded = true
	}
	return rl, nil
}
