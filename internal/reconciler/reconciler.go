package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sharetube/syncwatch/internal/domain"
)

// CorrectedClock reports the local time shifted onto the reference clock.
type CorrectedClock interface {
	CorrectedNow() time.Time
}

// Expectation is where the local player should be right now.
type Expectation struct {
	State       domain.CanonicalState
	Predicted   float64
	Elapsed     time.Duration
	At          time.Time
	Speculative bool
}

// Reconciler orders incoming canonical states by version and publishes the expected position.
type Reconciler struct {
	clock  CorrectedClock
	logger *slog.Logger

	mu          sync.RWMutex
	confirmed   domain.CanonicalState
	view        domain.CanonicalState
	hasState    bool
	speculative bool
	listeners   []func(domain.CanonicalState)

	pendingMu  sync.Mutex
	pending    domain.CanonicalState
	hasPending bool
	signal     chan struct{}
}

func New(clock CorrectedClock, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		clock:  clock,
		logger: logger,
		signal: make(chan struct{}, 1),
	}
}

// OnChange registers f to be called after every applied state. Register before Run.
func (r *Reconciler) OnChange(f func(domain.CanonicalState)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.listeners = append(r.listeners, f)
}

// Apply accepts s iff its version is newer than the last applied one.
// Anything else is dropped with ErrStaleUpdate. A newer state always replaces speculative state.
func (r *Reconciler) Apply(ctx context.Context, s domain.CanonicalState) error {
	r.mu.Lock()
	if r.hasState && !s.NewerThan(r.confirmed) {
		last := r.confirmed.Version
		r.mu.Unlock()
		r.logger.DebugContext(ctx, "dropping stale state", "version", s.Version, "last_applied_version", last)
		return domain.ErrStaleUpdate
	}

	r.confirmed = s
	r.view = s
	r.hasState = true
	r.speculative = false
	listeners := make([]func(domain.CanonicalState), len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	r.logger.DebugContext(ctx, "applied state",
		"version", s.Version,
		"paused", s.Paused,
		"position", s.Position,
		"playback_rate", s.PlaybackRate,
		"host_id", s.HostId,
	)
	for _, f := range listeners {
		f(s)
	}

	return nil
}

// Notify queues s for Run without blocking the caller. Queued states collapse to the newest version.
func (r *Reconciler) Notify(s domain.CanonicalState) {
	r.pendingMu.Lock()
	if !r.hasPending || s.NewerThan(r.pending) {
		r.pending = s
		r.hasPending = true
	}
	r.pendingMu.Unlock()

	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// Run applies notified states until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.signal:
		}

		r.pendingMu.Lock()
		s, ok := r.pending, r.hasPending
		r.hasPending = false
		r.pendingMu.Unlock()

		if !ok {
			continue
		}
		if err := r.Apply(ctx, s); err != nil && !errors.Is(err, domain.ErrStaleUpdate) {
			r.logger.WarnContext(ctx, "failed to apply state", "error", err)
		}
	}
}

// ApplySpeculative merges a local, unconfirmed patch into the view. The version is not advanced,
// so the next state from the store wins regardless of what it says.
func (r *Reconciler) ApplySpeculative(patch domain.Patch) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.hasState {
		return
	}

	next := domain.Merge(r.view, patch, r.clock.CorrectedNow())
	next.Version = r.confirmed.Version
	r.view = next
	r.speculative = true
}

// DiscardSpeculative falls back to the last confirmed state, e.g. when the store refused an update.
func (r *Reconciler) DiscardSpeculative() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.view = r.confirmed
	r.speculative = false
}

func (r *Reconciler) State() (domain.CanonicalState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.view, r.hasState
}

func (r *Reconciler) LastAppliedVersion() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.confirmed.Version
}

func (r *Reconciler) Expected() (Expectation, bool) {
	r.mu.RLock()
	state, ok, speculative := r.view, r.hasState, r.speculative
	r.mu.RUnlock()

	if !ok {
		return Expectation{}, false
	}

	now := r.clock.CorrectedNow()
	return Expectation{
		State:       state,
		Predicted:   state.PositionAt(now),
		Elapsed:     now.Sub(state.UpdatedTime()),
		At:          now,
		Speculative: speculative,
	}, true
}
