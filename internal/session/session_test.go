package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sharetube/syncwatch/internal/domain"
	"github.com/sharetube/syncwatch/internal/drift"
	"github.com/sharetube/syncwatch/internal/player/simplayer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryTransport is a single-room store that notifies synchronously.
type memoryTransport struct {
	clock clockwork.Clock

	mu             sync.Mutex
	state          domain.CanonicalState
	host           string
	subs           map[*domain.SubscriptionHandle]func(domain.CanonicalState)
	subscribeCalls int
	failSubscribes int
	readCalls      int
	probeCalls     int
	updates        []domain.Patch
}

func newMemoryTransport(clock clockwork.Clock, state domain.CanonicalState) *memoryTransport {
	return &memoryTransport{
		clock: clock,
		state: state,
		subs:  make(map[*domain.SubscriptionHandle]func(domain.CanonicalState)),
	}
}

// mutateLocked applies patch and returns the new state with the handlers to notify.
func (m *memoryTransport) mutateLocked(patch domain.Patch) (domain.CanonicalState, []func(domain.CanonicalState)) {
	m.state = domain.Merge(m.state, patch, m.clock.Now())
	handlers := make([]func(domain.CanonicalState), 0, len(m.subs))
	for _, f := range m.subs {
		handlers = append(handlers, f)
	}

	return m.state, handlers
}

func (m *memoryTransport) notify(state domain.CanonicalState, handlers []func(domain.CanonicalState)) {
	for _, f := range handlers {
		f(state)
	}
}

func (m *memoryTransport) setHost(hostId string) {
	state, handlers := m.mutateLocked(domain.Patch{HostId: &hostId})
	m.host = hostId
	m.mu.Unlock()
	m.notify(state, handlers)
}

func (m *memoryTransport) ClaimLock(_ context.Context, _, userId string) (bool, error) {
	m.mu.Lock()
	if m.host != "" {
		m.mu.Unlock()
		return false, nil
	}
	m.setHost(userId)
	return true, nil
}

func (m *memoryTransport) TransferLock(_ context.Context, _, fromId, toId string) (bool, error) {
	m.mu.Lock()
	if m.host != fromId {
		m.mu.Unlock()
		return false, nil
	}
	m.setHost(toId)
	return true, nil
}

func (m *memoryTransport) RenewLock(_ context.Context, _, userId string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.host == userId, nil
}

func (m *memoryTransport) ReleaseLock(_ context.Context, _, userId string) (bool, error) {
	m.mu.Lock()
	if m.host != userId {
		m.mu.Unlock()
		return false, nil
	}
	m.setHost("")
	return true, nil
}

func (m *memoryTransport) UpdateState(_ context.Context, _ string, patch domain.Patch) (domain.CanonicalState, error) {
	m.mu.Lock()
	if patch.HostId == nil || *patch.HostId != m.host {
		m.mu.Unlock()
		return domain.CanonicalState{}, domain.ErrPermissionDenied
	}
	m.updates = append(m.updates, patch)
	state, handlers := m.mutateLocked(patch)
	m.mu.Unlock()

	m.notify(state, handlers)
	return state, nil
}

func (m *memoryTransport) ReadState(context.Context, string) (domain.CanonicalState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls++
	return m.state, nil
}

func (m *memoryTransport) Subscribe(_ context.Context, _ string, onChange func(domain.CanonicalState)) (domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.subscribeCalls++
	if m.failSubscribes > 0 {
		m.failSubscribes--
		return nil, errors.New("link down")
	}

	var h *domain.SubscriptionHandle
	h = domain.NewSubscriptionHandle(func() error {
		m.mu.Lock()
		delete(m.subs, h)
		m.mu.Unlock()
		return nil
	})
	m.subs[h] = onChange
	return h, nil
}

func (m *memoryTransport) ProbeEcho(context.Context, time.Time) (time.Time, error) {
	m.mu.Lock()
	m.probeCalls++
	m.mu.Unlock()

	return m.clock.Now(), nil
}

// setSilently changes the state without notifying subscribers.
func (m *memoryTransport) setSilently(patch domain.Patch) domain.CanonicalState {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = domain.Merge(m.state, patch, m.clock.Now())
	return m.state
}

func (m *memoryTransport) calls() (reads, probes int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.readCalls, m.probeCalls
}

// dropSubscriptions fails every live subscription and makes the next n subscribes fail.
func (m *memoryTransport) dropSubscriptions(n int) {
	m.mu.Lock()
	m.failSubscribes = n
	handles := make([]*domain.SubscriptionHandle, 0, len(m.subs))
	for h := range m.subs {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.Fail(errors.New("link down"))
	}
}

func (m *memoryTransport) snapshot() (domain.CanonicalState, string, int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state, m.host, len(m.subs), m.subscribeCalls
}

func (m *memoryTransport) Updates() []domain.Patch {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]domain.Patch(nil), m.updates...)
}

type statusLog struct {
	mu       sync.Mutex
	statuses []Status
}

func (l *statusLog) record(s Status) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.statuses = append(l.statuses, s)
}

func (l *statusLog) has(s Status) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, got := range l.statuses {
		if got == s {
			return true
		}
	}

	return false
}

type fixture struct {
	clock     *clockwork.FakeClock
	transport *memoryTransport
	player    *simplayer.Player
	session   *Session
	statuses  *statusLog
}

func setup(t *testing.T, initial domain.CanonicalState) fixture {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.UnixMilli(initial.UpdatedAt))
	transport := newMemoryTransport(clock, initial)
	player := simplayer.New(clock)

	cfg := DefaultConfig()
	cfg.RoomId = initial.RoomId
	cfg.UserId = "alice"
	s := New(cfg, transport, player, clock, slog.New(slog.NewTextHandler(io.Discard, nil)))

	statuses := &statusLog{}
	s.OnStatus(statuses.record)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Close() })

	return fixture{
		clock:     clock,
		transport: transport,
		player:    player,
		session:   s,
		statuses:  statuses,
	}
}

func playingState(position float64) domain.CanonicalState {
	return domain.CanonicalState{
		RoomId:       "room-1",
		MediaRef:     "media-1",
		Paused:       false,
		Position:     position,
		PlaybackRate: 1,
		Version:      3,
		UpdatedAt:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
	}
}

func TestStartAlignsPlayer(t *testing.T) {
	f := setup(t, playingState(10))

	assert.Equal(t, StatusConnected, f.session.Status())
	assert.True(t, f.statuses.has(StatusConnected))
	assert.Equal(t, int64(3), f.session.Snapshot().LastAppliedVersion)
	assert.Equal(t, "media-1", f.player.Media())
	assert.False(t, f.player.Paused())

	// 10s of drift is beyond the hard sync threshold.
	assert.Eventually(t, func() bool {
		return f.player.Position() == 10
	}, time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, f.session.Snapshot().DriftHistory)
}

func TestStartTwice(t *testing.T) {
	f := setup(t, playingState(0))

	assert.ErrorIs(t, f.session.Start(context.Background()), ErrAlreadyStarted)
}

func TestViewerFollowsUpdates(t *testing.T) {
	f := setup(t, playingState(0))
	require.Eventually(t, func() bool { return f.player.Position() == 0 }, time.Second, 5*time.Millisecond)

	ok, err := f.transport.ClaimLock(context.Background(), "room-1", "bob")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = f.transport.UpdateState(context.Background(), "room-1", domain.Patch{
		Paused:   domain.Ptr(true),
		Position: domain.Ptr(42.0),
		HostId:   domain.Ptr("bob"),
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return f.player.Paused() && f.player.Position() == 42
	}, time.Second, 5*time.Millisecond)
	assert.False(t, f.session.IsHost())
	assert.ErrorIs(t, f.session.Play(), domain.ErrInvalidTransition)
}

func TestClaimMakesHost(t *testing.T) {
	f := setup(t, playingState(0))
	ctx := context.Background()

	ok, err := f.session.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, f.session.IsHost())
	assert.Equal(t, "playing", f.session.Snapshot().HostState)

	require.NoError(t, f.session.Pause())
	f.clock.Advance(500 * time.Millisecond)

	assert.Eventually(t, func() bool {
		state, _, _, _ := f.transport.snapshot()
		return state.Paused && state.HostId == "alice"
	}, time.Second, 5*time.Millisecond)
	require.Len(t, f.transport.Updates(), 1)

	ok, err = f.session.Claim(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTransferResigns(t *testing.T) {
	f := setup(t, playingState(0))
	ctx := context.Background()

	ok, err := f.session.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.session.Transfer(ctx, "bob")
	require.NoError(t, err)
	require.True(t, ok)

	assert.False(t, f.session.IsHost())
	assert.ErrorIs(t, f.session.Seek(5), domain.ErrInvalidTransition)
	_, host, _, _ := f.transport.snapshot()
	assert.Equal(t, "bob", host)
}

func TestLockTakenElsewhereResigns(t *testing.T) {
	f := setup(t, playingState(0))

	ok, err := f.session.Claim(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	// Another member holds the lock after the lease lapsed.
	f.transport.mu.Lock()
	f.transport.host = "bob"
	f.transport.mu.Unlock()

	assert.Eventually(t, func() bool {
		f.clock.Advance(10 * time.Second)
		return !f.session.IsHost()
	}, time.Second, 10*time.Millisecond)
}

func TestReleaseOnClose(t *testing.T) {
	f := setup(t, playingState(0))

	ok, err := f.session.Claim(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.session.Close())
	require.NoError(t, f.session.Close())

	state, host, subs, _ := f.transport.snapshot()
	assert.Empty(t, host)
	assert.Empty(t, state.HostId)
	assert.Zero(t, subs)
	assert.Equal(t, StatusClosed, f.session.Status())
}

func TestResubscribeAfterLoss(t *testing.T) {
	f := setup(t, playingState(0))

	f.transport.dropSubscriptions(2)

	assert.Eventually(t, func() bool {
		return f.statuses.has(StatusDisconnected)
	}, time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		f.clock.Advance(time.Second)
		_, _, subs, calls := f.transport.snapshot()
		return subs == 1 && calls == 4
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return f.session.Status() == StatusConnected
	}, time.Second, 5*time.Millisecond)

	ok, err := f.transport.ClaimLock(context.Background(), "room-1", "bob")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Eventually(t, func() bool {
		return f.session.Snapshot().State.HostId == "bob"
	}, time.Second, 5*time.Millisecond)
}

func TestLossReadsStateWhileResubscribeFails(t *testing.T) {
	f := setup(t, playingState(0))

	// resync triggers a probe on top of the one Run takes on start
	assert.Eventually(t, func() bool {
		_, probes := f.transport.calls()
		return probes == 2
	}, time.Second, 5*time.Millisecond)

	missed := f.transport.setSilently(domain.Patch{Position: domain.Ptr(42.0)})
	f.transport.dropSubscriptions(1000)

	assert.Eventually(t, func() bool {
		return f.session.Snapshot().LastAppliedVersion == missed.Version
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, probes := f.transport.calls()
		return probes == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusDisconnected, f.session.Status())
}

func TestLocalSeekHoldsOffCorrection(t *testing.T) {
	initial := playingState(10)
	initial.Paused = true
	f := setup(t, initial)
	ctx := context.Background()

	assert.Eventually(t, func() bool {
		return f.player.Position() == 10 && f.player.Paused()
	}, time.Second, 5*time.Millisecond)

	f.session.LocalSeek(30)
	_, err := f.session.corrector.Tick(ctx)
	assert.ErrorIs(t, err, drift.ErrSeekInFlight)
	assert.Equal(t, 30.0, f.player.Position())

	f.clock.Advance(DefaultConfig().Drift.SeekSettle)
	m, err := f.session.corrector.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, drift.TierHardSync, m.Tier)
	assert.Equal(t, 10.0, f.player.Position())
}
