// Package session runs one participant's side of a room: clock probing, state reconciliation,
// drift correction and, while the participant holds the host lock, the playback controller.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sharetube/syncwatch/internal/clocksync"
	"github.com/sharetube/syncwatch/internal/domain"
	"github.com/sharetube/syncwatch/internal/drift"
	"github.com/sharetube/syncwatch/internal/hostctl"
	"github.com/sharetube/syncwatch/internal/hostlock"
	"github.com/sharetube/syncwatch/internal/reconciler"
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrNotStarted     = errors.New("session not started")
	ErrClosed         = errors.New("session closed")
)

// Transport is everything a session needs from the other side of the wire.
type Transport interface {
	domain.LockStore
	domain.StateStore
	domain.Subscriber
	domain.Echoer
}

type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusClosed       Status = "closed"
)

type Config struct {
	RoomId         string
	UserId         string
	Probe          clocksync.Config
	Drift          drift.Config
	Host           hostctl.Config
	Lock           hostlock.Config
	ResubscribeMin time.Duration
	ResubscribeMax time.Duration
}

func DefaultConfig() Config {
	return Config{
		Probe:          clocksync.DefaultConfig(),
		Drift:          drift.DefaultConfig(),
		Host:           hostctl.DefaultConfig(),
		Lock:           hostlock.DefaultConfig(),
		ResubscribeMin: 500 * time.Millisecond,
		ResubscribeMax: 30 * time.Second,
	}
}

// Snapshot is the per-connection client state. It is discarded with the session.
type Snapshot struct {
	Status             Status                `json:"status"`
	IsHost             bool                  `json:"is_host"`
	HostState          string                `json:"host_state"`
	State              domain.CanonicalState `json:"state"`
	LastAppliedVersion int64                 `json:"last_applied_version"`
	Offset             time.Duration         `json:"offset"`
	DriftHistory       []drift.Measurement   `json:"drift_history"`
	RateNudgeUntil     time.Time             `json:"rate_nudge_until"`
}

type Session struct {
	cfg       Config
	transport Transport
	clock     clockwork.Clock
	logger    *slog.Logger

	probe     *clocksync.Probe
	rec       *reconciler.Reconciler
	corrector *drift.Corrector
	host      *hostctl.Controller
	locks     *hostlock.Manager
	onStatus  func(Status)

	mu          sync.Mutex
	status      Status
	started     bool
	closed      bool
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	isHost      bool
	lease       *hostlock.Lease
	leaseCancel context.CancelFunc
}

func New(cfg Config, transport Transport, player drift.Player, clock clockwork.Clock, logger *slog.Logger) *Session {
	def := DefaultConfig()
	if cfg.ResubscribeMin <= 0 {
		cfg.ResubscribeMin = def.ResubscribeMin
	}
	if cfg.ResubscribeMax < cfg.ResubscribeMin {
		cfg.ResubscribeMax = max(def.ResubscribeMax, cfg.ResubscribeMin)
	}

	logger = logger.With("room_id", cfg.RoomId, "member_id", cfg.UserId)
	probe := clocksync.New(transport, clock, cfg.Probe, logger.With("component", "clocksync"))
	rec := reconciler.New(probe, logger.With("component", "reconciler"))

	s := &Session{
		cfg:       cfg,
		transport: transport,
		clock:     clock,
		logger:    logger,
		probe:     probe,
		rec:       rec,
		corrector: drift.New(player, rec, clock, cfg.Drift, logger.With("component", "drift")),
		host:      hostctl.New(cfg.RoomId, cfg.UserId, transport, player, rec, clock, cfg.Host, logger.With("component", "hostctl")),
		locks:     hostlock.NewManager(transport, clock, cfg.Lock, logger.With("component", "hostlock")),
		onStatus:  func(Status) {},
		status:    StatusConnecting,
	}
	rec.OnChange(s.onApplied)
	s.host.OnError(s.onHostError)

	return s
}

// OnStatus registers f for connection status changes. Register before Start.
func (s *Session) OnStatus(f func(Status)) {
	s.onStatus = f
}

// Start subscribes to the room, applies its current state and launches the background tasks.
// The tasks run until Close; ctx only bounds the initial exchange.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	runCtx := s.ctx
	s.mu.Unlock()

	sub, err := s.resync(ctx)
	if err != nil {
		s.cancel()
		return fmt.Errorf("failed to start session: %w", err)
	}

	s.goTracked(func() { s.probe.Run(runCtx) })
	s.goTracked(func() { s.rec.Run(runCtx) })
	s.goTracked(func() { s.corrector.Run(runCtx) })
	s.goTracked(func() { s.host.Run(runCtx) })
	s.goTracked(func() { s.maintain(runCtx, sub) })

	s.setStatus(StatusConnected)
	s.logger.InfoContext(ctx, "session started")
	return nil
}

// Close stops every background task and releases a held host lock.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.setStatus(StatusClosed)
	s.logger.Info("session closed")
	return nil
}

func (s *Session) goTracked(f func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f()
	}()
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	if s.status == status || s.status == StatusClosed {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.mu.Unlock()

	s.logger.Info("session status", "status", string(status))
	s.onStatus(status)
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.status
}

func (s *Session) IsHost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.isHost
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	status, isHost := s.status, s.isHost
	s.mu.Unlock()

	state, _ := s.rec.State()
	return Snapshot{
		Status:             status,
		IsHost:             isHost,
		HostState:          s.host.State().String(),
		State:              state,
		LastAppliedVersion: s.rec.LastAppliedVersion(),
		Offset:             s.probe.Offset(),
		DriftHistory:       s.corrector.History(),
		RateNudgeUntil:     s.corrector.NudgeUntil(),
	}
}

// Claim asks for the host lock. The role switch itself follows the confirmed state.
func (s *Session) Claim(ctx context.Context) (bool, error) {
	ok, err := s.locks.Claim(ctx, s.cfg.RoomId, s.cfg.UserId)
	if err != nil || !ok {
		return ok, err
	}

	s.refresh(ctx)
	return true, nil
}

func (s *Session) Transfer(ctx context.Context, toId string) (bool, error) {
	ok, err := s.locks.Transfer(ctx, s.cfg.RoomId, s.cfg.UserId, toId)
	if err != nil || !ok {
		return ok, err
	}

	s.refresh(ctx)
	return true, nil
}

func (s *Session) Release(ctx context.Context) (bool, error) {
	ok, err := s.locks.Release(ctx, s.cfg.RoomId, s.cfg.UserId)
	if err != nil || !ok {
		return ok, err
	}

	s.refresh(ctx)
	return true, nil
}

func (s *Session) Load(mediaRef string) error {
	return s.host.Load(mediaRef)
}

func (s *Session) Play() error {
	return s.host.Play()
}

func (s *Session) Pause() error {
	return s.host.Pause()
}

func (s *Session) Seek(position float64) error {
	return s.host.Seek(position)
}

func (s *Session) SetRate(rate float64) error {
	return s.host.SetRate(rate)
}

// LocalSeek moves only this client's player. Drift correction holds off until the seek settles,
// after which a viewer is pulled back to the room.
func (s *Session) LocalSeek(position float64) {
	s.corrector.Seek(position)
}

// refresh applies the store's current state without waiting for the notification.
func (s *Session) refresh(ctx context.Context) {
	state, err := s.transport.ReadState(ctx, s.cfg.RoomId)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to read state", "error", err)
		return
	}

	s.apply(ctx, state)
}

func (s *Session) apply(ctx context.Context, state domain.CanonicalState) {
	if err := s.rec.Apply(ctx, state); err != nil && !errors.Is(err, domain.ErrStaleUpdate) {
		s.logger.WarnContext(ctx, "failed to apply state", "error", err)
	}
}
