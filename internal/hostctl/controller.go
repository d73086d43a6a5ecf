package hostctl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sharetube/syncwatch/internal/domain"
)

// Player is the host's local player, the reference for every emitted position.
type Player interface {
	Position() float64
	Seek(position float64)
	SetRate(rate float64)
	SetPaused(paused bool)
	Load(mediaRef string)
}

// Speculator receives the host's own intents before the store confirms them.
type Speculator interface {
	ApplySpeculative(patch domain.Patch)
	DiscardSpeculative()
	Apply(ctx context.Context, s domain.CanonicalState) error
}

type Config struct {
	// MinInterval is the minimum spacing of writes; intents inside it collapse into one.
	MinInterval time.Duration
	// Heartbeat re-emits the position while playing so viewers never extrapolate stale state. 0 disables.
	Heartbeat time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinInterval: 500 * time.Millisecond,
		Heartbeat:   5 * time.Second,
	}
}

type Controller struct {
	roomId  string
	userId  string
	store   domain.StateStore
	player  Player
	spec    Speculator
	clock   clockwork.Clock
	cfg     Config
	logger  *slog.Logger
	flushCh chan struct{}
	onError func(error)

	mu         sync.Mutex
	state      State
	isHost     bool
	rate       float64
	mediaRef   string
	mediaDirty bool
	dirty      bool
	flushTimer clockwork.Timer
	lastSent   time.Time
}

func New(roomId, userId string, store domain.StateStore, player Player, spec Speculator, clock clockwork.Clock, cfg Config, logger *slog.Logger) *Controller {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultConfig().MinInterval
	}

	return &Controller{
		roomId:  roomId,
		userId:  userId,
		store:   store,
		player:  player,
		spec:    spec,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
		flushCh: make(chan struct{}, 1),
		onError: func(error) {},
		state:   StateIdle,
		rate:    domain.DefaultPlaybackRate,
	}
}

// OnError registers f for write failures, which happen off the caller's goroutine. Register before Run.
func (c *Controller) OnError(f func(error)) {
	c.onError = f
}

// Adopt makes the controller the writer, starting from the given canonical state.
func (c *Controller) Adopt(s domain.CanonicalState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.isHost = true
	c.rate = s.PlaybackRate
	c.mediaRef = s.MediaRef
	switch {
	case s.MediaRef == "":
		c.state = StateIdle
	case s.Paused:
		c.state = StatePaused
	default:
		c.state = StatePlaying
	}
}

// Resign stops writing. Pending writes are dropped.
func (c *Controller) Resign() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.isHost = false
	c.dirty = false
	c.mediaDirty = false
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
}

func (c *Controller) IsHost() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.isHost
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *Controller) Load(mediaRef string) error {
	if mediaRef == "" {
		return fmt.Errorf("%w: empty media", domain.ErrInvalidTransition)
	}

	return c.transition("load", func() (domain.Patch, error) {
		c.player.SetPaused(true)
		c.player.Load(mediaRef)
		c.mediaRef = mediaRef
		c.mediaDirty = true
		c.state = StatePaused
		return domain.Patch{MediaRef: &mediaRef, Paused: domain.Ptr(true), Position: domain.Ptr(0.0)}, nil
	})
}

func (c *Controller) Play() error {
	return c.transition("play", func() (domain.Patch, error) {
		switch c.state {
		case StateIdle:
			return domain.Patch{}, fmt.Errorf("%w: nothing loaded", domain.ErrInvalidTransition)
		case StatePlaying:
			return domain.Patch{}, nil
		}
		c.player.SetPaused(false)
		c.state = StatePlaying
		return domain.Patch{Paused: domain.Ptr(false), Position: domain.Ptr(c.player.Position())}, nil
	})
}

func (c *Controller) Pause() error {
	return c.transition("pause", func() (domain.Patch, error) {
		switch c.state {
		case StateIdle:
			return domain.Patch{}, fmt.Errorf("%w: nothing loaded", domain.ErrInvalidTransition)
		case StatePaused:
			return domain.Patch{}, nil
		}
		c.player.SetPaused(true)
		c.state = StatePaused
		return domain.Patch{Paused: domain.Ptr(true), Position: domain.Ptr(c.player.Position())}, nil
	})
}

func (c *Controller) Seek(position float64) error {
	if position < 0 {
		return fmt.Errorf("%w: negative position", domain.ErrInvalidTransition)
	}

	return c.transition("seek", func() (domain.Patch, error) {
		if c.state == StateIdle {
			return domain.Patch{}, fmt.Errorf("%w: nothing loaded", domain.ErrInvalidTransition)
		}
		resume := c.state
		c.state = StateSeeking
		c.player.Seek(position)
		c.state = resume
		return domain.Patch{Position: &position}, nil
	})
}

func (c *Controller) SetRate(rate float64) error {
	if rate <= 0 {
		return fmt.Errorf("%w: playback rate must be positive", domain.ErrInvalidTransition)
	}

	return c.transition("set_rate", func() (domain.Patch, error) {
		if c.state == StateIdle {
			return domain.Patch{}, fmt.Errorf("%w: nothing loaded", domain.ErrInvalidTransition)
		}
		if rate == c.rate {
			return domain.Patch{}, nil
		}
		resume := c.state
		c.state = StateRateChanging
		c.player.SetRate(rate)
		c.rate = rate
		c.state = resume
		return domain.Patch{PlaybackRate: &rate, Position: domain.Ptr(c.player.Position())}, nil
	})
}

// transition runs apply under the lock for hosts only and schedules one debounced write.
func (c *Controller) transition(name string, apply func() (domain.Patch, error)) error {
	c.mu.Lock()
	if !c.isHost {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s requires host", domain.ErrInvalidTransition, name)
	}

	patch, err := apply()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if patch.IsEmpty() {
		c.mu.Unlock()
		return nil
	}
	c.scheduleLocked()
	state := c.state
	c.mu.Unlock()

	if c.spec != nil {
		c.spec.ApplySpeculative(patch)
	}
	c.logger.Debug("host transition", "intent", name, "state", state.String())

	return nil
}

func (c *Controller) scheduleLocked() {
	c.dirty = true
	if c.flushTimer != nil {
		return
	}

	c.flushTimer = c.clock.AfterFunc(c.cfg.MinInterval, func() {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	})
}

// Run performs the debounced writes and heartbeats until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	var heartbeat <-chan time.Time
	if c.cfg.Heartbeat > 0 {
		ticker := c.clock.NewTicker(c.cfg.Heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.Chan()
	}
	defer func() {
		c.mu.Lock()
		if c.flushTimer != nil {
			c.flushTimer.Stop()
			c.flushTimer = nil
		}
		c.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.flushCh:
			c.Flush(ctx)
		case <-heartbeat:
			c.mu.Lock()
			if c.isHost && c.state == StatePlaying && !c.dirty && c.clock.Since(c.lastSent) >= c.cfg.Heartbeat {
				c.scheduleLocked()
			}
			c.mu.Unlock()
		}
	}
}

// Flush writes the pending update now, if there is one.
func (c *Controller) Flush(ctx context.Context) {
	c.mu.Lock()
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
	if !c.dirty || !c.isHost {
		c.mu.Unlock()
		return
	}

	patch := domain.Patch{
		Paused:       domain.Ptr(c.state != StatePlaying),
		Position:     domain.Ptr(c.player.Position()),
		PlaybackRate: domain.Ptr(c.rate),
		HostId:       domain.Ptr(c.userId),
	}
	if c.mediaDirty {
		patch.MediaRef = domain.Ptr(c.mediaRef)
	}
	c.dirty = false
	c.mediaDirty = false
	c.lastSent = c.clock.Now()
	c.mu.Unlock()

	state, err := c.store.UpdateState(ctx, c.roomId, patch)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.WarnContext(ctx, "failed to update canonical state", "room_id", c.roomId, "error", err)
		if c.spec != nil {
			c.spec.DiscardSpeculative()
		}
		c.onError(fmt.Errorf("failed to update state: %w", err))
		return
	}

	c.logger.DebugContext(ctx, "canonical state updated", "version", state.Version, "position", state.Position, "paused", state.Paused)
	if c.spec != nil {
		if err := c.spec.Apply(ctx, state); err != nil && !errors.Is(err, domain.ErrStaleUpdate) {
			c.logger.WarnContext(ctx, "failed to apply confirmed state", "error", err)
		}
	}
}
