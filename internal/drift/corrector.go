package drift

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sharetube/syncwatch/internal/domain"
	"github.com/sharetube/syncwatch/internal/reconciler"
)

var (
	ErrInactive         = errors.New("corrector inactive")
	ErrSeekInFlight     = errors.New("local seek in flight")
	ErrNoState          = errors.New("no canonical state")
	ErrStaleExtrapolate = errors.New("canonical state too old to extrapolate")
)

// Player is the local media player being kept in sync.
type Player interface {
	Position() float64
	Seek(position float64)
	Rate() float64
	SetRate(rate float64)
	Paused() bool
	SetPaused(paused bool)
	Media() string
	Load(mediaRef string)
}

type ExpectationSource interface {
	Expected() (reconciler.Expectation, bool)
}

type Config struct {
	TickInterval time.Duration
	// MaxExtrapolation bounds how far a playing state is extrapolated; older states skip the tick.
	MaxExtrapolation time.Duration
	HardSyncMs       float64
	GradualMs        float64
	NudgeMs          float64
	GradualFraction  float64
	NudgeFactor      float64
	NudgeWindow      time.Duration
	// SeekSettle keeps evaluation off after an explicit local seek while the player catches up.
	SeekSettle       time.Duration
	HistorySize      int
}

func DefaultConfig() Config {
	return Config{
		TickInterval:     2500 * time.Millisecond,
		MaxExtrapolation: 10 * time.Second,
		HardSyncMs:       5000,
		GradualMs:        2000,
		NudgeMs:          1000,
		GradualFraction:  0.10,
		NudgeFactor:      0.05,
		NudgeWindow:      2 * time.Second,
		SeekSettle:       time.Second,
		HistorySize:      32,
	}
}

type Measurement struct {
	At        time.Time `json:"at"`
	Predicted float64   `json:"predicted"`
	Actual    float64   `json:"actual"`
	DriftMs   float64   `json:"drift_ms"`
	Tier      Tier      `json:"tier"`
}

type Corrector struct {
	player Player
	source ExpectationSource
	clock  clockwork.Clock
	cfg    Config
	logger *slog.Logger
	kick   chan struct{}

	mu          sync.Mutex
	active      bool
	seeks       int
	settleUntil time.Time
	nudgeTimer  clockwork.Timer
	nudgeGen    uint64
	nudgeUntil  time.Time
	nudgeRate   float64
	baseRate    float64
	history     []Measurement
	historyNext int
}

func New(player Player, source ExpectationSource, clock clockwork.Clock, cfg Config, logger *slog.Logger) *Corrector {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}

	return &Corrector{
		player:   player,
		source:   source,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		kick:     make(chan struct{}, 1),
		active:   true,
		baseRate: domain.DefaultPlaybackRate,
		history:  make([]Measurement, 0, cfg.HistorySize),
	}
}

// SetActive turns correction on or off. Hosts are the reference clock and run inactive.
func (c *Corrector) SetActive(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.active = active
	if !active {
		c.cancelNudgeLocked(true)
	}
}

// BeginSeek suppresses drift evaluation until the matching EndSeek.
func (c *Corrector) BeginSeek() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seeks++
}

func (c *Corrector) EndSeek() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.seeks > 0 {
		c.seeks--
	}
}

// Seek moves the player for an explicit local seek. Ticks are skipped while it runs
// and for SeekSettle afterwards.
func (c *Corrector) Seek(position float64) {
	c.BeginSeek()
	c.player.Seek(position)

	c.mu.Lock()
	if c.seeks > 0 {
		c.seeks--
	}
	c.settleUntil = c.clock.Now().Add(c.cfg.SeekSettle)
	c.mu.Unlock()
}

// Align brings media, pause flag and base rate in line with a newly applied state and
// schedules an immediate drift evaluation.
func (c *Corrector) Align(s domain.CanonicalState) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}

	reload := c.player.Media() != s.MediaRef
	if reload {
		c.seeks++
	}
	c.mu.Unlock()

	if reload {
		c.player.Load(s.MediaRef)
		if exp, ok := c.source.Expected(); ok {
			c.player.Seek(exp.Predicted)
		}
		c.EndSeek()
	}

	c.mu.Lock()
	if c.player.Paused() != s.Paused {
		c.player.SetPaused(s.Paused)
	}

	if s.PlaybackRate != c.baseRate {
		c.cancelNudgeLocked(false)
		c.baseRate = s.PlaybackRate
	}
	if c.nudgeTimer == nil && c.player.Rate() != s.PlaybackRate {
		c.player.SetRate(s.PlaybackRate)
	}
	c.mu.Unlock()

	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Run evaluates drift every TickInterval and after every Align until ctx is done.
func (c *Corrector) Run(ctx context.Context) {
	ticker := c.clock.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	defer func() {
		c.mu.Lock()
		c.cancelNudgeLocked(true)
		c.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		case <-c.kick:
		}

		if _, err := c.Tick(ctx); err != nil && !errors.Is(err, ErrInactive) {
			c.logger.DebugContext(ctx, "drift tick skipped", "reason", err)
		}
	}
}

// Tick runs one drift evaluation and applies at most one correction.
func (c *Corrector) Tick(ctx context.Context) (Measurement, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return Measurement{}, ErrInactive
	}
	if c.seeks > 0 || c.clock.Now().Before(c.settleUntil) {
		return Measurement{}, ErrSeekInFlight
	}

	exp, ok := c.source.Expected()
	if !ok {
		return Measurement{}, ErrNoState
	}
	if !exp.State.Paused && exp.Elapsed > c.cfg.MaxExtrapolation {
		return Measurement{}, ErrStaleExtrapolate
	}

	actual := c.player.Position()
	m := Measurement{
		At:        c.clock.Now(),
		Predicted: exp.Predicted,
		Actual:    actual,
		DriftMs:   math.Abs(actual-exp.Predicted) * 1000,
	}
	m.Tier = c.cfg.Classify(m.DriftMs)
	c.baseRate = exp.State.PlaybackRate

	switch m.Tier {
	case TierHardSync:
		c.cancelNudgeLocked(true)
		c.player.Seek(exp.Predicted)
	case TierGradual:
		c.cancelNudgeLocked(true)
		c.player.Seek(actual + c.cfg.GradualFraction*(exp.Predicted-actual))
	case TierRateNudge:
		if exp.State.Paused {
			// speed cannot close a gap while paused
			c.player.Seek(exp.Predicted)
			break
		}
		c.nudgeLocked(actual < exp.Predicted)
	}

	c.recordLocked(m)
	if m.Tier != TierNone {
		c.logger.DebugContext(ctx, "drift corrected",
			"tier", m.Tier.String(),
			"drift_ms", m.DriftMs,
			"predicted", m.Predicted,
			"actual", m.Actual,
		)
	}

	return m, nil
}

func (c *Corrector) nudgeLocked(behind bool) {
	rate := c.baseRate * (1 - c.cfg.NudgeFactor)
	if behind {
		rate = c.baseRate * (1 + c.cfg.NudgeFactor)
	}

	if c.nudgeTimer != nil {
		c.nudgeTimer.Stop()
	}
	c.nudgeGen++
	gen := c.nudgeGen
	c.nudgeRate = rate
	c.nudgeUntil = c.clock.Now().Add(c.cfg.NudgeWindow)
	c.player.SetRate(rate)
	c.nudgeTimer = c.clock.AfterFunc(c.cfg.NudgeWindow, func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.nudgeGen != gen {
			return
		}
		c.cancelNudgeLocked(true)
	})
}

// cancelNudgeLocked ends a running nudge, restoring the base rate when revert is set.
func (c *Corrector) cancelNudgeLocked(revert bool) {
	if c.nudgeTimer == nil {
		return
	}

	c.nudgeTimer.Stop()
	c.nudgeTimer = nil
	c.nudgeGen++
	c.nudgeUntil = time.Time{}
	c.nudgeRate = 0
	if revert {
		c.player.SetRate(c.baseRate)
	}
}

func (c *Corrector) recordLocked(m Measurement) {
	if len(c.history) < c.cfg.HistorySize {
		c.history = append(c.history, m)
		return
	}

	c.history[c.historyNext] = m
	c.historyNext = (c.historyNext + 1) % c.cfg.HistorySize
}

// History returns the recorded measurements, oldest first.
func (c *Corrector) History() []Measurement {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Measurement, 0, len(c.history))
	out = append(out, c.history[c.historyNext:]...)
	out = append(out, c.history[:c.historyNext]...)
	return out
}

// NudgeUntil is the end of the running rate nudge, or zero.
func (c *Corrector) NudgeUntil() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.nudgeUntil
}
