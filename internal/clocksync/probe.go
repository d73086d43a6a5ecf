package clocksync

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

// Sample is the outcome of one probe exchange.
type Sample struct {
	RTT       time.Duration
	Offset    time.Duration
	SampledAt time.Time
}

func (s Sample) RTTMillis() float64 {
	return float64(s.RTT) / float64(time.Millisecond)
}

func (s Sample) OffsetMillis() float64 {
	return float64(s.Offset) / float64(time.Millisecond)
}

// Compute derives rtt and offset from a two-timestamp exchange, assuming symmetric latency.
func Compute(t0, ts, t1 time.Time) Sample {
	rtt := t1.Sub(t0)
	return Sample{
		RTT:       rtt,
		Offset:    ts.Sub(t1) + rtt/2,
		SampledAt: t1,
	}
}

type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	// Smoothing is the EMA weight of a new offset in (0, 1]. 1 keeps only the latest sample.
	Smoothing float64
}

func DefaultConfig() Config {
	return Config{
		Interval:  20 * time.Second,
		Timeout:   5 * time.Second,
		Smoothing: 1,
	}
}

type Probe struct {
	echoer  domain.Echoer
	clock   clockwork.Clock
	cfg     Config
	logger  *slog.Logger
	trigger chan struct{}

	mu        sync.RWMutex
	last      Sample
	hasSample bool
	offset    time.Duration
}

func New(echoer domain.Echoer, clock clockwork.Clock, cfg Config, logger *slog.Logger) *Probe {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.Smoothing <= 0 || cfg.Smoothing > 1 {
		cfg.Smoothing = 1
	}

	return &Probe{
		echoer:  echoer,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
		trigger: make(chan struct{}, 1),
	}
}

type echoResult struct {
	serverNow time.Time
	err       error
}

// Sample runs one exchange. A late or failed exchange leaves the current estimate untouched.
func (p *Probe) Sample(ctx context.Context) (Sample, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	timer := p.clock.NewTimer(p.cfg.Timeout)
	defer timer.Stop()

	t0 := p.clock.Now()
	resCh := make(chan echoResult, 1)
	go func() {
		serverNow, err := p.echoer.ProbeEcho(ctx, t0)
		resCh <- echoResult{serverNow: serverNow, err: err}
	}()

	var res echoResult
	select {
	case res = <-resCh:
	case <-timer.Chan():
		return Sample{}, domain.ErrProbeTimeout
	case <-ctx.Done():
		return Sample{}, ctx.Err()
	}
	if res.err != nil {
		return Sample{}, fmt.Errorf("failed to probe echo: %w", res.err)
	}

	sample := Compute(t0, res.serverNow, p.clock.Now())

	p.mu.Lock()
	if p.hasSample {
		a := p.cfg.Smoothing
		p.offset = time.Duration(a*float64(sample.Offset) + (1-a)*float64(p.offset))
	} else {
		p.offset = sample.Offset
	}
	p.last = sample
	p.hasSample = true
	p.mu.Unlock()

	return sample, nil
}

// Run samples immediately, then on every interval and on Trigger, until ctx is done.
func (p *Probe) Run(ctx context.Context) {
	ticker := p.clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.sampleAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		case <-p.trigger:
		}
		p.sampleAndLog(ctx)
	}
}

func (p *Probe) sampleAndLog(ctx context.Context) {
	sample, err := p.Sample(ctx)
	switch {
	case err == nil:
		p.logger.DebugContext(ctx, "clock sample",
			"rtt_ms", sample.RTTMillis(),
			"offset_ms", sample.OffsetMillis(),
			"smoothed_offset_ms", float64(p.Offset())/float64(time.Millisecond),
		)
	case errors.Is(err, domain.ErrProbeTimeout):
		p.logger.DebugContext(ctx, "clock probe timed out, keeping previous offset")
	case ctx.Err() != nil:
	default:
		p.logger.InfoContext(ctx, "clock probe failed", "error", err)
	}
}

// Trigger requests an immediate sample from Run, e.g. after a reconnect.
func (p *Probe) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *Probe) Offset() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.offset
}

func (p *Probe) Last() (Sample, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.last, p.hasSample
}

// CorrectedNow is the local clock shifted onto the reference clock.
func (p *Probe) CorrectedNow() time.Time {
	return p.clock.Now().Add(p.Offset())
}
