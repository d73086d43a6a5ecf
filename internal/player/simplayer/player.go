// Package simplayer is a virtual media player whose playhead advances with a clock.
// It stands in for a real player in the demo viewer and in tests.
package simplayer

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type Player struct {
	clock clockwork.Clock

	mu        sync.Mutex
	media     string
	paused    bool
	rate      float64
	anchorPos float64
	anchorAt  time.Time
	seeks     int
}

func New(clock clockwork.Clock) *Player {
	return &Player{
		clock:    clock,
		paused:   true,
		rate:     1,
		anchorAt: clock.Now(),
	}
}

func (p *Player) positionLocked() float64 {
	if p.paused {
		return p.anchorPos
	}

	return p.anchorPos + p.clock.Since(p.anchorAt).Seconds()*p.rate
}

func (p *Player) rebaseLocked() {
	p.anchorPos = p.positionLocked()
	p.anchorAt = p.clock.Now()
}

func (p *Player) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.positionLocked()
}

func (p *Player) Seek(position float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if position < 0 {
		position = 0
	}
	p.anchorPos = position
	p.anchorAt = p.clock.Now()
	p.seeks++
}

// Shift moves the playhead by delta seconds without counting as a seek, like a buffering stall.
func (p *Player) Shift(delta float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rebaseLocked()
	p.anchorPos += delta
	if p.anchorPos < 0 {
		p.anchorPos = 0
	}
}

func (p *Player) Rate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.rate
}

func (p *Player) SetRate(rate float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rebaseLocked()
	p.rate = rate
}

func (p *Player) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.paused
}

func (p *Player) SetPaused(paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rebaseLocked()
	p.paused = paused
}

func (p *Player) Media() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.media
}

func (p *Player) Load(mediaRef string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.media = mediaRef
	p.anchorPos = 0
	p.anchorAt = p.clock.Now()
}

func (p *Player) Seeks() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.seeks
}
