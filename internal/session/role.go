package session

import (
	"context"
	"errors"

	"github.com/sharetube/syncwatch/internal/domain"
	"github.com/sharetube/syncwatch/internal/hostlock"
)

// onApplied follows the host id of every applied state.
func (s *Session) onApplied(state domain.CanonicalState) {
	if state.HostId == s.cfg.UserId {
		s.becomeHost(state)
	} else {
		s.becomeViewer()
	}

	s.corrector.Align(state)
}

func (s *Session) becomeHost(state domain.CanonicalState) {
	s.mu.Lock()
	if s.isHost || s.closed || s.ctx == nil {
		s.mu.Unlock()
		return
	}
	s.isHost = true
	leaseCtx, leaseCancel := context.WithCancel(s.ctx)
	lease := s.locks.Hold(leaseCtx, s.cfg.RoomId, s.cfg.UserId)
	s.lease = lease
	s.leaseCancel = leaseCancel
	s.wg.Add(1)
	s.mu.Unlock()

	s.corrector.SetActive(false)
	s.host.Adopt(state)
	s.logger.Info("became host", "version", state.Version)

	go func() {
		defer s.wg.Done()
		s.watchLease(leaseCtx, lease)
	}()
}

func (s *Session) becomeViewer() {
	s.mu.Lock()
	if !s.isHost {
		s.mu.Unlock()
		return
	}
	s.isHost = false
	s.stopLeaseLocked()
	s.mu.Unlock()

	s.host.Resign()
	s.corrector.SetActive(true)
	s.logger.Info("resigned host")
}

func (s *Session) stopLeaseLocked() {
	if s.leaseCancel != nil {
		s.leaseCancel()
	}
	s.lease = nil
	s.leaseCancel = nil
}

// watchLease waits for the renewal loop to end. A refused renewal means another member
// holds the lock now, so the session steps down and resyncs.
func (s *Session) watchLease(ctx context.Context, lease *hostlock.Lease) {
	select {
	case <-lease.Done():
	case <-lease.Lost():
	}

	select {
	case <-lease.Lost():
	default:
		return
	}
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	current := s.lease == lease
	runCtx := s.ctx
	s.mu.Unlock()
	if !current {
		return
	}

	s.logger.Warn("host lease lost")
	s.becomeViewer()
	s.refresh(runCtx)
}

func (s *Session) onHostError(err error) {
	if errors.Is(err, domain.ErrPermissionDenied) || errors.Is(err, domain.ErrLockConflict) {
		s.logger.Warn("host write refused, resyncing", "error", err)
		s.mu.Lock()
		runCtx := s.ctx
		s.mu.Unlock()
		if runCtx != nil && runCtx.Err() == nil {
			s.refresh(runCtx)
		}
		return
	}

	s.logger.Warn("host write failed", "error", err)
}
