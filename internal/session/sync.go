package session

import (
	"context"
	"fmt"

	"github.com/sharetube/syncwatch/internal/domain"
)

// resync subscribes first and reads second, so no mutation between the two is missed.
func (s *Session) resync(ctx context.Context) (domain.Subscription, error) {
	sub, err := s.transport.Subscribe(ctx, s.cfg.RoomId, s.rec.Notify)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	state, err := s.transport.ReadState(ctx, s.cfg.RoomId)
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	s.apply(ctx, state)
	s.probe.Trigger()
	return sub, nil
}

// maintain keeps a live subscription until ctx is done. After a loss it reads the state and
// probes the clock right away, then resubscribes with backoff.
func (s *Session) maintain(ctx context.Context, sub domain.Subscription) {
	for {
		select {
		case <-ctx.Done():
			sub.Close()
			return
		case <-sub.Done():
		}

		if sub.Err() == nil || ctx.Err() != nil {
			return
		}

		s.logger.WarnContext(ctx, "subscription lost", "error", sub.Err())
		s.setStatus(StatusDisconnected)
		s.refresh(ctx)
		s.probe.Trigger()

		next, ok := s.reconnect(ctx)
		if !ok {
			return
		}
		sub = next
		s.setStatus(StatusConnected)
	}
}

func (s *Session) reconnect(ctx context.Context) (domain.Subscription, bool) {
	backoff := s.cfg.ResubscribeMin
	for {
		sub, err := s.resync(ctx)
		if err == nil {
			s.logger.InfoContext(ctx, "resubscribed")
			return sub, true
		}
		if ctx.Err() != nil {
			return nil, false
		}

		s.logger.WarnContext(ctx, "failed to resubscribe", "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return nil, false
		case <-s.clock.After(backoff):
		}
		backoff = min(backoff*2, s.cfg.ResubscribeMax)
	}
}
