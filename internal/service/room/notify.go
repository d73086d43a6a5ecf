package room

import (
	"context"
	"fmt"

	"github.com/sharetube/syncwatch/internal/domain"
)

func (s *service) ensureSubscribed(ctx context.Context, roomId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	if _, ok := s.subs[roomId]; ok {
		return nil
	}

	sub, err := s.notifier.Subscribe(context.WithoutCancel(ctx), roomId, func(state domain.CanonicalState) {
		s.broadcast(state)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	s.subs[roomId] = sub
	go s.watchSubscription(roomId, sub)

	return nil
}

func (s *service) unsubscribeIfEmpty(roomId string) {
	if s.connRepo.RoomCount(roomId) > 0 {
		return
	}

	s.mu.Lock()
	sub, ok := s.subs[roomId]
	delete(s.subs, roomId)
	s.mu.Unlock()

	if ok {
		if err := sub.Close(); err != nil {
			s.logger.Warn("failed to close room subscription", "room_id", roomId, "error", err)
		}
	}
}

// watchSubscription resubscribes with backoff while the room still has local connections
// and pushes the current state, since notifications may have been missed meanwhile.
func (s *service) watchSubscription(roomId string, sub domain.Subscription) {
	<-sub.Done()
	if sub.Err() == nil {
		return
	}

	s.logger.Warn("room subscription lost", "room_id", roomId, "error", sub.Err())
	s.mu.Lock()
	if s.subs[roomId] == sub {
		delete(s.subs, roomId)
	}
	s.mu.Unlock()

	ctx := context.Background()
	backoff := s.resubscribeMin
	for s.connRepo.RoomCount(roomId) > 0 && !s.isClosed() {
		select {
		case <-s.done:
			return
		case <-s.clock.After(backoff):
		}

		if err := s.ensureSubscribed(ctx, roomId); err != nil {
			s.logger.Warn("failed to resubscribe", "room_id", roomId, "error", err)
			backoff = min(backoff*2, s.resubscribeMax)
			continue
		}

		state, err := s.roomRepo.ReadState(ctx, roomId)
		if err != nil {
			s.logger.Warn("failed to read state after resubscribe", "room_id", roomId, "error", err)
			return
		}

		s.broadcast(state)
		return
	}
}

func (s *service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

func (s *service) broadcast(state domain.CanonicalState) {
	s.mu.Lock()
	f := s.onStateUpdated
	s.mu.Unlock()

	f(s.connRepo.GetRoomConns(state.RoomId), state)
}

func (s *service) publish(ctx context.Context, state domain.CanonicalState) {
	if err := s.notifier.Publish(ctx, state); err != nil {
		s.logger.WarnContext(ctx, "failed to publish state", "room_id", state.RoomId, "version", state.Version, "error", err)
	}
}

func (s *service) publishCurrent(ctx context.Context, roomId string) {
	state, err := s.roomRepo.ReadState(ctx, roomId)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to read state for publish", "room_id", roomId, "error", err)
		return
	}

	s.publish(ctx, state)
}
