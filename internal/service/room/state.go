package room

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sharetube/syncwatch/internal/domain"
)

func (s *service) Probe(ctx context.Context) time.Time {
	return s.clock.Now()
}

func (s *service) ReadState(ctx context.Context, roomId string) (domain.CanonicalState, error) {
	state, err := s.clearExpiredHost(ctx, roomId)
	if err != nil {
		return domain.CanonicalState{}, fmt.Errorf("failed to read state: %w", err)
	}

	return state, nil
}

// clearExpiredHost reads the room's state and publishes it if a lapsed host had to be cleared.
func (s *service) clearExpiredHost(ctx context.Context, roomId string) (domain.CanonicalState, error) {
	state, cleared, err := s.roomRepo.ClearExpiredHost(ctx, roomId)
	if err != nil {
		return domain.CanonicalState{}, err
	}

	if cleared {
		s.logger.InfoContext(ctx, "host lease expired", "room_id", roomId, "version", state.Version)
		s.publish(ctx, state)
	}

	return state, nil
}

type UpdateStateParams struct {
	SenderId string
	RoomId   string
	Patch    domain.Patch
}

// UpdateState writes the patch iff the sender holds the room's lock, then publishes the result.
func (s *service) UpdateState(ctx context.Context, params *UpdateStateParams) (domain.CanonicalState, error) {
	if err := params.Patch.Validate(); err != nil {
		return domain.CanonicalState{}, err
	}

	if params.Patch.HostId != nil && *params.Patch.HostId != params.SenderId {
		return domain.CanonicalState{}, fmt.Errorf("%w: host changes go through transfer", domain.ErrInvalidPatch)
	}

	state, err := s.roomRepo.UpdateStateAsHost(ctx, params.RoomId, params.SenderId, params.Patch)
	if err != nil {
		if errors.Is(err, domain.ErrLockConflict) {
			if _, err := s.clearExpiredHost(ctx, params.RoomId); err != nil {
				s.logger.WarnContext(ctx, "failed to clear expired host", "room_id", params.RoomId, "error", err)
			}
			return domain.CanonicalState{}, domain.ErrPermissionDenied
		}
		return domain.CanonicalState{}, fmt.Errorf("failed to update state: %w", err)
	}

	s.publish(ctx, state)
	return state, nil
}
