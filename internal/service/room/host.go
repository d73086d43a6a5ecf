package room

import (
	"context"
	"fmt"
	"slices"
)

type HostParams struct {
	SenderId string
	RoomId   string
}

func (s *service) ClaimHost(ctx context.Context, params *HostParams) (bool, error) {
	ok, err := s.roomRepo.ClaimLock(ctx, params.RoomId, params.SenderId)
	if err != nil {
		return false, fmt.Errorf("failed to claim lock: %w", err)
	}

	if ok {
		s.logger.InfoContext(ctx, "host claimed", "room_id", params.RoomId, "host_id", params.SenderId)
		s.publishCurrent(ctx, params.RoomId)
	}

	return ok, nil
}

type TransferHostParams struct {
	SenderId string
	RoomId   string
	ToId     string
}

// TransferHost moves the lock to another member of the room. Only the current host may do it.
func (s *service) TransferHost(ctx context.Context, params *TransferHostParams) (bool, error) {
	memberIds, err := s.roomRepo.GetMemberIds(ctx, params.RoomId)
	if err != nil {
		return false, fmt.Errorf("failed to get member ids: %w", err)
	}

	if !slices.Contains(memberIds, params.ToId) {
		return false, ErrMemberNotFound
	}

	ok, err := s.roomRepo.TransferLock(ctx, params.RoomId, params.SenderId, params.ToId)
	if err != nil {
		return false, fmt.Errorf("failed to transfer lock: %w", err)
	}

	if ok {
		s.logger.InfoContext(ctx, "host transferred", "room_id", params.RoomId, "from_id", params.SenderId, "to_id", params.ToId)
		s.publishCurrent(ctx, params.RoomId)
	}

	return ok, nil
}

func (s *service) RenewHost(ctx context.Context, params *HostParams) (bool, error) {
	ok, err := s.roomRepo.RenewLock(ctx, params.RoomId, params.SenderId)
	if err != nil {
		return false, fmt.Errorf("failed to renew lock: %w", err)
	}

	return ok, nil
}

func (s *service) ReleaseHost(ctx context.Context, params *HostParams) (bool, error) {
	ok, err := s.roomRepo.ReleaseLock(ctx, params.RoomId, params.SenderId)
	if err != nil {
		return false, fmt.Errorf("failed to release lock: %w", err)
	}

	if ok {
		s.logger.InfoContext(ctx, "host released", "room_id", params.RoomId, "host_id", params.SenderId)
		s.publishCurrent(ctx, params.RoomId)
	}

	return ok, nil
}
