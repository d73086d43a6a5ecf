package room

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sharetube/syncwatch/internal/domain"
	"github.com/sharetube/syncwatch/internal/repository/room"
)

type CreateRoomParams struct {
	Capacity int
	MediaRef string
}

func (s *service) CreateRoom(ctx context.Context, params *CreateRoomParams) (domain.Room, error) {
	capacity := params.Capacity
	if capacity == 0 {
		capacity = s.membersLimit
	}

	if s.membersLimit > 0 && capacity > s.membersLimit {
		return domain.Room{}, ErrCapacityTooLarge
	}

	created, err := s.roomRepo.CreateRoom(ctx, &room.CreateRoomParams{
		RoomId:   uuid.NewString(),
		Capacity: capacity,
		Enabled:  true,
		MediaRef: params.MediaRef,
	})
	if err != nil {
		return domain.Room{}, fmt.Errorf("failed to create room: %w", err)
	}

	s.logger.InfoContext(ctx, "room created", "room_id", created.ID, "capacity", created.Capacity)
	return created, nil
}

type GetRoomResponse struct {
	Room      domain.Room           `json:"room"`
	State     domain.CanonicalState `json:"state"`
	Lock      *domain.HostLock      `json:"lock"`
	MemberIds []string              `json:"member_ids"`
}

func (s *service) GetRoom(ctx context.Context, roomId string) (GetRoomResponse, error) {
	r, err := s.roomRepo.GetRoom(ctx, roomId)
	if err != nil {
		return GetRoomResponse{}, fmt.Errorf("failed to get room: %w", err)
	}

	state, err := s.clearExpiredHost(ctx, roomId)
	if err != nil {
		return GetRoomResponse{}, fmt.Errorf("failed to read state: %w", err)
	}

	resp := GetRoomResponse{
		Room:  r,
		State: state,
	}

	lock, held, err := s.roomRepo.GetLock(ctx, roomId)
	if err != nil {
		return GetRoomResponse{}, fmt.Errorf("failed to get lock: %w", err)
	}

	if held {
		resp.Lock = &lock
	}

	resp.MemberIds, err = s.roomRepo.GetMemberIds(ctx, roomId)
	if err != nil {
		return GetRoomResponse{}, fmt.Errorf("failed to get member ids: %w", err)
	}

	return resp, nil
}

type SetRoomEnabledParams struct {
	RoomId  string
	Enabled bool
}

func (s *service) SetRoomEnabled(ctx context.Context, params *SetRoomEnabledParams) (domain.Room, error) {
	r, err := s.roomRepo.SetRoomEnabled(ctx, &room.SetRoomEnabledParams{
		RoomId:  params.RoomId,
		Enabled: params.Enabled,
	})
	if err != nil {
		return domain.Room{}, fmt.Errorf("failed to set room enabled: %w", err)
	}

	return r, nil
}
