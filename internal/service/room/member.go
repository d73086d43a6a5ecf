package room

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sharetube/syncwatch/internal/domain"
	"github.com/sharetube/syncwatch/internal/repository/connection"
	"github.com/sharetube/syncwatch/internal/repository/room"
)

// hostExpiryGrace lets the store's own expiry land before the state is checked.
const hostExpiryGrace = 100 * time.Millisecond

type ConnectMemberParams struct {
	Conn     *connection.Conn
	RoomId   string
	MemberId string
}

type ConnectMemberResponse struct {
	State domain.CanonicalState
}

// ConnectMember admits the member and starts state fan-out for the room on this instance.
func (s *service) ConnectMember(ctx context.Context, params *ConnectMemberParams) (ConnectMemberResponse, error) {
	if err := s.roomRepo.AddMember(ctx, &room.AddMemberParams{
		RoomId:   params.RoomId,
		MemberId: params.MemberId,
	}); err != nil {
		return ConnectMemberResponse{}, fmt.Errorf("failed to add member: %w", err)
	}

	replaced, err := s.connRepo.Add(params.Conn, params.RoomId, params.MemberId)
	if err != nil {
		return ConnectMemberResponse{}, fmt.Errorf("failed to add conn: %w", err)
	}
	if replaced != nil {
		s.logger.InfoContext(ctx, "closing superseded conn", "room_id", params.RoomId, "member_id", params.MemberId)
		replaced.Close()
	}

	if err := s.ensureSubscribed(ctx, params.RoomId); err != nil {
		s.connRepo.RemoveByConn(params.Conn)
		s.removeMember(ctx, params.RoomId, params.MemberId)
		return ConnectMemberResponse{}, fmt.Errorf("failed to subscribe to room: %w", err)
	}

	state, err := s.clearExpiredHost(ctx, params.RoomId)
	if err != nil {
		return ConnectMemberResponse{}, fmt.Errorf("failed to read state: %w", err)
	}

	s.logger.InfoContext(ctx, "member connected", "room_id", params.RoomId, "member_id", params.MemberId)
	return ConnectMemberResponse{State: state}, nil
}

// DisconnectMember forgets conn. A lock the member holds is left to expire so a quick reconnect keeps it;
// once the lease has run out the room's state is cleared of the host.
func (s *service) DisconnectMember(ctx context.Context, conn *connection.Conn) error {
	roomId, memberId, err := s.connRepo.RemoveByConn(conn)
	if err != nil {
		if errors.Is(err, connection.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to remove conn: %w", err)
	}

	s.removeMember(ctx, roomId, memberId)

	lock, held, err := s.roomRepo.GetLock(ctx, roomId)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to get lock", "room_id", roomId, "error", err)
	} else if held && lock.HostId == memberId {
		s.scheduleHostExpiry(roomId, lock.ExpiresAt)
	}
	s.unsubscribeIfEmpty(roomId)

	s.logger.InfoContext(ctx, "member disconnected", "room_id", roomId, "member_id", memberId)
	return nil
}

func (s *service) removeMember(ctx context.Context, roomId, memberId string) {
	if err := s.roomRepo.RemoveMember(ctx, &room.RemoveMemberParams{
		RoomId:   roomId,
		MemberId: memberId,
	}); err != nil {
		s.logger.WarnContext(ctx, "failed to remove member", "room_id", roomId, "member_id", memberId, "error", err)
	}
}

func (s *service) scheduleHostExpiry(roomId string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if t, ok := s.expiryTimers[roomId]; ok {
		t.Stop()
	}

	var t clockwork.Timer
	t = s.clock.AfterFunc(expiresAt.Sub(s.clock.Now())+hostExpiryGrace, func() {
		s.mu.Lock()
		if s.closed || s.expiryTimers[roomId] != t {
			s.mu.Unlock()
			return
		}
		delete(s.expiryTimers, roomId)
		s.mu.Unlock()

		if _, err := s.clearExpiredHost(context.Background(), roomId); err != nil {
			s.logger.Warn("failed to clear expired host", "room_id", roomId, "error", err)
		}
	})
	s.expiryTimers[roomId] = t
}
