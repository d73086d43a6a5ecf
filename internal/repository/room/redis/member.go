package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sharetube/syncwatch/internal/domain"
	"github.com/sharetube/syncwatch/internal/repository/room"
)

// AddMember admits a member into an enabled room that still has capacity. Re-adding is a no-op.
func (r repo) AddMember(ctx context.Context, params *room.AddMemberParams) error {
	r.logger.DebugContext(ctx, "called", "params", params)
	roomKey := r.getRoomKey(params.RoomId)
	memberListKey := r.getMemberListKey(params.RoomId)

	err := r.watch(ctx, func(tx *redis.Tx) error {
		var model roomModel
		ok, err := r.hGetAll(ctx, tx, roomKey, &model)
		if err != nil {
			return err
		}

		if !ok {
			return domain.ErrRoomNotFound
		}

		if !model.Enabled {
			return domain.ErrRoomDisabled
		}

		isMember, err := tx.SIsMember(ctx, memberListKey, params.MemberId).Result()
		if err != nil {
			return err
		}

		if !isMember {
			count, err := tx.SCard(ctx, memberListKey).Result()
			if err != nil {
				return err
			}

			if model.Capacity > 0 && count >= int64(model.Capacity) {
				return domain.ErrRoomFull
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, memberListKey, params.MemberId)
			pipe.Expire(ctx, memberListKey, r.expireDuration)
			return nil
		})
		return err
	}, roomKey, memberListKey)
	if err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return fmt.Errorf("failed to add member: %w", err)
	}

	return nil
}

func (r repo) RemoveMember(ctx context.Context, params *room.RemoveMemberParams) error {
	r.logger.DebugContext(ctx, "called", "params", params)
	pipe := r.rc.TxPipeline()
	pipe.SRem(ctx, r.getMemberListKey(params.RoomId), params.MemberId)
	pipe.Expire(ctx, r.getMemberListKey(params.RoomId), r.expireDuration)

	if err := r.executePipe(ctx, pipe); err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return fmt.Errorf("failed to remove member: %w", err)
	}

	return nil
}

func (r repo) GetMemberIds(ctx context.Context, roomId string) ([]string, error) {
	r.logger.DebugContext(ctx, "called", "room_id", roomId)
	memberIds, err := r.rc.SMembers(ctx, r.getMemberListKey(roomId)).Result()
	if err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return nil, fmt.Errorf("failed to get member ids: %w", err)
	}

	return memberIds, nil
}
