package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sharetube/syncwatch/internal/domain"
	"github.com/sharetube/syncwatch/internal/repository/room"
)

// CreateRoom stores the room together with its initial paused state at version 1.
func (r repo) CreateRoom(ctx context.Context, params *room.CreateRoomParams) (domain.Room, error) {
	r.logger.DebugContext(ctx, "called", "params", params)
	roomKey := r.getRoomKey(params.RoomId)
	now := r.clock.Now()
	model := roomModel{
		Capacity:  params.Capacity,
		Enabled:   params.Enabled,
		CreatedAt: now.UnixMilli(),
	}

	err := r.watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, roomKey).Result()
		if err != nil {
			return err
		}

		if exists > 0 {
			return domain.ErrRoomExists
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, roomKey, model)
			pipe.Expire(ctx, roomKey, r.expireDuration)
			r.setState(ctx, pipe, domain.NewCanonicalState(params.RoomId, params.MediaRef, now))
			return nil
		})
		return err
	}, roomKey)
	if err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return domain.Room{}, fmt.Errorf("failed to create room: %w", err)
	}

	return model.toDomain(params.RoomId), nil
}

func (r repo) GetRoom(ctx context.Context, roomId string) (domain.Room, error) {
	r.logger.DebugContext(ctx, "called", "room_id", roomId)
	roomKey := r.getRoomKey(roomId)
	var model roomModel
	ok, err := r.hGetAll(ctx, r.rc, roomKey, &model)
	if err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return domain.Room{}, fmt.Errorf("failed to get room: %w", err)
	}

	if !ok {
		r.logger.DebugContext(ctx, "returned", "error", domain.ErrRoomNotFound)
		return domain.Room{}, domain.ErrRoomNotFound
	}

	r.rc.Expire(ctx, roomKey, r.expireDuration)

	return model.toDomain(roomId), nil
}

func (r repo) SetRoomEnabled(ctx context.Context, params *room.SetRoomEnabledParams) (domain.Room, error) {
	r.logger.DebugContext(ctx, "called", "params", params)
	roomKey := r.getRoomKey(params.RoomId)
	var model roomModel

	err := r.watch(ctx, func(tx *redis.Tx) error {
		ok, err := r.hGetAll(ctx, tx, roomKey, &model)
		if err != nil {
			return err
		}

		if !ok {
			return domain.ErrRoomNotFound
		}

		model.Enabled = params.Enabled
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, roomKey, "enabled", model.Enabled)
			pipe.Expire(ctx, roomKey, r.expireDuration)
			return nil
		})
		return err
	}, roomKey)
	if err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return domain.Room{}, fmt.Errorf("failed to set room enabled: %w", err)
	}

	return model.toDomain(params.RoomId), nil
}
