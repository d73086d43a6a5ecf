package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sharetube/syncwatch/internal/domain"
)

func (r repo) readLock(ctx context.Context, c hashGetter, roomId string) (lockModel, bool, error) {
	var model lockModel
	ok, err := r.hGetAll(ctx, c, r.getLockKey(roomId), &model)
	if err != nil {
		return lockModel{}, false, err
	}

	return model, ok && model.HostId != "", nil
}

func (r repo) setLock(ctx context.Context, pipe redis.Pipeliner, roomId string, model lockModel) {
	lockKey := r.getLockKey(roomId)
	pipe.HSet(ctx, lockKey, model)
	pipe.PExpire(ctx, lockKey, r.lockTTL)
}

func (r repo) newLock(hostId string, now time.Time) lockModel {
	return lockModel{
		HostId:     hostId,
		AcquiredAt: now.UnixMilli(),
		ExpiresAt:  now.Add(r.lockTTL).UnixMilli(),
	}
}

// ClaimLock takes the room's lock iff nobody holds it and stamps the state's host_id.
func (r repo) ClaimLock(ctx context.Context, roomId, userId string) (bool, error) {
	r.logger.DebugContext(ctx, "called", "room_id", roomId, "user_id", userId)
	var claimed bool

	err := r.watch(ctx, func(tx *redis.Tx) error {
		claimed = false
		_, held, err := r.readLock(ctx, tx, roomId)
		if err != nil {
			return err
		}

		if held {
			return nil
		}

		state, err := r.readState(ctx, tx, roomId)
		if err != nil {
			return err
		}

		state.HostId = userId
		state.Version++
		lock := r.newLock(userId, r.clock.Now())
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			r.setLock(ctx, pipe, roomId, lock)
			r.setState(ctx, pipe, state)
			return nil
		}); err != nil {
			return err
		}

		claimed = true
		return nil
	}, r.getLockKey(roomId), r.getStateKey(roomId))
	if err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return false, fmt.Errorf("failed to claim lock: %w", err)
	}

	r.logger.DebugContext(ctx, "returned", "claimed", claimed)
	return claimed, nil
}

// TransferLock hands the lock from fromId to toId, rewriting lock and state together.
func (r repo) TransferLock(ctx context.Context, roomId, fromId, toId string) (bool, error) {
	r.logger.DebugContext(ctx, "called", "room_id", roomId, "from_id", fromId, "to_id", toId)
	var transferred bool

	err := r.watch(ctx, func(tx *redis.Tx) error {
		transferred = false
		lock, held, err := r.readLock(ctx, tx, roomId)
		if err != nil {
			return err
		}

		if !held || lock.HostId != fromId {
			return nil
		}

		state, err := r.readState(ctx, tx, roomId)
		if err != nil {
			return err
		}

		state.HostId = toId
		state.Version++
		next := r.newLock(toId, r.clock.Now())
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			r.setLock(ctx, pipe, roomId, next)
			r.setState(ctx, pipe, state)
			return nil
		}); err != nil {
			return err
		}

		transferred = true
		return nil
	}, r.getLockKey(roomId), r.getStateKey(roomId))
	if err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return false, fmt.Errorf("failed to transfer lock: %w", err)
	}

	r.logger.DebugContext(ctx, "returned", "transferred", transferred)
	return transferred, nil
}

// RenewLock extends the lease iff userId still holds it.
func (r repo) RenewLock(ctx context.Context, roomId, userId string) (bool, error) {
	r.logger.DebugContext(ctx, "called", "room_id", roomId, "user_id", userId)
	lockKey := r.getLockKey(roomId)
	var renewed bool

	err := r.watch(ctx, func(tx *redis.Tx) error {
		renewed = false
		lock, held, err := r.readLock(ctx, tx, roomId)
		if err != nil {
			return err
		}

		if !held || lock.HostId != userId {
			return nil
		}

		expiresAt := r.clock.Now().Add(r.lockTTL).UnixMilli()
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, lockKey, "expires_at", expiresAt)
			pipe.PExpire(ctx, lockKey, r.lockTTL)
			return nil
		}); err != nil {
			return err
		}

		renewed = true
		return nil
	}, lockKey)
	if err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return false, fmt.Errorf("failed to renew lock: %w", err)
	}

	return renewed, nil
}

// ReleaseLock drops the lock iff userId holds it and clears the state's host_id.
func (r repo) ReleaseLock(ctx context.Context, roomId, userId string) (bool, error) {
	r.logger.DebugContext(ctx, "called", "room_id", roomId, "user_id", userId)
	lockKey := r.getLockKey(roomId)
	var released bool

	err := r.watch(ctx, func(tx *redis.Tx) error {
		released = false
		lock, held, err := r.readLock(ctx, tx, roomId)
		if err != nil {
			return err
		}

		if !held || lock.HostId != userId {
			return nil
		}

		state, err := r.readState(ctx, tx, roomId)
		if err != nil {
			return err
		}

		state.HostId = ""
		state.Version++
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, lockKey)
			r.setState(ctx, pipe, state)
			return nil
		}); err != nil {
			return err
		}

		released = true
		return nil
	}, lockKey, r.getStateKey(roomId))
	if err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return false, fmt.Errorf("failed to release lock: %w", err)
	}

	return released, nil
}

// GetLock reports the current holder. ok is false when the room has no host.
func (r repo) GetLock(ctx context.Context, roomId string) (domain.HostLock, bool, error) {
	r.logger.DebugContext(ctx, "called", "room_id", roomId)
	model, held, err := r.readLock(ctx, r.rc, roomId)
	if err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return domain.HostLock{}, false, fmt.Errorf("failed to get lock: %w", err)
	}

	if !held {
		return domain.HostLock{}, false, nil
	}

	return model.toDomain(roomId), true, nil
}
