package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sharetube/syncwatch/internal/domain"
)

func (r repo) readState(ctx context.Context, c hashGetter, roomId string) (domain.CanonicalState, error) {
	var model stateModel
	ok, err := r.hGetAll(ctx, c, r.getStateKey(roomId), &model)
	if err != nil {
		return domain.CanonicalState{}, err
	}

	if !ok {
		return domain.CanonicalState{}, domain.ErrStateNotFound
	}

	return model.toDomain(roomId), nil
}

func (r repo) setState(ctx context.Context, pipe redis.Pipeliner, s domain.CanonicalState) {
	stateKey := r.getStateKey(s.RoomId)
	pipe.HSet(ctx, stateKey, newStateModel(s))
	pipe.Expire(ctx, stateKey, r.expireDuration)
}

// clearStaleHost drops host_id from s when its lock has lapsed and reports whether s changed.
func (r repo) clearStaleHost(ctx context.Context, c hashGetter, s domain.CanonicalState) (domain.CanonicalState, bool, error) {
	if s.HostId == "" {
		return s, false, nil
	}

	_, held, err := r.readLock(ctx, c, s.RoomId)
	if err != nil {
		return s, false, err
	}

	if held {
		return s, false, nil
	}

	s.HostId = ""
	s.Version++
	return s, true, nil
}

// ClearExpiredHost reads the state, first clearing a host whose lease ran out.
// cleared reports whether a new version was written.
func (r repo) ClearExpiredHost(ctx context.Context, roomId string) (domain.CanonicalState, bool, error) {
	r.logger.DebugContext(ctx, "called", "room_id", roomId)
	var (
		state   domain.CanonicalState
		cleared bool
	)

	err := r.watch(ctx, func(tx *redis.Tx) error {
		cur, err := r.readState(ctx, tx, roomId)
		if err != nil {
			return err
		}

		state, cleared, err = r.clearStaleHost(ctx, tx, cur)
		if err != nil || !cleared {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			r.setState(ctx, pipe, state)
			return nil
		})
		return err
	}, r.getLockKey(roomId), r.getStateKey(roomId))
	if err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return domain.CanonicalState{}, false, fmt.Errorf("failed to clear expired host: %w", err)
	}

	if !cleared {
		r.rc.Expire(ctx, r.getStateKey(roomId), r.expireDuration)
	}

	r.logger.DebugContext(ctx, "returned", "version", state.Version, "cleared", cleared)
	return state, cleared, nil
}

// ReadState never reports a host whose lease has lapsed.
func (r repo) ReadState(ctx context.Context, roomId string) (domain.CanonicalState, error) {
	state, _, err := r.ClearExpiredHost(ctx, roomId)
	if err != nil {
		return domain.CanonicalState{}, fmt.Errorf("failed to read state: %w", err)
	}

	return state, nil
}

// UpdateState merges patch into the stored state under WATCH, so concurrent writers
// each get their own version.
func (r repo) UpdateState(ctx context.Context, roomId string, patch domain.Patch) (domain.CanonicalState, error) {
	r.logger.DebugContext(ctx, "called", "room_id", roomId, "patch", patch)
	var next domain.CanonicalState

	err := r.watch(ctx, func(tx *redis.Tx) error {
		cur, err := r.readState(ctx, tx, roomId)
		if err != nil {
			return err
		}

		next = domain.Merge(cur, patch, r.clock.Now())
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			r.setState(ctx, pipe, next)
			return nil
		})
		return err
	}, r.getStateKey(roomId))
	if err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return domain.CanonicalState{}, fmt.Errorf("failed to update state: %w", err)
	}

	r.logger.DebugContext(ctx, "returned", "version", next.Version)
	return next, nil
}

// UpdateStateAsHost is UpdateState guarded by the lock: it fails with domain.ErrLockConflict
// unless hostId holds the room's lock at commit time.
func (r repo) UpdateStateAsHost(ctx context.Context, roomId, hostId string, patch domain.Patch) (domain.CanonicalState, error) {
	r.logger.DebugContext(ctx, "called", "room_id", roomId, "host_id", hostId, "patch", patch)
	var next domain.CanonicalState

	err := r.watch(ctx, func(tx *redis.Tx) error {
		lock, held, err := r.readLock(ctx, tx, roomId)
		if err != nil {
			return err
		}

		if !held || lock.HostId != hostId {
			return domain.ErrLockConflict
		}

		cur, err := r.readState(ctx, tx, roomId)
		if err != nil {
			return err
		}

		next = domain.Merge(cur, patch, r.clock.Now())
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			r.setState(ctx, pipe, next)
			return nil
		})
		return err
	}, r.getLockKey(roomId), r.getStateKey(roomId))
	if err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return domain.CanonicalState{}, fmt.Errorf("failed to update state: %w", err)
	}

	r.logger.DebugContext(ctx, "returned", "version", next.Version)
	return next, nil
}
