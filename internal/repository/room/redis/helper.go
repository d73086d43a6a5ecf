package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var errTxRetriesExceeded = errors.New("transaction retries exceeded")

// watch runs fn as an optimistic transaction over keys, retrying while another client
// modifies one of them between WATCH and EXEC.
func (r repo) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < r.maxTxRetries; i++ {
		err := r.rc.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return fmt.Errorf("%w: %v", errTxRetriesExceeded, keys)
}

func (r repo) executePipe(ctx context.Context, pipe redis.Pipeliner) error {
	cmds, err := pipe.Exec(ctx)
	if err != nil {
		for _, cmd := range cmds {
			if err := cmd.Err(); err != nil {
				return err
			}
		}

		return err
	}

	return nil
}

type hashGetter interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// hGetAll scans a hash into dst and reports whether it existed.
func (r repo) hGetAll(ctx context.Context, c hashGetter, key string, dst any) (bool, error) {
	cmd := c.HGetAll(ctx, key)
	res, err := cmd.Result()
	if err != nil {
		return false, err
	}

	if len(res) == 0 {
		return false, nil
	}

	if err := cmd.Scan(dst); err != nil {
		return false, err
	}

	return true, nil
}
