package domain

import (
	"context"
	"time"
)

// LockStore is the transactional store behind the host lock.
// Refusals are reported as false with a nil error.
type LockStore interface {
	ClaimLock(ctx context.Context, roomId, userId string) (bool, error)
	TransferLock(ctx context.Context, roomId, fromId, toId string) (bool, error)
	RenewLock(ctx context.Context, roomId, userId string) (bool, error)
	ReleaseLock(ctx context.Context, roomId, userId string) (bool, error)
}

type StateStore interface {
	UpdateState(ctx context.Context, roomId string, patch Patch) (CanonicalState, error)
	ReadState(ctx context.Context, roomId string) (CanonicalState, error)
}

// Subscriber delivers every mutation of a room's state at least once, in no particular order.
type Subscriber interface {
	Subscribe(ctx context.Context, roomId string, onChange func(CanonicalState)) (Subscription, error)
}

type Subscription interface {
	// Close stops delivery. Err stays nil afterwards.
	Close() error
	// Done is closed once delivery has stopped for any reason.
	Done() <-chan struct{}
	// Err reports ErrSubscriptionLost when delivery stopped without Close.
	Err() error
}

// Echoer answers a clock probe with the reference clock's current time.
type Echoer interface {
	ProbeEcho(ctx context.Context, clientSentAt time.Time) (time.Time, error)
}
