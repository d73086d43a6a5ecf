package domain

import "errors"

var (
	// ErrLockConflict is never returned by Claim or Transfer, which report conflicts as false.
	// Transports use it to encode a refused lock operation.
	ErrLockConflict      = errors.New("lock conflict")
	ErrStaleUpdate       = errors.New("stale update")
	ErrProbeTimeout      = errors.New("probe timeout")
	ErrSubscriptionLost  = errors.New("subscription lost")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrInvalidPatch      = errors.New("invalid patch")
	ErrRoomNotFound      = errors.New("room not found")
	ErrRoomExists        = errors.New("room already exists")
	ErrRoomDisabled      = errors.New("room disabled")
	ErrRoomFull          = errors.New("room full")
	ErrStateNotFound     = errors.New("state not found")
	ErrPermissionDenied  = errors.New("permission denied")
)
