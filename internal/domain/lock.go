package domain

import "time"

// HostLock grants single-writer control over a room's canonical state.
type HostLock struct {
	RoomId     string    `json:"room_id"`
	HostId     string    `json:"host_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (l HostLock) HeldBy(userId string) bool {
	return l.HostId != "" && l.HostId == userId
}
