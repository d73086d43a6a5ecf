package redis

import (
	"time"

	"github.com/sharetube/syncwatch/internal/domain"
)

type roomModel struct {
	Capacity  int   `redis:"capacity"`
	Enabled   bool  `redis:"enabled"`
	CreatedAt int64 `redis:"created_at"`
}

func (m roomModel) toDomain(roomId string) domain.Room {
	return domain.Room{
		ID:        roomId,
		Capacity:  m.Capacity,
		Enabled:   m.Enabled,
		CreatedAt: time.UnixMilli(m.CreatedAt),
	}
}

type lockModel struct {
	HostId     string `redis:"host_id"`
	AcquiredAt int64  `redis:"acquired_at"`
	ExpiresAt  int64  `redis:"expires_at"`
}

func (m lockModel) toDomain(roomId string) domain.HostLock {
	return domain.HostLock{
		RoomId:     roomId,
		HostId:     m.HostId,
		AcquiredAt: time.UnixMilli(m.AcquiredAt),
		ExpiresAt:  time.UnixMilli(m.ExpiresAt),
	}
}

type stateModel struct {
	MediaRef     string  `redis:"media_ref"`
	Paused       bool    `redis:"paused"`
	Position     float64 `redis:"position"`
	PlaybackRate float64 `redis:"playback_rate"`
	HostId       string  `redis:"host_id"`
	Version      int64   `redis:"version"`
	UpdatedAt    int64   `redis:"updated_at"`
}

func newStateModel(s domain.CanonicalState) stateModel {
	return stateModel{
		MediaRef:     s.MediaRef,
		Paused:       s.Paused,
		Position:     s.Position,
		PlaybackRate: s.PlaybackRate,
		HostId:       s.HostId,
		Version:      s.Version,
		UpdatedAt:    s.UpdatedAt,
	}
}

func (m stateModel) toDomain(roomId string) domain.CanonicalState {
	return domain.CanonicalState{
		RoomId:       roomId,
		MediaRef:     m.MediaRef,
		Paused:       m.Paused,
		Position:     m.Position,
		PlaybackRate: m.PlaybackRate,
		HostId:       m.HostId,
		Version:      m.Version,
		UpdatedAt:    m.UpdatedAt,
	}
}
