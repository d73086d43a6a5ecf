package domain

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/sharetube/syncwatch/pkg/omitnil"
)

const DefaultPlaybackRate = 1.0

// CanonicalState is the authoritative playback record of a room.
// Position is valid at UpdatedAt (unix milliseconds on the reference clock).
// Version orders states; UpdatedAt only anchors extrapolation.
type CanonicalState struct {
	RoomId       string  `json:"room_id"`
	MediaRef     string  `json:"media_ref"`
	Paused       bool    `json:"paused"`
	Position     float64 `json:"position"`
	PlaybackRate float64 `json:"playback_rate"`
	HostId       string  `json:"host_id"`
	Version      int64   `json:"version"`
	UpdatedAt    int64   `json:"updated_at"`
}

func NewCanonicalState(roomId, mediaRef string, now time.Time) CanonicalState {
	return CanonicalState{
		RoomId:       roomId,
		MediaRef:     mediaRef,
		Paused:       true,
		Position:     0,
		PlaybackRate: DefaultPlaybackRate,
		Version:      1,
		UpdatedAt:    now.UnixMilli(),
	}
}

func (s CanonicalState) UpdatedTime() time.Time {
	return time.UnixMilli(s.UpdatedAt)
}

// Elapsed is the time passed since UpdatedAt, clamped at zero.
func (s CanonicalState) Elapsed(now time.Time) time.Duration {
	elapsed := now.Sub(s.UpdatedTime())
	if elapsed < 0 {
		return 0
	}

	return elapsed
}

// PositionAt extrapolates the position to now.
func (s CanonicalState) PositionAt(now time.Time) float64 {
	if s.Paused {
		return s.Position
	}

	return s.Position + s.Elapsed(now).Seconds()*s.PlaybackRate
}

// NewerThan orders states of one room by version; updated_at plays no part.
func (s CanonicalState) NewerThan(other CanonicalState) bool {
	return s.Version > other.Version
}

// Patch carries the fields of an update. Nil fields keep their stored value.
type Patch struct {
	MediaRef     *string  `json:"media_ref,omitempty"`
	Paused       *bool    `json:"paused,omitempty"`
	Position     *float64 `json:"position,omitempty" validate:"omitempty,gte=0"`
	PlaybackRate *float64 `json:"playback_rate,omitempty" validate:"omitempty,gt=0,lte=16"`
	HostId       *string  `json:"host_id,omitempty"`
}

func (p Patch) IsEmpty() bool {
	return p.MediaRef == nil && p.Paused == nil && p.Position == nil && p.PlaybackRate == nil && p.HostId == nil
}

// LogValue logs only the fields the patch sets.
func (p Patch) LogValue() slog.Value {
	fields := omitnil.Fields(map[string]any{
		"media_ref":     p.MediaRef,
		"paused":        p.Paused,
		"position":      p.Position,
		"playback_rate": p.PlaybackRate,
		"host_id":       p.HostId,
	})

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, fields[k]))
	}

	return slog.GroupValue(attrs...)
}

func (p Patch) Validate() error {
	if p.IsEmpty() {
		return fmt.Errorf("%w: empty", ErrInvalidPatch)
	}
	if p.Position != nil && *p.Position < 0 {
		return fmt.Errorf("%w: position must not be negative", ErrInvalidPatch)
	}
	if p.PlaybackRate != nil && *p.PlaybackRate <= 0 {
		return fmt.Errorf("%w: playback rate must be positive", ErrInvalidPatch)
	}

	return nil
}

// Merge applies p on top of cur, bumps the version and re-anchors UpdatedAt to now.
// Without an explicit position the current one is extrapolated to now first, so a
// pause or rate change keeps the playhead where it was; a media change restarts at 0.
func Merge(cur CanonicalState, p Patch, now time.Time) CanonicalState {
	next := cur

	switch {
	case p.Position != nil:
		next.Position = *p.Position
	case p.MediaRef != nil && *p.MediaRef != cur.MediaRef:
		next.Position = 0
	default:
		next.Position = cur.PositionAt(now)
	}

	if p.MediaRef != nil {
		next.MediaRef = *p.MediaRef
	}
	if p.Paused != nil {
		next.Paused = *p.Paused
	}
	if p.PlaybackRate != nil {
		next.PlaybackRate = *p.PlaybackRate
	}
	if p.HostId != nil {
		next.HostId = *p.HostId
	}

	next.Version = cur.Version + 1
	next.UpdatedAt = now.UnixMilli()

	return next
}

func Ptr[T any](v T) *T {
	return &v
}
