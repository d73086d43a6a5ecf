package redis

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/sharetube/syncwatch/internal/domain"
	"github.com/sharetube/syncwatch/internal/repository/room"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) (*repo, *miniredis.Miniredis, *clockwork.FakeClock) {
	t.Helper()

	s := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{
		Addr: s.Addr(),
	})
	t.Cleanup(func() { rc.Close() })

	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRepo(rc, clock, Config{LockTTL: 30 * time.Second}, logger)

	return r, s, clock
}

func createRoom(t *testing.T, r *repo, roomId string, capacity int) {
	t.Helper()

	_, err := r.CreateRoom(context.Background(), &room.CreateRoomParams{
		RoomId:   roomId,
		Capacity: capacity,
		Enabled:  true,
		MediaRef: "media-1",
	})
	require.NoError(t, err)
}

func TestCreateRoom(t *testing.T) {
	r, _, clock := newTestRepo(t)
	ctx := context.Background()

	created, err := r.CreateRoom(ctx, &room.CreateRoomParams{RoomId: "r1", Capacity: 4, Enabled: true, MediaRef: "media-1"})
	require.NoError(t, err)
	assert.Equal(t, "r1", created.ID)

	got, err := r.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.Capacity)
	assert.True(t, got.Enabled)
	assert.Equal(t, clock.Now().UnixMilli(), got.CreatedAt.UnixMilli())

	state, err := r.ReadState(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Version)
	assert.Equal(t, "media-1", state.MediaRef)
	assert.True(t, state.Paused)
	assert.Equal(t, 1.0, state.PlaybackRate)

	_, err = r.CreateRoom(ctx, &room.CreateRoomParams{RoomId: "r1", Capacity: 4})
	assert.ErrorIs(t, err, domain.ErrRoomExists)

	_, err = r.GetRoom(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	_, err = r.ReadState(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrStateNotFound)
}

func TestSetRoomEnabled(t *testing.T) {
	r, _, _ := newTestRepo(t)
	ctx := context.Background()
	createRoom(t, r, "r1", 2)

	got, err := r.SetRoomEnabled(ctx, &room.SetRoomEnabledParams{RoomId: "r1", Enabled: false})
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	err = r.AddMember(ctx, &room.AddMemberParams{RoomId: "r1", MemberId: "a"})
	assert.ErrorIs(t, err, domain.ErrRoomDisabled)

	_, err = r.SetRoomEnabled(ctx, &room.SetRoomEnabledParams{RoomId: "missing", Enabled: true})
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestAddMemberCapacity(t *testing.T) {
	r, _, _ := newTestRepo(t)
	ctx := context.Background()
	createRoom(t, r, "r1", 2)

	require.NoError(t, r.AddMember(ctx, &room.AddMemberParams{RoomId: "r1", MemberId: "a"}))
	require.NoError(t, r.AddMember(ctx, &room.AddMemberParams{RoomId: "r1", MemberId: "b"}))
	require.NoError(t, r.AddMember(ctx, &room.AddMemberParams{RoomId: "r1", MemberId: "a"}))

	err := r.AddMember(ctx, &room.AddMemberParams{RoomId: "r1", MemberId: "c"})
	assert.ErrorIs(t, err, domain.ErrRoomFull)

	require.NoError(t, r.RemoveMember(ctx, &room.RemoveMemberParams{RoomId: "r1", MemberId: "b"}))
	require.NoError(t, r.AddMember(ctx, &room.AddMemberParams{RoomId: "r1", MemberId: "c"}))

	ids, err := r.GetMemberIds(ctx, "r1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, ids)
}

func TestUpdateStateMerges(t *testing.T) {
	r, _, clock := newTestRepo(t)
	ctx := context.Background()
	createRoom(t, r, "r1", 0)

	state, err := r.UpdateState(ctx, "r1", domain.Patch{Paused: domain.Ptr(false), Position: domain.Ptr(10.0)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.Version)
	assert.False(t, state.Paused)

	clock.Advance(3 * time.Second)
	state, err = r.UpdateState(ctx, "r1", domain.Patch{Paused: domain.Ptr(true)})
	require.NoError(t, err)
	assert.Equal(t, int64(3), state.Version)
	assert.InDelta(t, 13.0, state.Position, 1e-9)
	assert.Equal(t, clock.Now().UnixMilli(), state.UpdatedAt)

	read, err := r.ReadState(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, state, read)

	_, err = r.UpdateState(ctx, "missing", domain.Patch{Paused: domain.Ptr(true)})
	assert.ErrorIs(t, err, domain.ErrStateNotFound)
}

func TestConcurrentUpdatesGetDistinctVersions(t *testing.T) {
	r, _, _ := newTestRepo(t)
	ctx := context.Background()
	createRoom(t, r, "r1", 0)

	const writers = 16
	var wg sync.WaitGroup
	versions := make(chan int64, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			state, err := r.UpdateState(ctx, "r1", domain.Patch{Position: domain.Ptr(float64(i))})
			if assert.NoError(t, err) {
				versions <- state.Version
			}
		}(i)
	}
	wg.Wait()
	close(versions)

	seen := map[int64]bool{}
	for v := range versions {
		assert.False(t, seen[v], "duplicate version %d", v)
		seen[v] = true
	}
	assert.Len(t, seen, writers)

	state, err := r.ReadState(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(1+writers), state.Version)
}

func TestClaimLockSingleWinner(t *testing.T) {
	r, _, _ := newTestRepo(t)
	ctx := context.Background()
	createRoom(t, r, "r1", 0)

	const claimers = 16
	var wg sync.WaitGroup
	var winners atomic.Int32
	var winner atomic.Value
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			ok, err := r.ClaimLock(ctx, "r1", user)
			assert.NoError(t, err)
			if ok {
				winners.Add(1)
				winner.Store(user)
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()

	require.Equal(t, int32(1), winners.Load())

	lock, ok, err := r.GetLock(ctx, "r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, winner.Load(), lock.HostId)

	state, err := r.ReadState(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, lock.HostId, state.HostId)
	assert.Equal(t, int64(2), state.Version)
}

func TestClaimLockKeepsUpdatedAt(t *testing.T) {
	r, _, clock := newTestRepo(t)
	ctx := context.Background()
	createRoom(t, r, "r1", 0)

	before, err := r.ReadState(ctx, "r1")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	ok, err := r.ClaimLock(ctx, "r1", "a")
	require.NoError(t, err)
	require.True(t, ok)

	after, err := r.ReadState(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Equal(t, before.Version+1, after.Version)
}

func TestTransferLock(t *testing.T) {
	r, _, _ := newTestRepo(t)
	ctx := context.Background()
	createRoom(t, r, "r1", 0)

	ok, err := r.TransferLock(ctx, "r1", "a", "b")
	require.NoError(t, err)
	assert.False(t, ok, "no lock to transfer")

	ok, err = r.ClaimLock(ctx, "r1", "a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.TransferLock(ctx, "r1", "b", "c")
	require.NoError(t, err)
	assert.False(t, ok, "only the holder can transfer")

	ok, err = r.TransferLock(ctx, "r1", "a", "b")
	require.NoError(t, err)
	require.True(t, ok)

	lock, held, err := r.GetLock(ctx, "r1")
	require.NoError(t, err)
	require.True(t, held)
	assert.Equal(t, "b", lock.HostId)

	state, err := r.ReadState(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "b", state.HostId)
	assert.Equal(t, int64(3), state.Version)

	ok, err = r.ClaimLock(ctx, "r1", "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLockLeaseExpiresWithoutRenewal(t *testing.T) {
	r, s, _ := newTestRepo(t)
	ctx := context.Background()
	createRoom(t, r, "r1", 0)

	ok, err := r.ClaimLock(ctx, "r1", "a")
	require.NoError(t, err)
	require.True(t, ok)

	s.FastForward(20 * time.Second)
	ok, err = r.RenewLock(ctx, "r1", "a")
	require.NoError(t, err)
	require.True(t, ok)

	s.FastForward(20 * time.Second)
	ok, err = r.ClaimLock(ctx, "r1", "b")
	require.NoError(t, err)
	assert.False(t, ok, "renewed lease is still valid")

	s.FastForward(31 * time.Second)
	ok, err = r.RenewLock(ctx, "r1", "a")
	require.NoError(t, err)
	assert.False(t, ok, "expired lease cannot be renewed")

	ok, err = r.ClaimLock(ctx, "r1", "b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReadStateClearsLapsedHost(t *testing.T) {
	r, s, _ := newTestRepo(t)
	ctx := context.Background()
	createRoom(t, r, "r1", 0)

	ok, err := r.ClaimLock(ctx, "r1", "a")
	require.NoError(t, err)
	require.True(t, ok)

	held, err := r.ReadState(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, "a", held.HostId)

	s.FastForward(31 * time.Second)

	state, err := r.ReadState(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, state.HostId)
	assert.Equal(t, held.Version+1, state.Version)
	assert.Equal(t, held.UpdatedAt, state.UpdatedAt)

	again, cleared, err := r.ClearExpiredHost(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, cleared)
	assert.Equal(t, state.Version, again.Version)

	ok, err = r.ClaimLock(ctx, "r1", "b")
	require.NoError(t, err)
	require.True(t, ok)
	_, cleared, err = r.ClearExpiredHost(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, cleared, "a live lease is left alone")
}

func TestReleaseLock(t *testing.T) {
	r, _, _ := newTestRepo(t)
	ctx := context.Background()
	createRoom(t, r, "r1", 0)

	ok, err := r.ClaimLock(ctx, "r1", "a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.ReleaseLock(ctx, "r1", "b")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.ReleaseLock(ctx, "r1", "a")
	require.NoError(t, err)
	assert.True(t, ok)

	_, held, err := r.GetLock(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, held)

	state, err := r.ReadState(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, state.HostId)
	assert.Equal(t, int64(3), state.Version)
}

func TestNotifier(t *testing.T) {
	r, _, _ := newTestRepo(t)
	ctx := context.Background()
	n := NewNotifier(r.rc, r.logger)

	received := make(chan domain.CanonicalState, 1)
	sub, err := n.Subscribe(ctx, "r1", func(s domain.CanonicalState) { received <- s })
	require.NoError(t, err)

	want := domain.CanonicalState{RoomId: "r1", MediaRef: "m", Position: 4.5, PlaybackRate: 1, Version: 7, UpdatedAt: 42}
	require.NoError(t, n.Publish(ctx, want))
	require.NoError(t, n.Publish(ctx, domain.CanonicalState{RoomId: "other", Version: 1}))

	select {
	case got := <-received:
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}

	require.NoError(t, sub.Close())
	<-sub.Done()
	assert.NoError(t, sub.Err())
}

func TestUpdateStateAsHost(t *testing.T) {
	r, _, _ := newTestRepo(t)
	ctx := context.Background()
	createRoom(t, r, "r1", 0)

	_, err := r.UpdateStateAsHost(ctx, "r1", "a", domain.Patch{Paused: domain.Ptr(false)})
	assert.ErrorIs(t, err, domain.ErrLockConflict)

	ok, err := r.ClaimLock(ctx, "r1", "a")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = r.UpdateStateAsHost(ctx, "r1", "b", domain.Patch{Paused: domain.Ptr(false)})
	assert.ErrorIs(t, err, domain.ErrLockConflict)

	state, err := r.UpdateStateAsHost(ctx, "r1", "a", domain.Patch{Paused: domain.Ptr(false)})
	require.NoError(t, err)
	assert.False(t, state.Paused)
	assert.Equal(t, int64(3), state.Version)
}
