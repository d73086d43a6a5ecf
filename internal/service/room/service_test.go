package room

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/sharetube/syncwatch/internal/domain"
	"github.com/sharetube/syncwatch/internal/repository/connection"
	"github.com/sharetube/syncwatch/internal/repository/connection/inmemory"
	roomRedis "github.com/sharetube/syncwatch/internal/repository/room/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type broadcastRecorder struct {
	mu     sync.Mutex
	states []domain.CanonicalState
	conns  [][]*connection.Conn
}

func (b *broadcastRecorder) record(conns []*connection.Conn, state domain.CanonicalState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.states = append(b.states, state)
	b.conns = append(b.conns, conns)
}

func (b *broadcastRecorder) last() (domain.CanonicalState, []*connection.Conn, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.states) == 0 {
		return domain.CanonicalState{}, nil, false
	}
	return b.states[len(b.states)-1], b.conns[len(b.conns)-1], true
}

func newTestService(t *testing.T, membersLimit int) (*service, *clockwork.FakeClock, *broadcastRecorder) {
	t.Helper()

	svc, clock, rec, _ := newTestServiceWithRedis(t, membersLimit)
	return svc, clock, rec
}

func newTestServiceWithRedis(t *testing.T, membersLimit int) (*service, *clockwork.FakeClock, *broadcastRecorder, *miniredis.Miniredis) {
	t.Helper()

	s := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{
		Addr: s.Addr(),
	})
	t.Cleanup(func() { rc.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	roomRepo := roomRedis.NewRepo(rc, clock, roomRedis.DefaultConfig(), logger)
	notifier := roomRedis.NewNotifier(rc, logger)
	connRepo := inmemory.NewRepo(logger)

	svc := NewService(roomRepo, connRepo, notifier, clock, Config{MembersLimit: membersLimit}, logger)
	rec := &broadcastRecorder{}
	svc.OnStateUpdated(rec.record)
	t.Cleanup(func() { svc.Close() })

	return svc, clock, rec, s
}

func connect(t *testing.T, svc *service, roomId, memberId string) *connection.Conn {
	t.Helper()

	conn := &connection.Conn{}
	_, err := svc.ConnectMember(context.Background(), &ConnectMemberParams{Conn: conn, RoomId: roomId, MemberId: memberId})
	require.NoError(t, err)
	return conn
}

func TestCreateRoom(t *testing.T) {
	svc, _, _ := newTestService(t, 9)
	ctx := context.Background()

	created, err := svc.CreateRoom(ctx, &CreateRoomParams{MediaRef: "media-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, 9, created.Capacity)
	assert.True(t, created.Enabled)

	_, err = svc.CreateRoom(ctx, &CreateRoomParams{Capacity: 10})
	assert.ErrorIs(t, err, ErrCapacityTooLarge)

	resp, err := svc.GetRoom(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "media-1", resp.State.MediaRef)
	assert.Nil(t, resp.Lock)
	assert.Empty(t, resp.MemberIds)

	_, err = svc.GetRoom(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestConnectMemberAdmission(t *testing.T) {
	svc, _, _ := newTestService(t, 9)
	ctx := context.Background()

	created, err := svc.CreateRoom(ctx, &CreateRoomParams{Capacity: 2, MediaRef: "m"})
	require.NoError(t, err)

	resp, err := svc.ConnectMember(ctx, &ConnectMemberParams{Conn: &connection.Conn{}, RoomId: created.ID, MemberId: "a"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.State.Version)
	connect(t, svc, created.ID, "b")

	_, err = svc.ConnectMember(ctx, &ConnectMemberParams{Conn: &connection.Conn{}, RoomId: created.ID, MemberId: "c"})
	assert.ErrorIs(t, err, domain.ErrRoomFull)

	_, err = svc.ConnectMember(ctx, &ConnectMemberParams{Conn: &connection.Conn{}, RoomId: "missing", MemberId: "c"})
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)

	_, err = svc.SetRoomEnabled(ctx, &SetRoomEnabledParams{RoomId: created.ID, Enabled: false})
	require.NoError(t, err)
	other, err := svc.ConnectMember(ctx, &ConnectMemberParams{Conn: &connection.Conn{}, RoomId: created.ID, MemberId: "d"})
	assert.ErrorIs(t, err, domain.ErrRoomDisabled)
	assert.Zero(t, other.State.Version)
}

func TestUpdateStateRequiresHost(t *testing.T) {
	svc, _, rec := newTestService(t, 9)
	ctx := context.Background()

	created, err := svc.CreateRoom(ctx, &CreateRoomParams{MediaRef: "m"})
	require.NoError(t, err)
	connA := connect(t, svc, created.ID, "a")
	connect(t, svc, created.ID, "b")

	patch := domain.Patch{Paused: domain.Ptr(false), Position: domain.Ptr(10.0)}
	_, err = svc.UpdateState(ctx, &UpdateStateParams{SenderId: "a", RoomId: created.ID, Patch: patch})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	ok, err := svc.ClaimHost(ctx, &HostParams{SenderId: "a", RoomId: created.ID})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.ClaimHost(ctx, &HostParams{SenderId: "b", RoomId: created.ID})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.UpdateState(ctx, &UpdateStateParams{SenderId: "b", RoomId: created.ID, Patch: patch})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	_, err = svc.UpdateState(ctx, &UpdateStateParams{SenderId: "a", RoomId: created.ID, Patch: domain.Patch{HostId: domain.Ptr("b")}})
	assert.ErrorIs(t, err, domain.ErrInvalidPatch)

	_, err = svc.UpdateState(ctx, &UpdateStateParams{SenderId: "a", RoomId: created.ID, Patch: domain.Patch{}})
	assert.ErrorIs(t, err, domain.ErrInvalidPatch)

	state, err := svc.UpdateState(ctx, &UpdateStateParams{SenderId: "a", RoomId: created.ID, Patch: patch})
	require.NoError(t, err)
	assert.Equal(t, int64(3), state.Version)
	assert.Equal(t, "a", state.HostId)

	assert.Eventually(t, func() bool {
		got, conns, ok := rec.last()
		return ok && got.Version == 3 && len(conns) == 2 && containsConn(conns, connA)
	}, 2*time.Second, 10*time.Millisecond)
}

func containsConn(conns []*connection.Conn, conn *connection.Conn) bool {
	for _, c := range conns {
		if c == conn {
			return true
		}
	}
	return false
}

func TestTransferHost(t *testing.T) {
	svc, _, rec := newTestService(t, 9)
	ctx := context.Background()

	created, err := svc.CreateRoom(ctx, &CreateRoomParams{MediaRef: "m"})
	require.NoError(t, err)
	connect(t, svc, created.ID, "a")
	connect(t, svc, created.ID, "b")

	ok, err := svc.ClaimHost(ctx, &HostParams{SenderId: "a", RoomId: created.ID})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = svc.TransferHost(ctx, &TransferHostParams{SenderId: "a", RoomId: created.ID, ToId: "stranger"})
	assert.ErrorIs(t, err, ErrMemberNotFound)

	ok, err = svc.TransferHost(ctx, &TransferHostParams{SenderId: "b", RoomId: created.ID, ToId: "b"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.TransferHost(ctx, &TransferHostParams{SenderId: "a", RoomId: created.ID, ToId: "b"})
	require.NoError(t, err)
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		got, _, ok := rec.last()
		return ok && got.HostId == "b"
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := svc.GetRoom(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, resp.Lock)
	assert.Equal(t, "b", resp.Lock.HostId)

	ok, err = svc.RenewHost(ctx, &HostParams{SenderId: "a", RoomId: created.ID})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.ReleaseHost(ctx, &HostParams{SenderId: "b", RoomId: created.ID})
	require.NoError(t, err)
	assert.True(t, ok)

	state, err := svc.ReadState(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, state.HostId)
}

func TestDisconnectMemberUnsubscribes(t *testing.T) {
	svc, _, _ := newTestService(t, 9)
	ctx := context.Background()

	created, err := svc.CreateRoom(ctx, &CreateRoomParams{MediaRef: "m"})
	require.NoError(t, err)
	connA := connect(t, svc, created.ID, "a")
	connB := connect(t, svc, created.ID, "b")

	require.NoError(t, svc.DisconnectMember(ctx, connA))
	svc.mu.Lock()
	assert.Len(t, svc.subs, 1)
	svc.mu.Unlock()

	require.NoError(t, svc.DisconnectMember(ctx, connB))
	require.NoError(t, svc.DisconnectMember(ctx, connB))
	svc.mu.Lock()
	assert.Empty(t, svc.subs)
	svc.mu.Unlock()

	resp, err := svc.GetRoom(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, resp.MemberIds)
}

func TestReconnectSupersedesStaleConn(t *testing.T) {
	svc, _, _ := newTestService(t, 9)
	ctx := context.Background()

	created, err := svc.CreateRoom(ctx, &CreateRoomParams{MediaRef: "m"})
	require.NoError(t, err)
	stale := connect(t, svc, created.ID, "a")
	connect(t, svc, created.ID, "a")

	// The superseded handler exits later without evicting the member.
	require.NoError(t, svc.DisconnectMember(ctx, stale))

	resp, err := svc.GetRoom(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, resp.MemberIds)
}

func TestProbeUsesServerClock(t *testing.T) {
	svc, clock, _ := newTestService(t, 9)
	clock.Advance(time.Second)

	assert.Equal(t, clock.Now(), svc.Probe(context.Background()))
}

func TestExpiredHostLeaseIsPublished(t *testing.T) {
	svc, clock, rec, s := newTestServiceWithRedis(t, 9)
	ctx := context.Background()

	created, err := svc.CreateRoom(ctx, &CreateRoomParams{MediaRef: "m"})
	require.NoError(t, err)
	connA := connect(t, svc, created.ID, "a")
	connect(t, svc, created.ID, "b")

	ok, err := svc.ClaimHost(ctx, &HostParams{SenderId: "a", RoomId: created.ID})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Eventually(t, func() bool {
		got, _, ok := rec.last()
		return ok && got.HostId == "a"
	}, 2*time.Second, 10*time.Millisecond)
	claimed, _, _ := rec.last()

	require.NoError(t, svc.DisconnectMember(ctx, connA))
	s.FastForward(31 * time.Second)
	clock.Advance(31 * time.Second)

	assert.Eventually(t, func() bool {
		got, _, ok := rec.last()
		return ok && got.HostId == "" && got.Version == claimed.Version+1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = svc.UpdateState(ctx, &UpdateStateParams{SenderId: "a", RoomId: created.ID, Patch: domain.Patch{Paused: domain.Ptr(true)}})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	state, err := svc.ReadState(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, state.HostId)
	assert.Equal(t, claimed.Version+1, state.Version)
}

func TestReadStateClearsLapsedHost(t *testing.T) {
	svc, _, rec, s := newTestServiceWithRedis(t, 9)
	ctx := context.Background()

	created, err := svc.CreateRoom(ctx, &CreateRoomParams{MediaRef: "m"})
	require.NoError(t, err)
	connect(t, svc, created.ID, "b")

	ok, err := svc.ClaimHost(ctx, &HostParams{SenderId: "a", RoomId: created.ID})
	require.NoError(t, err)
	require.True(t, ok)

	s.FastForward(31 * time.Second)

	state, err := svc.ReadState(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, state.HostId)
	assert.Eventually(t, func() bool {
		got, _, ok := rec.last()
		return ok && got.Version == state.Version && got.HostId == ""
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCloseStopsResubscribeBackoff(t *testing.T) {
	svc, clock, _ := newTestService(t, 9)
	ctx := context.Background()

	created, err := svc.CreateRoom(ctx, &CreateRoomParams{MediaRef: "m"})
	require.NoError(t, err)
	connect(t, svc, created.ID, "a")

	lost := domain.NewSubscriptionHandle(nil)
	lost.Fail(errors.New("connection reset"))

	returned := make(chan struct{})
	go func() {
		svc.watchSubscription(created.ID, lost)
		close(returned)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	require.NoError(t, svc.Close())

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("resubscribe loop still waiting after Close")
	}
}
