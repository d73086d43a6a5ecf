package room

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sharetube/syncwatch/internal/domain"
	"github.com/sharetube/syncwatch/internal/repository/connection"
	"github.com/sharetube/syncwatch/internal/repository/room"
)

var (
	ErrMemberNotFound   = errors.New("member not found")
	ErrCapacityTooLarge = errors.New("capacity exceeds members limit")
)

type iRoomRepo interface {
	// room
	CreateRoom(context.Context, *room.CreateRoomParams) (domain.Room, error)
	GetRoom(context.Context, string) (domain.Room, error)
	SetRoomEnabled(context.Context, *room.SetRoomEnabledParams) (domain.Room, error)
	// member
	AddMember(context.Context, *room.AddMemberParams) error
	RemoveMember(context.Context, *room.RemoveMemberParams) error
	GetMemberIds(context.Context, string) ([]string, error)
	// lock
	GetLock(context.Context, string) (domain.HostLock, bool, error)
	domain.LockStore
	// state
	ReadState(context.Context, string) (domain.CanonicalState, error)
	ClearExpiredHost(context.Context, string) (domain.CanonicalState, bool, error)
	UpdateStateAsHost(ctx context.Context, roomId, hostId string, patch domain.Patch) (domain.CanonicalState, error)
}

type iConnRepo interface {
	Add(conn *connection.Conn, roomId, memberId string) (*connection.Conn, error)
	RemoveByConn(*connection.Conn) (string, string, error)
	GetRoomConns(string) []*connection.Conn
	RoomCount(string) int
}

type iNotifier interface {
	Publish(context.Context, domain.CanonicalState) error
	domain.Subscriber
}

// StateUpdatedFunc delivers a state change to the local connections of its room.
type StateUpdatedFunc func(conns []*connection.Conn, state domain.CanonicalState)

type Config struct {
	MembersLimit   int
	ResubscribeMin time.Duration
	ResubscribeMax time.Duration
}

type service struct {
	roomRepo       iRoomRepo
	connRepo       iConnRepo
	notifier       iNotifier
	clock          clockwork.Clock
	membersLimit   int
	resubscribeMin time.Duration
	resubscribeMax time.Duration
	logger         *slog.Logger

	mu             sync.Mutex
	subs           map[string]domain.Subscription
	expiryTimers   map[string]clockwork.Timer
	onStateUpdated StateUpdatedFunc
	closed         bool
	done           chan struct{}
}

func NewService(roomRepo iRoomRepo, connRepo iConnRepo, notifier iNotifier, clock clockwork.Clock, cfg Config, logger *slog.Logger) *service {
	if cfg.ResubscribeMin <= 0 {
		cfg.ResubscribeMin = 500 * time.Millisecond
	}
	if cfg.ResubscribeMax < cfg.ResubscribeMin {
		cfg.ResubscribeMax = 30 * time.Second
	}

	return &service{
		roomRepo:       roomRepo,
		connRepo:       connRepo,
		notifier:       notifier,
		clock:          clock,
		membersLimit:   cfg.MembersLimit,
		resubscribeMin: cfg.ResubscribeMin,
		resubscribeMax: cfg.ResubscribeMax,
		logger:         logger,
		subs:           make(map[string]domain.Subscription),
		expiryTimers:   make(map[string]clockwork.Timer),
		done:           make(chan struct{}),
		onStateUpdated: func([]*connection.Conn, domain.CanonicalState) {},
	}
}

// OnStateUpdated registers the fan-out to local connections. Register before serving.
func (s *service) OnStateUpdated(f StateUpdatedFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.onStateUpdated = f
}

// Close drops every room subscription and pending host expiry check.
func (s *service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	subs := s.subs
	s.subs = make(map[string]domain.Subscription)
	for _, t := range s.expiryTimers {
		t.Stop()
	}
	s.expiryTimers = make(map[string]clockwork.Timer)
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		errs = append(errs, sub.Close())
	}

	return errors.Join(errs...)
}
