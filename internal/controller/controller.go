package controller

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sharetube/syncwatch/internal/domain"
	"github.com/sharetube/syncwatch/internal/repository/connection"
	"github.com/sharetube/syncwatch/internal/service/room"
	"github.com/sharetube/syncwatch/pkg/validator"
	"github.com/sharetube/syncwatch/pkg/wsrouter"
)

type iRoomService interface {
	// room
	CreateRoom(context.Context, *room.CreateRoomParams) (domain.Room, error)
	GetRoom(context.Context, string) (room.GetRoomResponse, error)
	SetRoomEnabled(context.Context, *room.SetRoomEnabledParams) (domain.Room, error)
	// member
	ConnectMember(context.Context, *room.ConnectMemberParams) (room.ConnectMemberResponse, error)
	DisconnectMember(context.Context, *connection.Conn) error
	// state
	Probe(context.Context) time.Time
	ReadState(context.Context, string) (domain.CanonicalState, error)
	UpdateState(context.Context, *room.UpdateStateParams) (domain.CanonicalState, error)
	// host
	ClaimHost(context.Context, *room.HostParams) (bool, error)
	TransferHost(context.Context, *room.TransferHostParams) (bool, error)
	RenewHost(context.Context, *room.HostParams) (bool, error)
	ReleaseHost(context.Context, *room.HostParams) (bool, error)
	OnStateUpdated(room.StateUpdatedFunc)
}

type Config struct {
	WriteWait  time.Duration
	PongWait   time.Duration
	PingPeriod time.Duration
}

func DefaultConfig() Config {
	return Config{
		WriteWait:  10 * time.Second,
		PongWait:   60 * time.Second,
		PingPeriod: 54 * time.Second,
	}
}

type controller struct {
	roomService iRoomService
	upgrader    websocket.Upgrader
	validate    *validator.Validator
	wsmux       *wsrouter.WSRouter[*connection.Conn]
	cfg         Config
	logger      *slog.Logger
}

func NewController(roomService iRoomService, cfg Config, logger *slog.Logger) *controller {
	c := &controller{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		roomService: roomService,
		validate:    validator.NewValidator(),
		cfg:         cfg,
		logger:      logger,
	}
	c.wsmux = c.getWSRouter()
	roomService.OnStateUpdated(c.broadcastStateUpdated)

	return c
}
