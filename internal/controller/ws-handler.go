package controller

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sharetube/syncwatch/internal/domain"
	"github.com/sharetube/syncwatch/internal/repository/connection"
	"github.com/sharetube/syncwatch/internal/service/room"
	"github.com/sharetube/syncwatch/internal/transport/protocol"
	"github.com/sharetube/syncwatch/pkg/ctxlogger"
)

const maxMessageSize = 64 << 10

func (c controller) joinRoom(w http.ResponseWriter, r *http.Request) {
	roomId := chi.URLParam(r, "room-id")
	memberId := r.URL.Query().Get("member-id")
	if memberId == "" {
		memberId = uuid.NewString()
	}

	ctx := ctxlogger.AppendCtx(r.Context(), slog.String("room_id", roomId))
	ctx = ctxlogger.AppendCtx(ctx, slog.String("member_id", memberId))

	ws, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.WarnContext(ctx, "failed to upgrade to websocket", "error", err)
		return
	}
	conn := connection.NewConn(ws, c.cfg.WriteWait)
	defer conn.Close()

	connectResp, err := c.roomService.ConnectMember(ctx, &room.ConnectMemberParams{
		Conn:     conn,
		RoomId:   roomId,
		MemberId: memberId,
	})
	if err != nil {
		c.handleWSError(ctx, conn, err)
		return
	}
	defer func() {
		if err := c.roomService.DisconnectMember(context.WithoutCancel(ctx), conn); err != nil {
			c.logger.WarnContext(ctx, "failed to disconnect member", "error", err)
		}
	}()

	c.writeOutput(ctx, conn, &protocol.Output{
		Type:    protocol.TypeStateUpdated,
		Payload: connectResp.State,
	})

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.pingLoop(ctx, conn)

	ctx = context.WithValue(ctx, roomIdCtxKey, roomId)
	ctx = context.WithValue(ctx, memberIdCtxKey, memberId)

	if err := c.wsmux.ServeConn(ctx, conn); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			c.logger.InfoContext(ctx, "websocket closed unexpectedly", "error", err)
			return
		}
		c.logger.DebugContext(ctx, "websocket closed", "error", err)
	}
}

func (c controller) pingLoop(ctx context.Context, conn *connection.Conn) {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				c.logger.DebugContext(ctx, "failed to ping", "error", err)
				return
			}
		}
	}
}

func (c controller) handleProbe(ctx context.Context, conn *connection.Conn, input protocol.ProbeInput) error {
	serverNow := c.roomService.Probe(ctx)

	return c.respond(ctx, conn, protocol.ProbeOutput{
		ClientSentAt: input.ClientSentAt,
		ServerNow:    serverNow.UnixMicro(),
	})
}

func (c controller) handleReadState(ctx context.Context, conn *connection.Conn, _ struct{}) error {
	state, err := c.roomService.ReadState(ctx, c.getRoomIdFromCtx(ctx))
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	return c.respond(ctx, conn, state)
}

func (c controller) handleUpdateState(ctx context.Context, conn *connection.Conn, input domain.Patch) error {
	if err := c.validate.Err(input); err != nil {
		return err
	}

	state, err := c.roomService.UpdateState(ctx, &room.UpdateStateParams{
		SenderId: c.getMemberIdFromCtx(ctx),
		RoomId:   c.getRoomIdFromCtx(ctx),
		Patch:    input,
	})
	if err != nil {
		return fmt.Errorf("failed to update state: %w", err)
	}

	return c.respond(ctx, conn, state)
}

func (c controller) handleClaimHost(ctx context.Context, conn *connection.Conn, _ struct{}) error {
	ok, err := c.roomService.ClaimHost(ctx, &room.HostParams{
		SenderId: c.getMemberIdFromCtx(ctx),
		RoomId:   c.getRoomIdFromCtx(ctx),
	})
	if err != nil {
		return fmt.Errorf("failed to claim host: %w", err)
	}

	return c.respond(ctx, conn, protocol.LockOutput{Ok: ok})
}

func (c controller) handleTransferHost(ctx context.Context, conn *connection.Conn, input protocol.TransferHostInput) error {
	if err := c.validate.Err(input); err != nil {
		return err
	}

	ok, err := c.roomService.TransferHost(ctx, &room.TransferHostParams{
		SenderId: c.getMemberIdFromCtx(ctx),
		RoomId:   c.getRoomIdFromCtx(ctx),
		ToId:     input.ToId,
	})
	if err != nil {
		return fmt.Errorf("failed to transfer host: %w", err)
	}

	return c.respond(ctx, conn, protocol.LockOutput{Ok: ok})
}

func (c controller) handleRenewHost(ctx context.Context, conn *connection.Conn, _ struct{}) error {
	ok, err := c.roomService.RenewHost(ctx, &room.HostParams{
		SenderId: c.getMemberIdFromCtx(ctx),
		RoomId:   c.getRoomIdFromCtx(ctx),
	})
	if err != nil {
		return fmt.Errorf("failed to renew host: %w", err)
	}

	return c.respond(ctx, conn, protocol.LockOutput{Ok: ok})
}

func (c controller) handleReleaseHost(ctx context.Context, conn *connection.Conn, _ struct{}) error {
	ok, err := c.roomService.ReleaseHost(ctx, &room.HostParams{
		SenderId: c.getMemberIdFromCtx(ctx),
		RoomId:   c.getRoomIdFromCtx(ctx),
	})
	if err != nil {
		return fmt.Errorf("failed to release host: %w", err)
	}

	return c.respond(ctx, conn, protocol.LockOutput{Ok: ok})
}
