package controller

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sharetube/syncwatch/internal/domain"
	"github.com/sharetube/syncwatch/internal/repository/connection"
	"github.com/sharetube/syncwatch/internal/service/room"
	"github.com/sharetube/syncwatch/internal/transport/protocol"
	"github.com/sharetube/syncwatch/pkg/validator"
	"github.com/sharetube/syncwatch/pkg/wsrouter"
)

func (c controller) generateTimeBasedId() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}

func (c controller) writeOutput(ctx context.Context, conn *connection.Conn, output *protocol.Output) {
	if err := conn.WriteJSON(output); err != nil {
		c.logger.InfoContext(ctx, "failed to write output", "type", output.Type, "error", err)
	}
}

func (c controller) respond(ctx context.Context, conn *connection.Conn, payload any) error {
	c.writeOutput(ctx, conn, &protocol.Output{
		Type:      protocol.TypeResponse,
		RequestId: wsrouter.GetRequestIdFromCtx(ctx),
		Payload:   payload,
	})
	return nil
}

// handleWSError answers the failed request with an error RESPONSE.
func (c controller) handleWSError(ctx context.Context, conn *connection.Conn, err error) {
	wireErr := &protocol.Error{Code: protocol.CodeInternal, Message: "internal server error"}

	var validationErr validator.ValidationError
	switch code, ok := protocol.CodeFor(err); {
	case ok:
		wireErr = &protocol.Error{Code: code, Message: err.Error()}
	case errors.As(err, &validationErr):
		wireErr = &protocol.Error{Code: protocol.CodeValidationFailed, Message: err.Error()}
	case errors.Is(err, room.ErrMemberNotFound):
		wireErr = &protocol.Error{Code: protocol.CodeMemberNotFound, Message: err.Error()}
	case errors.Is(err, wsrouter.ErrUnknownMessageType):
		wireErr = &protocol.Error{Code: protocol.CodeUnknownMessageType, Message: err.Error()}
	case errors.Is(err, wsrouter.ErrBadPayload):
		wireErr = &protocol.Error{Code: protocol.CodeBadRequest, Message: err.Error()}
	default:
		c.logger.ErrorContext(ctx, "websocket request failed", "error", err)
	}

	c.logger.InfoContext(ctx, "websocket request rejected", "code", wireErr.Code, "error", err)
	c.writeOutput(ctx, conn, &protocol.Output{
		Type:      protocol.TypeResponse,
		RequestId: wsrouter.GetRequestIdFromCtx(ctx),
		Error:     wireErr,
	})
}

func (c controller) broadcastStateUpdated(conns []*connection.Conn, state domain.CanonicalState) {
	output := &protocol.Output{
		Type:    protocol.TypeStateUpdated,
		Payload: state,
	}

	for _, conn := range conns {
		c.writeOutput(context.Background(), conn, output)
	}
}
