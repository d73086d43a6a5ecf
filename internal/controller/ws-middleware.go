package controller

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/sharetube/syncwatch/internal/repository/connection"
	"github.com/sharetube/syncwatch/pkg/ctxlogger"
	"github.com/sharetube/syncwatch/pkg/wsrouter"
)

func (c controller) wsRequestIdWSMw() wsrouter.Middleware[*connection.Conn] {
	return func(next wsrouter.HandlerFunc[*connection.Conn, any]) wsrouter.HandlerFunc[*connection.Conn, any] {
		return func(ctx context.Context, conn *connection.Conn, payload any) error {
			requestId := wsrouter.GetRequestIdFromCtx(ctx)
			if requestId == "" {
				requestId = c.generateTimeBasedId()
			}

			ctx = ctxlogger.AppendCtx(ctx, slog.String("ws_request_id", requestId))
			return next(ctx, conn, payload)
		}
	}
}

func (c controller) loggerWSMw() wsrouter.Middleware[*connection.Conn] {
	return func(next wsrouter.HandlerFunc[*connection.Conn, any]) wsrouter.HandlerFunc[*connection.Conn, any] {
		return func(ctx context.Context, conn *connection.Conn, payload any) error {
			ctx = ctxlogger.AppendCtx(ctx, slog.String("message_type", wsrouter.GetMessageTypeFromCtx(ctx)))
			c.logger.DebugContext(ctx, "websocket message received", "payload", payload)

			start := time.Now()

			err := next(ctx, conn, payload)

			c.logger.DebugContext(ctx, "websocket message handled",
				"processing_time_us", time.Since(start).Microseconds(),
				"goroutines", runtime.NumGoroutine(),
			)

			return err
		}
	}
}
