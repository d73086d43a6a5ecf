package wsrouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrBadPayload         = errors.New("bad payload")
)

// Conn is the part of a websocket connection the router reads from.
type Conn interface {
	ReadJSON(v any) error
}

type Message struct {
	Type      string          `json:"type"`
	RequestId string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type HandlerFunc[C Conn, T any] func(ctx context.Context, conn C, payload T) error

type Middleware[C Conn] func(next HandlerFunc[C, any]) HandlerFunc[C, any]

// ErrorHandler is called with every error returned by a handler or produced while decoding.
type ErrorHandler[C Conn] func(ctx context.Context, conn C, err error)

type route[C Conn] func(ctx context.Context, conn C, payload json.RawMessage) error

type WSRouter[C Conn] struct {
	routes       map[string]route[C]
	middlewares  []Middleware[C]
	errorHandler ErrorHandler[C]
}

func New[C Conn]() *WSRouter[C] {
	return &WSRouter[C]{
		routes:       make(map[string]route[C]),
		errorHandler: func(context.Context, C, error) {},
	}
}

// Use appends middlewares. Only handlers registered afterwards are wrapped.
func (r *WSRouter[C]) Use(mw ...Middleware[C]) {
	r.middlewares = append(r.middlewares, mw...)
}

func (r *WSRouter[C]) OnError(h ErrorHandler[C]) {
	r.errorHandler = h
}

// Handle registers handler for messageType. The payload is decoded into T before the middleware chain runs.
func Handle[C Conn, T any](r *WSRouter[C], messageType string, handler HandlerFunc[C, T]) {
	var h HandlerFunc[C, any] = func(ctx context.Context, conn C, payload any) error {
		return handler(ctx, conn, payload.(T))
	}
	for i := len(r.middlewares) - 1; i >= 0; i-- {
		h = r.middlewares[i](h)
	}

	r.routes[messageType] = func(ctx context.Context, conn C, raw json.RawMessage) error {
		var payload T
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &payload); err != nil {
				return fmt.Errorf("%w: failed to decode %s payload: %w", ErrBadPayload, messageType, err)
			}
		}

		return h(ctx, conn, payload)
	}
}

// ServeConn reads messages until the connection fails or ctx is done.
func (r *WSRouter[C]) ServeConn(ctx context.Context, conn C) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}

		msgCtx := context.WithValue(ctx, messageTypeKey, msg.Type)
		msgCtx = context.WithValue(msgCtx, requestIdKey, msg.RequestId)

		handler, exists := r.routes[msg.Type]
		if !exists {
			r.errorHandler(msgCtx, conn, fmt.Errorf("%w: %q", ErrUnknownMessageType, msg.Type))
			continue
		}

		if err := handler(msgCtx, conn, msg.Payload); err != nil {
			r.errorHandler(msgCtx, conn, err)
		}
	}
}
