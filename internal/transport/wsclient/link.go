package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sharetube/syncwatch/internal/domain"
	"github.com/sharetube/syncwatch/internal/transport/protocol"
)

// link is one websocket connection with its in-flight requests and subscriptions.
type link struct {
	ws        *websocket.Conn
	writeWait time.Duration
	logger    *slog.Logger
	writeMu   sync.Mutex

	mu      sync.Mutex
	pending map[string]chan inbound
	subs    map[*domain.SubscriptionHandle]func(domain.CanonicalState)
	done    chan struct{}
	err     error
}

func newLink(ws *websocket.Conn, writeWait time.Duration, logger *slog.Logger) *link {
	return &link{
		ws:        ws,
		writeWait: writeWait,
		logger:    logger,
		pending:   make(map[string]chan inbound),
		subs:      make(map[*domain.SubscriptionHandle]func(domain.CanonicalState)),
		done:      make(chan struct{}),
	}
}

func (l *link) isDone() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *link) write(v any) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if err := l.ws.SetWriteDeadline(time.Now().Add(l.writeWait)); err != nil {
		return err
	}

	return l.ws.WriteJSON(v)
}

func (l *link) request(ctx context.Context, msgType string, payload any, out any) error {
	requestId := newRequestId()
	ch := make(chan inbound, 1)

	l.mu.Lock()
	if l.err != nil {
		err := l.err
		l.mu.Unlock()
		return err
	}
	l.pending[requestId] = ch
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.pending, requestId)
		l.mu.Unlock()
	}()

	if err := l.write(outbound{Type: msgType, RequestId: requestId, Payload: payload}); err != nil {
		return fmt.Errorf("failed to write %s: %w", msgType, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return l.failure()
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error.Err()
		}
		if out == nil || len(resp.Payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Payload, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", msgType, err)
		}
		return nil
	}
}

func (l *link) subscribe(onChange func(domain.CanonicalState)) (domain.Subscription, error) {
	var h *domain.SubscriptionHandle
	h = domain.NewSubscriptionHandle(func() error {
		l.mu.Lock()
		delete(l.subs, h)
		l.mu.Unlock()
		return nil
	})

	l.mu.Lock()
	if l.err != nil {
		err := l.err
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", domain.ErrSubscriptionLost, err)
	}
	l.subs[h] = onChange
	l.mu.Unlock()

	return h, nil
}

func (l *link) failure() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.err
}

func (l *link) readLoop() {
	for {
		var msg inbound
		if err := l.ws.ReadJSON(&msg); err != nil {
			l.shutdown(fmt.Errorf("%w: %w", ErrDisconnected, err))
			return
		}

		switch msg.Type {
		case protocol.TypeResponse:
			l.mu.Lock()
			ch, ok := l.pending[msg.RequestId]
			l.mu.Unlock()
			if ok {
				ch <- msg
			}
		case protocol.TypeStateUpdated:
			var state domain.CanonicalState
			if err := json.Unmarshal(msg.Payload, &state); err != nil {
				l.logger.Warn("failed to decode state update", "error", err)
				continue
			}
			l.dispatch(state)
		default:
			l.logger.Debug("ignoring message", "type", msg.Type)
		}
	}
}

func (l *link) dispatch(state domain.CanonicalState) {
	l.mu.Lock()
	handlers := make([]func(domain.CanonicalState), 0, len(l.subs))
	for _, f := range l.subs {
		handlers = append(handlers, f)
	}
	l.mu.Unlock()

	for _, f := range handlers {
		f(state)
	}
}

func (l *link) shutdown(cause error) {
	l.mu.Lock()
	if l.err != nil {
		l.mu.Unlock()
		return
	}
	l.err = cause
	subs := make([]*domain.SubscriptionHandle, 0, len(l.subs))
	for h := range l.subs {
		subs = append(subs, h)
	}
	l.subs = make(map[*domain.SubscriptionHandle]func(domain.CanonicalState))
	close(l.done)
	l.mu.Unlock()

	for _, h := range subs {
		h.Fail(cause)
	}
}

func (l *link) close() error {
	l.writeMu.Lock()
	l.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(l.writeWait))
	l.writeMu.Unlock()

	err := l.ws.Close()
	l.shutdown(ErrClosed)
	return err
}
