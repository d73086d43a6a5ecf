package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sharetube/syncwatch/internal/domain"
)

var errConnectionClosed = errors.New("nats connection closed")

type Config struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: "syncwatch.room",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// Notifier fans canonical state changes out over core NATS subjects.
type Notifier struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*domain.SubscriptionHandle]struct{}
}

func Connect(cfg Config, logger *slog.Logger) (*Notifier, error) {
	n := newNotifier(cfg.SubjectPrefix, logger)

	opts := []nats.Option{
		nats.Name("syncwatch"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Error("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("nats error", "error", err)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			n.failAll(errConnectionClosed)
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	n.nc = nc
	return n, nil
}

func newNotifier(prefix string, logger *slog.Logger) *Notifier {
	if prefix == "" {
		prefix = DefaultConfig().SubjectPrefix
	}

	return &Notifier{
		prefix: prefix,
		logger: logger,
		subs:   make(map[*domain.SubscriptionHandle]struct{}),
	}
}

func (n *Notifier) subject(roomId string) string {
	return n.prefix + "." + roomId + ".state"
}

func (n *Notifier) Publish(ctx context.Context, state domain.CanonicalState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := n.nc.Publish(n.subject(state.RoomId), data); err != nil {
		return fmt.Errorf("failed to publish state: %w", err)
	}

	return nil
}

func (n *Notifier) Subscribe(ctx context.Context, roomId string, onChange func(domain.CanonicalState)) (domain.Subscription, error) {
	var handle *domain.SubscriptionHandle
	sub, err := n.nc.Subscribe(n.subject(roomId), func(msg *nats.Msg) {
		n.deliver(msg.Data, onChange)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	handle = domain.NewSubscriptionHandle(func() error {
		n.forget(handle)
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			return err
		}
		return nil
	})
	n.track(handle)

	return handle, nil
}

func (n *Notifier) deliver(data []byte, onChange func(domain.CanonicalState)) {
	var state domain.CanonicalState
	if err := json.Unmarshal(data, &state); err != nil {
		n.logger.Warn("failed to decode state notification", "error", err)
		return
	}

	onChange(state)
}

func (n *Notifier) track(h *domain.SubscriptionHandle) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.subs[h] = struct{}{}
}

func (n *Notifier) forget(h *domain.SubscriptionHandle) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.subs, h)
}

func (n *Notifier) failAll(cause error) {
	n.mu.Lock()
	subs := make([]*domain.SubscriptionHandle, 0, len(n.subs))
	for h := range n.subs {
		subs = append(subs, h)
	}
	n.mu.Unlock()

	for _, h := range subs {
		h.Fail(cause)
	}
}

// Close drains the connection. Live subscriptions end with ErrSubscriptionLost.
func (n *Notifier) Close() error {
	if err := n.nc.Drain(); err != nil {
		n.nc.Close()
		return fmt.Errorf("failed to drain nats connection: %w", err)
	}

	return nil
}
