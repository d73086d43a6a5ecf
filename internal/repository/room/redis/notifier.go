package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/sharetube/syncwatch/internal/domain"
)

var errChannelClosed = errors.New("pubsub channel closed")

// Notifier fans canonical state changes out over redis pub/sub.
type Notifier struct {
	rc     *redis.Client
	logger *slog.Logger
}

func NewNotifier(rc *redis.Client, logger *slog.Logger) *Notifier {
	return &Notifier{
		rc:     rc,
		logger: logger,
	}
}

func (n *Notifier) getStateChannel(roomId string) string {
	return "room:" + roomId + ":state-updated"
}

func (n *Notifier) Publish(ctx context.Context, state domain.CanonicalState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := n.rc.Publish(ctx, n.getStateChannel(state.RoomId), data).Err(); err != nil {
		return fmt.Errorf("failed to publish state: %w", err)
	}

	return nil
}

// Subscribe returns once the subscription is confirmed by the server.
func (n *Notifier) Subscribe(ctx context.Context, roomId string, onChange func(domain.CanonicalState)) (domain.Subscription, error) {
	ps := n.rc.Subscribe(ctx, n.getStateChannel(roomId))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	sub := domain.NewSubscriptionHandle(ps.Close)
	ch := ps.Channel()
	go func() {
		for msg := range ch {
			var state domain.CanonicalState
			if err := json.Unmarshal([]byte(msg.Payload), &state); err != nil {
				n.logger.Warn("failed to decode state notification", "channel", msg.Channel, "error", err)
				continue
			}

			onChange(state)
		}

		sub.Fail(errChannelClosed)
	}()

	return sub, nil
}
