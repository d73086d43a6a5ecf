package hostlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sharetube/syncwatch/internal/domain"
)

var ErrEmptyUser = errors.New("empty user id")

type Config struct {
	// RenewInterval should stay well under the store's lease TTL, a third of it is typical.
	RenewInterval  time.Duration
	ReleaseTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		RenewInterval:  10 * time.Second,
		ReleaseTimeout: 5 * time.Second,
	}
}

// Manager grants and revokes single-writer control over rooms.
type Manager struct {
	store  domain.LockStore
	clock  clockwork.Clock
	cfg    Config
	logger *slog.Logger
}

func NewManager(store domain.LockStore, clock clockwork.Clock, cfg Config, logger *slog.Logger) *Manager {
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = DefaultConfig().RenewInterval
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = DefaultConfig().ReleaseTimeout
	}

	return &Manager{
		store:  store,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// Claim succeeds iff the room has no host. A taken lock is reported as false, not as an error.
func (m *Manager) Claim(ctx context.Context, roomId, userId string) (bool, error) {
	if userId == "" {
		return false, ErrEmptyUser
	}

	ok, err := m.store.ClaimLock(ctx, roomId, userId)
	if err != nil {
		return false, fmt.Errorf("failed to claim lock: %w", err)
	}

	m.logger.DebugContext(ctx, "claim", "room_id", roomId, "user_id", userId, "granted", ok)
	return ok, nil
}

// Transfer hands the lock from fromId to toId iff fromId currently holds it.
func (m *Manager) Transfer(ctx context.Context, roomId, fromId, toId string) (bool, error) {
	if fromId == "" || toId == "" {
		return false, ErrEmptyUser
	}

	ok, err := m.store.TransferLock(ctx, roomId, fromId, toId)
	if err != nil {
		return false, fmt.Errorf("failed to transfer lock: %w", err)
	}

	m.logger.DebugContext(ctx, "transfer", "room_id", roomId, "from", fromId, "to", toId, "granted", ok)
	return ok, nil
}

func (m *Manager) Release(ctx context.Context, roomId, userId string) (bool, error) {
	ok, err := m.store.ReleaseLock(ctx, roomId, userId)
	if err != nil {
		return false, fmt.Errorf("failed to release lock: %w", err)
	}

	return ok, nil
}

// Lease tracks a held lock being renewed in the background.
type Lease struct {
	lost chan struct{}
	done chan struct{}
}

// Lost is closed when a renewal was refused, i.e. the lease expired or the lock moved on.
func (l *Lease) Lost() <-chan struct{} {
	return l.lost
}

// Done is closed once the renewal goroutine has exited.
func (l *Lease) Done() <-chan struct{} {
	return l.done
}

// Hold renews the lock every RenewInterval until ctx is done, then releases it.
// The caller must already hold the lock.
func (m *Manager) Hold(ctx context.Context, roomId, userId string) *Lease {
	lease := &Lease{
		lost: make(chan struct{}),
		done: make(chan struct{}),
	}

	go func() {
		defer close(lease.done)

		ticker := m.clock.NewTicker(m.cfg.RenewInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				m.release(roomId, userId)
				return
			case <-ticker.Chan():
			}

			ok, err := m.store.RenewLock(ctx, roomId, userId)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				m.logger.WarnContext(ctx, "failed to renew host lock", "room_id", roomId, "error", err)
				continue
			}
			if !ok {
				m.logger.InfoContext(ctx, "host lock lost", "room_id", roomId, "user_id", userId)
				close(lease.lost)
				return
			}
		}
	}()

	return lease
}

func (m *Manager) release(roomId, userId string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ReleaseTimeout)
	defer cancel()

	if _, err := m.Release(ctx, roomId, userId); err != nil {
		m.logger.WarnContext(ctx, "failed to release host lock", "room_id", roomId, "error", err)
	}
}
