package redis

import (
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	// ExpireDuration is the idle lifetime of a room and everything under it.
	ExpireDuration time.Duration
	// LockTTL is the lease of a host lock; holders renew well before it runs out.
	LockTTL time.Duration
	// MaxTxRetries bounds optimistic transaction retries under contention.
	MaxTxRetries int
}

func DefaultConfig() Config {
	return Config{
		ExpireDuration: 24 * time.Hour,
		LockTTL:        30 * time.Second,
		MaxTxRetries:   64,
	}
}

type repo struct {
	rc             *redis.Client
	clock          clockwork.Clock
	expireDuration time.Duration
	lockTTL        time.Duration
	maxTxRetries   int
	logger         *slog.Logger
}

func NewRepo(rc *redis.Client, clock clockwork.Clock, cfg Config, logger *slog.Logger) *repo {
	def := DefaultConfig()
	if cfg.ExpireDuration <= 0 {
		cfg.ExpireDuration = def.ExpireDuration
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.MaxTxRetries <= 0 {
		cfg.MaxTxRetries = def.MaxTxRetries
	}

	return &repo{
		rc:             rc,
		clock:          clock,
		expireDuration: cfg.ExpireDuration,
		lockTTL:        cfg.LockTTL,
		maxTxRetries:   cfg.MaxTxRetries,
		logger:         logger,
	}
}

func (r repo) getRoomKey(roomId string) string {
	return "room:" + roomId
}

func (r repo) getLockKey(roomId string) string {
	return "room:" + roomId + ":lock"
}

func (r repo) getStateKey(roomId string) string {
	return "room:" + roomId + ":state"
}

func (r repo) getMemberListKey(roomId string) string {
	return "room:" + roomId + ":memberlist"
}
