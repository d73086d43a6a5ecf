package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/sharetube/syncwatch/internal/controller"
	"github.com/sharetube/syncwatch/internal/domain"
	"github.com/sharetube/syncwatch/internal/repository/connection/inmemory"
	natsNotify "github.com/sharetube/syncwatch/internal/repository/notify/nats"
	roomRedis "github.com/sharetube/syncwatch/internal/repository/room/redis"
	"github.com/sharetube/syncwatch/internal/service/room"
	"github.com/sharetube/syncwatch/pkg/ctxlogger"
	"github.com/sharetube/syncwatch/pkg/redisclient"
)

const (
	NotifyRedis = "redis"
	NotifyNats  = "nats"
)

type AppConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	LogLevel        string        `json:"log_level"`
	MembersLimit    int           `json:"members_limit"`
	RoomTTL         time.Duration `json:"room_ttl"`
	LockTTL         time.Duration `json:"lock_ttl"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	RedisHost       string        `json:"redis_host"`
	RedisPort       int           `json:"redis_port"`
	RedisPassword   string        `json:"-"`
	NotifyBackend   string        `json:"notify_backend"`
	NatsURL         string        `json:"nats_url"`
}

func (cfg *AppConfig) Validate() error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("port must be in [0, 65535]")
	}
	if cfg.MembersLimit < 1 {
		return fmt.Errorf("members limit must be greater than 0")
	}
	if cfg.RoomTTL <= 0 {
		return fmt.Errorf("room ttl must be positive")
	}
	if cfg.LockTTL < time.Second {
		return fmt.Errorf("lock ttl must be at least 1s")
	}
	if cfg.LockTTL > cfg.RoomTTL {
		return fmt.Errorf("lock ttl must not exceed room ttl")
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}

	switch cfg.NotifyBackend {
	case NotifyRedis:
	case NotifyNats:
		if cfg.NatsURL == "" {
			return fmt.Errorf("nats url is required for the nats notify backend")
		}
	default:
		return fmt.Errorf("unknown notify backend %q", cfg.NotifyBackend)
	}

	if _, err := parseLevel(cfg.LogLevel); err != nil {
		return err
	}

	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return level, fmt.Errorf("invalid log level: %w", err)
	}

	return level, nil
}

func NewLogger(cfg *AppConfig) (*slog.Logger, error) {
	logLevel, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	h := ctxlogger.ContextHandler{
		Handler: slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level:     logLevel,
			AddSource: true,
		}),
	}

	return slog.New(&h), nil
}

type notifier interface {
	Publish(context.Context, domain.CanonicalState) error
	domain.Subscriber
}

// App is the wired server: storage, notification bus, room service and HTTP handler.
type App struct {
	handler http.Handler
	closers []func() error
}

func Build(cfg *AppConfig, logger *slog.Logger) (*App, error) {
	a := &App{}

	rc, err := redisclient.NewRedisClient(&redisclient.Config{
		Port:     cfg.RedisPort,
		Host:     cfg.RedisHost,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create redis client: %w", err)
	}
	a.closers = append(a.closers, rc.Close)

	n, err := a.newNotifier(cfg, rc, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	clock := clockwork.NewRealClock()
	roomRepo := roomRedis.NewRepo(rc, clock, roomRedis.Config{
		ExpireDuration: cfg.RoomTTL,
		LockTTL:        cfg.LockTTL,
	}, logger)
	connectionRepo := inmemory.NewRepo(logger)
	roomService := room.NewService(roomRepo, connectionRepo, n, clock, room.Config{
		MembersLimit: cfg.MembersLimit,
	}, logger)
	// closers run in reverse, so the service stops before its notifier and redis client
	a.closers = append(a.closers, roomService.Close)

	a.handler = controller.NewController(roomService, controller.DefaultConfig(), logger).GetMux()
	return a, nil
}

func (a *App) newNotifier(cfg *AppConfig, rc *redis.Client, logger *slog.Logger) (notifier, error) {
	switch cfg.NotifyBackend {
	case NotifyNats:
		natsCfg := natsNotify.DefaultConfig()
		natsCfg.URL = cfg.NatsURL
		n, err := natsNotify.Connect(natsCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		a.closers = append(a.closers, n.Close)
		return n, nil
	default:
		return roomRedis.NewNotifier(rc, logger), nil
	}
}

func (a *App) Handler() http.Handler {
	return a.handler
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func Run(ctx context.Context, cfg *AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := NewLogger(cfg)
	if err != nil {
		return err
	}

	a, err := Build(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	server := &http.Server{
		Addr:    net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		Handler: a.Handler(),
	}

	// graceful shutdown
	serverCtx, serverStopCtx := context.WithCancel(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		select {
		case <-sig:
		case <-ctx.Done():
		}

		shutdownCtx, c := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer c()

		go func() {
			<-shutdownCtx.Done()
			if shutdownCtx.Err() == context.DeadlineExceeded {
				log.Fatal("graceful shutdown timed out.. forcing exit.")
			}
		}()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Fatal(err)
		}
		serverStopCtx()
	}()

	logger.InfoContext(serverCtx, "starting server", "address", server.Addr, "notify_backend", cfg.NotifyBackend)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	<-serverCtx.Done()

	return nil
}
