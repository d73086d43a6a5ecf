package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sharetube/syncwatch/internal/app"
	"github.com/sharetube/syncwatch/pkg/configvar"
)

var (
	port = configvar.Var[int]{
		EnvKey:  "SERVER_PORT",
		FlagKey: "port",
		Default: 80,
		Usage:   "Server port",
	}
	host = configvar.Var[string]{
		EnvKey:  "SERVER_HOST",
		FlagKey: "host",
		Default: "0.0.0.0",
		Usage:   "Server host",
	}
	logLevel = configvar.Var[string]{
		EnvKey:  "SERVER_LOG_LEVEL",
		FlagKey: "log-level",
		Default: "INFO",
		Usage:   "Logging level",
	}
	membersLimit = configvar.Var[int]{
		EnvKey:  "SERVER_MEMBERS_LIMIT",
		FlagKey: "members-limit",
		Default: 9,
		Usage:   "Maximum number of members in a room",
	}
	roomTTL = configvar.Var[time.Duration]{
		EnvKey:  "SERVER_ROOM_TTL",
		FlagKey: "room-ttl",
		Default: 14 * 24 * time.Hour,
		Usage:   "Idle lifetime of a room",
	}
	lockTTL = configvar.Var[time.Duration]{
		EnvKey:  "SERVER_LOCK_TTL",
		FlagKey: "lock-ttl",
		Default: 30 * time.Second,
		Usage:   "Host lock lease, renewed by the host while connected",
	}
	shutdownTimeout = configvar.Var[time.Duration]{
		EnvKey:  "SERVER_SHUTDOWN_TIMEOUT",
		FlagKey: "shutdown-timeout",
		Default: 30 * time.Second,
		Usage:   "Graceful shutdown timeout",
	}
	redisPort = configvar.Var[int]{
		EnvKey:  "REDIS_PORT",
		FlagKey: "redis-port",
		Default: 6379,
		Usage:   "Redis port",
	}
	redisHost = configvar.Var[string]{
		EnvKey:  "REDIS_HOST",
		FlagKey: "redis-host",
		Default: "localhost",
		Usage:   "Redis host",
	}
	redisPassword = configvar.Var[string]{
		EnvKey:  "REDIS_PASSWORD",
		FlagKey: "redis-password",
		Default: "",
		Usage:   "Redis password",
	}
	notifyBackend = configvar.Var[string]{
		EnvKey:  "SERVER_NOTIFY_BACKEND",
		FlagKey: "notify-backend",
		Default: app.NotifyRedis,
		Usage:   "State notification bus: redis or nats",
	}
	natsURL = configvar.Var[string]{
		EnvKey:  "NATS_URL",
		FlagKey: "nats-url",
		Default: "nats://localhost:4222",
		Usage:   "NATS server URL",
	}
)

func loadAppConfig() *app.AppConfig {
	configvar.Bind(port, pflag.Int)
	configvar.Bind(host, pflag.String)
	configvar.Bind(logLevel, pflag.String)
	configvar.Bind(membersLimit, pflag.Int)
	configvar.Bind(roomTTL, pflag.Duration)
	configvar.Bind(lockTTL, pflag.Duration)
	configvar.Bind(shutdownTimeout, pflag.Duration)
	configvar.Bind(redisPort, pflag.Int)
	configvar.Bind(redisHost, pflag.String)
	configvar.Bind(redisPassword, pflag.String)
	configvar.Bind(notifyBackend, pflag.String)
	configvar.Bind(natsURL, pflag.String)
	configvar.Parse()

	return &app.AppConfig{
		Host:            viper.GetString(host.FlagKey),
		Port:            viper.GetInt(port.FlagKey),
		LogLevel:        viper.GetString(logLevel.FlagKey),
		MembersLimit:    viper.GetInt(membersLimit.FlagKey),
		RoomTTL:         viper.GetDuration(roomTTL.FlagKey),
		LockTTL:         viper.GetDuration(lockTTL.FlagKey),
		ShutdownTimeout: viper.GetDuration(shutdownTimeout.FlagKey),
		RedisHost:       viper.GetString(redisHost.FlagKey),
		RedisPort:       viper.GetInt(redisPort.FlagKey),
		RedisPassword:   viper.GetString(redisPassword.FlagKey),
		NotifyBackend:   viper.GetString(notifyBackend.FlagKey),
		NatsURL:         viper.GetString(natsURL.FlagKey),
	}
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	ctx := context.Background()

	appConfig := loadAppConfig()

	jsonConfig, _ := json.MarshalIndent(appConfig, "", "  ")
	fmt.Printf("starting app with config: %s\n", jsonConfig)

	if err := app.Run(ctx, appConfig); err != nil {
		log.Fatal(err)
	}
}
