package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sharetube/syncwatch/internal/player/simplayer"
	"github.com/sharetube/syncwatch/internal/session"
	"github.com/sharetube/syncwatch/internal/transport/wsclient"
	"github.com/sharetube/syncwatch/pkg/configvar"
	"github.com/sharetube/syncwatch/pkg/ctxlogger"
)

var (
	serverURL = configvar.Var[string]{
		EnvKey:  "VIEWER_SERVER_URL",
		FlagKey: "server-url",
		Default: "ws://localhost:80",
		Usage:   "Server websocket base URL",
	}
	roomId = configvar.Var[string]{
		EnvKey:  "VIEWER_ROOM_ID",
		FlagKey: "room-id",
		Usage:   "Room to join",
	}
	memberId = configvar.Var[string]{
		EnvKey:  "VIEWER_MEMBER_ID",
		FlagKey: "member-id",
		Usage:   "Member id, random when empty",
	}
	claim = configvar.Var[bool]{
		EnvKey:  "VIEWER_CLAIM",
		FlagKey: "claim",
		Usage:   "Claim the host lock after joining",
	}
	media = configvar.Var[string]{
		EnvKey:  "VIEWER_MEDIA",
		FlagKey: "media",
		Usage:   "Media to load and play when host",
	}
	probeInterval = configvar.Var[time.Duration]{
		EnvKey:  "VIEWER_PROBE_INTERVAL",
		FlagKey: "probe-interval",
		Default: 20 * time.Second,
		Usage:   "Clock probe interval",
	}
	probeTimeout = configvar.Var[time.Duration]{
		EnvKey:  "VIEWER_PROBE_TIMEOUT",
		FlagKey: "probe-timeout",
		Default: 5 * time.Second,
		Usage:   "Clock probe timeout",
	}
	driftTick = configvar.Var[time.Duration]{
		EnvKey:  "VIEWER_DRIFT_TICK",
		FlagKey: "drift-tick",
		Default: 2500 * time.Millisecond,
		Usage:   "Drift evaluation interval",
	}
	debounce = configvar.Var[time.Duration]{
		EnvKey:  "VIEWER_DEBOUNCE",
		FlagKey: "debounce",
		Default: 500 * time.Millisecond,
		Usage:   "Minimum interval between host state writes",
	}
	reportInterval = configvar.Var[time.Duration]{
		EnvKey:  "VIEWER_REPORT_INTERVAL",
		FlagKey: "report-interval",
		Default: 5 * time.Second,
		Usage:   "How often the session snapshot is logged",
	}
	logLevel = configvar.Var[string]{
		EnvKey:  "VIEWER_LOG_LEVEL",
		FlagKey: "log-level",
		Default: "INFO",
		Usage:   "Logging level",
	}
)

type viewerConfig struct {
	ServerURL      string
	RoomId         string
	MemberId       string
	Claim          bool
	Media          string
	ReportInterval time.Duration
	LogLevel       string
	Session        session.Config
}

func loadViewerConfig() (viewerConfig, error) {
	configvar.Bind(serverURL, pflag.String)
	configvar.Bind(roomId, pflag.String)
	configvar.Bind(memberId, pflag.String)
	configvar.Bind(claim, pflag.Bool)
	configvar.Bind(media, pflag.String)
	configvar.Bind(probeInterval, pflag.Duration)
	configvar.Bind(probeTimeout, pflag.Duration)
	configvar.Bind(driftTick, pflag.Duration)
	configvar.Bind(debounce, pflag.Duration)
	configvar.Bind(reportInterval, pflag.Duration)
	configvar.Bind(logLevel, pflag.String)
	configvar.Parse()

	cfg := viewerConfig{
		ServerURL:      viper.GetString(serverURL.FlagKey),
		RoomId:         viper.GetString(roomId.FlagKey),
		MemberId:       viper.GetString(memberId.FlagKey),
		Claim:          viper.GetBool(claim.FlagKey),
		Media:          viper.GetString(media.FlagKey),
		ReportInterval: viper.GetDuration(reportInterval.FlagKey),
		LogLevel:       viper.GetString(logLevel.FlagKey),
		Session:        session.DefaultConfig(),
	}
	if cfg.RoomId == "" {
		return cfg, fmt.Errorf("room id is required")
	}
	if cfg.MemberId == "" {
		cfg.MemberId = uuid.NewString()
	}
	if cfg.ReportInterval <= 0 {
		return cfg, fmt.Errorf("report interval must be positive")
	}

	cfg.Session.RoomId = cfg.RoomId
	cfg.Session.UserId = cfg.MemberId
	cfg.Session.Probe.Interval = viper.GetDuration(probeInterval.FlagKey)
	cfg.Session.Probe.Timeout = viper.GetDuration(probeTimeout.FlagKey)
	cfg.Session.Drift.TickInterval = viper.GetDuration(driftTick.FlagKey)
	cfg.Session.Host.MinInterval = viper.GetDuration(debounce.FlagKey)

	return cfg, nil
}

func newLogger(level string) (*slog.Logger, error) {
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, err
	}

	h := ctxlogger.ContextHandler{
		Handler: slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		}),
	}

	return slog.New(&h), nil
}

func run(ctx context.Context, cfg viewerConfig, logger *slog.Logger) error {
	client := wsclient.New(wsclient.Config{
		ServerURL: cfg.ServerURL,
		RoomId:    cfg.RoomId,
		MemberId:  cfg.MemberId,
	}, logger)
	defer client.Close()

	clock := clockwork.NewRealClock()
	player := simplayer.New(clock)
	s := session.New(cfg.Session, client, player, clock, logger)
	s.OnStatus(func(status session.Status) {
		fmt.Printf("status: %s\n", status)
	})

	if err := s.Start(ctx); err != nil {
		return err
	}
	defer s.Close()

	if cfg.Claim {
		ok, err := s.Claim(ctx)
		if err != nil {
			return fmt.Errorf("failed to claim host: %w", err)
		}
		logger.InfoContext(ctx, "host claim", "granted", ok)

		if ok && cfg.Media != "" {
			if err := s.Load(cfg.Media); err != nil {
				return fmt.Errorf("failed to load media: %w", err)
			}
			if err := s.Play(); err != nil {
				return fmt.Errorf("failed to play: %w", err)
			}
		}
	}

	ticker := clock.NewTicker(cfg.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}

		snap := s.Snapshot()
		var lastDrift float64
		if n := len(snap.DriftHistory); n > 0 {
			lastDrift = snap.DriftHistory[n-1].DriftMs
		}
		logger.InfoContext(ctx, "playback",
			"status", string(snap.Status),
			"is_host", snap.IsHost,
			"media", player.Media(),
			"paused", player.Paused(),
			"position", player.Position(),
			"rate", player.Rate(),
			"version", snap.LastAppliedVersion,
			"offset_ms", snap.Offset.Milliseconds(),
			"drift_ms", lastDrift,
		)
	}
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	cfg, err := loadViewerConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		log.Fatal(err)
	}
}
