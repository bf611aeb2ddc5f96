// Command clip-tender watches Twitch chat activity per broadcaster and clips
// the moments where it spikes. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Loads and validates the shared Twitch user credential (fail fast) and
//     keeps it refreshed in the background.
//   - Consumes chat from Kafka (or Twitch IRC), detects anomalies per
//     broadcaster and runs a clip workflow for each one.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, /clips
//     and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM: the chat source stops, queued events
// are drained and in-flight clip workflows are given time to finish.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/joho/godotenv"

	"github.com/onnwee/clip-tender/chat"
	"github.com/onnwee/clip-tender/clip"
	"github.com/onnwee/clip-tender/config"
	"github.com/onnwee/clip-tender/db"
	"github.com/onnwee/clip-tender/detector"
	"github.com/onnwee/clip-tender/oauth"
	"github.com/onnwee/clip-tender/server"
	"github.com/onnwee/clip-tender/telemetry"
	"github.com/onnwee/clip-tender/twitchapi"
)

const version = "1.0.0"

type chatSource interface {
	Run(ctx context.Context) error
	Ready() bool
}

func main() {
	migrateOnly := flag.String("migrate", "", "apply (up) or roll back one (down) schema migration, then exit")
	flag.Parse()

	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()
	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}
	if *migrateOnly == "" {
		if err := cfg.ValidateTwitchApp(); err != nil {
			slog.Error("invalid configuration", slog.Any("err", err))
			os.Exit(1)
		}
	}
	for _, w := range cfg.Warnings() {
		slog.Warn("configuration warning", slog.String("detail", w))
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("clip-tender", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := connectDB(ctx, cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	if *migrateOnly != "" {
		if err := migrateAndExit(ctx, database, *migrateOnly); err != nil {
			slog.Error("migration failed", slog.String("direction", *migrateOnly), slog.Any("err", err))
			os.Exit(1)
		}
		return
	}
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.Migrate(ctx, database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}
	if v, dirty, err := db.GetMigrationVersion(database); err == nil {
		slog.Info("database schema ready", slog.Uint64("version", uint64(v)), slog.Bool("dirty", dirty), slog.String("component", "db_migrate"))
	}

	// Credentials: fail fast when the shared token is missing or unusable.
	store, err := oauth.OpenStore(ctx, cfg.CredentialStore, cfg, database)
	if err != nil {
		slog.Error("failed to open credential store", slog.Any("err", err))
		os.Exit(1)
	}
	if c, ok := store.(io.Closer); ok {
		defer c.Close()
	}
	httpClient := &http.Client{Timeout: cfg.ClipHTTPTimeout}
	auth := &twitchapi.AuthClient{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret, HTTPClient: httpClient}
	creds := oauth.NewManager(store, auth)
	bootCtx, cancelBoot := context.WithTimeout(ctx, 30*time.Second)
	_, err = creds.Bootstrap(bootCtx, auth, strings.Fields(cfg.TwitchScopes)...)
	cancelBoot()
	if err != nil {
		slog.Error("twitch credentials unusable", slog.String("store", cfg.CredentialStore), slog.Any("err", err))
		os.Exit(1)
	}
	oauth.StartRefresher(ctx, creds, 5*time.Minute, 15*time.Minute)

	// Pipeline: chat source -> router -> orchestrator -> sink.
	helix := &twitchapi.HelixClient{ClientID: cfg.TwitchClientID, HTTPClient: httpClient}
	orch := clip.NewOrchestrator(clip.SettingsFromConfig(cfg), helix, creds, clip.NewDBSink(database), clip.WithBaseContext(ctx))

	policy, _ := detector.ParsePolicy(cfg.BaselinePolicy) // checked by Validate
	router := detector.NewRouter(cfg.Partitions, detector.Params{
		WindowSize:  cfg.WindowSize,
		Slide:       cfg.SlideInterval,
		Warmup:      cfg.BaselineWarmup,
		Threshold:   cfg.AnomalyThreshold,
		Cooldown:    cfg.CooldownPeriod,
		IdleTimeout: cfg.IdleTimeout,
		Policy:      policy,
		Alpha:       cfg.BaselineAlpha,
	}, orch.Handle)
	router.Start()

	var src chatSource
	switch cfg.ChatSource {
	case "irc":
		src = chat.NewIRCSource(cfg.TwitchBotUsername, cfg.TwitchChannels, creds.Token, router)
	default:
		ks, err := chat.NewKafkaSource(chat.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroupID}, router)
		if err != nil {
			slog.Error("failed to create kafka consumer", slog.Any("err", err))
			os.Exit(1)
		}
		defer ks.Close()
		src = ks
	}
	srcDone := make(chan struct{})
	go func() {
		defer close(srcDone)
		if err := src.Run(ctx); err != nil {
			slog.Error("chat source stopped", slog.Any("err", err))
			stop()
		}
	}()

	deps := server.Deps{
		DB:    database,
		Clips: server.SQLClips(database),
		Ready: []server.ReadyCheck{
			{Name: "database", Check: database.PingContext},
			{Name: "credentials", Check: func(context.Context) error {
				if !creds.Ready() {
					return errors.New("no usable credential loaded")
				}
				return nil
			}},
			{Name: "chat_source", Check: func(context.Context) error {
				if !src.Ready() {
					return errors.New(cfg.ChatSource + " chat source not connected")
				}
				return nil
			}},
		},
		Status: func() any {
			cur, _ := creds.Current()
			return map[string]any{
				"chat_source":           cfg.ChatSource,
				"detector":              router.Stats(),
				"clips":                 orch.Stats(),
				"credential_expires_at": cur.ExpiresAt,
				"orchestration_budget":  cfg.OrchestrationBudget().String(),
			}
		},
	}
	go func() {
		if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	<-srcDone
	router.Close()
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.OrchestrationBudget()+cfg.ClipHTTPTimeout)
	defer cancelDrain()
	if err := orch.Wait(drainCtx); err != nil {
		slog.Warn("abandoning clip workflows at shutdown", slog.Any("err", err))
	}
}

func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

// connectDB retries the initial connection with exponential backoff so the
// service survives starting before Postgres.
func connectDB(ctx context.Context, dsn string) (*sql.DB, error) {
	op := func() (*sql.DB, error) {
		return db.Connect(ctx, dsn)
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("database not reachable, retrying", slog.Any("err", err), slog.Duration("backoff", wait), slog.String("component", "db"))
	}
	return backoff.Retry(ctx, op, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(2*time.Minute), backoff.WithNotify(notify))
}

func migrateAndExit(ctx context.Context, database *sql.DB, direction string) error {
	switch direction {
	case "up":
		return db.Migrate(ctx, database)
	case "down":
		return db.MigrateDown(database)
	default:
		return fmt.Errorf("unknown -migrate direction %q (want up or down)", direction)
	}
}
