// Command stream-herald watches Twitch channels on behalf of Telegram group
// chats and announces going-live transitions exactly once per transition.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Restores subscriptions and the live-state snapshot.
//   - Starts the poll-reconcile-notify loop and the Telegram command bot.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/stream-herald/bot"
	"github.com/onnwee/stream-herald/config"
	dbpkg "github.com/onnwee/stream-herald/db"
	"github.com/onnwee/stream-herald/monitor"
	"github.com/onnwee/stream-herald/notify"
	"github.com/onnwee/stream-herald/server"
	"github.com/onnwee/stream-herald/subs"
	"github.com/onnwee/stream-herald/telemetry"
	"github.com/onnwee/stream-herald/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	initLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("stream-herald", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	database, err := dbpkg.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; fall back to embedded SQL for deployments
	// shipped without the migrations directory.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := dbpkg.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := dbpkg.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo := &dbpkg.Repo{DB: database}

	store := subs.NewStore(repo)
	pairs, err := repo.LoadSubscriptions(ctx)
	if err != nil {
		slog.Error("failed to load subscriptions", slog.Any("err", err))
		os.Exit(1)
	}
	seed := make([]subs.Subscription, 0, len(pairs))
	for _, p := range pairs {
		seed = append(seed, subs.Subscription{Group: p.Group, Channel: p.Channel})
	}
	store.Load(seed)
	slog.Info("subscriptions restored", slog.Int("pairs", len(pairs)), slog.Int("channels", store.ChannelCount()))

	reconciler := monitor.NewReconciler()
	if live, err := repo.LoadLiveSnapshot(ctx); err != nil {
		slog.Warn("failed to load live snapshot", slog.Any("err", err))
	} else if len(live) > 0 {
		reconciler.Seed(live)
		slog.Info("live snapshot restored", slog.Int("channels", len(live)))
	}

	httpClient, err := cfg.HTTPClient(15 * time.Second)
	if err != nil {
		slog.Error("failed to build http client", slog.Any("err", err))
		os.Exit(1)
	}
	tokenSource := &twitchapi.TokenSource{
		ClientID:     cfg.TwitchAppID,
		ClientSecret: cfg.TwitchAppSecret,
		HTTPClient:   httpClient,
	}
	helix := &twitchapi.HelixClient{
		AppTokenSource: tokenSource,
		ClientID:       cfg.TwitchAppID,
		HTTPClient:     httpClient,
	}

	// Best-effort token fetch at boot so credential problems show up in the
	// logs immediately instead of on the first cycle.
	{
		ctx2, cancel := context.WithTimeout(ctx, 8*time.Second)
		if tok, err := tokenSource.Get(ctx2); err != nil {
			slog.Warn("twitch app token fetch failed", slog.Any("err", err))
		} else if len(tok) > 6 {
			slog.Info("twitch app token acquired", slog.String("tail", "***"+tok[len(tok)-6:]))
		}
		cancel()
	}

	tg, err := bot.New(cfg.TelegramBotToken, store, helix)
	if err != nil {
		slog.Error("failed to start telegram bot", slog.Any("err", err))
		os.Exit(1)
	}

	dispatcher := notify.NewDispatcher(store, tg)
	dispatcher.HTTPClient = httpClient
	dispatcher.SendImage = cfg.SendImage
	dispatcher.DisableSensitiveFilter = cfg.DisableSensitiveFilter

	mon := &monitor.Monitor{
		Store:      store,
		Fetcher:    helix,
		Reconciler: reconciler,
		Notifier:   dispatcher,
		Snapshots:  repo,
		Interval:   cfg.CheckInterval,
	}
	monDone := make(chan struct{})
	go func() {
		mon.Start(ctx)
		close(monDone)
	}()
	go tg.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.NewMux(database, store, reconciler),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	go func() {
		slog.Info("http server listening", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", slog.Any("err", err))
	}
	// Let the in-flight poll cycle drain before the process exits.
	<-monDone
}

// initLogging configures slog from LOG_LEVEL and LOG_FORMAT (text | json).
func initLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))
}
