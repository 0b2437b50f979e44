// Command stream-herald follows YouTube channel feeds over WebSub and
// announces scheduled livestreams in chat. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Re-arms notifications for stored upcoming livestreams, then subscribes
//     to every stored feed and keeps the leases renewed.
//   - Exposes the WebSub callback, /healthz, /readyz, /metrics and the admin API.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/stream-herald/chat"
	"github.com/onnwee/stream-herald/config"
	"github.com/onnwee/stream-herald/crypto"
	"github.com/onnwee/stream-herald/db"
	"github.com/onnwee/stream-herald/herald"
	"github.com/onnwee/stream-herald/oauth"
	"github.com/onnwee/stream-herald/scheduler"
	"github.com/onnwee/stream-herald/server"
	"github.com/onnwee/stream-herald/telemetry"
	"github.com/onnwee/stream-herald/websub"
	"github.com/onnwee/stream-herald/youtubeapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
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
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("stream-herald", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; the embedded idempotent SQL covers databases
	// created before schema_migrations existed.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
	}
	var storeOpts []db.StoreOption
	if cfg.EncryptionKey != "" {
		c, err := crypto.NewCipher(cfg.EncryptionKey)
		if err != nil {
			slog.Error("invalid ENCRYPTION_KEY", slog.Any("err", err))
			os.Exit(1)
		}
		storeOpts = append(storeOpts, db.WithCipher(c))
		slog.Info("oauth token encryption enabled")
	} else {
		slog.Warn("ENCRYPTION_KEY not set, oauth tokens are stored in plaintext")
	}
	store := db.NewStore(database, storeOpts...)

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	yt := youtubeapi.New(cfg, store)
	if cfg.YouTubeAPIKey == "" && !cfg.YouTubeOAuthConfigured() {
		slog.Warn("no YOUTUBE_API_KEY or YouTube OAuth client configured; video lookups will fail")
	}
	if cfg.YouTubeOAuthConfigured() {
		oauth.StartRefresher(ctx, store, youtubeapi.Provider, 10*time.Minute, 20*time.Minute, yt.Refresh)
	}

	notifier := buildNotifier(ctx, cfg)

	registry := websub.NewRegistry()
	hubClient := websub.NewClient(registry, cfg.CallbackBaseURL(), &http.Client{Timeout: cfg.HubHTTPTimeout})
	callbacks := websub.NewRouter(registry)

	sched := scheduler.New(scheduler.WithLocation(cfg.DisplayLocation))
	sched.Start(ctx)

	h := herald.New(herald.Config{
		ScheduledChannel: cfg.ChannelScheduled,
		ReminderChannel:  cfg.ChannelReminder,
		LiveChannel:      cfg.ChannelLive,
		LeadTimes:        cfg.ReminderLeads,
		Location:         cfg.DisplayLocation,
	}, herald.Deps{
		Store:      store,
		Videos:     yt,
		Scheduler:  sched,
		Subscriber: hubClient,
		Chat:       notifier,
	})
	heraldDone := make(chan struct{})
	go func() {
		defer close(heraldDone)
		_ = h.Run(ctx)
	}()

	deps := server.Deps{
		Config:   cfg,
		Store:    store,
		Registry: registry,
		Callback: callbacks,
		Herald:   h,
		Jobs:     sched,
	}
	if cfg.YouTubeOAuthConfigured() {
		deps.YouTube = yt
	}
	go func() {
		if err := server.Start(ctx, cfg.HTTPAddr, server.NewMux(ctx, deps)); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	if n, err := h.Restore(ctx); err != nil {
		slog.Error("restore livestream notifications failed", slog.Any("err", err))
	} else {
		slog.Info("livestream notifications restored", slog.Int("count", n))
	}

	if err := cfg.ValidatePubSub(); err != nil {
		slog.Warn("websub subscriptions disabled", slog.Any("err", err))
	} else {
		go func() {
			n, err := h.SubscribeAll(ctx)
			if err != nil {
				slog.Error("subscribing to feeds failed", slog.Any("err", err))
				return
			}
			slog.Info("feed subscriptions requested", slog.Int("count", n))
		}()
		websub.StartRenewer(ctx, hubClient, cfg.RenewInterval, cfg.LeaseRenewWindow)
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if cfg.EnablePprof {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	<-ctx.Done()
	slog.Info("shutting down")
	callbacks.Wait()
	<-heraldDone
	sched.Wait()
}

// buildNotifier fans out to every configured chat backend, or logs messages
// when none is configured.
func buildNotifier(ctx context.Context, cfg *config.Config) chat.Notifier {
	var multi chat.MultiNotifier
	if err := cfg.ValidateChatReady(); err == nil {
		irc := chat.NewIRCNotifier(cfg.TwitchBotUsername, cfg.TwitchOAuthToken)
		irc.Start(ctx)
		multi = append(multi, irc)
		slog.Info("twitch chat notifier enabled", slog.String("bot", cfg.TwitchBotUsername))
	}
	if len(cfg.DiscordWebhooks) > 0 {
		multi = append(multi, chat.NewWebhookNotifier(cfg.DiscordWebhooks, nil))
		slog.Info("webhook notifier enabled", slog.Int("channels", len(cfg.DiscordWebhooks)))
	}
	if len(multi) == 0 {
		slog.Warn("no chat backend configured, notifications are only logged")
		return chat.LogNotifier{}
	}
	return multi
}
