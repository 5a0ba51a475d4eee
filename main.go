// Command panoptocord is a polling bridge that watches Panopto folders and
// announces newly uploaded recordings into a Discord channel.
// It:
//   - Loads the JSON config and initializes structured logging.
//   - Loads (or synthesizes) the persisted cache and reconciles credentials
//     rotated by the operator in the config.
//   - Runs the poll loop: refresh token when expired, list every folder,
//     announce new recordings oldest-first, persist the seen-set.
//   - Exposes a minimal HTTP server with /healthz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/duskhorn/panoptocord/cache"
	"github.com/duskhorn/panoptocord/config"
	"github.com/duskhorn/panoptocord/discord"
	"github.com/duskhorn/panoptocord/oauth"
	"github.com/duskhorn/panoptocord/panopto"
	"github.com/duskhorn/panoptocord/poll"
	"github.com/duskhorn/panoptocord/server"
	"github.com/duskhorn/panoptocord/telemetry"
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

	// Config: single positional argument, default config.json.
	configPath := "config.json"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	slog.Info("loading configuration", slog.String("path", configPath))
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing()
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// Cache: reuse the persisted document, or synthesize a fresh one from the
	// config with a sentinel expiry so the first cycle refreshes.
	store := cache.NewStore(os.Getenv("CACHE_PATH"))
	cacheFile, err := store.Load()
	if err != nil {
		slog.Info("cache unavailable, starting fresh", slog.Any("reason", err))
		cacheFile = cache.New(cfg.RefreshToken, cfg.AccessToken)
	}

	tokens := &oauth.Manager{
		TokenURL:     cfg.AccessTokenURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Operator-rotated credentials in the config force one refresh before the
	// loop starts; failing that exchange at boot is a configuration problem.
	rotated, err := tokens.ReconcileWithConfig(ctx, cacheFile, cfg)
	if err != nil {
		slog.Error("forced token refresh failed", slog.Any("err", err))
		os.Exit(1)
	}
	if rotated {
		slog.Info("token refreshed after config rotation")
	}
	// Persist once before the loop: an unwritable cache location is a fatal
	// startup error, not something to discover on the first tick.
	if err := store.Save(cacheFile); err != nil {
		slog.Error("cannot persist cache", slog.Any("err", err))
		os.Exit(1)
	}

	interval := poll.DefaultInterval
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			interval = d
		} else {
			slog.Warn("invalid POLL_INTERVAL, using default", slog.String("value", v))
		}
	}

	var alertHook poll.Announcer
	if cfg.WebhookErrorURL != "" {
		alertHook = &discord.Webhook{URL: cfg.WebhookErrorURL}
	}
	engine := &poll.Engine{
		Config:    cfg,
		Store:     store,
		Cache:     cacheFile,
		Tokens:    tokens,
		Upstream:  &panopto.Client{BaseURL: cfg.PanoptoBase},
		Hook:      &discord.Webhook{URL: cfg.WebhookURL},
		AlertHook: alertHook,
		Interval:  interval,
	}

	// HTTP server (health/status/metrics)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		if err := server.Start(ctx, addr, engine.Snapshot); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block in the poll loop until shutdown signal
	if err := engine.Run(ctx); err != nil {
		slog.Error("request loop failed", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("shutting down")
}
