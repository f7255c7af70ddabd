package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"reddit_relay/internal/bot"
	"reddit_relay/internal/config"
	"reddit_relay/internal/dedup"
	"reddit_relay/internal/delivery"
	"reddit_relay/internal/media"
	"reddit_relay/internal/reddit"
	"reddit_relay/internal/scheduler"
	"reddit_relay/internal/storage"
	"reddit_relay/internal/subscription"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	source, err := reddit.New(reddit.Options{
		Mode:            cfg.Reddit.Mode,
		UserAgent:       cfg.Reddit.UserAgent,
		ClientID:        cfg.Reddit.ClientID,
		ClientSecret:    cfg.Reddit.ClientSecret,
		Username:        cfg.Reddit.Username,
		Password:        cfg.Reddit.Password,
		RequestInterval: cfg.Reddit.RequestInterval,
		Retries:         cfg.FetchRetries,
		Backoff:         cfg.FetchBackoff,
		CacheTTL:        cfg.Reddit.CacheTTL,
	})
	if err != nil {
		log.Error("create reddit client", "mode", cfg.Reddit.Mode, "error", err)
		os.Exit(1)
	}

	api, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		log.Error("create bot api", "error", err)
		os.Exit(1)
	}
	log.Info("authorized", "username", api.Self.UserName)

	resolver := media.New(media.Config{
		YTDLPPath:   cfg.Media.YTDLPPath,
		Concurrency: cfg.Media.Concurrency,
		Timeout:     cfg.Media.Timeout,
		MaxBytes:    cfg.Media.MaxBytes,
		UserAgent:   cfg.Reddit.UserAgent,
	}, &http.Client{}, log)

	dispatcher := delivery.New(bot.NewTransport(api), delivery.Config{
		Retries:      cfg.SendRetries,
		Backoff:      cfg.SendBackoff,
		Rate:         cfg.SendRate,
		LinksBaseURL: cfg.LinksBaseURL,
	}, log)

	sched := scheduler.New(store, source, dedup.New(store, cfg.SkipInitialSend), resolver, dispatcher, scheduler.Config{
		Interval:    cfg.CheckInterval,
		Schedule:    cfg.CheckSchedule,
		Concurrency: cfg.PollConcurrency,
	}, log)

	subs := subscription.New(store, source, cfg.DefaultOptions())
	b := bot.New(api, subs, sched, cfg, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("starting bot", "mode", cfg.Reddit.Mode, "interval", cfg.CheckInterval, "schedule", cfg.CheckSchedule)
	notify(log, daemon.SdNotifyReady)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sched.Run(ctx); err != nil {
			log.Error("scheduler", "error", err)
			cancel()
		}
	}()

	b.Run(ctx)

	notify(log, daemon.SdNotifyStopping)
	log.Info("waiting for running passes")
	wg.Wait()

	log.Info("bot stopped")
}

func notify(log *slog.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Warn("systemd notify", "state", state, "error", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
