package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"dogwatch/internal/config"
	"dogwatch/internal/fetcher"
	"dogwatch/internal/filter"
	"dogwatch/internal/metrics"
	"dogwatch/internal/notifier"
	"dogwatch/internal/pipeline"
	"dogwatch/internal/storage"
)

const pushTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		return 1
	}

	log := newLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, storage.Options{DSN: cfg.StorageTarget()})
	if err != nil {
		log.Error("open storage", "error", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	f, err := newFetcher(cfg, httpClient, log)
	if err != nil {
		log.Error("create fetcher", "error", err)
		return 1
	}

	n, err := newNotifier(cfg, httpClient)
	if err != nil {
		log.Error("create notifier", "notifier", cfg.Notifier, "error", err)
		return 1
	}
	if c, ok := n.(interface{ Close() error }); ok {
		defer func() { _ = c.Close() }()
	}

	m := metrics.New()
	p := pipeline.New(pipeline.Deps{
		Fetcher:  f,
		Filter:   filter.New(cfg.StalenessRule()),
		Store:    store,
		Notifier: n,
		Metrics:  m,
	}, pipeline.Options{
		Account:     cfg.FeedAccount,
		PageSize:    cfg.PageSize,
		Destination: cfg.NotifyTo,
		Signature:   cfg.Signature,
		Lookback:    cfg.Lookback,
		DryRun:      cfg.DryRun,
	}, log)

	log.Info("starting run", "source", cfg.FeedSource, "notifier", cfg.Notifier, "dry_run", cfg.DryRun)
	_, runErr := p.Run(ctx)

	if cfg.PushgatewayURL != "" {
		pushCtx, pushCancel := context.WithTimeout(context.Background(), pushTimeout)
		if err := m.Push(pushCtx, cfg.PushgatewayURL); err != nil {
			log.Warn("push metrics", "url", cfg.PushgatewayURL, "error", err)
		}
		pushCancel()
	}

	if runErr != nil {
		return 1
	}
	return 0
}

func newFetcher(cfg *config.Config, client *http.Client, log *slog.Logger) (fetcher.Fetcher, error) {
	switch cfg.FeedSource {
	case config.SourceTwitter:
		return fetcher.NewTwitter(client, cfg.TwitterAPIURL, cfg.TwitterBearerToken)
	case config.SourceRSS:
		return fetcher.NewRSS(client, log), nil
	default:
		return nil, fmt.Errorf("unknown feed source %q", cfg.FeedSource)
	}
}

func newNotifier(cfg *config.Config, client *http.Client) (notifier.Notifier, error) {
	switch cfg.Notifier {
	case config.NotifierTwilio:
		return notifier.NewTwilio(client, notifier.TwilioConfig{
			BaseURL:             cfg.TwilioAPIURL,
			AccountSID:          cfg.TwilioAccountSID,
			AuthToken:           cfg.TwilioAuthToken,
			MessagingServiceSID: cfg.TwilioMessagingServiceSID,
			From:                cfg.TwilioFrom,
		})
	case config.NotifierTelegram:
		return notifier.NewTelegram(cfg.TelegramBotToken)
	case config.NotifierNATS:
		return notifier.NewNATS(cfg.NATSURL)
	default:
		return nil, fmt.Errorf("unknown notifier %q", cfg.Notifier)
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
