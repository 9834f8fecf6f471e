package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"reply-monitor/audit"
	"reply-monitor/config"
	"reply-monitor/gate"
	"reply-monitor/identity"
	"reply-monitor/judge"
	"reply-monitor/notify"
	"reply-monitor/pgstore"
	"reply-monitor/poll"
	"reply-monitor/poster"
	"reply-monitor/review"
	"reply-monitor/scoring"
	"reply-monitor/scraper"
	"reply-monitor/sheets"
	"reply-monitor/sqlstore"
	"reply-monitor/storage"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/gmail/v1"
	gsheets "google.golang.org/api/sheets/v4"
)

// app holds the wired components and the resources that need closing.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	docs    *storage.Store
	monitor *poll.Monitor
	closers []func()
}

// newApp wires every component from the configuration.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	if err := a.openDocuments(ctx); err != nil {
		return nil, err
	}

	backend, sinks, err := a.openRecords(ctx)
	if err != nil {
		return nil, err
	}

	source, err := a.source(ctx, &sinks)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}

	var fetcher poll.Scraper
	switch cfg.Scraper.Kind {
	case "html":
		fetcher = scraper.NewHTML(httpClient, cfg.Scraper.HTMLBaseURL, logger)
	default:
		fetcher = scraper.NewApify(&http.Client{Timeout: 3 * time.Minute}, cfg.Scraper.ApifyToken, cfg.Scraper.ApifyURL, logger)
	}

	var jdg scoring.Judge
	var prompts poll.PromptSetter
	if cfg.Judge.APIKey != "" {
		g, err := judge.NewGemini(ctx, cfg.Judge.APIKey, cfg.Judge.Model, cfg.Judge.Prompt, logger)
		if err != nil {
			return nil, fmt.Errorf("initialize judge: %w", err)
		}
		jdg = g
		// An explicit JUDGE_PROMPT overrides the catalog prompt.
		if cfg.Judge.Prompt == "" {
			prompts = g
		}
	}
	engine := scoring.New(&scoring.Config{
		Judge:            jdg,
		Logger:           logger,
		Policy:           cfg.Scoring.Policy,
		Threshold:        cfg.Scoring.Threshold,
		JudgeWeight:      cfg.Scoring.JudgeWeight,
		EngagementWeight: cfg.Scoring.EngagementWeight,
	})

	safety, err := gate.NewSafety(cfg.Gate.Denylist, cfg.Gate.Patterns, 0)
	if err != nil {
		return nil, err
	}

	var post poll.Poster
	if cfg.Posting.Enabled {
		post = poster.New(httpClient, cfg.Posting.BearerToken, cfg.Posting.Endpoint, logger)
	} else {
		logger.Info("Posting disabled, replies are logged only")
		post = poster.NewDryRun(logger)
	}

	var reviewer poll.Reviewer
	if cfg.Gate.ReviewMode && cfg.Telegram.BotToken != "" {
		tg, err := review.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, logger)
		if err != nil {
			return nil, fmt.Errorf("initialize telegram review: %w", err)
		}
		reviewer = tg
	}

	notifier, err := a.notifier(ctx)
	if err != nil {
		return nil, err
	}

	a.monitor = poll.New(&poll.Config{
		Source:           source,
		Scraper:          fetcher,
		Identity:         identity.New(backend, logger),
		Engine:           engine,
		Poster:           post,
		Reviewer:         reviewer,
		Queue:            a.docs,
		Audit:            sinks,
		Notifier:         notifier,
		Prompts:          prompts,
		Logger:           logger,
		Policy:           gate.Policy{Safety: safety, Cooldown: cfg.Gate.Cooldown, GlobalCap: cfg.Gate.GlobalCap, CapWindow: cfg.Gate.CapWindow, ReviewMode: cfg.Gate.ReviewMode},
		Workers:          cfg.Run.Workers,
		FetchLimit:       cfg.Scraper.FetchLimit,
		MaxPostAge:       cfg.Scraper.MaxPostAge,
		Timeout:          cfg.Run.Timeout,
		DispatchAttempts: cfg.Posting.Attempts,
		DispatchDelay:    cfg.Posting.BaseDelay,
		IncludeReplies:   cfg.Scraper.IncludeReplies,
	})
	ready = true
	return a, nil
}

// openDocuments opens the document store used for rate state, the pending
// queue and run summaries.
func (a *app) openDocuments(ctx context.Context) error {
	cfg := a.cfg.Storage
	if cfg.LocalPath != "" {
		a.logger.Info("Running in local development mode", "storage_path", cfg.LocalPath)
		if err := os.MkdirAll(cfg.LocalPath, 0o755); err != nil {
			return fmt.Errorf("create local storage directory: %w", err)
		}
		a.docs = storage.New(nil, "", cfg.LocalPath, a.logger)
		return nil
	}

	client, err := gcs.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("initialize storage client: %w", err)
	}
	a.closers = append(a.closers, func() {
		if err := client.Close(); err != nil {
			a.logger.Warn("Failed to close storage client", "error", err)
		}
	})
	a.docs = storage.New(client, cfg.Bucket, "", a.logger)
	return nil
}

// openRecords picks the identity backend: Postgres, then SQLite, then the
// document store. Database backends double as audit sinks.
func (a *app) openRecords(ctx context.Context) (identity.Backend, audit.Multi, error) {
	cfg := a.cfg.Storage
	sinks := audit.Multi{audit.NewLog(a.logger)}

	switch {
	case cfg.DatabaseURL != "":
		db, err := pgstore.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		a.logger.Info("Using postgres for evaluation records")
		return db, append(sinks, db), nil
	case cfg.SQLitePath != "":
		db, err := sqlstore.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := db.Close(); err != nil {
				a.logger.Warn("Failed to close sqlite", "error", err)
			}
		})
		a.logger.Info("Using sqlite for evaluation records", "path", cfg.SQLitePath)
		return db, append(sinks, db), nil
	default:
		return a.docs, sinks, nil
	}
}

// source returns the catalog source. A Google Sheet also receives audit rows.
func (a *app) source(ctx context.Context, sinks *audit.Multi) (poll.Source, error) {
	if a.cfg.Source.RulesFile != "" {
		a.logger.Info("Loading catalog from rules file", "path", a.cfg.Source.RulesFile)
		return config.NewFileSource(a.cfg.Source.RulesFile), nil
	}

	opts, err := googleOptions(ctx, a.cfg.Source.CredentialsFile)
	if err != nil {
		return nil, err
	}
	svc, err := gsheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize sheets service: %w", err)
	}
	client := sheets.New(svc, a.cfg.Source.SheetID, a.logger)
	*sinks = append(*sinks, client)
	return client, nil
}

func (a *app) notifier(ctx context.Context) (poll.Notifier, error) {
	cfg := a.cfg.Notify
	var provider notify.Provider

	switch cfg.Provider {
	case "none":
		return nil, nil
	case "gmail":
		opts, err := googleOptions(ctx, a.cfg.Source.CredentialsFile)
		if err != nil {
			return nil, err
		}
		svc, err := gmail.NewService(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("initialize gmail service: %w", err)
		}
		provider = notify.NewGmailProvider(svc, a.logger)
	case "brevo":
		provider = notify.NewBrevoProvider(cfg.BrevoAPIKey, cfg.From, "Reply Monitor", a.logger)
	case "telegram":
		tg, err := notify.NewTelegramProvider(a.cfg.Telegram.BotToken, a.cfg.Telegram.ChatID, a.logger)
		if err != nil {
			return nil, fmt.Errorf("initialize telegram notifications: %w", err)
		}
		provider = tg
	default:
		a.logger.Info("Mock notification mode enabled")
		provider = notify.NewMockProvider(a.logger)
	}
	return notify.New(provider, a.logger, cfg.To), nil
}

// Close releases clients and database handles in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
