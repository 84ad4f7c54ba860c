package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/garnizeh/nudge/api"
	dbfs "github.com/garnizeh/nudge/db"
	"github.com/garnizeh/nudge/internal/config"
	"github.com/garnizeh/nudge/internal/db"
	"github.com/garnizeh/nudge/internal/logging"
	"github.com/garnizeh/nudge/internal/outbox"
	"github.com/garnizeh/nudge/internal/reminder"
	sqlite "github.com/garnizeh/nudge/internal/repository/sqlite"
	"github.com/garnizeh/nudge/internal/schema"
	"github.com/garnizeh/nudge/internal/syncer"
	"github.com/garnizeh/nudge/internal/worker"
	"github.com/garnizeh/nudge/pkg/content"
	"github.com/garnizeh/nudge/pkg/docstore"
	"github.com/garnizeh/nudge/pkg/repository"
	"github.com/garnizeh/nudge/pkg/telegram"
)

// App is the wired process: storage always, the worker only when built with
// withWorker.
type App struct {
	Config *config.Config
	Logger *slog.Logger
	DB     *db.DB
	Repo   *repository.Repository
	Loader *schema.Loader
	Engine *syncer.Engine
	Worker *worker.Worker

	closers []io.Closer
}

func loadConfig(opts *RootOptions) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig(opts.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	level := cfg.Log.Level
	if opts.Verbose {
		level = "debug"
	}
	logger, err := logging.New(os.Stderr, cfg.Log.Format, level)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	api.SetLogger(logger)
	docstore.SetLogger(logger)
	content.SetLogger(logger)
	telegram.SetLogger(logger)

	return cfg, logger, nil
}

// openStore opens and migrates the database.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*db.DB, error) {
	d, err := db.New(ctx, cfg.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Migrate(ctx, d, dbfs.Migrations, dbfs.SeedFiles); err != nil {
		d.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

func openApp(ctx context.Context, opts *RootOptions, withWorker bool) (*App, error) {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	d, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	app := &App{Config: cfg, Logger: logger, DB: d}
	app.closers = append(app.closers, d)
	app.Repo = sqlite.New(d, logger).Repository()

	app.Loader, err = schema.NewLoader(ctx, app.Repo.Schemas)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("load schemas: %w", err)
	}

	if !withWorker {
		return app, nil
	}
	if err := app.buildWorker(); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) buildWorker() error {
	cfg, w := a.Config, a.Config.Worker
	if cfg.Remote.BaseURL == "" {
		return errors.New("remote.base_url is required to run the worker")
	}
	if cfg.Content.BaseURL == "" {
		return errors.New("content.base_url is required to run the worker")
	}

	store, err := docstore.NewDefaultClient(cfg.Remote)
	if err != nil {
		return fmt.Errorf("docstore client: %w", err)
	}
	a.closers = append(a.closers, store)

	contentClient, err := content.NewClient(cfg.Content, nil)
	if err != nil {
		return fmt.Errorf("content client: %w", err)
	}
	a.closers = append(a.closers, contentClient)

	tg, err := telegram.NewClient(cfg.Telegram, nil)
	if err != nil {
		return fmt.Errorf("telegram client: %w", err)
	}
	a.closers = append(a.closers, tg)

	a.Engine = syncer.New(store, a.Repo, a.Loader, syncer.Config{
		PrefsCollection:    cfg.Remote.PrefsCollection,
		ProfilesCollection: cfg.Remote.ProfilesCollection,
		PageSize:           cfg.Remote.PageSize,
		Overlap:            w.WatermarkOverlap,
	}, a.Logger)

	drainer := outbox.New(a.Repo.Outbox, outbox.Config{
		BatchSize:     w.BatchSize,
		Lease:         w.Lease,
		CallTimeout:   w.RemoteCallTimeout,
		MaxDrainLoops: w.MaxDrainLoops,
		Policy: outbox.Policy{
			Base:        w.BackoffBase,
			Min:         w.BackoffMin,
			Max:         w.BackoffMax,
			MaxExponent: w.BackoffMaxExponent,
		},
	}, a.Logger)
	a.Engine.Register(drainer)

	scheduler := reminder.NewScheduler(
		reminder.NewLedger(a.Repo.Ledger),
		a.Repo.Subscriptions,
		a.Repo.Preferences,
		contentClient,
		tg,
		reminder.Config{
			PollInterval: w.PollInterval,
			Defaults: reminder.Defaults{
				Timezone:      w.Timezone,
				DailyAt:       w.DailyAt,
				DayBeforeAt:   w.DayBeforeAt,
				BeforeMinutes: w.BeforeMinutes,
			},
			CacheTTL:    w.EnabledCacheTTL,
			CacheSize:   w.EnabledCacheSize,
			CallTimeout: w.RemoteCallTimeout,
		},
		a.Logger,
	)

	a.Worker = worker.New(scheduler, drainer, a.Engine, a.Repo.Runs, tg, w.PollInterval, a.Logger)
	return nil
}

// Close releases clients and the database, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
