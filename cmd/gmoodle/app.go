package main

import (
	"context"
	"fmt"

	"gmoodle/internal/auth"
	"gmoodle/internal/config"
	"gmoodle/internal/gcal"
	"gmoodle/internal/lms"
	"gmoodle/internal/reconcile"
	"gmoodle/internal/schedule"
	"gmoodle/internal/store"
)

// app is everything a command needs, built once from config.
type app struct {
	db       *store.DB
	accounts *store.AccountRepository
	oauth    *auth.OAuth
	engine   *reconcile.Engine
	sweeper  *schedule.Sweeper
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	db, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	accounts := store.NewAccountRepository(db)
	engine := reconcile.New(reconcile.Options{
		Accounts: accounts,
		Resolver: auth.NewResolver(cfg.Google, cfg.HTTPTimeout),
		Calendar: gcal.New(cfg.Google.CalendarEndpoint, cfg.HTTPTimeout).WithRetry(cfg.Google.APIRetries, 0),
		LMS: lms.ChromeDialer{
			Timeout:     cfg.Moodle.Timeout,
			ShowBrowser: cfg.Moodle.ShowBrowser,
			ChromePath:  cfg.Moodle.ChromePath,
		},
		CalendarName:      cfg.CalendarName,
		Location:          cfg.Location(),
		InsertConcurrency: cfg.InsertConcurrency,
	})

	return &app{
		db:       db,
		accounts: accounts,
		oauth:    auth.NewOAuth(cfg.Google, cfg.HTTPTimeout),
		engine:   engine,
		sweeper:  schedule.NewSweeper(accounts, engine, cfg.Sweep.Concurrency),
	}, nil
}

func (a *app) Close() {
	_ = a.db.Close()
}
