// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ioko18/magflow-erp-sub003/config"
	"github.com/ioko18/magflow-erp-sub003/emag"
	"github.com/ioko18/magflow-erp-sub003/engine"
	"github.com/ioko18/magflow-erp-sub003/mirror"
	"github.com/ioko18/magflow-erp-sub003/ratelimit"
)

// app holds the assembled components shared by the serve and sync commands.
type app struct {
	cfg    *config.AppConfig
	logger *slog.Logger
	pool   *pgxpool.Pool
	store  *mirror.Store
	engine *engine.Engine
}

// newApp loads configuration, connects to Postgres, ensures the mirror schema
// and builds one rate-limited marketplace client per configured account.
func newApp(ctx context.Context, opts *RootOptions) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(opts.Verbose)

	pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	store := mirror.NewStore(pool, logger)
	if err := store.InitializeSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize mirror schema: %w", err)
	}

	remotes := make([]engine.RemoteSource, 0, len(cfg.Emag.Accounts))
	for account, creds := range cfg.Emag.Accounts {
		// Each account gets its own limiter so MAIN and FBE never
		// contend for the same request budget.
		limiter := ratelimit.New(ratelimit.Config{
			BulkPerSecond:  cfg.Emag.BulkPerSecond,
			OrderPerSecond: cfg.Emag.OrderPerSecond,
		})
		client, err := emag.NewClient(emag.ClientConfig{
			BaseURL:        cfg.Emag.BaseURL,
			Account:        account,
			Credentials:    emag.Credentials{Username: creds.Username, Password: creds.Password},
			Limiter:        limiter,
			ReadTimeout:    time.Duration(cfg.Emag.ReadTimeoutSeconds) * time.Second,
			ConnectTimeout: time.Duration(cfg.Emag.ConnectTimeoutSeconds) * time.Second,
			Logger:         logger,
		})
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to build client for account %s: %w", account, err)
		}
		remotes = append(remotes, client)
	}

	eng, err := engine.New(store, remotes, engine.Config{
		PageSize:        cfg.Sync.PageSize,
		DefaultMaxPages: cfg.Sync.MaxPages,
		RunTimeout:      cfg.Sync.RunTimeout(),
		PageFailCeiling: cfg.Sync.PageFailCeiling,
		AckSweepLimit:   cfg.Sync.AckSweepLimit,
	}, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, pool: pool, store: store, engine: eng}, nil
}

func (a *app) Close() {
	a.engine.Close()
	a.pool.Close()
}
