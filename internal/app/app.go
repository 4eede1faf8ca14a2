// Package app wires an engine and its read side from a workspace.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"permitline/internal/certificate"
	"permitline/internal/checklist"
	"permitline/internal/config"
	"permitline/internal/db"
	"permitline/internal/engine"
	"permitline/internal/metrics"
	"permitline/internal/migrate"
	"permitline/internal/notify"
	"permitline/internal/projection"
)

type Options struct {
	Workspace string
	Logger    *slog.Logger
	// Registerer receives the lifecycle metrics; nil disables them.
	Registerer prometheus.Registerer
}

type App struct {
	DB         *sql.DB
	Config     *config.Config
	Engine     engine.Engine
	Projection projection.Service
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	closers []func() error
}

// Open migrates the workspace database and builds the engine with the
// collaborators named in permitline.yml.
func Open(ctx context.Context, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	a := &App{DB: conn, Config: cfg, Logger: logger}
	a.closers = append(a.closers, conn.Close)
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if current, latest, err := migrate.Version(ctx, conn); err == nil {
		logger.Debug("workspace opened", "workspace", opts.Workspace, "schema_version", current, "schema_latest", latest)
	}
	if opts.Registerer != nil {
		a.Metrics = metrics.New(opts.Registerer)
	}

	eng := engine.New(conn, cfg)
	eng.Logger = logger
	eng.Metrics = a.Metrics
	eng.Checker = checklist.Checker{Repo: eng.Repo, Config: cfg}
	eng.Certificates = certificate.Generator{Prefix: cfg.Certificates.Prefix}
	n, err := a.notifier(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	eng.Notifier = n
	a.Engine = eng

	a.Projection = projection.Service{
		Repo:     eng.Repo,
		Registry: eng.Registry,
		TTL:      time.Duration(cfg.Dashboard.CacheTTLSeconds) * time.Second,
		Logger:   logger,
	}
	if a.Projection.TTL > 0 {
		if url := cfg.Dashboard.RedisURL; url != "" {
			rc, err := projection.NewRedisCache(ctx, url)
			if err != nil {
				a.Close()
				return nil, fmt.Errorf("dashboard redis: %w", err)
			}
			a.closers = append(a.closers, rc.Close)
			a.Projection.Cache = rc
		} else {
			a.Projection.Cache = projection.NewMemoryCache()
		}
	}
	return a, nil
}

func (a *App) notifier(cfg *config.Config, logger *slog.Logger) (engine.Notifier, error) {
	var targets notify.Multi
	if cfg.Notifications.Log {
		targets = append(targets, notify.Log{Logger: logger})
	}
	if wh := cfg.Notifications.Webhook; wh.URL != "" {
		targets = append(targets, notify.Webhook{
			URL:     wh.URL,
			Secret:  wh.Secret,
			Timeout: time.Duration(wh.TimeoutSeconds) * time.Second,
		})
	}
	if k := cfg.Notifications.Kafka; len(k.Brokers) > 0 {
		kn, client, err := notify.NewKafka(k.Brokers, k.Topic)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { client.Close(); return nil })
		targets = append(targets, kn)
	}
	if len(targets) == 0 {
		return nil, nil
	}
	return targets, nil
}

// Close releases the database and any broker or cache clients.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
