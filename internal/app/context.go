package app

import (
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"sopline/internal/config"
	"sopline/internal/db"
	"sopline/internal/engine"
	"sopline/internal/holiday"
	"sopline/internal/logging"
	"sopline/internal/metrics"
	"sopline/internal/migrate"
)

type Options struct {
	Workspace       string
	ContextOverride string
	Logger          *zap.Logger
}

// Runtime is an opened workspace: a migrated store and an engine wired to
// its collaborators.
type Runtime struct {
	Engine  engine.Engine
	DB      *sql.DB
	Config  *config.Config
	Metrics *metrics.Metrics
	Log     *zap.Logger
	closers []func() error
}

// ResolveContext picks the active context and its config. An override wins
// over sopline.yml; without either the caller must run sop init first.
func ResolveContext(workspace, contextOverride string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		if contextOverride == "" {
			return nil, fmt.Errorf("context not specified; run sop init or use --context")
		}
		cfg = config.Default(contextOverride)
	}
	if contextOverride != "" {
		cfg.Context.ID = contextOverride
	}
	return cfg, nil
}

// Open resolves config, opens and migrates the store, and builds the engine.
func Open(opts Options) (*Runtime, error) {
	log := logging.OrNop(opts.Logger)
	cfg, err := ResolveContext(opts.Workspace, opts.ContextOverride)
	if err != nil {
		return nil, err
	}
	dbCfg := db.Config{Workspace: opts.Workspace, Driver: cfg.Store.Driver, DSN: cfg.Store.DSN}
	conn, err := db.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	rt := &Runtime{DB: conn, Config: cfg, Log: log, closers: []func() error{conn.Close}}
	if err := migrate.Migrate(conn, dbCfg.Dialect()); err != nil {
		rt.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	checker, err := rt.holidays()
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Metrics = metrics.New()
	eng := engine.New(conn, dbCfg.Dialect(), cfg)
	eng.Holidays = checker
	eng.Metrics = rt.Metrics
	eng.Log = log
	rt.Engine = eng
	log.Debug("workspace opened",
		zap.String("context_id", cfg.Context.ID),
		zap.String("driver", string(dbCfg.Dialect())))
	return rt, nil
}

// holidays builds the static calendar and, when configured, fronts it with
// the Redis cache. An unreachable Redis is logged and skipped.
func (rt *Runtime) holidays() (holiday.Checker, error) {
	h := rt.Config.Holidays
	static, err := holiday.NewStatic(h.Dates, h.Annual, h.ByContext)
	if err != nil {
		return nil, fmt.Errorf("holidays: %w", err)
	}
	if h.RedisURL == "" {
		return static, nil
	}
	cache, err := holiday.NewRedisCache(h.RedisURL, static, h.CacheTTL.Std())
	if err != nil {
		rt.Log.Warn("holiday cache unavailable, using static calendar", zap.Error(err))
		return static, nil
	}
	rt.closers = append(rt.closers, cache.Close)
	return cache, nil
}

// Close releases everything Open acquired, most recent first.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
