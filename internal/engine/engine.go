package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"sopline/internal/analytics"
	"sopline/internal/config"
	"sopline/internal/confirm"
	"sopline/internal/db"
	"sopline/internal/domain"
	"sopline/internal/events"
	"sopline/internal/holiday"
	"sopline/internal/metrics"
	"sopline/internal/repo"
	"sopline/internal/resolver"
)

const systemActor = "system"

// Engine runs every operation against the record store. Each mutation opens
// one transaction, writes its rows plus an audit event, and commits.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Holidays holiday.Checker
	Confirm  confirm.Issuer
	Metrics  *metrics.Metrics
	Log      *zap.Logger
	Now      func() time.Time
}

func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config) Engine {
	e := Engine{
		DB:       conn,
		Repo:     repo.Repo{DB: conn, Dialect: dialect},
		Events:   events.Writer{Dialect: dialect},
		Config:   cfg,
		Holidays: holiday.None,
		Log:      zap.NewNop(),
		Now:      time.Now,
	}
	if cfg != nil {
		e.Confirm = confirm.Issuer{Secret: cfg.Confirmation.Secret, TTL: cfg.Confirmation.TTL.Std()}
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, contextID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	w.Now = e.now
	return w.Append(ctx, tx, evtType, contextID, entityKind, entityID, actorOr(actorID), payload)
}

func (e Engine) confirmer() confirm.Issuer {
	c := e.Confirm
	c.Now = e.now
	return c
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

func (e Engine) holidays() holiday.Checker {
	if e.Holidays == nil {
		return holiday.None
	}
	return e.Holidays
}

func (e Engine) analyticsConfig() analytics.Config {
	if e.Config == nil {
		return analytics.DefaultConfig()
	}
	return analytics.Config{
		AverageWindow:  e.Config.Analytics.AverageWindow,
		RateWindow:     e.Config.Analytics.RateWindow,
		RateWindowDays: e.Config.Analytics.RateWindowDays,
	}
}

func (e Engine) contextID(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if e.Config != nil {
		return e.Config.Context.ID
	}
	return ""
}

func zapProcedure(p domain.Procedure) []zap.Field {
	return []zap.Field{zap.String("procedure_id", p.ID), zap.Int("version", p.Version), zap.Int("steps", len(p.Steps))}
}

func actorOr(actorID string) string {
	if actorID == "" {
		return systemActor
	}
	return actorID
}

// txSource resolves procedures inside an open transaction. Overlay entries
// shadow stored rows so unsaved edits can be validated.
type txSource struct {
	repo    repo.Repo
	tx      *sql.Tx
	overlay map[string]domain.Procedure
}

func (s txSource) Procedure(ctx context.Context, id string) (domain.Procedure, error) {
	if p, ok := s.overlay[id]; ok {
		return p, nil
	}
	return s.repo.GetProcedureTx(ctx, s.tx, id)
}

type dbSource struct{ repo repo.Repo }

func (s dbSource) Procedure(ctx context.Context, id string) (domain.Procedure, error) {
	return s.repo.GetProcedure(ctx, id)
}

func (e Engine) resolve(ctx context.Context, src resolver.Source, p domain.Procedure) (*resolver.Resolution, error) {
	start := time.Now()
	res, err := resolver.New(src).ResolveProcedure(ctx, p)
	e.Metrics.ObserveResolve(time.Since(start), err)
	if err != nil {
		e.reject(err)
	}
	return res, err
}

// Resolve flattens the stored procedure id.
func (e Engine) Resolve(ctx context.Context, id string) (*resolver.Resolution, error) {
	p, err := e.Repo.GetProcedure(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.resolve(ctx, dbSource{repo: e.Repo}, p)
}

// reject counts a rejected operation by error kind.
func (e Engine) reject(err error) {
	if kind := ErrorKind(err); kind != "" {
		e.Metrics.Rejected(kind)
	}
}

// ErrorKind names the taxonomy entry err belongs to, or "" for other errors.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrCompositionCycle):
		return "composition_cycle"
	case errors.Is(err, domain.ErrDependencyCycle):
		return "dependency_cycle"
	case errors.Is(err, domain.ErrUnknownStep):
		return "unknown_step"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, domain.ErrStaleVersion):
		return "stale_version"
	case errors.Is(err, domain.ErrArchived):
		return "archived"
	case errors.Is(err, domain.ErrConfirmationRequired):
		return "confirmation_required"
	case errors.Is(err, domain.ErrDuplicateOccurrence):
		return "duplicate_occurrence"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrNotEmbeddable):
		return "not_embeddable"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInvalid):
		return "invalid"
	}
	return ""
}
