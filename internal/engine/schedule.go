package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sopline/internal/domain"
	"sopline/internal/events"
	"sopline/internal/recurrence"
	"sopline/internal/resolver"
)

// holidayLookups bounds concurrent calls to the holiday collaborator.
const holidayLookups = 4

type ScheduleOptions struct {
	ProcedureID string
	From        string // inclusive; defaults to today
	To          string // exclusive; defaults to From plus the configured horizon
	AssigneeID  string // defaults to the procedure's default assignee
	ActorID     string
}

type OccurrenceOptions struct {
	ProcedureID string
	Date        string
	Time        string
	AssigneeID  string
	ActorID     string
}

func (e Engine) window(from, to string) (recurrence.Window, error) {
	if from == "" {
		from = recurrence.Midnight(e.now()).Format(recurrence.DateLayout)
	}
	if to == "" {
		start, err := recurrence.ParseDate(from)
		if err != nil {
			return recurrence.Window{}, err
		}
		return recurrence.Days(start, e.Config.HorizonDays()), nil
	}
	w, err := recurrence.NewWindow(from, to)
	if err != nil {
		return recurrence.Window{}, err
	}
	limit := e.Config.MaxWindowDays()
	if w.To.After(w.From.AddDate(0, 0, limit)) {
		return recurrence.Window{}, domain.Invalidf("window %s..%s exceeds %d days", from, to, limit)
	}
	return w, nil
}

// ScheduleOccurrences materialises the recurring procedure's occurrences over
// the window. Dates that already hold an occupying completion for the same
// assignee are left alone, so overlapping runs create nothing twice.
func (e Engine) ScheduleOccurrences(ctx context.Context, opts ScheduleOptions) ([]domain.Completion, error) {
	w, err := e.window(opts.From, opts.To)
	if err != nil {
		return nil, err
	}
	p, err := e.Repo.GetProcedure(ctx, opts.ProcedureID)
	if err != nil {
		return nil, err
	}
	if err := schedulable(p); err != nil {
		e.reject(err)
		return nil, err
	}
	if p.Recurrence == nil {
		return nil, domain.Invalidf("procedure %s is not recurring", p.ID)
	}
	holidays, err := e.prefetchHolidays(ctx, p, w)
	if err != nil {
		return nil, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Re-read inside the transaction; the rule or status may have moved.
	p, err = e.Repo.GetProcedureTx(ctx, tx, opts.ProcedureID)
	if err != nil {
		return nil, err
	}
	if err := schedulable(p); err != nil {
		e.reject(err)
		return nil, err
	}
	if p.Recurrence == nil {
		return nil, domain.Invalidf("procedure %s is not recurring", p.ID)
	}
	assignee, err := pickAssignee(p, opts.AssigneeID)
	if err != nil {
		return nil, err
	}
	res, err := e.resolve(ctx, txSource{repo: e.Repo, tx: tx}, p)
	if err != nil {
		return nil, err
	}
	existing, err := e.Repo.OccupiedDates(ctx, tx, p.ID, assignee, w.From.Format(recurrence.DateLayout), w.To.Format(recurrence.DateLayout))
	if err != nil {
		return nil, err
	}
	st, err := e.Repo.GetAnalyticsStateTx(ctx, tx, p.ID)
	if err != nil {
		return nil, err
	}
	occs, err := recurrence.Expand(*p.Recurrence, w, recurrence.Options{
		DefaultTime: st.AverageStartTime(),
		Holidays:    holidays,
		Existing:    existing,
	})
	if err != nil {
		return nil, err
	}

	var created []domain.Completion
	for _, occ := range occs {
		c := e.newCompletion(p, res, occ.Date, occ.Time, assignee)
		ok, err := e.Repo.InsertCompletion(ctx, tx, c)
		if err != nil {
			return nil, fmt.Errorf("insert occurrence %s: %w", occ.Date, err)
		}
		if !ok {
			continue
		}
		if err := e.appendEvent(ctx, tx, events.OccurrenceScheduled, c.ContextID, "completion", c.ID, opts.ActorID, events.EventPayload{
			"procedure_id": p.ID, "date": c.ScheduledDate, "time": c.ScheduledTime, "assignee_id": assignee, "source": "recurrence",
		}); err != nil {
			return nil, err
		}
		created = append(created, c)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	e.Metrics.Scheduled("recurrence", len(created))
	e.log().Debug("occurrences scheduled",
		zap.String("procedure_id", p.ID),
		zap.String("from", w.From.Format(recurrence.DateLayout)),
		zap.String("to", w.To.Format(recurrence.DateLayout)),
		zap.Int("created", len(created)),
		zap.Int("candidates", len(occs)))
	return created, nil
}

// prefetchHolidays asks the holiday collaborator about every candidate date
// before the transaction opens, so no lookup runs while holding the store.
func (e Engine) prefetchHolidays(ctx context.Context, p domain.Procedure, w recurrence.Window) (map[string]bool, error) {
	if p.Recurrence == nil || !p.Recurrence.SkipHolidays {
		return nil, nil
	}
	dates, err := recurrence.Dates(*p.Recurrence, w)
	if err != nil {
		return nil, err
	}
	var mu sync.Mutex
	out := make(map[string]bool, len(dates))
	checker := e.holidays()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(holidayLookups)
	for _, d := range dates {
		g.Go(func() error {
			yes, err := checker.IsHoliday(gctx, d, p.ContextID)
			if err != nil {
				return fmt.Errorf("holiday lookup %s: %w", d.Format(recurrence.DateLayout), err)
			}
			if yes {
				mu.Lock()
				out[d.Format(recurrence.DateLayout)] = true
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateOccurrence schedules one ad-hoc occurrence; the procedure need not be
// recurring.
func (e Engine) CreateOccurrence(ctx context.Context, opts OccurrenceOptions) (domain.Completion, error) {
	if _, err := recurrence.ParseDate(opts.Date); err != nil {
		return domain.Completion{}, err
	}
	if opts.Time != "" {
		if _, err := time.Parse(recurrence.TimeLayout, opts.Time); err != nil {
			return domain.Completion{}, domain.Invalidf("time %q: want HH:MM", opts.Time)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Completion{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProcedureTx(ctx, tx, opts.ProcedureID)
	if err != nil {
		return domain.Completion{}, err
	}
	if err := schedulable(p); err != nil {
		e.reject(err)
		return domain.Completion{}, err
	}
	assignee, err := pickAssignee(p, opts.AssigneeID)
	if err != nil {
		return domain.Completion{}, err
	}
	res, err := e.resolve(ctx, txSource{repo: e.Repo, tx: tx}, p)
	if err != nil {
		return domain.Completion{}, err
	}
	at := opts.Time
	if at == "" && p.Recurrence != nil {
		at = p.Recurrence.TimeOfDay
	}
	if at == "" {
		st, err := e.Repo.GetAnalyticsStateTx(ctx, tx, p.ID)
		if err != nil {
			return domain.Completion{}, err
		}
		at = st.AverageStartTime()
	}
	c := e.newCompletion(p, res, opts.Date, at, assignee)
	ok, err := e.Repo.InsertCompletion(ctx, tx, c)
	if err != nil {
		return domain.Completion{}, err
	}
	if !ok {
		err := fmt.Errorf("%w: %s on %s for %q", domain.ErrDuplicateOccurrence, p.ID, opts.Date, assignee)
		e.reject(err)
		return domain.Completion{}, err
	}
	if err := e.appendEvent(ctx, tx, events.OccurrenceScheduled, c.ContextID, "completion", c.ID, opts.ActorID, events.EventPayload{
		"procedure_id": p.ID, "date": c.ScheduledDate, "time": c.ScheduledTime, "assignee_id": assignee, "source": "manual",
	}); err != nil {
		return domain.Completion{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Completion{}, err
	}
	e.Metrics.Scheduled("manual", 1)
	return c, nil
}

func schedulable(p domain.Procedure) error {
	if p.Status == domain.ProcedureArchived {
		return fmt.Errorf("%w: %s", domain.ErrArchived, p.ID)
	}
	return nil
}

// pickAssignee returns the requested member, falling back to the default.
// An eligible list, when present, must contain the result. Member ids are
// otherwise opaque.
func pickAssignee(p domain.Procedure, requested string) (string, error) {
	a := requested
	if a == "" {
		a = p.Assignment.DefaultAssignee
	}
	if a != "" && len(p.Assignment.EligibleAssignees) > 0 && !contains(p.Assignment.EligibleAssignees, a) {
		return "", domain.Invalidf("assignee %s is not eligible for %s", a, p.ID)
	}
	return a, nil
}

func (e Engine) newCompletion(p domain.Procedure, res *resolver.Resolution, date, at, assignee string) domain.Completion {
	now := e.stamp()
	return domain.Completion{
		ID:                   "occ-" + uuid.NewString(),
		ProcedureID:          p.ID,
		ContextID:            p.ContextID,
		ProcedureVersion:     p.Version,
		Title:                p.Name,
		Category:             p.Category,
		EstimatedDuration:    res.TotalDuration(),
		AssigneeID:           assignee,
		ScheduledDate:        date,
		ScheduledTime:        at,
		CompletedSteps:       []string{},
		SkippedSteps:         []string{},
		Status:               domain.StatusScheduled,
		RequiresConfirmation: p.Assignment.RequiresConfirmation,
		Steps:                res.Snapshot(),
		RowVersion:           1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}
