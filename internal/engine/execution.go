package engine

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"sopline/internal/domain"
	"sopline/internal/events"
	"sopline/internal/recurrence"
)

// Event is an input to the occurrence state machine.
type Event string

const (
	EventStart        Event = "start"
	EventCompleteStep Event = "complete_step"
	EventSkipStep     Event = "skip_step"
	EventNote         Event = "note"
	EventFinish       Event = "finish"
	EventSkip         Event = "skip"
	EventAbandon      Event = "abandon"
	EventReschedule   Event = "reschedule"
	EventRepin        Event = "repin"
)

// transitions is the state x event table. A missing entry is an invalid
// transition; terminal states have no entries.
var transitions = map[domain.CompletionStatus]map[Event]domain.CompletionStatus{
	domain.StatusScheduled: {
		EventStart:      domain.StatusInProgress,
		EventSkip:       domain.StatusSkipped,
		EventAbandon:    domain.StatusFailed,
		EventReschedule: domain.StatusScheduled,
		EventRepin:      domain.StatusScheduled,
	},
	domain.StatusInProgress: {
		EventCompleteStep: domain.StatusInProgress,
		EventSkipStep:     domain.StatusInProgress,
		EventNote:         domain.StatusInProgress,
		EventFinish:       domain.StatusCompleted,
		EventSkip:         domain.StatusSkipped,
		EventAbandon:      domain.StatusFailed,
	},
}

var eventTypes = map[Event]string{
	EventStart:        events.OccurrenceStarted,
	EventCompleteStep: events.OccurrenceStepCompleted,
	EventSkipStep:     events.OccurrenceStepSkipped,
	EventNote:         events.OccurrenceStepNoted,
	EventFinish:       events.OccurrenceFinished,
	EventSkip:         events.OccurrenceSkipped,
	EventAbandon:      events.OccurrenceFailed,
	EventReschedule:   events.OccurrenceRescheduled,
	EventRepin:        events.OccurrenceRepinned,
}

// Next returns the status ev leads to from s.
func Next(s domain.CompletionStatus, ev Event) (domain.CompletionStatus, bool) {
	to, ok := transitions[s][ev]
	return to, ok
}

// Request carries what every tracker call shares. ProcedureVersion, when
// set, must equal the version pinned on the completion.
type Request struct {
	CompletionID     string
	ActorID          string
	Automated        bool
	ProcedureVersion int
}

type StepRequest struct {
	Request
	StepID string
	ItemID string
	Note   string
}

type FinishRequest struct {
	Request
	Token   string
	Outcome domain.Outcome
}

type AbandonRequest struct {
	Request
	Issues []string
	Notes  string
}

type SkipRequest struct {
	Request
	Reason string
}

type RescheduleRequest struct {
	Request
	Date string
	Time string
}

type mutation func(ctx context.Context, tx *sql.Tx, c *domain.Completion) (events.EventPayload, error)

// mutate runs one state-machine step as a read-modify-write inside a single
// transaction. The row version guard turns a concurrent writer into
// ErrConflict instead of a lost update.
func (e Engine) mutate(ctx context.Context, req Request, ev Event, fn mutation) (domain.Completion, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Completion{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCompletionTx(ctx, tx, req.CompletionID)
	if err != nil {
		return domain.Completion{}, err
	}
	from := c.Status
	to, ok := Next(from, ev)
	if !ok {
		err := &domain.InvalidTransitionError{CompletionID: c.ID, From: from, Event: string(ev)}
		e.reject(err)
		return domain.Completion{}, err
	}
	if req.ProcedureVersion != 0 && req.ProcedureVersion != c.ProcedureVersion {
		err := &domain.StaleVersionError{CompletionID: c.ID, Pinned: c.ProcedureVersion, Requested: req.ProcedureVersion}
		e.reject(err)
		return domain.Completion{}, err
	}
	payload, err := fn(ctx, tx, &c)
	if err != nil {
		e.reject(err)
		return domain.Completion{}, err
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["from"], payload["to"] = from, to

	c.Status = to
	c.UpdatedAt = e.stamp()
	c.RowVersion++
	if err := e.Repo.UpdateCompletion(ctx, tx, c); err != nil {
		e.reject(err)
		return domain.Completion{}, err
	}
	if err := e.appendEvent(ctx, tx, eventTypes[ev], c.ContextID, "completion", c.ID, req.ActorID, payload); err != nil {
		return domain.Completion{}, err
	}
	var summary domain.Analytics
	if to.Terminal() {
		if summary, err = e.foldAnalytics(ctx, tx, c, req.ActorID); err != nil {
			return domain.Completion{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Completion{}, err
	}

	e.Metrics.Transition(string(ev), string(from), string(to))
	if to == domain.StatusCompleted {
		e.Metrics.Completed(c.Category, c.ActualDuration, summary.AverageCompletionTime, c.ProcedureID)
	}
	e.log().Debug("completion transition",
		zap.String("completion_id", c.ID),
		zap.String("event", string(ev)),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return c, nil
}

// foldAnalytics feeds a terminal completion into its procedure's summary in
// the same transaction as the transition.
func (e Engine) foldAnalytics(ctx context.Context, tx *sql.Tx, c domain.Completion, actorID string) (domain.Analytics, error) {
	st, err := e.Repo.GetAnalyticsStateTx(ctx, tx, c.ProcedureID)
	if err != nil {
		return domain.Analytics{}, err
	}
	now := e.now()
	cfg := e.analyticsConfig()
	if err := st.Record(cfg, c, now); err != nil {
		return domain.Analytics{}, err
	}
	if err := e.Repo.UpsertAnalyticsState(ctx, tx, c.ProcedureID, st, e.stamp()); err != nil {
		return domain.Analytics{}, fmt.Errorf("store analytics: %w", err)
	}
	summary := st.Summary(cfg, now)
	if err := e.appendEvent(ctx, tx, events.AnalyticsUpdated, c.ContextID, "procedure", c.ProcedureID, actorID, events.EventPayload{
		"completion_id":           c.ID,
		"status":                  c.Status,
		"average_completion_time": summary.AverageCompletionTime,
		"completion_rate":         summary.CompletionRate,
	}); err != nil {
		return domain.Analytics{}, err
	}
	return summary, nil
}

// Start moves a scheduled occurrence to in-progress.
func (e Engine) Start(ctx context.Context, req Request) (domain.Completion, error) {
	return e.mutate(ctx, req, EventStart, func(_ context.Context, _ *sql.Tx, c *domain.Completion) (events.EventPayload, error) {
		c.StartedAt = e.stamp()
		return events.EventPayload{"started_at": c.StartedAt}, nil
	})
}

// CompleteStep marks a pinned step done, or with ItemID one checklist item of
// a list step. A list step completes once all of its items are checked.
func (e Engine) CompleteStep(ctx context.Context, req StepRequest) (domain.Completion, error) {
	return e.mutate(ctx, req.Request, EventCompleteStep, func(_ context.Context, _ *sql.Tx, c *domain.Completion) (events.EventPayload, error) {
		step, err := pinnedStep(*c, req.StepID)
		if err != nil {
			return nil, err
		}
		payload := events.EventPayload{"step_id": step.ID}
		if req.ItemID != "" {
			if err := checkItem(*c, step, req.ItemID); err != nil {
				return nil, err
			}
			if c.CompletedItems == nil {
				c.CompletedItems = map[string][]string{}
			}
			c.CompletedItems[step.ID] = addID(c.CompletedItems[step.ID], req.ItemID)
			payload["item_id"] = req.ItemID
			if len(c.CompletedItems[step.ID]) < len(step.Items) {
				return payload, nil
			}
		}
		c.SkippedSteps = removeID(c.SkippedSteps, step.ID)
		c.CompletedSteps = addID(c.CompletedSteps, step.ID)
		if req.Note != "" {
			setNote(c, step.ID, req.Note)
		}
		return payload, nil
	})
}

// SkipStep marks a pinned step skipped, or with ItemID unchecks one item.
func (e Engine) SkipStep(ctx context.Context, req StepRequest) (domain.Completion, error) {
	return e.mutate(ctx, req.Request, EventSkipStep, func(_ context.Context, _ *sql.Tx, c *domain.Completion) (events.EventPayload, error) {
		step, err := pinnedStep(*c, req.StepID)
		if err != nil {
			return nil, err
		}
		payload := events.EventPayload{"step_id": step.ID}
		if req.ItemID != "" {
			if err := checkItem(*c, step, req.ItemID); err != nil {
				return nil, err
			}
			if items, ok := c.CompletedItems[step.ID]; ok {
				c.CompletedItems[step.ID] = removeID(items, req.ItemID)
			}
			c.CompletedSteps = removeID(c.CompletedSteps, step.ID)
			payload["item_id"] = req.ItemID
			return payload, nil
		}
		c.CompletedSteps = removeID(c.CompletedSteps, step.ID)
		c.SkippedSteps = addID(c.SkippedSteps, step.ID)
		if req.Note != "" {
			setNote(c, step.ID, req.Note)
		}
		return payload, nil
	})
}

// AddStepNote attaches free text to a pinned step.
func (e Engine) AddStepNote(ctx context.Context, req StepRequest) (domain.Completion, error) {
	return e.mutate(ctx, req.Request, EventNote, func(_ context.Context, _ *sql.Tx, c *domain.Completion) (events.EventPayload, error) {
		step, err := pinnedStep(*c, req.StepID)
		if err != nil {
			return nil, err
		}
		setNote(c, step.ID, req.Note)
		return events.EventPayload{"step_id": step.ID}, nil
	})
}

// Finish completes an in-progress occurrence. When the procedure requires
// confirmation the caller must be a person, and with a configured secret
// must also present a token issued for this completion.
func (e Engine) Finish(ctx context.Context, req FinishRequest) (domain.Completion, error) {
	if err := checkRating(req.Outcome.Rating); err != nil {
		return domain.Completion{}, err
	}
	return e.mutate(ctx, req.Request, EventFinish, func(_ context.Context, _ *sql.Tx, c *domain.Completion) (events.EventPayload, error) {
		by := req.ActorID
		if c.RequiresConfirmation {
			member, err := e.confirmedBy(*c, req)
			if err != nil {
				return nil, err
			}
			by = member
		}
		now := e.now().UTC()
		c.CompletedAt = now.Format(time.RFC3339)
		c.CompletedBy = by
		if started, err := time.Parse(time.RFC3339, c.StartedAt); err == nil {
			c.ActualDuration = math.Round(now.Sub(started).Minutes()*100) / 100
		}
		c.Outcome = mergeOutcome(c.Outcome, req.Outcome)
		return events.EventPayload{
			"completed_by":    by,
			"actual_duration": c.ActualDuration,
			"rating":          c.Outcome.Rating,
		}, nil
	})
}

func (e Engine) confirmedBy(c domain.Completion, req FinishRequest) (string, error) {
	if req.Automated || req.ActorID == "" {
		return "", fmt.Errorf("%w: completion %s needs a confirming member", domain.ErrConfirmationRequired, c.ID)
	}
	conf := e.confirmer()
	if !conf.Enabled() {
		return req.ActorID, nil
	}
	if req.Token == "" {
		return "", fmt.Errorf("%w: completion %s needs a confirmation token", domain.ErrConfirmationRequired, c.ID)
	}
	member, err := conf.Verify(req.Token, c.ID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrConfirmationRequired, err)
	}
	if member != req.ActorID {
		return "", fmt.Errorf("%w: token issued to %s, not %s", domain.ErrConfirmationRequired, member, req.ActorID)
	}
	return member, nil
}

// IssueConfirmation signs a token that lets memberID finish completionID.
func (e Engine) IssueConfirmation(ctx context.Context, completionID, memberID string) (string, time.Time, error) {
	c, err := e.Repo.GetCompletion(ctx, completionID)
	if err != nil {
		return "", time.Time{}, err
	}
	if c.Status.Terminal() {
		return "", time.Time{}, &domain.InvalidTransitionError{CompletionID: c.ID, From: c.Status, Event: "confirm"}
	}
	return e.confirmer().Issue(c.ID, memberID)
}

// SkipOccurrence abandons a scheduled or in-progress occurrence as skipped.
func (e Engine) SkipOccurrence(ctx context.Context, req SkipRequest) (domain.Completion, error) {
	return e.mutate(ctx, req.Request, EventSkip, func(_ context.Context, _ *sql.Tx, c *domain.Completion) (events.EventPayload, error) {
		if req.Reason != "" {
			c.Outcome.Notes = req.Reason
		}
		return events.EventPayload{"reason": req.Reason}, nil
	})
}

// Abandon fails any non-terminal occurrence and records the issues raised.
func (e Engine) Abandon(ctx context.Context, req AbandonRequest) (domain.Completion, error) {
	return e.mutate(ctx, req.Request, EventAbandon, func(_ context.Context, _ *sql.Tx, c *domain.Completion) (events.EventPayload, error) {
		c.Outcome.Issues = append(c.Outcome.Issues, req.Issues...)
		if req.Notes != "" {
			c.Outcome.Notes = req.Notes
		}
		return events.EventPayload{"issues": req.Issues}, nil
	})
}

// Reschedule is the single write path for calendar edits: it moves a
// scheduled occurrence to another date or time.
func (e Engine) Reschedule(ctx context.Context, req RescheduleRequest) (domain.Completion, error) {
	if req.Date != "" {
		if _, err := recurrence.ParseDate(req.Date); err != nil {
			return domain.Completion{}, err
		}
	}
	if req.Time != "" {
		if _, err := time.Parse(recurrence.TimeLayout, req.Time); err != nil {
			return domain.Completion{}, domain.Invalidf("time %q: want HH:MM", req.Time)
		}
	}
	if req.Date == "" && req.Time == "" {
		return domain.Completion{}, domain.Invalidf("reschedule needs a date or a time")
	}
	return e.mutate(ctx, req.Request, EventReschedule, func(_ context.Context, _ *sql.Tx, c *domain.Completion) (events.EventPayload, error) {
		payload := events.EventPayload{"old_date": c.ScheduledDate, "old_time": c.ScheduledTime}
		if req.Date != "" {
			c.ScheduledDate = req.Date
		}
		if req.Time != "" {
			c.ScheduledTime = req.Time
		}
		payload["date"], payload["time"] = c.ScheduledDate, c.ScheduledTime
		return payload, nil
	})
}

// Repin re-resolves a still-scheduled occurrence against the procedure's
// current version.
func (e Engine) Repin(ctx context.Context, req Request) (domain.Completion, error) {
	return e.mutate(ctx, req, EventRepin, func(ctx context.Context, tx *sql.Tx, c *domain.Completion) (events.EventPayload, error) {
		p, err := e.Repo.GetProcedureTx(ctx, tx, c.ProcedureID)
		if err != nil {
			return nil, err
		}
		if err := schedulable(p); err != nil {
			return nil, err
		}
		res, err := e.resolve(ctx, txSource{repo: e.Repo, tx: tx}, p)
		if err != nil {
			return nil, err
		}
		old := c.ProcedureVersion
		c.ProcedureVersion = p.Version
		c.Title = p.Name
		c.Category = p.Category
		c.RequiresConfirmation = p.Assignment.RequiresConfirmation
		c.Steps = res.Snapshot()
		c.EstimatedDuration = res.TotalDuration()
		return events.EventPayload{"old_version": old, "version": p.Version}, nil
	})
}

// GetCompletion returns one occurrence.
func (e Engine) GetCompletion(ctx context.Context, id string) (domain.Completion, error) {
	return e.Repo.GetCompletion(ctx, id)
}

func pinnedStep(c domain.Completion, id string) (domain.ResolvedStep, error) {
	for _, s := range c.Steps {
		if s.ID == id {
			return s, nil
		}
	}
	return domain.ResolvedStep{}, &domain.UnknownStepError{ProcedureID: c.ProcedureID, CompletionID: c.ID, StepID: id}
}

func checkItem(c domain.Completion, step domain.ResolvedStep, itemID string) error {
	if step.Kind != domain.StepList {
		return domain.Invalidf("step %s has no checklist items", step.ID)
	}
	if !contains(step.Items, itemID) {
		return &domain.UnknownStepError{ProcedureID: c.ProcedureID, CompletionID: c.ID, StepID: step.ID + "#" + itemID}
	}
	return nil
}

func setNote(c *domain.Completion, stepID, note string) {
	if c.StepNotes == nil {
		c.StepNotes = map[string]string{}
	}
	c.StepNotes[stepID] = note
}

func addID(list []string, id string) []string {
	if contains(list, id) {
		return list
	}
	return append(list, id)
}

func removeID(list []string, id string) []string {
	out := list[:0]
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func checkRating(r int) error {
	if r < 0 || r > 5 {
		return domain.Invalidf("rating %d outside 1..5", r)
	}
	return nil
}

func mergeOutcome(cur, in domain.Outcome) domain.Outcome {
	if in.Notes != "" {
		cur.Notes = in.Notes
	}
	if in.Rating != 0 {
		cur.Rating = in.Rating
	}
	cur.Issues = append(cur.Issues, in.Issues...)
	cur.Suggestions = append(cur.Suggestions, in.Suggestions...)
	return cur
}
