package engine

import (
	"context"
	"fmt"
	"sort"

	"sopline/internal/domain"
	"sopline/internal/recurrence"
	"sopline/internal/repo"
)

const fallbackColor = "#6b7280"

type CalendarOptions struct {
	ContextID  string
	From       string
	To         string
	AssigneeID string
	// Slots adds recurrence dates that have no completion yet.
	Slots bool
}

// Calendar projects the context's occurrences in the window for the calendar
// collaborator, ordered by date and start time.
func (e Engine) Calendar(ctx context.Context, opts CalendarOptions) ([]domain.CalendarItem, error) {
	w, err := e.window(opts.From, opts.To)
	if err != nil {
		return nil, err
	}
	contextID := e.contextID(opts.ContextID)
	from, to := w.From.Format(recurrence.DateLayout), w.To.Format(recurrence.DateLayout)
	f := repo.CompletionFilters{ContextID: contextID, From: from, To: to}
	if opts.AssigneeID != "" {
		f.AssigneeID = &opts.AssigneeID
	}
	completions, err := e.Repo.ListCompletions(ctx, f)
	if err != nil {
		return nil, err
	}

	items := make([]domain.CalendarItem, 0, len(completions))
	taken := map[string]bool{}
	for _, c := range completions {
		if c.Status.Occupies() {
			taken[slotKey(c.ProcedureID, c.ScheduledDate, c.AssigneeID)] = true
		}
		item, err := e.completionItem(c)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if opts.Slots {
		slots, err := e.slots(ctx, contextID, opts.AssigneeID, w, taken)
		if err != nil {
			return nil, err
		}
		items = append(items, slots...)
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Date != items[j].Date {
			return items[i].Date < items[j].Date
		}
		if items[i].StartTime != items[j].StartTime {
			return items[i].StartTime < items[j].StartTime
		}
		return items[i].Title < items[j].Title
	})
	return items, nil
}

func (e Engine) completionItem(c domain.Completion) (domain.CalendarItem, error) {
	start := c.ScheduledTime
	if start == "" {
		start = "00:00"
	}
	end, err := recurrence.AddMinutes(start, c.EstimatedDuration)
	if err != nil {
		return domain.CalendarItem{}, fmt.Errorf("completion %s: %w", c.ID, err)
	}
	return domain.CalendarItem{
		ID:           c.ID,
		CompletionID: c.ID,
		ProcedureID:  c.ProcedureID,
		Title:        c.Title,
		Category:     c.Category,
		Duration:     c.EstimatedDuration,
		Assignee:     c.AssigneeID,
		Date:         c.ScheduledDate,
		StartTime:    start,
		EndTime:      end,
		Status:       c.Status,
		Color:        e.color(c.Category, c.Status),
		Draggable:    c.Status == domain.StatusScheduled,
	}, nil
}

// slots lists recurrence dates of active procedures that no completion
// occupies yet. They are read-only until scheduled.
func (e Engine) slots(ctx context.Context, contextID, assignee string, w recurrence.Window, taken map[string]bool) ([]domain.CalendarItem, error) {
	recurring := true
	procs, err := e.Repo.ListProcedures(ctx, repo.ProcedureFilters{
		ContextID: contextID,
		Status:    string(domain.ProcedureActive),
		Recurring: &recurring,
	})
	if err != nil {
		return nil, err
	}
	var out []domain.CalendarItem
	for _, p := range procs {
		if p.Recurrence == nil {
			continue
		}
		if assignee != "" && p.Assignment.DefaultAssignee != assignee {
			continue
		}
		st, err := e.Repo.GetAnalyticsState(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		holidays, err := e.prefetchHolidays(ctx, p, w)
		if err != nil {
			return nil, err
		}
		occs, err := recurrence.Expand(*p.Recurrence, w, recurrence.Options{
			DefaultTime: st.AverageStartTime(),
			Holidays:    holidays,
		})
		if err != nil {
			return nil, err
		}
		for _, occ := range occs {
			if taken[slotKey(p.ID, occ.Date, p.Assignment.DefaultAssignee)] {
				continue
			}
			end, err := recurrence.AddMinutes(occ.Time, float64(p.EstimatedDuration))
			if err != nil {
				return nil, err
			}
			out = append(out, domain.CalendarItem{
				ID:          fmt.Sprintf("slot:%s:%s", p.ID, occ.Date),
				ProcedureID: p.ID,
				Title:       p.Name,
				Category:    p.Category,
				Duration:    float64(p.EstimatedDuration),
				Assignee:    p.Assignment.DefaultAssignee,
				Date:        occ.Date,
				StartTime:   occ.Time,
				EndTime:     end,
				Status:      domain.StatusScheduled,
				Color:       e.color(p.Category, domain.StatusScheduled),
			})
		}
	}
	return out, nil
}

// slotKey mirrors the occurrence uniqueness of (procedure, date, assignee).
func slotKey(procedureID, date, assignee string) string {
	return procedureID + "|" + date + "|" + assignee
}

// color picks the status color, then the category color, then the default.
func (e Engine) color(category string, status domain.CompletionStatus) string {
	if e.Config == nil {
		return fallbackColor
	}
	cal := e.Config.Calendar
	if c, ok := cal.StatusColors[string(status)]; ok && c != "" {
		return c
	}
	if c, ok := cal.Colors[category]; ok && c != "" {
		return c
	}
	if cal.DefaultColor != "" {
		return cal.DefaultColor
	}
	return fallbackColor
}
