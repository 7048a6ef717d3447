package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sopline/internal/domain"
)

// WorkItem renders a completion for an external task list. The context text
// references the procedure and lists the pinned steps, indented by nesting.
func (e Engine) WorkItem(ctx context.Context, completionID string) (domain.WorkItem, error) {
	c, err := e.Repo.GetCompletion(ctx, completionID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	var tags []string
	p, err := e.Repo.GetProcedure(ctx, c.ProcedureID)
	switch {
	case err == nil:
		tags = append(tags, p.Tags...)
	case !errors.Is(err, domain.ErrNotFound):
		return domain.WorkItem{}, err
	}
	tags = append(tags, "sop")
	if c.Category != "" && !contains(tags, c.Category) {
		tags = append(tags, c.Category)
	}
	return domain.WorkItem{
		Title:             workItemTitle(c),
		Assignee:          c.AssigneeID,
		EstimatedDuration: c.EstimatedDuration,
		Tags:              tags,
		Context:           workItemContext(c),
		ProcedureID:       c.ProcedureID,
		CompletionID:      c.ID,
	}, nil
}

func workItemTitle(c domain.Completion) string {
	if c.ScheduledDate == "" {
		return c.Title
	}
	return fmt.Sprintf("%s (%s)", c.Title, c.ScheduledDate)
}

func workItemContext(c domain.Completion) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Procedure %s v%d: %s\n", c.ProcedureID, c.ProcedureVersion, c.Title)
	if c.ScheduledDate != "" {
		fmt.Fprintf(&b, "Scheduled %s %s\n", c.ScheduledDate, c.ScheduledTime)
	}
	b.WriteString("Steps:\n")
	parent := ""
	for _, s := range c.Steps {
		if s.ParentStepID != "" && s.ParentStepID != parent {
			fmt.Fprintf(&b, "%s%s:\n", strings.Repeat("  ", s.Depth-1), s.ParentStepID)
		}
		parent = s.ParentStepID
		mark := " "
		switch {
		case contains(c.CompletedSteps, s.ID):
			mark = "x"
		case contains(c.SkippedSteps, s.ID):
			mark = "-"
		}
		fmt.Fprintf(&b, "%s[%s] %s (%gm)", strings.Repeat("  ", s.Depth), mark, s.Title, s.Duration)
		if s.Assignee != "" && s.Assignee != c.AssigneeID {
			fmt.Fprintf(&b, " @%s", s.Assignee)
		}
		if s.Optional {
			b.WriteString(" optional")
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
