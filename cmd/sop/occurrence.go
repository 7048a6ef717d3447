package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sopline/internal/domain"
	"sopline/internal/engine"
	"sopline/internal/repo"
)

func scheduleCmd() *cobra.Command {
	var opts engine.ScheduleOptions
	cmd := &cobra.Command{
		Use:   "schedule <procedure-id>",
		Short: "Create occurrences for a recurring procedure",
		Long:  "Expands the recurrence rule over [from, to). Running it again only fills dates that have no occurrence for the assignee.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ProcedureID = args[0]
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created, err := e.ScheduleOccurrences(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(created)
				}
				if len(created) == 0 {
					fmt.Println("Nothing new to schedule")
					return nil
				}
				printCompletions(created)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.From, "from", "", "first date (YYYY-MM-DD, default today)")
	cmd.Flags().StringVar(&opts.To, "to", "", "end date, exclusive (default from + horizon)")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee", "", "assignee (default from the procedure)")
	return cmd
}

func occurrenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "occurrence",
		Aliases: []string{"occ", "track"},
		Short:   "Schedule and track individual runs",
		Long:    "Runs move scheduled -> in_progress -> completed, or end skipped or failed. Step ids are the qualified ids shown by 'sop procedure resolve'.",
	}
	cmd.AddCommand(occurrenceAddCmd())
	cmd.AddCommand(occurrenceListCmd())
	cmd.AddCommand(occurrenceShowCmd())
	cmd.AddCommand(occurrenceStartCmd())
	cmd.AddCommand(stepCmd("done", "Complete a step, or check off a list item with --item", engine.Engine.CompleteStep))
	cmd.AddCommand(stepCmd("undo", "Skip a step, or uncheck a list item with --item", engine.Engine.SkipStep))
	cmd.AddCommand(stepCmd("note", "Attach a note to a step", engine.Engine.AddStepNote))
	cmd.AddCommand(occurrenceFinishCmd())
	cmd.AddCommand(occurrenceSkipCmd())
	cmd.AddCommand(occurrenceAbandonCmd())
	cmd.AddCommand(occurrenceRescheduleCmd())
	cmd.AddCommand(occurrenceRepinCmd())
	cmd.AddCommand(occurrenceConfirmCmd())
	cmd.AddCommand(occurrenceWorkItemCmd())
	return cmd
}

func occurrenceAddCmd() *cobra.Command {
	var opts engine.OccurrenceOptions
	cmd := &cobra.Command{
		Use:   "add <procedure-id>",
		Short: "Schedule one run on a date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ProcedureID = args[0]
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateOccurrence(ctx, opts)
				if err != nil {
					return err
				}
				return printCompletion(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Date, "date", "", "date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.Time, "time", "", "time of day (HH:MM)")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee", "", "assignee")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func occurrenceListCmd() *cobra.Command {
	var (
		f        repo.CompletionFilters
		assignee string
		statuses []string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.ContextID = e.Config.Context.ID
				if assignee != "" {
					f.AssigneeID = &assignee
				}
				for _, s := range statuses {
					f.Statuses = append(f.Statuses, domain.CompletionStatus(s))
				}
				items, err := e.Repo.ListCompletions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printCompletions(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProcedureID, "procedure", "", "procedure filter")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee filter")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "status filter (repeatable)")
	cmd.Flags().StringVar(&f.From, "from", "", "first date")
	cmd.Flags().StringVar(&f.To, "to", "", "end date, exclusive")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func occurrenceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a run and its pinned steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.GetCompletion(ctx, args[0])
				if err != nil {
					return err
				}
				return printCompletion(c)
			})
		},
	}
}

func occurrenceStartCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Start a scheduled run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Start(ctx, request(args[0], version))
				if err != nil {
					return err
				}
				return printCompletion(c)
			})
		},
	}
	versionFlag(cmd, &version)
	return cmd
}

func stepCmd(use, short string, fn func(engine.Engine, context.Context, engine.StepRequest) (domain.Completion, error)) *cobra.Command {
	var (
		version int
		item    string
		note    string
	)
	cmd := &cobra.Command{
		Use:   use + " <id> <step-id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := fn(e, ctx, engine.StepRequest{
					Request: request(args[0], version),
					StepID:  args[1],
					ItemID:  item,
					Note:    note,
				})
				if err != nil {
					return err
				}
				return printCompletion(c)
			})
		},
	}
	versionFlag(cmd, &version)
	cmd.Flags().StringVar(&item, "item", "", "list item id")
	cmd.Flags().StringVar(&note, "note", "", "note text")
	return cmd
}

func occurrenceFinishCmd() *cobra.Command {
	var (
		version int
		token   string
		outcome domain.Outcome
	)
	cmd := &cobra.Command{
		Use:   "finish <id>",
		Short: "Complete a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Finish(ctx, engine.FinishRequest{
					Request: request(args[0], version),
					Token:   token,
					Outcome: outcome,
				})
				if err != nil {
					return err
				}
				return printCompletion(c)
			})
		},
	}
	versionFlag(cmd, &version)
	cmd.Flags().StringVar(&token, "token", "", "confirmation token from 'sop occurrence confirm'")
	cmd.Flags().IntVar(&outcome.Rating, "rating", 0, "rating 1-5")
	cmd.Flags().StringVar(&outcome.Notes, "notes", "", "notes")
	cmd.Flags().StringArrayVar(&outcome.Issues, "issue", nil, "issue encountered (repeatable)")
	cmd.Flags().StringArrayVar(&outcome.Suggestions, "suggest", nil, "improvement suggestion (repeatable)")
	return cmd
}

func occurrenceSkipCmd() *cobra.Command {
	var (
		version int
		reason  string
	)
	cmd := &cobra.Command{
		Use:   "skip <id>",
		Short: "Skip a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.SkipOccurrence(ctx, engine.SkipRequest{Request: request(args[0], version), Reason: reason})
				if err != nil {
					return err
				}
				return printCompletion(c)
			})
		},
	}
	versionFlag(cmd, &version)
	cmd.Flags().StringVar(&reason, "reason", "", "why it was skipped")
	return cmd
}

func occurrenceAbandonCmd() *cobra.Command {
	var (
		version int
		issues  []string
		notes   string
	)
	cmd := &cobra.Command{
		Use:   "abandon <id>",
		Short: "Mark a run failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Abandon(ctx, engine.AbandonRequest{Request: request(args[0], version), Issues: issues, Notes: notes})
				if err != nil {
					return err
				}
				return printCompletion(c)
			})
		},
	}
	versionFlag(cmd, &version)
	cmd.Flags().StringArrayVar(&issues, "issue", nil, "issue encountered (repeatable)")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	return cmd
}

func occurrenceRescheduleCmd() *cobra.Command {
	var (
		version    int
		date, hhmm string
	)
	cmd := &cobra.Command{
		Use:   "reschedule <id>",
		Short: "Move a scheduled run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Reschedule(ctx, engine.RescheduleRequest{Request: request(args[0], version), Date: date, Time: hhmm})
				if err != nil {
					return err
				}
				return printCompletion(c)
			})
		},
	}
	versionFlag(cmd, &version)
	cmd.Flags().StringVar(&date, "date", "", "new date")
	cmd.Flags().StringVar(&hhmm, "time", "", "new time of day")
	return cmd
}

func occurrenceRepinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repin <id>",
		Short: "Re-resolve a scheduled run against the current procedure version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repin(ctx, request(args[0], 0))
				if err != nil {
					return err
				}
				return printCompletion(c)
			})
		},
	}
}

func occurrenceConfirmCmd() *cobra.Command {
	var member string
	cmd := &cobra.Command{
		Use:   "confirm <id>",
		Short: "Issue a confirmation token a member passes to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if member == "" {
				member = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				token, expires, err := e.IssueConfirmation(ctx, args[0], member)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"token": token, "expires_at": expires})
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&member, "member", "", "member the token is issued to (default --actor-id)")
	return cmd
}

func occurrenceWorkItemCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "work-item <id>",
		Short: "Render a run as a task-list item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.WorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				fmt.Printf("%s  [%s]\n%s\n", w.Title, strings.Join(w.Tags, ", "), w.Context)
				return nil
			})
		},
	}
}

func request(id string, version int) engine.Request {
	return engine.Request{CompletionID: id, ActorID: actorID(), ProcedureVersion: version}
}

func versionFlag(cmd *cobra.Command, v *int) {
	cmd.Flags().IntVar(v, "procedure-version", 0, "fail if the run is pinned to another version")
}

func printCompletions(items []domain.Completion) {
	tw := newTable("ID", "Date", "Time", "Title", "Assignee", "Status", "Done")
	for _, c := range items {
		tw.AppendRow(table.Row{c.ID, c.ScheduledDate, c.ScheduledTime, c.Title, c.AssigneeID, c.Status,
			fmt.Sprintf("%d/%d", len(c.CompletedSteps), len(c.Steps))})
	}
	tw.Render()
}

func printCompletion(c domain.Completion) error {
	if viper.GetBool("json") {
		return printJSON(c)
	}
	fmt.Printf("%s  %s v%d  %s %s  [%s]\n", c.ID, c.Title, c.ProcedureVersion, c.ScheduledDate, c.ScheduledTime, c.Status)
	tw := newTable("", "Step", "Title", "Minutes", "Assignee", "Note")
	for _, s := range c.Steps {
		mark := ""
		switch {
		case contains(c.CompletedSteps, s.ID):
			mark = "x"
		case contains(c.SkippedSteps, s.ID):
			mark = "-"
		}
		tw.AppendRow(table.Row{mark, s.ID, strings.Repeat("  ", s.Depth) + s.Title, s.Duration, s.Assignee, c.StepNotes[s.ID]})
	}
	tw.Render()
	if c.Status == domain.StatusCompleted {
		fmt.Printf("Took %.1f min, completed by %s\n", c.ActualDuration, c.CompletedBy)
	}
	return nil
}

func contains(items []string, v string) bool {
	for _, it := range items {
		if it == v {
			return true
		}
	}
	return false
}
