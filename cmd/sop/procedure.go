package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sopline/internal/domain"
	"sopline/internal/engine"
	"sopline/internal/repo"
)

func procedureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "procedure",
		Aliases: []string{"proc"},
		Short:   "Author procedures",
		Long:    "Procedures are written in YAML and imported. Edits to steps, execution order or embedding create a new version; runs already scheduled keep the version they were pinned to.",
	}
	cmd.AddCommand(procedureImportCmd())
	cmd.AddCommand(procedureListCmd())
	cmd.AddCommand(procedureShowCmd())
	cmd.AddCommand(procedureResolveCmd())
	cmd.AddCommand(procedureStatusCmd())
	cmd.AddCommand(procedureVersionsCmd())
	return cmd
}

func procedureImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yml>",
		Short: "Create procedures from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ImportProceduresFile(ctx, args[0], "", actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				for _, p := range items {
					fmt.Printf("Created %s v%d (%d steps, %d min)\n", p.ID, p.Version, len(p.Steps), p.EstimatedDuration)
				}
				return nil
			})
		},
	}
}

func procedureListCmd() *cobra.Command {
	var f repo.ProcedureFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List procedures",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProcedures(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Status", "Category", "Version", "Minutes", "Recurring")
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.Category, p.Version, p.EstimatedDuration, recurrenceLabel(p.Recurrence)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	return cmd
}

func procedureShowCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a procedure, its steps and analytics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					p   domain.Procedure
					err error
				)
				if version > 0 {
					p, err = e.ProcedureVersion(ctx, args[0], version)
				} else {
					p, err = e.GetProcedure(ctx, args[0])
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("%s v%d: %s [%s, %s]\n", p.ID, p.Version, p.Name, p.Status, p.ExecutionOrder)
				if p.Recurrence != nil {
					fmt.Printf("Recurs: %s\n", recurrenceLabel(p.Recurrence))
				}
				tw := newTable("#", "ID", "Title", "Kind", "Minutes", "Depends on", "Assignee")
				for _, s := range p.Steps {
					title := s.Title
					if s.Embedded != nil {
						title += " -> " + s.Embedded.ProcedureID
					}
					if s.Optional {
						title += " (optional)"
					}
					tw.AppendRow(table.Row{s.StepNumber, s.ID, title, s.Kind, s.EstimatedDuration, strings.Join(s.Dependencies, ","), s.AssignedTo})
				}
				tw.Render()
				a := p.Analytics
				fmt.Printf("Average %.1f min over %d runs, completion rate %.0f%%", a.AverageCompletionTime, a.SampleCount, a.CompletionRate*100)
				if a.AverageStartTime != "" {
					fmt.Printf(", usually started at %s", a.AverageStartTime)
				}
				fmt.Println()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "show a stored version instead of the current one")
	return cmd
}

func procedureResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <id>",
		Short: "Show the flattened step list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Resolve(ctx, args[0])
				if err != nil {
					return err
				}
				steps := res.Snapshot()
				if viper.GetBool("json") {
					return printJSON(steps)
				}
				tw := newTable("ID", "Title", "Minutes", "Assignee", "Depends on")
				for _, s := range steps {
					tw.AppendRow(table.Row{s.ID, strings.Repeat("  ", s.Depth) + s.Title, s.Duration, s.Assignee, strings.Join(s.Dependencies, ",")})
				}
				tw.AppendFooter(table.Row{"", "Total", res.TotalDuration(), "", ""})
				tw.Render()
				return nil
			})
		},
	}
}

func procedureStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <draft|active|archived>",
		Short: "Change procedure status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.SetProcedureStatus(ctx, args[0], domain.ProcedureStatus(args[1]), actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("%s is now %s\n", p.ID, p.Status)
				return nil
			})
		},
	}
}

func procedureVersionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions <id>",
		Short: "List stored versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				versions, err := e.ProcedureVersions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(versions)
				}
				labels := make([]string, len(versions))
				for i, v := range versions {
					labels[i] = "v" + strconv.Itoa(v)
				}
				fmt.Println(strings.Join(labels, " "))
				return nil
			})
		},
	}
}

func recurrenceLabel(r *domain.RecurrenceRule) string {
	if r == nil {
		return ""
	}
	label := string(r.Frequency)
	switch r.Frequency {
	case domain.FrequencyWeekly:
		days := make([]string, len(r.DaysOfWeek))
		for i, d := range r.DaysOfWeek {
			days[i] = weekdayNames[d%7]
		}
		label += " " + strings.Join(days, ",")
	case domain.FrequencyMonthly:
		label += fmt.Sprintf(" day %d", r.DayOfMonth)
	}
	if r.TimeOfDay != "" {
		label += " at " + r.TimeOfDay
	}
	return label
}

var weekdayNames = [7]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}
