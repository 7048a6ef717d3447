package main

import (
	"context"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sopline/internal/engine"
)

func calendarCmd() *cobra.Command {
	var opts engine.CalendarOptions
	cmd := &cobra.Command{
		Use:     "calendar",
		Aliases: []string{"cal"},
		Short:   "Show scheduled runs as calendar blocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Calendar(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Date", "Start", "End", "Title", "Assignee", "Status", "ID")
				for _, it := range items {
					id := it.CompletionID
					if id == "" {
						id = "(open)"
					}
					tw.AppendRow(table.Row{it.Date, it.StartTime, it.EndTime, it.Title, it.Assignee, it.Status, id})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.From, "from", "", "first date (default today)")
	cmd.Flags().StringVar(&opts.To, "to", "", "end date, exclusive")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee", "", "assignee filter")
	cmd.Flags().BoolVar(&opts.Slots, "slots", false, "include recurrence dates with nothing scheduled")
	return cmd
}
