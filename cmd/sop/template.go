package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sopline/internal/domain"
	"sopline/internal/engine"
	"sopline/internal/repo"
)

func templateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "template",
		Aliases: []string{"tpl"},
		Short:   "Share procedure blueprints",
	}
	cmd.AddCommand(templateCreateCmd())
	cmd.AddCommand(templateListCmd())
	cmd.AddCommand(templateShowCmd())
	cmd.AddCommand(templateInstantiateCmd())
	cmd.AddCommand(templateRateCmd())
	return cmd
}

func templateCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <file.yml>",
		Short: "Create a template from YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ImportTemplate(ctx, data, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("Created template %s (%d steps)\n", t.ID, len(t.Steps))
				return nil
			})
		},
	}
}

func templateListCmd() *cobra.Command {
	var f repo.TemplateFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListTemplates(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Category", "Steps", "Used", "Rating", "Public")
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, t.Category, len(t.Steps), t.UsageCount, fmt.Sprintf("%.1f (%d)", t.Rating, t.RatingCount), t.Public})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&f.PublicOnly, "public", false, "only public templates")
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	return cmd
}

func templateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTemplate(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("%s: %s [%s]\n", t.ID, t.Name, strings.Join(t.Tags, ", "))
				tw := newTable("#", "Title", "Minutes", "After")
				for i, s := range t.Steps {
					after := make([]string, len(s.DependsOn))
					for j, d := range s.DependsOn {
						after[j] = strconv.Itoa(d)
					}
					tw.AppendRow(table.Row{i + 1, s.Title, s.EstimatedDuration, strings.Join(after, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func templateInstantiateCmd() *cobra.Command {
	var (
		name   string
		status string
	)
	cmd := &cobra.Command{
		Use:   "instantiate <id>",
		Short: "Create a procedure from a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.InstantiateTemplate(ctx, engine.InstantiateOptions{
					TemplateID: args[0],
					Name:       name,
					Status:     domain.ProcedureStatus(status),
					ActorID:    actorID(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Created %s v%d from %s\n", p.ID, p.Version, args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "procedure name (default the template name)")
	cmd.Flags().StringVar(&status, "status", "", "initial status (default draft)")
	return cmd
}

func templateRateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rate <id> <1-5>",
		Short: "Rate a template",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rating, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("rating must be a number: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.RateTemplate(ctx, args[0], rating, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("%s rated %.1f over %d ratings\n", t.ID, t.Rating, t.RatingCount)
				return nil
			})
		},
	}
}
