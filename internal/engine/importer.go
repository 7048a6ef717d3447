package engine

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"sopline/internal/domain"
)

// procedureDoc is the YAML shape accepted by ImportProcedures.
type procedureDoc struct {
	ID             string         `yaml:"id"`
	Name           string         `yaml:"name"`
	Description    string         `yaml:"description"`
	Category       string         `yaml:"category"`
	Tags           []string       `yaml:"tags"`
	Difficulty     string         `yaml:"difficulty"`
	Status         string         `yaml:"status"`
	ExecutionOrder string         `yaml:"execution_order"`
	CanBeEmbedded  bool           `yaml:"can_be_embedded"`
	Standalone     *bool          `yaml:"standalone"`
	Assignment     assignmentDoc  `yaml:"assignment"`
	Recurrence     *recurrenceDoc `yaml:"recurrence"`
	Steps          []stepDoc      `yaml:"steps"`
}

type assignmentDoc struct {
	Eligible             []string `yaml:"eligible"`
	Default              string   `yaml:"default"`
	RequiresConfirmation bool     `yaml:"requires_confirmation"`
}

type recurrenceDoc struct {
	Frequency    string `yaml:"frequency"`
	DaysOfWeek   []int  `yaml:"days_of_week"`
	DayOfMonth   int    `yaml:"day_of_month"`
	StartDate    string `yaml:"start_date"`
	EndDate      string `yaml:"end_date"`
	Time         string `yaml:"time"`
	SkipHolidays bool   `yaml:"skip_holidays"`
}

type stepDoc struct {
	ID          string    `yaml:"id"`
	Title       string    `yaml:"title"`
	Description string    `yaml:"description"`
	Duration    int       `yaml:"duration"`
	Optional    bool      `yaml:"optional"`
	DependsOn   []string  `yaml:"depends_on"`
	AssignedTo  string    `yaml:"assigned_to"`
	Items       []string  `yaml:"items"`
	Embed       *embedDoc `yaml:"embed"`
}

type embedDoc struct {
	Procedure  string   `yaml:"procedure"`
	AssignedTo string   `yaml:"assigned_to"`
	Skip       []string `yaml:"skip"`
	Duration   *int     `yaml:"duration"`
}

func (d procedureDoc) options(contextID, actorID string) ProcedureCreateOptions {
	opts := ProcedureCreateOptions{
		ID:             d.ID,
		ContextID:      contextID,
		Name:           d.Name,
		Description:    d.Description,
		Category:       d.Category,
		Tags:           d.Tags,
		Difficulty:     d.Difficulty,
		Status:         domain.ProcedureStatus(d.Status),
		ExecutionOrder: domain.ExecutionOrder(d.ExecutionOrder),
		CanBeEmbedded:  d.CanBeEmbedded,
		IsStandalone:   d.Standalone,
		Assignment: domain.AssignmentPolicy{
			EligibleAssignees:    d.Assignment.Eligible,
			DefaultAssignee:      d.Assignment.Default,
			RequiresConfirmation: d.Assignment.RequiresConfirmation,
		},
		ActorID: actorID,
	}
	if r := d.Recurrence; r != nil {
		opts.Recurrence = &domain.RecurrenceRule{
			Frequency:    domain.Frequency(r.Frequency),
			DaysOfWeek:   r.DaysOfWeek,
			DayOfMonth:   r.DayOfMonth,
			StartDate:    r.StartDate,
			EndDate:      r.EndDate,
			TimeOfDay:    r.Time,
			SkipHolidays: r.SkipHolidays,
		}
	}
	for _, sd := range d.Steps {
		st := domain.Step{
			ID:                sd.ID,
			Title:             sd.Title,
			Description:       sd.Description,
			EstimatedDuration: sd.Duration,
			Optional:          sd.Optional,
			Dependencies:      sd.DependsOn,
			AssignedTo:        sd.AssignedTo,
		}
		for _, text := range sd.Items {
			st.Items = append(st.Items, domain.ListItem{Text: text})
		}
		if sd.Embed != nil {
			st.Embedded = &domain.EmbeddedProcedure{
				ProcedureID: sd.Embed.Procedure,
				Overrides: domain.EmbedOverrides{
					AssignedTo:        sd.Embed.AssignedTo,
					SkipSteps:         sd.Embed.Skip,
					EstimatedDuration: sd.Embed.Duration,
				},
			}
		}
		opts.Steps = append(opts.Steps, st)
	}
	return opts
}

// parseProcedures decodes a YAML document holding either one procedure or a
// "procedures" list.
func parseProcedures(data []byte) ([]procedureDoc, error) {
	var wrapped struct {
		Procedures []procedureDoc `yaml:"procedures"`
	}
	if err := yaml.Unmarshal(data, &wrapped); err == nil && len(wrapped.Procedures) > 0 {
		return wrapped.Procedures, nil
	}
	var single procedureDoc
	if err := yaml.Unmarshal(data, &single); err != nil {
		return nil, domain.Invalidf("procedure yaml: %v", err)
	}
	if single.Name == "" {
		return nil, domain.Invalidf("procedure yaml: no procedures found")
	}
	return []procedureDoc{single}, nil
}

// ImportProcedures creates every procedure in data in one transaction, in
// document order, so later procedures may embed earlier ones.
func (e Engine) ImportProcedures(ctx context.Context, data []byte, contextID, actorID string) ([]domain.Procedure, error) {
	docs, err := parseProcedures(data)
	if err != nil {
		return nil, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	out := make([]domain.Procedure, 0, len(docs))
	for i, d := range docs {
		p, err := e.createProcedureTx(ctx, tx, d.options(contextID, actorID))
		if err != nil {
			return nil, fmt.Errorf("procedure %d (%s): %w", i+1, d.Name, err)
		}
		out = append(out, p)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e Engine) ImportProceduresFile(ctx context.Context, path, contextID, actorID string) ([]domain.Procedure, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return e.ImportProcedures(ctx, data, contextID, actorID)
}
