package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"sopline/internal/domain"
	"sopline/internal/events"
	"sopline/internal/repo"
)

type TemplateCreateOptions struct {
	Name           string                `yaml:"name"`
	Description    string                `yaml:"description"`
	Category       string                `yaml:"category"`
	Tags           []string              `yaml:"tags"`
	ExecutionOrder domain.ExecutionOrder `yaml:"execution_order"`
	Steps          []domain.TemplateStep `yaml:"steps"`
	Public         bool                  `yaml:"public"`
	ActorID        string                `yaml:"-"`
}

type InstantiateOptions struct {
	TemplateID string
	ContextID  string
	Name       string
	Status     domain.ProcedureStatus
	ActorID    string
}

func (e Engine) CreateTemplate(ctx context.Context, opts TemplateCreateOptions) (domain.Template, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Template{}, domain.Invalidf("template name is required")
	}
	if err := checkTemplateSteps(opts.Steps); err != nil {
		return domain.Template{}, err
	}
	t := domain.Template{
		ID:             "tpl-" + uuid.NewString()[:8],
		Name:           strings.TrimSpace(opts.Name),
		Description:    opts.Description,
		Category:       opts.Category,
		Tags:           opts.Tags,
		ExecutionOrder: opts.ExecutionOrder,
		Steps:          opts.Steps,
		Public:         opts.Public,
		CreatedBy:      actorOr(opts.ActorID),
		CreatedAt:      e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Template{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTemplate(ctx, tx, t); err != nil {
		return domain.Template{}, fmt.Errorf("insert template: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.TemplateCreated, e.contextID(""), "template", t.ID, opts.ActorID, events.EventPayload{
		"name": t.Name, "steps": len(t.Steps), "public": t.Public,
	}); err != nil {
		return domain.Template{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Template{}, err
	}
	return t, nil
}

// ImportTemplate creates a template from its YAML form.
func (e Engine) ImportTemplate(ctx context.Context, data []byte, actorID string) (domain.Template, error) {
	var opts TemplateCreateOptions
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return domain.Template{}, domain.Invalidf("template yaml: %v", err)
	}
	opts.ActorID = actorID
	return e.CreateTemplate(ctx, opts)
}

// checkTemplateSteps validates positional dependencies; they must point at
// an earlier step, which also rules out cycles.
func checkTemplateSteps(steps []domain.TemplateStep) error {
	if len(steps) == 0 {
		return domain.Invalidf("template needs at least one step")
	}
	for i, s := range steps {
		if strings.TrimSpace(s.Title) == "" {
			return domain.Invalidf("template step %d needs a title", i+1)
		}
		for _, d := range s.DependsOn {
			if d < 1 || d > i {
				return domain.Invalidf("template step %d depends on position %d", i+1, d)
			}
		}
		if s.Kind == domain.StepEmbedded && s.EmbeddedProcedureID == "" {
			return domain.Invalidf("template step %d embeds no procedure", i+1)
		}
	}
	return nil
}

func (e Engine) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	return e.Repo.GetTemplate(ctx, id)
}

func (e Engine) ListTemplates(ctx context.Context, f repo.TemplateFilters) ([]domain.Template, error) {
	return e.Repo.ListTemplates(ctx, f)
}

// InstantiateTemplate creates a procedure from a template and bumps the
// template's usage count in the same transaction.
func (e Engine) InstantiateTemplate(ctx context.Context, opts InstantiateOptions) (domain.Procedure, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Procedure{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTemplateTx(ctx, tx, opts.TemplateID)
	if err != nil {
		return domain.Procedure{}, err
	}
	name := opts.Name
	if name == "" {
		name = t.Name
	}
	p, err := e.createProcedureTx(ctx, tx, ProcedureCreateOptions{
		ContextID:      opts.ContextID,
		Name:           name,
		Description:    t.Description,
		Category:       t.Category,
		Tags:           t.Tags,
		Status:         opts.Status,
		ExecutionOrder: t.ExecutionOrder,
		Steps:          templateSteps(t.Steps),
		ActorID:        opts.ActorID,
	})
	if err != nil {
		return domain.Procedure{}, err
	}
	t.UsageCount++
	if err := e.Repo.UpdateTemplate(ctx, tx, t); err != nil {
		return domain.Procedure{}, err
	}
	if err := e.appendEvent(ctx, tx, events.TemplateInstantiated, p.ContextID, "template", t.ID, opts.ActorID, events.EventPayload{
		"procedure_id": p.ID, "usage_count": t.UsageCount,
	}); err != nil {
		return domain.Procedure{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Procedure{}, err
	}
	return p, nil
}

func templateSteps(in []domain.TemplateStep) []domain.Step {
	out := make([]domain.Step, len(in))
	for i, ts := range in {
		st := domain.Step{
			ID:                fmt.Sprintf("s%d", i+1),
			StepNumber:        i + 1,
			Title:             ts.Title,
			Description:       ts.Description,
			EstimatedDuration: ts.EstimatedDuration,
			Optional:          ts.Optional,
			Kind:              ts.Kind,
		}
		for _, d := range ts.DependsOn {
			st.Dependencies = append(st.Dependencies, fmt.Sprintf("s%d", d))
		}
		for _, text := range ts.Items {
			st.Items = append(st.Items, domain.ListItem{Text: text})
		}
		if ts.EmbeddedProcedureID != "" {
			st.Embedded = &domain.EmbeddedProcedure{ProcedureID: ts.EmbeddedProcedureID}
		}
		out[i] = st
	}
	return out
}

// RateTemplate folds a 1-5 rating into the template's running average.
func (e Engine) RateTemplate(ctx context.Context, id string, rating int, actorID string) (domain.Template, error) {
	if rating < 1 || rating > 5 {
		return domain.Template{}, domain.Invalidf("rating %d outside 1..5", rating)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Template{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTemplateTx(ctx, tx, id)
	if err != nil {
		return domain.Template{}, err
	}
	total := t.Rating*float64(t.RatingCount) + float64(rating)
	t.RatingCount++
	t.Rating = total / float64(t.RatingCount)
	if err := e.Repo.UpdateTemplate(ctx, tx, t); err != nil {
		return domain.Template{}, err
	}
	if err := e.appendEvent(ctx, tx, events.TemplateRated, e.contextID(""), "template", t.ID, actorID, events.EventPayload{
		"rating": rating, "average": t.Rating, "count": t.RatingCount,
	}); err != nil {
		return domain.Template{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Template{}, err
	}
	return t, nil
}
