package engine

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"sopline/internal/domain"
	"sopline/internal/events"
	"sopline/internal/recurrence"
	"sopline/internal/repo"
)

type ProcedureCreateOptions struct {
	ID             string
	ContextID      string
	Name           string
	Description    string
	Category       string
	Tags           []string
	Difficulty     string
	Status         domain.ProcedureStatus
	Assignment     domain.AssignmentPolicy
	CanBeEmbedded  bool
	IsStandalone   *bool
	Steps          []domain.Step
	ExecutionOrder domain.ExecutionOrder
	Recurrence     *domain.RecurrenceRule
	ActorID        string
}

// ProcedureUpdateOptions applies the non-nil fields. Steps, Recurrence,
// ClearRecurrence and ExecutionOrder are structural and bump the version.
type ProcedureUpdateOptions struct {
	ID              string
	Name            *string
	Description     *string
	Category        *string
	Tags            *[]string
	Difficulty      *string
	Assignment      *domain.AssignmentPolicy
	CanBeEmbedded   *bool
	IsStandalone    *bool
	Steps           *[]domain.Step
	ExecutionOrder  *domain.ExecutionOrder
	Recurrence      *domain.RecurrenceRule
	ClearRecurrence bool
	ActorID         string
}

var procedureTransitions = map[domain.ProcedureStatus][]domain.ProcedureStatus{
	domain.ProcedureDraft:    {domain.ProcedureActive, domain.ProcedureArchived},
	domain.ProcedureActive:   {domain.ProcedureDraft, domain.ProcedureArchived},
	domain.ProcedureArchived: {domain.ProcedureActive},
}

func (e Engine) CreateProcedure(ctx context.Context, opts ProcedureCreateOptions) (domain.Procedure, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Procedure{}, err
	}
	defer tx.Rollback()

	p, err := e.createProcedureTx(ctx, tx, opts)
	if err != nil {
		return domain.Procedure{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Procedure{}, err
	}
	e.log().Debug("procedure created", zapProcedure(p)...)
	return p, nil
}

func (e Engine) createProcedureTx(ctx context.Context, tx *sql.Tx, opts ProcedureCreateOptions) (domain.Procedure, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Procedure{}, domain.Invalidf("name is required")
	}
	contextID := e.contextID(opts.ContextID)
	if contextID == "" {
		return domain.Procedure{}, domain.Invalidf("context is required")
	}
	id := opts.ID
	if id == "" {
		id = "sop-" + uuid.NewString()[:8]
	}
	status := opts.Status
	if status == "" {
		status = domain.ProcedureDraft
	}
	if _, ok := procedureTransitions[status]; !ok {
		return domain.Procedure{}, domain.Invalidf("unknown status %q", status)
	}
	standalone := true
	if opts.IsStandalone != nil {
		standalone = *opts.IsStandalone
	}
	now := e.stamp()
	p := domain.Procedure{
		ID:             id,
		ContextID:      contextID,
		Name:           strings.TrimSpace(opts.Name),
		Description:    opts.Description,
		Category:       opts.Category,
		Tags:           opts.Tags,
		Difficulty:     opts.Difficulty,
		Status:         status,
		Assignment:     opts.Assignment,
		Embedding:      domain.EmbeddingPolicy{CanBeEmbedded: opts.CanBeEmbedded, IsStandalone: standalone},
		Steps:          opts.Steps,
		ExecutionOrder: opts.ExecutionOrder,
		Recurrence:     opts.Recurrence,
		Version:        1,
		CreatedBy:      actorOr(opts.ActorID),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.normalize(ctx, tx, &p); err != nil {
		return domain.Procedure{}, err
	}
	if err := e.Repo.InsertProcedure(ctx, tx, p); err != nil {
		return domain.Procedure{}, fmt.Errorf("insert procedure: %w", err)
	}
	if err := e.Repo.InsertProcedureVersion(ctx, tx, p); err != nil {
		return domain.Procedure{}, fmt.Errorf("insert procedure version: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.ProcedureCreated, p.ContextID, "procedure", p.ID, opts.ActorID, events.EventPayload{
		"name": p.Name, "version": p.Version, "steps": len(p.Steps),
	}); err != nil {
		return domain.Procedure{}, err
	}
	return p, nil
}

// normalize fills step defaults, derives the embedding list and total
// duration, and dry-runs resolution so cycles are rejected before writing.
func (e Engine) normalize(ctx context.Context, tx *sql.Tx, p *domain.Procedure) error {
	if p.ExecutionOrder == "" {
		p.ExecutionOrder = domain.OrderSequential
	}
	switch p.ExecutionOrder {
	case domain.OrderSequential, domain.OrderParallel, domain.OrderFlexible:
	default:
		return domain.Invalidf("unknown execution order %q", p.ExecutionOrder)
	}
	p.IsRecurring = p.Recurrence != nil
	if p.Recurrence != nil {
		if err := recurrence.Validate(*p.Recurrence); err != nil {
			return err
		}
	}
	if a := p.Assignment; a.DefaultAssignee != "" && len(a.EligibleAssignees) > 0 && !contains(a.EligibleAssignees, a.DefaultAssignee) {
		return domain.Invalidf("default assignee %s is not eligible", a.DefaultAssignee)
	}

	taken := map[string]bool{}
	for _, st := range p.Steps {
		if st.ID != "" {
			taken[st.ID] = true
		}
	}
	var embedded []string
	steps := make([]domain.Step, len(p.Steps))
	for i, st := range p.Steps {
		if st.ID == "" {
			st.ID = freshStepID(i+1, taken)
		}
		if st.StepNumber == 0 {
			st.StepNumber = i + 1
		}
		if strings.TrimSpace(st.Title) == "" {
			return domain.Invalidf("step %s needs a title", st.ID)
		}
		if strings.Contains(st.ID, "/") {
			return domain.Invalidf("step id %s must not contain '/'", st.ID)
		}
		if st.EstimatedDuration < 0 {
			return domain.Invalidf("step %s has negative duration", st.ID)
		}
		if st.Kind == "" {
			switch {
			case st.Embedded != nil:
				st.Kind = domain.StepEmbedded
			case len(st.Items) > 0:
				st.Kind = domain.StepList
			default:
				st.Kind = domain.StepStandard
			}
		}
		switch st.Kind {
		case domain.StepStandard:
			st.Embedded, st.Items = nil, nil
		case domain.StepList:
			st.Embedded = nil
			for j := range st.Items {
				if st.Items[j].ID == "" {
					st.Items[j].ID = fmt.Sprintf("i%d", j+1)
				}
			}
		case domain.StepEmbedded:
			if st.Embedded == nil || st.Embedded.ProcedureID == "" {
				return domain.Invalidf("step %s embeds no procedure", st.ID)
			}
			if st.Embedded.ProcedureID == p.ID {
				return &domain.CompositionCycleError{Path: []string{p.ID, p.ID}}
			}
			st.Items = nil
			if !contains(embedded, st.Embedded.ProcedureID) {
				embedded = append(embedded, st.Embedded.ProcedureID)
			}
		default:
			return domain.Invalidf("step %s has unknown kind %q", st.ID, st.Kind)
		}
		steps[i] = st
	}
	p.Steps = steps
	p.Embedding.EmbeddedProcedureIDs = embedded

	res, err := e.resolve(ctx, txSource{repo: e.Repo, tx: tx, overlay: map[string]domain.Procedure{p.ID: *p}}, *p)
	if err != nil {
		return err
	}
	p.EstimatedDuration = int(math.Round(res.TotalDuration()))
	return nil
}

func freshStepID(n int, taken map[string]bool) string {
	id := fmt.Sprintf("s%d", n)
	for taken[id] {
		n++
		id = fmt.Sprintf("s%d", n)
	}
	taken[id] = true
	return id
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func (e Engine) UpdateProcedure(ctx context.Context, opts ProcedureUpdateOptions) (domain.Procedure, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Procedure{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProcedureTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Procedure{}, err
	}
	structural := false
	var changed []string
	if opts.Name != nil {
		if strings.TrimSpace(*opts.Name) == "" {
			return domain.Procedure{}, domain.Invalidf("name must not be empty")
		}
		p.Name = strings.TrimSpace(*opts.Name)
		changed = append(changed, "name")
	}
	if opts.Description != nil {
		p.Description = *opts.Description
		changed = append(changed, "description")
	}
	if opts.Category != nil {
		p.Category = *opts.Category
		changed = append(changed, "category")
	}
	if opts.Tags != nil {
		p.Tags = *opts.Tags
		changed = append(changed, "tags")
	}
	if opts.Difficulty != nil {
		p.Difficulty = *opts.Difficulty
		changed = append(changed, "difficulty")
	}
	if opts.Assignment != nil {
		p.Assignment = *opts.Assignment
		changed = append(changed, "assignment")
	}
	if opts.CanBeEmbedded != nil {
		p.Embedding.CanBeEmbedded = *opts.CanBeEmbedded
		changed = append(changed, "can_be_embedded")
	}
	if opts.IsStandalone != nil {
		p.Embedding.IsStandalone = *opts.IsStandalone
		changed = append(changed, "is_standalone")
	}
	if opts.Steps != nil {
		p.Steps = *opts.Steps
		structural = true
		changed = append(changed, "steps")
	}
	if opts.ExecutionOrder != nil {
		if *opts.ExecutionOrder != p.ExecutionOrder {
			structural = true
		}
		p.ExecutionOrder = *opts.ExecutionOrder
		changed = append(changed, "execution_order")
	}
	if opts.ClearRecurrence {
		structural = structural || p.Recurrence != nil
		p.Recurrence = nil
		changed = append(changed, "recurrence")
	} else if opts.Recurrence != nil {
		p.Recurrence = opts.Recurrence
		structural = true
		changed = append(changed, "recurrence")
	}
	if len(changed) == 0 {
		return p, nil
	}
	if err := e.normalize(ctx, tx, &p); err != nil {
		return domain.Procedure{}, err
	}
	if structural {
		p.Version++
	}
	p.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateProcedure(ctx, tx, p); err != nil {
		return domain.Procedure{}, fmt.Errorf("update procedure: %w", err)
	}
	if structural {
		if err := e.Repo.InsertProcedureVersion(ctx, tx, p); err != nil {
			return domain.Procedure{}, fmt.Errorf("insert procedure version: %w", err)
		}
	}
	if err := e.appendEvent(ctx, tx, events.ProcedureUpdated, p.ContextID, "procedure", p.ID, opts.ActorID, events.EventPayload{
		"fields": changed, "version": p.Version, "structural": structural,
	}); err != nil {
		return domain.Procedure{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Procedure{}, err
	}
	return e.withAnalytics(ctx, p)
}

func (e Engine) SetProcedureStatus(ctx context.Context, id string, status domain.ProcedureStatus, actorID string) (domain.Procedure, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Procedure{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProcedureTx(ctx, tx, id)
	if err != nil {
		return domain.Procedure{}, err
	}
	if p.Status == status {
		return p, nil
	}
	allowed := false
	for _, s := range procedureTransitions[p.Status] {
		if s == status {
			allowed = true
		}
	}
	if !allowed {
		return domain.Procedure{}, domain.Invalidf("procedure status %s -> %s not allowed", p.Status, status)
	}
	from := p.Status
	p.Status = status
	p.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateProcedure(ctx, tx, p); err != nil {
		return domain.Procedure{}, err
	}
	if err := e.appendEvent(ctx, tx, events.ProcedureStatusChanged, p.ContextID, "procedure", p.ID, actorID, events.EventPayload{
		"from": from, "to": status,
	}); err != nil {
		return domain.Procedure{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Procedure{}, err
	}
	return e.withAnalytics(ctx, p)
}

// GetProcedure returns the procedure with its current analytics summary.
func (e Engine) GetProcedure(ctx context.Context, id string) (domain.Procedure, error) {
	p, err := e.Repo.GetProcedure(ctx, id)
	if err != nil {
		return domain.Procedure{}, err
	}
	return e.withAnalytics(ctx, p)
}

func (e Engine) withAnalytics(ctx context.Context, p domain.Procedure) (domain.Procedure, error) {
	st, err := e.Repo.GetAnalyticsState(ctx, p.ID)
	if err != nil {
		return p, err
	}
	p.Analytics = st.Summary(e.analyticsConfig(), e.now())
	return p, nil
}

func (e Engine) ListProcedures(ctx context.Context, f repo.ProcedureFilters) ([]domain.Procedure, error) {
	if f.ContextID == "" {
		f.ContextID = e.contextID("")
	}
	list, err := e.Repo.ListProcedures(ctx, f)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i], err = e.withAnalytics(ctx, list[i]); err != nil {
			return nil, err
		}
	}
	return list, nil
}

// ProcedureVersion returns the snapshot stored for one version.
func (e Engine) ProcedureVersion(ctx context.Context, id string, version int) (domain.Procedure, error) {
	return e.Repo.GetProcedureVersion(ctx, id, version)
}

func (e Engine) ProcedureVersions(ctx context.Context, id string) ([]int, error) {
	if _, err := e.Repo.GetProcedure(ctx, id); err != nil {
		return nil, err
	}
	return e.Repo.ListProcedureVersions(ctx, id)
}
