package server

import (
	"sopline/internal/domain"
	"sopline/internal/engine"
)

// Request payloads

type ListItemInput struct {
	ID       string `json:"id,omitempty"`
	Text     string `json:"text"`
	Optional bool   `json:"optional,omitempty"`
}

type EmbedInput struct {
	ProcedureID       string   `json:"procedure_id"`
	AssignedTo        string   `json:"assigned_to,omitempty"`
	SkipSteps         []string `json:"skip_steps,omitempty"`
	EstimatedDuration *int     `json:"estimated_duration,omitempty" minimum:"0"`
}

type StepInput struct {
	ID                string          `json:"id,omitempty"`
	StepNumber        int             `json:"step_number,omitempty"`
	Title             string          `json:"title"`
	Description       string          `json:"description,omitempty"`
	EstimatedDuration int             `json:"estimated_duration,omitempty" minimum:"0"`
	Optional          bool            `json:"optional,omitempty"`
	Dependencies      []string        `json:"dependencies,omitempty"`
	AssignedTo        string          `json:"assigned_to,omitempty"`
	Kind              string          `json:"kind,omitempty" enum:"standard,embedded,list"`
	Embedded          *EmbedInput     `json:"embedded,omitempty"`
	Items             []ListItemInput `json:"items,omitempty"`
}

type CreateProcedureRequest struct {
	ID             string                   `json:"id,omitempty"`
	ContextID      string                   `json:"context_id,omitempty"`
	Name           string                   `json:"name"`
	Description    string                   `json:"description,omitempty"`
	Category       string                   `json:"category,omitempty"`
	Tags           []string                 `json:"tags,omitempty"`
	Difficulty     string                   `json:"difficulty,omitempty" enum:"easy,medium,hard"`
	Status         string                   `json:"status,omitempty" enum:"draft,active,archived"`
	Assignment     *domain.AssignmentPolicy `json:"assignment,omitempty"`
	CanBeEmbedded  bool                     `json:"can_be_embedded,omitempty"`
	IsStandalone   *bool                    `json:"is_standalone,omitempty"`
	Steps          []StepInput              `json:"steps"`
	ExecutionOrder string                   `json:"execution_order,omitempty" enum:"sequential,parallel,flexible"`
	Recurrence     *domain.RecurrenceRule   `json:"recurrence,omitempty"`
}

type UpdateProcedureRequest struct {
	Name            *string                  `json:"name,omitempty"`
	Description     *string                  `json:"description,omitempty"`
	Category        *string                  `json:"category,omitempty"`
	Tags            *[]string                `json:"tags,omitempty"`
	Difficulty      *string                  `json:"difficulty,omitempty" enum:"easy,medium,hard"`
	Assignment      *domain.AssignmentPolicy `json:"assignment,omitempty"`
	CanBeEmbedded   *bool                    `json:"can_be_embedded,omitempty"`
	IsStandalone    *bool                    `json:"is_standalone,omitempty"`
	Steps           *[]StepInput             `json:"steps,omitempty"`
	ExecutionOrder  *string                  `json:"execution_order,omitempty" enum:"sequential,parallel,flexible"`
	Recurrence      *domain.RecurrenceRule   `json:"recurrence,omitempty"`
	ClearRecurrence bool                     `json:"clear_recurrence,omitempty"`
}

type SetStatusRequest struct {
	Status string `json:"status" enum:"draft,active,archived"`
}

type ImportRequest struct {
	ContextID string `json:"context_id,omitempty"`
	YAML      string `json:"yaml" doc:"One procedure, or a document with a procedures list"`
}

type ScheduleRequest struct {
	From       string `json:"from,omitempty" format:"date"`
	To         string `json:"to,omitempty" format:"date" doc:"Exclusive"`
	AssigneeID string `json:"assignee_id,omitempty"`
}

type OccurrenceRequest struct {
	Date       string `json:"date" format:"date"`
	Time       string `json:"time,omitempty" example:"07:30"`
	AssigneeID string `json:"assignee_id,omitempty"`
}

type StepActionRequest struct {
	StepID           string `json:"step_id" doc:"Qualified step id from the completion's pinned steps, e.g. s2/s1"`
	ProcedureVersion int    `json:"procedure_version,omitempty"`
	ItemID           string `json:"item_id,omitempty"`
	Note             string `json:"note,omitempty"`
}

type VersionedRequest struct {
	ProcedureVersion int `json:"procedure_version,omitempty"`
}

type FinishRequest struct {
	ProcedureVersion int            `json:"procedure_version,omitempty"`
	Token            string         `json:"token,omitempty" doc:"Confirmation token, when the procedure requires one"`
	Outcome          domain.Outcome `json:"outcome,omitempty"`
}

type AbandonRequest struct {
	ProcedureVersion int      `json:"procedure_version,omitempty"`
	Issues           []string `json:"issues,omitempty"`
	Notes            string   `json:"notes,omitempty"`
}

type SkipRequest struct {
	ProcedureVersion int    `json:"procedure_version,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

type RescheduleRequest struct {
	ProcedureVersion int    `json:"procedure_version,omitempty"`
	Date             string `json:"date,omitempty" format:"date"`
	Time             string `json:"time,omitempty" example:"18:00"`
}

type ConfirmationRequest struct {
	MemberID string `json:"member_id"`
}

type CreateTemplateRequest struct {
	Name           string              `json:"name"`
	Description    string              `json:"description,omitempty"`
	Category       string              `json:"category,omitempty"`
	Tags           []string            `json:"tags,omitempty"`
	ExecutionOrder string              `json:"execution_order,omitempty" enum:"sequential,parallel,flexible"`
	Steps          []TemplateStepInput `json:"steps"`
	Public         bool                `json:"public,omitempty"`
}

type TemplateStepInput struct {
	Title               string   `json:"title"`
	Description         string   `json:"description,omitempty"`
	EstimatedDuration   int      `json:"estimated_duration,omitempty" minimum:"0"`
	Optional            bool     `json:"optional,omitempty"`
	DependsOn           []int    `json:"depends_on,omitempty" doc:"1-based positions of earlier steps"`
	Kind                string   `json:"kind,omitempty" enum:"standard,embedded,list"`
	EmbeddedProcedureID string   `json:"embedded_procedure_id,omitempty"`
	Items               []string `json:"items,omitempty"`
}

type InstantiateRequest struct {
	ContextID string `json:"context_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Status    string `json:"status,omitempty" enum:"draft,active,archived"`
}

type RateRequest struct {
	Rating int `json:"rating" minimum:"1" maximum:"5"`
}

// Response payloads

type ResolutionResponse struct {
	ProcedureID    string                `json:"procedure_id"`
	Version        int                   `json:"version"`
	ExecutionOrder domain.ExecutionOrder `json:"execution_order"`
	TotalDuration  float64               `json:"total_duration"`
	Steps          []domain.ResolvedStep `json:"steps"`
	Ready          []string              `json:"ready" doc:"Steps available before any work is done"`
}

type VersionsResponse struct {
	ProcedureID string `json:"procedure_id"`
	Versions    []int  `json:"versions"`
}

type ConfirmationResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func (in StepInput) step() domain.Step {
	st := domain.Step{
		ID:                in.ID,
		StepNumber:        in.StepNumber,
		Title:             in.Title,
		Description:       in.Description,
		EstimatedDuration: in.EstimatedDuration,
		Optional:          in.Optional,
		Dependencies:      in.Dependencies,
		AssignedTo:        in.AssignedTo,
		Kind:              domain.StepKind(in.Kind),
	}
	for _, it := range in.Items {
		st.Items = append(st.Items, domain.ListItem{ID: it.ID, Text: it.Text, Optional: it.Optional})
	}
	if in.Embedded != nil {
		st.Embedded = &domain.EmbeddedProcedure{
			ProcedureID: in.Embedded.ProcedureID,
			Overrides: domain.EmbedOverrides{
				AssignedTo:        in.Embedded.AssignedTo,
				SkipSteps:         in.Embedded.SkipSteps,
				EstimatedDuration: in.Embedded.EstimatedDuration,
			},
		}
	}
	return st
}

func steps(in []StepInput) []domain.Step {
	out := make([]domain.Step, len(in))
	for i, s := range in {
		out[i] = s.step()
	}
	return out
}

func (r CreateProcedureRequest) options(actorID string) engine.ProcedureCreateOptions {
	opts := engine.ProcedureCreateOptions{
		ID:             r.ID,
		ContextID:      r.ContextID,
		Name:           r.Name,
		Description:    r.Description,
		Category:       r.Category,
		Tags:           r.Tags,
		Difficulty:     r.Difficulty,
		Status:         domain.ProcedureStatus(r.Status),
		CanBeEmbedded:  r.CanBeEmbedded,
		IsStandalone:   r.IsStandalone,
		Steps:          steps(r.Steps),
		ExecutionOrder: domain.ExecutionOrder(r.ExecutionOrder),
		Recurrence:     r.Recurrence,
		ActorID:        actorID,
	}
	if r.Assignment != nil {
		opts.Assignment = *r.Assignment
	}
	return opts
}

func (r UpdateProcedureRequest) options(id, actorID string) engine.ProcedureUpdateOptions {
	opts := engine.ProcedureUpdateOptions{
		ID:              id,
		Name:            r.Name,
		Description:     r.Description,
		Category:        r.Category,
		Tags:            r.Tags,
		Difficulty:      r.Difficulty,
		Assignment:      r.Assignment,
		CanBeEmbedded:   r.CanBeEmbedded,
		IsStandalone:    r.IsStandalone,
		Recurrence:      r.Recurrence,
		ClearRecurrence: r.ClearRecurrence,
		ActorID:         actorID,
	}
	if r.Steps != nil {
		s := steps(*r.Steps)
		opts.Steps = &s
	}
	if r.ExecutionOrder != nil {
		o := domain.ExecutionOrder(*r.ExecutionOrder)
		opts.ExecutionOrder = &o
	}
	return opts
}

func (r CreateTemplateRequest) options(actorID string) engine.TemplateCreateOptions {
	opts := engine.TemplateCreateOptions{
		Name:           r.Name,
		Description:    r.Description,
		Category:       r.Category,
		Tags:           r.Tags,
		ExecutionOrder: domain.ExecutionOrder(r.ExecutionOrder),
		Public:         r.Public,
		ActorID:        actorID,
	}
	for _, s := range r.Steps {
		opts.Steps = append(opts.Steps, domain.TemplateStep{
			Title:               s.Title,
			Description:         s.Description,
			EstimatedDuration:   s.EstimatedDuration,
			Optional:            s.Optional,
			DependsOn:           s.DependsOn,
			Kind:                domain.StepKind(s.Kind),
			EmbeddedProcedureID: s.EmbeddedProcedureID,
			Items:               s.Items,
		})
	}
	return opts
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
