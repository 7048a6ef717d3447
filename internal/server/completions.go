package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"sopline/internal/domain"
	"sopline/internal/engine"
	"sopline/internal/repo"
)

type completionPath struct {
	ID string `path:"id"`
}

type completionBody struct {
	Body domain.Completion `json:"body"`
}

// transitionErrors are the statuses a state-machine request can fail with.
var transitionErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
}

func request(ctx context.Context, id string, version int) engine.Request {
	p := principalFromContext(ctx)
	return engine.Request{
		CompletionID:     id,
		ActorID:          p.ActorID,
		Automated:        p.Automated,
		ProcedureVersion: version,
	}
}

func registerCompletions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-completions",
		Method:      http.MethodGet,
		Path:        "/completions",
		Summary:     "List completions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ContextID   string   `query:"context_id"`
		ProcedureID string   `query:"procedure_id"`
		AssigneeID  string   `query:"assignee_id"`
		Status      []string `query:"status" enum:"scheduled,in_progress,completed,skipped,failed"`
		From        string   `query:"from" format:"date"`
		To          string   `query:"to" format:"date" doc:"Exclusive"`
		Limit       int      `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Completion `json:"body"`
	}, error) {
		f := repo.CompletionFilters{
			ContextID:   contextOr(e, input.ContextID),
			ProcedureID: input.ProcedureID,
			From:        input.From,
			To:          input.To,
			Limit:       normalizeLimit(input.Limit),
		}
		if input.AssigneeID != "" {
			f.AssigneeID = &input.AssigneeID
		}
		for _, s := range input.Status {
			f.Statuses = append(f.Statuses, domain.CompletionStatus(s))
		}
		items, err := e.Repo.ListCompletions(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Completion `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-completion",
		Method:      http.MethodGet,
		Path:        "/completions/{id}",
		Summary:     "Get completion",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *completionPath) (*completionBody, error) {
		c, err := e.GetCompletion(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &completionBody{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-completion",
		Method:      http.MethodPost,
		Path:        "/completions/{id}/start",
		Summary:     "Start a scheduled occurrence",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body *VersionedRequest `json:"body"`
	}) (*completionBody, error) {
		c, err := e.Start(ctx, request(ctx, input.ID, orZero(input.Body).ProcedureVersion))
		if err != nil {
			return nil, handleError(err)
		}
		return &completionBody{Body: c}, nil
	})

	stepAction := func(verb, summary string, fn func(context.Context, engine.StepRequest) (domain.Completion, error)) {
		huma.Register(api, huma.Operation{
			OperationID: verb + "-step",
			Method:      http.MethodPost,
			Path:        "/completions/{id}/steps/" + verb,
			Summary:     summary,
			Errors:      transitionErrors,
		}, func(ctx context.Context, input *struct {
			ID   string            `path:"id"`
			Body StepActionRequest `json:"body"`
		}) (*completionBody, error) {
			c, err := fn(ctx, engine.StepRequest{
				Request: request(ctx, input.ID, input.Body.ProcedureVersion),
				StepID:  input.Body.StepID,
				ItemID:  input.Body.ItemID,
				Note:    input.Body.Note,
			})
			if err != nil {
				return nil, handleError(err)
			}
			return &completionBody{Body: c}, nil
		})
	}
	stepAction("complete", "Complete a step or check off a list item", e.CompleteStep)
	stepAction("skip", "Skip a step or uncheck a list item", e.SkipStep)
	stepAction("note", "Attach a note to a step", e.AddStepNote)

	huma.Register(api, huma.Operation{
		OperationID: "finish-completion",
		Method:      http.MethodPost,
		Path:        "/completions/{id}/finish",
		Summary:     "Finish an in-progress occurrence",
		Description: "Procedures that require confirmation need a member; with a confirmation secret configured they also need a token issued to that member.",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body *FinishRequest `json:"body"`
	}) (*completionBody, error) {
		body := orZero(input.Body)
		c, err := e.Finish(ctx, engine.FinishRequest{
			Request: request(ctx, input.ID, body.ProcedureVersion),
			Token:   body.Token,
			Outcome: body.Outcome,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &completionBody{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "skip-completion",
		Method:      http.MethodPost,
		Path:        "/completions/{id}/skip",
		Summary:     "Skip an occurrence",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body *SkipRequest `json:"body"`
	}) (*completionBody, error) {
		body := orZero(input.Body)
		c, err := e.SkipOccurrence(ctx, engine.SkipRequest{
			Request: request(ctx, input.ID, body.ProcedureVersion),
			Reason:  body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &completionBody{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abandon-completion",
		Method:      http.MethodPost,
		Path:        "/completions/{id}/abandon",
		Summary:     "Abandon an occurrence",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body *AbandonRequest `json:"body"`
	}) (*completionBody, error) {
		body := orZero(input.Body)
		c, err := e.Abandon(ctx, engine.AbandonRequest{
			Request: request(ctx, input.ID, body.ProcedureVersion),
			Issues:  body.Issues,
			Notes:   body.Notes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &completionBody{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reschedule-completion",
		Method:      http.MethodPost,
		Path:        "/completions/{id}/reschedule",
		Summary:     "Move a scheduled occurrence",
		Description: "The only write path for calendar drag edits.",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body RescheduleRequest `json:"body"`
	}) (*completionBody, error) {
		c, err := e.Reschedule(ctx, engine.RescheduleRequest{
			Request: request(ctx, input.ID, input.Body.ProcedureVersion),
			Date:    input.Body.Date,
			Time:    input.Body.Time,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &completionBody{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "repin-completion",
		Method:      http.MethodPost,
		Path:        "/completions/{id}/repin",
		Summary:     "Re-resolve a scheduled occurrence against the current procedure version",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *completionPath) (*completionBody, error) {
		c, err := e.Repin(ctx, request(ctx, input.ID, 0))
		if err != nil {
			return nil, handleError(err)
		}
		return &completionBody{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "issue-confirmation",
		Method:      http.MethodPost,
		Path:        "/completions/{id}/confirmation",
		Summary:     "Issue a confirmation token for finishing",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body ConfirmationRequest `json:"body"`
	}) (*struct {
		Body ConfirmationResponse `json:"body"`
	}, error) {
		token, expires, err := e.IssueConfirmation(ctx, input.ID, input.Body.MemberID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConfirmationResponse `json:"body"`
		}{Body: ConfirmationResponse{Token: token, ExpiresAt: expires.UTC().Format(time.RFC3339)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-item",
		Method:      http.MethodGet,
		Path:        "/completions/{id}/work-item",
		Summary:     "Render the occurrence for an external task list",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *completionPath) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		w, err := e.WorkItem(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: w}, nil
	})
}

func registerCalendar(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "calendar",
		Method:      http.MethodGet,
		Path:        "/calendar",
		Summary:     "Project occurrences onto calendar items",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ContextID  string `query:"context_id"`
		From       string `query:"from" format:"date"`
		To         string `query:"to" format:"date" doc:"Exclusive"`
		AssigneeID string `query:"assignee_id"`
		Slots      bool   `query:"slots" doc:"Include recurrence dates not yet scheduled"`
	}) (*struct {
		Body []domain.CalendarItem `json:"body"`
	}, error) {
		items, err := e.Calendar(ctx, engine.CalendarOptions{
			ContextID:  input.ContextID,
			From:       input.From,
			To:         input.To,
			AssigneeID: input.AssigneeID,
			Slots:      input.Slots,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.CalendarItem `json:"body"`
		}{Body: nonNil(items)}, nil
	})
}

// orZero reads an optional request body; an absent body means all defaults.
func orZero[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}
