package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"sopline/internal/domain"
	"sopline/internal/engine"
	"sopline/internal/repo"
)

type procedurePath struct {
	ID string `path:"id"`
}

type procedureBody struct {
	Body domain.Procedure `json:"body"`
}

func registerProcedures(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-procedure",
		Method:        http.MethodPost,
		Path:          "/procedures",
		Summary:       "Create procedure",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProcedureRequest `json:"body"`
	}) (*procedureBody, error) {
		p, err := e.CreateProcedure(ctx, input.Body.options(actorIDFromContext(ctx)))
		if err != nil {
			return nil, handleError(err)
		}
		return &procedureBody{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-procedures",
		Method:      http.MethodGet,
		Path:        "/procedures",
		Summary:     "List procedures",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ContextID string `query:"context_id"`
		Status    string `query:"status" enum:"draft,active,archived"`
		Category  string `query:"category"`
		Recurring string `query:"recurring" enum:"true,false"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []domain.Procedure `json:"body"`
	}, error) {
		f := repo.ProcedureFilters{
			ContextID: input.ContextID,
			Status:    input.Status,
			Category:  input.Category,
			Limit:     input.Limit,
		}
		if input.Recurring != "" {
			v, _ := strconv.ParseBool(input.Recurring)
			f.Recurring = &v
		}
		items, err := e.ListProcedures(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Procedure `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-procedure",
		Method:      http.MethodGet,
		Path:        "/procedures/{id}",
		Summary:     "Get procedure with its analytics",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *procedurePath) (*procedureBody, error) {
		p, err := e.GetProcedure(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &procedureBody{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-procedure",
		Method:      http.MethodPatch,
		Path:        "/procedures/{id}",
		Summary:     "Update procedure",
		Description: "Edits to steps, execution order or embedding create a new version; other edits do not.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body UpdateProcedureRequest `json:"body"`
	}) (*procedureBody, error) {
		p, err := e.UpdateProcedure(ctx, input.Body.options(input.ID, actorIDFromContext(ctx)))
		if err != nil {
			return nil, handleError(err)
		}
		return &procedureBody{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-procedure-status",
		Method:      http.MethodPost,
		Path:        "/procedures/{id}/status",
		Summary:     "Change procedure status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body SetStatusRequest `json:"body"`
	}) (*procedureBody, error) {
		p, err := e.SetProcedureStatus(ctx, input.ID, domain.ProcedureStatus(input.Body.Status), actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &procedureBody{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-procedure",
		Method:      http.MethodGet,
		Path:        "/procedures/{id}/resolution",
		Summary:     "Flatten procedure into its effective step list",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *procedurePath) (*struct {
		Body ResolutionResponse `json:"body"`
	}, error) {
		res, err := e.Resolve(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ResolutionResponse{
			ProcedureID:    res.ProcedureID,
			Version:        res.Version,
			ExecutionOrder: res.Order,
			TotalDuration:  res.TotalDuration(),
			Steps:          res.Snapshot(),
			Ready:          []string{},
		}
		for _, s := range res.Ready(nil) {
			resp.Ready = append(resp.Ready, s.ID)
		}
		return &struct {
			Body ResolutionResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-procedure-versions",
		Method:      http.MethodGet,
		Path:        "/procedures/{id}/versions",
		Summary:     "List stored versions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *procedurePath) (*struct {
		Body VersionsResponse `json:"body"`
	}, error) {
		versions, err := e.ProcedureVersions(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VersionsResponse `json:"body"`
		}{Body: VersionsResponse{ProcedureID: input.ID, Versions: nonNil(versions)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-procedure-version",
		Method:      http.MethodGet,
		Path:        "/procedures/{id}/versions/{version}",
		Summary:     "Get a version snapshot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		Version int    `path:"version" minimum:"1"`
	}) (*procedureBody, error) {
		p, err := e.ProcedureVersion(ctx, input.ID, input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return &procedureBody{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "import-procedures",
		Method:        http.MethodPost,
		Path:          "/procedures/import",
		Summary:       "Import procedures from YAML",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body ImportRequest `json:"body"`
	}) (*struct {
		Body []domain.Procedure `json:"body"`
	}, error) {
		items, err := e.ImportProcedures(ctx, []byte(input.Body.YAML), input.Body.ContextID, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Procedure `json:"body"`
		}{Body: nonNil(items)}, nil
	})
}

func registerScheduling(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "schedule-occurrences",
		Method:      http.MethodPost,
		Path:        "/procedures/{id}/schedule",
		Summary:     "Materialise recurrence occurrences in a window",
		Description: "Idempotent: dates already occupied for the assignee are left alone.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body ScheduleRequest `json:"body"`
	}) (*struct {
		Body []domain.Completion `json:"body"`
	}, error) {
		items, err := e.ScheduleOccurrences(ctx, engine.ScheduleOptions{
			ProcedureID: input.ID,
			From:        input.Body.From,
			To:          input.Body.To,
			AssigneeID:  input.Body.AssigneeID,
			ActorID:     actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Completion `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-occurrence",
		Method:        http.MethodPost,
		Path:          "/procedures/{id}/occurrences",
		Summary:       "Schedule one occurrence",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body OccurrenceRequest `json:"body"`
	}) (*completionBody, error) {
		c, err := e.CreateOccurrence(ctx, engine.OccurrenceOptions{
			ProcedureID: input.ID,
			Date:        input.Body.Date,
			Time:        input.Body.Time,
			AssigneeID:  input.Body.AssigneeID,
			ActorID:     actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &completionBody{Body: c}, nil
	})
}
