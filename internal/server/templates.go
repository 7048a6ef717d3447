package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"sopline/internal/domain"
	"sopline/internal/engine"
	"sopline/internal/repo"
)

type templateBody struct {
	Body domain.Template `json:"body"`
}

func registerTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-template",
		Method:        http.MethodPost,
		Path:          "/templates",
		Summary:       "Create template",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateTemplateRequest `json:"body"`
	}) (*templateBody, error) {
		t, err := e.CreateTemplate(ctx, input.Body.options(actorIDFromContext(ctx)))
		if err != nil {
			return nil, handleError(err)
		}
		return &templateBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List templates",
	}, func(ctx context.Context, input *struct {
		Public   bool   `query:"public"`
		Category string `query:"category"`
	}) (*struct {
		Body []domain.Template `json:"body"`
	}, error) {
		items, err := e.ListTemplates(ctx, repo.TemplateFilters{PublicOnly: input.Public, Category: input.Category})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Template `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{id}",
		Summary:     "Get template",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*templateBody, error) {
		t, err := e.GetTemplate(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &templateBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "instantiate-template",
		Method:        http.MethodPost,
		Path:          "/templates/{id}/instantiate",
		Summary:       "Create a procedure from a template",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body *InstantiateRequest `json:"body"`
	}) (*procedureBody, error) {
		body := orZero(input.Body)
		p, err := e.InstantiateTemplate(ctx, engine.InstantiateOptions{
			TemplateID: input.ID,
			ContextID:  body.ContextID,
			Name:       body.Name,
			Status:     domain.ProcedureStatus(body.Status),
			ActorID:    actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &procedureBody{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rate-template",
		Method:      http.MethodPost,
		Path:        "/templates/{id}/rating",
		Summary:     "Rate a template",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body RateRequest `json:"body"`
	}) (*templateBody, error) {
		t, err := e.RateTemplate(ctx, input.ID, input.Body.Rating, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &templateBody{Body: t}, nil
	})
}
