// Package server exposes the Protolab HTTP API. Handlers stay thin: they
// decode input, resolve the caller, call the engine and map typed errors to
// the response envelope.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"protolab/internal/domain"
	"protolab/internal/engine"
	"protolab/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"only authors may update a design"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Protolab API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Protolab API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDesigns(group, cfg.Engine)
	registerVersions(group, cfg.Engine)
	registerExecutions(group, cfg.Engine)
	registerReviews(group, cfg.Engine)
	registerSuggestions(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps the engine's typed failures onto the envelope. Internal
// failures never expose detail.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", "not found", nil)
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "validation_failed", ve.Msg, nil)
	}
	var fe engine.ForbiddenError
	if errors.As(err, &fe) {
		var details map[string]any
		if len(fe.Fields) > 0 {
			details = map[string]any{"fields": fe.Fields}
		}
		return newAPIError(http.StatusForbidden, "forbidden", fe.Msg, details)
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", ce.Msg, nil)
	}
	var be engine.BadRequestError
	if errors.As(err, &be) {
		return newAPIError(http.StatusBadRequest, "bad_request", be.Msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerDesigns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-design",
		Method:        http.MethodPost,
		Path:          "/designs",
		Summary:       "Create design",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateDesignRequest `json:"body"`
	}) (*designBody, error) {
		uid, authErr := requireUID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.CreateDesign(ctx, engine.DesignCreateOptions{
			CallerUID: uid,
			Content:   contentFromCreate(input.Body),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &designBody{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-designs",
		Method:      http.MethodGet,
		Path:        "/designs",
		Summary:     "List public designs",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Discipline string `query:"discipline"`
		Difficulty string `query:"difficulty"`
		Limit      int    `query:"limit" default:"50" minimum:"1" maximum:"200"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedDesigns `json:"body"`
	}, error) {
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		items, err := e.ListPublicDesigns(ctx, repo.DesignFilters{
			Discipline:      input.Discipline,
			Difficulty:      input.Difficulty,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedDesigns{Items: items}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			resp.Items = items[:limit]
		}
		if resp.Items == nil {
			resp.Items = []domain.Design{}
		}
		return &struct {
			Body paginatedDesigns `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-design",
		Method:      http.MethodGet,
		Path:        "/designs/{design_id}",
		Summary:     "Get design",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *designPath) (*designBody, error) {
		d, err := e.GetDesign(ctx, input.DesignID, uidFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &designBody{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-design",
		Method:      http.MethodPatch,
		Path:        "/designs/{design_id}",
		Summary:     "Update design",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DesignID string              `path:"design_id"`
		Body     UpdateDesignRequest `json:"body"`
	}) (*designBody, error) {
		uid, authErr := requireUID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.UpdateDesign(ctx, engine.DesignUpdateOptions{
			DesignID:         input.DesignID,
			CallerUID:        uid,
			Patch:            patchFromUpdate(input.Body),
			PendingChangelog: input.Body.PendingChangelog,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &designBody{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "publish-design",
		Method:      http.MethodPost,
		Path:        "/designs/{design_id}/publish",
		Summary:     "Publish design",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DesignID string               `path:"design_id"`
		Body     PublishDesignRequest `json:"body,omitempty" required:"false"`
	}) (*designBody, error) {
		uid, authErr := requireUID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.PublishDesign(ctx, engine.DesignPublishOptions{
			DesignID:  input.DesignID,
			CallerUID: uid,
			Changelog: input.Body.Changelog,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &designBody{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "fork-design",
		Method:        http.MethodPost,
		Path:          "/designs/{design_id}/fork",
		Summary:       "Fork design",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DesignID string            `path:"design_id"`
		Body     ForkDesignRequest `json:"body"`
	}) (*designBody, error) {
		uid, authErr := requireUID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.ForkDesign(ctx, engine.DesignForkOptions{
			SourceID:  input.DesignID,
			CallerUID: uid,
			ForkType:  domain.ForkType(input.Body.ForkType),
			Rationale: input.Body.ForkRationale,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &designBody{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-design",
		Method:        http.MethodDelete,
		Path:          "/designs/{design_id}",
		Summary:       "Delete design",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *designPath) (*struct{}, error) {
		uid, authErr := requireUID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteDesign(ctx, input.DesignID, uid); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerVersions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-design-versions",
		Method:      http.MethodGet,
		Path:        "/designs/{design_id}/versions",
		Summary:     "List version snapshots",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *designPath) (*struct {
		Body versionList `json:"body"`
	}, error) {
		items, err := e.ListVersions(ctx, input.DesignID, uidFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.VersionSnapshot{}
		}
		return &struct {
			Body versionList `json:"body"`
		}{Body: versionList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-design-version",
		Method:      http.MethodGet,
		Path:        "/designs/{design_id}/versions/{version_number}",
		Summary:     "Get version snapshot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DesignID      string `path:"design_id"`
		VersionNumber int    `path:"version_number" minimum:"1"`
	}) (*versionBody, error) {
		v, err := e.GetVersion(ctx, input.DesignID, input.VersionNumber, uidFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &versionBody{Body: v}, nil
	})
}

func registerExecutions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-execution",
		Method:        http.MethodPost,
		Path:          "/designs/{design_id}/executions",
		Summary:       "Start execution",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DesignID string                `path:"design_id"`
		Body     StartExecutionRequest `json:"body,omitempty" required:"false"`
	}) (*executionBody, error) {
		uid, authErr := requireUID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ex, err := e.StartExecution(ctx, engine.ExecutionStartOptions{
			DesignID:           input.DesignID,
			CallerUID:          uid,
			CoExperimenterUIDs: input.Body.CoExperimenterUIDs,
			StartDate:          input.Body.StartDate,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &executionBody{Body: ex}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/designs/{design_id}/executions",
		Summary:     "List executions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *designPath) (*struct {
		Body executionList `json:"body"`
	}, error) {
		items, err := e.ListExecutions(ctx, input.DesignID, uidFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Execution{}
		}
		return &struct {
			Body executionList `json:"body"`
		}{Body: executionList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-execution",
		Method:      http.MethodPatch,
		Path:        "/executions/{execution_id}",
		Summary:     "Update execution",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExecutionID string                 `path:"execution_id"`
		Body        UpdateExecutionRequest `json:"body"`
	}) (*executionBody, error) {
		uid, authErr := requireUID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ex, err := e.UpdateExecution(ctx, engine.ExecutionUpdateOptions{
			ExecutionID:        input.ExecutionID,
			CallerUID:          uid,
			CoExperimenterUIDs: input.Body.CoExperimenterUIDs,
			StartDate:          input.Body.StartDate,
			DeviationNotes:     input.Body.DeviationNotes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &executionBody{Body: ex}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-execution",
		Method:      http.MethodPost,
		Path:        "/executions/{execution_id}/complete",
		Summary:     "Complete execution",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *executionPath) (*executionBody, error) {
		uid, authErr := requireUID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ex, err := e.CompleteExecution(ctx, input.ExecutionID, uid)
		if err != nil {
			return nil, handleError(err)
		}
		return &executionBody{Body: ex}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "cancel-execution",
		Method:        http.MethodDelete,
		Path:          "/executions/{execution_id}",
		Summary:       "Cancel execution",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *executionPath) (*struct{}, error) {
		uid, authErr := requireUID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.CancelExecution(ctx, input.ExecutionID, uid); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerReviews(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-review",
		Method:        http.MethodPost,
		Path:          "/designs/{design_id}/reviews",
		Summary:       "Submit review",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DesignID string              `path:"design_id"`
		Body     SubmitReviewRequest `json:"body"`
	}) (*reviewBody, error) {
		uid, authErr := requireUID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rv, err := e.SubmitReview(ctx, engine.ReviewSubmitOptions{
			DesignID:       input.DesignID,
			CallerUID:      uid,
			GeneralComment: input.Body.GeneralComment,
			Readiness:      domain.ReadinessSignal(input.Body.ReadinessSignal),
			Endorsement:    input.Body.Endorsement,
			Suggestions:    suggestionInputs(input.Body.Suggestions),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &reviewBody{Body: rv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reviews",
		Method:      http.MethodGet,
		Path:        "/designs/{design_id}/reviews",
		Summary:     "List reviews",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DesignID string `path:"design_id"`
		Version  int    `query:"version" minimum:"0"`
	}) (*struct {
		Body reviewList `json:"body"`
	}, error) {
		items, err := e.ListReviews(ctx, input.DesignID, input.Version, uidFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Review{}
		}
		return &struct {
			Body reviewList `json:"body"`
		}{Body: reviewList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-summary",
		Method:      http.MethodGet,
		Path:        "/designs/{design_id}/reviews/summary",
		Summary:     "Review summary",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *designPath) (*struct {
		Body engine.ReviewSummary `json:"body"`
	}, error) {
		sum, err := e.GetReviewSummary(ctx, input.DesignID, uidFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ReviewSummary `json:"body"`
		}{Body: sum}, nil
	})
}

func registerSuggestions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "accept-suggestion",
		Method:      http.MethodPost,
		Path:        "/suggestions/{suggestion_id}/accept",
		Summary:     "Accept suggestion",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *suggestionPath) (*suggestionBody, error) {
		uid, authErr := requireUID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.AcceptSuggestion(ctx, input.SuggestionID, uid)
		if err != nil {
			return nil, handleError(err)
		}
		return &suggestionBody{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-suggestion",
		Method:      http.MethodPost,
		Path:        "/suggestions/{suggestion_id}/close",
		Summary:     "Close suggestion",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *suggestionPath) (*suggestionBody, error) {
		uid, authErr := requireUID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CloseSuggestion(ctx, input.SuggestionID, uid)
		if err != nil {
			return nil, handleError(err)
		}
		return &suggestionBody{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reply-suggestion",
		Method:      http.MethodPost,
		Path:        "/suggestions/{suggestion_id}/reply",
		Summary:     "Reply to suggestion",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		SuggestionID string                 `path:"suggestion_id"`
		Body         ReplySuggestionRequest `json:"body"`
	}) (*suggestionBody, error) {
		uid, authErr := requireUID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.ReplySuggestion(ctx, input.SuggestionID, uid, input.Body.Reply)
		if err != nil {
			return nil, handleError(err)
		}
		return &suggestionBody{Body: s}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Protolab API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
