package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"coordline/internal/engine"
	"coordline/internal/repo"
)

// Config for the read-only operator API.
type Config struct {
	Engine   *engine.Engine
	Repo     repo.Repo
	BasePath string
	Auth     AuthConfig
	Log      *slog.Logger
	// FlushEvents, when set, runs before event log reads so listings include
	// every event published so far.
	FlushEvents func()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"role not found"`
	Details map[string]any `json:"details,omitempty"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing engine status, the event log, roles
// and traces of a workspace.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger(cfg.logger()))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Coordline API", "0.1.0")
	hcfg.OpenAPIPath = basePath + "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerExecutions(group, cfg.Engine)
	registerEvents(group, cfg.Repo, cfg.FlushEvents)
	registerRoles(group, cfg.Repo)
	registerTraces(group, cfg.Repo)
	return router, nil
}

func (c Config) logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Debug("http request", "method", r.Method, "path", r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrValidation):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
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

func registerStatus(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Module status report",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{
			Modules:        e.StatusReport(),
			MissingModules: emptyIfNil(e.ValidateRegistration()),
			EventCounts:    e.Bus.Counts(),
		}}, nil
	})
}

func registerExecutions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/executions",
		Summary:     "List in-flight workflow executions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ExecutionsResponse `json:"body"`
	}, error) {
		return &struct {
			Body ExecutionsResponse `json:"body"`
		}{Body: ExecutionsResponse{Items: e.Workflows.ActiveExecutions()}}, nil
	})
}

func registerEvents(api huma.API, r repo.Repo, flush func()) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List logged events after a cursor",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type      string `query:"type"`
		ContextID string `query:"context_id"`
		Stage     string `query:"stage"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		if flush != nil {
			flush()
		}
		items, err := r.EventsAfter(ctx, limit+1, cursorID, repo.EventFilters{Type: input.Type, ContextID: input.ContextID, Stage: input.Stage})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerRoles(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-roles",
		Method:      http.MethodGet,
		Path:        "/roles",
		Summary:     "List roles, newest first",
	}, func(ctx context.Context, input *struct {
		ContextID string `query:"context_id"`
	}) (*struct {
		Body RolesResponse `json:"body"`
	}, error) {
		roles, err := r.ListRoles(ctx, input.ContextID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RolesResponse `json:"body"`
		}{Body: RolesResponse{Items: mapRoles(roles)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-role",
		Method:      http.MethodGet,
		Path:        "/roles/{role_id}",
		Summary:     "Get a role",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RoleID string `path:"role_id"`
	}) (*struct {
		Body RoleResponse `json:"body"`
	}, error) {
		role, err := r.GetRole(ctx, input.RoleID)
		if err != nil {
			return nil, handleError(fmt.Errorf("role %s: %w", input.RoleID, err))
		}
		return &struct {
			Body RoleResponse `json:"body"`
		}{Body: roleResponse(role)}, nil
	})
}

func registerTraces(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-traces",
		Method:      http.MethodGet,
		Path:        "/contexts/{context_id}/traces",
		Summary:     "List traces of a context in record order",
	}, func(ctx context.Context, input *struct {
		ContextID string `path:"context_id"`
	}) (*struct {
		Body TracesResponse `json:"body"`
	}, error) {
		items, err := r.ListTraces(ctx, input.ContextID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := TracesResponse{Items: []TraceResponse{}}
		for _, t := range items {
			resp.Items = append(resp.Items, TraceResponse(t))
		}
		return &struct {
			Body TracesResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func emptyIfNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
