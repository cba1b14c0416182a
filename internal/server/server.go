package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ulfschnabel/slka/internal/domain"
	"github.com/ulfschnabel/slka/internal/otel"
	"github.com/ulfschnabel/slka/internal/pipeline"
	"github.com/ulfschnabel/slka/internal/repo"
)

// CycleRunner runs one poll-classify-act cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context, dryRun bool) (domain.RunSummary, error)
}

// Config for the HTTP API handler.
type Config struct {
	Repo repo.Repo
	// Records serves the records endpoints; nil uses Repo as the store.
	Records  *repo.Records
	Runner   CycleRunner
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
	// Metrics, when set, counts requests per route. MetricsHandler is
	// mounted unauthenticated at /metrics.
	Metrics        *otel.Metrics
	MetricsHandler http.Handler
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"permission\":\"records.forget\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

var errCycleBusy = errors.New("a cycle is already running")

// New returns an HTTP handler exposing the slka API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Runner == nil {
		return nil, errors.New("server: cycle runner required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	if cfg.Metrics != nil {
		router.Use(metricsMiddleware(cfg.Metrics))
	}
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo, log))
	if cfg.MetricsHandler != nil {
		router.Handle("/metrics", cfg.MetricsHandler)
	}
	hcfg := huma.DefaultConfig("slka API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerCycles(group, cfg.Runner, log)
	registerRuns(group, cfg.Repo)
	records := cfg.Records
	if records == nil {
		records = &repo.Records{Store: cfg.Repo, Repo: cfg.Repo}
	}
	registerRecords(group, records)
	registerApprovals(group, cfg.Repo)
	registerEvents(group, cfg.Repo)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func metricsMiddleware(m *otel.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.RecordHTTPRequest(r.Context(), r.Method, route, status)
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrAlreadyDecided):
		return newAPIError(http.StatusConflict, "already_decided", err.Error(), nil)
	case errors.Is(err, repo.ErrRecordPermanent):
		return newAPIError(http.StatusConflict, "record_permanent", err.Error(), nil)
	case errors.Is(err, errCycleBusy):
		return newAPIError(http.StatusConflict, "cycle_in_progress", err.Error(), nil)
	case errors.Is(err, pipeline.ErrStoreUnavailable), errors.Is(err, repo.ErrStoreUnreachable):
		return newAPIError(http.StatusServiceUnavailable, "store_unavailable", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>slka API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
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

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Permissions: nonNilSlice(principal.Permissions),
			Source:      principal.Source,
		}}, nil
	})
}

func registerCycles(api huma.API, runner CycleRunner, log *zap.Logger) {
	var running sync.Mutex
	huma.Register(api, huma.Operation{
		OperationID:   "run-cycle",
		Method:        http.MethodPost,
		Path:          "/cycles",
		Summary:       "Run one cycle and return its summary",
		DefaultStatus: http.StatusOK,
		Errors:        []int{http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body *CycleRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.RunSummary `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, PermCyclesRun)
		if err != nil {
			return nil, handleError(err)
		}
		if !running.TryLock() {
			return nil, handleError(errCycleBusy)
		}
		defer running.Unlock()
		dryRun := input.Body != nil && input.Body.DryRun
		log.Info("cycle requested", zap.String("actor", principal.ActorID), zap.Bool("dry_run", dryRun))
		summary, err := runner.RunCycle(ctx, dryRun)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RunSummary `json:"body"`
		}{Body: summary}, nil
	})
}

func registerRuns(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List recent cycle runs",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.RunRecord `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermRunsRead); err != nil {
			return nil, handleError(err)
		}
		runs, err := r.ListRuns(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.RunRecord `json:"body"`
		}{Body: nonNilSlice(runs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get one run",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.RunRecord `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermRunsRead); err != nil {
			return nil, handleError(err)
		}
		run, err := r.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RunRecord `json:"body"`
		}{Body: run}, nil
	})
}

func registerRecords(api huma.API, r *repo.Records) {
	huma.Register(api, huma.Operation{
		OperationID: "list-records",
		Method:      http.MethodGet,
		Path:        "/records",
		Summary:     "List idempotency records",
		Errors:      []int{http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"succeeded,pending_approval,failed"`
		Prefix string `query:"prefix"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.IdempotencyRecord `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermRecordsRead); err != nil {
			return nil, handleError(err)
		}
		recs, err := r.List(ctx, domain.RecordFilter{Status: input.Status, Prefix: input.Prefix, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.IdempotencyRecord `json:"body"`
		}{Body: nonNilSlice(recs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-record",
		Method:      http.MethodGet,
		Path:        "/records/{key}",
		Summary:     "Get the record for an action key",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key string `path:"key"`
	}) (*struct {
		Body domain.IdempotencyRecord `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermRecordsRead); err != nil {
			return nil, handleError(err)
		}
		rec, ok, err := r.Get(ctx, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, handleError(repo.ErrNotFound)
		}
		return &struct {
			Body domain.IdempotencyRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "forget-record",
		Method:      http.MethodDelete,
		Path:        "/records/{key}",
		Summary:     "Forget a failed or pending record so the next cycle retries it",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Key string `path:"key"`
	}) (*struct {
		Body ForgetResponse `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, PermRecordsForget)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := r.Forget(ctx, input.Key, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ForgetResponse `json:"body"`
		}{Body: ForgetResponse{Forgotten: rec}}, nil
	})
}

func registerApprovals(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List approval requests",
		Errors:      []int{http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,approved,rejected,executed"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Approval `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermApprovalsRead); err != nil {
			return nil, handleError(err)
		}
		items, err := r.ListApprovals(ctx, input.Status, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Approval `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	decide := func(approve bool) func(context.Context, *struct {
		Key  string           `path:"key"`
		Body *DecisionRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.Approval `json:"body"`
	}, error) {
		return func(ctx context.Context, input *struct {
			Key  string           `path:"key"`
			Body *DecisionRequest `json:"body" required:"false"`
		}) (*struct {
			Body domain.Approval `json:"body"`
		}, error) {
			principal, err := requirePermission(ctx, PermApprovalsDecide)
			if err != nil {
				return nil, handleError(err)
			}
			var reason string
			if input.Body != nil {
				reason = strings.TrimSpace(input.Body.Reason)
			}
			a, err := r.DecideApproval(ctx, input.Key, approve, principal.ActorID, reason)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Approval `json:"body"`
			}{Body: a}, nil
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "approve-action",
		Method:      http.MethodPost,
		Path:        "/approvals/{key}/approve",
		Summary:     "Approve a pending action; the next cycle dispatches it",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, decide(true))
	huma.Register(api, huma.Operation{
		OperationID: "reject-action",
		Method:      http.MethodPost,
		Path:        "/approvals/{key}/reject",
		Summary:     "Reject a pending action",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, decide(false))
}

func registerEvents(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"run,action,approval,record"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermEventsRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := r.LatestEventsFrom(ctx, limit+1, cursorID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
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
