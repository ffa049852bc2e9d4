package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"testline/internal/authz"
	"testline/internal/domain"
	"testline/internal/engine"
	"testline/internal/notify"
	"testline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Sink     notify.Sink
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"dependency_unmet"`
	Message string         `json:"message" example:"phase cannot start yet"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"blocking\":[\"scoping\"]}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Testline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Sink == nil {
		cfg.Sink = notify.LogSink{}
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the shared envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Testline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCycles(group, cfg.Engine)
	registerReports(group, cfg.Engine)
	registerPhases(group, cfg.Engine)
	registerPermissions(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)
	registerEscalations(group, cfg.Engine, cfg.Sink)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var authErr authz.AuthorizationError
	if errors.As(err, &authErr) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": authErr.Permission})
	}
	var depErr engine.DependencyUnmetError
	if errors.As(err, &depErr) {
		return newAPIError(http.StatusUnprocessableEntity, "dependency_unmet", err.Error(), map[string]any{
			"kind":     depErr.Kind,
			"blocking": depErr.Blocking,
		})
	}
	var concErr engine.ConcurrentModificationError
	if errors.As(err, &concErr) {
		return newAPIError(http.StatusConflict, "version_conflict", err.Error(), map[string]any{
			"phase_instance_id": concErr.PhaseInstanceID,
			"expected_version":  concErr.ExpectedVersion,
		})
	}
	var initErr engine.AlreadyInitializedError
	if errors.As(err, &initErr) {
		return newAPIError(http.StatusConflict, "already_initialized", err.Error(), map[string]any{
			"cycle_id":  initErr.CycleID,
			"report_id": initErr.ReportID,
		})
	}
	var transErr engine.InvalidTransitionError
	if errors.As(err, &transErr) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{
			"from": transErr.From,
			"to":   transErr.To,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "payload json"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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

func requirePermission(ctx context.Context, e engine.Engine, resource, action, resourceID string) (domain.Actor, error) {
	actor, authErr := actorFromContext(ctx)
	if authErr != nil {
		return actor, authErr
	}
	if err := e.Authz.Require(ctx, actor, resource, action, resourceID); err != nil {
		return actor, err
	}
	return actor, nil
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
	open := map[string]bool{
		"/" + strings.TrimPrefix(path.Join(basePath, "health"), "/"):         true,
		"/" + strings.TrimPrefix(path.Join(basePath, "auth/dev/login"), "/"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>Testline API Docs</title>
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

func registerCycles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-cycle",
		Method:        http.MethodPost,
		Path:          "/cycles",
		Summary:       "Create cycle",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateCycleRequest `json:"body"`
	}) (*struct {
		Body CycleResponse `json:"body"`
	}, error) {
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		actor, err := requirePermission(ctx, e, "cycles", "create", input.Body.ID)
		if err != nil {
			return nil, handleError(err)
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		c, err := e.InitCycle(ctx, input.Body.ID, desc, actor.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CycleResponse `json:"body"`
		}{Body: cycleResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cycles",
		Method:      http.MethodGet,
		Path:        "/cycles",
		Summary:     "List cycles",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []CycleResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, "cycles", "read", ""); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListCycles(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]CycleResponse, 0, len(items))
		for _, c := range items {
			out = append(out, cycleResponse(c))
		}
		return &struct {
			Body []CycleResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-cycle",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}",
		Summary:     "Get cycle",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CycleID string `path:"cycle_id"`
	}) (*struct {
		Body CycleResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, "cycles", "read", input.CycleID); err != nil {
			return nil, handleError(err)
		}
		c, err := e.Repo.GetCycle(ctx, input.CycleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CycleResponse `json:"body"`
		}{Body: cycleResponse(c)}, nil
	})
}

func registerReports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-report",
		Method:        http.MethodPost,
		Path:          "/cycles/{cycle_id}/reports",
		Summary:       "Create report",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		CycleID string              `path:"cycle_id"`
		Body    CreateReportRequest `json:"body"`
	}) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		if input.Body.ID == "" || input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id and name are required", nil)
		}
		actor, err := requirePermission(ctx, e, "reports", "assign", input.CycleID)
		if err != nil {
			return nil, handleError(err)
		}
		rep := domain.Report{
			ID:      input.Body.ID,
			CycleID: input.CycleID,
			Name:    input.Body.Name,
		}
		if input.Body.OwnerID != nil {
			rep.OwnerID = *input.Body.OwnerID
		}
		res, err := e.CreateReport(ctx, rep, actor.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: reportResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reports",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/reports",
		Summary:     "List reports",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		CycleID string `path:"cycle_id"`
	}) (*struct {
		Body []ReportResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, "cycles", "read", input.CycleID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListReports(ctx, input.CycleID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ReportResponse, 0, len(items))
		for _, rep := range items {
			out = append(out, reportResponse(rep))
		}
		return &struct {
			Body []ReportResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerPhases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "initialize-phases",
		Method:        http.MethodPost,
		Path:          "/cycles/{cycle_id}/reports/{report_id}/phases",
		Summary:       "Initialize workflow phases",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		CycleID  string `path:"cycle_id"`
		ReportID string `path:"report_id"`
	}) (*struct {
		Body []PhaseResponse `json:"body"`
	}, error) {
		actor, err := requirePermission(ctx, e, "reports", "assign", input.ReportID)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := e.InitializePhases(ctx, input.CycleID, input.ReportID, actor.ID); err != nil {
			return nil, handleError(err)
		}
		views, err := e.ListPhases(ctx, input.CycleID, input.ReportID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PhaseResponse `json:"body"`
		}{Body: mapPhases(views)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-phases",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/reports/{report_id}/phases",
		Summary:     "List workflow phases",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CycleID  string `path:"cycle_id"`
		ReportID string `path:"report_id"`
	}) (*struct {
		Body []PhaseResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, "phases", "read", input.ReportID); err != nil {
			return nil, handleError(err)
		}
		views, err := e.ListPhases(ctx, input.CycleID, input.ReportID)
		if err != nil {
			return nil, handleError(err)
		}
		if len(views) == 0 {
			return nil, newAPIError(http.StatusNotFound, "not_found", "phases not initialized", nil)
		}
		return &struct {
			Body []PhaseResponse `json:"body"`
		}{Body: mapPhases(views)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-progress",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/reports/{report_id}/progress",
		Summary:     "Aggregate report progress",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CycleID  string `path:"cycle_id"`
		ReportID string `path:"report_id"`
	}) (*struct {
		Body ProgressResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, "phases", "read", input.ReportID); err != nil {
			return nil, handleError(err)
		}
		pct, err := e.AggregateProgress(ctx, input.CycleID, input.ReportID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProgressResponse `json:"body"`
		}{Body: ProgressResponse{CycleID: input.CycleID, ReportID: input.ReportID, Percent: pct}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-phase",
		Method:      http.MethodGet,
		Path:        "/phases/{id}",
		Summary:     "Get phase instance",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body PhaseResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, "phases", "read", input.ID); err != nil {
			return nil, handleError(err)
		}
		instance, err := e.Repo.GetPhaseInstance(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		views, err := e.ListPhases(ctx, instance.CycleID, instance.ReportID)
		if err != nil {
			return nil, handleError(err)
		}
		for _, v := range views {
			if v.ID == instance.ID {
				return &struct {
					Body PhaseResponse `json:"body"`
				}{Body: phaseResponse(v)}, nil
			}
		}
		return nil, newAPIError(http.StatusNotFound, "not_found", "phase not found", nil)
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-phase",
		Method:      http.MethodPost,
		Path:        "/phases/{id}/transition",
		Summary:     "Transition phase state",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*struct {
		Body PhaseResponse `json:"body"`
	}, error) {
		if input.Body.Target == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "target is required", nil)
		}
		action := "transition"
		if input.Body.Target == "approved" || input.Body.Target == "rejected" {
			action = "approve"
		}
		actor, err := requirePermission(ctx, e, "phases", action, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		opts := engine.TransitionOptions{
			PhaseInstanceID: input.ID,
			Target:          input.Body.Target,
			ExpectedVersion: input.Body.ExpectedVersion,
			ActorID:         actor.ID,
		}
		if input.Body.Payload != nil {
			data, err := json.Marshal(input.Body.Payload)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid payload", map[string]any{"error": err.Error()})
			}
			asStr := string(data)
			opts.Payload = &asStr
		}
		updated, err := e.Transition(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhaseResponse `json:"body"`
		}{Body: phaseResponse(engine.PhaseView{PhaseInstance: updated})}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-phase-clock",
		Method:      http.MethodGet,
		Path:        "/phases/{id}/clock",
		Summary:     "Get phase SLA clock",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SLAClockResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, "escalations", "read", input.ID); err != nil {
			return nil, handleError(err)
		}
		c, err := e.Repo.GetClock(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SLAClockResponse `json:"body"`
		}{Body: clockResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "escalate-phase",
		Method:      http.MethodPost,
		Path:        "/phases/{id}/escalate",
		Summary:     "Escalate a phase immediately",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SLAClockResponse `json:"body"`
	}, error) {
		actor, err := requirePermission(ctx, e, "escalations", "trigger", input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		c, err := e.SLA.EscalateNow(ctx, input.ID, actor.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SLAClockResponse `json:"body"`
		}{Body: clockResponse(c)}, nil
	})
}

func registerPermissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "check-permission",
		Method:      http.MethodPost,
		Path:        "/permissions/check",
		Summary:     "Evaluate one permission for the current actor",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body PermissionCheckRequest `json:"body"`
	}) (*struct {
		Body PermissionCheckResponse `json:"body"`
	}, error) {
		if input.Body.Resource == "" || input.Body.Action == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "resource and action are required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		allowed, err := e.Authz.Check(ctx, actor, input.Body.Resource, input.Body.Action, input.Body.ResourceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PermissionCheckResponse `json:"body"`
		}{Body: PermissionCheckResponse{
			ActorID:    actor.ID,
			Resource:   input.Body.Resource,
			Action:     input.Body.Action,
			ResourceID: input.Body.ResourceID,
			Allowed:    allowed,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me-permissions",
		Method:      http.MethodGet,
		Path:        "/me/permissions",
		Summary:     "Current actor effective permissions",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body EffectivePermissionsResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles := actor.Roles
		if len(roles) == 0 {
			dbRoles, err := e.Repo.ActorRoles(ctx, actor.ID)
			if err != nil {
				return nil, handleError(err)
			}
			roles = dbRoles
			actor.Roles = dbRoles
		}
		perms, err := e.Authz.GetEffectivePermissions(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]string, 0, len(perms))
		for _, p := range perms {
			out = append(out, p.String())
		}
		return &struct {
			Body EffectivePermissionsResponse `json:"body"`
		}{Body: EffectivePermissionsResponse{
			ActorID:     actor.ID,
			Roles:       nonNilSlice(roles),
			Permissions: out,
		}}, nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-roles",
		Method:      http.MethodGet,
		Path:        "/rbac/roles",
		Summary:     "List roles",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []RoleResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, "rbac", "manage", ""); err != nil {
			return nil, handleError(err)
		}
		roles, err := e.Repo.ListRoles(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]RoleResponse, 0, len(roles))
		for _, r := range roles {
			out = append(out, roleResponse(r))
		}
		return &struct {
			Body []RoleResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upsert-role",
		Method:      http.MethodPut,
		Path:        "/rbac/roles/{id}",
		Summary:     "Create or replace a role",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpsertRoleRequest `json:"body"`
	}) (*struct {
		Body RoleResponse `json:"body"`
	}, error) {
		actor, err := requirePermission(ctx, e, "rbac", "manage", "")
		if err != nil {
			return nil, handleError(err)
		}
		role := domain.Role{ID: input.ID, Description: input.Body.Description}
		for _, raw := range input.Body.Permissions {
			resource, action, ok := strings.Cut(raw, ":")
			if !ok || resource == "" || action == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "permissions must be resource:action pairs", map[string]any{"permission": raw})
			}
			role.Permissions = append(role.Permissions, domain.Permission{Resource: resource, Action: action})
		}
		if err := e.UpsertRole(ctx, role, actor.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoleResponse `json:"body"`
		}{Body: roleResponse(role)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-role",
		Method:      http.MethodPost,
		Path:        "/rbac/roles/assign",
		Summary:     "Assign role to actor",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RoleChangeRequest `json:"body"`
	}) (*struct{}, error) {
		if input.Body.ActorID == "" || input.Body.RoleID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role_id are required", nil)
		}
		actor, err := requirePermission(ctx, e, "rbac", "manage", "")
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.AssignRole(ctx, input.Body.ActorID, input.Body.RoleID, actor.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodPost,
		Path:        "/rbac/roles/revoke",
		Summary:     "Revoke role from actor",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RoleChangeRequest `json:"body"`
	}) (*struct{}, error) {
		if input.Body.ActorID == "" || input.Body.RoleID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role_id are required", nil)
		}
		actor, err := requirePermission(ctx, e, "rbac", "manage", "")
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.RevokeRole(ctx, input.Body.ActorID, input.Body.RoleID, actor.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-grant",
		Method:        http.MethodPost,
		Path:          "/rbac/grants",
		Summary:       "Create resource grant",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateGrantRequest `json:"body"`
	}) (*struct {
		Body GrantResponse `json:"body"`
	}, error) {
		actor, err := requirePermission(ctx, e, "rbac", "manage", "")
		if err != nil {
			return nil, handleError(err)
		}
		g := domain.ResourceGrant{
			ActorID:    input.Body.ActorID,
			Resource:   input.Body.Resource,
			Action:     input.Body.Action,
			ResourceID: input.Body.ResourceID,
			Effect:     input.Body.Effect,
			ExpiresAt:  input.Body.ExpiresAt,
		}
		res, err := e.CreateGrant(ctx, g, actor.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GrantResponse `json:"body"`
		}{Body: grantResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-grant",
		Method:      http.MethodDelete,
		Path:        "/rbac/grants/{id}",
		Summary:     "Revoke resource grant",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actor, err := requirePermission(ctx, e, "rbac", "manage", "")
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.RevokeGrant(ctx, input.ID, actor.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEscalations(api huma.API, e engine.Engine, sink notify.Sink) {
	huma.Register(api, huma.Operation{
		OperationID: "list-escalations",
		Method:      http.MethodGet,
		Path:        "/escalations",
		Summary:     "List escalation events",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		PhaseInstanceID string `query:"phase_instance_id"`
		Recipient       string `query:"recipient"`
		Status          string `query:"status" enum:"pending,sent"`
		Limit           int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EscalationResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, "escalations", "read", input.PhaseInstanceID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListEscalations(ctx, repo.EscalationFilter{
			PhaseInstanceID: input.PhaseInstanceID,
			Recipient:       input.Recipient,
			Status:          input.Status,
			Limit:           input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EscalationResponse, 0, len(items))
		for _, item := range items {
			out = append(out, escalationResponse(item))
		}
		return &struct {
			Body []EscalationResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-sla-scan",
		Method:      http.MethodPost,
		Path:        "/sla/scan",
		Summary:     "Scan SLA clocks and dispatch digests",
		Errors: []int{
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ScanResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, "escalations", "trigger", ""); err != nil {
			return nil, handleError(err)
		}
		fired, err := e.SLA.Scan(ctx, time.Now())
		if err != nil {
			return nil, handleError(err)
		}
		dispatched, err := e.SLA.DispatchDigests(ctx, sink)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ScanResponse `json:"body"`
		}{Body: ScanResponse{Fired: fired, DigestsOut: dispatched}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		CycleID string `path:"cycle_id"`
		AfterID int64  `query:"after_id"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, "cycles", "read", input.CycleID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListEvents(ctx, input.CycleID, input.AfterID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			out = append(out, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		if _, err := requirePermission(ctx, e, "rbac", "manage", ""); err != nil {
			return nil, handleError(err)
		}
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return nil, handleError(err)
		}
		secret := "tlk_" + base64.RawURLEncoding.EncodeToString(raw)
		key := domain.APIKey{
			ID:        uuid.NewString(),
			ActorID:   input.Body.ActorID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(secret),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		// The clear-text key is shown exactly once.
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			ActorID:   key.ActorID,
			Name:      key.Name,
			Key:       secret,
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, "rbac", "manage", ""); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(items))
		for _, k := range items {
			out = append(out, APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, err := requirePermission(ctx, e, "rbac", "manage", ""); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := SignDevToken(authCfg.JWTSecret, actor, input.Body.Roles, 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
