package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"permitline/internal/domain"
	"permitline/internal/engine"
	"permitline/internal/projection"
	"permitline/internal/repo"
	"permitline/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	Engine     engine.Engine
	Projection projection.Service
	BasePath   string
	Auth       AuthConfig
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"window_clerk cannot approve a request in SUBMITTED"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Permitline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Projection.Registry == nil {
		cfg.Projection.Registry = cfg.Engine.Registry
		cfg.Projection.Repo = cfg.Engine.Repo
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Permitline API", "0.3.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	mountDocs(router, basePath)
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics)
	}
	registerHealth(group)
	registerRequests(group, cfg.Engine, cfg.Projection)
	registerTransitions(group, cfg.Engine)
	registerQueues(group, cfg.Projection)
	registerRoles(group, cfg.Engine)
	registerTimelineFeed(group, cfg.Engine)
	registerMe(group)
	if cfg.Auth.AllowDevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	mountOpenAPI(router, api, basePath)

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
	details := map[string]any{}
	var te *workflow.TransitionError
	if errors.As(err, &te) {
		if te.RequestID != "" {
			details["request_id"] = te.RequestID
			details["state"] = te.State
		}
		if te.Role != "" {
			details["role"] = te.Role
		}
		if te.Action != "" {
			details["action"] = te.Action
		}
	}
	msg := err.Error()
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, workflow.ErrConcurrentModification):
		details["retryable"] = true
		return newAPIError(http.StatusConflict, "concurrent_modification", msg, details)
	case errors.Is(err, workflow.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, details)
	case errors.Is(err, workflow.ErrMissingComment):
		return newAPIError(http.StatusUnprocessableEntity, "missing_comment", msg, details)
	case errors.Is(err, workflow.ErrPreconditionFailed):
		return newAPIError(http.StatusUnprocessableEntity, "precondition_failed", msg, details)
	case errors.Is(err, engine.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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

// loadVisible returns the request if the caller, acting as role, may read it.
func loadVisible(ctx context.Context, e engine.Engine, p Principal, role domain.Role, id string) (domain.Request, error) {
	req, err := e.GetRequest(ctx, id)
	if err != nil {
		return req, err
	}
	if !projection.Visible(req, role, p.ActorID) {
		return domain.Request{}, fmt.Errorf("request %s: %w", id, repo.ErrNotFound)
	}
	return req, nil
}

func registerRequests(api huma.API, e engine.Engine, proj projection.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "File a request",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateRequestBody `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		p, _, authErr := actingAs(ctx, string(domain.RoleClient))
		if authErr != nil {
			return nil, authErr
		}
		kind, err := domain.ParseRequestKind(input.Body.RequestKind)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		payload, err := rawPayload(input.Body.FormPayload)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid form_payload", nil)
		}
		req, err := e.CreateRequest(ctx, engine.CreateRequestInput{
			ApplicantID: p.ActorID,
			ServiceType: input.Body.ServiceType,
			Kind:        kind,
			Payload:     payload,
			Documents:   input.Body.Documents,
			ActorRole:   domain.RoleClient,
			ActorID:     p.ActorID,
			Draft:       input.Body.Draft,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(e.Registry, req, domain.RoleClient)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List requests visible to the caller, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Role        string   `query:"role"`
		State       []string `query:"state"`
		Kind        string   `query:"request_kind"`
		ServiceType string   `query:"service_type"`
		ApplicantID string   `query:"applicant_id"`
		Limit       int      `query:"limit" default:"50"`
		Cursor      string   `query:"cursor"`
	}) (*struct {
		Body paginatedRequests `json:"body"`
	}, error) {
		p, role, authErr := actingAs(ctx, input.Role)
		if authErr != nil {
			return nil, authErr
		}
		filters := projection.ListFilters{ServiceType: input.ServiceType, ApplicantID: input.ApplicantID}
		for _, s := range input.State {
			st, err := domain.ParseState(s)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			filters.States = append(filters.States, st)
		}
		if input.Kind != "" {
			kind, err := domain.ParseRequestKind(input.Kind)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			filters.Kind = kind
		}
		cursorTS, cursorID, err := decodeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		filters.Limit = limit + 1
		filters.CursorTS, filters.CursorID = cursorTS, cursorID
		items, err := proj.ListAll(ctx, projection.Scope{Role: role, ApplicantID: p.ActorID}, filters)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedRequests{Items: []RequestResponse{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = encodeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		for _, r := range items {
			resp.Items = append(resp.Items, requestResponse(e.Registry, r, role))
		}
		return &struct {
			Body paginatedRequests `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}",
		Summary:     "Get a request with its latest payload and documents",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
		Role      string `query:"role"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		p, role, authErr := actingAs(ctx, input.Role)
		if authErr != nil {
			return nil, authErr
		}
		req, err := loadVisible(ctx, e, p, role, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(e.Registry, req, role)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-timeline",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}/timeline",
		Summary:     "Timeline of a request in chronological order",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
		Role      string `query:"role"`
	}) (*struct {
		Body []TimelineEntryResponse `json:"body"`
	}, error) {
		p, role, authErr := actingAs(ctx, input.Role)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := loadVisible(ctx, e, p, role, input.RequestID); err != nil {
			return nil, handleError(err)
		}
		entries, err := e.GetTimeline(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TimelineEntryResponse `json:"body"`
		}{Body: mapTimeline(entries)}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "apply-transition",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/transitions",
		Summary:     "Act on a request",
		Description: "Validates (state, role, action) against the transition table. The state change and its timeline entry commit together.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string            `path:"request_id"`
		Body      TransitionRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		p, role, authErr := actingAs(ctx, input.Body.Role)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := loadVisible(ctx, e, p, role, input.RequestID); err != nil {
			return nil, handleError(err)
		}
		payload, err := rawPayload(input.Body.FormPayload)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid form_payload", nil)
		}
		res, err := e.ApplyTransition(ctx, engine.TransitionInput{
			RequestID:       input.RequestID,
			ActorRole:       role,
			ActorID:         p.ActorID,
			Action:          domain.Action(strings.TrimSpace(input.Body.Action)),
			Comment:         input.Body.Comment,
			ExpectedVersion: input.Body.ExpectedVersion,
			Payload:         payload,
			Documents:       input.Body.Documents,
			DocumentID:      input.Body.DocumentID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: TransitionResponse{
			Request: requestResponse(e.Registry, res.Request, role),
			Entry:   timelineResponse(res.Entry),
		}}, nil
	})
}

func registerQueues(api huma.API, proj projection.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "role-queue",
		Method:      http.MethodGet,
		Path:        "/queues/{role}",
		Summary:     "Requests the role can act on now, oldest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Role  string `path:"role"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body QueueResponse `json:"body"`
	}, error) {
		p, role, authErr := actingAs(ctx, input.Role)
		if authErr != nil {
			return nil, authErr
		}
		items, err := proj.ListActionable(ctx, projection.Scope{Role: role, ApplicantID: p.ActorID}, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		resp := QueueResponse{Role: string(role), Items: []RequestResponse{}}
		for _, r := range items {
			resp.Items = append(resp.Items, requestResponse(proj.Registry, r, role))
		}
		return &struct {
			Body QueueResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "role-dashboard",
		Method:      http.MethodGet,
		Path:        "/dashboard/{role}",
		Summary:     "Pending, approved and rejected counts for a role",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Role string `path:"role"`
	}) (*struct {
		Body DashboardResponse `json:"body"`
	}, error) {
		p, role, authErr := actingAs(ctx, input.Role)
		if authErr != nil {
			return nil, authErr
		}
		counts, err := proj.Counts(ctx, projection.Scope{Role: role, ApplicantID: p.ActorID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DashboardResponse `json:"body"`
		}{Body: DashboardResponse{Role: string(role), Counts: counts}}, nil
	})
}

func registerRoles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "roles",
		Method:      http.MethodGet,
		Path:        "/roles",
		Summary:     "Roles, states and the transition table",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RolesResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body RolesResponse `json:"body"`
		}{Body: rolesResponse(e.Registry)}, nil
	})
}

func registerTimelineFeed(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "timeline-feed",
		Method:      http.MethodGet,
		Path:        "/timeline",
		Summary:     "Recent timeline entries across requests, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Role      string `query:"role"`
		RequestID string `query:"request_id"`
		Action    string `query:"action"`
		ActorRole string `query:"actor_role"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedTimeline `json:"body"`
	}, error) {
		_, role, authErr := actingAs(ctx, input.Role)
		if authErr != nil {
			return nil, authErr
		}
		if role == domain.RoleClient {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "the audit feed is for staff roles", nil)
		}
		limit := normalizeLimit(input.Limit)
		f := repo.TimelineFilters{RequestID: input.RequestID, Limit: limit + 1}
		if input.Action != "" {
			f.Action = domain.AuditAction(strings.ToUpper(input.Action))
			if !f.Action.Valid() {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown audit action %q", input.Action), nil)
			}
		}
		if input.ActorRole != "" {
			r, err := domain.ParseRole(input.ActorRole)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			f.ActorRole = r
		}
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			f.Before = parsed
		}
		items, err := e.Repo.LatestTimeline(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTimeline{Items: []TimelineEntryResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, mapTimeline(items)...)
		return &struct {
			Body paginatedTimeline `json:"body"`
		}{Body: resp}, nil
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
		roles := make([]string, 0, len(principal.Roles))
		for _, r := range principal.Roles {
			roles = append(roles, string(r))
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{ActorID: principal.ActorID, Roles: roles, Source: principal.Source}}, nil
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
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" || len(input.Body.Roles) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and roles are required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}
