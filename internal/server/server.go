package server

import (
	"bytes"
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

	"docflow/internal/authz"
	"docflow/internal/engine"
	"docflow/internal/identity"
	"docflow/internal/rank"
	"docflow/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"principal is not authorized to take approve"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Docflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the required envelope.
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
	hcfg := huma.DefaultConfig("Docflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDocuments(group, cfg.Engine)
	registerRequests(group, cfg.Engine)
	registerActions(group, cfg.Engine)
	registerActionList(group, cfg.Engine)
	registerGroups(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)
	return router, nil
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
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
	var authErr authz.AuthorizationError
	if errors.As(err, &authErr) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{
			"principal": authErr.PrincipalID,
			"action":    authErr.ActionCode,
		})
	}
	var conflict engine.ConflictError
	if errors.As(err, &conflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{"document": conflict.DocumentID})
	}
	var state engine.DocumentStateError
	if errors.As(err, &state) {
		return newAPIError(http.StatusConflict, "document_state", err.Error(), map[string]any{"status": state.Status})
	}
	var invalid rank.InvalidCodeError
	if errors.As(err, &invalid) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_code", err.Error(), map[string]any{
			"kind": invalid.Kind,
			"code": invalid.Code,
		})
	}
	var cycle identity.CycleError
	if errors.As(err, &cycle) {
		return newAPIError(http.StatusUnprocessableEntity, "membership_cycle", err.Error(), map[string]any{"group": cycle.GroupID})
	}
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, identity.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
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
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
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
    <title>Docflow API Docs</title>
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

func registerDocuments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-document",
		Method:        http.MethodPost,
		Path:          "/documents",
		Summary:       "Create document",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateDocumentRequest `json:"body"`
	}) (*struct {
		Body DocumentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		initiator := input.Body.Initiator
		if initiator == "" {
			initiator = actorID
		}
		d, err := e.CreateDocument(ctx, engine.DocumentCreateOptions{
			ID:          input.Body.ID,
			DocType:     input.Body.DocType,
			Title:       input.Body.Title,
			InitiatorID: initiator,
			RouteNode:   input.Body.RouteNode,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DocumentResponse `json:"body"`
		}{Body: documentResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-documents",
		Method:      http.MethodGet,
		Path:        "/documents",
		Summary:     "List documents",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*struct {
		Body []DocumentResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListDocuments(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DocumentResponse `json:"body"`
		}{Body: mapDocuments(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-document",
		Method:      http.MethodGet,
		Path:        "/documents/{document_id}",
		Summary:     "Get document",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DocumentID string `path:"document_id"`
	}) (*struct {
		Body DocumentResponse `json:"body"`
	}, error) {
		d, err := e.Repo.GetDocument(ctx, input.DocumentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DocumentResponse `json:"body"`
		}{Body: documentResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "document-log",
		Method:      http.MethodGet,
		Path:        "/documents/{document_id}/log",
		Summary:     "Document route log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DocumentID string `path:"document_id"`
	}) (*struct {
		Body struct {
			Actions []ActionTakenResponse `json:"actions"`
			Events  []EventResponse       `json:"events"`
		} `json:"body"`
	}, error) {
		if _, err := e.Repo.GetDocument(ctx, input.DocumentID); err != nil {
			return nil, handleError(err)
		}
		actions, err := e.Repo.ListActionsTaken(ctx, input.DocumentID)
		if err != nil {
			return nil, handleError(err)
		}
		evts, err := e.Repo.EventsAfter(ctx, 1000, 0, input.DocumentID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Actions []ActionTakenResponse `json:"actions"`
				Events  []EventResponse       `json:"events"`
			} `json:"body"`
		}{}
		out.Body.Actions = mapActionsTaken(actions)
		out.Body.Events = mapEvents(evts)
		return out, nil
	})
}

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "resolve-requests",
		Method:        http.MethodPost,
		Path:          "/documents/{document_id}/requests",
		Summary:       "Resolve action requests",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		DocumentID string                 `path:"document_id"`
		Body       ResolveRequestsRequest `json:"body"`
	}) (*struct {
		Body ResolveRequestsResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if len(input.Body.Requests) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "requests are required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		specs := make([]engine.RequestSpec, 0, len(input.Body.Requests))
		for _, dto := range input.Body.Requests {
			specs = append(specs, dto.toSpec())
		}
		result, err := e.ResolveRequests(ctx, input.DocumentID, input.Body.RouteNode, specs, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResolveRequestsResponse `json:"body"`
		}{Body: resolveResponse(result)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/documents/{document_id}/requests",
		Summary:     "Current request forest",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DocumentID string `path:"document_id"`
	}) (*struct {
		Body []ActionRequestResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetDocument(ctx, input.DocumentID); err != nil {
			return nil, handleError(err)
		}
		requests, err := e.Repo.ListCurrentRequests(ctx, input.DocumentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ActionRequestResponse `json:"body"`
		}{Body: mapRequests(requests)}, nil
	})
}

func registerActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "take-action",
		Method:        http.MethodPost,
		Path:          "/documents/{document_id}/actions",
		Summary:       "Record action taken",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		DocumentID string            `path:"document_id"`
		Body       TakeActionRequest `json:"body"`
	}) (*struct {
		Body ActionTakenResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		principal := input.Body.Principal
		if principal == "" {
			principal = actorID
		}
		taken, err := e.RecordActionTaken(ctx, engine.ActionOptions{
			DocumentID:  input.DocumentID,
			PrincipalID: principal,
			ActionCode:  input.Body.Action,
			Annotation:  input.Body.Annotation,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionTakenResponse `json:"body"`
		}{Body: actionTakenResponse(taken)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "addressed-requests",
		Method:      http.MethodGet,
		Path:        "/documents/{document_id}/addressed",
		Summary:     "Live requests addressed to a principal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DocumentID string `path:"document_id"`
		Principal  string `query:"principal"`
	}) (*struct {
		Body struct {
			Principal string   `json:"principal"`
			Requests  []string `json:"requests"`
		} `json:"body"`
	}, error) {
		principal := input.Principal
		if principal == "" {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			principal = actorID
		}
		if _, err := e.Repo.GetDocument(ctx, input.DocumentID); err != nil {
			return nil, handleError(err)
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		ids, err := e.Authz.AddressedRequestIDs(ctx, tx, input.DocumentID, principal)
		if err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Principal string   `json:"principal"`
				Requests  []string `json:"requests"`
			} `json:"body"`
		}{}
		out.Body.Principal = principal
		out.Body.Requests = ids
		if out.Body.Requests == nil {
			out.Body.Requests = []string{}
		}
		return out, nil
	})
}

func registerActionList(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "action-list",
		Method:      http.MethodGet,
		Path:        "/actionlist",
		Summary:     "Consolidated action list",
	}, func(ctx context.Context, input *struct {
		Principal string `query:"principal"`
	}) (*struct {
		Body []ActionListEntryResponse `json:"body"`
	}, error) {
		principal := input.Principal
		if principal == "" {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			principal = actorID
		}
		entries, err := e.ActionList(ctx, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ActionListEntryResponse `json:"body"`
		}{Body: mapActionList(entries)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "action-items",
		Method:      http.MethodGet,
		Path:        "/actionitems",
		Summary:     "Pending action items",
	}, func(ctx context.Context, input *struct {
		Principal string `query:"principal"`
		Document  string `query:"document"`
	}) (*struct {
		Body []ActionItemResponse `json:"body"`
	}, error) {
		principal := input.Principal
		if principal == "" {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			principal = actorID
		}
		items, err := e.PendingActionItems(ctx, principal, input.Document)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ActionItemResponse `json:"body"`
		}{Body: mapItems(items)}, nil
	})
}

func registerGroups(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-group",
		Method:        http.MethodPost,
		Path:          "/groups",
		Summary:       "Create group",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateGroupRequest `json:"body"`
	}) (*struct {
		Body GroupResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id := input.Body.ID
		if id == "" && input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id or name is required", nil)
		}
		if id == "" {
			id = input.Body.Name
		}
		g, err := e.CreateGroup(ctx, id, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GroupResponse `json:"body"`
		}{Body: groupResponse(g)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-groups",
		Method:      http.MethodGet,
		Path:        "/groups",
		Summary:     "List groups",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []GroupResponse `json:"body"`
	}, error) {
		items, err := e.Identity.ListGroups(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []GroupResponse `json:"body"`
		}{Body: mapGroups(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-group",
		Method:      http.MethodGet,
		Path:        "/groups/{group_id}",
		Summary:     "Get group",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GroupID string `path:"group_id"`
	}) (*struct {
		Body GroupResponse `json:"body"`
	}, error) {
		g, err := e.Identity.GetGroup(ctx, input.GroupID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GroupResponse `json:"body"`
		}{Body: groupResponse(g)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-group-member",
		Method:      http.MethodPut,
		Path:        "/groups/{group_id}/members",
		Summary:     "Add group member",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		GroupID string            `path:"group_id"`
		Body    MembershipRequest `json:"body"`
	}) (*struct {
		Body engine.PropagationResult `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		result, err := e.AddGroupMember(ctx, input.GroupID, input.Body.MemberID, input.Body.MemberType, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.PropagationResult `json:"body"`
		}{Body: result}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-group-member",
		Method:      http.MethodDelete,
		Path:        "/groups/{group_id}/members/{member_id}",
		Summary:     "Remove group member",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GroupID    string `path:"group_id"`
		MemberID   string `path:"member_id"`
		MemberType string `query:"member_type" enum:"principal,group"`
	}) (*struct {
		Body engine.PropagationResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		memberType := input.MemberType
		if memberType == "" {
			memberType = "principal"
		}
		result, err := e.RemoveGroupMember(ctx, input.GroupID, input.MemberID, memberType, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.PropagationResult `json:"body"`
		}{Body: result}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "propagate-group",
		Method:      http.MethodPost,
		Path:        "/groups/{group_id}/propagate",
		Summary:     "Propagate membership change",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		GroupID string `path:"group_id"`
	}) (*struct {
		Body engine.PropagationResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		result, err := e.PropagateMembershipChange(ctx, input.GroupID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.PropagationResult `json:"body"`
		}{Body: result}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest events",
	}, func(ctx context.Context, input *struct {
		Limit    int    `query:"limit"`
		Document string `query:"document"`
		Type     string `query:"type"`
		Kind     string `query:"kind"`
		Entity   string `query:"entity"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		evts, err := e.Repo.LatestEvents(ctx, limit, input.Document, input.Type, input.Kind, input.Entity)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(evts)}, nil
	})
}
