package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"phaseline/internal/config"
	"phaseline/internal/coordinator"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine      *engine.Engine
	Coordinator *coordinator.Coordinator
	Repo        repo.Repo
	Conf        *config.Config
	BasePath    string
	Auth        AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"no_applicable_rule"`
	Message string         `json:"message" example:"no rule covers this transition"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Phaseline API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Phaseline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg)
	registerTriggers(group, cfg)
	registerTransitions(group, cfg)
	registerApprovals(group, cfg)
	registerMeetings(group, cfg)
	registerStats(group, cfg)
	registerSync(group, cfg)
	registerEvents(group, cfg)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg)

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
	switch {
	case errors.Is(err, engine.ErrUnknownProject), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrPhaseMismatch):
		return newAPIError(http.StatusConflict, "phase_mismatch", err.Error(), nil)
	case errors.Is(err, engine.ErrNoApplicableRule):
		return newAPIError(http.StatusUnprocessableEntity, "no_applicable_rule", err.Error(), nil)
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
		fmt.Fprint(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Phaseline API Docs</title>
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

func registerProjects(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		now := cfg.Engine.Now().UTC().Format(time.RFC3339)
		p := domain.Project{
			ID:          input.Body.ID,
			Name:        input.Body.Name,
			Phase:       domain.PhasePaymentPending,
			Description: input.Body.Description,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := cfg.Repo.InsertProject(ctx, p); err != nil {
			return nil, handleError(err)
		}
		if err := cfg.Repo.UpsertProjectConfig(ctx, p.ID, config.Default(p.ID)); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := cfg.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project-config",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/config",
		Summary:     "Get project config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectConfigResponse `json:"body"`
	}, error) {
		c, err := cfg.Repo.GetProjectConfig(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectConfigResponse `json:"body"`
		}{Body: configResponse(c)}, nil
	})
}

func registerTriggers(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "trigger-payment",
		Method:      http.MethodPost,
		Path:        "/triggers/payment",
		Summary:     "Report a completed payment",
		Description: "Applies the matching transition if one exists; otherwise the notification is dropped without error.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body PaymentTriggerRequest `json:"body"`
	}) (*struct {
		Body TriggerResponse `json:"body"`
	}, error) {
		if input.Body.ProjectID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "project_id is required", nil)
		}
		payment := domain.PaymentRecord{
			ID:        input.Body.PaymentID,
			ProjectID: input.Body.ProjectID,
			Amount:    input.Body.Amount,
			Currency:  input.Body.Currency,
		}
		if payment.ID == "" {
			payment.ID = uuid.New().String()
		}
		evt, err := cfg.Engine.TriggerPaymentCompleted(ctx, input.Body.ProjectID, payment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TriggerResponse `json:"body"`
		}{Body: triggerResponse(evt)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "trigger-meeting",
		Method:      http.MethodPost,
		Path:        "/triggers/meeting",
		Summary:     "Report a completed meeting",
		Description: "Records the meeting and applies the matching transition if one exists.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body MeetingTriggerRequest `json:"body"`
	}) (*struct {
		Body TriggerResponse `json:"body"`
	}, error) {
		if input.Body.ProjectID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "project_id is required", nil)
		}
		if input.Body.Type == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "type is required", nil)
		}
		meeting := domain.GuideMeetingRecord{
			ID:              input.Body.MeetingID,
			ProjectID:       input.Body.ProjectID,
			Type:            input.Body.Type,
			CalendarEventID: input.Body.CalendarEventID,
			Date:            input.Body.Date,
			Attendees:       input.Body.Attendees,
			Outcomes:        input.Body.Outcomes,
			NextSteps:       input.Body.NextSteps,
		}
		if meeting.ID == "" {
			meeting.ID = uuid.New().String()
		}
		if meeting.Date == "" {
			meeting.Date = cfg.Engine.Now().UTC().Format(time.RFC3339)
		}
		actor := actorFromContext(ctx)
		if err := cfg.Repo.InsertMeeting(ctx, meeting); err != nil {
			return nil, handleError(err)
		}
		evt, err := cfg.Engine.TriggerMeetingCompleted(ctx, input.Body.ProjectID, meeting, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TriggerResponse `json:"body"`
		}{Body: triggerResponse(evt)}, nil
	})
}

func registerTransitions(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "request-transition",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/transitions",
		Summary:       "Request a manual transition",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string                  `path:"project_id"`
		Body      ManualTransitionRequest `json:"body"`
	}) (*struct {
		Body domain.TransitionEvent `json:"body"`
	}, error) {
		from := domain.Phase(input.Body.From)
		to := domain.Phase(input.Body.To)
		if !from.Valid() || !to.Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "from and to must be valid phases", nil)
		}
		evt, err := cfg.Engine.RequestManualTransition(ctx, input.ProjectID, from, to, actorFromContext(ctx), input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TransitionEvent `json:"body"`
		}{Body: *evt}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-transitions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/transitions",
		Summary:     "Transition history",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []domain.TransitionEvent `json:"body"`
	}, error) {
		return &struct {
			Body []domain.TransitionEvent `json:"body"`
		}{Body: cfg.Engine.History(input.ProjectID)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "available-transitions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/transitions/available",
		Summary:     "Transitions leaving the current phase",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body AvailableTransitionsResponse `json:"body"`
	}, error) {
		automatic, manual, err := cfg.Engine.AvailableTransitions(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AvailableTransitionsResponse `json:"body"`
		}{Body: AvailableTransitionsResponse{Automatic: automatic, Manual: manual}}, nil
	})
}

func registerApprovals(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "Pending approval requests",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.ApprovalRequest `json:"body"`
	}, error) {
		items := cfg.Engine.PendingApprovals()
		if items == nil {
			items = []domain.ApprovalRequest{}
		}
		return &struct {
			Body []domain.ApprovalRequest `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-transition",
		Method:      http.MethodPost,
		Path:        "/approvals/{approval_id}/approve",
		Summary:     "Approve a gated transition",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ApprovalID string `path:"approval_id"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		if _, ok := cfg.Engine.GetApproval(input.ApprovalID); !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "approval not found", nil)
		}
		ok, err := cfg.Engine.ApproveTransition(ctx, input.ApprovalID, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: DecisionResponse{Resolved: ok}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-transition",
		Method:      http.MethodPost,
		Path:        "/approvals/{approval_id}/reject",
		Summary:     "Reject a gated transition",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ApprovalID string        `path:"approval_id"`
		Body       RejectRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		if _, ok := cfg.Engine.GetApproval(input.ApprovalID); !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "approval not found", nil)
		}
		ok, err := cfg.Engine.RejectTransition(ctx, input.ApprovalID, actorFromContext(ctx), input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: DecisionResponse{Resolved: ok}}, nil
	})
}

func registerMeetings(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-meetings",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/meetings",
		Summary:     "Recorded meetings",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []domain.GuideMeetingRecord `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListMeetings(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.GuideMeetingRecord{}
		}
		return &struct {
			Body []domain.GuideMeetingRecord `json:"body"`
		}{Body: items}, nil
	})
}

func registerStats(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "transition-stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Transition statistics",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatsResponse `json:"body"`
	}, error) {
		return &struct {
			Body StatsResponse `json:"body"`
		}{Body: statsResponse(cfg.Engine.Stats())}, nil
	})
}

func registerSync(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "sync-stats",
		Method:      http.MethodGet,
		Path:        "/sync/stats",
		Summary:     "Event coordinator statistics",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SyncStatsResponse `json:"body"`
	}, error) {
		if cfg.Coordinator == nil {
			return &struct {
				Body SyncStatsResponse `json:"body"`
			}{}, nil
		}
		return &struct {
			Body SyncStatsResponse `json:"body"`
		}{Body: syncStatsResponse(cfg.Coordinator.Settings(), cfg.Coordinator.GetStats())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "sync-event",
		Method:        http.MethodPost,
		Path:          "/sync/events",
		Summary:       "Enqueue an external sync event",
		Description:   "Accepts a calendar- or engine-sourced event into the coordinator queue. Duplicates inside the dedup window are dropped.",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body SyncEventRequest `json:"body"`
	}) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		if cfg.Coordinator == nil {
			return nil, newAPIError(http.StatusConflict, "sync_disabled", "sync is not enabled", nil)
		}
		if input.Body.Type == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "type is required", nil)
		}
		switch input.Body.Source {
		case coordinator.SourceEngine, coordinator.SourceCalendar:
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "source must be engine or calendar", nil)
		}
		accepted := cfg.Coordinator.HandleTagged(input.Body.Source, input.Body.ID, input.Body.Type, input.Body.Payload)
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: map[string]bool{"accepted": accepted}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-flush",
		Method:      http.MethodPost,
		Path:        "/sync/flush",
		Summary:     "Flush the coordinator queue now",
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		if cfg.Coordinator != nil {
			cfg.Coordinator.Flush()
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit log (newest first)",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		items, err := cfg.Repo.LatestEvents(ctx, limit, input.ProjectID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}
