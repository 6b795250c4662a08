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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/sammyslee/if.then.fund/internal/domain"
	"github.com/sammyslee/if.then.fund/internal/engine"
	"github.com/sammyslee/if.then.fund/internal/geo"
	"github.com/sammyslee/if.then.fund/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"trigger t1 is executed; cannot vacate"`
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

// New returns an HTTP handler exposing the contribution engine API.
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
	hcfg := huma.DefaultConfig("if.then.fund API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTriggers(group, cfg.Engine)
	registerPledges(group, cfg.Engine)
	registerExecutions(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
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
	var ise *engine.InvalidStateError
	if errors.As(err, &ise) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), map[string]any{
			"entity": ise.Entity, "id": ise.ID, "status": ise.Status,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, geo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "district_not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "transition"):
		return newAPIError(http.StatusConflict, "invalid_state", msg, nil)
	case strings.Contains(lowered, "already"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "required"),
		strings.Contains(lowered, "must be"),
		strings.Contains(lowered, "out of range"),
		strings.Contains(lowered, "unknown"),
		strings.Contains(lowered, "at least"),
		strings.Contains(lowered, "duplicate"):
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
    <title>if.then.fund API Docs</title>
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

func registerTriggers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-trigger",
		Method:        http.MethodPost,
		Path:          "/triggers",
		Summary:       "Create trigger",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTriggerRequest `json:"body"`
	}) (*struct {
		Body TriggerResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		outcomes := make([]domain.Outcome, len(input.Body.Outcomes))
		for i, o := range input.Body.Outcomes {
			outcomes[i] = domain.Outcome{VoteKey: o.VoteKey, Label: o.Label}
		}
		t, err := e.CreateTrigger(ctx, engine.TriggerCreateOptions{
			Key:         input.Body.Key,
			Title:       input.Body.Title,
			Slug:        input.Body.Slug,
			Description: input.Body.Description,
			Outcomes:    outcomes,
			MaxSplit:    input.Body.MaxSplit,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TriggerResponse `json:"body"`
		}{Body: triggerResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-trigger-from-bill",
		Method:        http.MethodPost,
		Path:          "/triggers/from-bill",
		Summary:       "Create trigger from a bill",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body struct {
			BillID  string `json:"bill_id"`
			Chamber string `json:"chamber" enum:"senate,house,s,h"`
		} `json:"body"`
	}) (*struct {
		Body TriggerResponse `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.BillID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "bill_id is required", nil)
		}
		t, err := e.CreateTriggerFromBill(ctx, input.Body.BillID, input.Body.Chamber, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TriggerResponse `json:"body"`
		}{Body: triggerResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-triggers",
		Method:      http.MethodGet,
		Path:        "/triggers",
		Summary:     "List triggers",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"draft,open,paused,executed,vacated,"`
	}) (*struct {
		Body []TriggerResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListTriggers(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TriggerResponse `json:"body"`
		}{Body: mapTriggers(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-trigger",
		Method:      http.MethodGet,
		Path:        "/triggers/{trigger_id}",
		Summary:     "Get trigger",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TriggerID string `path:"trigger_id"`
	}) (*struct {
		Body TriggerResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTrigger(ctx, input.TriggerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TriggerResponse `json:"body"`
		}{Body: triggerResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-trigger-status",
		Method:      http.MethodPost,
		Path:        "/triggers/{trigger_id}/status",
		Summary:     "Open or pause a trigger",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TriggerID string `path:"trigger_id"`
		Body      struct {
			Status string `json:"status" enum:"open,paused"`
		} `json:"body"`
	}) (*struct {
		Body TriggerResponse `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.SetTriggerStatus(ctx, input.TriggerID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TriggerResponse `json:"body"`
		}{Body: triggerResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "execute-trigger",
		Method:        http.MethodPost,
		Path:          "/triggers/{trigger_id}/execute",
		Summary:       "Execute trigger from explicit actor outcomes",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TriggerID string `path:"trigger_id"`
		Body      struct {
			ActionTime  string `json:"action_time" format:"date-time"`
			Description string `json:"description,omitempty"`
			Outcomes    []struct {
				ActorID            string  `json:"actor_id"`
				Outcome            *int    `json:"outcome,omitempty"`
				ReasonForNoOutcome *string `json:"reason_for_no_outcome,omitempty"`
			} `json:"outcomes"`
		} `json:"body"`
	}) (*struct {
		Body TriggerExecutionResponse `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actionTime, err := time.Parse(time.RFC3339, input.Body.ActionTime)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "action_time must be RFC 3339", nil)
		}
		outcomes := make([]engine.ActorOutcome, len(input.Body.Outcomes))
		for i, o := range input.Body.Outcomes {
			outcomes[i] = engine.ActorOutcome{
				ActorID:            o.ActorID,
				Outcome:            o.Outcome,
				ReasonForNoOutcome: o.ReasonForNoOutcome,
			}
		}
		te, err := e.ExecuteTrigger(ctx, input.TriggerID, actionTime, input.Body.Description, outcomes, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TriggerExecutionResponse `json:"body"`
		}{Body: triggerExecutionResponse(te)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "execute-trigger-from-vote",
		Method:        http.MethodPost,
		Path:          "/triggers/{trigger_id}/execute-vote",
		Summary:       "Execute trigger from a roll call vote",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TriggerID string `path:"trigger_id"`
		Body      struct {
			VoteURL string `json:"vote_url"`
		} `json:"body"`
	}) (*struct {
		Body TriggerExecutionResponse `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.VoteURL == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "vote_url is required", nil)
		}
		te, err := e.ExecuteTriggerFromVote(ctx, input.TriggerID, input.Body.VoteURL, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TriggerExecutionResponse `json:"body"`
		}{Body: triggerExecutionResponse(te)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "vacate-trigger",
		Method:      http.MethodPost,
		Path:        "/triggers/{trigger_id}/vacate",
		Summary:     "Vacate trigger",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TriggerID string `path:"trigger_id"`
	}) (*struct {
		Body TriggerResponse `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.VacateTrigger(ctx, input.TriggerID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TriggerResponse `json:"body"`
		}{Body: triggerResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-trigger-execution",
		Method:      http.MethodGet,
		Path:        "/triggers/{trigger_id}/execution",
		Summary:     "Get trigger execution with actions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TriggerID string `path:"trigger_id"`
	}) (*struct {
		Body struct {
			Execution TriggerExecutionResponse `json:"execution"`
			Actions   []ActionResponse         `json:"actions"`
		} `json:"body"`
	}, error) {
		te, err := e.Repo.GetTriggerExecutionByTrigger(ctx, input.TriggerID)
		if err != nil {
			return nil, handleError(err)
		}
		actions, err := e.Repo.ListActionsByExecution(ctx, te.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Execution TriggerExecutionResponse `json:"execution"`
				Actions   []ActionResponse         `json:"actions"`
			} `json:"body"`
		}{}
		out.Body.Execution = triggerExecutionResponse(te)
		out.Body.Actions = mapActions(actions)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-trigger-outcomes",
		Method:      http.MethodGet,
		Path:        "/triggers/{trigger_id}/outcomes",
		Summary:     "Per-outcome contribution totals",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TriggerID string `path:"trigger_id"`
	}) (*struct {
		Body []OutcomeTotalResponse `json:"body"`
	}, error) {
		totals, err := e.GetTriggerOutcomeTotals(ctx, input.TriggerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []OutcomeTotalResponse `json:"body"`
		}{Body: mapOutcomeTotals(totals)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-trigger-pledges",
		Method:      http.MethodGet,
		Path:        "/triggers/{trigger_id}/pledges",
		Summary:     "List pledges for a trigger",
	}, func(ctx context.Context, input *struct {
		TriggerID string `path:"trigger_id"`
	}) (*struct {
		Body []PledgeResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListPledgesByTrigger(ctx, input.TriggerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PledgeResponse `json:"body"`
		}{Body: mapPledges(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-trigger-notices",
		Method:      http.MethodPost,
		Path:        "/triggers/{trigger_id}/notices/{phase}",
		Summary:     "Stamp pre- or post-execution notices on pledges",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TriggerID string `path:"trigger_id"`
		Phase     string `path:"phase" enum:"pre,post"`
	}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var marked int
		var err error
		switch input.Phase {
		case "pre":
			marked, err = e.MarkPreExecutionNotices(ctx, input.TriggerID, actorID)
		case "post":
			marked, err = e.MarkPostExecutionNotices(ctx, input.TriggerID, actorID)
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "phase must be pre or post", nil)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"marked": marked}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-trigger-pledges",
		Method:      http.MethodPost,
		Path:        "/triggers/{trigger_id}/execute-pledges",
		Summary:     "Run the distribution engine over all open pledges",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TriggerID string `path:"trigger_id"`
	}) (*struct {
		Body []PledgeExecutionResponse `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		executed, err := e.ExecuteOpenPledges(ctx, input.TriggerID, actorID)
		if err != nil && len(executed) == 0 {
			return nil, handleError(err)
		}
		// Partial failures are reported as successes for the pledges
		// that did execute; the failures stay open for a later sweep.
		out := make([]PledgeExecutionResponse, len(executed))
		for i, pe := range executed {
			out[i] = pledgeExecutionResponse(pe)
		}
		return &struct {
			Body []PledgeExecutionResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerPledges(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-pledge",
		Method:        http.MethodPost,
		Path:          "/pledges",
		Summary:       "Create pledge",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreatePledgeRequest `json:"body"`
	}) (*struct {
		Body PledgeResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.TriggerID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "trigger_id is required", nil)
		}
		amount, err := decimal.NewFromString(input.Body.Amount)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "amount must be a decimal string", nil)
		}
		opts := engine.PledgeCreateOptions{
			TriggerID:         input.Body.TriggerID,
			Email:             input.Body.Email,
			DesiredOutcome:    input.Body.DesiredOutcome,
			Amount:            amount,
			IncumbChallgr:     input.Body.IncumbChallgr,
			FilterCompetitive: input.Body.FilterCompetitive,
			CCLastFour:        input.Body.CCLastFour,
			ActorID:           actorID,
		}
		if input.Body.FilterParty != nil {
			opts.FilterParty = *input.Body.FilterParty
		}
		// A pledge made over the API without an email belongs to the
		// authenticated user.
		if input.Body.Email == "" {
			opts.UserID = actorID
		}
		p, err := e.CreatePledge(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PledgeResponse `json:"body"`
		}{Body: pledgeResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-pledge",
		Method:      http.MethodGet,
		Path:        "/pledges/{pledge_id}",
		Summary:     "Get pledge",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PledgeID string `path:"pledge_id"`
	}) (*struct {
		Body PledgeResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetPledge(ctx, input.PledgeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PledgeResponse `json:"body"`
		}{Body: pledgeResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-pledge",
		Method:      http.MethodPost,
		Path:        "/pledges/{pledge_id}/confirm",
		Summary:     "Claim an email pledge for the authenticated user",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		PledgeID string `path:"pledge_id"`
	}) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		confirmed, err := e.ConfirmPledgeEmail(ctx, input.PledgeID, userID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: map[string]bool{"confirmed": confirmed}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-pledge",
		Method:      http.MethodDelete,
		Path:        "/pledges/{pledge_id}",
		Summary:     "Cancel pledge",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		PledgeID string `path:"pledge_id"`
	}) (*struct{}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.CancelPledge(ctx, input.PledgeID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "execute-pledge",
		Method:        http.MethodPost,
		Path:          "/pledges/{pledge_id}/execute",
		Summary:       "Execute pledge",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		PledgeID string `path:"pledge_id"`
	}) (*struct {
		Body PledgeExecutionResponse `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		pe, err := e.ExecutePledge(ctx, input.PledgeID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PledgeExecutionResponse `json:"body"`
		}{Body: pledgeExecutionResponse(pe)}, nil
	})
}

func registerExecutions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-pledge-execution",
		Method:      http.MethodGet,
		Path:        "/pledge-executions/{execution_id}",
		Summary:     "Get pledge execution",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExecutionID string `path:"execution_id"`
	}) (*struct {
		Body PledgeExecutionResponse `json:"body"`
	}, error) {
		pe, err := e.Repo.GetPledgeExecution(ctx, input.ExecutionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PledgeExecutionResponse `json:"body"`
		}{Body: pledgeExecutionResponse(pe)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-execution-contributions",
		Method:      http.MethodGet,
		Path:        "/pledge-executions/{execution_id}/contributions",
		Summary:     "List contributions of a pledge execution",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExecutionID string `path:"execution_id"`
	}) (*struct {
		Body []ContributionResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetPledgeExecution(ctx, input.ExecutionID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListContributionsByPledgeExecution(ctx, input.ExecutionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ContributionResponse `json:"body"`
		}{Body: mapContributions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "undo-pledge-execution",
		Method:      http.MethodPost,
		Path:        "/pledge-executions/{execution_id}/undo",
		Summary:     "Undo a pledge execution",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ExecutionID string `path:"execution_id"`
		Body        struct {
			AllowCredit bool `json:"allow_credit,omitempty"`
		} `json:"body"`
	}) (*struct{}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.UndoPledgeExecution(ctx, input.ExecutionID, input.Body.AllowCredit, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-execution-district",
		Method:      http.MethodPost,
		Path:        "/pledge-executions/{execution_id}/district",
		Summary:     "Set the district of a pledge execution",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExecutionID string `path:"execution_id"`
		Body        struct {
			District    string `json:"district"`
			GeocodeJSON string `json:"geocode_json,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body PledgeExecutionResponse `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.District == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "district is required", nil)
		}
		if err := e.UpdateDistrict(ctx, input.ExecutionID, input.Body.District, input.Body.GeocodeJSON, actorID); err != nil {
			return nil, handleError(err)
		}
		pe, err := e.Repo.GetPledgeExecution(ctx, input.ExecutionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PledgeExecutionResponse `json:"body"`
		}{Body: pledgeExecutionResponse(pe)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-execution-district",
		Method:      http.MethodPost,
		Path:        "/pledge-executions/{execution_id}/resolve-district",
		Summary:     "Geocode an address and back-fill the district",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExecutionID string `path:"execution_id"`
		Body        struct {
			Line1 string `json:"line1,omitempty"`
			City  string `json:"city,omitempty"`
			State string `json:"state"`
			Zip   string `json:"zip"`
		} `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		addr := geo.Address{
			Line1: input.Body.Line1,
			City:  input.Body.City,
			State: input.Body.State,
			Zip:   input.Body.Zip,
		}
		district, err := e.ResolveDistrict(ctx, input.ExecutionID, addr, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"district": district}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest audit events",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" minimum:"1" maximum:"500"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		items, err := e.Repo.LatestEvents(ctx, limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}
