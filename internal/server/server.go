// Package server exposes the coordination engine over HTTP for agents that
// run outside the local process.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"crewline/internal/claim"
	"crewline/internal/config"
	"crewline/internal/domain"
	"crewline/internal/faults"
	"crewline/internal/mailbox"
	"crewline/internal/publish"
	"crewline/internal/readiness"
	"crewline/internal/reconcile"
	"crewline/internal/selection"
	"crewline/internal/store"
	"crewline/internal/work"
)

// Config for the HTTP API handler.
type Config struct {
	DB       *sql.DB
	Cfg      *config.Config
	BasePath string
	Auth     AuthConfig
}

// services bundles the engine components the handlers dispatch to.
type services struct {
	cfg       *config.Config
	store     store.Store
	work      work.Service
	arbiter   claim.Arbiter
	mailbox   mailbox.Mailbox
	selection selection.Engine
	scanner   reconcile.Scanner
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"claim_conflict"`
	Message string         `json:"message" example:"work item w1 is held by agent-b"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Crewline API.
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

	svc := services{
		cfg:       cfg.Cfg,
		store:     store.Store{DB: cfg.DB},
		work:      work.NewService(cfg.DB),
		arbiter:   claim.NewArbiter(cfg.DB),
		mailbox:   mailbox.New(cfg.DB),
		selection: selection.NewEngine(cfg.DB, cfg.Cfg),
		scanner:   reconcile.NewScanner(cfg.DB, cfg.Cfg),
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Crewline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, svc)
	registerWork(group, svc)
	registerAgents(group, svc)
	registerClaims(group, svc)
	registerSelection(group, svc)
	registerMessages(group, svc)
	registerPublish(group, svc)
	registerReconcile(group, svc)
	registerEvents(group, svc)
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

// handleError maps engine error codes onto HTTP statuses while keeping the
// code visible in the envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	code := faults.CodeOf(err)
	switch code {
	case faults.ValidationFailed:
		return newAPIError(http.StatusUnprocessableEntity, string(code), err.Error(), nil)
	case faults.DependencyMissing:
		return newAPIError(http.StatusNotFound, string(code), err.Error(), nil)
	case faults.ClaimConflict, faults.PolicyBlocked, faults.UnexpectedState:
		return newAPIError(http.StatusConflict, string(code), err.Error(), nil)
	case faults.ExternalCommandFailed:
		return newAPIError(http.StatusBadGateway, string(code), err.Error(), nil)
	case faults.IOFailed:
		return newAPIError(http.StatusInternalServerError, string(code), err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func staleThreshold(cfg *config.Config) time.Duration {
	return time.Duration(cfg.Agents.StaleClaimMinutes) * time.Minute
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerStatus(api huma.API, svc services) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Workspace status",
	}, func(ctx context.Context, _ *struct{}) (*statusOutput, error) {
		counts, err := svc.store.CountByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		agents, err := svc.store.ListAgents(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &statusOutput{Body: map[string]any{
			"workspace_id": svc.cfg.Workspace.ID,
			"strategy":     svc.cfg.Publish.Strategy,
			"work_counts":  counts,
			"agents":       len(agents),
		}}, nil
	})
}

func registerWork(api huma.API, svc services) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-work",
		Method:        http.MethodPost,
		Path:          "/work",
		Summary:       "Create work item",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *createWorkInput) (*workOutput, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := svc.work.Create(ctx, work.CreateOptions{
			ID:          input.Body.ID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			ParentID:    input.Body.ParentID,
			DependsOn:   input.Body.DependsOn,
			Labels:      input.Body.Labels,
			RootBranch:  input.Body.RootBranch,
			ActorID:     agentID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &workOutput{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work",
		Method:      http.MethodGet,
		Path:        "/work",
		Summary:     "List work items",
	}, func(ctx context.Context, input *listWorkInput) (*listWorkOutput, error) {
		items, err := svc.store.ListWorkItems(ctx, store.WorkFilters{
			Status:   input.Status,
			ParentID: input.ParentID,
			Assignee: input.Assignee,
			TopLevel: input.TopLevel,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &listWorkOutput{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work",
		Method:      http.MethodGet,
		Path:        "/work/{work_id}",
		Summary:     "Show work item",
	}, func(ctx context.Context, input *workPath) (*workOutput, error) {
		w, err := svc.store.GetWorkItem(ctx, input.WorkID)
		if err != nil {
			return nil, handleError(err)
		}
		return &workOutput{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "work-tree",
		Method:      http.MethodGet,
		Path:        "/work/{work_id}/tree",
		Summary:     "Show work item subtree",
	}, func(ctx context.Context, input *workPath) (*listWorkOutput, error) {
		items, err := svc.store.ListSubtree(ctx, input.WorkID)
		if err != nil {
			return nil, handleError(err)
		}
		return &listWorkOutput{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "promote-work",
		Method:      http.MethodPost,
		Path:        "/work/{work_id}/promote",
		Summary:     "Promote a deferred work item to open",
	}, func(ctx context.Context, input *workPath) (*workOutput, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := svc.work.Promote(ctx, input.WorkID, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &workOutput{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-work",
		Method:      http.MethodPatch,
		Path:        "/work/{work_id}",
		Summary:     "Update status, lineage or dependencies",
	}, func(ctx context.Context, input *updateWorkInput) (*workOutput, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(input.Body.AddDependsOn) > 0 {
			if err := svc.work.AddDependencies(ctx, input.WorkID, input.Body.AddDependsOn, agentID); err != nil {
				return nil, handleError(err)
			}
		}
		if input.Body.WorkBranch != nil || input.Body.ParentBranch != nil || input.Body.RootBranch != nil ||
			input.Body.IntegratedSHA != nil || input.Body.ReviewCursor != nil {
			if _, err := svc.work.SetLineage(ctx, work.LineageOptions{
				ID:            input.WorkID,
				WorkBranch:    input.Body.WorkBranch,
				ParentBranch:  input.Body.ParentBranch,
				RootBranch:    input.Body.RootBranch,
				IntegratedSHA: input.Body.IntegratedSHA,
				ReviewCursor:  input.Body.ReviewCursor,
				ActorID:       agentID,
			}); err != nil {
				return nil, handleError(err)
			}
		}
		if input.Body.Status != "" {
			if _, err := svc.work.SetStatus(ctx, input.WorkID, input.Body.Status, agentID, input.Body.Force); err != nil {
				return nil, handleError(err)
			}
		}
		w, err := svc.store.GetWorkItem(ctx, input.WorkID)
		if err != nil {
			return nil, handleError(err)
		}
		return &workOutput{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "runnable-work",
		Method:      http.MethodGet,
		Path:        "/work/{work_id}/runnable",
		Summary:     "Evaluate readiness of the subtree's leaves",
	}, func(ctx context.Context, input *workPath) (*runnableOutput, error) {
		leaves, err := readiness.Evaluate(ctx, svc.store, input.WorkID)
		if err != nil {
			return nil, handleError(err)
		}
		return &runnableOutput{Body: leaves}, nil
	})
}

func registerAgents(api huma.API, svc services) {
	huma.Register(api, huma.Operation{
		OperationID: "register-agent",
		Method:      http.MethodPut,
		Path:        "/agents/{agent_id}",
		Summary:     "Register an agent or refresh its heartbeat",
	}, func(ctx context.Context, input *agentPath) (*agentOutput, error) {
		a, err := svc.store.EnsureAgent(ctx, input.AgentID, svc.work.Now())
		if err != nil {
			return nil, handleError(err)
		}
		return &agentOutput{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
	}, func(ctx context.Context, _ *struct{}) (*agentsOutput, error) {
		agents, err := svc.store.ListAgents(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &agentsOutput{Body: agents}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Show one agent",
	}, func(ctx context.Context, input *agentPath) (*agentOutput, error) {
		a, err := svc.store.GetAgent(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &agentOutput{Body: a}, nil
	})
}

func registerClaims(api huma.API, svc services) {
	huma.Register(api, huma.Operation{
		OperationID: "claim-work",
		Method:      http.MethodPost,
		Path:        "/work/{work_id}/claim",
		Summary:     "Claim a work item",
	}, func(ctx context.Context, input *workPath) (*claimOutput, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := svc.arbiter.Claim(ctx, agentID, input.WorkID)
		if err != nil {
			return nil, handleError(err)
		}
		return &claimOutput{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "release-work",
		Method:        http.MethodPost,
		Path:          "/work/{work_id}/release",
		Summary:       "Release a claimed work item",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *workPath) (*struct{}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := svc.arbiter.Release(ctx, agentID, input.WorkID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "reclaim-work",
		Method:        http.MethodPost,
		Path:          "/work/{work_id}/reclaim",
		Summary:       "Reclaim a stale claim",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *workPath) (*struct{}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		staleAfter := staleThreshold(svc.cfg)
		if err := svc.arbiter.Reclaim(ctx, agentID, input.WorkID, staleAfter); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerSelection(api huma.API, svc services) {
	huma.Register(api, huma.Operation{
		OperationID: "next-work",
		Method:      http.MethodPost,
		Path:        "/selection/next",
		Summary:     "Run the startup sequence for the calling agent",
	}, func(ctx context.Context, input *nextInput) (*nextOutput, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.EpicID != "" {
			out, err := svc.selection.ClaimAndDescend(ctx, agentID, input.Body.EpicID)
			if err != nil {
				return nil, handleError(err)
			}
			return &nextOutput{Body: out}, nil
		}
		mode := selection.Mode(input.Body.Mode)
		if mode == "" {
			mode = selection.ModePrompt
		}
		out, err := svc.selection.Startup(ctx, agentID, mode)
		if err != nil {
			return nil, handleError(err)
		}
		return &nextOutput{Body: out}, nil
	})
}

func registerMessages(api huma.API, svc services) {
	huma.Register(api, huma.Operation{
		OperationID:   "send-message",
		Method:        http.MethodPost,
		Path:          "/messages",
		Summary:       "Send a direct message, enqueue a queue item or post to a channel",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *sendMessageInput) (*messageOutput, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var (
			msg domain.Message
			err error
		)
		switch input.Body.Kind {
		case "direct":
			msg, err = svc.mailbox.Send(ctx, agentID, input.Body.Recipient, input.Body.ThreadID, input.Body.Body)
		case "queue":
			msg, err = svc.mailbox.Enqueue(ctx, agentID, input.Body.Channel, input.Body.ThreadID, input.Body.Body)
		case "channel":
			retention := input.Body.RetentionDays
			if retention == 0 {
				retention = svc.cfg.Messages.DefaultRetentionDays
			}
			msg, err = svc.mailbox.Post(ctx, agentID, input.Body.Channel, input.Body.Body, retention)
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "kind must be direct, queue or channel", nil)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &messageOutput{Body: msg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "inbox",
		Method:      http.MethodGet,
		Path:        "/inbox",
		Summary:     "Unread direct messages for the calling agent",
	}, func(ctx context.Context, _ *struct{}) (*messagesOutput, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		msgs, err := svc.mailbox.Inbox(ctx, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &messagesOutput{Body: msgs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-message",
		Method:      http.MethodPost,
		Path:        "/messages/{message_id}/claim",
		Summary:     "Claim a queue item",
	}, func(ctx context.Context, input *messagePath) (*messageOutput, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		msg, err := svc.mailbox.Claim(ctx, agentID, input.MessageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &messageOutput{Body: msg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "read-message",
		Method:        http.MethodPost,
		Path:          "/messages/{message_id}/read",
		Summary:       "Mark a message read",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *messagePath) (*struct{}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := svc.mailbox.MarkRead(ctx, agentID, input.MessageID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerPublish(api huma.API, svc services) {
	huma.Register(api, huma.Operation{
		OperationID: "publish-decision",
		Method:      http.MethodPost,
		Path:        "/work/{work_id}/publish/decision",
		Summary:     "Evaluate the publish strategy gate for a changeset",
	}, func(ctx context.Context, input *workPath) (*decisionOutput, error) {
		if _, authErr := agentIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		in, err := publishInput(ctx, svc, input.WorkID)
		if err != nil {
			return nil, handleError(err)
		}
		return &decisionOutput{Body: publish.Decide(in)}, nil
	})
}

func registerReconcile(api huma.API, svc services) {
	huma.Register(api, huma.Operation{
		OperationID: "reconcile",
		Method:      http.MethodPost,
		Path:        "/reconcile",
		Summary:     "Run one reconciliation pass",
	}, func(ctx context.Context, _ *struct{}) (*reconcileOutput, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rep, err := svc.scanner.Run(ctx, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &reconcileOutput{Body: rep}, nil
	})
}

func registerEvents(api huma.API, svc services) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest engine events",
	}, func(ctx context.Context, input *eventsInput) (*eventsOutput, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		evts, err := svc.store.LatestEvents(ctx, limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &eventsOutput{Body: evts}, nil
	})
}

// publishInput assembles the gate's snapshot: the changeset, its epic, the
// epic's leaves and the cached PR signals.
func publishInput(ctx context.Context, svc services, workID string) (publish.Input, error) {
	cs, err := svc.store.GetWorkItem(ctx, workID)
	if err != nil {
		return publish.Input{}, err
	}
	epic := cs
	for epic.ParentID != nil {
		epic, err = svc.store.GetWorkItem(ctx, *epic.ParentID)
		if err != nil {
			return publish.Input{}, err
		}
	}
	items, err := svc.store.ListSubtree(ctx, epic.ID)
	if err != nil {
		return publish.Input{}, err
	}
	children := map[string]int{}
	for _, w := range items {
		if w.ParentID != nil {
			children[*w.ParentID]++
		}
	}
	var leaves []domain.WorkItem
	for _, w := range items {
		if children[w.ID] == 0 {
			leaves = append(leaves, w)
		}
	}
	signals, err := svc.store.SignalsForSubtree(ctx, epic.ID)
	if err != nil {
		return publish.Input{}, err
	}
	return publish.Input{
		Changeset: cs,
		Epic:      epic,
		Siblings:  leaves,
		Signals:   signals,
		Strategy:  svc.cfg.Publish.Strategy,
	}, nil
}
