package server

import (
	"crewline/internal/domain"
	"crewline/internal/publish"
	"crewline/internal/readiness"
	"crewline/internal/reconcile"
	"crewline/internal/selection"
)

type workPath struct {
	WorkID string `path:"work_id"`
}

type createWorkBody struct {
	ID          string   `json:"id,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	ParentID    string   `json:"parent_id,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	RootBranch  string   `json:"root_branch,omitempty"`
}

type createWorkInput struct {
	Body createWorkBody
}

type workOutput struct {
	Body domain.WorkItem
}

type listWorkInput struct {
	Status   string `query:"status" enum:"deferred,open,in_progress,blocked,closed" required:"false"`
	ParentID string `query:"parent_id" required:"false"`
	Assignee string `query:"assignee" required:"false"`
	TopLevel bool   `query:"top_level" required:"false"`
	Limit    int    `query:"limit" required:"false"`
}

type listWorkOutput struct {
	Body []domain.WorkItem
}

type updateWorkBody struct {
	Status        string   `json:"status,omitempty" enum:"deferred,open,in_progress,blocked,closed,"`
	Force         bool     `json:"force,omitempty"`
	WorkBranch    *string  `json:"work_branch,omitempty"`
	ParentBranch  *string  `json:"parent_branch,omitempty"`
	RootBranch    *string  `json:"root_branch,omitempty"`
	IntegratedSHA *string  `json:"integrated_sha,omitempty"`
	ReviewCursor  *string  `json:"review_cursor,omitempty"`
	AddDependsOn  []string `json:"add_depends_on,omitempty"`
}

type updateWorkInput struct {
	WorkID string `path:"work_id"`
	Body   updateWorkBody
}

type runnableOutput struct {
	Body []readiness.Leaf
}

type claimOutput struct {
	Body domain.Claim
}

type agentPath struct {
	AgentID string `path:"agent_id"`
}

type agentOutput struct {
	Body domain.Agent
}

type agentsOutput struct {
	Body []domain.Agent
}

type sendMessageBody struct {
	Kind          string `json:"kind" enum:"direct,queue,channel"`
	Recipient     string `json:"recipient,omitempty"`
	Channel       string `json:"channel,omitempty"`
	ThreadID      string `json:"thread_id,omitempty"`
	Body          string `json:"body"`
	RetentionDays int    `json:"retention_days,omitempty"`
}

type sendMessageInput struct {
	Body sendMessageBody
}

type messageOutput struct {
	Body domain.Message
}

type messagesOutput struct {
	Body []domain.Message
}

type messagePath struct {
	MessageID string `path:"message_id"`
}

type nextInput struct {
	Body struct {
		Mode   string `json:"mode,omitempty" enum:"prompt,auto,"`
		EpicID string `json:"epic_id,omitempty"`
	}
}

type nextOutput struct {
	Body selection.Outcome
}

type decisionOutput struct {
	Body publish.Decision
}

type reconcileOutput struct {
	Body reconcile.Report
}

type eventsInput struct {
	Limit      int    `query:"limit" required:"false"`
	Type       string `query:"type" required:"false"`
	EntityKind string `query:"entity_kind" required:"false"`
	EntityID   string `query:"entity_id" required:"false"`
}

type eventsOutput struct {
	Body []domain.Event
}

type statusOutput struct {
	Body map[string]any
}
