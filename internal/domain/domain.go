package domain

// WorkItem is the shared record shape for epics and changesets.
// Role (epic vs changeset) is inferred from the graph, never stored.
// Labels are descriptive metadata only; control flow never consults them.
type WorkItem struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	ParentID      *string  `json:"parent_id,omitempty"`
	Status        string   `json:"status" enum:"deferred,open,in_progress,blocked,closed"`
	Assignee      *string  `json:"assignee,omitempty"`
	Labels        []string `json:"labels,omitempty"`
	DependsOn     []string `json:"depends_on,omitempty"`
	RootBranch    *string  `json:"root_branch,omitempty"`
	WorkBranch    *string  `json:"work_branch,omitempty"`
	ParentBranch  *string  `json:"parent_branch,omitempty"`
	IntegratedSHA *string  `json:"integrated_sha,omitempty"`
	ReviewCursor  *string  `json:"review_cursor,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	UpdatedAt     string   `json:"updated_at" format:"date-time"`
	ClosedAt      *string  `json:"closed_at,omitempty" format:"date-time"`
}

// Agent is a stable identity with at most one active hook.
type Agent struct {
	ID          string  `json:"id"`
	HookWorkID  *string `json:"hook_work_id,omitempty"`
	HeartbeatAt string  `json:"heartbeat_at" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// Message is a direct, queue or channel record. Queue items require an
// explicit claim before being acted on.
type Message struct {
	ID            string  `json:"id"`
	Sender        string  `json:"sender"`
	Recipient     *string `json:"recipient,omitempty"`
	Channel       *string `json:"channel,omitempty"`
	ThreadID      *string `json:"thread_id,omitempty"`
	Body          string  `json:"body"`
	ClaimedBy     *string `json:"claimed_by,omitempty"`
	ClaimedAt     *string `json:"claimed_at,omitempty" format:"date-time"`
	RetentionDays *int    `json:"retention_days,omitempty"`
	ExpiresAt     *string `json:"expires_at,omitempty" format:"date-time"`
	Read          bool    `json:"read"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	ClosedAt      *string `json:"closed_at,omitempty" format:"date-time"`
}

// PRSignal is a cached snapshot of external pull-request state. It informs
// the publish gate and the reconciliation scanner; it never gates a
// lifecycle transition by itself.
type PRSignal struct {
	WorkID         string `json:"work_id"`
	State          string `json:"state" enum:"none,open,draft,merged,closed"`
	ReviewDecision string `json:"review_decision,omitempty"`
	Mergeable      *bool  `json:"mergeable,omitempty"`
	MergeState     string `json:"merge_state,omitempty"`
	MergeCommit    string `json:"merge_commit,omitempty"`
	URL            string `json:"url,omitempty"`
	ObservedAt     string `json:"observed_at" format:"date-time"`
}

// Claim is the binding of one work item to one agent identity.
type Claim struct {
	WorkID    string `json:"work_id"`
	AgentID   string `json:"agent_id"`
	Token     string `json:"token"`
	ClaimedAt string `json:"claimed_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
