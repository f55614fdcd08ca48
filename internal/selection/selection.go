// Package selection implements the agent startup sequence: resume an
// interrupted hook, drain the mailbox, pick an epic, claim it, then descend
// to the next runnable changeset inside it.
package selection

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"crewline/internal/claim"
	"crewline/internal/config"
	"crewline/internal/domain"
	"crewline/internal/faults"
	"crewline/internal/lifecycle"
	"crewline/internal/mailbox"
	"crewline/internal/readiness"
	"crewline/internal/store"
)

// Mode controls how an epic is chosen when the agent is idle.
type Mode string

const (
	// ModePrompt presents the candidate list and waits for an explicit
	// choice.
	ModePrompt Mode = "prompt"
	// ModeAuto picks without asking: oldest unassigned epic first, then the
	// agent's own oldest unfinished epic.
	ModeAuto Mode = "auto"
)

// Phase names the point at which the startup sequence stopped.
type Phase string

const (
	PhaseResumed Phase = "resumed"
	PhaseMailbox Phase = "mailbox"
	PhasePrompt  Phase = "prompt"
	PhaseClaimed Phase = "claimed"
	PhaseIdle    Phase = "idle"
)

// Outcome is the result of one startup pass.
type Outcome struct {
	Phase    Phase             `json:"phase"`
	Messages []domain.Message  `json:"messages,omitempty"`
	Resume   []domain.WorkItem `json:"resume,omitempty"`
	Epics    []domain.WorkItem `json:"epics,omitempty"`
	Epic     *domain.WorkItem  `json:"epic,omitempty"`
	Claim    *domain.Claim     `json:"claim,omitempty"`
	Next     *domain.WorkItem  `json:"next,omitempty"`
}

type Engine struct {
	DB      *sql.DB
	Store   store.Store
	Arbiter claim.Arbiter
	Mailbox mailbox.Mailbox
	Config  *config.Config
	Now     func() time.Time
}

func NewEngine(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:      db,
		Store:   store.Store{DB: db},
		Arbiter: claim.NewArbiter(db),
		Mailbox: mailbox.New(db),
		Config:  cfg,
		Now:     time.Now,
	}
}

// Startup runs the whole sequence. Order is fixed: resume before mailbox,
// mailbox before selection, so an agent never picks up new work while an
// interrupted hook or an unread instruction is outstanding.
func (e Engine) Startup(ctx context.Context, agentID string, mode Mode) (Outcome, error) {
	if epic, ok, err := e.resume(ctx, agentID); err != nil {
		return Outcome{}, err
	} else if ok {
		out, err := e.descend(ctx, agentID, epic)
		if err != nil {
			return Outcome{}, err
		}
		out.Phase = PhaseResumed
		return out, nil
	}

	queues := append([]string{agentID}, e.Config.Agents.WatchQueues...)
	pending, err := e.Mailbox.Drain(ctx, agentID, queues...)
	if err != nil {
		return Outcome{}, err
	}
	if len(pending) > 0 {
		return Outcome{Phase: PhaseMailbox, Messages: pending}, nil
	}

	mine, fresh, err := e.candidates(ctx, agentID)
	if err != nil {
		return Outcome{}, err
	}
	if mode == ModePrompt {
		if len(mine) == 0 && len(fresh) == 0 {
			return Outcome{Phase: PhaseIdle}, nil
		}
		return Outcome{Phase: PhasePrompt, Resume: mine, Epics: fresh}, nil
	}

	// Auto mode: oldest new epic, then oldest unfinished epic already on
	// this agent, bounded by the claim retry budget when epics are
	// contested.
	attempts := 0
	for _, epic := range append(fresh, mine...) {
		if attempts >= e.Config.Selection.ClaimRetries {
			break
		}
		attempts++
		out, err := e.ClaimAndDescend(ctx, agentID, epic.ID)
		if faults.Is(err, faults.ClaimConflict) {
			continue
		}
		if err != nil {
			return Outcome{}, err
		}
		return out, nil
	}
	return e.idle(ctx, agentID, "no epic is claimable; nothing runnable or all contested")
}

// ClaimAndDescend claims the epic through the arbiter and picks the next
// runnable changeset within it. A failure after the claim was taken
// releases it before returning, so a crashed pass never strands the epic.
func (e Engine) ClaimAndDescend(ctx context.Context, agentID, epicID string) (Outcome, error) {
	c, err := e.Arbiter.Claim(ctx, agentID, epicID)
	if err != nil {
		return Outcome{}, err
	}
	epic, err := e.Store.GetWorkItem(ctx, epicID)
	if err != nil {
		return Outcome{}, e.releaseAfter(ctx, agentID, epicID, err)
	}
	out, err := e.descend(ctx, agentID, epic)
	if err != nil {
		return Outcome{}, e.releaseAfter(ctx, agentID, epicID, err)
	}
	out.Phase = PhaseClaimed
	out.Claim = &c
	return out, nil
}

func (e Engine) releaseAfter(ctx context.Context, agentID, epicID string, cause error) error {
	if relErr := e.Arbiter.Release(ctx, agentID, epicID); relErr != nil {
		return relErr
	}
	return cause
}

// descend picks the next changeset to execute under an epic the agent
// holds. Leaves with pending review feedback come before newly ready ones,
// each group oldest first; a session finishes addressing feedback before
// starting new scope.
func (e Engine) descend(ctx context.Context, agentID string, epic domain.WorkItem) (Outcome, error) {
	leaves, err := readiness.Evaluate(ctx, e.Store, epic.ID)
	if err != nil {
		return Outcome{}, err
	}
	runnable := readiness.RunnableLeaves(leaves)
	ordered, err := e.orderLeaves(ctx, agentID, runnable)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Epic: &epic}
	if len(ordered) > 0 {
		next := ordered[0]
		out.Next = &next
	}
	return out, nil
}

// resume checks the agent's hook slot. A hook pointing at an epic the agent
// still holds and that is still workable resumes it; anything else clears
// the slot and the sequence continues.
func (e Engine) resume(ctx context.Context, agentID string) (domain.WorkItem, bool, error) {
	agent, err := e.Store.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.WorkItem{}, false, faults.New(faults.DependencyMissing, "agent %s is not registered", agentID)
		}
		return domain.WorkItem{}, false, err
	}
	if agent.HookWorkID == nil {
		return domain.WorkItem{}, false, nil
	}
	w, err := e.Store.GetWorkItem(ctx, *agent.HookWorkID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return domain.WorkItem{}, false, err
	}
	held := err == nil &&
		w.Assignee != nil && *w.Assignee == agentID &&
		!lifecycle.IsTerminal(lifecycle.Status(w.Status))
	if held {
		return w, true, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, false, err
	}
	defer tx.Rollback()
	if err := e.Store.ClearHook(ctx, tx, agentID); err != nil {
		return domain.WorkItem{}, false, err
	}
	return domain.WorkItem{}, false, tx.Commit()
}

// candidates builds the epic candidate sets, both oldest first: the agent's
// own unfinished epics, and unassigned epics with at least one runnable
// leaf. Deferred epics are excluded; promotion is always explicit.
func (e Engine) candidates(ctx context.Context, agentID string) (mine, fresh []domain.WorkItem, err error) {
	tops, err := e.Store.ListWorkItems(ctx, store.WorkFilters{TopLevel: true})
	if err != nil {
		return nil, nil, err
	}
	for _, epic := range tops {
		if !lifecycle.IsRunnableCandidate(lifecycle.Status(epic.Status)) {
			continue
		}
		if epic.Assignee != nil {
			if *epic.Assignee == agentID {
				mine = append(mine, epic)
			}
			continue
		}
		leaves, err := readiness.Evaluate(ctx, e.Store, epic.ID)
		if err != nil {
			return nil, nil, err
		}
		if len(readiness.RunnableLeaves(leaves)) > 0 {
			fresh = append(fresh, epic)
		}
	}
	return mine, fresh, nil
}

// orderLeaves splits runnable leaves into feedback-pending and newly ready,
// keeping each group's oldest-first order. Evaluate already sorted the
// input by creation time then id. Leaves held by another agent are skipped.
func (e Engine) orderLeaves(ctx context.Context, agentID string, items []domain.WorkItem) ([]domain.WorkItem, error) {
	var feedback, ready []domain.WorkItem
	for _, w := range items {
		if w.Assignee != nil && *w.Assignee != agentID {
			continue
		}
		pending, err := e.feedbackPending(ctx, w)
		if err != nil {
			return nil, err
		}
		if pending {
			feedback = append(feedback, w)
		} else {
			ready = append(ready, w)
		}
	}
	return append(feedback, ready...), nil
}

// feedbackPending reports whether a changeset has reviewer input waiting:
// an unread message on its thread past the stored review cursor, or a
// cached changes-requested verdict on its pull request.
func (e Engine) feedbackPending(ctx context.Context, w domain.WorkItem) (bool, error) {
	if w.ReviewCursor != nil {
		msgs, err := e.Store.ListMessages(ctx, store.MessageFilters{ThreadID: w.ID, Unread: true, Open: true})
		if err != nil {
			return false, err
		}
		for _, m := range msgs {
			if m.CreatedAt > *w.ReviewCursor {
				return true, nil
			}
		}
	}
	sig, err := e.Store.GetPRSignal(ctx, w.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return sig.ReviewDecision == "CHANGES_REQUESTED", nil
}

// idle posts a needs-decision notification to the supervisor channel so an
// unattended fleet does not stall silently, then reports idle. A standing
// unexpired post from the same agent is not reposted: agents poll, and the
// channel must not fill with duplicates of one condition.
func (e Engine) idle(ctx context.Context, agentID, reason string) (Outcome, error) {
	channel := e.Config.Agents.SupervisorChannel
	existing, err := e.Store.ListMessages(ctx, store.MessageFilters{Channel: channel, Open: true})
	if err != nil {
		return Outcome{}, err
	}
	for _, m := range existing {
		if m.Sender == agentID && m.ThreadID == nil && strings.HasPrefix(m.Body, "NEEDS-DECISION: ") {
			return Outcome{Phase: PhaseIdle}, nil
		}
	}
	if _, err := e.Mailbox.NotifyNeedsDecision(ctx, agentID, channel, "", reason); err != nil {
		return Outcome{}, err
	}
	return Outcome{Phase: PhaseIdle}, nil
}
