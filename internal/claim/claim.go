// Package claim arbitrates ownership of work items. Every mutation follows
// write -> re-read -> verify and returns a typed conflict instead of
// assuming the store is atomic.
package claim

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/faults"
	"crewline/internal/lifecycle"
	"crewline/internal/store"
)

type Arbiter struct {
	DB     *sql.DB
	Store  store.Store
	Events events.Writer
	Now    func() time.Time
}

func NewArbiter(db *sql.DB) Arbiter {
	return Arbiter{
		DB:     db,
		Store:  store.Store{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (a Arbiter) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// token is derived from the binding, not generated per call, so repeated
// claims by the same agent on the same item return the same result.
func token(agentID, workID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(agentID+"|"+workID)).String()
}

// Claim binds workID to agentID and records it in the agent's hook slot.
// Claiming an item the agent already holds is idempotent. Claiming while
// holding a different hook is a contract violation, not a race.
func (a Arbiter) Claim(ctx context.Context, agentID, workID string) (domain.Claim, error) {
	agent, err := a.Store.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Claim{}, faults.New(faults.DependencyMissing, "agent %s is not registered", agentID)
		}
		return domain.Claim{}, err
	}
	if agent.HookWorkID != nil && *agent.HookWorkID != workID {
		return domain.Claim{}, faults.New(faults.ValidationFailed, "agent %s already holds hook on %s; release it first", agentID, *agent.HookWorkID)
	}
	w, err := a.Store.GetWorkItem(ctx, workID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Claim{}, faults.New(faults.DependencyMissing, "work item %s not found", workID)
		}
		return domain.Claim{}, err
	}
	if lifecycle.IsTerminal(lifecycle.Status(w.Status)) {
		return domain.Claim{}, faults.New(faults.UnexpectedState, "work item %s is closed", workID)
	}
	if !lifecycle.IsRunnableCandidate(lifecycle.Status(w.Status)) {
		return domain.Claim{}, faults.New(faults.ValidationFailed, "work item %s has status %s; not claimable", workID, w.Status)
	}
	if w.Assignee != nil && *w.Assignee != agentID {
		return domain.Claim{}, faults.New(faults.ClaimConflict, "work item %s is held by %s", workID, *w.Assignee)
	}

	now := a.now()
	status := w.Status
	if status == string(lifecycle.StatusOpen) {
		if err := lifecycle.EnsureTransition(lifecycle.Status(w.Status), lifecycle.StatusInProgress, false); err != nil {
			return domain.Claim{}, err
		}
		status = string(lifecycle.StatusInProgress)
	}
	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Claim{}, err
	}
	defer tx.Rollback()
	ok, err := a.Store.ClaimWorkItem(ctx, tx, workID, agentID, status, now)
	if err != nil {
		return domain.Claim{}, err
	}
	if !ok {
		return domain.Claim{}, faults.New(faults.ClaimConflict, "work item %s was claimed concurrently", workID)
	}
	if err := a.Store.SetHook(ctx, tx, agentID, workID); err != nil {
		return domain.Claim{}, err
	}
	if err := a.Events.Append(ctx, tx, "claim.granted", "work_item", workID, agentID, events.EventPayload{
		"from_status": w.Status,
		"to_status":   status,
	}); err != nil {
		return domain.Claim{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Claim{}, err
	}

	// Verify pass: the store promises read-then-write, not compare-and-swap.
	after, err := a.Store.GetWorkItem(ctx, workID)
	if err != nil {
		return domain.Claim{}, err
	}
	if after.Assignee == nil || *after.Assignee != agentID {
		if relErr := a.Release(ctx, agentID, workID); relErr != nil {
			return domain.Claim{}, relErr
		}
		return domain.Claim{}, faults.New(faults.ClaimConflict, "work item %s verification failed after claim", workID)
	}
	return domain.Claim{
		WorkID:    workID,
		AgentID:   agentID,
		Token:     token(agentID, workID),
		ClaimedAt: now.UTC().Format(time.RFC3339),
	}, nil
}

// Release clears the binding. Releasing an item the agent no longer holds
// is a no-op so the operation stays idempotent under retry.
func (a Arbiter) Release(ctx context.Context, agentID, workID string) error {
	w, err := a.Store.GetWorkItem(ctx, workID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return faults.New(faults.DependencyMissing, "work item %s not found", workID)
		}
		return err
	}
	now := a.now()
	status := w.Status
	if status == string(lifecycle.StatusInProgress) {
		status = string(lifecycle.StatusOpen)
	}
	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	released, err := a.Store.ReleaseWorkItem(ctx, tx, workID, agentID, status, now)
	if err != nil {
		return err
	}
	if err := a.Store.ClearHook(ctx, tx, agentID); err != nil {
		return err
	}
	if released {
		if err := a.Events.Append(ctx, tx, "claim.released", "work_item", workID, agentID, events.EventPayload{
			"from_status": w.Status,
			"to_status":   status,
		}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Reclaim frees a stale claim. Eligibility is the owner's heartbeat age,
// re-checked against the agent record inside the transaction so a refreshed
// heartbeat aborts the reclaim (a process id alone would not be proof: pids
// get reused).
func (a Arbiter) Reclaim(ctx context.Context, reclaimerID, workID string, staleAfter time.Duration) error {
	w, err := a.Store.GetWorkItem(ctx, workID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return faults.New(faults.DependencyMissing, "work item %s not found", workID)
		}
		return err
	}
	if w.Assignee == nil {
		return nil
	}
	ownerID := *w.Assignee
	now := a.now()

	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	owner, err := a.Store.GetAgentTx(ctx, tx, ownerID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err == nil {
		hb, parseErr := time.Parse(time.RFC3339, owner.HeartbeatAt)
		if parseErr != nil {
			return faults.Wrap(faults.UnexpectedState, parseErr, "agent %s has malformed heartbeat", ownerID)
		}
		if now.Sub(hb) <= staleAfter {
			return faults.New(faults.ClaimConflict, "agent %s heartbeat is fresh; claim on %s not reclaimable", ownerID, workID)
		}
		if err := a.Store.ClearHook(ctx, tx, ownerID); err != nil {
			return err
		}
	}
	status := w.Status
	if status == string(lifecycle.StatusInProgress) {
		status = string(lifecycle.StatusOpen)
	}
	if _, err := a.Store.ReleaseWorkItem(ctx, tx, workID, ownerID, status, now); err != nil {
		return err
	}
	if err := a.Events.Append(ctx, tx, "claim.reclaimed", "work_item", workID, reclaimerID, events.EventPayload{
		"stale_owner": ownerID,
		"from_status": w.Status,
		"to_status":   status,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
