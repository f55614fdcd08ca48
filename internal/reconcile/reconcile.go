// Package reconcile aligns cached lifecycle state with external PR ground
// truth. It repairs what it can prove, reports what it cannot, and logs
// every repair with before and after state.
package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"crewline/internal/claim"
	"crewline/internal/config"
	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/faults"
	"crewline/internal/gitops"
	"crewline/internal/lifecycle"
	"crewline/internal/mailbox"
	"crewline/internal/publish"
	"crewline/internal/store"
)

// Repair records one applied fix.
type Repair struct {
	WorkID string `json:"work_id"`
	Kind   string `json:"kind"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// Report summarizes one scanner pass. A second pass over the same state
// produces an empty report.
type Report struct {
	Repairs         []Repair `json:"repairs,omitempty"`
	Ambiguous       []string `json:"ambiguous,omitempty"`
	ExpiredMessages []string `json:"expired_messages,omitempty"`
	Reclaimed       []string `json:"reclaimed,omitempty"`
}

type Scanner struct {
	DB      *sql.DB
	Store   store.Store
	Events  events.Writer
	Arbiter claim.Arbiter
	Mailbox mailbox.Mailbox
	Config  *config.Config
	Now     func() time.Time
	// VCS, when set, lets the scanner verify recorded integrations against
	// branch history. Without it only the cached PR signal is consulted.
	VCS gitops.VCS
}

func NewScanner(db *sql.DB, cfg *config.Config) Scanner {
	return Scanner{
		DB:      db,
		Store:   store.Store{DB: db},
		Events:  events.Writer{DB: db},
		Arbiter: claim.NewArbiter(db),
		Mailbox: mailbox.New(db),
		Config:  cfg,
		Now:     time.Now,
	}
}

func (s Scanner) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Run executes one full pass: message retention sweep, PR drift repair per
// epic subtree, then stale hook reclamation.
func (s Scanner) Run(ctx context.Context, actorID string) (Report, error) {
	var rep Report

	expired, err := s.sweepMessages(ctx, actorID)
	if err != nil {
		return rep, err
	}
	rep.ExpiredMessages = expired

	tops, err := s.Store.ListWorkItems(ctx, store.WorkFilters{TopLevel: true})
	if err != nil {
		return rep, err
	}
	for _, epic := range tops {
		if err := s.scanEpic(ctx, actorID, epic, &rep); err != nil {
			return rep, err
		}
	}

	reclaimed, err := s.reclaimStale(ctx, actorID)
	if err != nil {
		return rep, err
	}
	rep.Reclaimed = reclaimed
	return rep, nil
}

func (s Scanner) scanEpic(ctx context.Context, actorID string, epic domain.WorkItem, rep *Report) error {
	items, err := s.Store.ListSubtree(ctx, epic.ID)
	if err != nil {
		return err
	}
	signals, err := s.Store.SignalsForSubtree(ctx, epic.ID)
	if err != nil {
		return err
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
	for _, w := range leaves {
		sig, hasSignal := signals[w.ID]
		if hasSignal {
			if repaired, err := s.repairDrift(ctx, actorID, epic, w, sig, rep); err != nil {
				return err
			} else if repaired {
				continue
			}
		}
		if lifecycle.IsTerminal(lifecycle.Status(w.Status)) {
			continue
		}
		in := publish.Input{Changeset: w, Epic: epic, Siblings: leaves, Signals: signals, Strategy: s.Config.Publish.Strategy}
		if ids := publish.AmbiguousParents(in); ids != nil {
			if err := s.reportAmbiguous(ctx, actorID, w.ID,
				fmt.Sprintf("changeset %s has multiple plausible dependency parents: %s", w.ID, strings.Join(ids, ", ")), rep); err != nil {
				return err
			}
			continue
		}
		if dec := publish.Decide(in); dec.Action == publish.Blocked && dec.Code == faults.UnexpectedState {
			if err := s.reportAmbiguous(ctx, actorID, w.ID, dec.Reason, rep); err != nil {
				return err
			}
		}
	}
	return nil
}

// repairDrift fixes one changeset whose cached status disagrees with the
// observed PR signal. The repair path writes status directly: the lifecycle
// guard forbids leaving closed, but undoing a premature close is exactly
// what this path exists for.
func (s Scanner) repairDrift(ctx context.Context, actorID string, epic, w domain.WorkItem, sig domain.PRSignal, rep *Report) (bool, error) {
	terminal := lifecycle.IsTerminal(lifecycle.Status(w.Status))

	// Merged upstream but still cached as live: promote to closed and
	// record the integration commit.
	if sig.State == "merged" && !terminal {
		before := w.Status
		now := s.now().UTC().Format(time.RFC3339)
		w.Status = string(lifecycle.StatusClosed)
		w.ClosedAt = &now
		w.UpdatedAt = now
		if sig.MergeCommit != "" {
			sha := sig.MergeCommit
			w.IntegratedSHA = &sha
		}
		owner := w.Assignee
		w.Assignee = nil
		if err := s.applyRepair(ctx, actorID, w, owner, "closed_merged", before); err != nil {
			return false, err
		}
		rep.Repairs = append(rep.Repairs, Repair{WorkID: w.ID, Kind: "closed_merged", Before: before, After: w.Status})
		return true, nil
	}

	// Closed with an integration record the ground truth does not back up:
	// the PR is still live, or branch history shows the work branch never
	// landed on its base. Recover the changeset into the PR lifecycle.
	if terminal && w.IntegratedSHA != nil && sig.State != "merged" {
		premature := sig.State == "open" || sig.State == "draft"
		if !premature && s.VCS != nil && w.WorkBranch != nil && *w.WorkBranch != "" {
			base := baseBranch(epic, w)
			if base != "" {
				landed, err := s.VCS.BranchMerged(ctx, *w.WorkBranch, base)
				if err != nil {
					return false, err
				}
				premature = !landed
			}
		}
		if !premature {
			return false, nil
		}
		before := w.Status
		now := s.now().UTC().Format(time.RFC3339)
		w.Status = string(lifecycle.StatusOpen)
		w.ClosedAt = nil
		w.IntegratedSHA = nil
		w.UpdatedAt = now
		if err := s.applyRepair(ctx, actorID, w, nil, "reopened_premature_close", before); err != nil {
			return false, err
		}
		rep.Repairs = append(rep.Repairs, Repair{WorkID: w.ID, Kind: "reopened_premature_close", Before: before, After: w.Status})
		return true, nil
	}
	return false, nil
}

// baseBranch resolves where a changeset's work branch is expected to land.
func baseBranch(epic, w domain.WorkItem) string {
	if w.ParentBranch != nil && *w.ParentBranch != "" {
		return *w.ParentBranch
	}
	if w.RootBranch != nil && *w.RootBranch != "" {
		return *w.RootBranch
	}
	if epic.RootBranch != nil {
		return *epic.RootBranch
	}
	return ""
}

func (s Scanner) applyRepair(ctx context.Context, actorID string, w domain.WorkItem, clearHookOf *string, kind, before string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Store.UpdateWorkItem(ctx, tx, w); err != nil {
		return err
	}
	if clearHookOf != nil {
		agent, err := s.Store.GetAgentTx(ctx, tx, *clearHookOf)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err == nil && agent.HookWorkID != nil && *agent.HookWorkID == w.ID {
			if err := s.Store.ClearHook(ctx, tx, *clearHookOf); err != nil {
				return err
			}
		}
	}
	if err := s.Events.Append(ctx, tx, "reconcile.repaired", "work_item", w.ID, actorID, events.EventPayload{
		"kind":        kind,
		"from_status": before,
		"to_status":   w.Status,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// reportAmbiguous posts a needs-decision notification once per condition.
// Re-running the scanner does not repost while an unexpired notification
// for the same work item is still on the channel.
func (s Scanner) reportAmbiguous(ctx context.Context, actorID, workID, reason string, rep *Report) error {
	rep.Ambiguous = append(rep.Ambiguous, workID)
	channel := s.Config.Agents.SupervisorChannel
	existing, err := s.Store.ListMessages(ctx, store.MessageFilters{Channel: channel, ThreadID: workID, Open: true})
	if err != nil {
		return err
	}
	for _, m := range existing {
		if strings.HasPrefix(m.Body, "NEEDS-DECISION: ") {
			return nil
		}
	}
	_, err = s.Mailbox.NotifyNeedsDecision(ctx, actorID, channel, workID, reason)
	return err
}

func (s Scanner) sweepMessages(ctx context.Context, actorID string) ([]string, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	closed, err := s.Store.CloseExpiredMessages(ctx, tx, s.now())
	if err != nil {
		return nil, err
	}
	if len(closed) > 0 {
		if err := s.Events.Append(ctx, tx, "reconcile.messages_expired", "message", "", actorID, events.EventPayload{
			"count": len(closed),
		}); err != nil {
			return nil, err
		}
	}
	return closed, tx.Commit()
}

// reclaimStale frees hooks whose owners stopped heartbeating. The arbiter
// re-verifies the heartbeat inside its transaction; a refresh that lands
// between our staleness check and the reclaim surfaces as a conflict, and
// the sweep moves on rather than aborting.
func (s Scanner) reclaimStale(ctx context.Context, actorID string) ([]string, error) {
	staleAfter := time.Duration(s.Config.Agents.StaleClaimMinutes) * time.Minute
	agents, err := s.Store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var reclaimed []string
	for _, a := range agents {
		if a.HookWorkID == nil {
			continue
		}
		hb, err := time.Parse(time.RFC3339, a.HeartbeatAt)
		if err != nil || now.Sub(hb) <= staleAfter {
			continue
		}
		if err := s.Arbiter.Reclaim(ctx, actorID, *a.HookWorkID, staleAfter); err != nil {
			if faults.Is(err, faults.ClaimConflict) {
				continue
			}
			return reclaimed, err
		}
		reclaimed = append(reclaimed, *a.HookWorkID)
	}
	return reclaimed, nil
}
