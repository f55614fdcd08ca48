// Package publish decides whether a changeset may open or update a pull
// request right now. A blocked decision still allows pushing the branch;
// only PR creation/update is withheld.
package publish

import (
	"fmt"

	"crewline/internal/domain"
	"crewline/internal/faults"
	"crewline/internal/lifecycle"
)

// Action is the outcome of a gate decision.
type Action string

const (
	PushOnly         Action = "push_only"
	CreateOrUpdatePR Action = "create_or_update_pr"
	Blocked          Action = "blocked"
)

// Decision carries the action, the resolved PR base branch and, for
// blocked outcomes, the reason and its error code.
type Decision struct {
	Action     Action      `json:"action"`
	BaseBranch string      `json:"base_branch,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Code       faults.Code `json:"code,omitempty"`
}

// Input is the snapshot the gate evaluates. Siblings are the other
// changesets of the same epic; Signals is the cached PR state per work id.
type Input struct {
	Changeset domain.WorkItem
	Epic      domain.WorkItem
	Siblings  []domain.WorkItem
	Signals   map[string]domain.PRSignal
	Strategy  string
}

func prOpen(sig domain.PRSignal) bool {
	return sig.State == "open" || sig.State == "draft"
}

// Decide evaluates the strategy gate. Corrupted lineage is refused, never
// silently retargeted.
func Decide(in Input) Decision {
	cs := in.Changeset

	base, dec := resolveBase(in)
	if dec != nil {
		return *dec
	}

	// Work still underway: push so progress is visible, no PR yet.
	if cs.Status == string(lifecycle.StatusInProgress) {
		return Decision{Action: PushOnly, BaseBranch: base, Reason: "changeset still in progress"}
	}
	if lifecycle.Status(cs.Status) == lifecycle.StatusDeferred {
		return Decision{
			Action: Blocked,
			Code:   faults.PolicyBlocked,
			Reason: "changeset is deferred; promote it before publishing",
		}
	}

	switch in.Strategy {
	case "parallel":
		return Decision{Action: CreateOrUpdatePR, BaseBranch: base}
	case "sequential":
		for _, sib := range in.Siblings {
			if sib.ID == cs.ID {
				continue
			}
			if sig, ok := in.Signals[sib.ID]; ok && prOpen(sig) {
				return Decision{
					Action: Blocked,
					Code:   faults.PolicyBlocked,
					Reason: fmt.Sprintf("sequential strategy: sibling %s has an open pull request", sib.ID),
				}
			}
		}
		if owner, ok := slotOwner(in); ok && owner.ID != cs.ID {
			return Decision{
				Action: Blocked,
				Code:   faults.PolicyBlocked,
				Reason: fmt.Sprintf("sequential strategy: sibling %s is the oldest unintegrated changeset and owns the PR slot", owner.ID),
			}
		}
		return Decision{Action: CreateOrUpdatePR, BaseBranch: base}
	case "on-ready":
		for _, depID := range cs.DependsOn {
			dep, ok := findSibling(in.Siblings, depID)
			if !ok {
				continue
			}
			if !lifecycle.IsTerminal(lifecycle.Status(dep.Status)) {
				return Decision{
					Action: Blocked,
					Code:   faults.PolicyBlocked,
					Reason: fmt.Sprintf("on-ready strategy: upstream changeset %s is not closed", depID),
				}
			}
		}
		return Decision{Action: CreateOrUpdatePR, BaseBranch: base}
	case "on-parent-approved":
		parent, ok := dependencyParent(in)
		if !ok {
			// No dependency parent: the changeset sits at the front of the
			// chain and publishes freely.
			return Decision{Action: CreateOrUpdatePR, BaseBranch: base}
		}
		sig, ok := in.Signals[parent.ID]
		if !ok || sig.ReviewDecision != "APPROVED" {
			return Decision{
				Action: Blocked,
				Code:   faults.PolicyBlocked,
				Reason: fmt.Sprintf("on-parent-approved strategy: parent changeset %s is not approved", parent.ID),
			}
		}
		return Decision{Action: CreateOrUpdatePR, BaseBranch: base}
	default:
		return Decision{
			Action: Blocked,
			Code:   faults.ValidationFailed,
			Reason: fmt.Sprintf("unknown publish strategy %q", in.Strategy),
		}
	}
}

// resolveBase picks the PR base branch from lineage. parent_branch wins
// over the epic root; a parent_branch collapsed onto the epic root while a
// real dependency parent is unintegrated means the lineage is corrupt, and
// the gate refuses rather than opening a PR against the wrong base.
func resolveBase(in Input) (string, *Decision) {
	cs := in.Changeset
	root := ""
	if in.Epic.RootBranch != nil {
		root = *in.Epic.RootBranch
	}
	if cs.ParentBranch == nil || *cs.ParentBranch == "" {
		if root == "" {
			return "", &Decision{
				Action: Blocked,
				Code:   faults.UnexpectedState,
				Reason: fmt.Sprintf("changeset %s has no parent branch and epic %s has no root branch", cs.ID, in.Epic.ID),
			}
		}
		return root, nil
	}
	base := *cs.ParentBranch
	if base == root {
		if parent, ok := dependencyParent(in); ok && !lifecycle.IsTerminal(lifecycle.Status(parent.Status)) {
			return "", &Decision{
				Action: Blocked,
				Code:   faults.UnexpectedState,
				Reason: fmt.Sprintf("lineage corrupt: parent branch of %s collapsed to epic root while dependency parent %s is unintegrated", cs.ID, parent.ID),
			}
		}
	}
	return base, nil
}

// slotOwner picks the oldest unintegrated sibling: under the sequential
// strategy it alone may hold the epic's single PR slot.
func slotOwner(in Input) (domain.WorkItem, bool) {
	var owner domain.WorkItem
	found := false
	for _, sib := range in.Siblings {
		if integrated(sib, in.Signals) {
			continue
		}
		if !found || createdBefore(sib, owner) {
			owner = sib
			found = true
		}
	}
	return owner, found
}

// integrated reports whether a sibling's work already landed: terminal
// status, a recorded integration commit, or a merged PR signal.
func integrated(w domain.WorkItem, signals map[string]domain.PRSignal) bool {
	if lifecycle.IsTerminal(lifecycle.Status(w.Status)) {
		return true
	}
	if w.IntegratedSHA != nil && *w.IntegratedSHA != "" {
		return true
	}
	sig, ok := signals[w.ID]
	return ok && sig.State == "merged"
}

func createdBefore(a, b domain.WorkItem) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}

// dependencyParent finds the sibling this changeset stacks on: the
// dependency that owns a work branch. More than one such candidate is
// ambiguous and reported, not guessed.
func dependencyParent(in Input) (domain.WorkItem, bool) {
	var found []domain.WorkItem
	for _, depID := range in.Changeset.DependsOn {
		dep, ok := findSibling(in.Siblings, depID)
		if !ok {
			continue
		}
		if dep.WorkBranch != nil && *dep.WorkBranch != "" {
			found = append(found, dep)
		}
	}
	if len(found) == 1 {
		return found[0], true
	}
	return domain.WorkItem{}, false
}

// AmbiguousParents reports whether a changeset has more than one plausible
// dependency parent. The reconciliation scanner surfaces these.
func AmbiguousParents(in Input) []string {
	var ids []string
	for _, depID := range in.Changeset.DependsOn {
		dep, ok := findSibling(in.Siblings, depID)
		if !ok {
			continue
		}
		if dep.WorkBranch != nil && *dep.WorkBranch != "" {
			ids = append(ids, dep.ID)
		}
	}
	if len(ids) > 1 {
		return ids
	}
	return nil
}

func findSibling(siblings []domain.WorkItem, id string) (domain.WorkItem, bool) {
	for _, s := range siblings {
		if s.ID == id {
			return s, true
		}
	}
	return domain.WorkItem{}, false
}
