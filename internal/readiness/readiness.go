// Package readiness computes which leaf work items are runnable: own
// status must be a runnable candidate and every dependency must have
// reached a terminal state.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"crewline/internal/domain"
	"crewline/internal/faults"
	"crewline/internal/lifecycle"
	"crewline/internal/store"
)

// Storage is the slice of the planning store readiness needs.
type Storage interface {
	ListSubtree(ctx context.Context, epicID string) ([]domain.WorkItem, error)
	GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error)
}

// State classifies a leaf in the evaluation result.
type State string

const (
	Runnable State = "runnable"
	Blocked  State = "blocked"
)

// Leaf is one changeset in the evaluation result. Blocked leaves carry the
// ids holding them back; a dangling dependency is reported through
// Diagnostic rather than silently dropped.
type Leaf struct {
	Item       domain.WorkItem `json:"item"`
	State      State           `json:"state"`
	BlockedBy  []string        `json:"blocked_by,omitempty"`
	Diagnostic string          `json:"diagnostic,omitempty"`
}

// Evaluate returns every leaf of the epic's subtree classified as runnable
// or blocked, ordered by creation time then id. The epic itself is included
// when it is a lone top-level leaf.
func Evaluate(ctx context.Context, s Storage, epicID string) ([]Leaf, error) {
	items, err := s.ListSubtree(ctx, epicID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, faults.Wrap(faults.DependencyMissing, err, "epic %s not found", epicID)
		}
		return nil, err
	}
	byID := make(map[string]domain.WorkItem, len(items))
	children := make(map[string]int, len(items))
	for _, w := range items {
		byID[w.ID] = w
		if w.ParentID != nil {
			children[*w.ParentID]++
		}
	}

	// Dependencies may point outside the subtree; resolve those too.
	resolve := func(id string) (domain.WorkItem, bool, error) {
		if w, ok := byID[id]; ok {
			return w, true, nil
		}
		w, err := s.GetWorkItem(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return domain.WorkItem{}, false, nil
		}
		if err != nil {
			return domain.WorkItem{}, false, err
		}
		byID[id] = w
		return w, true, nil
	}

	if err := detectCycle(ctx, items, resolve); err != nil {
		return nil, err
	}

	var leaves []Leaf
	for _, w := range items {
		if children[w.ID] > 0 {
			continue
		}
		leaf := Leaf{Item: w, State: Runnable}
		if !lifecycle.IsRunnableCandidate(lifecycle.Status(w.Status)) {
			leaf.State = Blocked
			leaf.Diagnostic = fmt.Sprintf("status %s is not runnable", w.Status)
			leaves = append(leaves, leaf)
			continue
		}
		for _, depID := range w.DependsOn {
			dep, ok, err := resolve(depID)
			if err != nil {
				return nil, err
			}
			if !ok {
				leaf.State = Blocked
				leaf.BlockedBy = append(leaf.BlockedBy, depID)
				leaf.Diagnostic = fmt.Sprintf("dependency %s does not resolve in the store", depID)
				continue
			}
			if !lifecycle.IsTerminal(lifecycle.Status(dep.Status)) {
				leaf.State = Blocked
				leaf.BlockedBy = append(leaf.BlockedBy, depID)
			}
		}
		leaves = append(leaves, leaf)
	}
	sort.SliceStable(leaves, func(i, j int) bool {
		a, b := leaves[i].Item, leaves[j].Item
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.ID < b.ID
	})
	return leaves, nil
}

// GraphStorage adds epic enumeration for whole-graph evaluation.
type GraphStorage interface {
	Storage
	ListWorkItems(ctx context.Context, f store.WorkFilters) ([]domain.WorkItem, error)
}

// EvaluateAll evaluates every top-level epic, keyed by epic id.
func EvaluateAll(ctx context.Context, s GraphStorage) (map[string][]Leaf, error) {
	tops, err := s.ListWorkItems(ctx, store.WorkFilters{TopLevel: true})
	if err != nil {
		return nil, err
	}
	res := make(map[string][]Leaf, len(tops))
	for _, epic := range tops {
		leaves, err := Evaluate(ctx, s, epic.ID)
		if err != nil {
			return nil, err
		}
		res[epic.ID] = leaves
	}
	return res, nil
}

// Runnable filters an evaluation down to the runnable leaves.
func RunnableLeaves(leaves []Leaf) []domain.WorkItem {
	var out []domain.WorkItem
	for _, l := range leaves {
		if l.State == Runnable {
			out = append(out, l.Item)
		}
	}
	return out
}

// detectCycle walks dependency edges from every subtree item. The store is
// expected to keep the graph acyclic; a cycle here is an invariant
// violation, surfaced rather than patched.
func detectCycle(ctx context.Context, items []domain.WorkItem, resolve func(string) (domain.WorkItem, bool, error)) error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := map[string]int{}
	var visit func(w domain.WorkItem) error
	visit = func(w domain.WorkItem) error {
		color[w.ID] = grey
		for _, depID := range w.DependsOn {
			switch color[depID] {
			case grey:
				return faults.New(faults.UnexpectedState, "dependency cycle through %s and %s", w.ID, depID)
			case black:
				continue
			}
			dep, ok, err := resolve(depID)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[w.ID] = black
		return nil
	}
	for _, w := range items {
		if color[w.ID] == white {
			if err := visit(w); err != nil {
				return err
			}
		}
	}
	return nil
}
