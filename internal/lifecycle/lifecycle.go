// Package lifecycle is the canonical status and graph-role model. Every
// other component consults these predicates; labels and cached PR state are
// explicitly not inputs here.
package lifecycle

import (
	"crewline/internal/faults"
)

// Status is the canonical lifecycle state of a work item.
type Status string

const (
	StatusDeferred   Status = "deferred"
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusClosed     Status = "closed"
)

// IsValid checks the status value.
func (s Status) IsValid() bool {
	switch s {
	case StatusDeferred, StatusOpen, StatusInProgress, StatusBlocked, StatusClosed:
		return true
	}
	return false
}

// IsTerminal reports whether the status accepts no further mutation.
// Only closed is terminal.
func IsTerminal(s Status) bool { return s == StatusClosed }

// IsRunnableCandidate reports whether an item in this status may be offered
// for claiming, dependencies permitting.
func IsRunnableCandidate(s Status) bool {
	return s == StatusOpen || s == StatusInProgress
}

// Role is the inferred graph role of a work item.
type Role string

const (
	RoleEpic      Role = "epic"
	RoleChangeset Role = "changeset"
	RoleBoth      Role = "both"
)

// RoleOf infers the role from graph position. An item with no parent is an
// epic; an item with no children is a changeset; a lone top-level item is
// both. Callers must exclude non-work records before calling.
func RoleOf(hasParent bool, childCount int) Role {
	switch {
	case !hasParent && childCount == 0:
		return RoleBoth
	case !hasParent:
		return RoleEpic
	default:
		return RoleChangeset
	}
}

// EnsureTransition validates a status change. Promotion out of deferred is
// always an explicit act, never automatic, so deferred->open is permitted
// here but no component performs it without a human/agent request. closed
// accepts nothing: reopening a prematurely closed item is a reconciliation
// repair, not a transition.
func EnsureTransition(old, new Status, force bool) error {
	if !new.IsValid() {
		return faults.New(faults.ValidationFailed, "invalid status %q", new)
	}
	if force && old != StatusClosed {
		return nil
	}
	switch old {
	case StatusDeferred:
		if new == StatusOpen || new == StatusClosed {
			return nil
		}
	case StatusOpen:
		if new == StatusInProgress || new == StatusBlocked || new == StatusClosed || new == StatusDeferred {
			return nil
		}
	case StatusInProgress:
		if new == StatusBlocked || new == StatusOpen || new == StatusClosed {
			return nil
		}
	case StatusBlocked:
		if new == StatusInProgress || new == StatusOpen || new == StatusClosed {
			return nil
		}
	case StatusClosed:
		return faults.New(faults.UnexpectedState, "work item is closed; closed is terminal")
	}
	return faults.New(faults.ValidationFailed, "invalid status transition %s -> %s", old, new)
}
