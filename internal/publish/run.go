package publish

import (
	"context"

	"crewline/internal/faults"
)

// Pusher pushes a work branch to the remote.
type Pusher interface {
	Push(ctx context.Context, branch string) error
}

// PROpener creates or updates the pull request for a pushed branch.
type PROpener interface {
	EnsurePR(ctx context.Context, head, base, title, body string) (string, error)
}

// RunResult reports what one publish run actually did.
type RunResult struct {
	Decision Decision `json:"decision"`
	Branch   string   `json:"branch"`
	Pushed   bool     `json:"pushed"`
	PRURL    string   `json:"pr_url,omitempty"`
}

// Run evaluates the gate and applies the outcome: the work branch is pushed
// whatever the decision, so progress stays visible; only PR creation or
// update is withheld when the gate does not grant it.
func Run(ctx context.Context, in Input, git Pusher, pr PROpener, title, body string) (RunResult, error) {
	cs := in.Changeset
	if cs.WorkBranch == nil || *cs.WorkBranch == "" {
		return RunResult{}, faults.New(faults.ValidationFailed, "changeset %s has no work branch", cs.ID)
	}
	branch := *cs.WorkBranch
	res := RunResult{Decision: Decide(in), Branch: branch}
	if err := git.Push(ctx, branch); err != nil {
		return res, err
	}
	res.Pushed = true
	if res.Decision.Action != CreateOrUpdatePR {
		return res, nil
	}
	if title == "" {
		title = cs.Title
	}
	url, err := pr.EnsurePR(ctx, branch, res.Decision.BaseBranch, title, body)
	if err != nil {
		return res, err
	}
	res.PRURL = url
	return res, nil
}
