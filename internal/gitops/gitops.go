// Package gitops wraps the external git and gh executables behind small
// interfaces. Command failures come back classified so callers can tell a
// missing binary from a refused operation.
package gitops

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"crewline/internal/domain"
	"crewline/internal/faults"
)

// VCS is the branch-level view of the repository.
type VCS interface {
	DefaultBranch(ctx context.Context) (string, error)
	Push(ctx context.Context, branch string) error
	BranchMerged(ctx context.Context, branch, base string) (bool, error)
	AheadBehind(ctx context.Context, branch, base string) (ahead, behind int, err error)
}

// PRClient manages pull requests for work branches.
type PRClient interface {
	EnsurePR(ctx context.Context, head, base, title, body string) (string, error)
	Retarget(ctx context.Context, head, newBase string) error
	Signal(ctx context.Context, head string) (domain.PRSignal, error)
}

// Runner executes one external command and returns its stdout. Swappable in
// tests.
type Runner func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

// run is the default Runner.
func run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}
	if ctx.Err() != nil {
		return stderr.Bytes(), faults.Wrap(faults.ExternalCommandFailed, ctx.Err(), "%s timed out", name)
	}
	if errors.Is(err, exec.ErrNotFound) {
		return nil, faults.Wrap(faults.ExternalCommandFailed, err, "%s is not installed or not on PATH", name)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return stderr.Bytes(), faults.New(faults.ExternalCommandFailed, "%s exited %d: %s", name, exitErr.ExitCode(), msg)
	}
	return nil, faults.Wrap(faults.ExternalCommandFailed, err, "%s failed to start", name)
}

// Git is the exec-backed VCS.
type Git struct {
	Dir     string
	Timeout time.Duration
	Run     Runner
}

func NewGit(dir string) Git {
	return Git{Dir: dir, Timeout: 30 * time.Second, Run: run}
}

func (g Git) exec(ctx context.Context, args ...string) ([]byte, error) {
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}
	runner := g.Run
	if runner == nil {
		runner = run
	}
	return runner(ctx, g.Dir, "git", args...)
}

func (g Git) DefaultBranch(ctx context.Context) (string, error) {
	out, err := g.exec(ctx, "symbolic-ref", "refs/remotes/origin/HEAD", "--short")
	if err != nil {
		return "", err
	}
	ref := strings.TrimSpace(string(out))
	return strings.TrimPrefix(ref, "origin/"), nil
}

func (g Git) Push(ctx context.Context, branch string) error {
	_, err := g.exec(ctx, "push", "--set-upstream", "origin", branch)
	return err
}

// BranchMerged reports whether branch is an ancestor of base.
func (g Git) BranchMerged(ctx context.Context, branch, base string) (bool, error) {
	_, err := g.exec(ctx, "merge-base", "--is-ancestor", branch, base)
	if err == nil {
		return true, nil
	}
	if faults.Is(err, faults.ExternalCommandFailed) && strings.Contains(err.Error(), "exited 1") {
		return false, nil
	}
	return false, err
}

func (g Git) AheadBehind(ctx context.Context, branch, base string) (int, int, error) {
	out, err := g.exec(ctx, "rev-list", "--left-right", "--count", branch+"..."+base)
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) != 2 {
		return 0, 0, faults.New(faults.UnexpectedState, "git rev-list returned malformed output %q", strings.TrimSpace(string(out)))
	}
	ahead, err1 := strconv.Atoi(fields[0])
	behind, err2 := strconv.Atoi(fields[1])
	if err1 != nil || err2 != nil {
		return 0, 0, faults.New(faults.UnexpectedState, "git rev-list returned malformed output %q", strings.TrimSpace(string(out)))
	}
	return ahead, behind, nil
}

// GH is the exec-backed PRClient using the gh CLI.
type GH struct {
	Dir     string
	Timeout time.Duration
	Run     Runner
}

func NewGH(dir string) GH {
	return GH{Dir: dir, Timeout: 60 * time.Second, Run: run}
}

func (h GH) exec(ctx context.Context, args ...string) ([]byte, error) {
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	runner := h.Run
	if runner == nil {
		runner = run
	}
	return runner(ctx, h.Dir, "gh", args...)
}

// prView mirrors the fields requested from gh pr view --json.
type prView struct {
	State            string `json:"state"`
	IsDraft          bool   `json:"isDraft"`
	ReviewDecision   string `json:"reviewDecision"`
	Mergeable        string `json:"mergeable"`
	MergeStateStatus string `json:"mergeStateStatus"`
	MergeCommit      struct {
		OID string `json:"oid"`
	} `json:"mergeCommit"`
	URL string `json:"url"`
}

const prViewFields = "state,isDraft,reviewDecision,mergeable,mergeStateStatus,mergeCommit,url"

func noPR(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "no pull requests found")
}

// EnsurePR creates the PR for head onto base, or retargets the existing one
// when its base drifted. Returns the PR URL.
func (h GH) EnsurePR(ctx context.Context, head, base, title, body string) (string, error) {
	out, err := h.exec(ctx, "pr", "view", head, "--json", "url,baseRefName")
	if err == nil {
		var cur struct {
			URL         string `json:"url"`
			BaseRefName string `json:"baseRefName"`
		}
		if jerr := json.Unmarshal(out, &cur); jerr != nil {
			return "", faults.Wrap(faults.UnexpectedState, jerr, "gh pr view returned malformed json")
		}
		if cur.BaseRefName != base {
			if err := h.Retarget(ctx, head, base); err != nil {
				return "", err
			}
		}
		return cur.URL, nil
	}
	if !noPR(err) {
		return "", err
	}
	out, err = h.exec(ctx, "pr", "create", "--head", head, "--base", base, "--title", title, "--body", body)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (h GH) Retarget(ctx context.Context, head, newBase string) error {
	_, err := h.exec(ctx, "pr", "edit", head, "--base", newBase)
	return err
}

// Signal observes the PR for head. A branch without a PR yields state
// "none", not an error.
func (h GH) Signal(ctx context.Context, head string) (domain.PRSignal, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	out, err := h.exec(ctx, "pr", "view", head, "--json", prViewFields)
	if err != nil {
		if noPR(err) {
			return domain.PRSignal{State: "none", ObservedAt: now}, nil
		}
		return domain.PRSignal{}, err
	}
	var v prView
	if err := json.Unmarshal(out, &v); err != nil {
		return domain.PRSignal{}, faults.Wrap(faults.UnexpectedState, err, "gh pr view returned malformed json")
	}
	sig := domain.PRSignal{
		State:          strings.ToLower(v.State),
		ReviewDecision: v.ReviewDecision,
		MergeState:     v.MergeStateStatus,
		MergeCommit:    v.MergeCommit.OID,
		URL:            v.URL,
		ObservedAt:     now,
	}
	if v.IsDraft && sig.State == "open" {
		sig.State = "draft"
	}
	switch v.Mergeable {
	case "MERGEABLE":
		t := true
		sig.Mergeable = &t
	case "CONFLICTING":
		f := false
		sig.Mergeable = &f
	}
	return sig, nil
}
