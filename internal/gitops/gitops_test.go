package gitops

import (
	"context"
	"strings"
	"testing"

	"crewline/internal/faults"
)

func stub(out string, err error) Runner {
	return func(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
		return []byte(out), err
	}
}

func TestRunClassifiesExitCode(t *testing.T) {
	_, err := run(context.Background(), t.TempDir(), "sh", "-c", "echo boom >&2; exit 7")
	if !faults.Is(err, faults.ExternalCommandFailed) {
		t.Fatalf("expected external_command_failed, got %v", err)
	}
	if !strings.Contains(err.Error(), "exited 7") || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("exit classification lost detail: %v", err)
	}
}

func TestRunClassifiesMissingExecutable(t *testing.T) {
	_, err := run(context.Background(), t.TempDir(), "crewline-no-such-tool")
	if !faults.Is(err, faults.ExternalCommandFailed) {
		t.Fatalf("expected external_command_failed, got %v", err)
	}
	if !strings.Contains(err.Error(), "not installed") {
		t.Fatalf("missing executable not flagged: %v", err)
	}
}

func TestRunClassifiesTimeout(t *testing.T) {
	g := Git{Dir: t.TempDir(), Timeout: 1, Run: run}
	_, err := g.exec(context.Background(), "status")
	if !faults.Is(err, faults.ExternalCommandFailed) {
		t.Fatalf("expected external_command_failed on timeout, got %v", err)
	}
}

func TestAheadBehindParsesCounts(t *testing.T) {
	g := Git{Run: stub("2\t5\n", nil)}
	ahead, behind, err := g.AheadBehind(context.Background(), "work/x", "main")
	if err != nil {
		t.Fatalf("ahead-behind: %v", err)
	}
	if ahead != 2 || behind != 5 {
		t.Fatalf("got %d/%d", ahead, behind)
	}

	g = Git{Run: stub("garbage", nil)}
	if _, _, err := g.AheadBehind(context.Background(), "work/x", "main"); !faults.Is(err, faults.UnexpectedState) {
		t.Fatalf("malformed output must be unexpected_state, got %v", err)
	}
}

func TestBranchMergedDistinguishesNoFromFailure(t *testing.T) {
	g := Git{Run: stub("", nil)}
	merged, err := g.BranchMerged(context.Background(), "work/x", "main")
	if err != nil || !merged {
		t.Fatalf("expected merged, got %v %v", merged, err)
	}

	g = Git{Run: stub("", faults.New(faults.ExternalCommandFailed, "git exited 1: "))}
	merged, err = g.BranchMerged(context.Background(), "work/x", "main")
	if err != nil || merged {
		t.Fatalf("exit 1 means not merged, got %v %v", merged, err)
	}

	g = Git{Run: stub("", faults.New(faults.ExternalCommandFailed, "git exited 128: not a repository"))}
	if _, err = g.BranchMerged(context.Background(), "work/x", "main"); err == nil {
		t.Fatalf("hard failure must propagate")
	}
}

func TestSignalMapsPRView(t *testing.T) {
	out := `{"state":"OPEN","isDraft":true,"reviewDecision":"CHANGES_REQUESTED","mergeable":"CONFLICTING","mergeStateStatus":"DIRTY","mergeCommit":{"oid":""},"url":"https://example.test/pr/1"}`
	h := GH{Run: stub(out, nil)}
	sig, err := h.Signal(context.Background(), "work/x")
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	if sig.State != "draft" {
		t.Fatalf("draft flag not applied, got %s", sig.State)
	}
	if sig.ReviewDecision != "CHANGES_REQUESTED" || sig.Mergeable == nil || *sig.Mergeable {
		t.Fatalf("review fields wrong: %+v", sig)
	}
}

func TestSignalWithoutPRIsNone(t *testing.T) {
	h := GH{Run: stub("", faults.New(faults.ExternalCommandFailed, "gh exited 1: no pull requests found for branch \"work/x\""))}
	sig, err := h.Signal(context.Background(), "work/x")
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	if sig.State != "none" {
		t.Fatalf("expected none, got %s", sig.State)
	}
}

func TestSignalMalformedJSON(t *testing.T) {
	h := GH{Run: stub("not-json", nil)}
	if _, err := h.Signal(context.Background(), "work/x"); !faults.Is(err, faults.UnexpectedState) {
		t.Fatalf("malformed response must be unexpected_state, got %v", err)
	}
}
