package publish_test

import (
	"context"
	"testing"

	"crewline/internal/domain"
	"crewline/internal/publish"
)

type stubGit struct {
	pushed []string
}

func (s *stubGit) Push(ctx context.Context, branch string) error {
	s.pushed = append(s.pushed, branch)
	return nil
}

type stubPR struct {
	created int
	head    string
	base    string
}

func (s *stubPR) EnsurePR(ctx context.Context, head, base, title, body string) (string, error) {
	s.created++
	s.head = head
	s.base = base
	return "https://example.test/pr/1", nil
}

func TestBlockedDecisionStillPushesBranch(t *testing.T) {
	a := changeset("a", "in_progress")
	b := changeset("b", "open")
	in := publish.Input{
		Changeset: b,
		Epic:      epic(),
		Siblings:  []domain.WorkItem{a, b},
		Signals:   map[string]domain.PRSignal{"a": {WorkID: "a", State: "open"}},
		Strategy:  "sequential",
	}
	git := &stubGit{}
	pr := &stubPR{}
	res, err := publish.Run(context.Background(), in, git, pr, "", "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Decision.Action != publish.Blocked {
		t.Fatalf("expected blocked decision, got %+v", res.Decision)
	}
	if !res.Pushed || len(git.pushed) != 1 || git.pushed[0] != "work/b" {
		t.Fatalf("blocked run must still push the branch, got %+v", git.pushed)
	}
	if pr.created != 0 || res.PRURL != "" {
		t.Fatalf("blocked run must not touch the PR, got %+v", res)
	}
}

func TestGrantedDecisionPushesThenOpensPR(t *testing.T) {
	b := changeset("b", "open")
	in := publish.Input{Changeset: b, Epic: epic(), Siblings: []domain.WorkItem{b}, Strategy: "parallel"}
	git := &stubGit{}
	pr := &stubPR{}
	res, err := publish.Run(context.Background(), in, git, pr, "", "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Decision.Action != publish.CreateOrUpdatePR || !res.Pushed {
		t.Fatalf("unexpected result %+v", res)
	}
	if pr.created != 1 || pr.head != "work/b" || pr.base != "main" {
		t.Fatalf("PR not ensured against the resolved base, got %+v", pr)
	}
	if res.PRURL == "" {
		t.Fatalf("expected PR url in result")
	}
}

func TestInProgressRunPushesWithoutPR(t *testing.T) {
	b := changeset("b", "in_progress")
	in := publish.Input{Changeset: b, Epic: epic(), Siblings: []domain.WorkItem{b}, Strategy: "sequential"}
	git := &stubGit{}
	pr := &stubPR{}
	res, err := publish.Run(context.Background(), in, git, pr, "", "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Decision.Action != publish.PushOnly || !res.Pushed || pr.created != 0 {
		t.Fatalf("in-progress run must push only, got %+v", res)
	}
}
