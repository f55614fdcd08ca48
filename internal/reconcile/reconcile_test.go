package reconcile_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"crewline/internal/claim"
	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/migrate"
	"crewline/internal/reconcile"
	"crewline/internal/store"
	"crewline/internal/work"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	DB      *sql.DB
	Store   store.Store
	Work    work.Service
	Arbiter claim.Arbiter
	Scanner reconcile.Scanner
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	svc := work.NewService(conn)
	n := 0
	svc.Now = func() time.Time {
		n++
		return t0.Add(time.Duration(n) * time.Second)
	}
	env := testEnv{
		DB:      conn,
		Store:   store.Store{DB: conn},
		Work:    svc,
		Arbiter: claim.NewArbiter(conn),
		Scanner: reconcile.NewScanner(conn, config.Default("ws-1")),
		Ctx:     context.Background(),
	}
	if _, err := env.Store.EnsureAgent(env.Ctx, "agent-a", t0); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	if _, err := env.Work.Create(env.Ctx, work.CreateOptions{ID: "epic", Title: "epic", RootBranch: "main", ActorID: "tester"}); err != nil {
		t.Fatalf("create epic: %v", err)
	}
	if _, err := env.Work.Promote(env.Ctx, "epic", "tester"); err != nil {
		t.Fatalf("promote epic: %v", err)
	}
	return env
}

func (env testEnv) seedLeaf(t *testing.T, id string, deps ...string) {
	t.Helper()
	if _, err := env.Work.Create(env.Ctx, work.CreateOptions{ID: id, Title: id, ParentID: "epic", DependsOn: deps, ActorID: "tester"}); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	if _, err := env.Work.Promote(env.Ctx, id, "tester"); err != nil {
		t.Fatalf("promote %s: %v", id, err)
	}
}

func TestMergedSignalClosesChangeset(t *testing.T) {
	env := newTestEnv(t)
	env.seedLeaf(t, "leaf")
	if _, err := env.Arbiter.Claim(env.Ctx, "agent-a", "leaf"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	sig := domain.PRSignal{WorkID: "leaf", State: "merged", MergeCommit: "abc123", ObservedAt: t0.Format(time.RFC3339)}
	if err := env.Store.UpsertPRSignal(env.Ctx, sig); err != nil {
		t.Fatalf("upsert signal: %v", err)
	}

	rep, err := env.Scanner.Run(env.Ctx, "scanner")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rep.Repairs) != 1 || rep.Repairs[0].Kind != "closed_merged" {
		t.Fatalf("expected one closed_merged repair, got %+v", rep.Repairs)
	}
	w, err := env.Store.GetWorkItem(env.Ctx, "leaf")
	if err != nil {
		t.Fatal(err)
	}
	if w.Status != "closed" || w.IntegratedSHA == nil || *w.IntegratedSHA != "abc123" {
		t.Fatalf("merge not reconciled: %+v", w)
	}
	if w.Assignee != nil {
		t.Fatalf("assignee not cleared on close")
	}
	agent, err := env.Store.GetAgent(env.Ctx, "agent-a")
	if err != nil {
		t.Fatal(err)
	}
	if agent.HookWorkID != nil {
		t.Fatalf("hook not cleared")
	}

	// A second pass over repaired state is a no-op.
	rep, err = env.Scanner.Run(env.Ctx, "scanner")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(rep.Repairs) != 0 {
		t.Fatalf("second pass must repair nothing, got %+v", rep.Repairs)
	}
}

func TestPrematureCloseIsReversed(t *testing.T) {
	env := newTestEnv(t)
	env.seedLeaf(t, "leaf")
	// The leaf was closed with an integration record, but the PR is in
	// fact still open upstream.
	if _, err := env.DB.Exec(`UPDATE work_items SET status='closed', closed_at=?, integrated_sha='deadbeef' WHERE id='leaf'`,
		t0.Format(time.RFC3339)); err != nil {
		t.Fatal(err)
	}
	sig := domain.PRSignal{WorkID: "leaf", State: "open", ObservedAt: t0.Format(time.RFC3339)}
	if err := env.Store.UpsertPRSignal(env.Ctx, sig); err != nil {
		t.Fatal(err)
	}

	rep, err := env.Scanner.Run(env.Ctx, "scanner")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rep.Repairs) != 1 || rep.Repairs[0].Kind != "reopened_premature_close" {
		t.Fatalf("expected reopen repair, got %+v", rep.Repairs)
	}
	w, err := env.Store.GetWorkItem(env.Ctx, "leaf")
	if err != nil {
		t.Fatal(err)
	}
	if w.Status != "open" || w.IntegratedSHA != nil || w.ClosedAt != nil {
		t.Fatalf("premature close not reversed: %+v", w)
	}
}

func TestAmbiguousLineageReportedNotFixed(t *testing.T) {
	env := newTestEnv(t)
	env.seedLeaf(t, "a")
	env.seedLeaf(t, "c")
	env.seedLeaf(t, "b", "a", "c")
	for _, id := range []string{"a", "c"} {
		wb := "work/" + id
		if _, err := env.Work.SetLineage(env.Ctx, work.LineageOptions{ID: id, WorkBranch: &wb, ActorID: "tester"}); err != nil {
			t.Fatalf("lineage %s: %v", id, err)
		}
	}

	rep, err := env.Scanner.Run(env.Ctx, "scanner")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rep.Ambiguous) != 1 || rep.Ambiguous[0] != "b" {
		t.Fatalf("expected b reported ambiguous, got %v", rep.Ambiguous)
	}
	w, err := env.Store.GetWorkItem(env.Ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if w.ParentBranch != nil {
		t.Fatalf("ambiguity must not be auto-fixed: %+v", w)
	}

	// Re-running does not duplicate the notification.
	if _, err := env.Scanner.Run(env.Ctx, "scanner"); err != nil {
		t.Fatalf("second run: %v", err)
	}
	posts, err := env.Store.ListMessages(env.Ctx, store.MessageFilters{Channel: "supervisor", ThreadID: "b", Open: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(posts) != 1 {
		t.Fatalf("expected one needs-decision post, got %d", len(posts))
	}
}

// fixedVCS answers every merge query with the same verdict.
type fixedVCS struct {
	merged bool
}

func (v fixedVCS) DefaultBranch(ctx context.Context) (string, error) { return "main", nil }
func (v fixedVCS) Push(ctx context.Context, branch string) error     { return nil }
func (v fixedVCS) BranchMerged(ctx context.Context, branch, base string) (bool, error) {
	return v.merged, nil
}
func (v fixedVCS) AheadBehind(ctx context.Context, branch, base string) (int, int, error) {
	return 0, 0, nil
}

func TestUnmergedBranchReversesRecordedIntegration(t *testing.T) {
	env := newTestEnv(t)
	env.seedLeaf(t, "leaf")
	wb := "work/leaf"
	if _, err := env.Work.SetLineage(env.Ctx, work.LineageOptions{ID: "leaf", WorkBranch: &wb, ActorID: "tester"}); err != nil {
		t.Fatalf("lineage: %v", err)
	}
	// Closed with an integration record, but the PR was closed unmerged and
	// the branch never landed on main.
	if _, err := env.DB.Exec(`UPDATE work_items SET status='closed', closed_at=?, integrated_sha='deadbeef' WHERE id='leaf'`,
		t0.Format(time.RFC3339)); err != nil {
		t.Fatal(err)
	}
	sig := domain.PRSignal{WorkID: "leaf", State: "closed", ObservedAt: t0.Format(time.RFC3339)}
	if err := env.Store.UpsertPRSignal(env.Ctx, sig); err != nil {
		t.Fatal(err)
	}
	env.Scanner.VCS = fixedVCS{merged: false}

	rep, err := env.Scanner.Run(env.Ctx, "scanner")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rep.Repairs) != 1 || rep.Repairs[0].Kind != "reopened_premature_close" {
		t.Fatalf("expected reopen repair, got %+v", rep.Repairs)
	}
	w, err := env.Store.GetWorkItem(env.Ctx, "leaf")
	if err != nil {
		t.Fatal(err)
	}
	if w.Status != "open" || w.IntegratedSHA != nil {
		t.Fatalf("unbacked integration record not reversed: %+v", w)
	}
}

func TestMergedBranchConfirmsRecordedIntegration(t *testing.T) {
	env := newTestEnv(t)
	env.seedLeaf(t, "leaf")
	wb := "work/leaf"
	if _, err := env.Work.SetLineage(env.Ctx, work.LineageOptions{ID: "leaf", WorkBranch: &wb, ActorID: "tester"}); err != nil {
		t.Fatalf("lineage: %v", err)
	}
	if _, err := env.DB.Exec(`UPDATE work_items SET status='closed', closed_at=?, integrated_sha='abc123' WHERE id='leaf'`,
		t0.Format(time.RFC3339)); err != nil {
		t.Fatal(err)
	}
	sig := domain.PRSignal{WorkID: "leaf", State: "closed", ObservedAt: t0.Format(time.RFC3339)}
	if err := env.Store.UpsertPRSignal(env.Ctx, sig); err != nil {
		t.Fatal(err)
	}
	env.Scanner.VCS = fixedVCS{merged: true}

	rep, err := env.Scanner.Run(env.Ctx, "scanner")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rep.Repairs) != 0 {
		t.Fatalf("landed branch must leave the close alone, got %+v", rep.Repairs)
	}
	w, err := env.Store.GetWorkItem(env.Ctx, "leaf")
	if err != nil {
		t.Fatal(err)
	}
	if w.Status != "closed" {
		t.Fatalf("confirmed integration must stay closed: %+v", w)
	}
}

func TestStaleHookReclaimedBySweep(t *testing.T) {
	env := newTestEnv(t)
	env.seedLeaf(t, "leaf")
	arb := claim.NewArbiter(env.DB)
	arb.Now = func() time.Time { return t0 }
	if _, err := arb.Claim(env.Ctx, "agent-a", "leaf"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// Heartbeat stays at t0; the scanner runs far past the staleness
	// threshold.
	env.Scanner.Now = func() time.Time { return t0.Add(24 * time.Hour) }
	env.Scanner.Arbiter.Now = env.Scanner.Now

	rep, err := env.Scanner.Run(env.Ctx, "scanner")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rep.Reclaimed) != 1 || rep.Reclaimed[0] != "leaf" {
		t.Fatalf("expected leaf reclaimed, got %v", rep.Reclaimed)
	}
	w, err := env.Store.GetWorkItem(env.Ctx, "leaf")
	if err != nil {
		t.Fatal(err)
	}
	if w.Assignee != nil {
		t.Fatalf("stale claim not freed: %+v", w)
	}
}

func TestReclaimSweepToleratesHeartbeatRefresh(t *testing.T) {
	env := newTestEnv(t)
	env.seedLeaf(t, "leaf")
	arb := claim.NewArbiter(env.DB)
	arb.Now = func() time.Time { return t0 }
	if _, err := arb.Claim(env.Ctx, "agent-a", "leaf"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// The sweep's staleness check sees an old heartbeat, but by the time
	// the arbiter re-verifies inside its transaction the owner has
	// refreshed: the reclaim must turn into a no-op, not abort the pass.
	env.Scanner.Now = func() time.Time { return t0.Add(24 * time.Hour) }
	env.Scanner.Arbiter.Now = func() time.Time { return t0.Add(time.Minute) }

	rep, err := env.Scanner.Run(env.Ctx, "scanner")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rep.Reclaimed) != 0 {
		t.Fatalf("fresh claim must not be reclaimed, got %v", rep.Reclaimed)
	}
	w, err := env.Store.GetWorkItem(env.Ctx, "leaf")
	if err != nil {
		t.Fatal(err)
	}
	if w.Assignee == nil || *w.Assignee != "agent-a" {
		t.Fatalf("claim must survive the sweep: %+v", w)
	}
}
