package readiness_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"crewline/internal/db"
	"crewline/internal/lifecycle"
	"crewline/internal/migrate"
	"crewline/internal/readiness"
	"crewline/internal/store"
	"crewline/internal/work"
)

type testEnv struct {
	DB    *sql.DB
	Store store.Store
	Work  work.Service
	Ctx   context.Context
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
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	svc.Now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	return testEnv{DB: conn, Store: store.Store{DB: conn}, Work: svc, Ctx: context.Background()}
}

func (env testEnv) mustCreate(t *testing.T, id, title, parentID string, deps ...string) {
	t.Helper()
	_, err := env.Work.Create(env.Ctx, work.CreateOptions{ID: id, Title: title, ParentID: parentID, DependsOn: deps, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

func (env testEnv) mustPromote(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := env.Work.Promote(env.Ctx, id, "tester"); err != nil {
			t.Fatalf("promote %s: %v", id, err)
		}
	}
}

func states(leaves []readiness.Leaf) map[string]readiness.State {
	out := map[string]readiness.State{}
	for _, l := range leaves {
		out[l.Item.ID] = l.State
	}
	return out
}

func TestReadinessLawRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "epic", "epic", "")
	env.mustCreate(t, "a", "first", "epic")
	env.mustCreate(t, "b", "second", "epic", "a")
	env.mustPromote(t, "epic", "a", "b")

	leaves, err := readiness.Evaluate(env.Ctx, env.Store, "epic")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	st := states(leaves)
	if st["a"] != readiness.Runnable {
		t.Fatalf("a should be runnable, got %s", st["a"])
	}
	if st["b"] != readiness.Blocked {
		t.Fatalf("b should be blocked while a is open, got %s", st["b"])
	}

	// Closing the dependency flips b into the runnable set with no other
	// mutation.
	if _, err := env.Work.SetStatus(env.Ctx, "a", string(lifecycle.StatusClosed), "tester", false); err != nil {
		t.Fatalf("close a: %v", err)
	}
	leaves, err = readiness.Evaluate(env.Ctx, env.Store, "epic")
	if err != nil {
		t.Fatalf("re-evaluate: %v", err)
	}
	if states(leaves)["b"] != readiness.Runnable {
		t.Fatalf("b should be runnable after a closed")
	}
}

func TestStatusBoundaryExcludesDeferredAndClosed(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "epic", "epic", "")
	env.mustCreate(t, "deferred-leaf", "not promoted", "epic")
	env.mustCreate(t, "done-leaf", "finished", "epic")
	env.mustPromote(t, "epic", "done-leaf")
	if _, err := env.Work.SetStatus(env.Ctx, "done-leaf", string(lifecycle.StatusClosed), "tester", false); err != nil {
		t.Fatalf("close: %v", err)
	}

	leaves, err := readiness.Evaluate(env.Ctx, env.Store, "epic")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	for _, l := range leaves {
		if l.State == readiness.Runnable {
			t.Fatalf("%s (%s) must not be runnable", l.Item.ID, l.Item.Status)
		}
	}
}

func TestDanglingDependencyIsBlockedWithDiagnostic(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "epic", "epic", "")
	env.mustCreate(t, "leaf", "leaf", "epic")
	env.mustPromote(t, "epic", "leaf")
	// The edge bypasses validation the way a store-side deletion would.
	if _, err := env.DB.Exec(`INSERT INTO work_deps(work_id,depends_on_id) VALUES ('leaf','ghost')`); err != nil {
		t.Fatalf("insert dangling edge: %v", err)
	}

	leaves, err := readiness.Evaluate(env.Ctx, env.Store, "epic")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	var found bool
	for _, l := range leaves {
		if l.Item.ID != "leaf" {
			continue
		}
		found = true
		if l.State != readiness.Blocked {
			t.Fatalf("leaf with dangling dep must be blocked, got %s", l.State)
		}
		if l.Diagnostic == "" {
			t.Fatalf("dangling dep must carry a diagnostic")
		}
	}
	if !found {
		t.Fatalf("leaf missing from evaluation")
	}
}

func TestDependencyCycleIsSurfaced(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "epic", "epic", "")
	env.mustCreate(t, "x", "x", "epic")
	env.mustCreate(t, "y", "y", "epic", "x")
	env.mustPromote(t, "epic", "x", "y")
	if _, err := env.DB.Exec(`INSERT INTO work_deps(work_id,depends_on_id) VALUES ('x','y')`); err != nil {
		t.Fatalf("insert back edge: %v", err)
	}

	if _, err := readiness.Evaluate(env.Ctx, env.Store, "epic"); err == nil {
		t.Fatalf("expected cycle error")
	}
}

func TestRunnableOrderIsOldestFirst(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "epic", "epic", "")
	env.mustCreate(t, "older", "older", "epic")
	env.mustCreate(t, "newer", "newer", "epic")
	env.mustPromote(t, "epic", "older", "newer")

	leaves, err := readiness.Evaluate(env.Ctx, env.Store, "epic")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	runnable := readiness.RunnableLeaves(leaves)
	if len(runnable) != 2 || runnable[0].ID != "older" || runnable[1].ID != "newer" {
		t.Fatalf("unexpected order: %+v", runnable)
	}
}
