package work_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"crewline/internal/db"
	"crewline/internal/faults"
	"crewline/internal/migrate"
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
	svc.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{DB: conn, Store: store.Store{DB: conn}, Work: svc, Ctx: context.Background()}
}

func TestCreateStartsDeferred(t *testing.T) {
	env := newTestEnv(t)
	w, err := env.Work.Create(env.Ctx, work.CreateOptions{ID: "w1", Title: "plan the thing", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if w.Status != "deferred" {
		t.Fatalf("new items must start deferred, got %s", w.Status)
	}
	promoted, err := env.Work.Promote(env.Ctx, "w1", "tester")
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if promoted.Status != "open" {
		t.Fatalf("promote must yield open, got %s", promoted.Status)
	}
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Work.Create(env.Ctx, work.CreateOptions{ActorID: "tester"}); !faults.Is(err, faults.ValidationFailed) {
		t.Fatalf("expected validation_failed for missing title, got %v", err)
	}
	if _, err := env.Work.Create(env.Ctx, work.CreateOptions{Title: "x", ParentID: "nope", ActorID: "tester"}); !faults.Is(err, faults.DependencyMissing) {
		t.Fatalf("expected dependency_missing for unknown parent, got %v", err)
	}
	if _, err := env.Work.Create(env.Ctx, work.CreateOptions{Title: "x", DependsOn: []string{"nope"}, ActorID: "tester"}); !faults.Is(err, faults.DependencyMissing) {
		t.Fatalf("expected dependency_missing for unknown dependency, got %v", err)
	}
}

func TestClosedIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Work.Create(env.Ctx, work.CreateOptions{ID: "w1", Title: "t", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Work.Promote(env.Ctx, "w1", "tester"); err != nil {
		t.Fatal(err)
	}
	w, err := env.Work.SetStatus(env.Ctx, "w1", "closed", "tester", false)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if w.ClosedAt == nil {
		t.Fatalf("closed_at not set")
	}
	// Not even force reopens a closed item; recovery is the scanner's job.
	if _, err := env.Work.SetStatus(env.Ctx, "w1", "open", "tester", true); !faults.Is(err, faults.UnexpectedState) {
		t.Fatalf("expected unexpected_state leaving closed, got %v", err)
	}
}

func TestSetLineage(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Work.Create(env.Ctx, work.CreateOptions{ID: "w1", Title: "t", RootBranch: "main", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	wb, pb := "work/w1", "main"
	w, err := env.Work.SetLineage(env.Ctx, work.LineageOptions{ID: "w1", WorkBranch: &wb, ParentBranch: &pb, ActorID: "tester"})
	if err != nil {
		t.Fatalf("set lineage: %v", err)
	}
	if w.WorkBranch == nil || *w.WorkBranch != "work/w1" || w.ParentBranch == nil || *w.ParentBranch != "main" {
		t.Fatalf("lineage not applied: %+v", w)
	}
	if w.RootBranch == nil || *w.RootBranch != "main" {
		t.Fatalf("root branch lost: %+v", w)
	}
}

func TestStatusChangeWritesEvent(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Work.Create(env.Ctx, work.CreateOptions{ID: "w1", Title: "t", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Work.Promote(env.Ctx, "w1", "tester"); err != nil {
		t.Fatal(err)
	}
	evts, err := env.Store.LatestEvents(env.Ctx, 10, "work.status_changed", "", "w1")
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected one status event, got %d", len(evts))
	}
}
