package selection_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"crewline/internal/claim"
	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/mailbox"
	"crewline/internal/migrate"
	"crewline/internal/selection"
	"crewline/internal/store"
	"crewline/internal/work"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	DB      *sql.DB
	Store   store.Store
	Work    work.Service
	Engine  selection.Engine
	Arbiter claim.Arbiter
	Mailbox mailbox.Mailbox
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
		Engine:  selection.NewEngine(conn, config.Default("ws-1")),
		Arbiter: claim.NewArbiter(conn),
		Mailbox: mailbox.New(conn),
		Ctx:     context.Background(),
	}
	for _, agent := range []string{"agent-a", "agent-b"} {
		if _, err := env.Store.EnsureAgent(env.Ctx, agent, t0); err != nil {
			t.Fatalf("register %s: %v", agent, err)
		}
	}
	return env
}

func (env testEnv) seedEpic(t *testing.T, epicID string, leafIDs ...string) {
	t.Helper()
	if _, err := env.Work.Create(env.Ctx, work.CreateOptions{ID: epicID, Title: epicID, ActorID: "tester"}); err != nil {
		t.Fatalf("create %s: %v", epicID, err)
	}
	ids := append([]string{epicID}, leafIDs...)
	for _, id := range leafIDs {
		if _, err := env.Work.Create(env.Ctx, work.CreateOptions{ID: id, Title: id, ParentID: epicID, ActorID: "tester"}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	for _, id := range ids {
		if _, err := env.Work.Promote(env.Ctx, id, "tester"); err != nil {
			t.Fatalf("promote %s: %v", id, err)
		}
	}
}

func TestAutoSelectionIsDeterministic(t *testing.T) {
	env := newTestEnv(t)
	env.seedEpic(t, "epic-1", "leaf-1a", "leaf-1b")
	env.seedEpic(t, "epic-2", "leaf-2a")

	out, err := env.Engine.Startup(env.Ctx, "agent-a", selection.ModeAuto)
	if err != nil {
		t.Fatalf("startup: %v", err)
	}
	if out.Phase != selection.PhaseClaimed || out.Epic == nil || out.Next == nil {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Epic.ID != "epic-1" || out.Next.ID != "leaf-1a" {
		t.Fatalf("expected oldest epic and leaf, got %s / %s", out.Epic.ID, out.Next.ID)
	}

	// Same snapshot, same choice.
	if err := env.Arbiter.Release(env.Ctx, "agent-a", "epic-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, err := env.Engine.Startup(env.Ctx, "agent-a", selection.ModeAuto)
	if err != nil {
		t.Fatalf("second startup: %v", err)
	}
	if again.Epic.ID != out.Epic.ID || again.Next.ID != out.Next.ID {
		t.Fatalf("selection not deterministic: %s/%s vs %s/%s", again.Epic.ID, again.Next.ID, out.Epic.ID, out.Next.ID)
	}
}

func TestResumeTakesPrecedence(t *testing.T) {
	env := newTestEnv(t)
	env.seedEpic(t, "epic-1", "leaf-1a")
	env.seedEpic(t, "epic-2", "leaf-2a")
	if _, err := env.Arbiter.Claim(env.Ctx, "agent-a", "epic-2"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	out, err := env.Engine.Startup(env.Ctx, "agent-a", selection.ModeAuto)
	if err != nil {
		t.Fatalf("startup: %v", err)
	}
	if out.Phase != selection.PhaseResumed || out.Epic == nil || out.Epic.ID != "epic-2" {
		t.Fatalf("expected resume of epic-2, got %+v", out)
	}
}

func TestUnreadMessagesHaltSelection(t *testing.T) {
	env := newTestEnv(t)
	env.seedEpic(t, "epic-1", "leaf-1a")
	if _, err := env.Mailbox.Send(env.Ctx, "supervisor", "agent-a", "", "hold on"); err != nil {
		t.Fatal(err)
	}

	out, err := env.Engine.Startup(env.Ctx, "agent-a", selection.ModeAuto)
	if err != nil {
		t.Fatalf("startup: %v", err)
	}
	if out.Phase != selection.PhaseMailbox || len(out.Messages) != 1 {
		t.Fatalf("expected mailbox halt, got %+v", out)
	}
	w, err := env.Store.GetWorkItem(env.Ctx, "epic-1")
	if err != nil {
		t.Fatal(err)
	}
	if w.Assignee != nil {
		t.Fatalf("no claim may be taken while messages are pending")
	}
}

func TestFeedbackPendingLeavesComeFirst(t *testing.T) {
	env := newTestEnv(t)
	env.seedEpic(t, "epic-1", "leaf-old", "leaf-feedback")
	cursor := "2024-01-01T00:00:00Z"
	if _, err := env.Work.SetLineage(env.Ctx, work.LineageOptions{ID: "leaf-feedback", ReviewCursor: &cursor, ActorID: "tester"}); err != nil {
		t.Fatalf("set cursor: %v", err)
	}
	// Reviewer input lands on the changeset's thread after the cursor.
	if _, err := env.Mailbox.Enqueue(env.Ctx, "reviewer", "review", "leaf-feedback", "please fix naming"); err != nil {
		t.Fatal(err)
	}

	out, err := env.Engine.Startup(env.Ctx, "agent-a", selection.ModeAuto)
	if err != nil {
		t.Fatalf("startup: %v", err)
	}
	if out.Next == nil || out.Next.ID != "leaf-feedback" {
		t.Fatalf("feedback-pending leaf must come before newly ready work, got %+v", out.Next)
	}
}

func TestIdleAutoEmitsNeedsDecision(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.Engine.Startup(env.Ctx, "agent-a", selection.ModeAuto)
	if err != nil {
		t.Fatalf("startup: %v", err)
	}
	if out.Phase != selection.PhaseIdle {
		t.Fatalf("expected idle, got %+v", out)
	}
	posts, err := env.Store.ListMessages(env.Ctx, store.MessageFilters{Channel: "supervisor", Open: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(posts) != 1 {
		t.Fatalf("expected one needs-decision post, got %d", len(posts))
	}

	// A still-idle agent polling again must not repost while the first
	// notification is standing.
	if _, err := env.Engine.Startup(env.Ctx, "agent-a", selection.ModeAuto); err != nil {
		t.Fatalf("second startup: %v", err)
	}
	posts, err = env.Store.ListMessages(env.Ctx, store.MessageFilters{Channel: "supervisor", Open: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(posts) != 1 {
		t.Fatalf("idle polling must not duplicate the post, got %d", len(posts))
	}
}

func TestWatchedQueueItemsHaltSelection(t *testing.T) {
	env := newTestEnv(t)
	env.seedEpic(t, "epic-1", "leaf-1a")
	env.Engine.Config.Agents.WatchQueues = []string{"triage"}
	if _, err := env.Mailbox.Enqueue(env.Ctx, "supervisor", "triage", "", "investigate failing deploy"); err != nil {
		t.Fatal(err)
	}

	out, err := env.Engine.Startup(env.Ctx, "agent-a", selection.ModeAuto)
	if err != nil {
		t.Fatalf("startup: %v", err)
	}
	if out.Phase != selection.PhaseMailbox || len(out.Messages) != 1 {
		t.Fatalf("expected halt on watched queue item, got %+v", out)
	}
	w, err := env.Store.GetWorkItem(env.Ctx, "epic-1")
	if err != nil {
		t.Fatal(err)
	}
	if w.Assignee != nil {
		t.Fatalf("no claim may be taken while queue items are pending")
	}
}
