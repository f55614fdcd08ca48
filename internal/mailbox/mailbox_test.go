package mailbox_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"crewline/internal/db"
	"crewline/internal/faults"
	"crewline/internal/mailbox"
	"crewline/internal/migrate"
	"crewline/internal/store"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	DB      *sql.DB
	Store   store.Store
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
	mb := mailbox.New(conn)
	mb.Now = func() time.Time { return t0 }
	return testEnv{DB: conn, Store: store.Store{DB: conn}, Mailbox: mb, Ctx: context.Background()}
}

func TestQueueClaimConflict(t *testing.T) {
	env := newTestEnv(t)
	item, err := env.Mailbox.Enqueue(env.Ctx, "planner", "review-queue", "", "please review")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := env.Mailbox.Claim(env.Ctx, "agent-a", item.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// Re-claiming by the holder is a no-op, by anyone else a visible
	// conflict.
	if _, err := env.Mailbox.Claim(env.Ctx, "agent-a", item.ID); err != nil {
		t.Fatalf("repeat claim by holder: %v", err)
	}
	_, err = env.Mailbox.Claim(env.Ctx, "agent-b", item.ID)
	if !faults.Is(err, faults.ClaimConflict) {
		t.Fatalf("expected claim_conflict, got %v", err)
	}
	got, err := env.Store.GetMessage(env.Ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ClaimedBy == nil || *got.ClaimedBy != "agent-a" {
		t.Fatalf("claim overwritten: %+v", got.ClaimedBy)
	}
}

func TestInboxTracksUnread(t *testing.T) {
	env := newTestEnv(t)
	msg, err := env.Mailbox.Send(env.Ctx, "supervisor", "agent-a", "", "stop and sync")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	inbox, err := env.Mailbox.Inbox(env.Ctx, "agent-a")
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if len(inbox) != 1 || inbox[0].ID != msg.ID {
		t.Fatalf("expected one unread message, got %+v", inbox)
	}
	if err := env.Mailbox.MarkRead(env.Ctx, "agent-a", msg.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	inbox, err = env.Mailbox.Inbox(env.Ctx, "agent-a")
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if len(inbox) != 0 {
		t.Fatalf("read message still in inbox")
	}
}

func TestDrainCoversDirectAndQueue(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Mailbox.Send(env.Ctx, "supervisor", "agent-a", "", "direct"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Mailbox.Enqueue(env.Ctx, "planner", "agent-a", "", "queued"); err != nil {
		t.Fatal(err)
	}
	// Channel posts are informational and must not block selection.
	if _, err := env.Mailbox.Post(env.Ctx, "agent-b", "general", "fyi", 7); err != nil {
		t.Fatal(err)
	}
	pending, err := env.Mailbox.Drain(env.Ctx, "agent-a", "agent-a")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 actionable messages, got %d", len(pending))
	}
}

func TestRetentionExpiryClosesChannelPosts(t *testing.T) {
	env := newTestEnv(t)
	post, err := env.Mailbox.Post(env.Ctx, "agent-a", "general", "old news", 1)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	tx, err := env.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	closed, err := env.Store.CloseExpiredMessages(env.Ctx, tx, t0.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if len(closed) != 1 || closed[0] != post.ID {
		t.Fatalf("expected post closed, got %v", closed)
	}
	got, err := env.Store.GetMessage(env.Ctx, post.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ClosedAt == nil {
		t.Fatalf("post not marked closed")
	}
}
