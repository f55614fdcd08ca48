// Package mailbox handles direct messages, claimable queue items and
// channel posts. Messages are first-class records in the planning store,
// not a side channel.
package mailbox

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/faults"
	"crewline/internal/store"
)

type Mailbox struct {
	DB     *sql.DB
	Store  store.Store
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Mailbox {
	return Mailbox{
		DB:     db,
		Store:  store.Store{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (m Mailbox) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m Mailbox) insert(ctx context.Context, msg domain.Message, evtType string) (domain.Message, error) {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return msg, err
	}
	defer tx.Rollback()
	if err := m.Store.InsertMessage(ctx, tx, msg); err != nil {
		return msg, err
	}
	if err := m.Events.Append(ctx, tx, evtType, "message", msg.ID, msg.Sender, events.EventPayload{
		"recipient": msg.Recipient,
		"channel":   msg.Channel,
		"thread_id": msg.ThreadID,
	}); err != nil {
		return msg, err
	}
	return msg, tx.Commit()
}

// Send delivers a direct message to one agent. threadID may reference the
// work item the message concerns.
func (m Mailbox) Send(ctx context.Context, sender, recipient, threadID, body string) (domain.Message, error) {
	if recipient == "" {
		return domain.Message{}, faults.New(faults.ValidationFailed, "recipient is required")
	}
	msg := domain.Message{
		ID:        uuid.New().String(),
		Sender:    sender,
		Recipient: &recipient,
		Body:      body,
		CreatedAt: m.now().UTC().Format(time.RFC3339),
	}
	if threadID != "" {
		msg.ThreadID = &threadID
	}
	return m.insert(ctx, msg, "message.sent")
}

// Enqueue places a claimable item on a named queue. It must be claimed
// before being acted on.
func (m Mailbox) Enqueue(ctx context.Context, sender, queue, threadID, body string) (domain.Message, error) {
	if queue == "" {
		return domain.Message{}, faults.New(faults.ValidationFailed, "queue name is required")
	}
	msg := domain.Message{
		ID:        uuid.New().String(),
		Sender:    sender,
		Channel:   &queue,
		Body:      body,
		CreatedAt: m.now().UTC().Format(time.RFC3339),
	}
	if threadID != "" {
		msg.ThreadID = &threadID
	}
	return m.insert(ctx, msg, "message.enqueued")
}

// Post publishes to a channel with retention; expired posts are closed by
// the reconciliation sweep. Channel posts are informational and carry no
// claim semantics.
func (m Mailbox) Post(ctx context.Context, sender, channel, body string, retentionDays int) (domain.Message, error) {
	if channel == "" {
		return domain.Message{}, faults.New(faults.ValidationFailed, "channel name is required")
	}
	msg := domain.Message{
		ID:        uuid.New().String(),
		Sender:    sender,
		Channel:   &channel,
		Body:      body,
		Read:      true,
		CreatedAt: m.now().UTC().Format(time.RFC3339),
	}
	if retentionDays > 0 {
		msg.RetentionDays = &retentionDays
	}
	return m.insert(ctx, msg, "message.posted")
}

// Claim takes ownership of a queue item. A second claim on an already
// claimed item fails visibly with a conflict, never a silent overwrite.
func (m Mailbox) Claim(ctx context.Context, agentID, messageID string) (domain.Message, error) {
	cur, err := m.Store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Message{}, faults.New(faults.DependencyMissing, "message %s not found", messageID)
		}
		return domain.Message{}, err
	}
	if cur.ClaimedBy != nil {
		if *cur.ClaimedBy == agentID {
			return cur, nil
		}
		return domain.Message{}, faults.New(faults.ClaimConflict, "message %s already claimed by %s", messageID, *cur.ClaimedBy)
	}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, err
	}
	defer tx.Rollback()
	ok, err := m.Store.ClaimMessage(ctx, tx, messageID, agentID, m.now())
	if err != nil {
		return domain.Message{}, err
	}
	if !ok {
		return domain.Message{}, faults.New(faults.ClaimConflict, "message %s was claimed concurrently", messageID)
	}
	if err := m.Events.Append(ctx, tx, "message.claimed", "message", messageID, agentID, nil); err != nil {
		return domain.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, err
	}
	return m.Store.GetMessage(ctx, messageID)
}

// MarkRead acknowledges a direct message.
func (m Mailbox) MarkRead(ctx context.Context, agentID, messageID string) error {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := m.Store.MarkMessageRead(ctx, tx, messageID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return faults.New(faults.DependencyMissing, "message %s not found", messageID)
		}
		return err
	}
	if err := m.Events.Append(ctx, tx, "message.read", "message", messageID, agentID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// Inbox returns unread direct messages for the agent, oldest first.
func (m Mailbox) Inbox(ctx context.Context, agentID string) ([]domain.Message, error) {
	return m.Store.ListMessages(ctx, store.MessageFilters{Recipient: agentID, Unread: true, Open: true})
}

// Drain returns everything the agent must resolve before selecting new
// work: unread direct messages plus unclaimed items on the given queues.
func (m Mailbox) Drain(ctx context.Context, agentID string, queues ...string) ([]domain.Message, error) {
	actionable, err := m.Inbox(ctx, agentID)
	if err != nil {
		return nil, err
	}
	for _, q := range queues {
		items, err := m.Store.ListMessages(ctx, store.MessageFilters{Channel: q, Unclaimed: true, Unread: true, Open: true})
		if err != nil {
			return nil, err
		}
		actionable = append(actionable, items...)
	}
	return actionable, nil
}

// NotifyNeedsDecision posts an operator-facing notification to the
// supervisor channel. Used for conditions the engine must not auto-resolve.
func (m Mailbox) NotifyNeedsDecision(ctx context.Context, actorID, channel, workID, reason string) (domain.Message, error) {
	msg := domain.Message{
		ID:        uuid.New().String(),
		Sender:    actorID,
		Channel:   &channel,
		Body:      "NEEDS-DECISION: " + reason,
		CreatedAt: m.now().UTC().Format(time.RFC3339),
	}
	if workID != "" {
		msg.ThreadID = &workID
	}
	return m.insert(ctx, msg, "message.needs_decision")
}
