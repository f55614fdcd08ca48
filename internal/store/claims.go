package store

import (
	"context"
	"database/sql"
	"time"
)

// ClaimWorkItem writes assignee and status conditionally: the update only
// lands when the item is unassigned or already held by agentID. Callers
// must re-read and verify after commit; the store promises nothing stronger
// than read-then-conditional-write.
func (s Store) ClaimWorkItem(ctx context.Context, tx *sql.Tx, workID, agentID, status string, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET assignee=?, status=?, updated_at=? WHERE id=? AND (assignee IS NULL OR assignee=?)`,
		agentID, status, now.UTC().Format(time.RFC3339), workID, agentID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseWorkItem clears the assignee and reverts the status, conditional
// on agentID still holding the item. Zero rows affected means the item was
// already released or taken over, which callers treat as idempotent success.
func (s Store) ReleaseWorkItem(ctx context.Context, tx *sql.Tx, workID, agentID, status string, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET assignee=NULL, status=?, updated_at=? WHERE id=? AND assignee=?`,
		status, now.UTC().Format(time.RFC3339), workID, agentID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
