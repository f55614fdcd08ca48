package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"crewline/internal/domain"
)

const messageColumns = `id,sender,recipient,channel,thread_id,body,claimed_by,claimed_at,retention_days,expires_at,read,created_at,closed_at`

func scanMessage(row rowScanner) (domain.Message, error) {
	var m domain.Message
	var recipient, channel, threadID, claimedBy, claimedAt, expiresAt, closedAt sql.NullString
	var retention sql.NullInt64
	var read int
	err := row.Scan(&m.ID, &m.Sender, &recipient, &channel, &threadID, &m.Body,
		&claimedBy, &claimedAt, &retention, &expiresAt, &read, &m.CreatedAt, &closedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if recipient.Valid {
		m.Recipient = &recipient.String
	}
	if channel.Valid {
		m.Channel = &channel.String
	}
	if threadID.Valid {
		m.ThreadID = &threadID.String
	}
	if claimedBy.Valid {
		m.ClaimedBy = &claimedBy.String
	}
	if claimedAt.Valid {
		m.ClaimedAt = &claimedAt.String
	}
	if retention.Valid {
		v := int(retention.Int64)
		m.RetentionDays = &v
	}
	if expiresAt.Valid {
		m.ExpiresAt = &expiresAt.String
	}
	if closedAt.Valid {
		m.ClosedAt = &closedAt.String
	}
	m.Read = read != 0
	return m, nil
}

func (s Store) InsertMessage(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	read := 0
	if m.Read {
		read = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO messages(`+messageColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.Sender, nullableStringPtr(m.Recipient), nullableStringPtr(m.Channel), nullableStringPtr(m.ThreadID),
		m.Body, nullableStringPtr(m.ClaimedBy), nullableStringPtr(m.ClaimedAt), nullableIntPtr(m.RetentionDays),
		nullableStringPtr(m.ExpiresAt), read, m.CreatedAt, nullableStringPtr(m.ClosedAt))
	return err
}

func (s Store) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	return scanMessage(s.DB.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=?`, id))
}

type MessageFilters struct {
	Recipient string
	Channel   string
	ThreadID  string
	Unread    bool
	Unclaimed bool
	Open      bool
	Limit     int
}

func (s Store) ListMessages(ctx context.Context, f MessageFilters) ([]domain.Message, error) {
	var clauses []string
	var args []any
	if f.Recipient != "" {
		clauses = append(clauses, "recipient=?")
		args = append(args, f.Recipient)
	}
	if f.Channel != "" {
		clauses = append(clauses, "channel=?")
		args = append(args, f.Channel)
	}
	if f.ThreadID != "" {
		clauses = append(clauses, "thread_id=?")
		args = append(args, f.ThreadID)
	}
	if f.Unread {
		clauses = append(clauses, "read=0")
	}
	if f.Unclaimed {
		clauses = append(clauses, "claimed_by IS NULL")
	}
	if f.Open {
		clauses = append(clauses, "closed_at IS NULL")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + messageColumns + ` FROM messages ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// ClaimMessage marks a queue item claimed by agentID. The update is
// conditional on the item being unclaimed, so a second claim attempt
// affects zero rows and is reported instead of overwriting.
func (s Store) ClaimMessage(ctx context.Context, tx *sql.Tx, id, agentID string, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE messages SET claimed_by=?, claimed_at=? WHERE id=? AND claimed_by IS NULL AND closed_at IS NULL`,
		agentID, now.UTC().Format(time.RFC3339), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s Store) MarkMessageRead(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE messages SET read=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CloseExpiredMessages closes channel posts whose retention has elapsed.
// Returns the ids of messages closed in this sweep.
func (s Store) CloseExpiredMessages(ctx context.Context, tx *sql.Tx, now time.Time) ([]string, error) {
	ts := now.UTC().Format(time.RFC3339)
	rows, err := tx.QueryContext(ctx, `SELECT id FROM messages WHERE closed_at IS NULL AND (
		(expires_at IS NOT NULL AND expires_at <= ?) OR
		(retention_days IS NOT NULL AND datetime(created_at, '+' || retention_days || ' days') <= datetime(?))
	)`, ts, ts)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET closed_at=? WHERE id=?`, ts, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}
