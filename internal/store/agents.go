package store

import (
	"context"
	"database/sql"
	"time"

	"crewline/internal/domain"
)

// EnsureAgent creates the agent record if missing and refreshes its
// heartbeat either way. Agents persist across sessions.
func (s Store) EnsureAgent(ctx context.Context, agentID string, now time.Time) (domain.Agent, error) {
	ts := now.UTC().Format(time.RFC3339)
	_, err := s.DB.ExecContext(ctx, `INSERT INTO agents(id,heartbeat_at,created_at) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET heartbeat_at=excluded.heartbeat_at`, agentID, ts, ts)
	if err != nil {
		return domain.Agent{}, err
	}
	return s.GetAgent(ctx, agentID)
}

func (s Store) GetAgent(ctx context.Context, agentID string) (domain.Agent, error) {
	var a domain.Agent
	var hook sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT id,hook_work_id,heartbeat_at,created_at FROM agents WHERE id=?`, agentID).
		Scan(&a.ID, &hook, &a.HeartbeatAt, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if hook.Valid {
		a.HookWorkID = &hook.String
	}
	return a, nil
}

func (s Store) GetAgentTx(ctx context.Context, tx *sql.Tx, agentID string) (domain.Agent, error) {
	var a domain.Agent
	var hook sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT id,hook_work_id,heartbeat_at,created_at FROM agents WHERE id=?`, agentID).
		Scan(&a.ID, &hook, &a.HeartbeatAt, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if hook.Valid {
		a.HookWorkID = &hook.String
	}
	return a, nil
}

func (s Store) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id,hook_work_id,heartbeat_at,created_at FROM agents ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		var a domain.Agent
		var hook sql.NullString
		if err := rows.Scan(&a.ID, &hook, &a.HeartbeatAt, &a.CreatedAt); err != nil {
			return nil, err
		}
		if hook.Valid {
			a.HookWorkID = &hook.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// Heartbeat refreshes the agent's liveness timestamp.
func (s Store) Heartbeat(ctx context.Context, agentID string, now time.Time) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE agents SET heartbeat_at=? WHERE id=?`,
		now.UTC().Format(time.RFC3339), agentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s Store) SetHook(ctx context.Context, tx *sql.Tx, agentID, workID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE agents SET hook_work_id=? WHERE id=?`, workID, agentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s Store) ClearHook(ctx context.Context, tx *sql.Tx, agentID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE agents SET hook_work_id=NULL WHERE id=?`, agentID)
	return err
}
