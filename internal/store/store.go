// Package store implements the planning-store operation set over SQLite.
// The engine treats it as a key-value-plus-graph service; components never
// assume more than read-then-conditional-write semantics from it.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"crewline/internal/config"
	"crewline/internal/domain"
)

type Store struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const workItemColumns = `id,title,description,parent_id,status,assignee,root_branch,work_branch,parent_branch,integrated_sha,review_cursor,created_at,updated_at,closed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row rowScanner) (domain.WorkItem, error) {
	var w domain.WorkItem
	var description, parentID, assignee, rootBranch, workBranch, parentBranch, integratedSHA, reviewCursor, closedAt sql.NullString
	err := row.Scan(&w.ID, &w.Title, &description, &parentID, &w.Status, &assignee,
		&rootBranch, &workBranch, &parentBranch, &integratedSHA, &reviewCursor,
		&w.CreatedAt, &w.UpdatedAt, &closedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if description.Valid {
		w.Description = description.String
	}
	if parentID.Valid {
		w.ParentID = &parentID.String
	}
	if assignee.Valid {
		w.Assignee = &assignee.String
	}
	if rootBranch.Valid {
		w.RootBranch = &rootBranch.String
	}
	if workBranch.Valid {
		w.WorkBranch = &workBranch.String
	}
	if parentBranch.Valid {
		w.ParentBranch = &parentBranch.String
	}
	if integratedSHA.Valid {
		w.IntegratedSHA = &integratedSHA.String
	}
	if reviewCursor.Valid {
		w.ReviewCursor = &reviewCursor.String
	}
	if closedAt.Valid {
		w.ClosedAt = &closedAt.String
	}
	return w, nil
}

func (s Store) InsertWorkItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_items(`+workItemColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.Title, nullable(w.Description), nullableStringPtr(w.ParentID), w.Status, nullableStringPtr(w.Assignee),
		nullableStringPtr(w.RootBranch), nullableStringPtr(w.WorkBranch), nullableStringPtr(w.ParentBranch),
		nullableStringPtr(w.IntegratedSHA), nullableStringPtr(w.ReviewCursor),
		w.CreatedAt, w.UpdatedAt, nullableStringPtr(w.ClosedAt))
	if err != nil {
		return err
	}
	for _, l := range w.Labels {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO work_labels(work_id,label) VALUES (?,?)`, w.ID, l); err != nil {
			return err
		}
	}
	return nil
}

func (s Store) UpdateWorkItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET title=?, description=?, parent_id=?, status=?, assignee=?, root_branch=?, work_branch=?, parent_branch=?, integrated_sha=?, review_cursor=?, updated_at=?, closed_at=? WHERE id=?`,
		w.Title, nullable(w.Description), nullableStringPtr(w.ParentID), w.Status, nullableStringPtr(w.Assignee),
		nullableStringPtr(w.RootBranch), nullableStringPtr(w.WorkBranch), nullableStringPtr(w.ParentBranch),
		nullableStringPtr(w.IntegratedSHA), nullableStringPtr(w.ReviewCursor),
		w.UpdatedAt, nullableStringPtr(w.ClosedAt), w.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s Store) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	w, err := scanWorkItem(s.DB.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id))
	if err != nil {
		return w, err
	}
	w.DependsOn, err = s.ListDependencies(ctx, w.ID)
	if err != nil {
		return w, err
	}
	w.Labels, err = s.ListLabels(ctx, w.ID)
	return w, err
}

func (s Store) GetWorkItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	w, err := scanWorkItem(tx.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id))
	if err != nil {
		return w, err
	}
	rows, err := tx.QueryContext(ctx, `SELECT depends_on_id FROM work_deps WHERE work_id=?`, id)
	if err != nil {
		return w, err
	}
	defer rows.Close()
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return w, err
		}
		w.DependsOn = append(w.DependsOn, dep)
	}
	return w, rows.Err()
}

type WorkFilters struct {
	Status   string
	ParentID string
	Assignee string
	TopLevel bool
	Limit    int
}

func (s Store) ListWorkItems(ctx context.Context, f WorkFilters) ([]domain.WorkItem, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	if f.Assignee != "" {
		clauses = append(clauses, "assignee=?")
		args = append(args, f.Assignee)
	}
	if f.TopLevel {
		clauses = append(clauses, "parent_id IS NULL")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + workItemColumns + ` FROM work_items ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// ListSubtree returns the epic and every descendant, ordered by creation.
func (s Store) ListSubtree(ctx context.Context, epicID string) ([]domain.WorkItem, error) {
	rows, err := s.DB.QueryContext(ctx, `WITH RECURSIVE subtree(id) AS (
		SELECT id FROM work_items WHERE id=?
		UNION
		SELECT w.id FROM work_items w JOIN subtree s ON w.parent_id=s.id
	)
	SELECT `+workItemColumns+` FROM work_items WHERE id IN (SELECT id FROM subtree) ORDER BY created_at ASC, id ASC`, epicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, ErrNotFound
	}
	ids := make([]string, len(res))
	for i, w := range res {
		ids[i] = w.ID
	}
	deps, err := s.dependenciesFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range res {
		res[i].DependsOn = deps[res[i].ID]
	}
	return res, nil
}

func (s Store) dependenciesFor(ctx context.Context, ids []string) (map[string][]string, error) {
	if len(ids) == 0 {
		return map[string][]string{}, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT work_id, depends_on_id FROM work_deps WHERE work_id IN (`+placeholders+`) ORDER BY depends_on_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string][]string{}
	for rows.Next() {
		var workID, dep string
		if err := rows.Scan(&workID, &dep); err != nil {
			return nil, err
		}
		res[workID] = append(res[workID], dep)
	}
	return res, rows.Err()
}

func (s Store) ListDependencies(ctx context.Context, workID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT depends_on_id FROM work_deps WHERE work_id=? ORDER BY depends_on_id`, workID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// ListDependents returns ids of work items that depend on workID.
func (s Store) ListDependents(ctx context.Context, workID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT work_id FROM work_deps WHERE depends_on_id=? ORDER BY work_id`, workID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s Store) AddDependencies(ctx context.Context, tx *sql.Tx, workID string, deps []string) error {
	for _, d := range deps {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO work_deps(work_id, depends_on_id) VALUES (?,?)`, workID, d); err != nil {
			return err
		}
	}
	return nil
}

func (s Store) RemoveDependencies(ctx context.Context, tx *sql.Tx, workID string, deps []string) error {
	for _, d := range deps {
		if _, err := tx.ExecContext(ctx, `DELETE FROM work_deps WHERE work_id=? AND depends_on_id=?`, workID, d); err != nil {
			return err
		}
	}
	return nil
}

func (s Store) ListChildren(ctx context.Context, workID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id FROM work_items WHERE parent_id=? ORDER BY created_at ASC, id ASC`, workID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s Store) CountChildren(ctx context.Context, workID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT count(*) FROM work_items WHERE parent_id=?`, workID).Scan(&n)
	return n, err
}

func (s Store) ListLabels(ctx context.Context, workID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT label FROM work_labels WHERE work_id=? ORDER BY label`, workID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var labels []string
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, err
		}
		labels = append(labels, l)
	}
	return labels, rows.Err()
}

func (s Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT status, count(*) FROM work_items GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func (s Store) UpsertWorkspaceConfig(ctx context.Context, workspaceID string, cfg *config.Config) error {
	return upsertWorkspaceConfig(ctx, s.DB, nil, workspaceID, cfg)
}

func (s Store) UpsertWorkspaceConfigTx(ctx context.Context, tx *sql.Tx, workspaceID string, cfg *config.Config) error {
	return upsertWorkspaceConfig(ctx, nil, tx, workspaceID, cfg)
}

func upsertWorkspaceConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, workspaceID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Workspace.ID = workspaceID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO workspace_configs(workspace_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(workspace_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, workspaceID, string(payload), now, now)
	return err
}

func (s Store) GetWorkspaceConfig(ctx context.Context, workspaceID string) (*config.Config, error) {
	var payload string
	err := s.DB.QueryRowContext(ctx, `SELECT config_json FROM workspace_configs WHERE workspace_id=?`, workspaceID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Workspace.ID == "" {
		cfg.Workspace.ID = workspaceID
	}
	return &cfg, cfg.Validate()
}

func (s Store) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entID.Valid {
			e.EntityID = entID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
