// Package work owns work-item creation and status mutation. Items are
// created deferred by planning and promoted to open only by an explicit
// request, never automatically.
package work

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/faults"
	"crewline/internal/lifecycle"
	"crewline/internal/store"
)

type Service struct {
	DB     *sql.DB
	Store  store.Store
	Events events.Writer
	Now    func() time.Time
}

func NewService(db *sql.DB) Service {
	return Service{
		DB:     db,
		Store:  store.Store{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// CreateOptions are parameters for creating a work item.
type CreateOptions struct {
	ID          string
	Title       string
	Description string
	ParentID    string
	DependsOn   []string
	Labels      []string
	RootBranch  string
	ActorID     string
}

func (s Service) Create(ctx context.Context, opts CreateOptions) (domain.WorkItem, error) {
	if opts.Title == "" {
		return domain.WorkItem{}, faults.New(faults.ValidationFailed, "title is required")
	}
	if opts.ParentID != "" {
		parent, err := s.Store.GetWorkItem(ctx, opts.ParentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.WorkItem{}, faults.New(faults.DependencyMissing, "parent %s not found", opts.ParentID)
			}
			return domain.WorkItem{}, err
		}
		if err := s.ensureNoParentCycle(ctx, parent.ID, opts.ID); err != nil {
			return domain.WorkItem{}, err
		}
	}
	for _, depID := range opts.DependsOn {
		if _, err := s.Store.GetWorkItem(ctx, depID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.WorkItem{}, faults.New(faults.DependencyMissing, "dependency %s not found", depID)
			}
			return domain.WorkItem{}, err
		}
	}
	now := s.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.Title+"|"+now)).String()
	}
	w := domain.WorkItem{
		ID:          id,
		Title:       opts.Title,
		Description: opts.Description,
		Status:      string(lifecycle.StatusDeferred),
		Labels:      opts.Labels,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.ParentID != "" {
		w.ParentID = &opts.ParentID
	}
	if opts.RootBranch != "" {
		w.RootBranch = &opts.RootBranch
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return w, err
	}
	defer tx.Rollback()
	if err := s.Store.InsertWorkItem(ctx, tx, w); err != nil {
		return w, err
	}
	if len(opts.DependsOn) > 0 {
		if err := s.Store.AddDependencies(ctx, tx, w.ID, opts.DependsOn); err != nil {
			return w, err
		}
	}
	if err := s.Events.Append(ctx, tx, "work.created", "work_item", w.ID, opts.ActorID, events.EventPayload{
		"title":  w.Title,
		"status": w.Status,
	}); err != nil {
		return w, err
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	w.DependsOn = opts.DependsOn
	return w, nil
}

// Promote moves a deferred item to open. This is the explicit confirmation
// step; nothing in the engine promotes automatically.
func (s Service) Promote(ctx context.Context, id, actorID string) (domain.WorkItem, error) {
	return s.SetStatus(ctx, id, string(lifecycle.StatusOpen), actorID, false)
}

// SetStatus applies a guarded status transition.
func (s Service) SetStatus(ctx context.Context, id, status, actorID string, force bool) (domain.WorkItem, error) {
	w, err := s.Store.GetWorkItem(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return w, faults.New(faults.DependencyMissing, "work item %s not found", id)
		}
		return w, err
	}
	if err := lifecycle.EnsureTransition(lifecycle.Status(w.Status), lifecycle.Status(status), force); err != nil {
		return w, err
	}
	old := w.Status
	now := s.now().UTC().Format(time.RFC3339)
	w.Status = status
	w.UpdatedAt = now
	if status == string(lifecycle.StatusClosed) {
		w.ClosedAt = &now
		w.Assignee = nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return w, err
	}
	defer tx.Rollback()
	if err := s.Store.UpdateWorkItem(ctx, tx, w); err != nil {
		return w, err
	}
	if err := s.Events.Append(ctx, tx, "work.status_changed", "work_item", w.ID, actorID, events.EventPayload{
		"from_status": old,
		"to_status":   status,
	}); err != nil {
		return w, err
	}
	return w, tx.Commit()
}

// LineageOptions update the branch ancestry metadata.
type LineageOptions struct {
	ID            string
	RootBranch    *string
	WorkBranch    *string
	ParentBranch  *string
	IntegratedSHA *string
	ReviewCursor  *string
	ActorID       string
}

func (s Service) SetLineage(ctx context.Context, opts LineageOptions) (domain.WorkItem, error) {
	w, err := s.Store.GetWorkItem(ctx, opts.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return w, faults.New(faults.DependencyMissing, "work item %s not found", opts.ID)
		}
		return w, err
	}
	if lifecycle.IsTerminal(lifecycle.Status(w.Status)) {
		return w, faults.New(faults.UnexpectedState, "work item %s is closed; closed is terminal", w.ID)
	}
	if opts.RootBranch != nil {
		w.RootBranch = opts.RootBranch
	}
	if opts.WorkBranch != nil {
		w.WorkBranch = opts.WorkBranch
	}
	if opts.ParentBranch != nil {
		w.ParentBranch = opts.ParentBranch
	}
	if opts.IntegratedSHA != nil {
		w.IntegratedSHA = opts.IntegratedSHA
	}
	if opts.ReviewCursor != nil {
		w.ReviewCursor = opts.ReviewCursor
	}
	w.UpdatedAt = s.now().UTC().Format(time.RFC3339)
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return w, err
	}
	defer tx.Rollback()
	if err := s.Store.UpdateWorkItem(ctx, tx, w); err != nil {
		return w, err
	}
	if err := s.Events.Append(ctx, tx, "work.lineage_updated", "work_item", w.ID, opts.ActorID, nil); err != nil {
		return w, err
	}
	return w, tx.Commit()
}

// AddDependencies appends dependency edges after creation.
func (s Service) AddDependencies(ctx context.Context, id string, deps []string, actorID string) error {
	if _, err := s.Store.GetWorkItem(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return faults.New(faults.DependencyMissing, "work item %s not found", id)
		}
		return err
	}
	for _, depID := range deps {
		if depID == id {
			return faults.New(faults.ValidationFailed, "work item %s cannot depend on itself", id)
		}
		if _, err := s.Store.GetWorkItem(ctx, depID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return faults.New(faults.DependencyMissing, "dependency %s not found", depID)
			}
			return err
		}
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Store.AddDependencies(ctx, tx, id, deps); err != nil {
		return err
	}
	if err := s.Events.Append(ctx, tx, "work.dependencies_added", "work_item", id, actorID, events.EventPayload{
		"depends_on": deps,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveDependencies drops dependency edges. Missing edges are ignored.
func (s Service) RemoveDependencies(ctx context.Context, id string, deps []string, actorID string) error {
	if _, err := s.Store.GetWorkItem(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return faults.New(faults.DependencyMissing, "work item %s not found", id)
		}
		return err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Store.RemoveDependencies(ctx, tx, id, deps); err != nil {
		return err
	}
	if err := s.Events.Append(ctx, tx, "work.dependencies_removed", "work_item", id, actorID, events.EventPayload{
		"depends_on": deps,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s Service) ensureNoParentCycle(ctx context.Context, parentID, childID string) error {
	cur := parentID
	for cur != "" {
		w, err := s.Store.GetWorkItem(ctx, cur)
		if err != nil {
			return err
		}
		if w.ParentID == nil {
			return nil
		}
		if *w.ParentID == childID {
			return faults.New(faults.ValidationFailed, "work item hierarchy cycle detected")
		}
		cur = *w.ParentID
	}
	return nil
}
