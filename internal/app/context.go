package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/migrate"
	"crewline/internal/store"
)

// Context bundles what every CLI command needs: an open database, the
// store over it, the resolved config, and the calling agent identity.
type Context struct {
	DB      *sql.DB
	Store   store.Store
	Cfg     *config.Config
	AgentID string
}

func (c *Context) Close() error {
	if c.DB == nil {
		return nil
	}
	return c.DB.Close()
}

// Open opens (and migrates) the workspace database, resolves the active
// config, and registers the calling agent. The workspace argument is a
// directory; idOverride forces the workspace id when the config cannot
// supply one.
func Open(ctx context.Context, workspace, idOverride, agentID string) (*Context, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	st := store.Store{DB: conn}
	cfg, err := ResolveWorkspaceAndConfig(ctx, workspace, idOverride, agentID, st)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Context{DB: conn, Store: st, Cfg: cfg, AgentID: agentID}, nil
}

// ResolveWorkspaceAndConfig picks the active workspace id and ensures a
// config row exists in the database, seeding defaults if missing. It
// prefers the override, then crewline.yml, then a single stored config,
// then the workspace directory name.
func ResolveWorkspaceAndConfig(ctx context.Context, workspace, idOverride, agentID string, st store.Store) (*config.Config, error) {
	fileCfg, fileErr := config.Load(workspace)

	workspaceID := idOverride
	if workspaceID == "" && fileErr == nil {
		workspaceID = fileCfg.Workspace.ID
	}
	if workspaceID == "" {
		if id, err := singleWorkspaceID(ctx, st.DB); err == nil {
			workspaceID = id
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	if workspaceID == "" {
		abs, err := filepath.Abs(workspace)
		if err != nil {
			return nil, err
		}
		workspaceID = filepath.Base(abs)
	}

	cfg, err := st.GetWorkspaceConfig(ctx, workspaceID)
	if errors.Is(err, store.ErrNotFound) {
		seed := fileCfg
		if seed == nil {
			seed = config.Default(workspaceID)
		}
		if err := st.UpsertWorkspaceConfig(ctx, workspaceID, seed); err != nil {
			return nil, fmt.Errorf("seed workspace config: %w", err)
		}
		cfg = seed
	} else if err != nil {
		return nil, err
	}

	// A newer crewline.yml on disk wins over the stored copy.
	if fileErr == nil && fileCfg.Workspace.ID == workspaceID {
		if err := st.UpsertWorkspaceConfig(ctx, workspaceID, fileCfg); err != nil {
			return nil, fmt.Errorf("refresh workspace config: %w", err)
		}
		cfg = fileCfg
	}
	cfg.Workspace.ID = workspaceID

	if agentID != "" {
		if _, err := st.EnsureAgent(ctx, agentID, time.Now()); err != nil {
			return nil, fmt.Errorf("register agent: %w", err)
		}
	}
	return cfg, nil
}

// singleWorkspaceID returns the workspace id when exactly one config row
// exists; ErrNotFound otherwise.
func singleWorkspaceID(ctx context.Context, conn *sql.DB) (string, error) {
	rows, err := conn.QueryContext(ctx, `SELECT workspace_id FROM workspace_configs LIMIT 2`)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if len(ids) != 1 {
		return "", store.ErrNotFound
	}
	return ids[0], nil
}
