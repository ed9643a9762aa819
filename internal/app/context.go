package app

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/google/uuid"

	"stackline/internal/config"
	"stackline/internal/db"
	"stackline/internal/engine"
	"stackline/internal/migrate"
)

// Context is everything a command needs: the open store, the workspace
// config and the engine wired on top of both.
type Context struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
}

// Open prepares the workspace: database opened and migrated, config loaded,
// identity seeded on first run. The caller owns Close.
func Open(workspace string) (*Context, error) {
	if workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		workspace = wd
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.Load(workspace, "", "")
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := seedIdentity(workspace, cfg); err != nil {
		conn.Close()
		return nil, err
	}
	return &Context{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Engine:    engine.New(conn, cfg),
	}, nil
}

func (c *Context) Close() error {
	return c.DB.Close()
}

// seedIdentity fills in user and device ids on first run and persists them,
// so every event this workspace records carries a stable identity.
func seedIdentity(workspace string, cfg *config.Config) error {
	changed := false
	if cfg.Identity.UserID == "" {
		cfg.Identity.UserID = "local-user"
		changed = true
	}
	if cfg.Identity.DeviceID == "" {
		cfg.Identity.DeviceID = newDeviceID()
		changed = true
	}
	if cfg.Identity.AppID == "" {
		cfg.Identity.AppID = "stackline"
		changed = true
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "127.0.0.1:7140"
		changed = true
	}
	if !changed {
		return nil
	}
	return cfg.Save(workspace)
}

func newDeviceID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
