package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"coordline/internal/config"
	"coordline/internal/db"
	"coordline/internal/engine"
	"coordline/internal/events"
	"coordline/internal/logx"
	"coordline/internal/migrate"
	"coordline/internal/modules/collab"
	"coordline/internal/modules/role"
	"coordline/internal/modules/stages"
	"coordline/internal/modules/trace"
	"coordline/internal/repo"
)

// App is a workspace opened for coordination: database, repo and an engine
// with the built-in modules registered.
type App struct {
	Conn   *sql.DB
	Repo   repo.Repo
	Engine *engine.Engine
	Log    *slog.Logger

	eventLog *events.Queue
}

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/coordline.yml.
	ConfigPath string
	Voter      engine.Voter
	Hooks      engine.Hooks
	Log        *slog.Logger
}

// ResolveConfig loads the config for a workspace, preferring an explicit path.
// A missing workspace config falls back to the defaults.
func ResolveConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(workspace)
}

// Open resolves config, opens and migrates the workspace database and wires
// an engine with the role, collab, trace and stage modules registered. The
// event log writer is attached when event logging is enabled.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := ResolveConfig(opts.Workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = logx.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r := repo.Repo{DB: conn}
	e := engine.New(engine.Options{Config: cfg, Log: log, Voter: opts.Voter, Hooks: opts.Hooks})
	a := &App{Conn: conn, Repo: r, Engine: e, Log: log}
	if cfg.Engine.EnableEventLogging {
		a.eventLog = events.Writer{DB: conn, Log: log}.Start(e.Bus, 0)
	}
	if err := a.registerModules(cfg); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) registerModules(cfg *config.Config) error {
	roles := role.New(a.Repo, a.Log.With("module", role.Name))
	roles.Now = a.Engine.Now
	traces := trace.New(a.Repo, a.Engine.Bus)
	traces.Now = a.Engine.Now
	mods := stages.Defaults(a.Engine.Now)
	mods = append(mods, roles, traces, collab.New(a.Engine.Decisions, defaultParticipants(cfg), ""))
	for _, m := range mods {
		if err := a.Engine.Register(m); err != nil {
			return err
		}
	}
	return nil
}

// defaultParticipants takes the participants of the first named workflow
// that carries a decision, so the collab stage can run without one.
func defaultParticipants(cfg *config.Config) []string {
	if wf, ok := cfg.Workflows["onboarding"]; ok && wf.Decision != nil {
		return wf.Decision.Participants
	}
	for _, wf := range cfg.Workflows {
		if wf.Decision != nil {
			return wf.Decision.Participants
		}
	}
	return nil
}

// FlushEvents waits until the event log holds every event published so far.
func (a *App) FlushEvents() {
	if a.eventLog != nil {
		a.eventLog.Flush()
	}
}

// Close shuts the engine down, drains the event log and closes the database.
func (a *App) Close() error {
	var errs []error
	if a.Engine != nil {
		errs = append(errs, a.Engine.Shutdown(context.Background()))
	}
	if a.eventLog != nil {
		a.eventLog.Close()
	}
	if a.Conn != nil {
		errs = append(errs, a.Conn.Close())
	}
	return errors.Join(errs...)
}
