// Package app owns the process-wide AppState: the control store, the
// knowledge engine, the model registry, the session orchestrator, the
// pending-action token store, and the background scheduler. Everything
// is initialized explicitly at startup and shut down in reverse order;
// no lazy singletons.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ghostmesh/ghostmesh/internal/config"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/embedding"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/entity"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/manager"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/query"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/reference"
	kstore "github.com/ghostmesh/ghostmesh/internal/knowledge/store"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/compactor"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/dispatcher"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/inflight"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/prompt"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/provider"
	"github.com/ghostmesh/ghostmesh/internal/pkg/log"
	"github.com/ghostmesh/ghostmesh/internal/scheduler"
	"github.com/ghostmesh/ghostmesh/internal/store"
	"github.com/ghostmesh/ghostmesh/internal/tools"
	"github.com/ghostmesh/ghostmesh/internal/transport/pending"
	"github.com/ghostmesh/ghostmesh/internal/workspace"
)

// App is the application-wide service locator.
type App struct {
	Cfg    *config.Config
	Layout workspace.Layout

	Control     *store.Store
	KnowledgeDB *sql.DB
	Knowledge   *manager.Manager
	Query       *query.Engine
	Reference   *reference.Service

	Models     *provider.Registry
	Registry   *dispatcher.Registry
	Dispatcher *dispatcher.Dispatcher
	Guard      *inflight.Guard
	Orch       *orchestrator.Orchestrator
	Prompt     *prompt.Pipeline
	Pending    *pending.Store

	Chat       *ChatService
	Scheduler  *scheduler.Scheduler
	Reflection *scheduler.ReflectionRunner

	cron     *scheduler.CronRunner
	cancelBG context.CancelFunc
}

// New builds the full AppState from validated configuration.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	layout := workspace.New(cfg.DataRoot)
	if err := layout.EnsureShared(); err != nil {
		return nil, err
	}

	control, err := store.Open(layout.ControlDBPath())
	if err != nil {
		return nil, err
	}

	a := &App{Cfg: cfg, Layout: layout, Control: control}

	if err := a.initKnowledge(ctx); err != nil {
		control.Close()
		return nil, err
	}

	models, err := provider.BuildRegistry(ctx, cfg.ProviderConfigs())
	if err != nil {
		a.closePartial()
		return nil, err
	}
	a.Models = models

	a.Guard = inflight.NewGuard()
	a.Registry = dispatcher.NewRegistry()
	if err := tools.RegisterKnowledgeTools(a.Registry, a.Query, a.Knowledge, a.Reference, layout); err != nil {
		a.closePartial()
		return nil, err
	}
	a.Dispatcher = dispatcher.NewDispatcher(a.Registry, 8)

	a.Orch = orchestrator.New(models, a.Dispatcher, a.Guard, orchestrator.Config{
		Compactor: compactor.Config{
			Threshold:        cfg.Compaction.Threshold,
			KeepWindow:       cfg.Compaction.KeepWindow,
			MaskPreviewChars: cfg.Compaction.MaskPreviewChars,
		},
	})
	a.Prompt = prompt.NewDefaultPipeline()

	pendingStore, err := pending.Open(filepath.Join(cfg.DataRoot, "pending.db"))
	if err != nil {
		a.closePartial()
		return nil, err
	}
	a.Pending = pendingStore

	a.Chat = NewChatService(a)

	deadlines := scheduler.NewDeadlines()
	deps := scheduler.Deps{Store: control, Guard: a.Guard, Chat: a.Chat, Layout: layout}
	heartbeat := scheduler.NewHeartbeatRunner(deps, deadlines, scheduler.HeartbeatConfig{
		IdleMinutes:     cfg.HeartbeatTiming.IdleMinutes,
		ContinueMinutes: cfg.HeartbeatTiming.ContinueMinutes,
	})
	a.Reflection = scheduler.NewReflectionRunner(deps, deadlines, scheduler.ReflectionConfig{
		IdleMinutes: cfg.Reflection.IdleMinutes,
	})
	a.cron = scheduler.NewCronRunner(deps, deadlines, scheduler.CronConfig{})
	a.Scheduler = scheduler.New(60*time.Second, heartbeat, a.Reflection, a.cron)

	return a, nil
}

func (a *App) initKnowledge(ctx context.Context) error {
	kdb, err := kstore.Open(a.Layout.KnowledgeDBPath())
	if err != nil {
		return err
	}
	kc := a.Cfg.Tools.Knowledge
	schema, err := kstore.EnsureSchema(kdb, &kstore.VecConfig{
		Enabled:    kc.Embedding.Dimensions > 0,
		Dimensions: kc.Embedding.Dimensions,
	})
	if err != nil {
		kdb.Close()
		return err
	}
	if !schema.FTSAvailable {
		log.Warn("[app] FTS5 unavailable (%s); lexical search degraded", schema.FTSError)
	}
	if !schema.VecAvailable && kc.Embedding.Dimensions > 0 {
		log.Warn("[app] vec0 unavailable (%s); dense search uses brute-force cosine", schema.VecError)
	}

	embedder, err := embedding.NewProvider(ctx, embedding.Config{
		Provider: kc.Embedding.Provider,
		Model:    kc.Embedding.Model,
		BaseURL:  kc.Embedding.BaseURL,
		APIKey:   os.Getenv(kc.Embedding.APIKeyEnv),
	})
	if err != nil {
		kdb.Close()
		return fmt.Errorf("embedding provider: %w", err)
	}
	if embedder.FallbackFrom != "" {
		log.Warn("[app] embedding backend %s unavailable, using %s (%s)",
			embedder.FallbackFrom, embedder.Provider.ID(), embedder.FallbackReason)
	}
	embedderProvider := embedding.NewRateLimited(embedder.Provider,
		time.Duration(kc.Embedding.MinIntervalMS)*time.Millisecond, kc.Embedding.BatchSize)

	roots, err := a.scopeRoots()
	if err != nil {
		kdb.Close()
		return err
	}
	interval := time.Duration(kc.ReconcileIntervalSec) * time.Second
	if interval <= 0 {
		interval = 300 * time.Second
	}

	a.KnowledgeDB = kdb
	a.Knowledge = manager.New(kdb, embedderProvider, roots, interval)
	a.Query = query.NewEngine(kdb, embedderProvider, schema.VecAvailable)
	a.Reference = reference.NewService(kdb, a.Knowledge, a.Layout.SharedReferencesDir(), a.Layout.SharedNotesDir())
	return nil
}

// scopeRoots enumerates every scope directory that exists right now;
// ghosts created later are added through RegisterGhost.
func (a *App) scopeRoots() ([]manager.ScopeRoot, error) {
	roots := []manager.ScopeRoot{
		{Root: a.Layout.SharedNotesDir(), Scope: entity.ScopeSharedNote},
		{Root: a.Layout.SharedReferencesDir(), Scope: entity.ScopeSharedReference},
	}
	ghosts, err := a.Control.ListGhosts()
	if err != nil {
		return nil, err
	}
	for _, g := range ghosts {
		roots = append(roots,
			manager.ScopeRoot{Root: a.Layout.NotesDir(g.Name), Scope: entity.ScopeGhostNote, OwnerGhost: g.Name},
			manager.ScopeRoot{Root: a.Layout.DiaryDir(g.Name), Scope: entity.ScopeGhostDiary, OwnerGhost: g.Name},
		)
	}
	return roots, nil
}

// RegisterGhost ensures a ghost's workspace directories exist and its
// private scope roots are known to the reconciler. Safe to call
// repeatedly; used both at ghost creation and on first contact.
func (a *App) RegisterGhost(name string) error {
	if err := a.Layout.EnsureGhost(name); err != nil {
		return err
	}
	a.Knowledge.AddRoot(manager.ScopeRoot{Root: a.Layout.NotesDir(name), Scope: entity.ScopeGhostNote, OwnerGhost: name})
	a.Knowledge.AddRoot(manager.ScopeRoot{Root: a.Layout.DiaryDir(name), Scope: entity.ScopeGhostDiary, OwnerGhost: name})
	return nil
}

// StartBackground launches the scheduler; Close stops it.
func (a *App) StartBackground() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancelBG = cancel
	go a.Scheduler.Run(ctx)
	go a.sweepPending(ctx)
}

func (a *App) sweepPending(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := a.Pending.Sweep(); err != nil {
				log.Warn("[app] pending sweep: %v", err)
			} else if n > 0 {
				log.Debug("[app] swept %d expired pending actions", n)
			}
		}
	}
}

// Close shuts the App down in reverse initialization order.
func (a *App) Close() {
	if a.cancelBG != nil {
		a.cancelBG()
	}
	if a.cron != nil {
		a.cron.Close()
	}
	a.closePartial()
}

func (a *App) closePartial() {
	if a.Pending != nil {
		a.Pending.Close()
	}
	if a.KnowledgeDB != nil {
		a.KnowledgeDB.Close()
	}
	if a.Control != nil {
		a.Control.Close()
	}
}
