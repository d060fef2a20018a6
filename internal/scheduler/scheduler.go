// Package scheduler owns the background job runners: heartbeat (per-ghost
// attention loop), reflection (per-session idle review), and cron
// (markdown-defined recurring jobs). One process-wide Scheduler ticks all
// three; each runner shares the deadline map keyed (kind, logical key) and
// writes through the job_logs three-phase lifecycle.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/ghostmesh/ghostmesh/internal/orchestrator/dispatcher"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/entity"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/inflight"
	"github.com/ghostmesh/ghostmesh/internal/pkg/log"
	"github.com/ghostmesh/ghostmesh/internal/store"
	"github.com/ghostmesh/ghostmesh/internal/workspace"
)

// Chat is the slice of the session machinery the runners need: a hidden
// turn runs the provider loop against a session without appending a
// visible operator message, and RunTool executes one tool call against
// a restricted profile (cron pre-tools).
type Chat interface {
	HiddenTurn(ctx context.Context, ghost *store.Ghost, sess *entity.Session, prompt string, profile dispatcher.Profile) (string, error)
	RunTool(ctx context.Context, ghostName, name, input string, profile dispatcher.Profile) (string, error)
}

// Runner is one job kind's tick handler.
type Runner interface {
	Kind() store.JobKind
	Tick(ctx context.Context, now time.Time)
}

type deadlineKey struct {
	kind store.JobKind
	key  string
}

// Deadlines is the shared (kind, logical key) → next-due map. Updates
// are atomic per key.
type Deadlines struct {
	mu sync.Mutex
	m  map[deadlineKey]time.Time
}

func NewDeadlines() *Deadlines {
	return &Deadlines{m: make(map[deadlineKey]time.Time)}
}

func (d *Deadlines) Set(kind store.JobKind, key string, due time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.m[deadlineKey{kind, key}] = due
}

// SetIfAbsent records a deadline only when the key has none, so a
// continue-override set by a previous run is not clobbered by the
// periodic recompute.
func (d *Deadlines) SetIfAbsent(kind store.JobKind, key string, due time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := deadlineKey{kind, key}
	if _, ok := d.m[k]; !ok {
		d.m[k] = due
	}
}

func (d *Deadlines) Get(kind store.JobKind, key string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	due, ok := d.m[deadlineKey{kind, key}]
	return due, ok
}

func (d *Deadlines) Clear(kind store.JobKind, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.m, deadlineKey{kind, key})
}

// Due reports whether the key's deadline has passed.
func (d *Deadlines) Due(kind store.JobKind, key string, now time.Time) bool {
	due, ok := d.Get(kind, key)
	return ok && !now.Before(due)
}

// Deps bundles what every runner shares.
type Deps struct {
	Store  *store.Store
	Guard  *inflight.Guard
	Chat   Chat
	Layout workspace.Layout
}

// Scheduler ticks its runners at a fixed interval until the context is
// cancelled. Inter-tick sleeps are cancellable at shutdown.
type Scheduler struct {
	runners  []Runner
	interval time.Duration
}

func New(interval time.Duration, runners ...Runner) *Scheduler {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Scheduler{runners: runners, interval: interval}
}

// Run blocks until ctx is done, ticking every interval. A runner that
// panics is logged and the loop continues; one broken job kind must not
// take down the other two.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	log.Info("[scheduler] started with %d runners, tick %s", len(s.runners), s.interval)
	for {
		select {
		case <-ctx.Done():
			log.Info("[scheduler] stopped")
			return
		case now := <-ticker.C:
			for _, r := range s.runners {
				s.tickOne(ctx, r, now)
			}
		}
	}
}

func (s *Scheduler) tickOne(ctx context.Context, r Runner, now time.Time) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("[scheduler] %s runner panicked: %v", r.Kind(), rec)
		}
	}()
	r.Tick(ctx, now)
}
