package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ghostmesh/ghostmesh/internal/knowledge/notefile"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/dispatcher"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/entity"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/inflight"
	"github.com/ghostmesh/ghostmesh/internal/pkg/log"
	"github.com/ghostmesh/ghostmesh/internal/store"
)

// CronConfig tunes the cron runner.
type CronConfig struct {
	// TemplatePath points at an optional prompt template with
	// {job_name}, {schedule}, {previous_output}, {pre_tool_results}, and
	// {job_prompt} placeholders; a minimal built-in prompt is used when
	// the file is missing.
	TemplatePath string
}

// CronRunner discovers markdown cron jobs under each ghost's cron
// directory, watches for changes, and fires due jobs as hidden chat
// turns whose output lands in the session and a per-job state file.
type CronRunner struct {
	deps      Deps
	deadlines *Deadlines
	cfg       CronConfig

	watcher *fsnotify.Watcher
	watched map[string]bool
	dirty   atomic.Bool
	jobs    []*CronJob
	loaded  bool
}

func NewCronRunner(deps Deps, deadlines *Deadlines, cfg CronConfig) *CronRunner {
	r := &CronRunner{
		deps:      deps,
		deadlines: deadlines,
		cfg:       cfg,
		watched:   make(map[string]bool),
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("[cron] fsnotify unavailable, falling back to reload every tick: %v", err)
		return r
	}
	r.watcher = w
	go r.watchLoop()
	return r
}

// Close stops the filesystem watcher.
func (r *CronRunner) Close() {
	if r.watcher != nil {
		r.watcher.Close()
	}
}

func (r *CronRunner) Kind() store.JobKind { return store.JobCron }

func (r *CronRunner) watchLoop() {
	for {
		select {
		case _, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			// Reload lazily on the next tick rather than mid-event-burst.
			r.dirty.Store(true)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("[cron] watcher error: %v", err)
		}
	}
}

func (r *CronRunner) Tick(ctx context.Context, now time.Time) {
	ghosts, err := r.deps.Store.ListGhosts()
	if err != nil {
		log.Warn("[cron] list ghosts: %v", err)
		return
	}
	r.ensureWatches(ghosts)

	if !r.loaded || r.dirty.Swap(false) || r.watcher == nil {
		r.reload(ghosts)
		r.loaded = true
	}

	for _, job := range r.jobs {
		if !job.Enabled {
			continue
		}
		key := job.GhostName + "/" + job.Key()
		if _, ok := r.deadlines.Get(store.JobCron, key); !ok {
			due, err := NextDueAtOrAfter(job.Schedule, now)
			if err != nil {
				log.Warn("[cron] job %s: %v", key, err)
				continue
			}
			r.deadlines.Set(store.JobCron, key, due)
		}
		if !r.deadlines.Due(store.JobCron, key, now) {
			continue
		}
		next, err := NextDueAtOrAfter(job.Schedule, now.Add(time.Minute))
		if err != nil {
			r.deadlines.Clear(store.JobCron, key)
			continue
		}
		r.deadlines.Set(store.JobCron, key, next)
		r.fire(ctx, job)
	}
}

// ensureWatches keeps every ghost's cron directory (recursively) under
// the filesystem watcher.
func (r *CronRunner) ensureWatches(ghosts []*store.Ghost) {
	if r.watcher == nil {
		return
	}
	for _, g := range ghosts {
		root := r.deps.Layout.CronDir(g.Name)
		filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			if filepath.Base(path) == ".state" {
				return filepath.SkipDir
			}
			if !r.watched[path] {
				if err := r.watcher.Add(path); err == nil {
					r.watched[path] = true
				}
			}
			return nil
		})
	}
}

func (r *CronRunner) reload(ghosts []*store.Ghost) {
	var jobs []*CronJob
	for _, g := range ghosts {
		root := r.deps.Layout.CronDir(g.Name)
		filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if filepath.Base(path) == ".state" {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".md") {
				return nil
			}
			raw, err := os.ReadFile(path)
			if err != nil {
				log.Warn("[cron] read %s: %v", path, err)
				return nil
			}
			job, err := ParseCronFile(string(raw))
			if err != nil {
				log.Warn("[cron] skip %s: %v", path, err)
				return nil
			}
			job.GhostName = g.Name
			job.Path = path
			jobs = append(jobs, job)
			return nil
		})
	}
	r.jobs = jobs
	log.Info("[cron] loaded %d jobs across %d ghosts", len(jobs), len(ghosts))
}

func (r *CronRunner) fire(ctx context.Context, job *CronJob) {
	ghost, err := r.deps.Store.GetGhostByName(job.GhostName)
	if err != nil {
		log.Warn("[cron] ghost %s: %v", job.GhostName, err)
		return
	}
	sess, err := r.resolveSession(ghost.ID)
	if err != nil || sess == nil {
		log.Warn("[cron] job %s/%s has no session to run in", job.GhostName, job.Key())
		return
	}
	key := inflight.Key{OperatorID: sess.Operator, GhostName: ghost.Name, SessionID: sess.ID}
	if r.deps.Guard.InFlight(key) {
		return
	}

	jobID, err := r.deps.Store.InsertStarted(ghost.ID, sess.ID, store.JobCron)
	if err != nil {
		log.Warn("[cron] insert job log: %v", err)
		return
	}

	// Pre-tools run sequentially against the restricted profile; a
	// failing pre-tool is recorded and the run continues with what it has.
	var preResults []string
	for _, pt := range job.PreTools {
		input, err := pt.InputJSON()
		if err != nil {
			preResults = append(preResults, fmt.Sprintf("%s: error: %v", pt.Name, err))
			continue
		}
		out, err := r.deps.Chat.RunTool(ctx, job.GhostName, pt.Name, input, dispatcher.ProfileCronRestricted)
		if err != nil {
			preResults = append(preResults, fmt.Sprintf("%s: error: %v", pt.Name, err))
			continue
		}
		preResults = append(preResults, fmt.Sprintf("%s: %s", pt.Name, out))
	}

	var previous string
	if job.CarryLastOutput {
		if data, err := os.ReadFile(r.statePath(job)); err == nil {
			previous = string(data)
		}
	}

	prompt := r.renderPrompt(job, previous, preResults)
	transcript := []store.TranscriptEntry{{Role: "operator", Content: prompt}}

	reply, err := r.deps.Chat.HiddenTurn(ctx, ghost, sess, prompt, dispatcher.ProfileCronRestricted)
	if err != nil {
		if ferr := r.deps.Store.FinishJob(jobID, fmt.Sprintf("error: %v", err), transcript, ""); ferr != nil {
			log.Warn("[cron] finish job %d: %v", jobID, ferr)
		}
		return
	}
	transcript = append(transcript, store.TranscriptEntry{Role: "ghost", Content: reply})

	// The job's output is a real ghost message in the session.
	sess.AppendMessage(entity.NewAssistantMessage(entity.TextBlock(reply)))
	if err := r.deps.Store.SaveSession(sess); err != nil {
		log.Warn("[cron] persist output: %v", err)
	}
	if err := notefile.AtomicWrite(r.statePath(job), []byte(reply)); err != nil {
		log.Warn("[cron] write state file: %v", err)
	}
	if err := r.deps.Store.FinishJob(jobID, "ok", transcript, ""); err != nil {
		log.Warn("[cron] finish job %d: %v", jobID, err)
	}
}

// resolveSession picks the ghost's active session, falling back to the
// most recent one.
func (r *CronRunner) resolveSession(ghostID string) (*entity.Session, error) {
	rows, err := r.deps.Store.ListActiveSessions()
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.GhostID == ghostID {
			return r.deps.Store.GetSession(row.ID)
		}
	}
	return r.deps.Store.MostRecentSession(ghostID)
}

func (r *CronRunner) statePath(job *CronJob) string {
	return filepath.Join(r.deps.Layout.CronStateDir(job.GhostName), job.Key()+".last.md")
}

func (r *CronRunner) renderPrompt(job *CronJob, previous string, preResults []string) string {
	tpl := defaultCronTemplate
	if r.cfg.TemplatePath != "" {
		if data, err := os.ReadFile(r.cfg.TemplatePath); err == nil {
			tpl = string(data)
		}
	}
	repl := strings.NewReplacer(
		"{job_name}", job.Name,
		"{schedule}", job.Schedule,
		"{previous_output}", previous,
		"{pre_tool_results}", strings.Join(preResults, "\n"),
		"{job_prompt}", job.Prompt,
	)
	return repl.Replace(tpl)
}

const defaultCronTemplate = `Scheduled job "{job_name}" ({schedule}) is due.

Previous output:
{previous_output}

Pre-tool results:
{pre_tool_results}

{job_prompt}`
