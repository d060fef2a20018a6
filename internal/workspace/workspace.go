// Package workspace resolves the on-disk layout under the data root:
// the shared scope directories and each ghost's private directories
// (SOUL.md, HEARTBEAT.md, notes, diary, inbox, cron, downloads).
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Layout roots everything under a single data directory.
type Layout struct {
	Root string
}

func New(root string) Layout { return Layout{Root: root} }

func (l Layout) SharedNotesDir() string      { return filepath.Join(l.Root, "shared", "notes") }
func (l Layout) SharedReferencesDir() string { return filepath.Join(l.Root, "shared", "references") }
func (l Layout) KnowledgeDBPath() string     { return filepath.Join(l.Root, "shared", "index.sqlite3") }
func (l Layout) ControlDBPath() string       { return filepath.Join(l.Root, "control.sqlite3") }

func (l Layout) GhostDir(name string) string {
	return filepath.Join(l.Root, "ghosts", name)
}

func (l Layout) SoulPath(ghost string) string {
	return filepath.Join(l.GhostDir(ghost), "SOUL.md")
}

func (l Layout) HeartbeatPath(ghost string) string {
	return filepath.Join(l.GhostDir(ghost), "HEARTBEAT.md")
}

func (l Layout) NotesDir(ghost string) string {
	return filepath.Join(l.GhostDir(ghost), "notes")
}

func (l Layout) DiaryDir(ghost string) string {
	return filepath.Join(l.GhostDir(ghost), "diary")
}

// DiaryPath is the diary entry file for a given day.
func (l Layout) DiaryPath(ghost string, day time.Time) string {
	return filepath.Join(l.DiaryDir(ghost), day.Format("2006-01-02")+".md")
}

func (l Layout) InboxDir(ghost string) string {
	return filepath.Join(l.GhostDir(ghost), "inbox")
}

func (l Layout) InboxPath(ghost string, at time.Time) string {
	return filepath.Join(l.InboxDir(ghost), fmt.Sprintf("inbox-%s.md", at.Format("20060102-150405")))
}

func (l Layout) CronDir(ghost string) string {
	return filepath.Join(l.GhostDir(ghost), "cron")
}

func (l Layout) CronStateDir(ghost string) string {
	return filepath.Join(l.CronDir(ghost), ".state")
}

func (l Layout) DownloadsDir(ghost string) string {
	return filepath.Join(l.GhostDir(ghost), "downloads")
}

// EnsureGhost creates a ghost's directory tree, leaving existing files
// untouched.
func (l Layout) EnsureGhost(name string) error {
	dirs := []string{
		l.GhostDir(name),
		l.NotesDir(name),
		l.DiaryDir(name),
		l.InboxDir(name),
		l.CronDir(name),
		l.CronStateDir(name),
		l.DownloadsDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("ensure ghost dir %s: %w", d, err)
		}
	}
	return nil
}

// EnsureShared creates the shared scope directories.
func (l Layout) EnsureShared() error {
	for _, d := range []string{l.SharedNotesDir(), l.SharedReferencesDir()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("ensure shared dir %s: %w", d, err)
		}
	}
	return nil
}
