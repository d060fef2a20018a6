// Package prompt assembles the system prompt for a chat turn: an
// identity block from the ghost's SOUL.md, recent diary context, the
// skill catalog, and whatever knowledge context the caller attaches.
// Sections render independently, sorted by priority; a failing section
// is logged and skipped rather than failing the turn.
package prompt

import (
	"context"
	"sort"
	"strings"

	"github.com/ghostmesh/ghostmesh/internal/pkg/log"
)

// Context carries what sections render from.
type Context struct {
	GhostName string
	// Soul is the raw SOUL.md content, empty when the file is absent.
	Soul string
	// DiaryEntries holds recent diary bodies, newest first.
	DiaryEntries []string
	// Skills lists the skill catalog entries (name: one-line summary).
	Skills []string
	// KnowledgeContext is pre-rendered retrieval output the caller wants
	// in front of the model (topic bodies, note summaries).
	KnowledgeContext string
}

// Section is one independently-rendered prompt block.
type Section interface {
	Name() string
	Priority() int
	Enabled(pc *Context) bool
	Render(ctx context.Context, pc *Context) (string, error)
}

// Pipeline renders its sections in priority order.
type Pipeline struct {
	sections []Section
	sorted   bool
}

// NewDefaultPipeline wires the standard section set.
func NewDefaultPipeline() *Pipeline {
	p := &Pipeline{}
	p.Register(&IdentitySection{})
	p.Register(&DiarySection{})
	p.Register(&SkillsSection{})
	p.Register(&KnowledgeSection{})
	return p
}

func (p *Pipeline) Register(s Section) {
	p.sections = append(p.sections, s)
	p.sorted = false
}

// Assemble renders every enabled section, joined by blank lines.
func (p *Pipeline) Assemble(ctx context.Context, pc *Context) string {
	if !p.sorted {
		sort.SliceStable(p.sections, func(i, j int) bool {
			return p.sections[i].Priority() < p.sections[j].Priority()
		})
		p.sorted = true
	}
	var buf strings.Builder
	for _, s := range p.sections {
		if !s.Enabled(pc) {
			continue
		}
		text, err := s.Render(ctx, pc)
		if err != nil {
			log.Warn("[prompt] section %q render failed: %v", s.Name(), err)
			continue
		}
		if text == "" {
			continue
		}
		buf.WriteString(text)
		buf.WriteString("\n\n")
	}
	return strings.TrimRight(buf.String(), "\n")
}

// IdentitySection renders the ghost's core identity from SOUL.md.
type IdentitySection struct{}

func (s *IdentitySection) Name() string            { return "identity" }
func (s *IdentitySection) Priority() int           { return 100 }
func (s *IdentitySection) Enabled(_ *Context) bool { return true }

func (s *IdentitySection) Render(_ context.Context, pc *Context) (string, error) {
	var buf strings.Builder
	if pc.GhostName != "" {
		buf.WriteString("You are **" + pc.GhostName + "**, a persistent ghost with your own workspace, notes, and diary.")
	} else {
		buf.WriteString("You are a persistent ghost with your own workspace, notes, and diary.")
	}
	if soul := strings.TrimSpace(pc.Soul); soul != "" {
		buf.WriteString("\n\n")
		buf.WriteString(soul)
	}
	return buf.String(), nil
}

// DiarySection injects recent diary entries so the ghost remembers what
// it did across sessions.
type DiarySection struct{}

func (s *DiarySection) Name() string             { return "diary" }
func (s *DiarySection) Priority() int            { return 200 }
func (s *DiarySection) Enabled(pc *Context) bool { return len(pc.DiaryEntries) > 0 }

func (s *DiarySection) Render(_ context.Context, pc *Context) (string, error) {
	var buf strings.Builder
	buf.WriteString("## Recent diary\n")
	for _, entry := range pc.DiaryEntries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		buf.WriteString("\n")
		buf.WriteString(entry)
		buf.WriteString("\n")
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// SkillsSection enumerates the skill catalog.
type SkillsSection struct{}

func (s *SkillsSection) Name() string             { return "skills" }
func (s *SkillsSection) Priority() int            { return 300 }
func (s *SkillsSection) Enabled(pc *Context) bool { return len(pc.Skills) > 0 }

func (s *SkillsSection) Render(_ context.Context, pc *Context) (string, error) {
	var buf strings.Builder
	buf.WriteString("## Skills\n")
	for _, sk := range pc.Skills {
		buf.WriteString("- " + sk + "\n")
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// KnowledgeSection carries pre-rendered retrieval context.
type KnowledgeSection struct{}

func (s *KnowledgeSection) Name() string             { return "knowledge" }
func (s *KnowledgeSection) Priority() int            { return 400 }
func (s *KnowledgeSection) Enabled(pc *Context) bool { return pc.KnowledgeContext != "" }

func (s *KnowledgeSection) Render(_ context.Context, pc *Context) (string, error) {
	return "## Knowledge context\n\n" + strings.TrimSpace(pc.KnowledgeContext), nil
}
