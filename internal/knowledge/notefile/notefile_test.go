package notefile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ghostmesh/ghostmesh/internal/knowledge/entity"
)

const sampleNote = `+++
id = "3e9c3f49-07c9-4b32-8f6d-111111111111"
title = "Rust Result"
archetype = "Concept"
created_at = 2026-01-15T10:00:00Z
trust_score = 7
version = 2
tags = ["rust/errors", "patterns"]

[created_by]
ghost = "wisp"
model = "claude"

[[comments]]
ghost = "wisp"
model = "claude"
at = 2026-01-16T09:30:00Z
text = "verified against the book"
+++

Use Result for recoverable errors. See [[Error Handling]].
`

func TestParseRoundTrip(t *testing.T) {
	parsed, err := Parse(sampleNote)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	fm := parsed.FrontMatter
	if fm.ID == "" || fm.Title != "Rust Result" || fm.TrustScore != 7 || fm.Version != 2 {
		t.Fatalf("front matter = %+v", fm)
	}
	if len(fm.Tags) != 2 || fm.Tags[0] != "rust/errors" {
		t.Fatalf("tags = %v", fm.Tags)
	}
	if len(fm.Comments) != 1 || fm.Comments[0].Text != "verified against the book" {
		t.Fatalf("comments = %+v", fm.Comments)
	}
	if !strings.HasPrefix(parsed.Body, "Use Result") {
		t.Fatalf("body = %q", parsed.Body)
	}

	rendered, err := Render(fm, parsed.Body)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	reparsed, err := Parse(rendered)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if reparsed.FrontMatter.ID != fm.ID ||
		reparsed.FrontMatter.Title != fm.Title ||
		reparsed.FrontMatter.TrustScore != fm.TrustScore ||
		len(reparsed.FrontMatter.Tags) != len(fm.Tags) ||
		len(reparsed.FrontMatter.Comments) != len(fm.Comments) {
		t.Fatalf("round trip changed front matter: %+v vs %+v", reparsed.FrontMatter, fm)
	}
	if reparsed.Body != parsed.Body {
		t.Fatalf("round trip changed body: %q vs %q", reparsed.Body, parsed.Body)
	}
}

func TestParseLegacyTypeField(t *testing.T) {
	raw := "+++\nid = \"x\"\ntitle = \"T\"\ntype = \"HowTo\"\ncreated_at = 2026-01-01T00:00:00Z\n[created_by]\nghost = \"g\"\nmodel = \"m\"\n+++\nbody"
	parsed, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := parsed.FrontMatter.EffectiveArchetype(); got != "HowTo" {
		t.Fatalf("effective archetype = %q", got)
	}
}

func TestParseErrors(t *testing.T) {
	for _, raw := range []string{
		"no front matter at all",
		"+++\nid = \"x\"\n", // unterminated
		"+++\nnot valid toml ===\n+++\nbody",
	} {
		if _, err := Parse(raw); err == nil {
			t.Errorf("Parse(%.30q) succeeded, want error", raw)
		}
	}
}

func TestValidateRequiredFields(t *testing.T) {
	base := func() *ParsedNote {
		return &ParsedNote{FrontMatter: FrontMatter{
			ID:        "x",
			Title:     "T",
			CreatedAt: time.Now(),
			CreatedBy: entity.Attribution{Ghost: "g", Model: "m"},
		}}
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("valid note rejected: %v", err)
	}
	mutations := []func(*ParsedNote){
		func(p *ParsedNote) { p.FrontMatter.ID = "" },
		func(p *ParsedNote) { p.FrontMatter.Title = "" },
		func(p *ParsedNote) { p.FrontMatter.CreatedAt = time.Time{} },
		func(p *ParsedNote) { p.FrontMatter.CreatedBy.Ghost = "" },
		func(p *ParsedNote) { p.FrontMatter.CreatedBy.Model = "" },
	}
	for i, mutate := range mutations {
		p := base()
		mutate(p)
		if err := p.Validate(); err == nil {
			t.Errorf("mutation %d: missing required field accepted", i)
		}
	}
}

func TestAtomicWriteLeavesNoTmp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.md")
	if err := AtomicWrite(path, []byte("hello")); err != nil {
		t.Fatalf("atomic write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "hello" {
		t.Fatalf("read back: %q, %v", data, err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal(".tmp file left behind")
	}
}

func TestSlugDir(t *testing.T) {
	cases := []struct {
		tags []string
		want string
	}{
		{nil, "root"},
		{[]string{"rust"}, filepath.Join("root", "rust")},
		{[]string{"rust/library"}, filepath.Join("root", "rust", "library")},
		{[]string{"Weird Tag!/Sub"}, filepath.Join("root", "weird-tag", "sub")},
		{[]string{"rust", "other"}, filepath.Join("root", "rust")},
	}
	for _, tc := range cases {
		if got := SlugDir("root", tc.tags); got != tc.want {
			t.Errorf("SlugDir(%v) = %q, want %q", tc.tags, got, tc.want)
		}
	}
}

func TestSlugify(t *testing.T) {
	if got := Slugify("Rust Result"); got != "rust-result" {
		t.Errorf("Slugify = %q", got)
	}
	if got := Slugify("!!!"); got != "misc" {
		t.Errorf("Slugify of punctuation = %q", got)
	}
}
