package scheduler

import (
	"testing"
	"time"
)

func TestParseCronFile(t *testing.T) {
	raw := `+++
name = "Morning digest"
schedule = "30 7 * * *"
model_aliases = ["fast", "fallback"]

[[pre_tools]]
name = "note_search"
input = { query = "yesterday" }
+++

Summarize what happened yesterday.`

	job, err := ParseCronFile(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if job.Name != "Morning digest" || job.Schedule != "30 7 * * *" {
		t.Fatalf("job = %+v", job)
	}
	if !job.Enabled || !job.CarryLastOutput {
		t.Fatal("defaults not applied: enabled and carry_last_output should default true")
	}
	if len(job.ModelAliases) != 2 || len(job.PreTools) != 1 {
		t.Fatalf("aliases=%v pre_tools=%v", job.ModelAliases, job.PreTools)
	}
	if job.PreTools[0].Name != "note_search" {
		t.Fatalf("pre tool = %+v", job.PreTools[0])
	}
	input, err := job.PreTools[0].InputJSON()
	if err != nil {
		t.Fatalf("input json: %v", err)
	}
	if input != `{"query":"yesterday"}` {
		t.Fatalf("input json = %s", input)
	}
	if job.Prompt != "Summarize what happened yesterday." {
		t.Fatalf("prompt = %q", job.Prompt)
	}
	if job.Key() != "morning-digest" {
		t.Fatalf("key = %q", job.Key())
	}
}

func TestParseCronFileExplicitFlags(t *testing.T) {
	raw := `+++
name = "x"
schedule = "* * * * *"
enabled = false
carry_last_output = false
+++
body`
	job, err := ParseCronFile(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if job.Enabled || job.CarryLastOutput {
		t.Fatalf("explicit false flags not honored: %+v", job)
	}
}

func TestParseCronFileErrors(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"no front matter", "just a prompt"},
		{"unterminated", "+++\nname = \"x\"\n"},
		{"missing name", "+++\nschedule = \"* * * * *\"\n+++\nbody"},
		{"missing schedule", "+++\nname = \"x\"\n+++\nbody"},
		{"bad schedule", "+++\nname = \"x\"\nschedule = \"not cron\"\n+++\nbody"},
		{"six fields", "+++\nname = \"x\"\nschedule = \"0 * * * * *\"\n+++\nbody"},
	}
	for _, tc := range cases {
		if _, err := ParseCronFile(tc.raw); err == nil {
			t.Errorf("%s: parse succeeded, want error", tc.name)
		}
	}
}

func TestNextDueAtOrAfter(t *testing.T) {
	// 2026-03-02 is a Monday.
	now := time.Date(2026, 3, 2, 7, 30, 45, 0, time.UTC)

	cases := []struct {
		schedule string
		want     time.Time
	}{
		// The current minute counts as at-or-after.
		{"30 7 * * *", time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC)},
		{"* * * * *", time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC)},
		{"0 8 * * *", time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)},
		{"15 7 * * *", time.Date(2026, 3, 3, 7, 15, 0, 0, time.UTC)},
		{"0 0 * * 0", time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, err := NextDueAtOrAfter(tc.schedule, now)
		if err != nil {
			t.Errorf("schedule %q: %v", tc.schedule, err)
			continue
		}
		if !got.Equal(tc.want) {
			t.Errorf("schedule %q: next = %v, want %v", tc.schedule, got, tc.want)
		}
	}
}

func TestSanitizeKey(t *testing.T) {
	cases := map[string]string{
		"Morning digest":  "morning-digest",
		"weekly/rollup":   "weekly-rollup",
		"--edge--":        "edge",
		"Already-clean-1": "already-clean-1",
	}
	for in, want := range cases {
		if got := sanitizeKey(in); got != want {
			t.Errorf("sanitizeKey(%q) = %q, want %q", in, got, want)
		}
	}
}
