package scheduler

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

const cronDelimiter = "+++"

// CronPreTool is one tool invocation run before the job prompt, against
// the cron-restricted profile.
type CronPreTool struct {
	Name  string         `toml:"name"`
	Input map[string]any `toml:"input"`
}

// InputJSON renders the pre-tool input as the raw JSON arguments the
// dispatcher expects.
func (p CronPreTool) InputJSON() (string, error) {
	if p.Input == nil {
		return "{}", nil
	}
	data, err := json.Marshal(p.Input)
	if err != nil {
		return "", fmt.Errorf("marshal pre-tool input: %w", err)
	}
	return string(data), nil
}

type cronFrontMatter struct {
	Name            string        `toml:"name"`
	Schedule        string        `toml:"schedule"`
	Enabled         *bool         `toml:"enabled"`
	CarryLastOutput *bool         `toml:"carry_last_output"`
	ModelAliases    []string      `toml:"model_aliases"`
	PreTools        []CronPreTool `toml:"pre_tools"`
}

// CronJob is one markdown-defined recurring job.
type CronJob struct {
	Name            string
	Schedule        string
	Enabled         bool
	CarryLastOutput bool
	ModelAliases    []string
	PreTools        []CronPreTool
	Prompt          string

	GhostName string
	Path      string
}

// Key is the job's filesystem-safe identity used for deadline and state
// file names.
func (j *CronJob) Key() string {
	return sanitizeKey(j.Name)
}

func sanitizeKey(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		default:
			sb.WriteRune('-')
		}
	}
	return strings.Trim(sb.String(), "-")
}

// ParseCronFile parses a cron job markdown file: TOML front matter
// between +++ delimiters, then the job prompt body.
func ParseCronFile(raw string) (*CronJob, error) {
	if !strings.HasPrefix(raw, cronDelimiter) {
		return nil, fmt.Errorf("cron job: missing front matter")
	}
	rest := raw[len(cronDelimiter):]
	end := strings.Index(rest, "\n"+cronDelimiter)
	if end < 0 {
		return nil, fmt.Errorf("cron job: unterminated front matter")
	}
	var fm cronFrontMatter
	if err := toml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return nil, fmt.Errorf("cron job: parse front matter: %w", err)
	}
	if fm.Name == "" {
		return nil, fmt.Errorf("cron job: name is required")
	}
	if fm.Schedule == "" {
		return nil, fmt.Errorf("cron job: schedule is required")
	}
	if _, err := cronScheduleParser.Parse(fm.Schedule); err != nil {
		return nil, fmt.Errorf("cron job %q: bad schedule %q: %w", fm.Name, fm.Schedule, err)
	}

	job := &CronJob{
		Name:            fm.Name,
		Schedule:        fm.Schedule,
		Enabled:         true,
		CarryLastOutput: true,
		ModelAliases:    fm.ModelAliases,
		PreTools:        fm.PreTools,
		Prompt:          strings.TrimSpace(rest[end+len(cronDelimiter)+1:]),
	}
	if fm.Enabled != nil {
		job.Enabled = *fm.Enabled
	}
	if fm.CarryLastOutput != nil {
		job.CarryLastOutput = *fm.CarryLastOutput
	}
	return job, nil
}

// cronScheduleParser accepts the standard 5-field minute-granularity
// expression (minute hour dom month dow).
var cronScheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextDueAtOrAfter evaluates the schedule in UTC: now is rounded to the
// minute and stepped back one minute, so a job whose expression matches
// the current minute fires this minute rather than next period.
func NextDueAtOrAfter(schedule string, now time.Time) (time.Time, error) {
	sched, err := cronScheduleParser.Parse(schedule)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse schedule %q: %w", schedule, err)
	}
	base := now.UTC().Truncate(time.Minute).Add(-time.Minute)
	return sched.Next(base), nil
}
