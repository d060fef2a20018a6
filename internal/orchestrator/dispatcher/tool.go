// Package dispatcher implements the Tool Dispatcher and Approval Gate of
// spec §4.6: a name-keyed tool registry with JSON-schema-validated
// arguments, and a per-session approval state machine gating execution.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tool is the contract every registered tool satisfies (spec §4.6 "Each
// tool exposes: name, human description, JSON-schema input, optional
// system-prompt fragment, and an execute(args, ctx) method"). Grounded
// on the teacher's plugin.ToolDefinition (Name/Description/Parameters/
// Handler), generalized from the teacher's flat ParameterDef list to a
// full JSON-schema input validated by santhosh-tekuri/jsonschema/v6,
// since the spec calls for an arbitrary schema rather than a flat
// parameter list.
type Tool interface {
	Name() string
	Description() string
	InputSchema() json.RawMessage
	// PromptFragment is an optional block appended to the system prompt
	// when this tool is in the active catalog; empty string if none.
	PromptFragment() string
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Profile names a tool catalog subset, e.g. "full_chat" or
// "cron_restricted" (spec §4.6 "the catalog advertised to the provider
// depends on a profile").
type Profile string

const (
	ProfileFullChat       Profile = "full_chat"
	ProfileCronRestricted Profile = "cron_restricted"
)

// entry pairs a Tool with the profiles that advertise it.
type entry struct {
	tool     Tool
	profiles map[Profile]bool
}

func newEntry(t Tool, profiles []Profile) entry {
	set := make(map[Profile]bool, len(profiles))
	for _, p := range profiles {
		set[p] = true
	}
	return entry{tool: t, profiles: set}
}

func (e entry) availableIn(p Profile) bool {
	if len(e.profiles) == 0 {
		return true
	}
	return e.profiles[p]
}

// ErrUnknownTool is returned by Dispatch when the model names a tool not
// present in the registry.
type ErrUnknownTool struct{ Name string }

func (e *ErrUnknownTool) Error() string { return fmt.Sprintf("unknown tool %q", e.Name) }
