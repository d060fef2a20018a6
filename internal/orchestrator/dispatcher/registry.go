package dispatcher

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ghostmesh/ghostmesh/internal/orchestrator/provider"
)

// Registry is the process-wide tool registry keyed by name, grounded on
// the teacher's plugin.Registry tools map (addTool/GetTools), minus the
// plugin-ownership bookkeeping the spec doesn't need.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]entry
	order   []string
	schemas map[string]*jsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]entry),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, compiling its JSON schema up front so a
// malformed schema fails at startup rather than at first call.
func (r *Registry) Register(t Tool, profiles ...Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q is already registered", name)
	}

	schema, err := compileSchema(t.InputSchema())
	if err != nil {
		return fmt.Errorf("tool %q: compile input schema: %w", name, err)
	}

	r.tools[name] = newEntry(t, profiles)
	r.order = append(r.order, name)
	if schema != nil {
		r.schemas[name] = schema
	}
	return nil
}

func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("input.json", doc); err != nil {
		return nil, fmt.Errorf("add resource: %w", err)
	}
	return c.Compile("input.json")
}

// Get looks up a tool by name regardless of profile (used once the
// approval gate has already cleared a call for execution).
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// Validate checks raw tool arguments against the tool's compiled input
// schema, if one was registered.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	var doc any
	if len(args) == 0 {
		doc = map[string]any{}
	} else if err := json.Unmarshal(args, &doc); err != nil {
		return fmt.Errorf("unmarshal arguments: %w", err)
	}
	return schema.Validate(doc)
}

// Catalog returns the tool catalog for a profile as provider.ToolSpec
// values and the concatenated prompt fragments of every included tool,
// in registration order.
func (r *Registry) Catalog(profile Profile) ([]provider.ToolSpec, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var specs []provider.ToolSpec
	var fragments string
	for _, name := range r.order {
		e := r.tools[name]
		if !e.availableIn(profile) {
			continue
		}
		specs = append(specs, provider.ToolSpec{
			Name:        e.tool.Name(),
			Description: e.tool.Description(),
			InputSchema: e.tool.InputSchema(),
		})
		if frag := e.tool.PromptFragment(); frag != "" {
			fragments += frag + "\n"
		}
	}
	return specs, fragments
}
