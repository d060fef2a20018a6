// Package tools holds the built-in knowledge tools a ghost can call in
// a chat turn: unified search, note create/update, memory retrieval by
// id, and the reference topic operations. Each implements the
// dispatcher.Tool contract; the calling ghost's identity travels on the
// context so a tool can never be pointed at another ghost's scope.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ghostmesh/ghostmesh/internal/knowledge/entity"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/manager"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/query"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/reference"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/dispatcher"
	"github.com/ghostmesh/ghostmesh/internal/workspace"
)

type ghostKey struct{}

// WithGhost stamps the calling ghost's name onto the context before a
// turn runs; every knowledge tool reads it back from there rather than
// from model-controlled arguments.
func WithGhost(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ghostKey{}, name)
}

func ghostFrom(ctx context.Context) (string, error) {
	name, _ := ctx.Value(ghostKey{}).(string)
	if name == "" {
		return "", fmt.Errorf("no ghost bound to this turn")
	}
	return name, nil
}

// RegisterKnowledgeTools wires the knowledge tool set into the registry.
// Search and retrieval are available to cron-restricted runs; writes are
// chat-only.
func RegisterKnowledgeTools(reg *dispatcher.Registry, q *query.Engine, mgr *manager.Manager, ref *reference.Service, layout workspace.Layout) error {
	all := []dispatcher.Profile{dispatcher.ProfileFullChat, dispatcher.ProfileCronRestricted}
	chat := []dispatcher.Profile{dispatcher.ProfileFullChat}

	for _, reg2 := range []struct {
		tool     dispatcher.Tool
		profiles []dispatcher.Profile
	}{
		{&knowledgeSearchTool{q: q}, all},
		{&memoryGetTool{q: q}, all},
		{&noteCreateTool{mgr: mgr}, chat},
		{&noteUpdateTool{mgr: mgr}, chat},
		{&referenceSaveTool{ref: ref}, chat},
		{&referenceMoveTool{ref: ref}, chat},
		{&referenceStatusTool{ref: ref}, chat},
	} {
		if err := reg.Register(reg2.tool, reg2.profiles...); err != nil {
			return err
		}
	}
	return nil
}

// --- knowledge_search ---

type knowledgeSearchTool struct {
	q *query.Engine
}

func (t *knowledgeSearchTool) Name() string { return "knowledge_search" }
func (t *knowledgeSearchTool) Description() string {
	return "Hybrid search across notes, diary, reference files, and topics. Returns ranked results with snippets and graph context."
}
func (t *knowledgeSearchTool) PromptFragment() string {
	return "Use knowledge_search before answering questions about prior work, saved notes, or reference material."
}
func (t *knowledgeSearchTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "free-text search query"},
			"categories": {"type": "array", "items": {"type": "string", "enum": ["notes", "diary", "references", "topics"]}},
			"ownership": {"type": "string", "enum": ["all", "shared", "private"]},
			"topic": {"type": "string", "description": "optional topic note id to scope reference search"}
		},
		"required": ["query"]
	}`)
}

func (t *knowledgeSearchTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	ghost, err := ghostFrom(ctx)
	if err != nil {
		return "", err
	}
	var in struct {
		Query      string   `json:"query"`
		Categories []string `json:"categories"`
		Ownership  string   `json:"ownership"`
		Topic      string   `json:"topic"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", err
	}
	ownership := entity.Ownership(in.Ownership)
	if ownership == "" {
		ownership = entity.OwnershipAll
	}
	results, err := t.q.Unified(ctx, in.Query, in.Categories, ghost, ownership, in.Topic, entity.DefaultQueryConfig())
	if err != nil {
		return "", err
	}
	return marshalResult(results)
}

// --- memory_get ---

type memoryGetTool struct {
	q *query.Engine
}

func (t *memoryGetTool) Name() string { return "memory_get" }
func (t *memoryGetTool) Description() string {
	return "Fetch one note by id or exact title. Fails with access denied for notes outside your ownership."
}
func (t *memoryGetTool) PromptFragment() string { return "" }
func (t *memoryGetTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"ref": {"type": "string", "description": "note id or exact title"},
			"ownership": {"type": "string", "enum": ["all", "shared", "private"]}
		},
		"required": ["ref"]
	}`)
}

func (t *memoryGetTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	ghost, err := ghostFrom(ctx)
	if err != nil {
		return "", err
	}
	var in struct {
		Ref       string `json:"ref"`
		Ownership string `json:"ownership"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", err
	}
	ownership := entity.Ownership(in.Ownership)
	if ownership == "" {
		ownership = entity.OwnershipAll
	}
	note, err := t.q.MemoryGet(ghost, in.Ref, ownership)
	if err != nil {
		return "", err
	}
	return marshalResult(note)
}

// --- note_create ---

type noteCreateTool struct {
	mgr *manager.Manager
}

func (t *noteCreateTool) Name() string { return "note_create" }
func (t *noteCreateTool) Description() string {
	return "Create a markdown note in the shared or private scope. Tags are hierarchical paths; the first tag decides the directory."
}
func (t *noteCreateTool) PromptFragment() string { return "" }
func (t *noteCreateTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"title": {"type": "string"},
			"body": {"type": "string"},
			"archetype": {"type": "string"},
			"tags": {"type": "array", "items": {"type": "string"}},
			"scope": {"type": "string", "enum": ["shared", "private"]},
			"parent": {"type": "string"},
			"model": {"type": "string", "description": "model id writing the note"}
		},
		"required": ["title", "body", "scope", "model"]
	}`)
}

func (t *noteCreateTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	ghost, err := ghostFrom(ctx)
	if err != nil {
		return "", err
	}
	var in struct {
		Title     string   `json:"title"`
		Body      string   `json:"body"`
		Archetype string   `json:"archetype"`
		Tags      []string `json:"tags"`
		Scope     string   `json:"scope"`
		Parent    string   `json:"parent"`
		Model     string   `json:"model"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", err
	}
	params := manager.CreateParams{
		Title:     in.Title,
		Archetype: in.Archetype,
		Tags:      in.Tags,
		Body:      in.Body,
		Parent:    in.Parent,
		CreatedBy: entity.Attribution{Ghost: ghost, Model: in.Model},
	}
	if in.Scope == "shared" {
		params.Scope = entity.ScopeSharedNote
	} else {
		params.Scope = entity.ScopeGhostNote
		params.OwnerGhost = ghost
	}
	note, err := t.mgr.CreateNote(ctx, params)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("created note %s (%s)", note.ID, note.Path), nil
}

// --- note_update ---

type noteUpdateTool struct {
	mgr *manager.Manager
}

func (t *noteUpdateTool) Name() string { return "note_update" }
func (t *noteUpdateTool) Description() string {
	return "Update an existing note's body, tags, archetype, trust score, or parent. Bumps the version and re-indexes."
}
func (t *noteUpdateTool) PromptFragment() string { return "" }
func (t *noteUpdateTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"id": {"type": "string"},
			"body": {"type": "string"},
			"archetype": {"type": "string"},
			"tags": {"type": "array", "items": {"type": "string"}},
			"trust_score": {"type": "integer"},
			"parent": {"type": "string"}
		},
		"required": ["id"]
	}`)
}

func (t *noteUpdateTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	if _, err := ghostFrom(ctx); err != nil {
		return "", err
	}
	var in struct {
		ID         string   `json:"id"`
		Body       *string  `json:"body"`
		Archetype  *string  `json:"archetype"`
		Tags       []string `json:"tags"`
		TrustScore *int     `json:"trust_score"`
		Parent     *string  `json:"parent"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", err
	}
	note, err := t.mgr.UpdateNote(ctx, in.ID, manager.UpdateParams{
		Body:       in.Body,
		Archetype:  in.Archetype,
		Tags:       in.Tags,
		TrustScore: in.TrustScore,
		Parent:     in.Parent,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("updated note %s to version %d", note.ID, note.Version), nil
}

// --- reference_save ---

type referenceSaveTool struct {
	ref *reference.Service
}

func (t *referenceSaveTool) Name() string { return "reference_save" }
func (t *referenceSaveTool) Description() string {
	return "Save external reference material (docs or code) under a shared topic, creating the topic if needed."
}
func (t *referenceSaveTool) PromptFragment() string { return "" }
func (t *referenceSaveTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"topic": {"type": "string"},
			"path": {"type": "string", "description": "relative filename, extension preserved"},
			"content": {"type": "string"},
			"source_url": {"type": "string"},
			"role": {"type": "string", "enum": ["docs", "code"]}
		},
		"required": ["topic", "path", "content"]
	}`)
}

func (t *referenceSaveTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	if _, err := ghostFrom(ctx); err != nil {
		return "", err
	}
	var in struct {
		Topic     string `json:"topic"`
		Path      string `json:"path"`
		Content   string `json:"content"`
		SourceURL string `json:"source_url"`
		Role      string `json:"role"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", err
	}
	note, err := t.ref.Save(ctx, in.Topic, in.Path, in.Content, in.SourceURL, entity.ReferenceFileRole(in.Role))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("saved reference %s under topic %q", note.ID, in.Topic), nil
}

// --- reference_file_move ---

type referenceMoveTool struct {
	ref *reference.Service
}

func (t *referenceMoveTool) Name() string { return "reference_file_move" }
func (t *referenceMoveTool) Description() string {
	return "Move a reference file to another topic, preserving its content without exposing it."
}
func (t *referenceMoveTool) PromptFragment() string { return "" }
func (t *referenceMoveTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"note_id": {"type": "string"},
			"target_topic": {"type": "string"},
			"target_filename": {"type": "string"}
		},
		"required": ["note_id", "target_topic"]
	}`)
}

func (t *referenceMoveTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	if _, err := ghostFrom(ctx); err != nil {
		return "", err
	}
	var in struct {
		NoteID         string `json:"note_id"`
		TargetTopic    string `json:"target_topic"`
		TargetFilename string `json:"target_filename"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", err
	}
	note, err := t.ref.Move(ctx, in.NoteID, in.TargetTopic, in.TargetFilename)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("moved to %s (new note %s)", note.Path, note.ID), nil
}

// --- reference_set_status ---

type referenceStatusTool struct {
	ref *reference.Service
}

func (t *referenceStatusTool) Name() string { return "reference_set_status" }
func (t *referenceStatusTool) Description() string {
	return "Mark a reference file active, problematic, or obsolete within its topic. Obsolete files drop out of search."
}
func (t *referenceStatusTool) PromptFragment() string { return "" }
func (t *referenceStatusTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"topic_id": {"type": "string"},
			"file_id": {"type": "string"},
			"status": {"type": "string", "enum": ["active", "problematic", "obsolete"]}
		},
		"required": ["topic_id", "file_id", "status"]
	}`)
}

func (t *referenceStatusTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	if _, err := ghostFrom(ctx); err != nil {
		return "", err
	}
	var in struct {
		TopicID string `json:"topic_id"`
		FileID  string `json:"file_id"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", err
	}
	if err := t.ref.SetStatus(in.TopicID, in.FileID, entity.ReferenceFileStatus(in.Status)); err != nil {
		return "", err
	}
	return fmt.Sprintf("reference %s is now %s", in.FileID, in.Status), nil
}

func marshalResult(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
