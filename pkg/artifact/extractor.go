package artifact

import (
	"log/slog"
	"sync"

	"github.com/inkeep/agents-runtime/pkg/store"
	"github.com/inkeep/agents-runtime/pkg/toolsession"
)

// MaxPendingArtifacts bounds the per-turn cache of artifacts awaiting
// enrichment.
const MaxPendingArtifacts = 100

const processingName = "Processing..."

// SavedFunc is invoked once per newly extracted artifact, before enrichment.
type SavedFunc func(art *store.Artifact)

// Extractor runs the extraction pipeline for one turn. It implements
// stream.DirectiveHandler so inline directives are replaced with data parts
// as the text streams.
type Extractor struct {
	SessionID string
	TaskID    string

	sessions   *toolsession.Manager
	components map[string]store.ArtifactComponent
	onSaved    SavedFunc
	logger     *slog.Logger

	mu    sync.Mutex
	cache map[string]*store.Artifact
}

func NewExtractor(sessions *toolsession.Manager, sessionID, taskID string, components []store.ArtifactComponent, onSaved SavedFunc) *Extractor {
	byName := make(map[string]store.ArtifactComponent, len(components))
	for _, c := range components {
		byName[c.Name] = c
	}
	return &Extractor{
		SessionID:  sessionID,
		TaskID:     taskID,
		sessions:   sessions,
		components: byName,
		onSaved:    onSaved,
		logger:     slog.Default().With("component", "artifact"),
		cache:      make(map[string]*store.Artifact),
	}
}

// HandleDirective parses and processes one complete inline directive. The
// returned payload replaces the directive in the stream; false removes it.
func (e *Extractor) HandleDirective(tag string) (map[string]any, bool) {
	d, err := ParseDirective(tag)
	if err != nil {
		e.logger.Warn("dropping invalid artifact directive", "error", err)
		return nil, false
	}
	return e.Process(d)
}

// ProcessStructured handles one ArtifactCreate_<Type> structured-output
// entry.
func (e *Extractor) ProcessStructured(entry map[string]any) (map[string]any, bool) {
	d, err := FromStructured(entry)
	if err != nil {
		e.logger.Warn("dropping invalid artifact entry", "error", err)
		return nil, false
	}
	return e.Process(d)
}

// Process runs the pipeline for a parsed directive.
func (e *Extractor) Process(d *Directive) (map[string]any, bool) {
	if d.Kind == KindRef {
		return e.processRef(d)
	}

	callKey := d.ArtifactID + ":" + d.ToolCallID
	e.mu.Lock()
	if existing, ok := e.cache[callKey]; ok {
		e.mu.Unlock()
		return dataPart(existing), true
	}
	if len(e.cache) >= MaxPendingArtifacts {
		e.mu.Unlock()
		e.logger.Warn("pending artifact limit reached, dropping directive",
			"artifact_id", d.ArtifactID, "tool_call_id", d.ToolCallID)
		return nil, false
	}
	e.mu.Unlock()

	result, ok := e.sessions.GetResult(e.SessionID, d.ToolCallID)
	if !ok {
		e.logger.Warn("artifact directive references unknown tool call",
			"artifact_id", d.ArtifactID, "tool_call_id", d.ToolCallID)
		return nil, false
	}

	base := ApplyBase(result.Output, d.Base)
	summary := Project(base, d.Summary)
	full := Project(base, d.Full)

	if comp, ok := e.components[d.Type]; ok {
		summary = pruneToSchema(summary, comp.SummaryProps)
	}

	art := &store.Artifact{
		ArtifactID: d.ArtifactID,
		TaskID:     e.TaskID,
		Name:       processingName,
		Type:       d.Type,
		Summary:    summary,
		Full:       full,
		Metadata: store.ArtifactMetadata{
			ToolCallID:   d.ToolCallID,
			ArtifactType: d.Type,
			BaseSelector: d.Base,
		},
	}

	e.mu.Lock()
	e.cache[callKey] = art
	e.cache[d.ArtifactID+":"+e.TaskID] = art
	e.mu.Unlock()

	if e.onSaved != nil {
		e.onSaved(art)
	}
	return dataPart(art), true
}

func (e *Extractor) processRef(d *Directive) (map[string]any, bool) {
	e.mu.Lock()
	art, ok := e.cache[d.ArtifactID+":"+d.ToolCallID]
	if !ok {
		art, ok = e.cache[d.ArtifactID+":"+e.TaskID]
	}
	e.mu.Unlock()
	if !ok {
		e.logger.Warn("artifact reference not found",
			"artifact_id", d.ArtifactID, "tool_call_id", d.ToolCallID)
		return nil, false
	}
	return dataPart(art), true
}

// Lookup returns a cached artifact for same-turn reference resolution.
func (e *Extractor) Lookup(artifactID, toolCallID string) (*store.Artifact, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if art, ok := e.cache[artifactID+":"+toolCallID]; ok {
		return art, true
	}
	art, ok := e.cache[artifactID+":"+e.TaskID]
	return art, ok
}

// Clear drops the cache at end of turn.
func (e *Extractor) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]*store.Artifact)
}

func dataPart(art *store.Artifact) map[string]any {
	return map[string]any{
		"artifactId":      art.ArtifactID,
		"toolCallId":      art.Metadata.ToolCallID,
		"name":            art.Name,
		"description":     art.Description,
		"type":            art.Type,
		"artifactSummary": art.Summary,
	}
}

// pruneToSchema drops summary fields not declared in the component's summary
// schema properties.
func pruneToSchema(summary map[string]any, schema map[string]any) map[string]any {
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		if len(schema) == 0 {
			return summary
		}
		props = schema
	}
	out := make(map[string]any, len(summary))
	for k, v := range summary {
		if _, declared := props[k]; declared {
			out[k] = v
		}
	}
	return out
}
