package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/inkeep/agents-runtime/pkg/model"
	"github.com/inkeep/agents-runtime/pkg/store"
)

// MaxArtifactRetries caps enrichment persist attempts.
const MaxArtifactRetries = 3

const (
	maxNameLen        = 50
	maxDescriptionLen = 150
)

type enrichment struct {
	Name        string `json:"name" jsonschema:"description=Short artifact name,maxLength=50"`
	Description string `json:"description" jsonschema:"description=One sentence describing the artifact,maxLength=150"`
}

var enrichmentSchema = buildEnrichmentSchema()

func buildEnrichmentSchema() map[string]any {
	reflector := jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	raw, err := json.Marshal(reflector.Reflect(&enrichment{}))
	if err != nil {
		panic(fmt.Sprintf("artifact: failed to build enrichment schema: %v", err))
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		panic(fmt.Sprintf("artifact: failed to decode enrichment schema: %v", err))
	}
	return schema
}

// Enricher generates artifact names and descriptions in the background and
// persists the result.
type Enricher struct {
	repo       store.Repository
	summarizer model.LLM
	baseDelay  time.Duration
	logger     *slog.Logger
}

func NewEnricher(repo store.Repository, summarizer model.LLM) *Enricher {
	return &Enricher{
		repo:       repo,
		summarizer: summarizer,
		baseDelay:  500 * time.Millisecond,
		logger:     slog.Default().With("component", "artifact"),
	}
}

// Enrich names the artifact via the summarizer and persists it, retrying
// persistence with exponential backoff. On final failure a fallback derived
// from the ids is written so the artifact is never left unnamed.
func (en *Enricher) Enrich(ctx context.Context, scope store.Scope, art *store.Artifact, toolContext string) {
	name, description := en.generate(ctx, art, toolContext)
	if name == "" {
		name, description = fallbackMetadata(art)
	}
	art.Name = truncate(name, maxNameLen)
	art.Description = truncate(description, maxDescriptionLen)

	var lastErr error
	for attempt := 0; attempt < MaxArtifactRetries; attempt++ {
		if attempt > 0 {
			delay := en.baseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		if lastErr = en.repo.UpsertArtifact(ctx, scope, art); lastErr == nil {
			return
		}
		en.logger.Warn("artifact persist failed",
			"artifact_id", art.ArtifactID, "attempt", attempt+1, "error", lastErr)
	}

	// Final fallback write with mechanical metadata.
	art.Name, art.Description = fallbackMetadata(art)
	if err := en.repo.UpsertArtifact(ctx, scope, art); err != nil {
		en.logger.Error("artifact enrichment abandoned",
			"artifact_id", art.ArtifactID, "task_id", art.TaskID, "error", err)
	}
}

func (en *Enricher) generate(ctx context.Context, art *store.Artifact, toolContext string) (string, string) {
	if en.summarizer == nil {
		return "", ""
	}

	summary, _ := json.Marshal(art.Summary)
	prompt := fmt.Sprintf(
		"Name this %s artifact extracted from a tool result.\n\nTool context:\n%s\n\nArtifact summary:\n%s",
		art.Type, toolContext, summary)

	req := &model.Request{
		System:   "You label artifacts. Respond with a concise name and description.",
		Messages: []model.Message{{Role: model.RoleUser, Content: prompt}},
		Config: &model.GenerateConfig{
			ResponseSchema:     enrichmentSchema,
			ResponseSchemaName: "artifact_metadata",
		},
	}

	for resp, err := range en.summarizer.GenerateContent(ctx, req, false) {
		if err != nil {
			en.logger.Warn("artifact summarizer failed", "artifact_id", art.ArtifactID, "error", err)
			return "", ""
		}
		var out enrichment
		if err := json.Unmarshal([]byte(resp.Text), &out); err != nil {
			en.logger.Warn("artifact summarizer returned invalid output", "artifact_id", art.ArtifactID)
			return "", ""
		}
		return out.Name, out.Description
	}
	return "", ""
}

func fallbackMetadata(art *store.Artifact) (string, string) {
	name := fmt.Sprintf("%s %s", art.Type, art.ArtifactID)
	if art.Type == "" {
		name = "Artifact " + art.ArtifactID
	}
	description := fmt.Sprintf("Artifact %s from tool call %s", art.ArtifactID, art.Metadata.ToolCallID)
	return truncate(name, maxNameLen), truncate(description, maxDescriptionLen)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
