// Package builtin provides the runtime-internal tools every sub-agent gets:
// the planning-phase completion sentinel and full-artifact retrieval.
package builtin

import (
	"context"

	"github.com/inkeep/agents-runtime/pkg/artifact"
	"github.com/inkeep/agents-runtime/pkg/runtimeerr"
	"github.com/inkeep/agents-runtime/pkg/store"
	"github.com/inkeep/agents-runtime/pkg/tool"
)

// ThinkingCompleteName ends the planning phase when called.
const ThinkingCompleteName = "thinking_complete"

// GetReferenceArtifactName fetches the full body of a saved artifact.
const GetReferenceArtifactName = "get_reference_artifact"

// ThinkingComplete is a no-op sentinel. The generation loop watches for it
// and switches to the structured output phase.
func ThinkingComplete() *tool.Descriptor {
	return &tool.Descriptor{
		Name:        ThinkingCompleteName,
		Description: "Call this when you have gathered everything needed to produce the final response.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		Internal:    true,
		Execute: func(_ context.Context, _ map[string]any, _ tool.CallMeta) (any, error) {
			return map[string]any{"status": "complete"}, nil
		},
	}
}

// GetReferenceArtifact resolves an artifact's full content, first from the
// current turn's extractor cache, then from the task ledger, then from the
// ledgers of earlier tasks in the conversation.
func GetReferenceArtifact(repo store.Repository, scope store.Scope, taskID, conversationID string, extractor *artifact.Extractor) *tool.Descriptor {
	return &tool.Descriptor{
		Name:        GetReferenceArtifactName,
		Description: "Retrieve the full content of a previously saved artifact by its id and tool call id.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"artifactId": map[string]any{
					"type":        "string",
					"description": "The artifact id.",
				},
				"toolCallId": map[string]any{
					"type":        "string",
					"description": "The tool call that produced the artifact.",
				},
			},
			"required": []string{"artifactId", "toolCallId"},
		},
		Internal: true,
		Execute: func(ctx context.Context, args map[string]any, _ tool.CallMeta) (any, error) {
			artifactID, _ := args["artifactId"].(string)
			toolCallID, _ := args["toolCallId"].(string)
			if artifactID == "" {
				return nil, runtimeerr.New(runtimeerr.KindBadRequest, "artifactId is required")
			}

			if extractor != nil {
				if art, ok := extractor.Lookup(artifactID, toolCallID); ok {
					return artifactResult(art), nil
				}
			}

			if art, err := scanLedger(ctx, repo, scope, taskID, artifactID, toolCallID); err != nil || art != nil {
				if err != nil {
					return nil, err
				}
				return artifactResult(art), nil
			}

			// Artifacts referenced from history belong to earlier tasks.
			taskIDs, err := repo.ListTaskIDsByContext(ctx, scope, conversationID)
			if err != nil {
				return nil, runtimeerr.ToolFailed("artifact lookup failed", err)
			}
			for _, prior := range taskIDs {
				if prior == taskID {
					continue
				}
				art, err := scanLedger(ctx, repo, scope, prior, artifactID, toolCallID)
				if err != nil {
					return nil, err
				}
				if art != nil {
					return artifactResult(art), nil
				}
			}
			return nil, runtimeerr.Newf(runtimeerr.KindNotFound, "artifact %q not found", artifactID)
		},
	}
}

func scanLedger(ctx context.Context, repo store.Repository, scope store.Scope, taskID, artifactID, toolCallID string) (*store.Artifact, error) {
	arts, err := repo.GetLedgerArtifacts(ctx, scope, taskID)
	if err != nil {
		return nil, runtimeerr.ToolFailed("artifact lookup failed", err)
	}
	for i := range arts {
		art := &arts[i]
		if art.ArtifactID != artifactID {
			continue
		}
		if toolCallID != "" && art.Metadata.ToolCallID != toolCallID {
			continue
		}
		return art, nil
	}
	return nil, nil
}

func artifactResult(art *store.Artifact) map[string]any {
	return map[string]any{
		"artifactId":  art.ArtifactID,
		"name":        art.Name,
		"description": art.Description,
		"type":        art.Type,
		"content":     art.Full,
	}
}
