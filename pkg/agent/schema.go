package agent

import (
	"github.com/inkeep/agents-runtime/pkg/artifact"
	"github.com/inkeep/agents-runtime/pkg/store"
)

// buildResponseSchema constrains the structured phase to an ordered array of
// component entries. Each data component contributes one union branch; each
// artifact component contributes an ArtifactCreate_<Type> branch whose props
// are selector strings resolved against tool results.
func buildResponseSchema(dataComponents []store.DataComponent, artifactComponents []store.ArtifactComponent) map[string]any {
	branches := make([]map[string]any, 0, len(dataComponents)+len(artifactComponents))

	for _, c := range dataComponents {
		branches = append(branches, componentBranch(c.Name, c.Description, c.Props))
	}
	for _, c := range artifactComponents {
		branches = append(branches, componentBranch(
			artifact.StructuredPrefix+c.Name,
			"Create a "+c.Name+" artifact from a tool result. "+c.Description,
			artifactCreateProps(c),
		))
	}

	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"dataComponents": map[string]any{
				"type":  "array",
				"items": map[string]any{"anyOf": branches},
			},
		},
		"required":             []string{"dataComponents"},
		"additionalProperties": false,
	}
}

func componentBranch(name, description string, props map[string]any) map[string]any {
	if props == nil {
		props = map[string]any{"type": "object"}
	}
	branch := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":  map[string]any{"const": name},
			"props": props,
		},
		"required":             []string{"name", "props"},
		"additionalProperties": false,
	}
	if description != "" {
		branch["description"] = description
	}
	return branch
}

// artifactCreateProps is the directive payload schema: identifiers plus
// selector maps mirroring the component's summary and full shapes.
func artifactCreateProps(c store.ArtifactComponent) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"artifact_id": map[string]any{
				"type":        "string",
				"description": "Stable id for this artifact.",
			},
			"tool_call_id": map[string]any{
				"type":        "string",
				"description": "The tool call whose result this artifact is extracted from.",
			},
			"base": map[string]any{
				"type":        "string",
				"description": "Selector scoping the tool result before projection.",
			},
			"summary": selectorMapSchema(c.SummaryProps),
			"full":    selectorMapSchema(c.FullProps),
		},
		"required":             []string{"artifact_id", "tool_call_id"},
		"additionalProperties": false,
	}
}

// selectorMapSchema maps each declared prop to a selector string.
func selectorMapSchema(shape map[string]any) map[string]any {
	props, _ := shape["properties"].(map[string]any)
	if props == nil {
		props = shape
	}
	selectorProps := make(map[string]any, len(props))
	for name := range props {
		selectorProps[name] = map[string]any{"type": "string"}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           selectorProps,
		"additionalProperties": false,
	}
}
