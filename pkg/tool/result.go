package tool

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/inkeep/agents-runtime/pkg/runtimeerr"
)

// maxEmbeddedDepth bounds recursive parsing of JSON strings nested inside
// tool results.
const maxEmbeddedDepth = 5

// PostProcess normalizes a remote tool result: error envelopes raise
// ToolFailed, embedded JSON strings are parsed in place, and structure hints
// are attached when the sub-agent has artifact components configured.
func PostProcess(toolName string, result map[string]any, withHints bool) (map[string]any, error) {
	if isErr, _ := result["isError"].(bool); isErr {
		return nil, runtimeerr.ToolFailed(errorMessage(toolName, result), nil)
	}

	out, _ := parseEmbedded(result, 0).(map[string]any)
	if out == nil {
		out = result
	}
	if withHints {
		if hints := BuildStructureHints(out); hints != nil {
			out["_structureHints"] = hints
		}
	}
	return out, nil
}

func errorMessage(toolName string, result map[string]any) string {
	if content, ok := result["content"].([]any); ok {
		var parts []string
		for _, c := range content {
			if block, ok := c.(map[string]any); ok {
				if text, ok := block["text"].(string); ok && text != "" {
					parts = append(parts, text)
				}
			}
		}
		if len(parts) > 0 {
			return fmt.Sprintf("tool %s failed: %s", toolName, strings.Join(parts, "; "))
		}
	}
	if msg, ok := result["error"].(string); ok && msg != "" {
		return fmt.Sprintf("tool %s failed: %s", toolName, msg)
	}
	return fmt.Sprintf("tool %s reported an error", toolName)
}

// parseEmbedded walks the result and replaces string values that hold valid
// JSON objects or arrays with their parsed form.
func parseEmbedded(v any, depth int) any {
	if depth > maxEmbeddedDepth {
		return v
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = parseEmbedded(val, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = parseEmbedded(val, depth+1)
		}
		return out
	case string:
		trimmed := strings.TrimSpace(t)
		if len(trimmed) < 2 {
			return v
		}
		if first := trimmed[0]; first != '{' && first != '[' {
			return v
		}
		if !gjson.Valid(trimmed) {
			return v
		}
		var parsed any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
			return v
		}
		return parseEmbedded(parsed, depth+1)
	default:
		return v
	}
}
