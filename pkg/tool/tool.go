// Package tool assembles the callable surface exposed to the planning phase:
// remote MCP tools, sandboxed function tools, relation tools, and built-ins.
package tool

import (
	"context"

	"github.com/inkeep/agents-runtime/pkg/model"
)

// CallMeta carries per-invocation identifiers into a tool execution.
type CallMeta struct {
	ToolCallID string
}

// Descriptor is one callable tool.
type Descriptor struct {
	Name        string
	Description string
	InputSchema map[string]any

	// Internal tools never surface start/end events to the user.
	Internal bool

	Execute func(ctx context.Context, args map[string]any, meta CallMeta) (any, error)
}

// Set maps sanitized tool names to descriptors.
type Set map[string]*Descriptor

// Definitions converts the set into the shape the model layer consumes.
func (s Set) Definitions() []model.ToolDefinition {
	out := make([]model.ToolDefinition, 0, len(s))
	for name, d := range s {
		out = append(out, model.ToolDefinition{
			Name:        name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	return out
}
