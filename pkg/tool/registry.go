package tool

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/inkeep/agents-runtime/pkg/observability"
	"github.com/inkeep/agents-runtime/pkg/session"
	"github.com/inkeep/agents-runtime/pkg/toolsession"
)

// Source produces descriptors from one origin (an MCP server, the function
// tool table, relations, built-ins).
type Source interface {
	Tools(ctx context.Context) ([]*Descriptor, error)
}

// Build merges sources in order into one set. Sources load concurrently
// since remote ones block on the network, but the merge stays ordered:
// later sources win name collisions, which are logged. Names are sanitized
// on the way in.
func Build(ctx context.Context, sources ...Source) (Set, error) {
	logger := slog.Default().With("component", "tool")

	loaded := make([][]*Descriptor, len(sources))
	g, ctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		g.Go(func() error {
			tools, err := src.Tools(ctx)
			if err != nil {
				return err
			}
			loaded[i] = tools
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	set := make(Set)
	for _, tools := range loaded {
		for _, d := range tools {
			name := SanitizeName(d.Name)
			if _, exists := set[name]; exists {
				logger.Warn("tool name collision, later source wins", "tool", name)
			}
			set[name] = d
		}
	}
	return set, nil
}

// internalPrefixes and internalNames classify tools whose activity never
// surfaces to the user.
var internalPrefixes = []string{"transfer_", "delegate_"}

var internalNames = map[string]bool{
	"thinking_complete":      true,
	"save_tool_result":       true,
	"get_reference_artifact": true,
}

// IsInternal reports whether a tool's activity is hidden from the user.
func IsInternal(name string) bool {
	if internalNames[name] {
		return true
	}
	for _, p := range internalPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Wrap applies the execution lifecycle to every tool in the set: toolCallId
// generation, session events for user-visible tools, result recording, and
// cancellation propagation.
func Wrap(set Set, sess *session.Session, sessions *toolsession.Manager, subAgentID string) Set {
	wrapped := make(Set, len(set))
	for name, d := range set {
		wrapped[name] = wrapOne(name, d, sess, sessions, subAgentID)
	}
	return wrapped
}

func wrapOne(name string, d *Descriptor, sess *session.Session, sessions *toolsession.Manager, subAgentID string) *Descriptor {
	internal := d.Internal || IsInternal(name)
	inner := d.Execute

	out := *d
	out.Internal = internal
	out.Execute = func(ctx context.Context, args map[string]any, meta CallMeta) (any, error) {
		if meta.ToolCallID == "" {
			meta.ToolCallID = uuid.NewString()
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		started := time.Now()

		if !internal && sess != nil {
			sess.RecordEvent(session.EventToolCall, subAgentID, map[string]any{
				"tool":       name,
				"toolCallId": meta.ToolCallID,
			})
		}

		result, err := inner(ctx, args, meta)
		observability.ObserveTool(name, started, err)

		if sess != nil {
			if err != nil {
				sess.RecordEvent(session.EventError, subAgentID, map[string]any{
					"tool":       name,
					"toolCallId": meta.ToolCallID,
					"error":      err.Error(),
				})
			} else if !internal {
				sess.RecordEvent(session.EventToolResult, subAgentID, map[string]any{
					"tool":       name,
					"toolCallId": meta.ToolCallID,
				})
			}
		}
		if err != nil {
			return nil, err
		}

		if sess != nil && sessions != nil {
			sessions.RecordResult(sess.ID, meta.ToolCallID, toolsession.Result{
				ToolName: name,
				Args:     args,
				Output:   result,
			})
		}
		return result, nil
	}
	return &out
}
