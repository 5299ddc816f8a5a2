// Package functiontool runs user-supplied function code in a sandbox and
// exposes each function as a tool. The executor is pluggable; native runs a
// local subprocess, docker runs a container per invocation.
package functiontool

import (
	"context"
	"fmt"

	"github.com/inkeep/agents-runtime/pkg/runtimeerr"
	"github.com/inkeep/agents-runtime/pkg/store"
	"github.com/inkeep/agents-runtime/pkg/tool"
)

// Executor runs one function invocation inside a sandbox.
type Executor interface {
	Name() string
	Execute(ctx context.Context, fn *store.Function, args map[string]any) (any, error)
}

// Source exposes a sub-agent's function tools through one executor.
type Source struct {
	repo     store.Repository
	scope    store.Scope
	tools    []store.FunctionTool
	executor Executor
}

func NewSource(repo store.Repository, scope store.Scope, tools []store.FunctionTool, executor Executor) *Source {
	return &Source{repo: repo, scope: scope, tools: tools, executor: executor}
}

func (s *Source) Tools(_ context.Context) ([]*tool.Descriptor, error) {
	out := make([]*tool.Descriptor, 0, len(s.tools))
	for _, ft := range s.tools {
		ft := ft
		out = append(out, &tool.Descriptor{
			Name:        ft.Name,
			Description: ft.Description,
			InputSchema: ft.InputSchema,
			Execute: func(ctx context.Context, args map[string]any, _ tool.CallMeta) (any, error) {
				fn, err := s.repo.GetFunction(ctx, s.scope, ft.FunctionID)
				if err != nil {
					return nil, fmt.Errorf("failed to load function %s: %w", ft.FunctionID, err)
				}
				if fn == nil {
					return nil, runtimeerr.ToolFailed(fmt.Sprintf("function %s not found", ft.FunctionID), nil)
				}
				result, err := s.executor.Execute(ctx, fn, args)
				if err != nil {
					return nil, runtimeerr.ToolFailed(fmt.Sprintf("function %s failed", ft.Name), err)
				}
				return result, nil
			},
		})
	}
	return out, nil
}
