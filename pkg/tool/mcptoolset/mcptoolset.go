// Package mcptoolset exposes remote MCP servers as tool sources. Connections
// are pooled per (tenant, project, tool, credential) and constructed under a
// single-flight lock so concurrent turns never race the handshake.
package mcptoolset

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/singleflight"

	"github.com/inkeep/agents-runtime/pkg/store"
	"github.com/inkeep/agents-runtime/pkg/tool"
)

const protocolVersion = "2025-03-26"

type conn struct {
	client *client.Client
	tools  []mcp.Tool
}

// Pool caches live MCP connections for the process.
type Pool struct {
	logger *slog.Logger
	group  singleflight.Group

	mu    sync.Mutex
	conns map[string]*conn
}

func NewPool() *Pool {
	return &Pool{
		logger: slog.Default().With("component", "mcptoolset"),
		conns:  make(map[string]*conn),
	}
}

func poolKey(scope store.Scope, cfg store.ToolConfig) string {
	return fmt.Sprintf("%s/%s/%s/%s", scope.TenantID, scope.ProjectID, cfg.ID, cfg.CredentialRef)
}

func (p *Pool) get(ctx context.Context, scope store.Scope, cfg store.ToolConfig, headers map[string]string) (*conn, error) {
	key := poolKey(scope, cfg)

	p.mu.Lock()
	existing := p.conns[key]
	p.mu.Unlock()
	if existing != nil {
		return existing, nil
	}

	v, err, _ := p.group.Do(key, func() (any, error) {
		p.mu.Lock()
		if c := p.conns[key]; c != nil {
			p.mu.Unlock()
			return c, nil
		}
		p.mu.Unlock()

		c, err := p.connect(ctx, cfg, headers)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.conns[key] = c
		p.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*conn), nil
}

func (p *Pool) connect(ctx context.Context, cfg store.ToolConfig, headers map[string]string) (*conn, error) {
	var (
		mcpClient *client.Client
		err       error
	)
	if cfg.Command != "" || cfg.Transport == "stdio" {
		mcpClient, err = client.NewStdioMCPClient(cfg.Command, nil, cfg.Args...)
	} else {
		merged := make(map[string]string, len(cfg.Headers)+len(headers))
		for k, v := range cfg.Headers {
			merged[k] = v
		}
		for k, v := range headers {
			merged[k] = v
		}
		mcpClient, err = client.NewStreamableHttpClient(cfg.ServerURL,
			transport.WithHTTPHeaders(merged))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client for %s: %w", cfg.ID, err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start MCP client for %s: %w", cfg.ID, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = protocolVersion
	initReq.Params.ClientInfo = mcp.Implementation{Name: "agents-runtime", Version: "1.0.0"}
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("failed to initialize MCP server %s: %w", cfg.ID, err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("failed to list tools on %s: %w", cfg.ID, err)
	}

	p.logger.Info("connected to MCP server", "tool_id", cfg.ID, "tools", len(listResp.Tools))
	return &conn{client: mcpClient, tools: listResp.Tools}, nil
}

// evict drops a connection after a failed call so the next turn reconnects.
func (p *Pool) evict(scope store.Scope, cfg store.ToolConfig) {
	key := poolKey(scope, cfg)
	p.mu.Lock()
	c := p.conns[key]
	delete(p.conns, key)
	p.mu.Unlock()
	if c != nil {
		_ = c.client.Close()
		p.logger.Warn("evicted unhealthy MCP connection", "tool_id", cfg.ID)
	}
}

// Close shuts down every pooled connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, c := range p.conns {
		_ = c.client.Close()
		delete(p.conns, key)
	}
}

// Source exposes one configured MCP server as a tool source.
type Source struct {
	pool      *Pool
	scope     store.Scope
	cfg       store.ToolConfig
	headers   map[string]string
	withHints bool
}

func NewSource(pool *Pool, scope store.Scope, cfg store.ToolConfig, headers map[string]string, withHints bool) *Source {
	return &Source{pool: pool, scope: scope, cfg: cfg, headers: headers, withHints: withHints}
}

// Tools connects (or reuses the pooled connection) and wraps each advertised
// tool, honoring the ActiveTools filter.
func (s *Source) Tools(ctx context.Context) ([]*tool.Descriptor, error) {
	c, err := s.pool.get(ctx, s.scope, s.cfg, s.headers)
	if err != nil {
		return nil, err
	}

	var filter map[string]bool
	if len(s.cfg.ActiveTools) > 0 {
		filter = make(map[string]bool, len(s.cfg.ActiveTools))
		for _, name := range s.cfg.ActiveTools {
			filter[name] = true
		}
	}

	var out []*tool.Descriptor
	for _, t := range c.tools {
		if filter != nil && !filter[t.Name] {
			continue
		}
		out = append(out, s.wrap(t))
	}
	return out, nil
}

func (s *Source) wrap(t mcp.Tool) *tool.Descriptor {
	name := t.Name
	return &tool.Descriptor{
		Name:        name,
		Description: t.Description,
		InputSchema: convertSchema(t.InputSchema),
		Execute: func(ctx context.Context, args map[string]any, _ tool.CallMeta) (any, error) {
			c, err := s.pool.get(ctx, s.scope, s.cfg, s.headers)
			if err != nil {
				return nil, err
			}

			req := mcp.CallToolRequest{}
			req.Params.Name = name
			req.Params.Arguments = args

			resp, err := c.client.CallTool(ctx, req)
			if err != nil {
				s.pool.evict(s.scope, s.cfg)
				return nil, fmt.Errorf("MCP call %s failed: %w", name, err)
			}

			result, err := resultToMap(resp)
			if err != nil {
				return nil, err
			}
			return tool.PostProcess(name, result, s.withHints)
		},
	}
}

func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return out
}

func resultToMap(resp *mcp.CallToolResult) (map[string]any, error) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode MCP result: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode MCP result: %w", err)
	}
	return out, nil
}
