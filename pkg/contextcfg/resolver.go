package contextcfg

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/inkeep/agents-runtime/pkg/runtimeerr"
	"github.com/inkeep/agents-runtime/pkg/store"
)

// Triggers controlling when a cached context is recomputed.
const (
	TriggerInvocation     = "invocation"
	TriggerHeadersChanged = "headers_changed"
)

// CredentialHeaders resolves a credential reference into HTTP headers. The
// concrete implementation lives in pkg/credential; the indirection keeps the
// dependency one-way since credential header templates render over resolved
// contexts.
type CredentialHeaders interface {
	ResolveHeaders(ctx context.Context, scope store.Scope, refID string, resolvedContext map[string]any) (map[string]string, error)
}

// Request carries the per-invocation inputs to context resolution.
type Request struct {
	ConversationID string
	Headers        map[string]string
	Strict         bool
}

type cacheKey struct {
	conversationID string
	configID       string
}

type cacheEntry struct {
	resolved    map[string]any
	headersHash string
}

// Resolver evaluates context configs and caches the result per conversation.
type Resolver struct {
	repo   store.Repository
	creds  CredentialHeaders
	logger *slog.Logger

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry
}

func NewResolver(repo store.Repository, creds CredentialHeaders) *Resolver {
	return &Resolver{
		repo:   repo,
		creds:  creds,
		logger: slog.Default().With("component", "contextcfg"),
		cache:  make(map[cacheKey]cacheEntry),
	}
}

// Invalidate drops the cached context for one conversation and config.
func (r *Resolver) Invalidate(conversationID, configID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, cacheKey{conversationID, configID})
}

// Resolve evaluates the config's definition DAG and returns the resolved
// context augmented with $env. A cached value is reused unless the config's
// trigger demands recomputation.
func (r *Resolver) Resolve(ctx context.Context, scope store.Scope, cfg *store.ContextConfig, req Request) (map[string]any, error) {
	if cfg == nil {
		return withEnv(map[string]any{}), nil
	}

	key := cacheKey{req.ConversationID, cfg.ID}
	hash := hashHeaders(req.Headers)

	r.mu.Lock()
	cached, ok := r.cache[key]
	r.mu.Unlock()
	if ok && cfg.Trigger == TriggerHeadersChanged && cached.headersHash == hash {
		return cached.resolved, nil
	}

	order, err := evalOrder(cfg.Definitions)
	if err != nil {
		return nil, err
	}

	resolved := make(map[string]any, len(cfg.Definitions))
	env := envMap()
	for _, def := range order {
		val, err := r.evalDefinition(ctx, scope, def, resolved, env, req)
		if err != nil {
			if req.Strict {
				return nil, fmt.Errorf("failed to resolve context key %s: %w", def.Key, err)
			}
			r.logger.Warn("context definition unresolved", "key", def.Key, "kind", def.Kind, "error", err)
			continue
		}
		resolved[def.Key] = val
	}

	out := withEnv(resolved)
	r.mu.Lock()
	r.cache[key] = cacheEntry{resolved: out, headersHash: hash}
	r.mu.Unlock()
	return out, nil
}

func (r *Resolver) evalDefinition(ctx context.Context, scope store.Scope, def store.ContextDefinition, resolved map[string]any, env map[string]any, req Request) (any, error) {
	switch def.Kind {
	case store.ContextDefConstant:
		return def.Value, nil
	case store.ContextDefHeader:
		for name, val := range req.Headers {
			if strings.EqualFold(name, def.Header) {
				return val, nil
			}
		}
		return nil, fmt.Errorf("header %s not present", def.Header)
	case store.ContextDefCredential:
		if r.creds == nil {
			return nil, fmt.Errorf("no credential resolver configured")
		}
		headers, err := r.creds.ResolveHeaders(ctx, scope, def.CredentialRef, resolved)
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, len(headers))
		for k, v := range headers {
			out[k] = v
		}
		return out, nil
	case store.ContextDefTemplate:
		data := make(map[string]any, len(resolved)+1)
		for k, v := range resolved {
			data[k] = v
		}
		data["$env"] = env
		if req.Strict {
			return RenderStrict(def.Template, data)
		}
		return Render(def.Template, data), nil
	default:
		return nil, runtimeerr.Newf(runtimeerr.KindBadRequest, "unknown context definition kind %q", def.Kind)
	}
}

// evalOrder topologically sorts definitions so template references resolve
// after their dependencies. Only template kinds carry edges.
func evalOrder(defs []store.ContextDefinition) ([]store.ContextDefinition, error) {
	byKey := make(map[string]store.ContextDefinition, len(defs))
	for _, d := range defs {
		byKey[d.Key] = d
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(defs))
	var ordered []store.ContextDefinition

	var visit func(d store.ContextDefinition) error
	visit = func(d store.ContextDefinition) error {
		switch state[d.Key] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("context config has a dependency cycle through %s", d.Key)
		}
		state[d.Key] = visiting
		if d.Kind == store.ContextDefTemplate {
			for _, ref := range ReferencedPaths(d.Template) {
				if ref == "$env" {
					continue
				}
				if dep, ok := byKey[ref]; ok {
					if err := visit(dep); err != nil {
						return err
					}
				}
			}
		}
		state[d.Key] = done
		ordered = append(ordered, d)
		return nil
	}

	for _, d := range defs {
		if err := visit(d); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

func withEnv(resolved map[string]any) map[string]any {
	resolved["$env"] = envMap()
	return resolved
}

func envMap() map[string]any {
	environ := os.Environ()
	out := make(map[string]any, len(environ))
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i > 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

func hashHeaders(headers map[string]string) string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(strings.ToLower(k)))
		h.Write([]byte{0})
		h.Write([]byte(headers[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
