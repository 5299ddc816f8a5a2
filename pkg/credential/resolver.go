package credential

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/inkeep/agents-runtime/pkg/contextcfg"
	"github.com/inkeep/agents-runtime/pkg/runtimeerr"
	"github.com/inkeep/agents-runtime/pkg/store"
)

// Store supplies secret material for one backend kind. Lookup receives the
// retrieval params from the credential reference and returns the raw secret.
type Store interface {
	Name() string
	Lookup(ctx context.Context, params map[string]any) (string, error)
}

// EnvStore reads secrets from the process environment. The retrieval param
// "key" names the variable.
type EnvStore struct{}

func (EnvStore) Name() string { return "env" }

func (EnvStore) Lookup(_ context.Context, params map[string]any) (string, error) {
	key, _ := params["key"].(string)
	if key == "" {
		return "", fmt.Errorf("retrieval params missing key")
	}
	val, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("environment variable %s not set", key)
	}
	return val, nil
}

// MemoryStore holds secrets seeded at startup. Used by tests and by
// configurations that inject secrets directly.
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string]string)}
}

func (*MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[key] = value
}

func (s *MemoryStore) Lookup(_ context.Context, params map[string]any) (string, error) {
	key, _ := params["key"].(string)
	if key == "" {
		return "", fmt.Errorf("retrieval params missing key")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.secrets[key]
	if !ok {
		return "", fmt.Errorf("secret %s not found", key)
	}
	return val, nil
}

// Resolver turns credential references into HTTP headers. Header templates
// from the retrieval params are rendered over the resolved context plus the
// looked-up secret; without a headers param the secret becomes a bearer token.
type Resolver struct {
	repo   store.Repository
	stores map[string]Store
	logger *slog.Logger
}

func NewResolver(repo store.Repository, stores ...Store) *Resolver {
	r := &Resolver{
		repo:   repo,
		stores: make(map[string]Store, len(stores)),
		logger: slog.Default().With("component", "credential"),
	}
	for _, s := range stores {
		r.stores[s.Name()] = s
	}
	return r
}

// RegisterStore adds or replaces a secret backend.
func (r *Resolver) RegisterStore(s Store) {
	r.stores[s.Name()] = s
}

// ResolveHeaders resolves the credential reference refID into HTTP headers.
// resolvedContext may be nil. Secret values are never logged.
func (r *Resolver) ResolveHeaders(ctx context.Context, scope store.Scope, refID string, resolvedContext map[string]any) (map[string]string, error) {
	ref, err := r.repo.GetCredentialReference(ctx, scope, refID)
	if err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.KindCredentialUnavailable, fmt.Sprintf("failed to load credential reference %s", refID), err)
	}
	if ref == nil {
		return nil, runtimeerr.Newf(runtimeerr.KindCredentialUnavailable, "credential reference %s not found", refID)
	}

	backend, ok := r.stores[ref.CredentialStore]
	if !ok {
		return nil, runtimeerr.Newf(runtimeerr.KindCredentialUnavailable, "credential store %s not registered", ref.CredentialStore)
	}

	secret, err := backend.Lookup(ctx, ref.RetrievalParams)
	if err != nil {
		r.logger.Warn("credential lookup failed", "ref", refID, "store", ref.CredentialStore)
		return nil, runtimeerr.Wrap(runtimeerr.KindCredentialUnavailable, fmt.Sprintf("credential %s unavailable", refID), err)
	}

	data := make(map[string]any, len(resolvedContext)+1)
	for k, v := range resolvedContext {
		data[k] = v
	}
	data["secret"] = secret

	headers := make(map[string]string)
	if raw, ok := ref.RetrievalParams["headers"].(map[string]any); ok && len(raw) > 0 {
		for name, tmpl := range raw {
			s, _ := tmpl.(string)
			headers[name] = contextcfg.Render(s, data)
		}
	} else {
		headers["Authorization"] = "Bearer " + secret
	}
	return headers, nil
}
