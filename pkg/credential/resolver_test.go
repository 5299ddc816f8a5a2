package credential

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkeep/agents-runtime/pkg/runtimeerr"
	"github.com/inkeep/agents-runtime/pkg/store"
)

func testScope() store.Scope {
	return store.Scope{TenantID: "t1", ProjectID: "p1", AgentID: "a1"}
}

func TestResolveHeadersBearerDefault(t *testing.T) {
	repo := store.NewMemoryStore()
	repo.PutCredentialReference(&store.CredentialReference{
		ID:              "cred-1",
		CredentialStore: "memory",
		RetrievalParams: map[string]any{"key": "api-key"},
	})
	secrets := NewMemoryStore()
	secrets.Set("api-key", "sk-test-123")

	r := NewResolver(repo, secrets)
	headers, err := r.ResolveHeaders(context.Background(), testScope(), "cred-1", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Authorization": "Bearer sk-test-123"}, headers)
}

func TestResolveHeadersTemplated(t *testing.T) {
	repo := store.NewMemoryStore()
	repo.PutCredentialReference(&store.CredentialReference{
		ID:              "cred-2",
		CredentialStore: "memory",
		RetrievalParams: map[string]any{
			"key": "token",
			"headers": map[string]any{
				"X-Api-Key": "{{secret}}",
				"X-Org":     "{{org.id}}",
			},
		},
	})
	secrets := NewMemoryStore()
	secrets.Set("token", "tok-9")

	r := NewResolver(repo, secrets)
	headers, err := r.ResolveHeaders(context.Background(), testScope(), "cred-2", map[string]any{
		"org": map[string]any{"id": "acme"},
	})
	require.NoError(t, err)
	assert.Equal(t, "tok-9", headers["X-Api-Key"])
	assert.Equal(t, "acme", headers["X-Org"])
}

func TestResolveHeadersUnavailable(t *testing.T) {
	repo := store.NewMemoryStore()
	r := NewResolver(repo, NewMemoryStore())

	_, err := r.ResolveHeaders(context.Background(), testScope(), "missing", nil)
	require.Error(t, err)
	assert.Equal(t, runtimeerr.KindCredentialUnavailable, runtimeerr.KindOf(err))
}

func TestResolveHeadersMissingSecret(t *testing.T) {
	repo := store.NewMemoryStore()
	repo.PutCredentialReference(&store.CredentialReference{
		ID:              "cred-3",
		CredentialStore: "memory",
		RetrievalParams: map[string]any{"key": "nope"},
	})
	r := NewResolver(repo, NewMemoryStore())

	_, err := r.ResolveHeaders(context.Background(), testScope(), "cred-3", nil)
	require.Error(t, err)
	assert.Equal(t, runtimeerr.KindCredentialUnavailable, runtimeerr.KindOf(err))
}
