package contextcfg

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkeep/agents-runtime/pkg/store"
)

func testScope() store.Scope {
	return store.Scope{TenantID: "t1", ProjectID: "p1", AgentID: "a1"}
}

type staticCreds struct {
	headers map[string]string
	err     error
	calls   int
}

func (c *staticCreds) ResolveHeaders(_ context.Context, _ store.Scope, _ string, _ map[string]any) (map[string]string, error) {
	c.calls++
	return c.headers, c.err
}

func TestResolveDefinitionKinds(t *testing.T) {
	t.Setenv("REGION", "us-east-1")
	cfg := &store.ContextConfig{
		ID:      "cfg-1",
		Trigger: TriggerInvocation,
		Definitions: []store.ContextDefinition{
			{Key: "org", Kind: store.ContextDefConstant, Value: "acme"},
			{Key: "userId", Kind: store.ContextDefHeader, Header: "X-User-Id"},
			{Key: "auth", Kind: store.ContextDefCredential, CredentialRef: "cred-1"},
			{Key: "greeting", Kind: store.ContextDefTemplate, Template: "hello {{userId}} from {{org}} in {{$env.REGION}}"},
		},
	}

	r := NewResolver(store.NewMemoryStore(), &staticCreds{headers: map[string]string{"Authorization": "Bearer x"}})
	resolved, err := r.Resolve(context.Background(), testScope(), cfg, Request{
		ConversationID: "convo-1",
		Headers:        map[string]string{"x-user-id": "u42"},
	})
	require.NoError(t, err)
	assert.Equal(t, "acme", resolved["org"])
	assert.Equal(t, "u42", resolved["userId"])
	assert.Equal(t, map[string]any{"Authorization": "Bearer x"}, resolved["auth"])
	assert.Equal(t, "hello u42 from acme in us-east-1", resolved["greeting"])
	assert.Contains(t, resolved, "$env")
}

func TestResolveTemplateDependencyOrder(t *testing.T) {
	// Definitions listed out of dependency order still resolve.
	cfg := &store.ContextConfig{
		ID: "cfg-2",
		Definitions: []store.ContextDefinition{
			{Key: "full", Kind: store.ContextDefTemplate, Template: "{{first}} {{last}}"},
			{Key: "first", Kind: store.ContextDefConstant, Value: "Ada"},
			{Key: "last", Kind: store.ContextDefConstant, Value: "Lovelace"},
		},
	}
	r := NewResolver(store.NewMemoryStore(), nil)
	resolved, err := r.Resolve(context.Background(), testScope(), cfg, Request{ConversationID: "c"})
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", resolved["full"])
}

func TestResolveCycleFails(t *testing.T) {
	cfg := &store.ContextConfig{
		ID: "cfg-3",
		Definitions: []store.ContextDefinition{
			{Key: "a", Kind: store.ContextDefTemplate, Template: "{{b}}"},
			{Key: "b", Kind: store.ContextDefTemplate, Template: "{{a}}"},
		},
	}
	r := NewResolver(store.NewMemoryStore(), nil)
	_, err := r.Resolve(context.Background(), testScope(), cfg, Request{ConversationID: "c"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestResolveNonStrictTolerates(t *testing.T) {
	cfg := &store.ContextConfig{
		ID: "cfg-4",
		Definitions: []store.ContextDefinition{
			{Key: "userId", Kind: store.ContextDefHeader, Header: "X-Missing"},
			{Key: "msg", Kind: store.ContextDefTemplate, Template: "hi {{userId}}"},
		},
	}
	r := NewResolver(store.NewMemoryStore(), nil)
	resolved, err := r.Resolve(context.Background(), testScope(), cfg, Request{ConversationID: "c"})
	require.NoError(t, err)
	assert.NotContains(t, resolved, "userId")
	assert.Equal(t, "hi ", resolved["msg"])

	_, err = r.Resolve(context.Background(), testScope(), cfg, Request{ConversationID: "c", Strict: true})
	require.Error(t, err)
}

func TestRenderDropsUnresolvedPlaceholders(t *testing.T) {
	out := Render("Bearer {{auth.token}} for {{userId}}", map[string]any{"userId": "u1"})
	assert.Equal(t, "Bearer  for u1", out)

	_, err := RenderStrict("Bearer {{auth.token}}", map[string]any{})
	require.Error(t, err)
}

func TestResolveHeadersChangedCache(t *testing.T) {
	creds := &staticCreds{headers: map[string]string{"Authorization": "Bearer x"}}
	cfg := &store.ContextConfig{
		ID:      "cfg-5",
		Trigger: TriggerHeadersChanged,
		Definitions: []store.ContextDefinition{
			{Key: "auth", Kind: store.ContextDefCredential, CredentialRef: "cred-1"},
		},
	}
	r := NewResolver(store.NewMemoryStore(), creds)

	headers := map[string]string{"X-User-Id": "u1"}
	_, err := r.Resolve(context.Background(), testScope(), cfg, Request{ConversationID: "c", Headers: headers})
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), testScope(), cfg, Request{ConversationID: "c", Headers: headers})
	require.NoError(t, err)
	assert.Equal(t, 1, creds.calls)

	_, err = r.Resolve(context.Background(), testScope(), cfg, Request{ConversationID: "c", Headers: map[string]string{"X-User-Id": "u2"}})
	require.NoError(t, err)
	assert.Equal(t, 2, creds.calls)

	r.Invalidate("c", "cfg-5")
	_, err = r.Resolve(context.Background(), testScope(), cfg, Request{ConversationID: "c", Headers: headers})
	require.NoError(t, err)
	assert.Equal(t, 3, creds.calls)
}
