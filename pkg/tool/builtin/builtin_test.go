package builtin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkeep/agents-runtime/pkg/runtimeerr"
	"github.com/inkeep/agents-runtime/pkg/store"
	"github.com/inkeep/agents-runtime/pkg/tool"
)

func testScope() store.Scope {
	return store.Scope{TenantID: "t1", ProjectID: "p1", AgentID: "a1"}
}

func TestThinkingComplete(t *testing.T) {
	d := ThinkingComplete()
	assert.Equal(t, "thinking_complete", d.Name)
	assert.True(t, d.Internal)

	out, err := d.Execute(context.Background(), nil, tool.CallMeta{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "complete"}, out)
}

func TestGetReferenceArtifactFromLedger(t *testing.T) {
	repo := store.NewMemoryStore()
	scope := testScope()
	require.NoError(t, repo.UpsertArtifact(context.Background(), scope, &store.Artifact{
		ArtifactID: "art-1",
		TaskID:     "task-1",
		Name:       "Order list",
		Type:       "OrderList",
		Full:       map[string]any{"orders": []any{map[string]any{"id": "o1"}}},
		Metadata:   store.ArtifactMetadata{ToolCallID: "call-1"},
	}))

	d := GetReferenceArtifact(repo, scope, "task-1", "conv-1", nil)
	out, err := d.Execute(context.Background(), map[string]any{
		"artifactId": "art-1",
		"toolCallId": "call-1",
	}, tool.CallMeta{})
	require.NoError(t, err)

	result := out.(map[string]any)
	assert.Equal(t, "art-1", result["artifactId"])
	assert.Equal(t, "Order list", result["name"])
	assert.NotNil(t, result["content"])
}

func TestGetReferenceArtifactFallsBackToPriorTasks(t *testing.T) {
	repo := store.NewMemoryStore()
	scope := testScope()
	ctx := context.Background()

	require.NoError(t, repo.CreateTask(ctx, scope, &store.Task{
		ID: "task-0", ConversationID: "conv-1", Status: store.TaskStatusCompleted,
	}))
	require.NoError(t, repo.UpsertArtifact(ctx, scope, &store.Artifact{
		ArtifactID: "art-old",
		TaskID:     "task-0",
		Name:       "Earlier order",
		Type:       "Order",
		Full:       map[string]any{"id": "o1"},
		Metadata:   store.ArtifactMetadata{ToolCallID: "call-9"},
	}))

	d := GetReferenceArtifact(repo, scope, "task-1", "conv-1", nil)
	out, err := d.Execute(ctx, map[string]any{
		"artifactId": "art-old",
		"toolCallId": "call-9",
	}, tool.CallMeta{})
	require.NoError(t, err)
	assert.Equal(t, "Earlier order", out.(map[string]any)["name"])
}

func TestGetReferenceArtifactNotFound(t *testing.T) {
	repo := store.NewMemoryStore()
	d := GetReferenceArtifact(repo, testScope(), "task-1", "conv-1", nil)

	_, err := d.Execute(context.Background(), map[string]any{
		"artifactId": "missing",
		"toolCallId": "call-1",
	}, tool.CallMeta{})
	require.Error(t, err)
	assert.Equal(t, runtimeerr.KindNotFound, runtimeerr.KindOf(err))
}

func TestGetReferenceArtifactRequiresID(t *testing.T) {
	repo := store.NewMemoryStore()
	d := GetReferenceArtifact(repo, testScope(), "task-1", "conv-1", nil)

	_, err := d.Execute(context.Background(), map[string]any{}, tool.CallMeta{})
	require.Error(t, err)
	assert.Equal(t, runtimeerr.KindBadRequest, runtimeerr.KindOf(err))
}
