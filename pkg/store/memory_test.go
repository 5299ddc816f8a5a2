package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testScope = Scope{TenantID: "t1", ProjectID: "p1", AgentID: "a1"}

func TestMemoryStoreReadMisses(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	sub, err := s.GetSubAgent(ctx, testScope, "nope")
	require.NoError(t, err)
	assert.Nil(t, sub)

	conv, err := s.GetConversation(ctx, testScope, "nope")
	require.NoError(t, err)
	assert.Nil(t, conv)

	task, err := s.GetTask(ctx, testScope, "nope")
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestMemoryStoreHistoryFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	seed := []Message{
		{ID: "m1", Role: MessageRoleUser, MessageType: MessageTypeChat, Visibility: VisibilityUserFacing, CreatedAt: base},
		{ID: "m2", Role: MessageRoleAgent, MessageType: MessageTypeA2ARequest, Visibility: VisibilityInternal, CreatedAt: base.Add(time.Second)},
		{ID: "m3", Role: MessageRoleAgent, MessageType: MessageTypeChat, Visibility: VisibilityUserFacing, CreatedAt: base.Add(2 * time.Second)},
	}
	for i := range seed {
		seed[i].ConversationID = "conv-1"
		require.NoError(t, s.CreateMessage(ctx, testScope, &seed[i]))
	}

	msgs, err := s.GetConversationHistory(ctx, testScope, "conv-1", HistoryOptions{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m3", msgs[1].ID)

	msgs, err = s.GetConversationHistory(ctx, testScope, "conv-1", HistoryOptions{IncludeInternal: true})
	require.NoError(t, err)
	assert.Len(t, msgs, 3)

	msgs, err = s.GetConversationHistory(ctx, testScope, "conv-1", HistoryOptions{
		IncludeInternal: true,
		MessageTypes:    []string{MessageTypeA2ARequest},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m2", msgs[0].ID)

	// Limit keeps the most recent messages.
	msgs, err = s.GetConversationHistory(ctx, testScope, "conv-1", HistoryOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m3", msgs[0].ID)
}

func TestMemoryStoreTaskLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	task := &Task{ID: "task-1", ConversationID: "conv-1", SubAgentID: "helper", Status: TaskStatusWorking}
	require.NoError(t, s.CreateTask(ctx, testScope, task))

	task.Status = TaskStatusCompleted
	require.NoError(t, s.UpdateTask(ctx, testScope, task))

	got, err := s.GetTask(ctx, testScope, "task-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, TaskStatusCompleted, got.Status)
	assert.Equal(t, "helper", got.SubAgentID)

	ids, err := s.ListTaskIDsByContext(ctx, testScope, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"task-1"}, ids)
}

func TestMemoryStoreArtifactDedup(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	art := &Artifact{
		TaskID:     "task-1",
		ArtifactID: "art-1",
		Name:       "search results",
		Metadata:   ArtifactMetadata{ToolCallID: "call-1"},
	}
	require.NoError(t, s.UpsertArtifact(ctx, testScope, art))

	// Same (artifactId, toolCallId) updates in place rather than duplicating.
	again := *art
	again.Name = "search results v2"
	require.NoError(t, s.UpsertArtifact(ctx, testScope, &again))

	arts, err := s.GetLedgerArtifacts(ctx, testScope, "task-1")
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, "search results v2", arts[0].Name)

	// The same artifactId from a different tool call is its own row.
	other := *art
	other.Name = "other results"
	other.Metadata = ArtifactMetadata{ToolCallID: "call-2"}
	require.NoError(t, s.UpsertArtifact(ctx, testScope, &other))

	arts, err = s.GetLedgerArtifacts(ctx, testScope, "task-1")
	require.NoError(t, err)
	require.Len(t, arts, 2)
}

func TestMemoryStoreActiveSubAgent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	// Creates the conversation on first use.
	require.NoError(t, s.SetActiveSubAgentForConversation(ctx, testScope, "conv-1", "billing"))

	conv, err := s.GetConversation(ctx, testScope, "conv-1")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, "billing", conv.ActiveSubAgentID)
}
