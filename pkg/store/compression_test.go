package store

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedConversation(t *testing.T, repo *MemoryStore, scope Scope, conversationID string, count, wordsPerMessage int) {
	t.Helper()
	for i := 0; i < count; i++ {
		role := MessageRoleUser
		if i%2 == 1 {
			role = MessageRoleAgent
		}
		text := strings.TrimSpace(strings.Repeat(fmt.Sprintf("message %d word ", i), wordsPerMessage/3+1))
		require.NoError(t, repo.CreateMessage(context.Background(), scope, &Message{
			ID:             fmt.Sprintf("m%d", i),
			ConversationID: conversationID,
			Role:           role,
			MessageType:    MessageTypeChat,
			Visibility:     VisibilityUserFacing,
			Content:        MessageContent{Text: text},
		}))
	}
}

func TestCompressionFromEnv(t *testing.T) {
	cfg := CompressionFromEnv()
	assert.Equal(t, 120000, cfg.HardLimit)
	assert.Equal(t, 20000, cfg.SafetyBuffer)
	assert.True(t, cfg.Enabled)

	t.Setenv(EnvCompressionHardLimit, "500")
	t.Setenv(EnvCompressionSafetyBuffer, "100")
	t.Setenv(EnvCompressionEnabled, "false")
	cfg = CompressionFromEnv()
	assert.Equal(t, 500, cfg.HardLimit)
	assert.Equal(t, 100, cfg.SafetyBuffer)
	assert.False(t, cfg.Enabled)

	t.Setenv(EnvCompressionHardLimit, "not-a-number")
	cfg = CompressionFromEnv()
	assert.Equal(t, 120000, cfg.HardLimit)
}

func TestCompressorLeavesShortHistoryAlone(t *testing.T) {
	scope := Scope{TenantID: "t1", ProjectID: "p1", AgentID: "a1"}
	repo := NewMemoryStore()
	seedConversation(t, repo, scope, "conv-1", 4, 10)

	c := NewCompressor(repo, CompressionConfig{
		HardLimit:    defaultCompressionHardLimit,
		SafetyBuffer: defaultCompressionSafetyBuffer,
		Enabled:      true,
		Encoding:     defaultCompressionEncoding,
	}, nil, nil)

	msgs, err := c.GetConversationHistory(context.Background(), scope, "conv-1", HistoryOptions{})
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "m0", msgs[0].ID)
}

func TestCompressorElidesOldestMessages(t *testing.T) {
	scope := Scope{TenantID: "t1", ProjectID: "p1", AgentID: "a1"}
	repo := NewMemoryStore()
	// Ten messages of roughly a thousand tokens each.
	seedConversation(t, repo, scope, "conv-1", 10, 1000)

	c := NewCompressor(repo, CompressionConfig{
		HardLimit:    3000,
		SafetyBuffer: 1000,
		Enabled:      true,
		Encoding:     defaultCompressionEncoding,
	}, nil, nil)

	msgs, err := c.GetConversationHistory(context.Background(), scope, "conv-1", HistoryOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	assert.Less(t, len(msgs), 10)

	marker := msgs[0]
	assert.Equal(t, MessageRoleSystem, marker.Role)
	assert.Equal(t, MessageTypeSystem, marker.MessageType)
	assert.Contains(t, marker.Content.Text, "earlier messages elided")

	// The most recent message always survives.
	assert.Equal(t, "m9", msgs[len(msgs)-1].ID)
}

func TestCompressorDisabled(t *testing.T) {
	scope := Scope{TenantID: "t1", ProjectID: "p1", AgentID: "a1"}
	repo := NewMemoryStore()
	seedConversation(t, repo, scope, "conv-1", 10, 1000)

	c := NewCompressor(repo, CompressionConfig{HardLimit: 3000, SafetyBuffer: 1000}, nil, nil)

	msgs, err := c.GetConversationHistory(context.Background(), scope, "conv-1", HistoryOptions{})
	require.NoError(t, err)
	assert.Len(t, msgs, 10)
}

func TestCompressorSummarizerCachedPerSpan(t *testing.T) {
	scope := Scope{TenantID: "t1", ProjectID: "p1", AgentID: "a1"}
	repo := NewMemoryStore()
	seedConversation(t, repo, scope, "conv-1", 10, 1000)

	var calls atomic.Int32
	summarize := func(_ context.Context, transcript string) (string, error) {
		calls.Add(1)
		assert.Contains(t, transcript, "message 0")
		return "they discussed messages", nil
	}

	c := NewCompressor(repo, CompressionConfig{
		HardLimit:    3000,
		SafetyBuffer: 1000,
		Enabled:      true,
		Encoding:     defaultCompressionEncoding,
	}, summarize, nil)

	first, err := c.GetConversationHistory(context.Background(), scope, "conv-1", HistoryOptions{})
	require.NoError(t, err)
	assert.Contains(t, first[0].Content.Text, "they discussed messages")

	// A second read over the same prefix reuses the cached summary.
	_, err = c.GetConversationHistory(context.Background(), scope, "conv-1", HistoryOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
