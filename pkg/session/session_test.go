package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkeep/agents-runtime/pkg/store"
	"github.com/inkeep/agents-runtime/pkg/toolsession"
)

type stubGenerator struct {
	mu       sync.Mutex
	requests []SummaryRequest
	out      []Summary
}

func (g *stubGenerator) Generate(_ context.Context, req SummaryRequest) ([]Summary, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	return g.out, nil
}

func (g *stubGenerator) calls() []SummaryRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]SummaryRequest(nil), g.requests...)
}

func newTestSession(gen SummaryGenerator, settings *store.StatusUpdateSettings, emit func(string, map[string]any)) *Session {
	return New(context.Background(), Config{
		ID:             "sess-1",
		Scope:          store.Scope{TenantID: "t", ProjectID: "p", AgentID: "a"},
		ConversationID: "c1",
		TaskID:         "task-1",
		Settings:       settings,
		Generator:      gen,
		Emit:           emit,
	})
}

func TestLedgerOrderAndOffset(t *testing.T) {
	s := newTestSession(nil, nil, nil)
	s.RecordEvent(EventToolCall, "qa", nil)
	s.RecordEvent(EventToolResult, "qa", nil)
	s.RecordEvent(EventAgentGenerate, "qa", nil)

	all := s.Events(0)
	require.Len(t, all, 3)
	assert.Equal(t, EventToolCall, all[0].Kind)
	assert.Equal(t, EventAgentGenerate, all[2].Kind)

	tail := s.Events(2)
	require.Len(t, tail, 1)
	assert.Equal(t, EventAgentGenerate, tail[0].Kind)
	assert.Nil(t, s.Events(3))
}

func TestEventsDroppedAfterEnd(t *testing.T) {
	s := newTestSession(nil, nil, nil)
	s.RecordEvent(EventToolCall, "qa", nil)
	s.End(toolsession.NewManager())
	s.RecordEvent(EventToolResult, "qa", nil)
	assert.Len(t, s.Events(0), 1)
}

func TestEndReleasesToolSession(t *testing.T) {
	sessions := toolsession.NewManager()
	sessions.Ensure("sess-1", "t", "p", "c1", "task-1")
	s := newTestSession(nil, nil, nil)
	s.End(sessions)
	_, ok := sessions.Get("sess-1")
	assert.False(t, ok)
}

func TestEventCountTriggersUpdate(t *testing.T) {
	emitted := make(chan map[string]any, 10)
	gen := &stubGenerator{out: []Summary{{Type: "progress", Label: "Searching"}}}

	s := newTestSession(gen, &store.StatusUpdateSettings{
		NumEvents:        2,
		StatusComponents: []store.StatusComponent{{Type: "progress"}},
	}, func(kind string, data map[string]any) {
		assert.Equal(t, "summary", kind)
		emitted <- data
	})
	defer s.End(nil)

	s.RecordEvent(EventToolCall, "qa", map[string]any{"tool": "search"})
	s.RecordEvent(EventToolResult, "qa", nil)

	select {
	case data := <-emitted:
		assert.Equal(t, "progress", data["type"])
		assert.Equal(t, "Searching", data["label"])
	case <-time.After(2 * time.Second):
		t.Fatal("no status update emitted")
	}

	calls := gen.calls()
	require.NotEmpty(t, calls)
	assert.Len(t, calls[0].Events, 2)
}

func TestTextStreamingSuppressesUpdates(t *testing.T) {
	gen := &stubGenerator{out: []Summary{{Type: "progress", Label: "x"}}}
	s := newTestSession(gen, &store.StatusUpdateSettings{NumEvents: 1}, nil)

	s.SetTextStreaming(true)
	s.RecordEvent(EventToolCall, "qa", nil)
	s.End(nil)

	assert.Empty(t, gen.calls())
}

func TestUnionSchemaShape(t *testing.T) {
	schema := unionSchema([]store.StatusComponent{
		{Type: "search_progress", DetailsSchema: map[string]any{"type": "object"}},
	})

	items := schema["properties"].(map[string]any)["updates"].(map[string]any)["items"].(map[string]any)
	branches := items["anyOf"].([]any)
	require.Len(t, branches, 2)

	first := branches[0].(map[string]any)["properties"].(map[string]any)["type"].(map[string]any)
	assert.Equal(t, noRelevantUpdates, first["const"])

	second := branches[1].(map[string]any)
	required := second["required"].([]string)
	assert.Contains(t, required, "details")
}
