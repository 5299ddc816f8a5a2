package tool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkeep/agents-runtime/pkg/session"
	"github.com/inkeep/agents-runtime/pkg/store"
	"github.com/inkeep/agents-runtime/pkg/toolsession"
)

type stubSource struct {
	tools []*Descriptor
	err   error
}

func (s *stubSource) Tools(_ context.Context) ([]*Descriptor, error) {
	return s.tools, s.err
}

func noopTool(name string) *Descriptor {
	return &Descriptor{
		Name:        name,
		Description: name,
		Execute: func(_ context.Context, _ map[string]any, _ CallMeta) (any, error) {
			return map[string]any{"from": name}, nil
		},
	}
}

func TestBuildMergesSources(t *testing.T) {
	set, err := Build(context.Background(),
		&stubSource{tools: []*Descriptor{noopTool("alpha")}},
		&stubSource{tools: []*Descriptor{noopTool("beta")}},
	)
	require.NoError(t, err)
	assert.Len(t, set, 2)
	assert.Contains(t, set, "alpha")
	assert.Contains(t, set, "beta")
}

func TestBuildLaterSourceWins(t *testing.T) {
	first := noopTool("search")
	second := noopTool("search")

	set, err := Build(context.Background(),
		&stubSource{tools: []*Descriptor{first}},
		&stubSource{tools: []*Descriptor{second}},
	)
	require.NoError(t, err)
	assert.Same(t, second, set["search"])
}

func TestBuildSanitizesNames(t *testing.T) {
	set, err := Build(context.Background(),
		&stubSource{tools: []*Descriptor{noopTool("search the docs!")}},
	)
	require.NoError(t, err)
	assert.Contains(t, set, "search_the_docs")
}

func TestBuildPropagatesSourceError(t *testing.T) {
	_, err := Build(context.Background(), &stubSource{err: errors.New("server down")})
	require.Error(t, err)
}

func TestIsInternal(t *testing.T) {
	assert.True(t, IsInternal("transfer_to_router"))
	assert.True(t, IsInternal("delegate_to_qa"))
	assert.True(t, IsInternal("thinking_complete"))
	assert.True(t, IsInternal("get_reference_artifact"))
	assert.False(t, IsInternal("search_docs"))
}

func newTestSession(t *testing.T) (*session.Session, *toolsession.Manager) {
	t.Helper()
	sessions := toolsession.NewManager()
	sess := session.New(context.Background(), session.Config{
		ID:             "sess-1",
		Scope:          store.Scope{TenantID: "t", ProjectID: "p", AgentID: "a"},
		ConversationID: "conv-1",
		TaskID:         "task-1",
	})
	sessions.Ensure("sess-1", "t", "p", "conv-1", "task-1")
	return sess, sessions
}

func TestWrapRecordsLifecycleEvents(t *testing.T) {
	sess, sessions := newTestSession(t)

	set := Set{"search_docs": noopTool("search_docs")}
	wrapped := Wrap(set, sess, sessions, "planner")

	out, err := wrapped["search_docs"].Execute(context.Background(), map[string]any{"q": "go"}, CallMeta{ToolCallID: "call-1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"from": "search_docs"}, out)

	events := sess.Events(0)
	require.Len(t, events, 2)
	assert.Equal(t, session.EventToolCall, events[0].Kind)
	assert.Equal(t, session.EventToolResult, events[1].Kind)
	assert.Equal(t, "call-1", events[0].Data["toolCallId"])

	result, ok := sessions.GetResult("sess-1", "call-1")
	require.True(t, ok)
	assert.Equal(t, "search_docs", result.ToolName)
}

func TestWrapInternalToolsSkipVisibleEvents(t *testing.T) {
	sess, sessions := newTestSession(t)

	set := Set{"thinking_complete": noopTool("thinking_complete")}
	wrapped := Wrap(set, sess, sessions, "planner")

	_, err := wrapped["thinking_complete"].Execute(context.Background(), nil, CallMeta{ToolCallID: "call-2"})
	require.NoError(t, err)
	assert.Empty(t, sess.Events(0))

	_, ok := sessions.GetResult("sess-1", "call-2")
	assert.True(t, ok, "internal results are still recorded")
}

func TestWrapRecordsErrors(t *testing.T) {
	sess, sessions := newTestSession(t)

	failing := &Descriptor{
		Name: "search_docs",
		Execute: func(_ context.Context, _ map[string]any, _ CallMeta) (any, error) {
			return nil, errors.New("upstream 500")
		},
	}
	wrapped := Wrap(Set{"search_docs": failing}, sess, sessions, "planner")

	_, err := wrapped["search_docs"].Execute(context.Background(), nil, CallMeta{ToolCallID: "call-3"})
	require.Error(t, err)

	events := sess.Events(0)
	require.Len(t, events, 2)
	assert.Equal(t, session.EventError, events[1].Kind)

	_, ok := sessions.GetResult("sess-1", "call-3")
	assert.False(t, ok, "failed calls record no result")
}

func TestWrapHonorsCancellation(t *testing.T) {
	sess, sessions := newTestSession(t)
	wrapped := Wrap(Set{"search_docs": noopTool("search_docs")}, sess, sessions, "planner")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := wrapped["search_docs"].Execute(ctx, nil, CallMeta{ToolCallID: "call-4"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sess.Events(0))
}

func TestWrapGeneratesToolCallID(t *testing.T) {
	sess, sessions := newTestSession(t)
	wrapped := Wrap(Set{"search_docs": noopTool("search_docs")}, sess, sessions, "planner")

	_, err := wrapped["search_docs"].Execute(context.Background(), nil, CallMeta{})
	require.NoError(t, err)

	events := sess.Events(0)
	require.NotEmpty(t, events)
	assert.NotEmpty(t, events[0].Data["toolCallId"])
}
