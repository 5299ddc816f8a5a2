package agenttool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkeep/agents-runtime/pkg/a2a"
	"github.com/inkeep/agents-runtime/pkg/auth"
	"github.com/inkeep/agents-runtime/pkg/session"
	"github.com/inkeep/agents-runtime/pkg/store"
	"github.com/inkeep/agents-runtime/pkg/tool"
)

func testScope() store.Scope {
	return store.Scope{TenantID: "t1", ProjectID: "p1", AgentID: "a1"}
}

func findTool(t *testing.T, tools []*tool.Descriptor, name string) *tool.Descriptor {
	t.Helper()
	for _, d := range tools {
		if d.Name == name {
			return d
		}
	}
	t.Fatalf("tool %s not found", name)
	return nil
}

func TestToolsPerRelationCapabilities(t *testing.T) {
	src := NewSource(Config{
		Scope:          testScope(),
		FromSubAgentID: "router",
		Relations: &store.RelatedAgents{
			Internal: []store.RelatedAgent{
				{SubAgentID: "qa", Name: "QA", RelationType: store.RelationInternal, CanTransfer: true, CanDelegate: true},
				{SubAgentID: "billing", Name: "Billing", RelationType: store.RelationInternal, CanTransfer: true},
			},
		},
	})

	tools, err := src.Tools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 3)

	names := make([]string, len(tools))
	for i, d := range tools {
		names[i] = d.Name
		assert.True(t, d.Internal)
	}
	assert.ElementsMatch(t, names, []string{"transfer_to_qa", "delegate_to_qa", "transfer_to_billing"})
}

func TestTransferToolResult(t *testing.T) {
	src := NewSource(Config{
		Scope:          testScope(),
		FromSubAgentID: "router",
		TaskID:         "task-1",
		Relations: &store.RelatedAgents{
			Internal: []store.RelatedAgent{
				{SubAgentID: "qa", RelationType: store.RelationInternal, CanTransfer: true},
			},
		},
	})

	tools, err := src.Tools(context.Background())
	require.NoError(t, err)

	transfer := findTool(t, tools, "transfer_to_qa")
	out, err := transfer.Execute(context.Background(), map[string]any{"reason": "needs QA"}, tool.CallMeta{})
	require.NoError(t, err)

	result := out.(map[string]any)
	assert.Equal(t, a2a.TransferDataType, result["type"])
	assert.Equal(t, "qa", result["target_subagent_id"])
	assert.Equal(t, "router", result["from_subagent_id"])
	assert.Equal(t, "task-1", result["task_id"])
	assert.Equal(t, "needs QA", result["reason"])
}

func TestDelegateToInternalAgent(t *testing.T) {
	var gotAuth string
	var gotParams a2a.MessageSendParams

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")

		var req struct {
			ID     any                   `json:"id"`
			Method string                `json:"method"`
			Params a2a.MessageSendParams `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "message/send", req.Method)
		gotParams = req.Params

		task := a2a.Task{
			ID:     "task-qa-1",
			Status: a2a.TaskStatus{State: a2a.TaskStateCompleted},
			Artifacts: []a2a.Artifact{
				{ArtifactID: "art-1", Parts: []a2a.Part{a2a.TextPart("All tests pass.")}},
			},
		}
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": task}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	repo := store.NewMemoryStore()
	sess := session.New(context.Background(), session.Config{ID: "sess-1", Scope: testScope(), TaskID: "task-1"})
	src := NewSource(Config{
		Scope:           testScope(),
		FromSubAgentID:  "router",
		ContextID:       "conv-1",
		TaskID:          "task-1",
		Signer:          auth.NewSigner([]byte("test-signing-key")),
		LocalBaseURL:    srv.URL,
		Session:         sess,
		Repo:            repo,
		StreamRequestID: "stream-1",
		Relations: &store.RelatedAgents{
			Internal: []store.RelatedAgent{
				{SubAgentID: "qa", RelationType: store.RelationInternal, CanDelegate: true},
			},
		},
	})

	tools, err := src.Tools(context.Background())
	require.NoError(t, err)

	delegate := findTool(t, tools, "delegate_to_qa")
	out, err := delegate.Execute(context.Background(),
		map[string]any{"message": "run the regression suite"},
		tool.CallMeta{ToolCallID: "call-1"})
	require.NoError(t, err)

	result := out.(map[string]any)
	assert.Equal(t, "task-qa-1", result["task_id"])
	assert.Equal(t, "completed", result["state"])
	assert.Equal(t, "All tests pass.", result["result"])

	assert.Contains(t, gotAuth, "Bearer ")
	assert.Equal(t, "run the regression suite", gotParams.Message.Text())
	assert.Equal(t, "conv-1", gotParams.Message.ContextID)
	assert.Equal(t, "stream-1", gotParams.Message.Metadata["stream_request_id"])
	require.NotNil(t, gotParams.Configuration)
	assert.True(t, gotParams.Configuration.Blocking)

	events := sess.Events(0)
	require.Len(t, events, 2)
	assert.Equal(t, session.EventDelegationSent, events[0].Kind)
	assert.Equal(t, session.EventDelegationReturned, events[1].Kind)
	returned := events[1].Data["result"].(map[string]any)
	assert.Equal(t, "All tests pass.", returned["text"])

	// The outbound leg lands in history before the delegate's response.
	msgs, err := repo.GetConversationHistory(context.Background(), testScope(), "conv-1",
		store.HistoryOptions{IncludeInternal: true})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.MessageTypeA2ARequest, msgs[0].MessageType)
	assert.Equal(t, "router", msgs[0].FromSubAgentID)
	assert.Equal(t, "qa", msgs[0].ToSubAgentID)
	assert.Equal(t, "task-1", msgs[0].TaskID)
	assert.Equal(t, "run the regression suite", msgs[0].Content.Text)
}

func TestDelegateToExternalAgentUsesConfiguredHeaders(t *testing.T) {
	var gotHeader string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Org")

		var req struct {
			ID any `json:"id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		task := a2a.Task{ID: "ext-1", Status: a2a.TaskStatus{State: a2a.TaskStateCompleted}}
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": task}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	src := NewSource(Config{
		Scope:           testScope(),
		FromSubAgentID:  "router",
		ResolvedContext: map[string]any{"org": map[string]any{"id": "acme"}},
		Relations: &store.RelatedAgents{
			External: []store.RelatedAgent{
				{
					SubAgentID:   "partner",
					RelationType: store.RelationExternal,
					URL:          srv.URL,
					Headers:      map[string]string{"X-Org": "{{org.id}}"},
					CanDelegate:  true,
				},
			},
		},
	})

	tools, err := src.Tools(context.Background())
	require.NoError(t, err)

	delegate := findTool(t, tools, "delegate_to_partner")
	_, err = delegate.Execute(context.Background(), map[string]any{"message": "hello"}, tool.CallMeta{})
	require.NoError(t, err)
	assert.Equal(t, "acme", gotHeader)
}

func TestDelegateFailedTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID any `json:"id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		task := a2a.Task{
			ID: "fail-1",
			Status: a2a.TaskStatus{
				State: a2a.TaskStateFailed,
				Message: &a2a.Message{
					MessageID: "m1",
					Parts:     []a2a.Part{a2a.TextPart("tool budget exhausted")},
				},
			},
		}
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": task}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	src := NewSource(Config{
		Scope:          testScope(),
		FromSubAgentID: "router",
		Signer:         auth.NewSigner([]byte("k")),
		LocalBaseURL:   srv.URL,
		Relations: &store.RelatedAgents{
			Internal: []store.RelatedAgent{
				{SubAgentID: "qa", RelationType: store.RelationInternal, CanDelegate: true},
			},
		},
	})

	tools, err := src.Tools(context.Background())
	require.NoError(t, err)

	delegate := findTool(t, tools, "delegate_to_qa")
	_, err = delegate.Execute(context.Background(), map[string]any{"message": "go"}, tool.CallMeta{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool budget exhausted")
}

func TestDelegateRequiresMessage(t *testing.T) {
	src := NewSource(Config{
		Scope:          testScope(),
		FromSubAgentID: "router",
		Relations: &store.RelatedAgents{
			Internal: []store.RelatedAgent{
				{SubAgentID: "qa", RelationType: store.RelationInternal, CanDelegate: true},
			},
		},
	})

	tools, err := src.Tools(context.Background())
	require.NoError(t, err)

	delegate := findTool(t, tools, "delegate_to_qa")
	_, err = delegate.Execute(context.Background(), map[string]any{}, tool.CallMeta{})
	require.Error(t, err)
}
