package a2a

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkeep/agents-runtime/pkg/runtimeerr"
	"github.com/inkeep/agents-runtime/pkg/store"
)

type stubDispatcher struct {
	task    *Task
	err     error
	lastReq DispatchRequest
}

func (d *stubDispatcher) Handle(_ context.Context, req DispatchRequest) (*Task, error) {
	d.lastReq = req
	if req.Emit != nil {
		req.Emit("message", map[string]any{"text": "partial"})
	}
	return d.task, d.err
}

func (d *stubDispatcher) GetTask(_ context.Context, _ store.Scope, taskID string) (*Task, error) {
	if d.task != nil && d.task.ID == taskID {
		return d.task, nil
	}
	return nil, runtimeerr.Newf(runtimeerr.KindNotFound, "task %q not found", taskID)
}

func (d *stubDispatcher) CancelTask(_ context.Context, _ store.Scope, taskID string) (*Task, error) {
	return &Task{ID: taskID, Status: TaskStatus{State: TaskStateCanceled}}, nil
}

func newTestServer(d *stubDispatcher, verifier TokenVerifier) *httptest.Server {
	srv := NewServer(ServerConfig{
		Scope:      store.Scope{TenantID: "t1", ProjectID: "p1", AgentID: "a1"},
		Dispatcher: d,
		Card:       AgentCard{Name: "support", Version: "1.0.0", Capabilities: AgentCapabilities{Streaming: true}},
		Verifier:   verifier,
	})
	return httptest.NewServer(srv.Router())
}

func rpc(t *testing.T, url, method string, params any, headers map[string]string) *Response {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	body, err := json.Marshal(Request{JSONRPC: "2.0", ID: json.RawMessage(`"1"`), Method: method, Params: raw})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return &out
}

func sendParams(text string) MessageSendParams {
	return MessageSendParams{Message: Message{
		MessageID: "m1",
		ContextID: "conv-1",
		Parts:     []Part{TextPart(text)},
	}}
}

func TestServerAgentCard(t *testing.T) {
	ts := newTestServer(&stubDispatcher{}, nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/.well-known/agent.json")
	require.NoError(t, err)
	defer resp.Body.Close()

	var card AgentCard
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&card))
	assert.Equal(t, "support", card.Name)
	assert.True(t, card.Capabilities.Streaming)
}

func TestServerMessageSend(t *testing.T) {
	d := &stubDispatcher{task: &Task{ID: "task-1", Status: TaskStatus{State: TaskStateCompleted}}}
	ts := newTestServer(d, nil)
	defer ts.Close()

	out := rpc(t, ts.URL, "message/send", sendParams("hello"), map[string]string{"X-Org": "acme"})
	require.Nil(t, out.Error)

	var task Task
	raw, err := json.Marshal(out.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &task))
	assert.Equal(t, "task-1", task.ID)

	assert.Equal(t, "acme", d.lastReq.Headers["X-Org"])
	assert.Equal(t, "hello", d.lastReq.Params.Message.Text())
}

func TestServerBlockingSendCollapsesToMessage(t *testing.T) {
	d := &stubDispatcher{task: &Task{
		ID:        "task-1",
		ContextID: "conv-1",
		Kind:      KindTask,
		Status:    TaskStatus{State: TaskStateCompleted},
		Artifacts: []Artifact{{ArtifactID: "a1", Parts: []Part{TextPart("The answer is 42.")}}},
	}}
	ts := newTestServer(d, nil)
	defer ts.Close()

	params := sendParams("question")
	params.Configuration = &SendConfiguration{Blocking: true}
	out := rpc(t, ts.URL, "message/send", params, nil)
	require.Nil(t, out.Error)

	result := out.Result.(map[string]any)
	assert.Equal(t, KindMessage, result["kind"])
	assert.Equal(t, "task-1", result["taskId"])
	assert.Equal(t, "conv-1", result["contextId"])
	parts := result["parts"].([]any)
	require.Len(t, parts, 1)
	assert.Equal(t, "The answer is 42.", parts[0].(map[string]any)["text"])

	// Non-blocking sends keep the task envelope.
	params.Configuration = &SendConfiguration{Blocking: false}
	out = rpc(t, ts.URL, "message/send", params, nil)
	require.Nil(t, out.Error)
	assert.Equal(t, KindTask, out.Result.(map[string]any)["kind"])
}

func TestClientWrapsMessageResult(t *testing.T) {
	d := &stubDispatcher{task: &Task{
		ID:        "task-1",
		ContextID: "conv-1",
		Kind:      KindTask,
		Status:    TaskStatus{State: TaskStateCompleted},
		Artifacts: []Artifact{{ArtifactID: "a1", Parts: []Part{TextPart("All done.")}}},
	}}
	ts := newTestServer(d, nil)
	defer ts.Close()

	client := NewClient(ts.URL)
	task, err := client.SendMessage(context.Background(), sendParams("go"))
	require.NoError(t, err)
	assert.Equal(t, "task-1", task.ID)
	assert.Equal(t, "conv-1", task.ContextID)
	assert.Equal(t, TaskStateCompleted, task.Status.State)
	require.NotNil(t, task.Status.Message)
	assert.Equal(t, "All done.", task.Status.Message.Text())
}

func TestServerParseError(t *testing.T) {
	ts := newTestServer(&stubDispatcher{}, nil)
	defer ts.Close()

	resp, err := http.Post(ts.URL, "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotNil(t, out.Error)
	assert.Equal(t, ErrCodeParse, out.Error.Code)
}

func TestServerMethodNotFound(t *testing.T) {
	ts := newTestServer(&stubDispatcher{}, nil)
	defer ts.Close()

	out := rpc(t, ts.URL, "message/bogus", sendParams("x"), nil)
	require.NotNil(t, out.Error)
	assert.Equal(t, ErrCodeMethodNotFound, out.Error.Code)
}

func TestServerInvalidParams(t *testing.T) {
	ts := newTestServer(&stubDispatcher{}, nil)
	defer ts.Close()

	out := rpc(t, ts.URL, "message/send", MessageSendParams{}, nil)
	require.NotNil(t, out.Error)
	assert.Equal(t, ErrCodeInvalidRequest, out.Error.Code)
}

func TestServerDispatcherError(t *testing.T) {
	d := &stubDispatcher{err: errors.New("boom")}
	ts := newTestServer(d, nil)
	defer ts.Close()

	out := rpc(t, ts.URL, "message/send", sendParams("hello"), nil)
	require.NotNil(t, out.Error)
	assert.Equal(t, ErrCodeInternal, out.Error.Code)
}

func TestServerTasksGet(t *testing.T) {
	d := &stubDispatcher{task: &Task{ID: "task-1", Status: TaskStatus{State: TaskStateWorking}}}
	ts := newTestServer(d, nil)
	defer ts.Close()

	out := rpc(t, ts.URL, "tasks/get", TaskQueryParams{ID: "task-1"}, nil)
	require.Nil(t, out.Error)
}

func TestServerTasksGetMissingIs404(t *testing.T) {
	ts := newTestServer(&stubDispatcher{}, nil)
	defer ts.Close()

	raw, err := json.Marshal(TaskQueryParams{ID: "nope"})
	require.NoError(t, err)
	body, err := json.Marshal(Request{JSONRPC: "2.0", ID: json.RawMessage(`"1"`), Method: "tasks/get", Params: raw})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var out Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotNil(t, out.Error)
	assert.Equal(t, ErrCodeInvalidRequest, out.Error.Code)
}

func TestServerTasksCancel(t *testing.T) {
	ts := newTestServer(&stubDispatcher{}, nil)
	defer ts.Close()

	out := rpc(t, ts.URL, "tasks/cancel", TaskQueryParams{ID: "task-1"}, nil)
	require.Nil(t, out.Error)

	result := out.Result.(map[string]any)
	assert.Equal(t, true, result["success"])
}

func TestServerMessageStream(t *testing.T) {
	d := &stubDispatcher{task: &Task{ID: "task-1", Status: TaskStatus{State: TaskStateCompleted}}}
	ts := newTestServer(d, nil)
	defer ts.Close()

	raw, err := json.Marshal(sendParams("hello"))
	require.NoError(t, err)
	body, err := json.Marshal(Request{JSONRPC: "2.0", ID: json.RawMessage(`"1"`), Method: "message/stream", Params: raw})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var frames []Response
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame Response
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame))
		frames = append(frames, frame)
	}
	require.Len(t, frames, 2)

	first := frames[0].Result.(map[string]any)
	assert.Equal(t, "message", first["kind"])
	assert.Equal(t, "partial", first["text"])

	last := frames[1].Result.(map[string]any)
	assert.Equal(t, "task-1", last["id"])
}

func TestServerInvoke(t *testing.T) {
	d := &stubDispatcher{task: &Task{ID: "task-1", Status: TaskStatus{State: TaskStateCompleted}}}
	ts := newTestServer(d, nil)
	defer ts.Close()

	params := InvokeParams{
		ID:       "task_conv-2-00000000-0000-0000-0000-000000000000",
		Message:  Message{MessageID: "m1", Parts: []Part{TextPart("run this")}},
		Metadata: map[string]any{"source": "batch"},
	}
	params.Context.ConversationID = "conv-2"

	out := rpc(t, ts.URL, "agent.invoke", params, nil)
	require.Nil(t, out.Error)

	got := d.lastReq.Params.Message
	assert.Equal(t, "conv-2", got.ContextID)
	assert.Equal(t, params.ID, got.TaskID)
	assert.Equal(t, "batch", got.Metadata["source"])

	empty := rpc(t, ts.URL, "agent.invoke", InvokeParams{}, nil)
	require.NotNil(t, empty.Error)
	assert.Equal(t, ErrCodeInvalidRequest, empty.Error.Code)
}

func TestServerGetCapabilities(t *testing.T) {
	ts := newTestServer(&stubDispatcher{}, nil)
	defer ts.Close()

	out := rpc(t, ts.URL, "agent.getCapabilities", nil, nil)
	require.Nil(t, out.Error)
	caps := out.Result.(map[string]any)
	assert.Equal(t, true, caps["streaming"])
}

func TestServerDelegationRequiresToken(t *testing.T) {
	d := &stubDispatcher{task: &Task{ID: "task-1"}}
	verifier := VerifierFunc(func(token string) error {
		if token != "good" {
			return errors.New("invalid")
		}
		return nil
	})
	ts := newTestServer(d, verifier)
	defer ts.Close()

	params := sendParams("do work")
	params.Message.Metadata = map[string]any{"delegation": true}

	out := rpc(t, ts.URL, "message/send", params, nil)
	require.NotNil(t, out.Error)
	assert.Equal(t, ErrCodeInvalidRequest, out.Error.Code)

	out = rpc(t, ts.URL, "message/send", params, map[string]string{"Authorization": "Bearer bad"})
	require.NotNil(t, out.Error)

	out = rpc(t, ts.URL, "message/send", params, map[string]string{"Authorization": "Bearer good"})
	require.Nil(t, out.Error)
}
