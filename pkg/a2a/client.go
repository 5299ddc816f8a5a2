package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/inkeep/agents-runtime/pkg/httpclient"
)

// Client is a JSON-RPC client for peer agents. Delegations use blocking
// message/send calls.
type Client struct {
	baseURL    string
	headers    map[string]string
	httpClient *httpclient.Client
}

type ClientOption func(*Client)

// WithClientHeaders attaches static headers (service tokens, credential
// headers) to every request.
func WithClientHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		c.headers = headers
	}
}

// WithClientTimeout overrides the default request timeout.
func WithClientTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient = httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
			httpclient.WithMaxRetries(2),
		)
	}
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 120 * time.Second}),
			httpclient.WithMaxRetries(2),
		),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendMessage posts a blocking message/send and returns the resulting task.
// Servers collapse plain-text blocking results to a Message; those are
// wrapped back into a completed task envelope.
func (c *Client) SendMessage(ctx context.Context, params MessageSendParams) (*Task, error) {
	params.Configuration = &SendConfiguration{Blocking: true}

	result, err := c.call(ctx, "message/send", params)
	if err != nil {
		return nil, err
	}

	var head struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(result, &head); err != nil {
		return nil, fmt.Errorf("failed to decode message/send result: %w", err)
	}
	if head.Kind == KindMessage {
		var msg Message
		if err := json.Unmarshal(result, &msg); err != nil {
			return nil, fmt.Errorf("failed to decode message from message/send: %w", err)
		}
		return &Task{
			ID:        msg.TaskID,
			ContextID: msg.ContextID,
			Kind:      KindTask,
			Status: TaskStatus{
				State:     TaskStateCompleted,
				Message:   &msg,
				Timestamp: time.Now().UTC(),
			},
		}, nil
	}

	var task Task
	if err := json.Unmarshal(result, &task); err != nil {
		return nil, fmt.Errorf("failed to decode task from message/send: %w", err)
	}
	return &task, nil
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	result, err := c.call(ctx, "tasks/get", TaskQueryParams{ID: taskID})
	if err != nil {
		return nil, err
	}
	var task Task
	if err := json.Unmarshal(result, &task); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	return &task, nil
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s params: %w", method, err)
	}
	id, _ := json.Marshal(uuid.NewString())
	payload, err := json.Marshal(Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  rawParams,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", method, err)
	}
	defer httpResp.Body.Close()

	var resp struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *Error          `json:"error,omitempty"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}
