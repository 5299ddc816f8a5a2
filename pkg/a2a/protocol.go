// Package a2a implements the Agent-to-Agent JSON-RPC protocol used for
// client calls, same-process dispatch, delegation, and inter-agent transfer.
//
// Transport is JSON-RPC 2.0 over HTTP POST, with SSE streaming for
// message/stream. Agent discovery is served at /.well-known/agent.json.
package a2a

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ProtocolVersion is the supported A2A protocol version.
const ProtocolVersion = "0.2.1"

// JSON-RPC error codes.
const (
	ErrCodeParse                = -32700
	ErrCodeInvalidRequest       = -32600
	ErrCodeMethodNotFound       = -32601
	ErrCodeInternal             = -32603
	ErrCodeStreamingUnsupported = -32604
)

// Request is a JSON-RPC 2.0 request envelope. The ID is kept raw so its
// type (string, number, null) round-trips unchanged.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewResponse builds a success response preserving the request id.
func NewResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

// NewErrorResponse builds an error response preserving the request id.
func NewErrorResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: message}}
}

// Part is a message or artifact content part (union on Kind).
type Part struct {
	Kind string         `json:"kind"`
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

const (
	PartKindText = "text"
	PartKindData = "data"
)

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Kind: PartKindText, Text: text}
}

// DataPart builds a data part.
func DataPart(data map[string]any) Part {
	return Part{Kind: PartKindData, Data: data}
}

// Message is a protocol-level message exchanged between client and agent.
type Message struct {
	MessageID string         `json:"messageId"`
	ContextID string         `json:"contextId,omitempty"`
	TaskID    string         `json:"taskId,omitempty"`
	Role      string         `json:"role,omitempty"`
	Parts     []Part         `json:"parts"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Kind      string         `json:"kind,omitempty"`
}

// Result kinds distinguish the two message/send result shapes.
const (
	KindMessage = "message"
	KindTask    = "task"
)

// Text concatenates the text parts of the message.
func (m *Message) Text() string {
	var buf bytes.Buffer
	for _, p := range m.Parts {
		if p.Kind == PartKindText {
			buf.WriteString(p.Text)
		}
	}
	return buf.String()
}

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskStateWorking   TaskState = "working"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCanceled  TaskState = "canceled"
)

// TaskStatus carries the task state and an optional status message.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// Artifact is a structured output attached to a task.
type Artifact struct {
	ArtifactID  string         `json:"artifactId"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parts       []Part         `json:"parts"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Task is the unit of work returned by message/send and tasks/get.
type Task struct {
	ID        string         `json:"id"`
	ContextID string         `json:"contextId,omitempty"`
	Status    TaskStatus     `json:"status"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	History   []Message      `json:"history,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Kind      string         `json:"kind,omitempty"`
}

// SendConfiguration controls message/send behavior.
type SendConfiguration struct {
	Blocking bool `json:"blocking,omitempty"`
}

// MessageSendParams are the params of message/send and message/stream.
type MessageSendParams struct {
	Message       Message            `json:"message"`
	Configuration *SendConfiguration `json:"configuration,omitempty"`
	Metadata      map[string]any     `json:"metadata,omitempty"`
}

// TaskQueryParams are the params of tasks/get and tasks/cancel.
type TaskQueryParams struct {
	ID string `json:"id"`
}

// TaskResubscribeParams are the params of tasks/resubscribe.
type TaskResubscribeParams struct {
	TaskID string `json:"taskId"`
}

// InvokeParams are the params of agent.invoke: a raw task shell carrying the
// message plus task-level routing hints.
type InvokeParams struct {
	ID      string `json:"id,omitempty"`
	Context struct {
		ConversationID string `json:"conversationId,omitempty"`
	} `json:"context,omitempty"`
	Message  Message        `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CancelResult is the result of tasks/cancel.
type CancelResult struct {
	Success bool `json:"success"`
}

// StatusResult is the result of agent.getStatus.
type StatusResult struct {
	Status     string `json:"status"`
	SubAgentID string `json:"subAgentId,omitempty"`
}

// SummaryEvent is an intermediate status-update frame streamed over SSE.
type SummaryEvent struct {
	Type    string         `json:"type"`
	Label   string         `json:"label,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// AgentCard advertises the agent's capabilities for discovery.
type AgentCard struct {
	Name               string            `json:"name"`
	Description        string            `json:"description"`
	URL                string            `json:"url"`
	Version            string            `json:"version"`
	Capabilities       AgentCapabilities `json:"capabilities"`
	DefaultInputModes  []string          `json:"defaultInputModes"`
	DefaultOutputModes []string          `json:"defaultOutputModes"`
	Skills             []AgentSkill      `json:"skills"`
	Provider           *AgentProvider    `json:"provider,omitempty"`
}

// AgentCapabilities describes transport capabilities.
type AgentCapabilities struct {
	Streaming              bool `json:"streaming"`
	PushNotifications      bool `json:"pushNotifications"`
	StateTransitionHistory bool `json:"stateTransitionHistory"`
}

// AgentSkill describes a skill the agent exposes.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// AgentProvider identifies the organization running the agent.
type AgentProvider struct {
	Organization string `json:"organization"`
	URL          string `json:"url,omitempty"`
}
