// Package model defines the language model interface shared by the
// generation phases. GenerateContent returns an iterator that yields partial
// responses while streaming, then one final aggregated response.
package model

import (
	"context"
	"iter"
)

// Provider identifies the model provider. Message formatting and rate-limit
// header parsing differ per provider.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderUnknown   Provider = "unknown"
)

// LLM is the interface for language models.
//
// When stream is false the iterator yields exactly one Response with
// Partial=false. When stream is true it yields partial Responses followed by
// a final aggregated one for persistence.
type LLM interface {
	Name() string
	Provider() Provider
	GenerateContent(ctx context.Context, req *Request, stream bool) iter.Seq2[*Response, error]
	Close() error
}

// ToolDefinition describes one callable tool exposed to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of provider-neutral conversation input.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string // set on RoleTool messages
}

// Request contains the input for one model call.
type Request struct {
	Messages []Message
	Tools    []ToolDefinition

	// System is prepended as the system instruction.
	System string

	Config *GenerateConfig
}

// GenerateConfig tunes one generation.
type GenerateConfig struct {
	Temperature   *float64
	MaxTokens     *int
	StopSequences []string

	// ResponseSchema constrains output to a JSON schema when set.
	ResponseSchema     map[string]any
	ResponseSchemaName string

	// ToolChoice forces tool use when set to "required".
	ToolChoice string
}

// Clone returns a copy safe to mutate per phase.
func (c *GenerateConfig) Clone() *GenerateConfig {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Temperature != nil {
		t := *c.Temperature
		clone.Temperature = &t
	}
	if c.MaxTokens != nil {
		m := *c.MaxTokens
		clone.MaxTokens = &m
	}
	clone.StopSequences = append([]string(nil), c.StopSequences...)
	return &clone
}

// FinishReason reports why generation stopped.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
	FinishError     FinishReason = "error"
)

// Usage is the token accounting for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is one yielded model output. Partial responses carry incremental
// text deltas; the final response carries the full text and tool calls.
type Response struct {
	Text         string
	ToolCalls    []ToolCall
	Partial      bool
	FinishReason FinishReason
	Usage        Usage
}
