// Package anthropic implements model.LLM over the Anthropic messages API.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/inkeep/agents-runtime/pkg/httpclient"
	"github.com/inkeep/agents-runtime/pkg/model"
	"github.com/inkeep/agents-runtime/pkg/runtimeerr"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

// Config configures the provider.
type Config struct {
	Model          string
	APIKey         string
	BaseURL        string
	TimeoutSeconds int
	MaxRetries     int
}

type Provider struct {
	cfg        Config
	httpClient *httpclient.Client
}

func New(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 120
	}
	return &Provider{
		cfg: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
		),
	}
}

func (p *Provider) Name() string             { return p.cfg.Model }
func (p *Provider) Provider() model.Provider { return model.ProviderAnthropic }
func (p *Provider) Close() error             { return nil }

type apiRequest struct {
	Model         string       `json:"model"`
	MaxTokens     int          `json:"max_tokens"`
	System        string       `json:"system,omitempty"`
	Messages      []apiMessage `json:"messages"`
	Temperature   *float64     `json:"temperature,omitempty"`
	StopSequences []string     `json:"stop_sequences,omitempty"`
	Stream        bool         `json:"stream,omitempty"`
	Tools         []apiTool    `json:"tools,omitempty"`
	ToolChoice    *toolChoice  `json:"tool_choice,omitempty"`
}

type apiMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type apiTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type toolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type apiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type apiResponse struct {
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      apiUsage       `json:"usage"`
}

type apiErrorEnvelope struct {
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// The structured-output tool name used when a response schema is requested.
// Anthropic has no native response_format, so the schema is exposed as a
// forced tool and the tool input becomes the response text.
const structuredOutputTool = "structured_output"

func (p *Provider) buildRequest(req *model.Request, stream bool) apiRequest {
	out := apiRequest{
		Model:     p.cfg.Model,
		MaxTokens: defaultMaxTokens,
		System:    req.System,
		Stream:    stream,
	}
	if req.Config != nil {
		if req.Config.MaxTokens != nil {
			out.MaxTokens = *req.Config.MaxTokens
		}
		out.Temperature = req.Config.Temperature
		out.StopSequences = req.Config.StopSequences
		if req.Config.ToolChoice == "required" {
			out.ToolChoice = &toolChoice{Type: "any"}
		}
	}

	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleTool:
			out.Messages = append(out.Messages, apiMessage{
				Role: "user",
				Content: []contentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		case model.RoleAssistant:
			var blocks []contentBlock
			if m.Content != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Args
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, contentBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
			}
			if len(blocks) == 0 {
				continue
			}
			out.Messages = append(out.Messages, apiMessage{Role: "assistant", Content: blocks})
		default:
			out.Messages = append(out.Messages, apiMessage{
				Role:    "user",
				Content: []contentBlock{{Type: "text", Text: m.Content}},
			})
		}
	}

	for _, t := range req.Tools {
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out.Tools = append(out.Tools, apiTool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}

	if req.Config != nil && req.Config.ResponseSchema != nil {
		out.Tools = append(out.Tools, apiTool{
			Name:        structuredOutputTool,
			Description: "Return the final structured response.",
			InputSchema: req.Config.ResponseSchema,
		})
		out.ToolChoice = &toolChoice{Type: "tool", Name: structuredOutputTool}
	}
	return out
}

func (p *Provider) post(ctx context.Context, body apiRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", apiVersion)
	if p.cfg.APIKey != "" {
		req.Header.Set("x-api-key", p.cfg.APIKey)
	}

	resp, err := p.httpClient.Do(req)
	if resp != nil && resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		var envelope apiErrorEnvelope
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error != nil {
			return nil, runtimeerr.Newf(runtimeerr.KindModelError, "anthropic request failed with status %d: %s", resp.StatusCode, envelope.Error.Message)
		}
		return nil, runtimeerr.Newf(runtimeerr.KindModelError, "anthropic request failed with status %d", resp.StatusCode)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, runtimeerr.Wrap(runtimeerr.KindModelTimeout, "anthropic request cancelled", err)
		}
		return nil, runtimeerr.Wrap(runtimeerr.KindModelError, "anthropic request failed", err)
	}
	return resp, nil
}

// GenerateContent implements model.LLM.
func (p *Provider) GenerateContent(ctx context.Context, req *model.Request, stream bool) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		if stream {
			p.generateStreaming(ctx, req, yield)
			return
		}
		p.generate(ctx, req, yield)
	}
}

func (p *Provider) generate(ctx context.Context, req *model.Request, yield func(*model.Response, error) bool) {
	structured := req.Config != nil && req.Config.ResponseSchema != nil

	resp, err := p.post(ctx, p.buildRequest(req, false))
	if err != nil {
		yield(nil, err)
		return
	}
	defer resp.Body.Close()

	var decoded apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		yield(nil, runtimeerr.Wrap(runtimeerr.KindModelError, "failed to decode anthropic response", err))
		return
	}

	out := &model.Response{
		FinishReason: mapStopReason(decoded.StopReason),
		Usage:        model.Usage{InputTokens: decoded.Usage.InputTokens, OutputTokens: decoded.Usage.OutputTokens},
	}
	var text strings.Builder
	for _, block := range decoded.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			if structured && block.Name == structuredOutputTool {
				raw, err := json.Marshal(block.Input)
				if err != nil {
					yield(nil, runtimeerr.Wrap(runtimeerr.KindModelError, "failed to encode structured output", err))
					return
				}
				text.Write(raw)
				out.FinishReason = model.FinishStop
				continue
			}
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{ID: block.ID, Name: block.Name, Args: block.Input})
		}
	}
	out.Text = text.String()
	yield(out, nil)
}

type streamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	ContentBlock *contentBlock `json:"content_block,omitempty"`

	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta"`

	Usage *apiUsage `json:"usage,omitempty"`

	Message *struct {
		Usage apiUsage `json:"usage"`
	} `json:"message,omitempty"`

	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type pendingToolUse struct {
	id    string
	name  string
	input strings.Builder
}

func (p *Provider) generateStreaming(ctx context.Context, req *model.Request, yield func(*model.Response, error) bool) {
	structured := req.Config != nil && req.Config.ResponseSchema != nil

	resp, err := p.post(ctx, p.buildRequest(req, true))
	if err != nil {
		yield(nil, err)
		return
	}
	defer resp.Body.Close()

	var (
		text    strings.Builder
		finish  model.FinishReason = model.FinishStop
		usage   model.Usage
		pending = make(map[int]*pendingToolUse)
		order   []int
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}

		var event streamEvent
		if err := json.Unmarshal(line[6:], &event); err != nil {
			continue
		}
		if event.Error != nil {
			yield(nil, runtimeerr.Newf(runtimeerr.KindModelError, "anthropic error: %s", event.Error.Message))
			return
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				usage.InputTokens = event.Message.Usage.InputTokens
			}
		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				pending[event.Index] = &pendingToolUse{id: event.ContentBlock.ID, name: event.ContentBlock.Name}
				order = append(order, event.Index)
			}
		case "content_block_delta":
			switch event.Delta.Type {
			case "text_delta":
				text.WriteString(event.Delta.Text)
				if !yield(&model.Response{Text: event.Delta.Text, Partial: true}, nil) {
					return
				}
			case "input_json_delta":
				if tu, ok := pending[event.Index]; ok {
					tu.input.WriteString(event.Delta.PartialJSON)
				}
			}
		case "message_delta":
			if event.Delta.StopReason != "" {
				finish = mapStopReason(event.Delta.StopReason)
			}
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}
		}
	}
	if err := scanner.Err(); err != nil {
		yield(nil, runtimeerr.Wrap(runtimeerr.KindModelError, "failed to read anthropic stream", err))
		return
	}

	final := &model.Response{FinishReason: finish, Usage: usage}
	for _, idx := range order {
		tu := pending[idx]
		var args map[string]any
		if raw := tu.input.String(); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				yield(nil, runtimeerr.Wrap(runtimeerr.KindModelError,
					fmt.Sprintf("invalid tool input for %s", tu.name), err))
				return
			}
		}
		if structured && tu.name == structuredOutputTool {
			raw, _ := json.Marshal(args)
			text.Write(raw)
			final.FinishReason = model.FinishStop
			continue
		}
		final.ToolCalls = append(final.ToolCalls, model.ToolCall{ID: tu.id, Name: tu.name, Args: args})
	}
	final.Text = text.String()
	if len(final.ToolCalls) > 0 && final.FinishReason == model.FinishStop {
		final.FinishReason = model.FinishToolCalls
	}
	yield(final, nil)
}

func mapStopReason(reason string) model.FinishReason {
	switch reason {
	case "tool_use":
		return model.FinishToolCalls
	case "max_tokens":
		return model.FinishLength
	default:
		return model.FinishStop
	}
}
