// Package openai implements model.LLM over the OpenAI chat completions API.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/inkeep/agents-runtime/pkg/httpclient"
	"github.com/inkeep/agents-runtime/pkg/model"
	"github.com/inkeep/agents-runtime/pkg/runtimeerr"
)

const defaultBaseURL = "https://api.openai.com/v1"

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
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}
}

func (p *Provider) Name() string             { return p.cfg.Model }
func (p *Provider) Provider() model.Provider { return model.ProviderOpenAI }
func (p *Provider) Close() error             { return nil }

type apiRequest struct {
	Model          string          `json:"model"`
	Messages       []apiMessage    `json:"messages"`
	MaxTokens      *int            `json:"max_completion_tokens,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	Stop           []string        `json:"stop,omitempty"`
	Stream         bool            `json:"stream"`
	StreamOptions  *streamOptions  `json:"stream_options,omitempty"`
	Tools          []apiTool       `json:"tools,omitempty"`
	ToolChoice     string          `json:"tool_choice,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type apiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	ToolCalls  []apiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type apiTool struct {
	Type     string      `json:"type"`
	Function apiFunction `json:"function"`
}

type apiFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type apiToolCall struct {
	Index    *int            `json:"index,omitempty"`
	ID       string          `json:"id,omitempty"`
	Type     string          `json:"type,omitempty"`
	Function apiFunctionCall `json:"function"`
}

type apiFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type responseFormat struct {
	Type       string         `json:"type"`
	JSONSchema *jsonSchemaFmt `json:"json_schema,omitempty"`
}

type jsonSchemaFmt struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict"`
}

type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type apiResponse struct {
	Choices []struct {
		Message      apiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage apiUsage  `json:"usage"`
	Error *apiError `json:"error,omitempty"`
}

type streamResponse struct {
	Choices []struct {
		Delta struct {
			Content   string        `json:"content,omitempty"`
			ToolCalls []apiToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *apiUsage `json:"usage,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

func (p *Provider) buildRequest(req *model.Request, stream bool) apiRequest {
	out := apiRequest{
		Model:  p.cfg.Model,
		Stream: stream,
	}
	if stream {
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	if req.Config != nil {
		out.MaxTokens = req.Config.MaxTokens
		out.Temperature = req.Config.Temperature
		out.Stop = req.Config.StopSequences
		out.ToolChoice = req.Config.ToolChoice
		if req.Config.ResponseSchema != nil {
			name := req.Config.ResponseSchemaName
			if name == "" {
				name = "response"
			}
			out.ResponseFormat = &responseFormat{
				Type: "json_schema",
				JSONSchema: &jsonSchemaFmt{
					Name:   name,
					Schema: req.Config.ResponseSchema,
					Strict: true,
				},
			}
		}
	}
	if req.System != "" {
		out.Messages = append(out.Messages, apiMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		am := apiMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Args)
			am.ToolCalls = append(am.ToolCalls, apiToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: apiFunctionCall{Name: tc.Name, Arguments: string(args)},
			})
		}
		out.Messages = append(out.Messages, am)
	}
	for _, t := range req.Tools {
		params := t.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out.Tools = append(out.Tools, apiTool{
			Type:     "function",
			Function: apiFunction{Name: t.Name, Description: t.Description, Parameters: params},
		})
	}
	return out
}

func (p *Provider) post(ctx context.Context, body apiRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.httpClient.Do(req)
	if resp != nil && resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		if msg := parseErrorBody(raw); msg != "" {
			return nil, runtimeerr.Newf(runtimeerr.KindModelError, "openai request failed with status %d: %s", resp.StatusCode, msg)
		}
		return nil, runtimeerr.Newf(runtimeerr.KindModelError, "openai request failed with status %d", resp.StatusCode)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, runtimeerr.Wrap(runtimeerr.KindModelTimeout, "openai request cancelled", err)
		}
		return nil, runtimeerr.Wrap(runtimeerr.KindModelError, "openai request failed", err)
	}
	return resp, nil
}

func parseErrorBody(raw []byte) string {
	var envelope struct {
		Error *apiError `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != nil {
		return envelope.Error.Message
	}
	return strings.TrimSpace(string(raw))
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
	resp, err := p.post(ctx, p.buildRequest(req, false))
	if err != nil {
		yield(nil, err)
		return
	}
	defer resp.Body.Close()

	var decoded apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		yield(nil, runtimeerr.Wrap(runtimeerr.KindModelError, "failed to decode openai response", err))
		return
	}
	if decoded.Error != nil {
		yield(nil, runtimeerr.Newf(runtimeerr.KindModelError, "openai error: %s", decoded.Error.Message))
		return
	}
	if len(decoded.Choices) == 0 {
		yield(nil, runtimeerr.New(runtimeerr.KindModelError, "openai returned no choices"))
		return
	}

	choice := decoded.Choices[0]
	out := &model.Response{
		Text:         choice.Message.Content,
		FinishReason: mapFinishReason(choice.FinishReason),
		Usage: model.Usage{
			InputTokens:  decoded.Usage.PromptTokens,
			OutputTokens: decoded.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		call, err := parseToolCall(tc)
		if err != nil {
			yield(nil, err)
			return
		}
		out.ToolCalls = append(out.ToolCalls, call)
	}
	yield(out, nil)
}

func (p *Provider) generateStreaming(ctx context.Context, req *model.Request, yield func(*model.Response, error) bool) {
	resp, err := p.post(ctx, p.buildRequest(req, true))
	if err != nil {
		yield(nil, err)
		return
	}
	defer resp.Body.Close()

	var (
		text         strings.Builder
		finish       model.FinishReason = model.FinishStop
		usage        model.Usage
		pendingCalls = make(map[int]*apiToolCall)
	)

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			yield(nil, runtimeerr.Wrap(runtimeerr.KindModelError, "failed to read openai stream", err))
			return
		}
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]
		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var chunk streamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			yield(nil, runtimeerr.Newf(runtimeerr.KindModelError, "openai error: %s", chunk.Error.Message))
			return
		}
		if chunk.Usage != nil {
			usage = model.Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finish = mapFinishReason(choice.FinishReason)
		}
		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
			if !yield(&model.Response{Text: choice.Delta.Content, Partial: true}, nil) {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			pending, ok := pendingCalls[idx]
			if !ok {
				copied := tc
				pendingCalls[idx] = &copied
				continue
			}
			if tc.ID != "" {
				pending.ID = tc.ID
			}
			if tc.Function.Name != "" {
				pending.Function.Name = tc.Function.Name
			}
			pending.Function.Arguments += tc.Function.Arguments
		}
	}

	final := &model.Response{
		Text:         text.String(),
		FinishReason: finish,
		Usage:        usage,
	}
	indexes := make([]int, 0, len(pendingCalls))
	for i := range pendingCalls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		call, err := parseToolCall(*pendingCalls[i])
		if err != nil {
			yield(nil, err)
			return
		}
		final.ToolCalls = append(final.ToolCalls, call)
	}
	if len(final.ToolCalls) > 0 && finish == model.FinishStop {
		final.FinishReason = model.FinishToolCalls
	}
	yield(final, nil)
}

func parseToolCall(tc apiToolCall) (model.ToolCall, error) {
	call := model.ToolCall{ID: tc.ID, Name: tc.Function.Name}
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &call.Args); err != nil {
			return model.ToolCall{}, runtimeerr.Wrap(runtimeerr.KindModelError,
				fmt.Sprintf("invalid tool call arguments for %s", tc.Function.Name), err)
		}
	}
	return call, nil
}

func mapFinishReason(reason string) model.FinishReason {
	switch reason {
	case "tool_calls", "function_call":
		return model.FinishToolCalls
	case "length":
		return model.FinishLength
	case "stop", "":
		return model.FinishStop
	default:
		return model.FinishStop
	}
}
