package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/inkeep/agents-runtime/pkg/a2a"
	"github.com/inkeep/agents-runtime/pkg/model"
	"github.com/inkeep/agents-runtime/pkg/observability"
	"github.com/inkeep/agents-runtime/pkg/runtimeerr"
	"github.com/inkeep/agents-runtime/pkg/session"
	"github.com/inkeep/agents-runtime/pkg/stream"
	"github.com/inkeep/agents-runtime/pkg/tool"
	"github.com/inkeep/agents-runtime/pkg/tool/builtin"
)

// planResult is what the planning phase hands off: the transcript for the
// structured phase, any parts already streamed, or a transfer.
type planResult struct {
	messages []model.Message
	parts    []stream.Part
	transfer *a2a.TransferInfo
	usage    model.Usage
}

// runPlanningPhase drives the tool loop. It ends when the model stops
// calling tools, calls thinking_complete, requests a transfer, or exhausts
// the step budget.
func (e *Engine) runPlanningPhase(ctx context.Context, turn *turnState) (_ *planResult, err error) {
	ctx, span := observability.StartSpan(ctx, "agent.plan",
		attribute.String("subagent.id", turn.subAgent.ID))
	defer func() { observability.EndSpan(span, err) }()

	llm, err := e.models.Get(turn.models.base)
	if err != nil {
		return nil, err
	}

	maxSteps := turn.subAgent.StopWhen.StepCountIs
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}

	// When no data components are configured the planning text is the
	// user-visible response and streams live through the directive parser.
	visible := len(turn.subAgent.DataComponents) == 0

	res := &planResult{}
	res.messages = append(res.messages, model.Message{Role: model.RoleUser, Content: turn.inv.Message})

	system := e.planningPrompt(turn)
	fallback := defaultStreamingTimeout
	if !visible {
		fallback = defaultNonStreamingTimeout
	}
	timeout := phaseTimeout(turn.models.base, fallback)

	// Non-streaming planning runs against a structured phase: forcing tool
	// use keeps the model calling tools until thinking_complete ends the loop.
	var cfg *model.GenerateConfig
	if !visible {
		cfg = &model.GenerateConfig{ToolChoice: "required"}
	}

	for step := 0; step < maxSteps; step++ {
		resp, err := e.planningStep(ctx, llm, &model.Request{
			Messages: res.messages,
			Tools:    turn.tools.Definitions(),
			System:   system,
			Config:   cfg,
		}, timeout, turn, visible, res)
		if err != nil {
			return nil, err
		}

		res.usage.InputTokens += resp.Usage.InputTokens
		res.usage.OutputTokens += resp.Usage.OutputTokens

		if len(resp.ToolCalls) == 0 {
			res.messages = append(res.messages, model.Message{
				Role:    model.RoleAssistant,
				Content: resp.Text,
			})
			if visible {
				turn.sess.RecordEvent(session.EventAgentGenerate, turn.subAgent.ID, map[string]any{
					"generationType": "text_generation",
				})
			} else if resp.Text != "" {
				turn.sess.RecordEvent(session.EventAgentReasoning, turn.subAgent.ID, map[string]any{
					"text": resp.Text,
				})
			}
			return res, nil
		}

		res.messages = append(res.messages, model.Message{
			Role:      model.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		done, err := e.executeToolCalls(ctx, turn, resp.ToolCalls, res)
		if err != nil {
			return nil, err
		}
		if done || res.transfer != nil {
			return res, nil
		}
	}

	e.logger.Warn("planning step budget exhausted",
		"sub_agent_id", turn.subAgent.ID, "task_id", turn.inv.TaskID, "max_steps", maxSteps)
	return res, nil
}

// planningStep makes one model call. Visible text streams through the
// directive parser as it arrives; the aggregated response is returned either
// way.
func (e *Engine) planningStep(ctx context.Context, llm model.LLM, req *model.Request, timeout time.Duration, turn *turnState, visible bool, res *planResult) (*model.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var parser *stream.Parser
	if visible {
		parser = stream.NewParser(turn.extractor)
		turn.sess.SetTextStreaming(true)
		defer turn.sess.SetTextStreaming(false)
	}

	emit := func(parts []stream.Part) {
		for _, p := range parts {
			res.parts = append(res.parts, p)
			if turn.inv.Emit != nil {
				turn.inv.Emit(p)
			}
		}
	}

	var final *model.Response
	for resp, err := range llm.GenerateContent(callCtx, req, visible) {
		if err != nil {
			return nil, err
		}
		if resp.Partial {
			if parser != nil && resp.Text != "" {
				emit(parser.Write(resp.Text))
			}
			continue
		}
		final = resp
	}
	if final == nil {
		return nil, runtimeerr.New(runtimeerr.KindModelError, "model produced no response")
	}
	observability.ObserveModelCall(turn.models.base.Provider, turn.models.base.Model, "planning",
		final.Usage.InputTokens, final.Usage.OutputTokens)
	if parser != nil && len(final.ToolCalls) == 0 {
		emit(parser.Flush())
	}
	return final, nil
}

// executeToolCalls runs each requested tool and appends the tool messages.
// Returns done=true when the planning phase should end.
func (e *Engine) executeToolCalls(ctx context.Context, turn *turnState, calls []model.ToolCall, res *planResult) (bool, error) {
	done := false
	for _, call := range calls {
		d, ok := turn.tools[call.Name]
		if !ok {
			res.messages = append(res.messages, toolMessage(call.ID, map[string]any{
				"error": fmt.Sprintf("unknown tool %q", call.Name),
			}))
			continue
		}

		out, err := d.Execute(ctx, call.Args, tool.CallMeta{ToolCallID: call.ID})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return false, runtimeerr.Wrap(runtimeerr.KindCancelled, "turn cancelled", ctxErr)
			}
			res.messages = append(res.messages, toolMessage(call.ID, map[string]any{
				"error": err.Error(),
			}))
			continue
		}

		if info, ok := transferResult(out, turn.inv.Message); ok {
			res.transfer = &info
			turn.sess.RecordEvent(session.EventTransfer, turn.subAgent.ID, map[string]any{
				"target": info.TargetSubAgentID,
				"reason": info.Reason,
			})
			return true, nil
		}
		if call.Name == builtin.ThinkingCompleteName {
			done = true
		}

		res.messages = append(res.messages, toolMessage(call.ID, out))
	}
	return done, nil
}

func toolMessage(callID string, out any) model.Message {
	content, err := json.Marshal(out)
	if err != nil {
		content = []byte(fmt.Sprintf("%v", out))
	}
	return model.Message{
		Role:       model.RoleTool,
		Content:    string(content),
		ToolCallID: callID,
	}
}

// transferResult detects a transfer tool's envelope payload.
func transferResult(out any, originalMessage string) (a2a.TransferInfo, bool) {
	m, ok := out.(map[string]any)
	if !ok {
		return a2a.TransferInfo{}, false
	}
	if t, _ := m["type"].(string); t != a2a.TransferDataType {
		return a2a.TransferInfo{}, false
	}
	info := a2a.TransferInfo{OriginalMessage: originalMessage}
	info.TargetSubAgentID, _ = m["target_subagent_id"].(string)
	info.FromSubAgentID, _ = m["from_subagent_id"].(string)
	info.TaskID, _ = m["task_id"].(string)
	info.Reason, _ = m["reason"].(string)
	return info, info.TargetSubAgentID != ""
}
