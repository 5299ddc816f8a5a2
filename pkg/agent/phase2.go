package agent

import (
	"context"
	"encoding/json"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/inkeep/agents-runtime/pkg/artifact"
	"github.com/inkeep/agents-runtime/pkg/model"
	"github.com/inkeep/agents-runtime/pkg/observability"
	"github.com/inkeep/agents-runtime/pkg/runtimeerr"
	"github.com/inkeep/agents-runtime/pkg/session"
	"github.com/inkeep/agents-runtime/pkg/stream"
)

// runStructuredPhase generates the final response as a stream of data
// component entries constrained by the sub-agent's component schemas.
// Artifact-create entries run through the extraction pipeline; everything
// else is emitted as a data part.
func (e *Engine) runStructuredPhase(ctx context.Context, turn *turnState, plan *planResult) (_ []stream.Part, _ model.Usage, err error) {
	ctx, span := observability.StartSpan(ctx, "agent.structured",
		attribute.String("subagent.id", turn.subAgent.ID))
	defer func() { observability.EndSpan(span, err) }()

	llm, err := e.models.Get(turn.models.structured)
	if err != nil {
		return nil, model.Usage{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, phaseTimeout(turn.models.structured, defaultStructuredTimeout))
	defer cancel()

	turn.sess.SetTextStreaming(true)
	defer turn.sess.SetTextStreaming(false)

	turn.sess.RecordEvent(session.EventAgentGenerate, turn.subAgent.ID, map[string]any{
		"generationType": "object_generation",
	})

	req := &model.Request{
		Messages: stripStructureHints(plan.messages),
		System:   e.structuredPrompt(turn),
		Config: &model.GenerateConfig{
			ResponseSchema:     buildResponseSchema(turn.subAgent.DataComponents, turn.subAgent.ArtifactComponents),
			ResponseSchemaName: "response",
		},
	}

	adapter := stream.NewObjectAdapter()
	var parts []stream.Part
	var usage model.Usage

	handle := func(entries []map[string]any) {
		for _, entry := range entries {
			part, ok := e.componentPart(turn, entry)
			if !ok {
				continue
			}
			parts = append(parts, part)
			if turn.inv.Emit != nil {
				turn.inv.Emit(part)
			}
		}
	}

	sawFinal := false
	for resp, err := range llm.GenerateContent(callCtx, req, true) {
		if err != nil {
			return nil, usage, err
		}
		if resp.Partial {
			handle(adapter.Write(resp.Text))
			continue
		}
		sawFinal = true
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens
	}
	if !sawFinal {
		return nil, usage, runtimeerr.New(runtimeerr.KindModelError, "structured output produced no response")
	}
	handle(adapter.Flush())
	observability.ObserveModelCall(turn.models.structured.Provider, turn.models.structured.Model, "structured",
		usage.InputTokens, usage.OutputTokens)

	return parts, usage, nil
}

// stripStructureHints removes selector hints from tool transcripts. They
// steer artifact selection during planning and are dead weight in the
// structured call's input.
func stripStructureHints(messages []model.Message) []model.Message {
	out := make([]model.Message, len(messages))
	copy(out, messages)
	for i, m := range out {
		if m.Role != model.RoleTool || !strings.Contains(m.Content, `"_structureHints"`) {
			continue
		}
		var decoded map[string]any
		if err := json.Unmarshal([]byte(m.Content), &decoded); err != nil {
			continue
		}
		delete(decoded, "_structureHints")
		if raw, err := json.Marshal(decoded); err == nil {
			out[i].Content = string(raw)
		}
	}
	return out
}

// componentPart converts one structured entry into an output part. Artifact
// creations are replaced by their summary data part.
func (e *Engine) componentPart(turn *turnState, entry map[string]any) (stream.Part, bool) {
	name, _ := entry["name"].(string)
	if strings.HasPrefix(name, artifact.StructuredPrefix) {
		data, ok := turn.extractor.ProcessStructured(entry)
		if !ok {
			return stream.Part{}, false
		}
		return stream.Part{Kind: stream.PartData, Data: data}, true
	}
	if name == "" {
		e.logger.Warn("dropping unnamed structured output entry", "task_id", turn.inv.TaskID)
		return stream.Part{}, false
	}
	return stream.Part{Kind: stream.PartData, Data: entry}, true
}
