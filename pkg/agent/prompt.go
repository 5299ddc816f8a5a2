package agent

import (
	"fmt"
	"strings"

	"github.com/inkeep/agents-runtime/pkg/contextcfg"
	"github.com/inkeep/agents-runtime/pkg/tool"
)

// planningPrompt assembles the phase-one system prompt: the sub-agent's
// configured prompt with context placeholders rendered, followed by runtime
// guidance for the capabilities this sub-agent actually has.
func (e *Engine) planningPrompt(turn *turnState) string {
	var b strings.Builder
	b.WriteString(contextcfg.Render(turn.subAgent.Prompt, turn.context))
	writeHistory(&b, turn)

	if hasRelationTools(turn.tools) {
		b.WriteString("\n\n## Working with other agents\n")
		b.WriteString("Use transfer_to_* when another agent should own the rest of this conversation. ")
		b.WriteString("Use delegate_to_* to hand off a subtask and continue with its result. ")
		b.WriteString("Transfer ends your turn immediately.")
	}

	if len(turn.subAgent.ArtifactComponents) > 0 {
		b.WriteString("\n\n## Artifacts\n")
		b.WriteString("When a tool result contains content worth citing, save it as an artifact instead of copying it into your response.\n")
		if len(turn.subAgent.DataComponents) == 0 {
			b.WriteString("Emit `<artifact:create id=\"...\" tool=\"...\" type=\"...\" base=\"...\" summary=\"{prop: selector}\" full=\"{prop: selector}\" />` inline where the artifact belongs, ")
			b.WriteString("and `<artifact:ref id=\"...\" tool=\"...\" />` to cite it again. ")
			b.WriteString("Selectors are JMESPath expressions against the tool result; consult the _structureHints attached to results.\n")
		}
		b.WriteString("Available artifact types:\n")
		for _, c := range turn.subAgent.ArtifactComponents {
			fmt.Fprintf(&b, "- %s: %s\n", c.Name, c.Description)
		}
	}

	if len(turn.subAgent.DataComponents) > 0 {
		b.WriteString("\n\n## Response flow\n")
		b.WriteString("First gather everything the response needs using your tools. ")
		b.WriteString("Call thinking_complete once you have what you need; the final response is produced separately. ")
		b.WriteString("Text you write in this phase is not shown to the user.")
	}

	if turn.inv.IsDelegation {
		b.WriteString("\n\nYou are handling a task delegated by another agent. ")
		b.WriteString("Respond with the task result only.")
	}

	return b.String()
}

// structuredPrompt is the phase-two system prompt: the same persona, plus the
// component vocabulary for the final response.
func (e *Engine) structuredPrompt(turn *turnState) string {
	var b strings.Builder
	b.WriteString(contextcfg.Render(turn.subAgent.Prompt, turn.context))
	writeHistory(&b, turn)

	b.WriteString("\n\n## Final response\n")
	b.WriteString("Produce the response as an ordered list of components. Available components:\n")
	for _, c := range turn.subAgent.DataComponents {
		fmt.Fprintf(&b, "- %s: %s\n", c.Name, c.Description)
	}
	if len(turn.subAgent.ArtifactComponents) > 0 {
		b.WriteString("To cite tool results, create artifacts:\n")
		for _, c := range turn.subAgent.ArtifactComponents {
			fmt.Fprintf(&b, "- ArtifactCreate_%s: %s\n", c.Name, c.Description)
		}
		b.WriteString("Artifact selectors are JMESPath expressions against the originating tool result.\n")
	}
	b.WriteString("Use only information gathered during planning. Do not invent tool results.")

	return b.String()
}

func writeHistory(b *strings.Builder, turn *turnState) {
	if turn.history == "" {
		return
	}
	b.WriteString("\n\n")
	b.WriteString(turn.history)
}

func hasRelationTools(tools tool.Set) bool {
	for name := range tools {
		if strings.HasPrefix(name, "transfer_to_") || strings.HasPrefix(name, "delegate_to_") {
			return true
		}
	}
	return false
}
