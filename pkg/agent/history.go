package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/inkeep/agents-runtime/pkg/store"
)

const defaultHistoryLimit = 50

// assembleHistory renders prior conversation messages into a prompt block per
// the sub-agent's history config.
//
// Modes: "none" starts the turn cold, "full" includes every message the
// conversation recorded, "scoped" includes user-facing messages plus the
// internal traffic this sub-agent took part in. Scoped mode also surfaces
// summaries of artifacts saved in prior tasks so the model can reference
// them without re-running tools.
func (e *Engine) assembleHistory(ctx context.Context, inv Invocation, sub *store.SubAgent) (string, error) {
	cfg := sub.HistoryConfig
	if cfg.Mode == store.HistoryModeNone {
		return "", nil
	}

	limit := cfg.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	// Scoped mode always fetches internal traffic and filters it per
	// sub-agent below; full mode honors the IncludeInternal knob.
	opts := store.HistoryOptions{
		Limit:           limit,
		IncludeInternal: cfg.IncludeInternal || cfg.Mode == store.HistoryModeScoped,
		MessageTypes:    cfg.MessageTypes,
	}
	messages, err := e.repo.GetConversationHistory(ctx, inv.Scope, inv.ConversationID, opts)
	if err != nil {
		return "", err
	}

	kept := messages[:0]
	for _, m := range messages {
		if cfg.Mode == store.HistoryModeScoped && !inScope(m, sub.ID) {
			continue
		}
		kept = append(kept, m)
	}
	if len(kept) == 0 {
		return "", nil
	}
	kept = trimToTokenBudget(kept, cfg.MaxOutputTokens)

	block := renderHistory(kept)

	if cfg.Mode == store.HistoryModeScoped {
		artifacts, err := e.priorArtifacts(ctx, inv, kept)
		if err != nil {
			return "", err
		}
		if artifacts != "" {
			block += "\n\nArtifacts saved earlier in this conversation:\n" + artifacts
		}
	}
	return block, nil
}

// renderHistory formats messages one per line as `label: """text"""` inside
// a <conversation_history> wrapper.
func renderHistory(messages []store.Message) string {
	var b strings.Builder
	b.WriteString("<conversation_history>\n")
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: \"\"\"%s\"\"\"\n", historyLabel(m), m.Content.Text)
	}
	b.WriteString("</conversation_history>")
	return b.String()
}

// historyLabel names the speaker for one history line. Agent-to-agent traffic
// keeps sender and recipient visible so the model can follow who said what.
func historyLabel(m store.Message) string {
	switch m.MessageType {
	case store.MessageTypeA2ARequest, store.MessageTypeA2AResponse:
		return participant(m.FromSubAgentID, m.FromExternalAgentID) +
			" to " + participant(m.ToSubAgentID, m.ToExternalAgentID)
	case store.MessageTypeToolResult:
		name, _ := m.Metadata["toolName"].(string)
		if name == "" {
			name = "unknown"
		}
		return "agent tool: " + name
	default:
		if m.Role == store.MessageRoleUser {
			return "User"
		}
		return "agent to User"
	}
}

func participant(subAgentID, externalAgentID string) string {
	switch {
	case subAgentID != "":
		return subAgentID
	case externalAgentID != "":
		return externalAgentID
	default:
		return "agent"
	}
}

// trimToTokenBudget drops the oldest messages until the rendered history
// fits within maxTokens. A zero budget keeps everything.
func trimToTokenBudget(messages []store.Message, maxTokens int) []store.Message {
	if maxTokens <= 0 {
		return messages
	}
	total := 0
	cut := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		total += historyTokens(messages[i])
		if total > maxTokens {
			break
		}
		cut = i
	}
	return messages[cut:]
}

var (
	historyEncOnce sync.Once
	historyEnc     *tiktoken.Tiktoken
)

func historyTokens(m store.Message) int {
	historyEncOnce.Do(func() {
		historyEnc, _ = tiktoken.GetEncoding("cl100k_base")
	})
	line := historyLabel(m) + m.Content.Text
	if historyEnc == nil {
		return 3 + len(line)/4
	}
	return 3 + len(historyEnc.Encode(line, nil, nil))
}

func inScope(m store.Message, subAgentID string) bool {
	if m.Visibility == store.VisibilityUserFacing {
		return true
	}
	return m.FromSubAgentID == subAgentID || m.ToSubAgentID == subAgentID
}

// priorArtifacts lists summaries saved by earlier tasks referenced in the
// filtered history.
func (e *Engine) priorArtifacts(ctx context.Context, inv Invocation, messages []store.Message) (string, error) {
	seen := map[string]bool{}
	var taskIDs []string
	for _, m := range messages {
		if m.TaskID == "" || m.TaskID == inv.TaskID || seen[m.TaskID] {
			continue
		}
		seen[m.TaskID] = true
		taskIDs = append(taskIDs, m.TaskID)
	}

	var lines []byte
	for _, taskID := range taskIDs {
		arts, err := e.repo.GetLedgerArtifacts(ctx, inv.Scope, taskID)
		if err != nil {
			return "", err
		}
		for _, art := range arts {
			summary, _ := json.Marshal(art.Summary)
			lines = fmt.Appendf(lines, "- %s (%s, artifactId=%s, toolCallId=%s): %s\n",
				art.Name, art.Type, art.ArtifactID, art.Metadata.ToolCallID, summary)
		}
	}
	return string(lines), nil
}
