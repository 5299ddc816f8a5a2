package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/inkeep/agents-runtime/pkg/model"
	"github.com/inkeep/agents-runtime/pkg/store"
)

const noRelevantUpdates = "no_relevant_updates"

// recentHistoryLimit bounds the conversation context fed to the summarizer.
const recentHistoryLimit = 10

// ModelSummaryGenerator asks the summarizer model for status updates
// constrained to the configured component union.
type ModelSummaryGenerator struct {
	summarizer model.LLM
	repo       store.Repository
}

func NewModelSummaryGenerator(summarizer model.LLM, repo store.Repository) *ModelSummaryGenerator {
	return &ModelSummaryGenerator{summarizer: summarizer, repo: repo}
}

func (g *ModelSummaryGenerator) Generate(ctx context.Context, req SummaryRequest) ([]Summary, error) {
	history, err := g.repo.GetConversationHistory(ctx, req.Scope, req.ConversationID, store.HistoryOptions{
		Limit: recentHistoryLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load history for status update: %w", err)
	}

	prompt := buildStatusPrompt(req, history)
	mreq := &model.Request{
		System:   statusSystemPrompt(req.Settings),
		Messages: []model.Message{{Role: model.RoleUser, Content: prompt}},
		Config: &model.GenerateConfig{
			ResponseSchema:     unionSchema(req.Settings.StatusComponents),
			ResponseSchemaName: "status_updates",
		},
	}

	var text string
	for resp, err := range g.summarizer.GenerateContent(ctx, mreq, false) {
		if err != nil {
			return nil, err
		}
		text = resp.Text
	}

	var decoded struct {
		Updates []struct {
			Type    string         `json:"type"`
			Label   string         `json:"label,omitempty"`
			Details map[string]any `json:"details,omitempty"`
		} `json:"updates"`
	}
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		return nil, fmt.Errorf("summarizer returned invalid status output: %w", err)
	}

	var out []Summary
	for _, u := range decoded.Updates {
		if u.Type == "" || u.Type == noRelevantUpdates {
			continue
		}
		out = append(out, Summary{Type: u.Type, Label: u.Label, Details: u.Details})
	}
	return out, nil
}

// unionSchema builds the strict response schema: an updates array whose
// entries are either no_relevant_updates or one of the configured
// components.
func unionSchema(components []store.StatusComponent) map[string]any {
	branches := []any{
		map[string]any{
			"type":                 "object",
			"properties":           map[string]any{"type": map[string]any{"const": noRelevantUpdates}},
			"required":             []string{"type"},
			"additionalProperties": false,
		},
	}
	for _, c := range components {
		props := map[string]any{
			"type":  map[string]any{"const": c.Type},
			"label": map[string]any{"type": "string"},
		}
		required := []string{"type", "label"}
		if c.DetailsSchema != nil {
			props["details"] = c.DetailsSchema
			required = append(required, "details")
		}
		branches = append(branches, map[string]any{
			"type":                 "object",
			"description":          c.Description,
			"properties":           props,
			"required":             required,
			"additionalProperties": false,
		})
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"updates": map[string]any{"type": "array", "items": map[string]any{"anyOf": branches}},
		},
		"required":             []string{"updates"},
		"additionalProperties": false,
	}
}

func statusSystemPrompt(settings store.StatusUpdateSettings) string {
	var b strings.Builder
	b.WriteString("You summarize in-progress agent activity into short status updates for the end user. ")
	b.WriteString("Emit no_relevant_updates when nothing user-visible happened. Never repeat a prior update.")
	if settings.Prompt != "" {
		b.WriteString("\n\n")
		b.WriteString(settings.Prompt)
	}
	return b.String()
}

func buildStatusPrompt(req SummaryRequest, history []store.Message) string {
	var b strings.Builder

	if len(history) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, m := range history {
			fmt.Fprintf(&b, "- %s: %s\n", m.Role, m.Content.Text)
		}
		b.WriteString("\n")
	}

	b.WriteString("New activity since the last update:\n")
	for _, ev := range req.Events {
		fmt.Fprintf(&b, "- %s", ev.Kind)
		if ev.SubAgentID != "" {
			fmt.Fprintf(&b, " (%s)", ev.SubAgentID)
		}
		if len(ev.Data) > 0 {
			if raw, err := json.Marshal(ev.Data); err == nil {
				fmt.Fprintf(&b, ": %s", raw)
			}
		}
		b.WriteString("\n")
	}

	if len(req.PriorSummaries) > 0 {
		b.WriteString("\nAlready told the user:\n")
		for _, s := range req.PriorSummaries {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	return b.String()
}
