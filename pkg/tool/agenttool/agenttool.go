// Package agenttool exposes the relation surface of a sub-agent: transfer
// tools hand the conversation to a peer, delegate tools send a subtask over
// A2A and wait for the result.
package agenttool

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/inkeep/agents-runtime/pkg/a2a"
	"github.com/inkeep/agents-runtime/pkg/auth"
	"github.com/inkeep/agents-runtime/pkg/contextcfg"
	"github.com/inkeep/agents-runtime/pkg/runtimeerr"
	"github.com/inkeep/agents-runtime/pkg/session"
	"github.com/inkeep/agents-runtime/pkg/store"
	"github.com/inkeep/agents-runtime/pkg/tool"
)

// CredentialHeaders matches credential.Resolver's header resolution.
type CredentialHeaders interface {
	ResolveHeaders(ctx context.Context, scope store.Scope, refID string, resolvedContext map[string]any) (map[string]string, error)
}

// Source builds transfer and delegate tools from a sub-agent's relations.
type Source struct {
	scope           store.Scope
	fromSubAgentID  string
	contextID       string
	taskID          string
	relations       *store.RelatedAgents
	signer          *auth.Signer
	creds           CredentialHeaders
	resolvedContext map[string]any
	localBaseURL    string
	sess            *session.Session
	repo            store.Repository
	streamRequestID string
	logger          *slog.Logger
}

type Config struct {
	Scope           store.Scope
	FromSubAgentID  string
	ContextID       string
	TaskID          string
	Relations       *store.RelatedAgents
	Signer          *auth.Signer
	Credentials     CredentialHeaders
	ResolvedContext map[string]any

	// LocalBaseURL is the same-process A2A endpoint internal delegates call.
	LocalBaseURL string

	Session *session.Session

	// Repo records the a2a-request and a2a-response legs of a delegation in
	// conversation history.
	Repo store.Repository

	// StreamRequestID scopes tool results to the user-visible stream request
	// so delegates share the caller's tool session.
	StreamRequestID string
}

func NewSource(cfg Config) *Source {
	return &Source{
		scope:           cfg.Scope,
		fromSubAgentID:  cfg.FromSubAgentID,
		contextID:       cfg.ContextID,
		taskID:          cfg.TaskID,
		relations:       cfg.Relations,
		signer:          cfg.Signer,
		creds:           cfg.Credentials,
		resolvedContext: cfg.ResolvedContext,
		localBaseURL:    cfg.LocalBaseURL,
		sess:            cfg.Session,
		repo:            cfg.Repo,
		streamRequestID: cfg.StreamRequestID,
		logger:          slog.Default().With("component", "agenttool"),
	}
}

func (s *Source) Tools(_ context.Context) ([]*tool.Descriptor, error) {
	if s.relations == nil {
		return nil, nil
	}
	var out []*tool.Descriptor
	for _, rel := range s.relations.Internal {
		out = append(out, s.relationTools(rel)...)
	}
	for _, rel := range s.relations.External {
		out = append(out, s.relationTools(rel)...)
	}
	return out, nil
}

func (s *Source) relationTools(rel store.RelatedAgent) []*tool.Descriptor {
	var out []*tool.Descriptor
	if rel.CanTransfer {
		out = append(out, s.transferTool(rel))
	}
	if rel.CanDelegate {
		out = append(out, s.delegateTool(rel))
	}
	return out
}

// transferTool hands the rest of the conversation to the target. It takes no
// input; the planning loop short-circuits on its result.
func (s *Source) transferTool(rel store.RelatedAgent) *tool.Descriptor {
	return &tool.Descriptor{
		Name:        "transfer_to_" + rel.SubAgentID,
		Description: fmt.Sprintf("Transfer the conversation to %s. %s", rel.Name, rel.Description),
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "Why the conversation is being transferred.",
				},
			},
		},
		Internal: true,
		Execute: func(_ context.Context, args map[string]any, _ tool.CallMeta) (any, error) {
			reason, _ := args["reason"].(string)
			return map[string]any{
				"type":               a2a.TransferDataType,
				"target_subagent_id": rel.SubAgentID,
				"from_subagent_id":   s.fromSubAgentID,
				"task_id":            s.taskID,
				"reason":             reason,
			}, nil
		},
	}
}

// delegateTool sends one subtask to the target and blocks on the result.
func (s *Source) delegateTool(rel store.RelatedAgent) *tool.Descriptor {
	return &tool.Descriptor{
		Name:        "delegate_to_" + rel.SubAgentID,
		Description: fmt.Sprintf("Delegate a task to %s and wait for the result. %s", rel.Name, rel.Description),
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{
					"type":        "string",
					"description": "The task for the delegate, with all context it needs.",
				},
			},
			"required": []string{"message"},
		},
		Internal: true,
		Execute: func(ctx context.Context, args map[string]any, meta tool.CallMeta) (any, error) {
			message, _ := args["message"].(string)
			if message == "" {
				return nil, runtimeerr.New(runtimeerr.KindBadRequest, "delegate requires a message")
			}
			return s.delegate(ctx, rel, message, meta.ToolCallID)
		},
	}
}

func (s *Source) delegate(ctx context.Context, rel store.RelatedAgent, message, toolCallID string) (any, error) {
	client, err := s.clientFor(ctx, rel)
	if err != nil {
		return nil, err
	}

	s.logger.Info("delegating task",
		"from", s.fromSubAgentID,
		"target", rel.SubAgentID,
		"relationType", rel.RelationType)

	if s.sess != nil {
		s.sess.RecordEvent(session.EventDelegationSent, s.fromSubAgentID, map[string]any{
			"target":     rel.SubAgentID,
			"toolCallId": toolCallID,
		})
	}

	s.recordRequest(ctx, rel, message)

	task, err := client.SendMessage(ctx, a2a.MessageSendParams{
		Message: a2a.Message{
			MessageID: uuid.NewString(),
			ContextID: s.contextID,
			Role:      "user",
			Parts:     []a2a.Part{a2a.TextPart(message)},
			Metadata: map[string]any{
				"delegation":         true,
				"target_subagent_id": rel.SubAgentID,
				"from_subagent_id":   s.fromSubAgentID,
				"parent_task_id":     s.taskID,
				"stream_request_id":  s.streamRequestID,
			},
		},
	})
	if err != nil {
		return nil, runtimeerr.ToolFailed(fmt.Sprintf("delegation to %s failed", rel.SubAgentID), err)
	}

	result := delegationResult(task)

	if s.sess != nil {
		payload := map[string]any{
			"target":     rel.SubAgentID,
			"toolCallId": toolCallID,
			"taskState":  string(task.Status.State),
		}
		if text, ok := result["result"].(string); ok {
			payload["result"] = map[string]any{"text": text}
		}
		s.sess.RecordEvent(session.EventDelegationReturned, s.fromSubAgentID, payload)
	}

	if task.Status.State == a2a.TaskStateFailed {
		msg := "delegate reported failure"
		if task.Status.Message != nil {
			msg = task.Status.Message.Text()
		}
		return nil, runtimeerr.ToolFailed(fmt.Sprintf("delegation to %s failed: %s", rel.SubAgentID, msg), nil)
	}

	return result, nil
}

// recordRequest writes the outbound leg of the delegation to conversation
// history before the call; the delegate's handler records the response leg.
func (s *Source) recordRequest(ctx context.Context, rel store.RelatedAgent, message string) {
	if s.repo == nil {
		return
	}
	err := s.repo.CreateMessage(ctx, s.scope, &store.Message{
		ID:             uuid.NewString(),
		ConversationID: s.contextID,
		Role:           store.MessageRoleAgent,
		MessageType:    store.MessageTypeA2ARequest,
		Visibility:     store.VisibilityInternal,
		Content:        store.MessageContent{Text: message},
		FromSubAgentID: s.fromSubAgentID,
		ToSubAgentID:   rel.SubAgentID,
		TaskID:         s.taskID,
	})
	if err != nil {
		s.logger.Error("delegation request persist failed",
			"from", s.fromSubAgentID, "target", rel.SubAgentID, "error", err)
	}
}

// clientFor picks transport and auth per relation type: internal targets the
// local endpoint with a service token, external targets the configured URL
// with credential headers, team adds a service token plus templated headers.
func (s *Source) clientFor(ctx context.Context, rel store.RelatedAgent) (*a2a.Client, error) {
	headers := make(map[string]string)

	switch rel.RelationType {
	case store.RelationInternal:
		token, err := s.serviceToken(rel)
		if err != nil {
			return nil, err
		}
		headers["Authorization"] = "Bearer " + token
		return a2a.NewClient(s.localBaseURL, a2a.WithClientHeaders(headers)), nil

	case store.RelationExternal:
		if rel.CredentialRef != "" && s.creds != nil {
			resolved, err := s.creds.ResolveHeaders(ctx, s.scope, rel.CredentialRef, s.resolvedContext)
			if err != nil {
				return nil, err
			}
			for k, v := range resolved {
				headers[k] = v
			}
		}
		for k, v := range rel.Headers {
			headers[k] = contextcfg.Render(v, s.resolvedContext)
		}
		return a2a.NewClient(rel.URL, a2a.WithClientHeaders(headers)), nil

	case store.RelationTeam:
		token, err := s.serviceToken(rel)
		if err != nil {
			return nil, err
		}
		headers["Authorization"] = "Bearer " + token
		for k, v := range rel.Headers {
			headers[k] = contextcfg.Render(v, s.resolvedContext)
		}
		return a2a.NewClient(rel.URL, a2a.WithClientHeaders(headers)), nil

	default:
		return nil, runtimeerr.Newf(runtimeerr.KindBadRequest, "unknown relation type %q", rel.RelationType)
	}
}

func (s *Source) serviceToken(rel store.RelatedAgent) (string, error) {
	if s.signer == nil {
		return "", runtimeerr.New(runtimeerr.KindInternal, "no service token signer configured")
	}
	return s.signer.Sign(auth.ServiceClaims{
		TenantID:       s.scope.TenantID,
		ProjectID:      s.scope.ProjectID,
		AgentID:        s.scope.AgentID,
		FromSubAgent:   s.fromSubAgentID,
		TargetSubAgent: rel.SubAgentID,
	})
}

// delegationResult flattens the delegate's task into a tool result the
// planning model can read.
func delegationResult(task *a2a.Task) map[string]any {
	out := map[string]any{
		"task_id": task.ID,
		"state":   string(task.Status.State),
	}

	var text string
	var data []map[string]any
	for _, art := range task.Artifacts {
		for _, part := range art.Parts {
			switch part.Kind {
			case a2a.PartKindText:
				text += part.Text
			case a2a.PartKindData:
				data = append(data, part.Data)
			}
		}
	}
	if task.Status.Message != nil {
		text += task.Status.Message.Text()
	}
	if text != "" {
		out["result"] = text
	}
	if len(data) > 0 {
		out["data"] = data
	}
	return out
}
