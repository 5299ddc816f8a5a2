// Package task turns incoming A2A messages into engine runs: it resolves the
// conversation and active sub-agent, persists the task lifecycle, and wraps
// the engine's output in the protocol envelope.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/inkeep/agents-runtime/pkg/a2a"
	"github.com/inkeep/agents-runtime/pkg/agent"
	"github.com/inkeep/agents-runtime/pkg/observability"
	"github.com/inkeep/agents-runtime/pkg/runtimeerr"
	"github.com/inkeep/agents-runtime/pkg/store"
	"github.com/inkeep/agents-runtime/pkg/stream"
)

const defaultContextID = "default"

// Handler owns the request-to-task lifecycle for one runtime instance.
type Handler struct {
	repo   store.Repository
	engine *agent.Engine
	logger *slog.Logger
}

func NewHandler(repo store.Repository, engine *agent.Engine) *Handler {
	return &Handler{
		repo:   repo,
		engine: engine,
		logger: slog.Default().With("component", "task"),
	}
}

// uuidLen is the length of the random suffix in generated task ids.
const uuidLen = 36

// ResolveContextID derives the conversation id for an incoming message:
// the explicit contextId, then the conversation encoded in the task id
// ("task_<conversation>-<uuid>"), then the default context.
func ResolveContextID(msg a2a.Message) string {
	if msg.ContextID != "" {
		return msg.ContextID
	}
	if strings.HasPrefix(msg.TaskID, "task_") {
		rest := strings.TrimPrefix(msg.TaskID, "task_")
		if len(rest) > uuidLen+1 && rest[len(rest)-uuidLen-1] == '-' {
			return rest[:len(rest)-uuidLen-1]
		}
		if rest != "" {
			return rest
		}
	}
	return defaultContextID
}

// IsDelegation reports whether the message is a delegation hop from another
// sub-agent rather than an end-user turn.
func IsDelegation(msg a2a.Message) bool {
	if msg.Metadata == nil {
		return false
	}
	if flagged, _ := msg.Metadata["delegation"].(bool); flagged {
		return true
	}
	flagged, _ := msg.Metadata["isDelegation"].(bool)
	return flagged
}

// Handle runs one turn to completion and returns the task envelope. It
// implements a2a.Dispatcher.
func (h *Handler) Handle(ctx context.Context, req a2a.DispatchRequest) (*a2a.Task, error) {
	msg := req.Params.Message
	text := msg.Text()
	if text == "" {
		return nil, runtimeerr.New(runtimeerr.KindBadRequest, "message has no text parts")
	}

	contextID := ResolveContextID(msg)
	isDelegation := IsDelegation(msg)

	started := time.Now()
	ctx, span := observability.StartSpan(ctx, "task.handle",
		attribute.String("conversation.id", contextID),
		attribute.Bool("delegation", isDelegation))
	var handleErr error
	defer func() {
		status := store.TaskStatusCompleted
		if handleErr != nil {
			status = store.TaskStatusFailed
		}
		observability.ObserveTask(status, started)
		observability.EndSpan(span, handleErr)
	}()

	subAgentID, err := h.resolveSubAgent(ctx, req.Scope, contextID, msg)
	if err != nil {
		handleErr = err
		return nil, err
	}

	taskID := fmt.Sprintf("task_%s-%s", contextID, uuid.NewString())
	storeTask := &store.Task{
		ID:             taskID,
		ConversationID: contextID,
		SubAgentID:     subAgentID,
		Status:         store.TaskStatusWorking,
	}
	if err := h.repo.CreateTask(ctx, req.Scope, storeTask); err != nil {
		handleErr = err
		return nil, err
	}

	if !isDelegation {
		h.persistMessage(ctx, req.Scope, &store.Message{
			ID:             msg.MessageID,
			ConversationID: contextID,
			Role:           store.MessageRoleUser,
			MessageType:    store.MessageTypeChat,
			Visibility:     store.VisibilityUserFacing,
			Content:        store.MessageContent{Text: text},
			TaskID:         taskID,
		})
	}

	// Delegations reuse the originating request's stream id so every hop in
	// the chain records tool results into one shared session.
	streamRequestID, _ := metadataString(msg.Metadata, "stream_request_id")
	if streamRequestID == "" {
		streamRequestID = uuid.NewString()
	}

	out, runErr := h.engine.Run(ctx, agent.Invocation{
		Scope:           req.Scope,
		ConversationID:  contextID,
		TaskID:          taskID,
		SubAgentID:      subAgentID,
		Message:         text,
		Headers:         req.Headers,
		IsDelegation:    isDelegation,
		StreamRequestID: streamRequestID,
		Emit:            h.partEmitter(req, taskID, contextID),
		EmitStatus:      h.statusEmitter(req, taskID, contextID),
	})
	if runErr != nil {
		storeTask.Status = store.TaskStatusFailed
		h.updateTask(ctx, req.Scope, storeTask)
		handleErr = runErr
		return failedTask(taskID, contextID, runErr), runErr
	}

	if out.Transfer != nil {
		return h.completeTransfer(ctx, req.Scope, storeTask, contextID, *out.Transfer)
	}

	storeTask.Status = store.TaskStatusCompleted
	h.updateTask(ctx, req.Scope, storeTask)

	responseText := collectText(out.Parts)
	if responseText != "" && !isDelegation {
		h.persistMessage(ctx, req.Scope, &store.Message{
			ID:             uuid.NewString(),
			ConversationID: contextID,
			Role:           store.MessageRoleAgent,
			MessageType:    store.MessageTypeChat,
			Visibility:     store.VisibilityUserFacing,
			Content:        store.MessageContent{Text: responseText},
			FromSubAgentID: subAgentID,
			TaskID:         taskID,
		})
	}
	if isDelegation {
		delegator, _ := metadataString(msg.Metadata, "from_subagent_id")
		h.persistMessage(ctx, req.Scope, &store.Message{
			ID:             uuid.NewString(),
			ConversationID: contextID,
			Role:           store.MessageRoleAgent,
			MessageType:    store.MessageTypeA2AResponse,
			Visibility:     store.VisibilityInternal,
			Content:        store.MessageContent{Text: responseText},
			FromSubAgentID: subAgentID,
			ToSubAgentID:   delegator,
			TaskID:         taskID,
		})
	}

	return completedTask(taskID, contextID, out.Parts), nil
}

// resolveSubAgent finds the conversation's active sub-agent, creating the
// conversation on first contact.
func (h *Handler) resolveSubAgent(ctx context.Context, scope store.Scope, contextID string, msg a2a.Message) (string, error) {
	// Delegations address a sub-agent directly via metadata.
	if target, _ := metadataString(msg.Metadata, "target_subagent_id"); target != "" {
		return target, nil
	}

	conv, err := h.repo.GetConversation(ctx, scope, contextID)
	if err != nil {
		return "", err
	}
	if conv != nil && conv.ActiveSubAgentID != "" {
		return conv.ActiveSubAgentID, nil
	}

	agentDef, err := h.repo.GetAgentWithSubAgents(ctx, scope)
	if err != nil {
		return "", err
	}
	if agentDef == nil || agentDef.DefaultSubAgentID == "" {
		return "", runtimeerr.New(runtimeerr.KindNotFound, "no default sub-agent configured")
	}

	if conv == nil {
		err := h.repo.CreateConversation(ctx, scope, &store.Conversation{
			ID:               contextID,
			TenantID:         scope.TenantID,
			ProjectID:        scope.ProjectID,
			ActiveSubAgentID: agentDef.DefaultSubAgentID,
		})
		if err != nil {
			return "", err
		}
	}
	return agentDef.DefaultSubAgentID, nil
}

// completeTransfer updates the active sub-agent and returns the transfer
// envelope. The caller decides whether to re-dispatch.
func (h *Handler) completeTransfer(ctx context.Context, scope store.Scope, storeTask *store.Task, contextID string, info a2a.TransferInfo) (*a2a.Task, error) {
	if err := h.repo.SetActiveSubAgentForConversation(ctx, scope, contextID, info.TargetSubAgentID); err != nil {
		return nil, err
	}

	storeTask.Status = store.TaskStatusCompleted
	storeTask.Metadata = map[string]any{
		"transfer": map[string]any{
			"target": info.TargetSubAgentID,
			"from":   info.FromSubAgentID,
			"reason": info.Reason,
		},
	}
	h.updateTask(ctx, scope, storeTask)

	h.persistMessage(ctx, scope, &store.Message{
		ID:             uuid.NewString(),
		ConversationID: contextID,
		Role:           store.MessageRoleAgent,
		MessageType:    store.MessageTypeA2ARequest,
		Visibility:     store.VisibilityInternal,
		Content:        store.MessageContent{Text: info.Reason},
		FromSubAgentID: info.FromSubAgentID,
		ToSubAgentID:   info.TargetSubAgentID,
		TaskID:         storeTask.ID,
	})

	info.TaskID = storeTask.ID
	return a2a.NewTransferTask(storeTask.ID, contextID, info), nil
}

// GetTask loads the envelope for tasks/get.
func (h *Handler) GetTask(ctx context.Context, scope store.Scope, taskID string) (*a2a.Task, error) {
	stored, err := h.repo.GetTask(ctx, scope, taskID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, runtimeerr.Newf(runtimeerr.KindNotFound, "task %q not found", taskID)
	}

	task := &a2a.Task{
		ID:        stored.ID,
		ContextID: stored.ConversationID,
		Kind:      "task",
		Status: a2a.TaskStatus{
			State:     taskState(stored.Status),
			Timestamp: stored.UpdatedAt,
		},
		Metadata: stored.Metadata,
	}

	artifacts, err := h.repo.GetLedgerArtifacts(ctx, scope, taskID)
	if err != nil {
		return nil, err
	}
	for _, art := range artifacts {
		task.Artifacts = append(task.Artifacts, a2a.Artifact{
			ArtifactID:  art.ArtifactID,
			Name:        art.Name,
			Description: art.Description,
			Parts: []a2a.Part{a2a.DataPart(map[string]any{
				"type":            art.Type,
				"artifactSummary": art.Summary,
			})},
		})
	}
	return task, nil
}

// CancelTask marks a working task canceled.
func (h *Handler) CancelTask(ctx context.Context, scope store.Scope, taskID string) (*a2a.Task, error) {
	stored, err := h.repo.GetTask(ctx, scope, taskID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, runtimeerr.Newf(runtimeerr.KindNotFound, "task %q not found", taskID)
	}
	if stored.Status == store.TaskStatusWorking {
		stored.Status = store.TaskStatusCanceled
		h.updateTask(ctx, scope, stored)
	}
	return &a2a.Task{
		ID:        stored.ID,
		ContextID: stored.ConversationID,
		Kind:      "task",
		Status:    a2a.TaskStatus{State: taskState(stored.Status), Timestamp: time.Now().UTC()},
	}, nil
}

func (h *Handler) partEmitter(req a2a.DispatchRequest, taskID, contextID string) agent.EmitFunc {
	if req.Emit == nil {
		return nil
	}
	return func(p stream.Part) {
		switch p.Kind {
		case stream.PartText:
			req.Emit("message", map[string]any{
				"taskId":    taskID,
				"contextId": contextID,
				"text":      p.Text,
			})
		case stream.PartData:
			req.Emit("message", map[string]any{
				"taskId":    taskID,
				"contextId": contextID,
				"data":      p.Data,
			})
		}
	}
}

func (h *Handler) statusEmitter(req a2a.DispatchRequest, taskID, contextID string) func(string, map[string]any) {
	if req.Emit == nil {
		return nil
	}
	return func(kind string, data map[string]any) {
		req.Emit("status-update", map[string]any{
			"taskId":    taskID,
			"contextId": contextID,
			"type":      kind,
			"data":      data,
		})
	}
}

func (h *Handler) persistMessage(ctx context.Context, scope store.Scope, msg *store.Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if err := h.repo.CreateMessage(ctx, scope, msg); err != nil {
		h.logger.Error("message persist failed",
			"conversation_id", msg.ConversationID, "task_id", msg.TaskID, "error", err)
	}
}

func (h *Handler) updateTask(ctx context.Context, scope store.Scope, task *store.Task) {
	if err := h.repo.UpdateTask(ctx, scope, task); err != nil {
		h.logger.Error("task update failed", "task_id", task.ID, "error", err)
	}
}

func collectText(parts []stream.Part) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Kind == stream.PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func completedTask(taskID, contextID string, parts []stream.Part) *a2a.Task {
	task := &a2a.Task{
		ID:        taskID,
		ContextID: contextID,
		Kind:      "task",
		Status:    a2a.TaskStatus{State: a2a.TaskStateCompleted, Timestamp: time.Now().UTC()},
	}

	var a2aParts []a2a.Part
	for _, p := range parts {
		switch p.Kind {
		case stream.PartText:
			a2aParts = append(a2aParts, a2a.TextPart(p.Text))
		case stream.PartData:
			a2aParts = append(a2aParts, a2a.DataPart(p.Data))
		}
	}
	if len(a2aParts) > 0 {
		task.Artifacts = []a2a.Artifact{{
			ArtifactID: "response-" + taskID,
			Name:       "response",
			Parts:      a2aParts,
		}}
	}
	return task
}

func failedTask(taskID, contextID string, err error) *a2a.Task {
	return &a2a.Task{
		ID:        taskID,
		ContextID: contextID,
		Kind:      "task",
		Status: a2a.TaskStatus{
			State: a2a.TaskStateFailed,
			Message: &a2a.Message{
				MessageID: uuid.NewString(),
				Role:      "agent",
				Parts:     []a2a.Part{a2a.TextPart(err.Error())},
			},
			Timestamp: time.Now().UTC(),
		},
	}
}

func taskState(status string) a2a.TaskState {
	switch status {
	case store.TaskStatusCompleted:
		return a2a.TaskStateCompleted
	case store.TaskStatusFailed:
		return a2a.TaskStateFailed
	case store.TaskStatusCanceled:
		return a2a.TaskStateCanceled
	default:
		return a2a.TaskStateWorking
	}
}

func metadataString(m map[string]any, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	s, ok := m[key].(string)
	return s, ok
}
