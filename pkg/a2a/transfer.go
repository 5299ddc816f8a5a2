package a2a

import "time"

// TransferDataType marks a data part as a transfer envelope.
const TransferDataType = "transfer"

// TransferInfo is the payload of a transfer envelope: a completed Task whose
// first artifact carries a single data part of this shape. The caller is
// responsible for updating the conversation's active sub-agent and, if it
// chooses, re-dispatching the original message to the target.
type TransferInfo struct {
	TargetSubAgentID string `json:"target_subagent_id"`
	FromSubAgentID   string `json:"from_subagent_id,omitempty"`
	TaskID           string `json:"task_id"`
	Reason           string `json:"reason,omitempty"`
	OriginalMessage  string `json:"original_message,omitempty"`
}

// NewTransferTask wraps a transfer in the completed-Task envelope.
func NewTransferTask(taskID, contextID string, info TransferInfo) *Task {
	return &Task{
		ID:        taskID,
		ContextID: contextID,
		Kind:      "task",
		Status: TaskStatus{
			State:     TaskStateCompleted,
			Timestamp: time.Now().UTC(),
		},
		Artifacts: []Artifact{{
			ArtifactID: "transfer-" + taskID,
			Name:       "transfer",
			Parts: []Part{DataPart(map[string]any{
				"type":               TransferDataType,
				"target_subagent_id": info.TargetSubAgentID,
				"from_subagent_id":   info.FromSubAgentID,
				"task_id":            info.TaskID,
				"reason":             info.Reason,
				"original_message":   info.OriginalMessage,
			})},
		}},
	}
}

// TransferFromTask extracts the transfer payload from a task envelope.
// Returns false when the task is not a transfer.
func TransferFromTask(task *Task) (TransferInfo, bool) {
	if task == nil || len(task.Artifacts) == 0 || len(task.Artifacts[0].Parts) == 0 {
		return TransferInfo{}, false
	}
	part := task.Artifacts[0].Parts[0]
	if part.Kind != PartKindData || part.Data == nil {
		return TransferInfo{}, false
	}
	if t, _ := part.Data["type"].(string); t != TransferDataType {
		return TransferInfo{}, false
	}

	info := TransferInfo{}
	info.TargetSubAgentID, _ = part.Data["target_subagent_id"].(string)
	info.FromSubAgentID, _ = part.Data["from_subagent_id"].(string)
	info.TaskID, _ = part.Data["task_id"].(string)
	info.Reason, _ = part.Data["reason"].(string)
	info.OriginalMessage, _ = part.Data["original_message"].(string)
	return info, info.TargetSubAgentID != ""
}
