package store

import "context"

// Repository is the persistence boundary of the execution core.
//
// Contract: read operations return (nil, nil) for "not found"; writes are
// idempotent by primary key where applicable.
type Repository interface {
	// Agents.
	GetSubAgent(ctx context.Context, scope Scope, subAgentID string) (*SubAgent, error)
	GetAgentWithSubAgents(ctx context.Context, scope Scope) (*Agent, error)
	GetRelatedAgents(ctx context.Context, scope Scope, subAgentID string) (*RelatedAgents, error)

	// Tools.
	GetToolsForSubAgent(ctx context.Context, scope Scope, subAgentID string) ([]ToolConfig, error)
	GetFunctionToolsForSubAgent(ctx context.Context, scope Scope, subAgentID string) ([]FunctionTool, error)
	GetFunction(ctx context.Context, scope Scope, functionID string) (*Function, error)

	// Credentials and context.
	GetCredentialReference(ctx context.Context, scope Scope, refID string) (*CredentialReference, error)
	GetContextConfigByID(ctx context.Context, scope Scope, configID string) (*ContextConfig, error)

	// Conversations and messages.
	GetConversation(ctx context.Context, scope Scope, conversationID string) (*Conversation, error)
	CreateConversation(ctx context.Context, scope Scope, conversation *Conversation) error
	SetActiveSubAgentForConversation(ctx context.Context, scope Scope, conversationID, subAgentID string) error
	GetConversationHistory(ctx context.Context, scope Scope, conversationID string, opts HistoryOptions) ([]Message, error)
	CreateMessage(ctx context.Context, scope Scope, message *Message) error

	// Tasks.
	CreateTask(ctx context.Context, scope Scope, task *Task) error
	UpdateTask(ctx context.Context, scope Scope, task *Task) error
	GetTask(ctx context.Context, scope Scope, taskID string) (*Task, error)
	ListTaskIDsByContext(ctx context.Context, scope Scope, conversationID string) ([]string, error)

	// Artifacts.
	GetLedgerArtifacts(ctx context.Context, scope Scope, taskID string) ([]Artifact, error)
	UpsertArtifact(ctx context.Context, scope Scope, artifact *Artifact) error
}
