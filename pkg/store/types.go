// Package store defines the persistent data model and the Repository
// interface the execution core reads and writes through. The on-disk format
// is opaque to the core; implementations include an in-memory store and a
// Postgres store.
package store

import "time"

// Scope identifies the tenancy of every repository operation.
type Scope struct {
	TenantID  string
	ProjectID string
	AgentID   string
}

// Conversation has exactly one active sub-agent at any time; transitions
// happen via Transfer. Created by the first user message, never destroyed.
type Conversation struct {
	ID               string
	TenantID         string
	ProjectID        string
	ActiveSubAgentID string
	CreatedAt        time.Time
}

// Message roles.
const (
	MessageRoleUser      = "user"
	MessageRoleAgent     = "agent"
	MessageRoleAssistant = "assistant"
	MessageRoleSystem    = "system"
)

// Message types.
const (
	MessageTypeChat        = "chat"
	MessageTypeA2ARequest  = "a2a-request"
	MessageTypeA2AResponse = "a2a-response"
	MessageTypeToolResult  = "tool-result"
	MessageTypeSystem      = "system"
)

// Message visibility.
const (
	VisibilityUserFacing = "user-facing"
	VisibilityInternal   = "internal"
	VisibilityExternal   = "external"
)

// MessageContent is the payload of a message.
type MessageContent struct {
	Text string `json:"text"`
}

// Message is an append-only conversation record. Only
// visibility=user-facing chat messages are shown to end users.
type Message struct {
	ID                  string
	ConversationID      string
	Role                string
	MessageType         string
	Visibility          string
	Content             MessageContent
	FromSubAgentID      string
	ToSubAgentID        string
	FromExternalAgentID string
	ToExternalAgentID   string
	TaskID              string
	A2ATaskID           string
	Metadata            map[string]any
	CreatedAt           time.Time
}

// Task statuses.
const (
	TaskStatusWorking   = "working"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
	TaskStatusCanceled  = "canceled"
)

// Task records one top-level user turn. Delegation spawns child tasks with
// distinct ids sharing the conversation.
type Task struct {
	ID             string
	ConversationID string
	SubAgentID     string
	Status         string
	Metadata       map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Artifact is a structured payload derived from a tool result, keyed by
// (taskID, artifactID) with toolCallID recorded for dedup.
type Artifact struct {
	ArtifactID  string
	TaskID      string
	Name        string
	Description string
	Type        string
	Summary     map[string]any
	Full        map[string]any
	Metadata    ArtifactMetadata
	CreatedAt   time.Time
}

// ArtifactMetadata records the provenance of an artifact.
type ArtifactMetadata struct {
	ToolCallID   string `json:"toolCallId"`
	ArtifactType string `json:"artifactType,omitempty"`
	BaseSelector string `json:"baseSelector,omitempty"`
}

// ModelSettings names the model and generation parameters for one role.
type ModelSettings struct {
	Model       string         `json:"model"`
	Provider    string         `json:"provider,omitempty"`
	MaxDuration int            `json:"maxDuration,omitempty"` // seconds
	Options     map[string]any `json:"options,omitempty"`
}

// SubAgentModels resolve per role with sub-agent → agent → project
// inheritance.
type SubAgentModels struct {
	Base             *ModelSettings `json:"base,omitempty"`
	StructuredOutput *ModelSettings `json:"structuredOutput,omitempty"`
	Summarizer       *ModelSettings `json:"summarizer,omitempty"`
}

// StopWhen bounds the planning loop.
type StopWhen struct {
	StepCountIs int `json:"stepCountIs,omitempty"`
}

// History modes.
const (
	HistoryModeFull   = "full"
	HistoryModeScoped = "scoped"
	HistoryModeNone   = "none"
)

// ConversationHistoryConfig controls how prior messages are assembled.
type ConversationHistoryConfig struct {
	Mode            string   `json:"mode"`
	Limit           int      `json:"limit,omitempty"`
	IncludeInternal bool     `json:"includeInternal,omitempty"`
	MessageTypes    []string `json:"messageTypes,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

// DataComponent declares a structured response fragment the model emits in
// the structured-output phase.
type DataComponent struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Props       map[string]any `json:"props"` // JSON-Schema shape
}

// ArtifactComponent declares artifact summary/full projections plus the
// creation directive schema.
type ArtifactComponent struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	SummaryProps map[string]any `json:"summaryProps"`
	FullProps    map[string]any `json:"fullProps"`
}

// StatusComponent declares one branch of the status-update union.
type StatusComponent struct {
	Type          string         `json:"type"`
	Description   string         `json:"description,omitempty"`
	DetailsSchema map[string]any `json:"detailsSchema,omitempty"`
}

// StatusUpdateSettings throttles model-authored progress messages.
type StatusUpdateSettings struct {
	NumEvents        int               `json:"numEvents,omitempty"`
	TimeInSeconds    int               `json:"timeInSeconds,omitempty"`
	Prompt           string            `json:"prompt,omitempty"`
	StatusComponents []StatusComponent `json:"statusComponents,omitempty"`
}

// SubAgent is a node in the agent graph with its own prompt, tools, and
// relations.
type SubAgent struct {
	ID                 string
	AgentID            string
	Name               string
	Description        string
	Prompt             string
	Models             SubAgentModels
	StopWhen           StopWhen
	HistoryConfig      ConversationHistoryConfig
	ContextConfigID    string
	DataComponents     []DataComponent
	ArtifactComponents []ArtifactComponent
	StatusUpdates      *StatusUpdateSettings
}

// Relation types between sub-agents.
const (
	RelationInternal = "internal"
	RelationExternal = "external"
	RelationTeam     = "team"
)

// RelatedAgent describes one transfer or delegate target.
type RelatedAgent struct {
	SubAgentID    string
	Name          string
	Description   string
	RelationType  string // internal | external | team
	URL           string // external/team endpoint
	CredentialRef string
	Headers       map[string]string // templated team headers
	CanTransfer   bool
	CanDelegate   bool
}

// RelatedAgents groups relation targets by locality.
type RelatedAgents struct {
	Internal []RelatedAgent
	External []RelatedAgent
}

// Agent is the top-level agent definition owning the sub-agent graph.
type Agent struct {
	ID                string
	Name              string
	Description       string
	DefaultSubAgentID string
	Models            SubAgentModels
	SubAgents         []SubAgent
}

// ToolConfig configures one remote (MCP) tool server.
type ToolConfig struct {
	ID            string
	Name          string
	ServerURL     string
	Transport     string // streamable-http | stdio
	Command       string
	Args          []string
	CredentialRef string
	Headers       map[string]string
	ActiveTools   []string // empty means all
}

// FunctionTool is a sandboxed user function exposed as a tool.
type FunctionTool struct {
	ID          string
	FunctionID  string
	Name        string
	Description string
	InputSchema map[string]any
}

// Function is the executable body of a function tool.
type Function struct {
	ID        string
	Runtime   string // e.g. "node22", "python313"
	Code      string
	Deps      map[string]string
	TimeoutMs int
	VCPUs     int
}

// CredentialReference names a credential stored out of band.
type CredentialReference struct {
	ID              string
	Type            string
	CredentialStore string
	RetrievalParams map[string]any
}

// ContextDefinition kinds.
const (
	ContextDefConstant   = "constant"
	ContextDefHeader     = "header"
	ContextDefCredential = "credential"
	ContextDefTemplate   = "template"
)

// ContextDefinition is one named node of a context config DAG.
type ContextDefinition struct {
	Key           string         `json:"key"`
	Kind          string         `json:"kind"`
	Value         any            `json:"value,omitempty"`    // constant
	Header        string         `json:"header,omitempty"`   // header extract
	CredentialRef string         `json:"credentialRef,omitempty"`
	Template      string         `json:"template,omitempty"` // templated derivation
}

// ContextConfig is a declarative context evaluated per conversation.
type ContextConfig struct {
	ID          string
	Trigger     string // invocation | headers_changed
	Definitions []ContextDefinition
}

// HistoryOptions filter a conversation history read.
type HistoryOptions struct {
	Limit           int
	IncludeInternal bool
	MessageTypes    []string
}
