package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Repository. Used by tests and as the default
// backing store when no database is configured.
type MemoryStore struct {
	mu sync.RWMutex

	agents        map[string]*Agent               // agentID
	subAgents     map[string]*SubAgent            // subAgentID
	relations     map[string]*RelatedAgents       // subAgentID
	toolConfigs   map[string][]ToolConfig         // subAgentID
	functionTools map[string][]FunctionTool       // subAgentID
	functions     map[string]*Function            // functionID
	credentials   map[string]*CredentialReference // refID
	contextCfgs   map[string]*ContextConfig       // configID
	conversations map[string]*Conversation        // conversationID
	messages      map[string][]Message            // conversationID, append order
	tasks         map[string]*Task                // taskID
	artifacts     map[string]map[string]*Artifact // taskID -> artifactID+toolCallID
}

// NewMemoryStore creates an empty in-memory repository.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:        make(map[string]*Agent),
		subAgents:     make(map[string]*SubAgent),
		relations:     make(map[string]*RelatedAgents),
		toolConfigs:   make(map[string][]ToolConfig),
		functionTools: make(map[string][]FunctionTool),
		functions:     make(map[string]*Function),
		credentials:   make(map[string]*CredentialReference),
		contextCfgs:   make(map[string]*ContextConfig),
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]Message),
		tasks:         make(map[string]*Task),
		artifacts:     make(map[string]map[string]*Artifact),
	}
}

// Seed helpers used by fixtures and the zero-config server.

func (s *MemoryStore) PutAgent(agent *Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.ID] = agent
	for i := range agent.SubAgents {
		sub := agent.SubAgents[i]
		s.subAgents[sub.ID] = &sub
	}
}

func (s *MemoryStore) PutSubAgent(sub *SubAgent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subAgents[sub.ID] = sub
}

func (s *MemoryStore) PutRelatedAgents(subAgentID string, rel *RelatedAgents) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relations[subAgentID] = rel
}

func (s *MemoryStore) PutToolConfigs(subAgentID string, cfgs []ToolConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolConfigs[subAgentID] = cfgs
}

func (s *MemoryStore) PutFunctionTools(subAgentID string, tools []FunctionTool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.functionTools[subAgentID] = tools
}

func (s *MemoryStore) PutFunction(fn *Function) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.functions[fn.ID] = fn
}

func (s *MemoryStore) PutCredentialReference(ref *CredentialReference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[ref.ID] = ref
}

func (s *MemoryStore) PutContextConfig(cfg *ContextConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contextCfgs[cfg.ID] = cfg
}

// Repository implementation.

func (s *MemoryStore) GetSubAgent(ctx context.Context, scope Scope, subAgentID string) (*SubAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subAgents[subAgentID]
	if !ok {
		return nil, nil
	}
	cp := *sub
	return &cp, nil
}

func (s *MemoryStore) GetAgentWithSubAgents(ctx context.Context, scope Scope) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[scope.AgentID]
	if !ok {
		return nil, nil
	}
	cp := *agent
	return &cp, nil
}

func (s *MemoryStore) GetRelatedAgents(ctx context.Context, scope Scope, subAgentID string) (*RelatedAgents, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rel, ok := s.relations[subAgentID]
	if !ok {
		return &RelatedAgents{}, nil
	}
	cp := *rel
	return &cp, nil
}

func (s *MemoryStore) GetToolsForSubAgent(ctx context.Context, scope Scope, subAgentID string) ([]ToolConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ToolConfig(nil), s.toolConfigs[subAgentID]...), nil
}

func (s *MemoryStore) GetFunctionToolsForSubAgent(ctx context.Context, scope Scope, subAgentID string) ([]FunctionTool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]FunctionTool(nil), s.functionTools[subAgentID]...), nil
}

func (s *MemoryStore) GetFunction(ctx context.Context, scope Scope, functionID string) (*Function, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.functions[functionID]
	if !ok {
		return nil, nil
	}
	cp := *fn
	return &cp, nil
}

func (s *MemoryStore) GetCredentialReference(ctx context.Context, scope Scope, refID string) (*CredentialReference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.credentials[refID]
	if !ok {
		return nil, nil
	}
	cp := *ref
	return &cp, nil
}

func (s *MemoryStore) GetContextConfigByID(ctx context.Context, scope Scope, configID string) (*ContextConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.contextCfgs[configID]
	if !ok {
		return nil, nil
	}
	cp := *cfg
	return &cp, nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, scope Scope, conversationID string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	convo, ok := s.conversations[conversationID]
	if !ok {
		return nil, nil
	}
	cp := *convo
	return &cp, nil
}

func (s *MemoryStore) CreateConversation(ctx context.Context, scope Scope, conversation *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conversations[conversation.ID]; exists {
		return nil // idempotent by primary key
	}
	if conversation.CreatedAt.IsZero() {
		conversation.CreatedAt = time.Now().UTC()
	}
	cp := *conversation
	s.conversations[conversation.ID] = &cp
	return nil
}

func (s *MemoryStore) SetActiveSubAgentForConversation(ctx context.Context, scope Scope, conversationID, subAgentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	convo, ok := s.conversations[conversationID]
	if !ok {
		convo = &Conversation{
			ID:        conversationID,
			TenantID:  scope.TenantID,
			ProjectID: scope.ProjectID,
			CreatedAt: time.Now().UTC(),
		}
		s.conversations[conversationID] = convo
	}
	convo.ActiveSubAgentID = subAgentID
	return nil
}

func (s *MemoryStore) GetConversationHistory(ctx context.Context, scope Scope, conversationID string, opts HistoryOptions) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	typeFilter := map[string]bool{}
	for _, t := range opts.MessageTypes {
		typeFilter[t] = true
	}

	var out []Message
	for _, m := range s.messages[conversationID] {
		if len(typeFilter) > 0 && !typeFilter[m.MessageType] {
			continue
		}
		if !opts.IncludeInternal && m.Visibility == VisibilityInternal {
			continue
		}
		out = append(out, m)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[len(out)-opts.Limit:]
	}
	return out, nil
}

func (s *MemoryStore) CreateMessage(ctx context.Context, scope Scope, message *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	s.messages[message.ConversationID] = append(s.messages[message.ConversationID], *message)
	return nil
}

func (s *MemoryStore) CreateTask(ctx context.Context, scope Scope, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return nil
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, scope Scope, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tasks[task.ID]
	if !ok {
		cp := *task
		cp.UpdatedAt = time.Now().UTC()
		s.tasks[task.ID] = &cp
		return nil
	}
	existing.Status = task.Status
	if task.Metadata != nil {
		existing.Metadata = task.Metadata
	}
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, scope Scope, taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, nil
	}
	cp := *task
	return &cp, nil
}

func (s *MemoryStore) ListTaskIDsByContext(ctx context.Context, scope Scope, conversationID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, task := range s.tasks {
		if task.ConversationID == conversationID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) GetLedgerArtifacts(ctx context.Context, scope Scope, taskID string) ([]Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byKey := s.artifacts[taskID]
	var out []Artifact
	for _, a := range byKey {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArtifactID < out[j].ArtifactID })
	return out, nil
}

func (s *MemoryStore) UpsertArtifact(ctx context.Context, scope Scope, artifact *Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey := s.artifacts[artifact.TaskID]
	if byKey == nil {
		byKey = make(map[string]*Artifact)
		s.artifacts[artifact.TaskID] = byKey
	}
	// Rows are keyed by (artifactId, toolCallId): duplicate writes for the
	// same pair collapse to one row, distinct tool calls keep their own.
	key := artifact.ArtifactID + "\x00" + artifact.Metadata.ToolCallID
	if existing, ok := byKey[key]; ok {
		existing.Name = artifact.Name
		existing.Description = artifact.Description
		return nil
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	cp := *artifact
	byKey[key] = &cp
	return nil
}
