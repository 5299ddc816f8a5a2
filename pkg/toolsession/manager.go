// Package toolsession tracks tool results for the duration of a single turn
// so artifact directives can reference them by toolCallId.
package toolsession

import (
	"sync"
)

// Result is one recorded tool outcome.
type Result struct {
	ToolName string
	Args     map[string]any
	Output   any
}

// Session scopes recorded results to one turn.
type Session struct {
	ID        string
	TenantID  string
	ProjectID string
	ContextID string
	TaskID    string

	mu      sync.Mutex
	results map[string]Result
}

// RecordResult stores the result for toolCallID, overwriting any previous
// entry for the same id.
func (s *Session) RecordResult(toolCallID string, result Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[toolCallID] = result
}

// GetResult returns the recorded result for toolCallID.
func (s *Session) GetResult(toolCallID string) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[toolCallID]
	return r, ok
}

// Manager owns the live sessions for the process. Sessions are refcounted:
// every hop of a delegation chain shares one session keyed by the stream
// request, and the session lives until the last hop ends.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	refs     map[string]int
}

func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		refs:     make(map[string]int),
	}
}

var defaultManager = NewManager()

// Default returns the process-wide manager.
func Default() *Manager { return defaultManager }

// Ensure returns the session for sessionID, creating it when absent, and
// takes a reference the caller releases with End. Scope fields are set on
// creation only.
func (m *Manager) Ensure(sessionID, tenantID, projectID, contextID, taskID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[sessionID]++
	if s, ok := m.sessions[sessionID]; ok {
		return s
	}
	s := &Session{
		ID:        sessionID,
		TenantID:  tenantID,
		ProjectID: projectID,
		ContextID: contextID,
		TaskID:    taskID,
		results:   make(map[string]Result),
	}
	m.sessions[sessionID] = s
	return s
}

// Get returns the session for sessionID without creating one.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// RecordResult records a tool result on an existing session. Missing sessions
// are ignored since the turn already ended.
func (m *Manager) RecordResult(sessionID, toolCallID string, result Result) {
	if s, ok := m.Get(sessionID); ok {
		s.RecordResult(toolCallID, result)
	}
}

// GetResult looks up a recorded result across the session.
func (m *Manager) GetResult(sessionID, toolCallID string) (Result, bool) {
	s, ok := m.Get(sessionID)
	if !ok {
		return Result{}, false
	}
	return s.GetResult(toolCallID)
}

// End releases one reference and discards the session once no turn holds it.
func (m *Manager) End(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refs[sessionID] > 1 {
		m.refs[sessionID]--
		return
	}
	delete(m.refs, sessionID)
	delete(m.sessions, sessionID)
}
