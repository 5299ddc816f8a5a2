// Package session holds the per-turn event ledger and drives model-authored
// status updates while a turn is in flight.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/inkeep/agents-runtime/pkg/store"
	"github.com/inkeep/agents-runtime/pkg/toolsession"
)

// Event kinds recorded in the ledger.
const (
	EventAgentGenerate      = "agent_generate"
	EventAgentReasoning     = "agent_reasoning"
	EventTransfer           = "transfer"
	EventDelegationSent     = "delegation_sent"
	EventDelegationReturned = "delegation_returned"
	EventArtifactSaved      = "artifact_saved"
	EventToolCall           = "tool_call"
	EventToolResult         = "tool_result"
	EventError              = "error"
)

// Event is one ledger entry.
type Event struct {
	Kind       string
	SubAgentID string
	Data       map[string]any
	Timestamp  time.Time
}

// Session is the per-turn ledger plus the status-update machinery.
type Session struct {
	ID             string
	Scope          store.Scope
	ConversationID string
	TaskID         string

	updater *statusUpdater
	logger  *slog.Logger

	mu            sync.Mutex
	events        []Event
	textStreaming bool
	ended         bool

	background sync.WaitGroup
	cancel     context.CancelFunc
}

// Config wires a session's collaborators.
type Config struct {
	ID             string
	Scope          store.Scope
	ConversationID string
	TaskID         string

	// Status updates are disabled when Settings is nil.
	Settings  *store.StatusUpdateSettings
	Generator SummaryGenerator

	// Emit receives summary events for the client stream.
	Emit func(kind string, data map[string]any)
}

// New creates a session and starts the interval timer when status updates
// are configured.
func New(ctx context.Context, cfg Config) *Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:             cfg.ID,
		Scope:          cfg.Scope,
		ConversationID: cfg.ConversationID,
		TaskID:         cfg.TaskID,
		logger:         slog.Default().With("component", "session", "session_id", cfg.ID),
		cancel:         cancel,
	}
	if cfg.Settings != nil && cfg.Generator != nil {
		s.updater = newStatusUpdater(s, *cfg.Settings, cfg.Generator, cfg.Emit)
		s.updater.start(ctx)
	}
	return s
}

// RecordEvent appends to the ledger and may trigger a status update. Events
// recorded after the session ended are dropped.
func (s *Session) RecordEvent(kind, subAgentID string, data map[string]any) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		s.logger.Debug("dropping event after session end", "kind", kind)
		return
	}
	s.events = append(s.events, Event{
		Kind:       kind,
		SubAgentID: subAgentID,
		Data:       data,
		Timestamp:  time.Now(),
	})
	count := len(s.events)
	s.mu.Unlock()

	if s.updater != nil {
		s.updater.onEvent(count)
	}
}

// Events returns a snapshot of the ledger from offset onward.
func (s *Session) Events(offset int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset >= len(s.events) {
		return nil
	}
	out := make([]Event, len(s.events)-offset)
	copy(out, s.events[offset:])
	return out
}

// SetTextStreaming marks whether user-visible text is currently streaming.
// Status updates are suppressed while true.
func (s *Session) SetTextStreaming(streaming bool) {
	s.mu.Lock()
	s.textStreaming = streaming
	s.mu.Unlock()
}

func (s *Session) isTextStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.textStreaming
}

// Go schedules a background task tracked by the session.
func (s *Session) Go(fn func()) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		fn()
	}()
}

// End stops the timer, ends the tool session, and waits for background work.
func (s *Session) End(sessions *toolsession.Manager) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.mu.Unlock()

	s.cancel()
	if sessions != nil {
		sessions.End(s.ID)
	}
	s.background.Wait()
}
