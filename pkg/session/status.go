package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/inkeep/agents-runtime/pkg/store"
)

// maxPriorSummaries bounds the repetition-avoidance history fed back into
// the summarizer prompt.
const maxPriorSummaries = 10

// Summary is one emitted status update.
type Summary struct {
	Type    string
	Label   string
	Details map[string]any
}

// SummaryRequest carries the inputs for one status-update generation.
type SummaryRequest struct {
	Scope          store.Scope
	ConversationID string
	Events         []Event
	PriorSummaries []string
	Settings       store.StatusUpdateSettings
}

// SummaryGenerator produces status updates from recent session activity.
type SummaryGenerator interface {
	Generate(ctx context.Context, req SummaryRequest) ([]Summary, error)
}

type statusUpdater struct {
	session  *Session
	settings store.StatusUpdateSettings
	gen      SummaryGenerator
	emit     func(kind string, data map[string]any)

	flight singleflight.Group
	ctx    context.Context

	mu          sync.Mutex
	lastEmitted int // event count at last attempt
	offset      int // events already summarized
	summaries   []string
}

func newStatusUpdater(s *Session, settings store.StatusUpdateSettings, gen SummaryGenerator, emit func(string, map[string]any)) *statusUpdater {
	return &statusUpdater{
		session:  s,
		settings: settings,
		gen:      gen,
		emit:     emit,
	}
}

func (u *statusUpdater) start(ctx context.Context) {
	u.ctx = ctx
	if u.settings.TimeInSeconds <= 0 {
		return
	}
	interval := time.Duration(u.settings.TimeInSeconds) * time.Second
	u.session.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				u.schedule()
			}
		}
	})
}

func (u *statusUpdater) onEvent(count int) {
	if u.settings.NumEvents <= 0 {
		return
	}
	u.mu.Lock()
	due := count-u.lastEmitted >= u.settings.NumEvents
	u.mu.Unlock()
	if due {
		u.schedule()
	}
}

// schedule runs one generation attempt through the single-flight lock.
// Concurrent attempts coalesce and text streaming suppresses updates.
func (u *statusUpdater) schedule() {
	if u.session.isTextStreaming() {
		return
	}
	u.session.Go(func() {
		_, _, _ = u.flight.Do("update", func() (any, error) {
			u.generate()
			return nil, nil
		})
	})
}

func (u *statusUpdater) generate() {
	if u.ctx.Err() != nil || u.session.isTextStreaming() {
		return
	}

	u.mu.Lock()
	offset := u.offset
	prior := append([]string(nil), u.summaries...)
	u.mu.Unlock()

	events := u.session.Events(offset)
	if len(events) == 0 {
		return
	}

	summaries, err := u.gen.Generate(u.ctx, SummaryRequest{
		Scope:          u.session.Scope,
		ConversationID: u.session.ConversationID,
		Events:         events,
		PriorSummaries: prior,
		Settings:       u.settings,
	})
	if err != nil {
		u.session.logger.Warn("status update generation failed", "error", err)
		return
	}

	u.mu.Lock()
	u.offset = offset + len(events)
	u.lastEmitted = u.offset
	u.mu.Unlock()

	for _, summary := range summaries {
		if u.session.isTextStreaming() {
			return
		}
		if u.emit != nil {
			u.emit("summary", map[string]any{
				"type":    summary.Type,
				"label":   summary.Label,
				"details": summary.Details,
			})
		}
		u.remember(summary)
	}
}

func (u *statusUpdater) remember(summary Summary) {
	raw, err := json.Marshal(map[string]any{
		"type": summary.Type, "label": summary.Label, "details": summary.Details,
	})
	if err != nil {
		raw = []byte(fmt.Sprintf("%s: %s", summary.Type, summary.Label))
	}
	u.mu.Lock()
	u.summaries = append(u.summaries, string(raw))
	if len(u.summaries) > maxPriorSummaries {
		u.summaries = u.summaries[len(u.summaries)-maxPriorSummaries:]
	}
	u.mu.Unlock()
}
