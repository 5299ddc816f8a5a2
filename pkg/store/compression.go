package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"golang.org/x/sync/singleflight"
)

// Compression environment knobs.
const (
	EnvCompressionHardLimit    = "AGENTS_COMPRESSION_HARD_LIMIT"
	EnvCompressionSafetyBuffer = "AGENTS_COMPRESSION_SAFETY_BUFFER"
	EnvCompressionEnabled      = "AGENTS_COMPRESSION_ENABLED"

	defaultCompressionHardLimit    = 120000
	defaultCompressionSafetyBuffer = 20000
	defaultCompressionEncoding     = "cl100k_base"

	// Per-message framing overhead, following the OpenAI counting format.
	tokensPerMessage = 3
)

// CompressionConfig bounds how much conversation history is replayed to the
// model before aging messages get elided.
type CompressionConfig struct {
	// HardLimit is the token count past which history is compressed.
	HardLimit int
	// SafetyBuffer is subtracted from HardLimit to pick the post-compression
	// target, so a compressed conversation has headroom before the next pass.
	SafetyBuffer int
	Enabled      bool
	// Encoding names the tiktoken encoding used for counting.
	Encoding string
}

// CompressionFromEnv reads the AGENTS_COMPRESSION_* variables, falling back
// to the documented defaults for unset or malformed values.
func CompressionFromEnv() CompressionConfig {
	cfg := CompressionConfig{
		HardLimit:    defaultCompressionHardLimit,
		SafetyBuffer: defaultCompressionSafetyBuffer,
		Enabled:      true,
		Encoding:     defaultCompressionEncoding,
	}
	if raw := os.Getenv(EnvCompressionHardLimit); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			cfg.HardLimit = v
		}
	}
	if raw := os.Getenv(EnvCompressionSafetyBuffer); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			cfg.SafetyBuffer = v
		}
	}
	if raw := os.Getenv(EnvCompressionEnabled); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Enabled = v
		}
	}
	return cfg
}

// SummarizeFunc condenses an elided transcript into a short summary. When nil
// the compressor falls back to a mechanical elision marker.
type SummarizeFunc func(ctx context.Context, transcript string) (string, error)

// Compressor wraps a Repository and elides aging messages from
// GetConversationHistory reads once a conversation outgrows the token
// budget. Messages themselves are append-only and never rewritten; the
// compression is applied to the returned slice, with summaries cached per
// conversation. Concurrent generations over the same conversation share one
// summarization via singleflight.
type Compressor struct {
	Repository

	cfg       CompressionConfig
	summarize SummarizeFunc
	logger    *slog.Logger

	group singleflight.Group

	mu    sync.Mutex
	cache map[string]compressedSpan

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// compressedSpan remembers the summary for the oldest covered messages so a
// stable prefix is not re-summarized on every read.
type compressedSpan struct {
	covered int
	summary string
}

// NewCompressor wraps repo with read-side history compression.
func NewCompressor(repo Repository, cfg CompressionConfig, summarize SummarizeFunc, logger *slog.Logger) *Compressor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compressor{
		Repository: repo,
		cfg:        cfg,
		summarize:  summarize,
		logger:     logger,
		cache:      make(map[string]compressedSpan),
	}
}

// GetConversationHistory reads through to the wrapped repository and, when
// the conversation exceeds the hard limit, replaces the oldest span with a
// single system message carrying its summary.
func (c *Compressor) GetConversationHistory(ctx context.Context, scope Scope, conversationID string, opts HistoryOptions) ([]Message, error) {
	msgs, err := c.Repository.GetConversationHistory(ctx, scope, conversationID, opts)
	if err != nil || !c.cfg.Enabled || len(msgs) < 2 {
		return msgs, err
	}

	total := 0
	for i := range msgs {
		total += c.countMessage(&msgs[i])
	}
	if total <= c.cfg.HardLimit {
		return msgs, nil
	}

	target := c.cfg.HardLimit - c.cfg.SafetyBuffer
	if target < 0 {
		target = 0
	}

	// Drop from the oldest end until the remainder fits the target. The most
	// recent message always survives.
	cut := 0
	remaining := total
	for cut < len(msgs)-1 && remaining > target {
		remaining -= c.countMessage(&msgs[cut])
		cut++
	}

	summary := c.summaryFor(ctx, scope, conversationID, msgs[:cut])
	c.logger.Info("conversation history compressed",
		"conversation_id", conversationID,
		"elided_messages", cut,
		"total_tokens", total)

	elided := Message{
		ConversationID: conversationID,
		Role:           MessageRoleSystem,
		MessageType:    MessageTypeSystem,
		Visibility:     VisibilityInternal,
		Content:        MessageContent{Text: summary},
	}
	out := make([]Message, 0, len(msgs)-cut+1)
	out = append(out, elided)
	out = append(out, msgs[cut:]...)
	return out, nil
}

// summaryFor returns the cached summary when the covered prefix has not
// grown, otherwise computes one, deduplicating concurrent callers.
func (c *Compressor) summaryFor(ctx context.Context, scope Scope, conversationID string, span []Message) string {
	key := scope.TenantID + "/" + scope.ProjectID + "/" + conversationID

	c.mu.Lock()
	cached, ok := c.cache[key]
	c.mu.Unlock()
	if ok && cached.covered == len(span) {
		return cached.summary
	}

	v, _, _ := c.group.Do(key, func() (any, error) {
		summary := c.buildSummary(ctx, conversationID, span)
		c.mu.Lock()
		c.cache[key] = compressedSpan{covered: len(span), summary: summary}
		c.mu.Unlock()
		return summary, nil
	})
	return v.(string)
}

func (c *Compressor) buildSummary(ctx context.Context, conversationID string, span []Message) string {
	marker := fmt.Sprintf("[%d earlier messages elided]", len(span))
	if c.summarize == nil {
		return marker
	}

	var b strings.Builder
	for i := range span {
		fmt.Fprintf(&b, "%s: %s\n", span[i].Role, span[i].Content.Text)
	}
	summary, err := c.summarize(ctx, b.String())
	if err != nil || summary == "" {
		c.logger.Warn("history summarization failed, using elision marker",
			"conversation_id", conversationID, "error", err)
		return marker
	}
	return marker + " Summary: " + summary
}

func (c *Compressor) countMessage(m *Message) int {
	enc := c.encoding()
	if enc == nil {
		return tokensPerMessage + len(m.Content.Text)/4
	}
	return tokensPerMessage +
		len(enc.Encode(m.Role, nil, nil)) +
		len(enc.Encode(m.Content.Text, nil, nil))
}

func (c *Compressor) encoding() *tiktoken.Tiktoken {
	c.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(c.cfg.Encoding)
		if err != nil {
			c.logger.Warn("tiktoken encoding unavailable, estimating tokens",
				"encoding", c.cfg.Encoding, "error", err)
			return
		}
		c.enc = enc
	})
	return c.enc
}
