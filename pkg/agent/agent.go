// Package agent runs one sub-agent turn: a tool-using planning phase followed,
// when data components are configured, by a structured-output phase. Text and
// data parts stream to the caller in source order.
package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/inkeep/agents-runtime/pkg/a2a"
	"github.com/inkeep/agents-runtime/pkg/artifact"
	"github.com/inkeep/agents-runtime/pkg/auth"
	"github.com/inkeep/agents-runtime/pkg/contextcfg"
	"github.com/inkeep/agents-runtime/pkg/credential"
	"github.com/inkeep/agents-runtime/pkg/model"
	"github.com/inkeep/agents-runtime/pkg/model/registry"
	"github.com/inkeep/agents-runtime/pkg/runtimeerr"
	"github.com/inkeep/agents-runtime/pkg/session"
	"github.com/inkeep/agents-runtime/pkg/store"
	"github.com/inkeep/agents-runtime/pkg/stream"
	"github.com/inkeep/agents-runtime/pkg/tool"
	"github.com/inkeep/agents-runtime/pkg/tool/agenttool"
	"github.com/inkeep/agents-runtime/pkg/tool/builtin"
	"github.com/inkeep/agents-runtime/pkg/tool/functiontool"
	"github.com/inkeep/agents-runtime/pkg/tool/mcptoolset"
	"github.com/inkeep/agents-runtime/pkg/toolsession"
)

const (
	defaultMaxSteps = 20

	defaultStreamingTimeout    = 120 * time.Second
	defaultNonStreamingTimeout = 300 * time.Second
	defaultStructuredTimeout   = 120 * time.Second
	maxGenerationTimeout       = 600 * time.Second
)

// EmitFunc receives ordered output parts as they become safe to send.
type EmitFunc func(part stream.Part)

// Invocation is one turn of work for one sub-agent.
type Invocation struct {
	Scope          store.Scope
	ConversationID string
	TaskID         string
	SubAgentID     string
	Message        string
	Headers        map[string]string
	IsDelegation   bool

	// StreamRequestID identifies the originating stream request. Delegation
	// hops inherit it so the whole chain shares one tool session.
	StreamRequestID string

	Emit EmitFunc

	// EmitStatus receives model-authored status updates.
	EmitStatus func(kind string, data map[string]any)
}

// Output is the aggregated result of a turn. Transfer is set when the
// planning phase handed the conversation to another sub-agent; no parts are
// produced in that case.
type Output struct {
	Parts    []stream.Part
	Transfer *a2a.TransferInfo
	Usage    model.Usage
}

// Engine wires the repositories, model registry, and tool infrastructure
// shared across turns.
type Engine struct {
	repo      store.Repository
	models    *registry.Registry
	contexts  *contextcfg.Resolver
	creds     *credential.Resolver
	signer    *auth.Signer
	pool      *mcptoolset.Pool
	functions functiontool.Executor
	sessions  *toolsession.Manager
	localURL  string
	logger    *slog.Logger
}

type EngineConfig struct {
	Repo      store.Repository
	Models    *registry.Registry
	Contexts  *contextcfg.Resolver
	Creds     *credential.Resolver
	Signer    *auth.Signer
	Pool      *mcptoolset.Pool
	Functions functiontool.Executor
	Sessions  *toolsession.Manager

	// LocalBaseURL is the A2A endpoint internal delegations loop back to.
	LocalBaseURL string
}

func NewEngine(cfg EngineConfig) *Engine {
	sessions := cfg.Sessions
	if sessions == nil {
		sessions = toolsession.Default()
	}
	return &Engine{
		repo:      cfg.Repo,
		models:    cfg.Models,
		contexts:  cfg.Contexts,
		creds:     cfg.Creds,
		signer:    cfg.Signer,
		pool:      cfg.Pool,
		functions: cfg.Functions,
		sessions:  sessions,
		localURL:  cfg.LocalBaseURL,
		logger:    slog.Default().With("component", "agent"),
	}
}

// Run executes one turn for the invocation's sub-agent.
func (e *Engine) Run(ctx context.Context, inv Invocation) (*Output, error) {
	subAgent, err := e.repo.GetSubAgent(ctx, inv.Scope, inv.SubAgentID)
	if err != nil {
		return nil, err
	}
	if subAgent == nil {
		return nil, runtimeerr.Newf(runtimeerr.KindNotFound, "sub-agent %q not found", inv.SubAgentID)
	}
	agentDef, err := e.repo.GetAgentWithSubAgents(ctx, inv.Scope)
	if err != nil {
		return nil, err
	}

	models, err := e.resolveModels(agentDef, subAgent)
	if err != nil {
		return nil, err
	}

	resolvedContext, err := e.resolveContext(ctx, inv, subAgent)
	if err != nil {
		return nil, err
	}

	if inv.StreamRequestID == "" {
		inv.StreamRequestID = inv.TaskID
	}
	e.sessions.Ensure(inv.StreamRequestID, inv.Scope.TenantID, inv.Scope.ProjectID, inv.ConversationID, inv.TaskID)
	sess := e.newSession(ctx, inv, subAgent, models)
	defer sess.End(e.sessions)

	extractor, enricher := e.newExtractor(inv, subAgent, sess, models)

	tools, err := e.buildTools(ctx, inv, subAgent, sess, extractor, resolvedContext)
	if err != nil {
		return nil, err
	}

	history, err := e.assembleHistory(ctx, inv, subAgent)
	if err != nil {
		return nil, err
	}

	turn := &turnState{
		inv:       inv,
		subAgent:  subAgent,
		models:    models,
		tools:     tools,
		history:   history,
		sess:      sess,
		extractor: extractor,
		enricher:  enricher,
		context:   resolvedContext,
	}

	plan, err := e.runPlanningPhase(ctx, turn)
	if err != nil {
		return nil, err
	}
	if plan.transfer != nil {
		return &Output{Transfer: plan.transfer, Usage: plan.usage}, nil
	}

	out := &Output{Parts: plan.parts, Usage: plan.usage}
	if len(subAgent.DataComponents) > 0 {
		parts, usage, err := e.runStructuredPhase(ctx, turn, plan)
		if err != nil {
			return nil, err
		}
		out.Parts = append(out.Parts, parts...)
		out.Usage.InputTokens += usage.InputTokens
		out.Usage.OutputTokens += usage.OutputTokens
	}
	return out, nil
}

// turnState carries everything a single turn's phases share.
type turnState struct {
	inv       Invocation
	subAgent  *store.SubAgent
	models    resolvedModels
	tools     tool.Set
	history   string
	sess      *session.Session
	extractor *artifact.Extractor
	enricher  *artifact.Enricher
	context   map[string]any
}

type resolvedModels struct {
	base       store.ModelSettings
	structured store.ModelSettings
	summarizer store.ModelSettings
}

// resolveModels applies sub-agent then agent inheritance per role. The
// structured-output and summarizer roles fall back to the base model.
func (e *Engine) resolveModels(agentDef *store.Agent, sub *store.SubAgent) (resolvedModels, error) {
	pick := func(a, b *store.ModelSettings) *store.ModelSettings {
		if a != nil {
			return a
		}
		return b
	}

	var agentModels store.SubAgentModels
	if agentDef != nil {
		agentModels = agentDef.Models
	}

	base := pick(sub.Models.Base, agentModels.Base)
	if base == nil {
		return resolvedModels{}, runtimeerr.Newf(runtimeerr.KindBadRequest,
			"sub-agent %q has no base model configured", sub.ID)
	}

	out := resolvedModels{base: *base}
	if s := pick(sub.Models.StructuredOutput, agentModels.StructuredOutput); s != nil {
		out.structured = *s
	} else {
		out.structured = *base
	}
	if s := pick(sub.Models.Summarizer, agentModels.Summarizer); s != nil {
		out.summarizer = *s
	} else {
		out.summarizer = *base
	}
	return out, nil
}

func (e *Engine) resolveContext(ctx context.Context, inv Invocation, sub *store.SubAgent) (map[string]any, error) {
	var cfg *store.ContextConfig
	if sub.ContextConfigID != "" {
		var err error
		cfg, err = e.repo.GetContextConfigByID(ctx, inv.Scope, sub.ContextConfigID)
		if err != nil {
			return nil, err
		}
	}
	return e.contexts.Resolve(ctx, inv.Scope, cfg, contextcfg.Request{
		ConversationID: inv.ConversationID,
		Headers:        inv.Headers,
	})
}

func (e *Engine) newSession(ctx context.Context, inv Invocation, sub *store.SubAgent, models resolvedModels) *session.Session {
	cfg := session.Config{
		ID:             inv.StreamRequestID,
		Scope:          inv.Scope,
		ConversationID: inv.ConversationID,
		TaskID:         inv.TaskID,
	}
	if sub.StatusUpdates != nil && !inv.IsDelegation {
		if summarizer, err := e.models.Get(models.summarizer); err == nil {
			cfg.Settings = sub.StatusUpdates
			cfg.Generator = session.NewModelSummaryGenerator(summarizer, e.repo)
			cfg.Emit = inv.EmitStatus
		} else {
			e.logger.Warn("status updates disabled, summarizer unavailable",
				"sub_agent_id", sub.ID, "error", err)
		}
	}
	return session.New(ctx, cfg)
}

func (e *Engine) newExtractor(inv Invocation, sub *store.SubAgent, sess *session.Session, models resolvedModels) (*artifact.Extractor, *artifact.Enricher) {
	var enricher *artifact.Enricher
	if summarizer, err := e.models.Get(models.summarizer); err == nil {
		enricher = artifact.NewEnricher(e.repo, summarizer)
	} else {
		enricher = artifact.NewEnricher(e.repo, nil)
	}

	extractor := artifact.NewExtractor(e.sessions, inv.StreamRequestID, inv.TaskID, sub.ArtifactComponents,
		func(art *store.Artifact) {
			sess.RecordEvent(session.EventArtifactSaved, inv.SubAgentID, map[string]any{
				"artifactId": art.ArtifactID,
				"type":       art.Type,
			})
			toolContext := e.toolContextFor(inv.StreamRequestID, art)
			sess.Go(func() {
				enricher.Enrich(context.Background(), inv.Scope, art, toolContext)
			})
		})
	return extractor, enricher
}

func (e *Engine) toolContextFor(sessionID string, art *store.Artifact) string {
	result, ok := e.sessions.GetResult(sessionID, art.Metadata.ToolCallID)
	if !ok {
		return ""
	}
	return result.ToolName
}

func (e *Engine) buildTools(ctx context.Context, inv Invocation, sub *store.SubAgent, sess *session.Session, extractor *artifact.Extractor, resolvedContext map[string]any) (tool.Set, error) {
	var sources []tool.Source

	withHints := len(sub.ArtifactComponents) > 0

	toolConfigs, err := e.repo.GetToolsForSubAgent(ctx, inv.Scope, sub.ID)
	if err != nil {
		return nil, err
	}
	for _, cfg := range toolConfigs {
		headers := make(map[string]string, len(cfg.Headers))
		for k, v := range cfg.Headers {
			headers[k] = contextcfg.Render(v, resolvedContext)
		}
		if cfg.CredentialRef != "" && e.creds != nil {
			resolved, err := e.creds.ResolveHeaders(ctx, inv.Scope, cfg.CredentialRef, resolvedContext)
			if err != nil {
				return nil, err
			}
			for k, v := range resolved {
				headers[k] = v
			}
		}
		sources = append(sources, mcptoolset.NewSource(e.pool, inv.Scope, cfg, headers, withHints))
	}

	functionTools, err := e.repo.GetFunctionToolsForSubAgent(ctx, inv.Scope, sub.ID)
	if err != nil {
		return nil, err
	}
	if len(functionTools) > 0 {
		sources = append(sources, functiontool.NewSource(e.repo, inv.Scope, functionTools, e.functions))
	}

	relations, err := e.repo.GetRelatedAgents(ctx, inv.Scope, sub.ID)
	if err != nil {
		return nil, err
	}
	if relations != nil {
		sources = append(sources, agenttool.NewSource(agenttool.Config{
			Scope:           inv.Scope,
			FromSubAgentID:  sub.ID,
			ContextID:       inv.ConversationID,
			TaskID:          inv.TaskID,
			Relations:       relations,
			Signer:          e.signer,
			Credentials:     e.creds,
			ResolvedContext: resolvedContext,
			LocalBaseURL:    e.localURL,
			Session:         sess,
			Repo:            e.repo,
			StreamRequestID: inv.StreamRequestID,
		}))
	}

	var builtins []*tool.Descriptor
	if len(sub.DataComponents) > 0 {
		builtins = append(builtins, builtin.ThinkingComplete())
	}
	if withHints {
		builtins = append(builtins, builtin.GetReferenceArtifact(e.repo, inv.Scope, inv.TaskID, inv.ConversationID, extractor))
	}
	if len(builtins) > 0 {
		sources = append(sources, staticSource(builtins))
	}

	set, err := tool.Build(ctx, sources...)
	if err != nil {
		return nil, err
	}
	return tool.Wrap(set, sess, e.sessions, sub.ID), nil
}

type staticSource []*tool.Descriptor

func (s staticSource) Tools(_ context.Context) ([]*tool.Descriptor, error) { return s, nil }

// phaseTimeout clamps the configured duration to the generation cap.
func phaseTimeout(settings store.ModelSettings, fallback time.Duration) time.Duration {
	d := fallback
	if settings.MaxDuration > 0 {
		d = time.Duration(settings.MaxDuration) * time.Second
	}
	if d > maxGenerationTimeout {
		d = maxGenerationTimeout
	}
	return d
}
