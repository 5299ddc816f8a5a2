package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inkeep/agents-runtime/pkg/observability"
	"github.com/inkeep/agents-runtime/pkg/runtimeerr"
	"github.com/inkeep/agents-runtime/pkg/store"
)

// DispatchRequest is one protocol message handed to the runtime.
type DispatchRequest struct {
	Scope   store.Scope
	Params  MessageSendParams
	Headers map[string]string

	// Emit streams events to the caller; nil for blocking sends.
	Emit func(event string, data map[string]any)
}

// Dispatcher executes protocol methods against the runtime.
type Dispatcher interface {
	Handle(ctx context.Context, req DispatchRequest) (*Task, error)
	GetTask(ctx context.Context, scope store.Scope, taskID string) (*Task, error)
	CancelTask(ctx context.Context, scope store.Scope, taskID string) (*Task, error)
}

// TokenVerifier checks service tokens on delegation hops. The claims are not
// inspected here; a non-error result admits the hop.
type TokenVerifier interface {
	Verify(token string) error
}

// VerifierFunc adapts a claim-returning verifier to TokenVerifier.
type VerifierFunc func(token string) error

func (f VerifierFunc) Verify(token string) error { return f(token) }

// Server serves the A2A surface for one agent: the JSON-RPC endpoint, the
// discovery card, and metrics.
type Server struct {
	scope      store.Scope
	dispatcher Dispatcher
	card       AgentCard
	verifier   TokenVerifier
	repo       store.Repository
	logger     *slog.Logger
}

type ServerConfig struct {
	Scope      store.Scope
	Dispatcher Dispatcher
	Card       AgentCard
	Repo       store.Repository

	// Verifier rejects delegation messages whose service token does not
	// check out. Optional; end-user auth happens upstream.
	Verifier TokenVerifier
}

func NewServer(cfg ServerConfig) *Server {
	return &Server{
		scope:      cfg.Scope,
		dispatcher: cfg.Dispatcher,
		card:       cfg.Card,
		verifier:   cfg.Verifier,
		repo:       cfg.Repo,
		logger:     slog.Default().With("component", "a2a"),
	}
}

// Router builds the HTTP surface.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/.well-known/agent.json", s.handleCard)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/", s.handleRPC)
	return r
}

func (s *Server) handleCard(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.card)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, NewErrorResponse(nil, ErrCodeParse, "invalid JSON"))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeJSON(w, http.StatusOK, NewErrorResponse(req.ID, ErrCodeInvalidRequest, "invalid request"))
		return
	}

	observability.ObserveRPC(req.Method)

	switch req.Method {
	case "message/send":
		s.handleSend(w, r, req)
	case "message/stream":
		s.handleStream(w, r, req)
	case "tasks/get":
		s.handleGetTask(w, r, req)
	case "tasks/cancel":
		s.handleCancelTask(w, r, req)
	case "tasks/resubscribe":
		s.handleResubscribe(w, r, req)
	case "agent.invoke":
		s.handleInvoke(w, r, req)
	case "agent.getCapabilities":
		writeJSON(w, http.StatusOK, NewResponse(req.ID, s.card.Capabilities))
	case "agent.getStatus":
		s.handleStatus(w, r, req)
	default:
		writeJSON(w, http.StatusOK, NewErrorResponse(req.ID, ErrCodeMethodNotFound,
			fmt.Sprintf("method %q not found", req.Method)))
	}
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, req Request) {
	params, resp := s.decodeSendParams(r, req)
	if resp != nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	task, err := s.dispatcher.Handle(r.Context(), DispatchRequest{
		Scope:   s.scope,
		Params:  *params,
		Headers: flattenHeaders(r),
	})
	if err != nil {
		// A failed task envelope still reports the failure to the caller.
		if task != nil {
			writeJSON(w, http.StatusOK, NewResponse(req.ID, task))
			return
		}
		writeJSON(w, errorStatus(err), errorResponse(req.ID, err))
		return
	}
	writeJSON(w, http.StatusOK, NewResponse(req.ID, sendResult(*params, task)))
}

// sendResult picks the message/send result shape: blocking sends that
// completed with plain text collapse to a Message, everything else returns
// the task envelope.
func sendResult(params MessageSendParams, task *Task) any {
	blocking := params.Configuration == nil || params.Configuration.Blocking
	if !blocking || task == nil || task.Status.State != TaskStateCompleted {
		return task
	}
	var parts []Part
	for _, art := range task.Artifacts {
		for _, p := range art.Parts {
			if p.Kind != PartKindText {
				return task
			}
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return task
	}
	return &Message{
		MessageID: uuid.NewString(),
		ContextID: task.ContextID,
		TaskID:    task.ID,
		Role:      "agent",
		Parts:     parts,
		Kind:      KindMessage,
	}
}

// handleStream runs the turn while streaming frames over SSE, then sends the
// final task envelope.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, req Request) {
	params, resp := s.decodeSendParams(r, req)
	if resp != nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusOK, NewErrorResponse(req.ID, ErrCodeStreamingUnsupported,
			"streaming is not supported by this connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var mu sync.Mutex
	send := func(payload *Response) {
		data, err := json.Marshal(payload)
		if err != nil {
			s.logger.Error("sse frame marshal failed", "error", err)
			return
		}
		mu.Lock()
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
		mu.Unlock()
	}

	task, err := s.dispatcher.Handle(r.Context(), DispatchRequest{
		Scope:   s.scope,
		Params:  *params,
		Headers: flattenHeaders(r),
		Emit: func(event string, data map[string]any) {
			frame := map[string]any{"kind": event}
			for k, v := range data {
				frame[k] = v
			}
			send(NewResponse(req.ID, frame))
		},
	})
	if err != nil && task == nil {
		send(errorResponse(req.ID, err))
		return
	}
	send(NewResponse(req.ID, task))
}

func (s *Server) decodeSendParams(r *http.Request, req Request) (*MessageSendParams, *Response) {
	var params MessageSendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, NewErrorResponse(req.ID, ErrCodeInvalidRequest, "invalid message params")
	}
	if len(params.Message.Parts) == 0 {
		return nil, NewErrorResponse(req.ID, ErrCodeInvalidRequest, "message has no parts")
	}
	if resp := s.authorize(r, req, params.Message); resp != nil {
		return nil, resp
	}
	return &params, nil
}

// authorize verifies the service token on delegation hops.
func (s *Server) authorize(r *http.Request, req Request, msg Message) *Response {
	if s.verifier == nil || msg.Metadata == nil {
		return nil
	}
	delegation, _ := msg.Metadata["delegation"].(bool)
	if !delegation {
		delegation, _ = msg.Metadata["isDelegation"].(bool)
	}
	if !delegation {
		return nil
	}
	token := bearerToken(r)
	if token == "" {
		return NewErrorResponse(req.ID, ErrCodeInvalidRequest, "delegation requires a service token")
	}
	if err := s.verifier.Verify(token); err != nil {
		s.logger.Warn("delegation token rejected", "error", err)
		return NewErrorResponse(req.ID, ErrCodeInvalidRequest, "invalid service token")
	}
	return nil
}

// handleInvoke runs a raw task shell: the message wrapped with task-level
// routing hints (task id, conversation, metadata). The result is the final
// task envelope, same as a blocking send.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request, req Request) {
	var params InvokeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeJSON(w, http.StatusOK, NewErrorResponse(req.ID, ErrCodeInvalidRequest, "invalid invoke params"))
		return
	}

	msg := params.Message
	if msg.TaskID == "" {
		msg.TaskID = params.ID
	}
	if msg.ContextID == "" {
		msg.ContextID = params.Context.ConversationID
	}
	for k, v := range params.Metadata {
		if msg.Metadata == nil {
			msg.Metadata = make(map[string]any)
		}
		if _, ok := msg.Metadata[k]; !ok {
			msg.Metadata[k] = v
		}
	}
	if len(msg.Parts) == 0 {
		writeJSON(w, http.StatusOK, NewErrorResponse(req.ID, ErrCodeInvalidRequest, "task has no message parts"))
		return
	}
	if resp := s.authorize(r, req, msg); resp != nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	task, err := s.dispatcher.Handle(r.Context(), DispatchRequest{
		Scope:   s.scope,
		Params:  MessageSendParams{Message: msg},
		Headers: flattenHeaders(r),
	})
	if err != nil {
		if task != nil {
			writeJSON(w, http.StatusOK, NewResponse(req.ID, task))
			return
		}
		writeJSON(w, errorStatus(err), errorResponse(req.ID, err))
		return
	}
	writeJSON(w, http.StatusOK, NewResponse(req.ID, task))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request, req Request) {
	var params TaskQueryParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
		writeJSON(w, http.StatusOK, NewErrorResponse(req.ID, ErrCodeInvalidRequest, "invalid task params"))
		return
	}
	task, err := s.dispatcher.GetTask(r.Context(), s.scope, params.ID)
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse(req.ID, err))
		return
	}
	writeJSON(w, http.StatusOK, NewResponse(req.ID, task))
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request, req Request) {
	var params TaskQueryParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
		writeJSON(w, http.StatusOK, NewErrorResponse(req.ID, ErrCodeInvalidRequest, "invalid task params"))
		return
	}
	if _, err := s.dispatcher.CancelTask(r.Context(), s.scope, params.ID); err != nil {
		writeJSON(w, errorStatus(err), errorResponse(req.ID, err))
		return
	}
	writeJSON(w, http.StatusOK, NewResponse(req.ID, CancelResult{Success: true}))
}

// handleResubscribe returns the current task snapshot as a single SSE frame.
// Live re-attachment to an in-flight stream is not supported.
func (s *Server) handleResubscribe(w http.ResponseWriter, r *http.Request, req Request) {
	var params TaskResubscribeParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.TaskID == "" {
		writeJSON(w, http.StatusOK, NewErrorResponse(req.ID, ErrCodeInvalidRequest, "invalid resubscribe params"))
		return
	}

	task, err := s.dispatcher.GetTask(r.Context(), s.scope, params.TaskID)
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse(req.ID, err))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusOK, NewErrorResponse(req.ID, ErrCodeStreamingUnsupported,
			"streaming is not supported by this connection"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	data, err := json.Marshal(NewResponse(req.ID, task))
	if err != nil {
		s.logger.Error("sse frame marshal failed", "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, req Request) {
	result := StatusResult{Status: "ready"}
	if s.repo != nil {
		var params struct {
			ContextID string `json:"contextId"`
		}
		_ = json.Unmarshal(req.Params, &params)
		if params.ContextID != "" {
			conv, err := s.repo.GetConversation(r.Context(), s.scope, params.ContextID)
			if err == nil && conv != nil {
				result.SubAgentID = conv.ActiveSubAgentID
			}
		}
	}
	writeJSON(w, http.StatusOK, NewResponse(req.ID, result))
}

func errorResponse(id json.RawMessage, err error) *Response {
	code := ErrCodeInternal
	switch runtimeerr.KindOf(err) {
	case runtimeerr.KindBadRequest, runtimeerr.KindNotFound:
		code = ErrCodeInvalidRequest
	}
	return NewErrorResponse(id, code, err.Error())
}

// errorStatus maps runtime errors to the HTTP status of non-streaming error
// responses. Missing resources surface as 404 so HTTP-level callers see them.
func errorStatus(err error) int {
	if runtimeerr.KindOf(err) == runtimeerr.KindNotFound {
		return http.StatusNotFound
	}
	return http.StatusOK
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func flattenHeaders(r *http.Request) map[string]string {
	out := make(map[string]string, len(r.Header))
	for k := range r.Header {
		out[k] = r.Header.Get(k)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("response encode failed", "error", err)
	}
}
