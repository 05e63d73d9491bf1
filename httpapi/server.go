// Package httpapi is the HTTP front end: a minimal, unhardened entry
// point (spec.md §1 Non-goals) that accepts OpenAI-compatible
// /v1/chat/completions and Anthropic-compatible /v1/messages requests,
// resolves a virtual model through the router, dispatches into the
// scheduler, and writes back the response headers spec.md §6 names.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/modelgw/gateway/core"
	"github.com/modelgw/gateway/pipeline"
	"github.com/modelgw/gateway/router"
	"github.com/modelgw/gateway/schedulererrors"
	"github.com/modelgw/gateway/telemetry"
)

// Response headers added by the scheduler (spec.md §6).
const (
	HeaderExecutionID      = "X-Execution-Id"
	HeaderVirtualModel     = "X-Virtual-Model"
	HeaderInstanceID       = "X-Instance-Id"
	HeaderRetryCount       = "X-Retry-Count"
	HeaderProcessingTimeMs = "X-Processing-Time-Ms"
)

// Scheduler is the subset of scheduler.Scheduler the HTTP front end
// calls, kept narrow so this package doesn't need to import scheduler
// just to be testable against a fake.
type Scheduler interface {
	Execute(ctx context.Context, vm pipeline.VirtualModelID, req *pipeline.Request) (*pipeline.Response, error)
}

// Server is the minimal HTTP front end. It owns no state of its own
// beyond its dependencies; CORS and structured request logging are
// layered on separately via core.CORSMiddleware/core.LoggingMiddleware.
type Server struct {
	Scheduler Scheduler
	Router    *router.Router
	Logger    core.Logger
}

// New builds a Server. logger may be nil (defaults to a no-op logger).
func New(sched Scheduler, r *router.Router, logger core.Logger) *Server {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Server{Scheduler: sched, Router: r, Logger: logger}
}

// Handler returns the http.Handler to mount: /v1/chat/completions and
// /v1/messages, each accepting only POST, plus /healthz served by
// telemetry.HealthHandler. Each of the two API routes is wrapped in
// otelhttp so every request carries a server span and the
// request/response metrics otelhttp records, alongside the scheduler's
// own per-execution spans.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/v1/chat/completions", otelhttp.NewHandler(s.handleProtocol("openai"), "chat.completions"))
	mux.Handle("/v1/messages", otelhttp.NewHandler(s.handleProtocol("anthropic"), "messages"))
	mux.HandleFunc("/healthz", telemetry.HealthHandler)
	return mux
}

func (s *Server) handleProtocol(protocol string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		start := time.Now()

		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, schedulererrors.New(schedulererrors.CodeMalformedRequest,
				"request body is not valid JSON", schedulererrors.WithCause(err)), nil)
			return
		}

		view := router.RequestView{
			Path:    r.URL.Path,
			Method:  r.Method,
			Headers: flattenHeaders(r.Header),
			Body:    body,
		}
		vm, err := s.Router.Resolve(view)
		if err != nil {
			s.writeError(w, err, nil)
			return
		}

		req, err := requestFromBody(protocol, body)
		if err != nil {
			s.writeError(w, err, nil)
			return
		}
		if auth := r.Header.Get("Authorization"); auth != "" {
			if req.Extra == nil {
				req.Extra = make(map[string]interface{})
			}
			req.Extra["authorization"] = auth
		}

		resp, err := s.Scheduler.Execute(r.Context(), pipeline.VirtualModelID(vm), req)
		if err != nil {
			s.writeError(w, err, req)
			return
		}

		w.Header().Set(HeaderVirtualModel, vm)
		w.Header().Set(HeaderExecutionID, req.ExecutionID)
		w.Header().Set(HeaderInstanceID, resp.InstanceID)
		w.Header().Set(HeaderRetryCount, strconv.Itoa(resp.RetryCount))
		w.Header().Set(HeaderProcessingTimeMs, strconv.FormatInt(time.Since(start).Milliseconds(), 10))
		w.Header().Set("Content-Type", "application/json")

		payload := responseToBody(protocol, vm, resp)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// writeError maps a *schedulererrors.PipelineError to its HTTP status
// (schedulererrors.HTTPStatusForCode) and writes the error envelope
// spec.md §6 names. req may be nil if the request never got far enough
// to be decoded; executionId/retryCount are then omitted.
func (s *Server) writeError(w http.ResponseWriter, err error, req *pipeline.Request) {
	pe, ok := schedulererrors.As(err)
	if !ok {
		pe = schedulererrors.New(schedulererrors.CodeStageFailed, err.Error())
	}
	status := schedulererrors.HTTPStatusForCode(pe.Code)

	body := map[string]interface{}{
		"code":       pe.Code,
		"message":    pe.Message,
		"category":   pe.Category.String(),
		"severity":   string(pe.Severity),
		"httpStatus": status,
	}
	if req != nil {
		body["executionId"] = req.ExecutionID
	}
	if rc, ok := pe.Details["retry_count"]; ok {
		body["retryCount"] = rc
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// requestFromBody decodes the already-parsed wire body into a
// protocol-neutral pipeline.Request. OpenAI and Anthropic bodies share
// "model"/"messages"/"stream"/"temperature"/"max_tokens"; Anthropic also
// carries an optional top-level "system" string, folded in as a leading
// system message so downstream stages never need to special-case it.
func requestFromBody(protocol string, body map[string]interface{}) (*pipeline.Request, error) {
	model, _ := body["model"].(string)
	if model == "" {
		return nil, schedulererrors.New(schedulererrors.CodeMalformedRequest, "request body is missing \"model\"")
	}

	var messages []pipeline.Message
	if system, ok := body["system"].(string); ok && system != "" {
		messages = append(messages, pipeline.Message{Role: "system", Content: system})
	}

	raw, _ := body["messages"].([]interface{})
	for _, m := range raw {
		entry, ok := m.(map[string]interface{})
		if !ok {
			continue
		}
		role, _ := entry["role"].(string)
		content, _ := entry["content"].(string)
		messages = append(messages, pipeline.Message{Role: role, Content: content})
	}
	if len(messages) == 0 {
		return nil, schedulererrors.New(schedulererrors.CodeMalformedRequest, "request body has no messages")
	}

	stream, _ := body["stream"].(bool)
	temperature := float32(0.7)
	if t, ok := body["temperature"].(float64); ok {
		temperature = float32(t)
	}
	maxTokens := 0
	if mt, ok := body["max_tokens"].(float64); ok {
		maxTokens = int(mt)
	}

	return &pipeline.Request{
		Protocol:    protocol,
		Model:       model,
		Messages:    messages,
		Stream:      stream,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}, nil
}

// responseToBody renders a pipeline.Response into the wire shape the
// calling protocol expects.
func responseToBody(protocol, vm string, resp *pipeline.Response) map[string]interface{} {
	if protocol == "anthropic" {
		return map[string]interface{}{
			"id":    fmt.Sprintf("msg_%s", vm),
			"model": resp.Model,
			"role":  "assistant",
			"content": []map[string]interface{}{
				{"type": "text", "text": resp.Content},
			},
			"stop_reason": resp.FinishReason,
			"usage": map[string]interface{}{
				"input_tokens":  resp.Usage.PromptTokens,
				"output_tokens": resp.Usage.CompletionTokens,
			},
		}
	}

	return map[string]interface{}{
		"model": resp.Model,
		"choices": []map[string]interface{}{
			{
				"index": 0,
				"message": map[string]interface{}{
					"role":    "assistant",
					"content": resp.Content,
				},
				"finish_reason": resp.FinishReason,
			},
		},
		"usage": map[string]interface{}{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		},
	}
}
