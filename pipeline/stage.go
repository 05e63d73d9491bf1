package pipeline

import (
	"context"
	"fmt"

	"github.com/modelgw/gateway/schedulererrors"
)

// Stage is one link in a PipelineInstance's execution chain. Process runs
// on the way down (request normalization/adaptation); ProcessResponse
// runs on the way back up (response denormalization). Stages compose in
// order: Protocol Switch -> Workflow -> Compatibility -> Provider I/O,
// and unwind in reverse on the response path (spec §4.6).
type Stage interface {
	Name() string
	Process(ctx context.Context, req *Request) (*Request, error)
	ProcessResponse(ctx context.Context, resp *Response) (*Response, error)
}

// ProtocolSwitchStage normalizes an OpenAI- or Anthropic-shaped request
// into the pipeline's protocol-neutral Request. It is a no-op on the
// response path because the HTTP front end re-applies the caller's
// wire format when writing the reply.
type ProtocolSwitchStage struct{}

func NewProtocolSwitchStage() *ProtocolSwitchStage { return &ProtocolSwitchStage{} }

func (s *ProtocolSwitchStage) Name() string { return "protocol_switch" }

func (s *ProtocolSwitchStage) Process(ctx context.Context, req *Request) (*Request, error) {
	switch req.Protocol {
	case "openai", "anthropic":
		return req, nil
	case "":
		return nil, schedulererrors.New(schedulererrors.CodeMalformedRequest, "missing protocol")
	default:
		return nil, schedulererrors.New(schedulererrors.CodeMalformedRequest,
			fmt.Sprintf("unsupported protocol %q", req.Protocol))
	}
}

func (s *ProtocolSwitchStage) ProcessResponse(ctx context.Context, resp *Response) (*Response, error) {
	return resp, nil
}

// WorkflowStage folds a streamed provider response into a single
// aggregated Response on the way back up, whether or not the request
// asked for streaming; a non-streamed response passes through unchanged.
// It does not turn a non-streamed response into a stream, and Process is
// a no-op.
type WorkflowStage struct{}

func NewWorkflowStage() *WorkflowStage { return &WorkflowStage{} }

func (s *WorkflowStage) Name() string { return "workflow" }

func (s *WorkflowStage) Process(ctx context.Context, req *Request) (*Request, error) {
	return req, nil
}

func (s *WorkflowStage) ProcessResponse(ctx context.Context, resp *Response) (*Response, error) {
	if resp.StreamChunks == nil {
		return resp, nil
	}
	// The backend streamed; drain it into a single aggregated Response.
	var content string
	for chunk := range resp.StreamChunks {
		if chunk.Err != nil {
			return nil, schedulererrors.New(schedulererrors.CodeStageFailed, "stream aggregation failed",
				schedulererrors.WithCause(chunk.Err))
		}
		content += chunk.Content
		if chunk.Done {
			break
		}
	}
	aggregated := *resp
	aggregated.Content = content
	aggregated.StreamChunks = nil
	return &aggregated, nil
}

// CompatibilityStage maps protocol-neutral fields onto the specific
// field names and constraints a given provider/model expects (e.g.
// clamping max_tokens, renaming system-prompt handling). Field-mapping
// tables are intentionally left to the concrete provider backend; this
// stage owns only the generic bounds-checking every provider shares.
type CompatibilityStage struct {
	MaxTokensCeiling int
}

func NewCompatibilityStage(maxTokensCeiling int) *CompatibilityStage {
	if maxTokensCeiling <= 0 {
		maxTokensCeiling = 4096
	}
	return &CompatibilityStage{MaxTokensCeiling: maxTokensCeiling}
}

func (s *CompatibilityStage) Name() string { return "compatibility" }

func (s *CompatibilityStage) Process(ctx context.Context, req *Request) (*Request, error) {
	if req.MaxTokens <= 0 || req.MaxTokens > s.MaxTokensCeiling {
		adjusted := *req
		adjusted.MaxTokens = s.MaxTokensCeiling
		return &adjusted, nil
	}
	return req, nil
}

func (s *CompatibilityStage) ProcessResponse(ctx context.Context, resp *Response) (*Response, error) {
	return resp, nil
}

// ProviderIOStage is the terminal stage: it calls the concrete Backend
// for the instance's Target. Every failure it returns is a
// *schedulererrors.PipelineError in the 4xxx/5xxx/6xxx/7xxx/11xxx bands
// so the Error Response Center can classify it without inspecting the
// backend's own error type.
type ProviderIOStage struct {
	Backend Backend
	Target  Target
}

func NewProviderIOStage(backend Backend, target Target) *ProviderIOStage {
	return &ProviderIOStage{Backend: backend, Target: target}
}

func (s *ProviderIOStage) Name() string { return "provider_io" }

func (s *ProviderIOStage) Process(ctx context.Context, req *Request) (*Request, error) {
	return req, nil
}

// Execute is called by PipelineInstance instead of Process/ProcessResponse
// because it is the only stage that actually talks to a Backend and
// produces a Response from scratch rather than transforming one.
func (s *ProviderIOStage) Execute(ctx context.Context, req *Request) (*Response, error) {
	resp, err := s.Backend.Execute(ctx, s.Target, req)
	if err != nil {
		if _, ok := schedulererrors.As(err); ok {
			return nil, err
		}
		return nil, schedulererrors.New(schedulererrors.CodeConnectionRefused,
			fmt.Sprintf("provider %s execution failed", s.Backend.Name()),
			schedulererrors.WithCause(err))
	}
	return resp, nil
}

func (s *ProviderIOStage) ProcessResponse(ctx context.Context, resp *Response) (*Response, error) {
	return resp, nil
}
