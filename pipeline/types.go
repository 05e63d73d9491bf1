// Package pipeline implements the Pipeline Instance (spec §4.1) and the
// four-stage execution chain every request flows through: Protocol
// Switch, Workflow, Compatibility, and Provider I/O (spec §4.6).
package pipeline

import (
	"context"
)

// VirtualModelID identifies a virtual model exposed to callers - the
// stable name a request is routed against, independent of which
// concrete provider/model/credential combination ultimately serves it.
type VirtualModelID string

// Target names one concrete (provider, model, credential) combination a
// virtual model can be dispatched to.
type Target struct {
	ID              string   `json:"id" yaml:"id"`
	Provider        string   `json:"provider" yaml:"provider"`
	Model           string   `json:"model" yaml:"model"`
	Weight          int      `json:"weight" yaml:"weight"`
	Credentials     []string `json:"-" yaml:"-"`
	CredentialIndex int      `json:"credential_index" yaml:"-"`

	// MaxConcurrentPerInstance caps the number of requests a single
	// instance of this target may run at once (spec §3/§4.1/§4.2). Zero
	// means unbounded.
	MaxConcurrentPerInstance int `json:"max_concurrent_per_instance" yaml:"maxConcurrentPerInstance"`
}

// Request is the protocol-agnostic request a Stage chain processes. The
// Protocol Switch stage normalizes an OpenAI- or Anthropic-shaped wire
// request into this form; the Compatibility stage only bounds MaxTokens,
// and each provider Backend builds its own wire request from it.
type Request struct {
	ExecutionID  string
	VirtualModel VirtualModelID
	Protocol     string // "openai" | "anthropic"
	Model        string
	Messages     []Message
	Stream       bool
	Temperature  float32
	MaxTokens    int
	Extra        map[string]interface{}
}

// Message is a single chat turn, protocol-neutral.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response is the protocol-agnostic result of executing a Request
// against a Target. StreamChunks is non-nil only when Stream was
// requested and the provider supports it.
//
// InstanceID and RetryCount are filled in by the scheduler after a
// Backend returns successfully, not by the Backend itself - they
// describe the execution as a whole, not any one provider call - and
// carry the X-Instance-Id/X-Retry-Count response headers (spec.md §6).
type Response struct {
	Content      string
	Model        string
	FinishReason string
	Usage        Usage
	StreamChunks <-chan StreamChunk

	InstanceID string
	RetryCount int
}

// Usage reports token accounting for a completed (or streamed-to-
// completion) response.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// StreamChunk is one increment of a streamed response.
type StreamChunk struct {
	Content string
	Done    bool
	Err     error
}

// Backend is what a Provider I/O stage calls to actually reach an
// upstream provider. The Client types in providers/openai,
// providers/anthropic, providers/gemini, providers/bedrock and
// providers/mock implement this; pipeline never imports providers (providers
// imports pipeline) to keep the dependency one-directional.
type Backend interface {
	Name() string
	Execute(ctx context.Context, target Target, req *Request) (*Response, error)
}
