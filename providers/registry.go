package providers

import (
	"fmt"
	"strings"
	"time"

	"github.com/modelgw/gateway/core"
	"github.com/modelgw/gateway/pipeline"
	"github.com/modelgw/gateway/providers/anthropic"
	"github.com/modelgw/gateway/providers/gemini"
	"github.com/modelgw/gateway/providers/openai"
)

// openAICompatible lists the provider-name prefixes served by a single
// openai.Client configured with a per-alias base URL, mirroring the way
// Groq, DeepSeek, Together, xAI, Qwen and Ollama all speak the OpenAI
// chat-completions wire format.
var openAICompatible = []string{
	"openai",
	"openai.groq",
	"openai.deepseek",
	"openai.xai",
	"openai.qwen",
	"openai.together",
	"openai.ollama",
}

// bedrockFactory constructs the Bedrock backend. It is nil in a default
// build (providers/bedrock's files all carry "//go:build bedrock") and
// set by providers/bedrock_register.go's init() only when that tag is
// present, so Registry.build can fail fast with a clear message instead
// of a compile error when bedrock is referenced without the tag.
var bedrockFactory func(provider string, timeout time.Duration, logger core.Logger) (pipeline.Backend, error)

// RegisterBedrockFactory is called by providers/bedrock_register.go's
// init() to wire the Bedrock backend into Resolve. Not intended to be
// called from outside this module.
func RegisterBedrockFactory(factory func(provider string, timeout time.Duration, logger core.Logger) (pipeline.Backend, error)) {
	bedrockFactory = factory
}

// Registry builds a pipeline.BackendResolver by lazily constructing one
// Backend per distinct provider name the assembly table references and
// caching it for reuse across requests and targets.
type Registry struct {
	timeout time.Duration
	logger  core.Logger
	cache   map[string]pipeline.Backend
}

// NewRegistry creates a Registry. timeout is the per-request HTTP
// deadline applied to every constructed backend; there is no
// per-target override. logger is shared by every backend.
func NewRegistry(timeout time.Duration, logger core.Logger) *Registry {
	return &Registry{
		timeout: timeout,
		logger:  logger,
		cache:   make(map[string]pipeline.Backend),
	}
}

// Resolve implements pipeline.BackendResolver.
func (r *Registry) Resolve(provider string) (pipeline.Backend, error) {
	if backend, ok := r.cache[provider]; ok {
		return backend, nil
	}

	backend, err := r.build(provider)
	if err != nil {
		return nil, err
	}
	r.cache[provider] = backend
	return backend, nil
}

func (r *Registry) build(provider string) (pipeline.Backend, error) {
	switch {
	case isOpenAICompatible(provider):
		return openai.NewClient(provider, openai.ResolveBaseURL(provider), r.timeout, r.logger), nil
	case provider == "anthropic":
		return anthropic.NewClient(anthropic.DefaultBaseURL, r.timeout, r.logger), nil
	case provider == "gemini":
		return gemini.NewClient(gemini.DefaultBaseURL, r.timeout, r.logger), nil
	case provider == "bedrock" || strings.HasPrefix(provider, "bedrock."):
		if bedrockFactory == nil {
			return nil, fmt.Errorf("provider %q requires a binary built with the \"bedrock\" tag", provider)
		}
		return bedrockFactory(provider, r.timeout, r.logger)
	default:
		return nil, fmt.Errorf("no backend registered for provider %q", provider)
	}
}

func isOpenAICompatible(provider string) bool {
	for _, p := range openAICompatible {
		if provider == p {
			return true
		}
	}
	return false
}
