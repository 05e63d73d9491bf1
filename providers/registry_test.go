package providers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgw/gateway/pipeline"
)

func TestRegistry_ResolveOpenAICompatible(t *testing.T) {
	reg := NewRegistry(5*time.Second, nil)
	for _, provider := range []string{"openai", "openai.groq", "openai.deepseek", "openai.ollama"} {
		backend, err := reg.Resolve(provider)
		require.NoError(t, err, provider)
		assert.Equal(t, provider, backend.Name())
	}
}

func TestRegistry_ResolveAnthropicAndGemini(t *testing.T) {
	reg := NewRegistry(5*time.Second, nil)

	anthropicBackend, err := reg.Resolve("anthropic")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", anthropicBackend.Name())

	geminiBackend, err := reg.Resolve("gemini")
	require.NoError(t, err)
	assert.Equal(t, "gemini", geminiBackend.Name())
}

func TestRegistry_ResolveCachesBackend(t *testing.T) {
	reg := NewRegistry(5*time.Second, nil)
	first, err := reg.Resolve("anthropic")
	require.NoError(t, err)
	second, err := reg.Resolve("anthropic")
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestRegistry_ResolveUnknownProvider(t *testing.T) {
	reg := NewRegistry(5*time.Second, nil)
	_, err := reg.Resolve("unknown")
	require.Error(t, err)
}

func TestRegistry_ResolveBedrockWithoutBuildTag(t *testing.T) {
	reg := NewRegistry(5*time.Second, nil)
	_, err := reg.Resolve("bedrock")
	require.Error(t, err)
}

func TestRegistry_SatisfiesBackendResolver(t *testing.T) {
	reg := NewRegistry(5*time.Second, nil)
	var resolver pipeline.BackendResolver = reg.Resolve
	_, err := resolver("anthropic")
	require.NoError(t, err)
}
