package openai

import (
	"net/http"
	"os"
	"time"
)

// aliasDefaults pairs each known OpenAI-compatible provider alias with
// its API-key environment variable, its base-URL override variable and
// its default base URL.
var aliasDefaults = map[string]struct {
	apiKeyEnv  string
	baseURLEnv string
	baseURL    string
}{
	"openai":          {"OPENAI_API_KEY", "OPENAI_BASE_URL", DefaultBaseURL},
	"openai.deepseek": {"DEEPSEEK_API_KEY", "DEEPSEEK_BASE_URL", "https://api.deepseek.com"},
	"openai.groq":     {"GROQ_API_KEY", "GROQ_BASE_URL", "https://api.groq.com/openai/v1"},
	"openai.xai":      {"XAI_API_KEY", "XAI_BASE_URL", "https://api.x.ai/v1"},
	"openai.qwen":     {"QWEN_API_KEY", "QWEN_BASE_URL", "https://dashscope-intl.aliyuncs.com/compatible-mode/v1"},
	"openai.together": {"TOGETHER_API_KEY", "TOGETHER_BASE_URL", "https://api.together.xyz/v1"},
	"openai.ollama":   {"", "OLLAMA_BASE_URL", "http://localhost:11434/v1"},
}

// ResolveBaseURL returns the base URL a provider alias talks to: the
// matching environment override if set, else the alias's known default,
// else DefaultBaseURL for an unrecognized alias.
func ResolveBaseURL(providerAlias string) string {
	d, ok := aliasDefaults[providerAlias]
	if !ok {
		return DefaultBaseURL
	}
	if d.baseURLEnv != "" {
		if v := os.Getenv(d.baseURLEnv); v != "" {
			return v
		}
	}
	return d.baseURL
}

// DefaultCredential returns the environment-sourced API key for a
// provider alias. Ollama aliases have no key requirement and return "".
// The Registry and the assembler do not call it: a target without its
// own credential list fails in Client.Execute with CodeAuthFailed.
func DefaultCredential(providerAlias string) string {
	d, ok := aliasDefaults[providerAlias]
	if !ok || d.apiKeyEnv == "" {
		return ""
	}
	return os.Getenv(d.apiKeyEnv)
}

// IsLocalServiceAvailable probes a local OpenAI-compatible endpoint
// (Ollama) for liveness: true only for a 200 answer within 2 seconds.
// The assembler does not call it, so an Ollama target joins its virtual
// model's pool whether or not the endpoint answers.
func IsLocalServiceAvailable(url string) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
