// Package openai implements pipeline.Backend against the OpenAI chat
// completions API, and - by swapping BaseURL/ProviderAlias - against
// every OpenAI-compatible provider the assembly table can name (Groq,
// DeepSeek, Together, xAI, Qwen, local Ollama).
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/modelgw/gateway/core"
	"github.com/modelgw/gateway/pipeline"
	"github.com/modelgw/gateway/providers"
	"github.com/modelgw/gateway/schedulererrors"
)

// DefaultBaseURL is the vanilla OpenAI API endpoint.
const DefaultBaseURL = "https://api.openai.com/v1"

// Client implements pipeline.Backend for OpenAI-protocol chat
// completions. A single Client is shared by every Target whose provider
// is "openai" (or an OpenAI-compatible alias); the credential actually
// used comes from the Target passed into Execute, not from the Client.
type Client struct {
	*providers.BaseClient
	BaseURL                  string
	ProviderAlias            string // "openai", "openai.groq", "openai.deepseek", ...
	ReasoningTokenMultiplier int
}

// NewClient builds an OpenAI-protocol backend. providerAlias selects the
// ModelAliases table ResolveModel consults; baseURL defaults to
// DefaultBaseURL when empty.
func NewClient(providerAlias, baseURL string, timeout time.Duration, logger core.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 180 * time.Second // reasoning models run long
	}
	return &Client{
		BaseClient:    providers.NewBaseClient(timeout, logger),
		BaseURL:       baseURL,
		ProviderAlias: providerAlias,
	}
}

func (c *Client) Name() string {
	if c.ProviderAlias != "" {
		return c.ProviderAlias
	}
	return "openai"
}

// Execute sends target's request through the chat completions endpoint.
// Streaming requests get a Response whose StreamChunks is fed by a
// goroutine parsing the upstream SSE body; non-streaming requests
// return a fully populated Response synchronously.
func (c *Client) Execute(ctx context.Context, target pipeline.Target, req *pipeline.Request) (*pipeline.Response, error) {
	credential := credentialFor(target)
	if credential == "" {
		return nil, schedulererrors.New(schedulererrors.CodeAuthFailed, c.Name()+" target has no credential configured")
	}

	model := ResolveModel(c.ProviderAlias, req.Model)
	c.LogRequest(c.Name(), model, req.Messages[len(req.Messages)-1].Content)

	messages := make([]map[string]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}

	multiplier := c.ReasoningTokenMultiplier
	body := buildRequestBody(model, messages, req.MaxTokens, req.Temperature, req.Stream, multiplier)

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, schedulererrors.New(schedulererrors.CodeMalformedRequest, "failed to encode request",
			schedulererrors.WithCause(err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, schedulererrors.New(schedulererrors.CodeMalformedRequest, "failed to build request",
			schedulererrors.WithCause(err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+credential)

	start := time.Now()

	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
		resp, err := c.HTTPClient.Do(httpReq)
		if err != nil {
			return nil, c.ClassifyTransportError(c.Name(), err)
		}
		return c.streamResponse(resp, model)
	}

	resp, err := c.ExecuteWithRetry(ctx, httpReq)
	if err != nil {
		return nil, c.ClassifyTransportError(c.Name(), err)
	}
	out, err := c.syncResponse(resp, model)
	if err == nil {
		c.LogResponse(c.Name(), model, core.TokenUsage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
			TotalTokens:      out.Usage.TotalTokens,
		}, time.Since(start))
	}
	return out, err
}

func credentialFor(target pipeline.Target) string {
	if len(target.Credentials) == 0 {
		return ""
	}
	idx := target.CredentialIndex % len(target.Credentials)
	return target.Credentials[idx]
}

func (c *Client) syncResponse(resp *http.Response, model string) (*pipeline.Response, error) {
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, schedulererrors.New(schedulererrors.CodeMalformedResponse, "failed to read response",
			schedulererrors.WithCause(err))
	}
	if resp.StatusCode >= 400 {
		return nil, c.ClassifyStatus(c.Name(), resp.StatusCode, raw)
	}

	var parsed OpenAIResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, schedulererrors.New(schedulererrors.CodeMalformedResponse, "failed to decode response",
			schedulererrors.WithCause(err))
	}
	if len(parsed.Choices) == 0 {
		return nil, schedulererrors.New(schedulererrors.CodeMalformedResponse, "response had no choices")
	}

	content := parsed.Choices[0].Message.Content
	if content == "" {
		content = parsed.Choices[0].Message.ReasoningContent
	}

	return &pipeline.Response{
		Content:      content,
		Model:        model,
		FinishReason: parsed.Choices[0].FinishReason,
		Usage: pipeline.Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}

// streamResponse parses an SSE body of "data: {...}" lines terminated by
// "data: [DONE]" into a channel of pipeline.StreamChunk.
func (c *Client) streamResponse(resp *http.Response, model string) (*pipeline.Response, error) {
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return nil, c.ClassifyStatus(c.Name(), resp.StatusCode, raw)
	}

	chunks := make(chan pipeline.StreamChunk)
	go func() {
		defer resp.Body.Close()
		defer close(chunks)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, ":") {
				continue
			}
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				chunks <- pipeline.StreamChunk{Done: true}
				return
			}

			var event StreamResponse
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				chunks <- pipeline.StreamChunk{Err: fmt.Errorf("malformed stream event: %w", err)}
				return
			}
			if len(event.Choices) == 0 {
				continue
			}
			delta := event.Choices[0].Delta.Content
			if delta == "" {
				delta = event.Choices[0].Delta.ReasoningContent
			}
			if delta != "" {
				chunks <- pipeline.StreamChunk{Content: delta}
			}
			if event.Choices[0].FinishReason != "" {
				chunks <- pipeline.StreamChunk{Done: true}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			chunks <- pipeline.StreamChunk{Err: err}
		}
	}()

	return &pipeline.Response{Model: model, StreamChunks: chunks}, nil
}
