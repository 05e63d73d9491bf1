// Package anthropic implements pipeline.Backend against Anthropic's
// native Messages API.
package anthropic

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

// DefaultBaseURL is the native Anthropic Messages API endpoint.
const DefaultBaseURL = "https://api.anthropic.com/v1"

// APIVersion is the Anthropic API version header value this client speaks.
const APIVersion = "2023-06-01"

// Client implements pipeline.Backend for Anthropic's Messages API.
type Client struct {
	*providers.BaseClient
	BaseURL string
}

// NewClient builds an Anthropic backend; baseURL defaults to
// DefaultBaseURL when empty.
func NewClient(baseURL string, timeout time.Duration, logger core.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		BaseClient: providers.NewBaseClient(timeout, logger),
		BaseURL:    baseURL,
	}
}

func (c *Client) Name() string { return "anthropic" }

// Execute sends target's request through the Messages API. A leading
// "system"-role message in req.Messages is pulled out into the
// top-level System field Anthropic's wire format expects; it is not a
// conversation turn.
func (c *Client) Execute(ctx context.Context, target pipeline.Target, req *pipeline.Request) (*pipeline.Response, error) {
	credential := credentialFor(target)
	if credential == "" {
		return nil, schedulererrors.New(schedulererrors.CodeAuthFailed, "anthropic target has no credential configured")
	}

	model := resolveModel(req.Model)

	var system string
	messages := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		messages = append(messages, Message{Role: m.Role, Content: m.Content})
	}

	body := AnthropicRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		System:      system,
		Stream:      req.Stream,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, schedulererrors.New(schedulererrors.CodeMalformedRequest, "failed to encode request",
			schedulererrors.WithCause(err))
	}

	c.LogRequest(c.Name(), model, messagePreview(messages))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, schedulererrors.New(schedulererrors.CodeMalformedRequest, "failed to build request",
			schedulererrors.WithCause(err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", credential)
	httpReq.Header.Set("anthropic-version", APIVersion)

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

func messagePreview(messages []Message) string {
	if len(messages) == 0 {
		return ""
	}
	return messages[len(messages)-1].Content
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

	var parsed AnthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, schedulererrors.New(schedulererrors.CodeMalformedResponse, "failed to decode response",
			schedulererrors.WithCause(err))
	}

	var content strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &pipeline.Response{
		Content:      content.String(),
		Model:        parsed.Model,
		FinishReason: parsed.StopReason,
		Usage: pipeline.Usage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
	}, nil
}

// streamEvent is the subset of Anthropic's SSE event shapes this client
// cares about, spanning message_start/content_block_delta/message_delta/
// message_stop.
type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Message struct {
		Model string `json:"model"`
	} `json:"message"`
}

// streamResponse parses Anthropic's named-event SSE stream ("event: ...",
// "data: {...}") into a channel of pipeline.StreamChunk.
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
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}

			var event streamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				chunks <- pipeline.StreamChunk{Err: fmt.Errorf("malformed stream event: %w", err)}
				return
			}

			switch event.Type {
			case "content_block_delta":
				if event.Delta.Text != "" {
					chunks <- pipeline.StreamChunk{Content: event.Delta.Text}
				}
			case "message_stop":
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
