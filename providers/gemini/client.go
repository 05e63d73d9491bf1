// Package gemini implements pipeline.Backend against Google's native
// Gemini GenerateContent API.
package gemini

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

// DefaultBaseURL is the native Gemini GenerateContent API endpoint.
const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Client implements pipeline.Backend for Google's Gemini API. The API key
// travels as a "key" query parameter rather than a header, per Gemini's
// wire format.
type Client struct {
	*providers.BaseClient
	BaseURL string
}

// NewClient builds a Gemini backend; baseURL defaults to DefaultBaseURL
// when empty.
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

func (c *Client) Name() string { return "gemini" }

// Execute sends target's request through the generateContent/
// streamGenerateContent endpoints. A "system"-role message in
// req.Messages is pulled into SystemInstruction; Gemini has no system
// turn inside contents. The "assistant" role is translated to Gemini's
// "model" role.
func (c *Client) Execute(ctx context.Context, target pipeline.Target, req *pipeline.Request) (*pipeline.Response, error) {
	credential := credentialFor(target)
	if credential == "" {
		return nil, schedulererrors.New(schedulererrors.CodeAuthFailed, "gemini target has no credential configured")
	}

	model := resolveModel(req.Model)

	var system *SystemInstruction
	contents := make([]Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = &SystemInstruction{Parts: []Part{{Text: m.Content}}}
			continue
		}
		role := m.Role
		if role == "assistant" {
			role = "model"
		}
		contents = append(contents, Content{Role: role, Parts: []Part{{Text: m.Content}}})
	}

	body := GeminiRequest{
		Contents: contents,
		GenerationConfig: &GenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		},
		SystemInstruction: system,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, schedulererrors.New(schedulererrors.CodeMalformedRequest, "failed to encode request",
			schedulererrors.WithCause(err))
	}

	c.LogRequest(c.Name(), model, messagePreview(contents))

	start := time.Now()

	if req.Stream {
		url := fmt.Sprintf("%s/models/%s:streamGenerateContent?key=%s&alt=sse", c.BaseURL, model, credential)
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, schedulererrors.New(schedulererrors.CodeMalformedRequest, "failed to build request",
				schedulererrors.WithCause(err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := c.HTTPClient.Do(httpReq)
		if err != nil {
			return nil, c.ClassifyTransportError(c.Name(), err)
		}
		return c.streamResponse(resp, model)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.BaseURL, model, credential)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, schedulererrors.New(schedulererrors.CodeMalformedRequest, "failed to build request",
			schedulererrors.WithCause(err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

func messagePreview(contents []Content) string {
	if len(contents) == 0 {
		return ""
	}
	last := contents[len(contents)-1]
	if len(last.Parts) == 0 {
		return ""
	}
	return last.Parts[0].Text
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

	var parsed GeminiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, schedulererrors.New(schedulererrors.CodeMalformedResponse, "failed to decode response",
			schedulererrors.WithCause(err))
	}
	if len(parsed.Candidates) == 0 {
		return nil, schedulererrors.New(schedulererrors.CodeMalformedResponse, "gemini response had no candidates")
	}

	var content strings.Builder
	candidate := parsed.Candidates[0]
	for _, part := range candidate.Content.Parts {
		content.WriteString(part.Text)
	}

	return &pipeline.Response{
		Content:      content.String(),
		Model:        model,
		FinishReason: candidate.FinishReason,
		Usage: pipeline.Usage{
			PromptTokens:     parsed.UsageMetadata.PromptTokenCount,
			CompletionTokens: parsed.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      parsed.UsageMetadata.TotalTokenCount,
		},
	}, nil
}

// streamResponse parses Gemini's SSE stream (alt=sse), one GeminiResponse
// chunk per "data:" line, into a channel of pipeline.StreamChunk.
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

			var chunk GeminiResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				chunks <- pipeline.StreamChunk{Err: fmt.Errorf("malformed stream chunk: %w", err)}
				return
			}

			var finished bool
			for _, candidate := range chunk.Candidates {
				for _, part := range candidate.Content.Parts {
					if part.Text != "" {
						chunks <- pipeline.StreamChunk{Content: part.Text}
					}
				}
				if candidate.FinishReason != "" {
					finished = true
				}
			}
			if finished {
				chunks <- pipeline.StreamChunk{Done: true}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			chunks <- pipeline.StreamChunk{Err: err}
			return
		}
		chunks <- pipeline.StreamChunk{Done: true}
	}()

	return &pipeline.Response{Model: model, StreamChunks: chunks}, nil
}
