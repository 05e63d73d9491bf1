// Package mock implements pipeline.Backend with scripted responses, for
// exercising the scheduler and HTTP front end without a live upstream
// provider. Neither cmd/gateway nor providers.Registry constructs it: an
// assembly target naming provider "mock" is rejected by the Registry, so
// a caller builds a Client with NewClient and resolves it itself.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/modelgw/gateway/pipeline"
)

// Client is a scriptable pipeline.Backend. Responses are consumed in
// order; once exhausted, Execute returns an error unless Error is set,
// in which case every call fails with it.
type Client struct {
	mu            sync.Mutex
	Responses     []string
	responseIndex int
	Error         error
	CallCount     int
	LastTarget    pipeline.Target
	LastRequest   *pipeline.Request
}

// NewClient creates a mock backend that returns "mock response" once.
func NewClient() *Client {
	return &Client{Responses: []string{"mock response"}}
}

func (c *Client) Name() string { return "mock" }

// Execute records the call and returns the next scripted response.
func (c *Client) Execute(ctx context.Context, target pipeline.Target, req *pipeline.Request) (*pipeline.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.CallCount++
	c.LastTarget = target
	c.LastRequest = req

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if c.Error != nil {
		return nil, c.Error
	}
	if c.responseIndex >= len(c.Responses) {
		return nil, errors.New("mock: no more scripted responses")
	}

	content := c.Responses[c.responseIndex]
	c.responseIndex++

	model := target.Model
	if model == "" {
		model = "mock-model"
	}

	return &pipeline.Response{
		Content:      content,
		Model:        model,
		FinishReason: "stop",
		Usage: pipeline.Usage{
			PromptTokens:     promptLength(req) / 4,
			CompletionTokens: len(content) / 4,
			TotalTokens:      (promptLength(req) + len(content)) / 4,
		},
	}, nil
}

func promptLength(req *pipeline.Request) int {
	if req == nil {
		return 0
	}
	total := 0
	for _, m := range req.Messages {
		total += len(m.Content)
	}
	return total
}

// SetResponses replaces the response script and resets the cursor.
func (c *Client) SetResponses(responses ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Responses = responses
	c.responseIndex = 0
}

// SetError makes every subsequent Execute call fail with err.
func (c *Client) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Error = err
}

// Reset clears call history and any configured error, leaving the
// response script untouched.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responseIndex = 0
	c.CallCount = 0
	c.LastTarget = pipeline.Target{}
	c.LastRequest = nil
	c.Error = nil
}
