package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgw/gateway/pipeline"
	"github.com/modelgw/gateway/schedulererrors"
)

func testTarget(credential string) pipeline.Target {
	return pipeline.Target{ID: "t1", Provider: "openai", Model: "gpt-4o", Weight: 1, Credentials: []string{credential}}
}

func testRequest() *pipeline.Request {
	return &pipeline.Request{
		Protocol: "openai",
		Model:    "gpt-4o",
		Messages: []pipeline.Message{{Role: "user", Content: "hi"}},
		MaxTokens: 100,
	}
}

func TestClient_Execute_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(OpenAIResponse{
			Model:   "gpt-4o",
			Choices: []Choice{{Message: Message{Role: "assistant", Content: "hello there"}, FinishReason: "stop"}},
			Usage:   Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
		})
	}))
	defer server.Close()

	client := NewClient("openai", server.URL, 5*time.Second, nil)
	resp, err := client.Execute(context.Background(), testTarget("test-key"), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Content)
	assert.Equal(t, 8, resp.Usage.TotalTokens)
}

func TestClient_Execute_ReasoningModelUsesReasoningContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Contains(t, body, "max_completion_tokens")
		assert.NotContains(t, body, "temperature")

		_ = json.NewEncoder(w).Encode(OpenAIResponse{
			Model:   "o3-mini",
			Choices: []Choice{{Message: Message{ReasoningContent: "thinking out loud"}}},
		})
	}))
	defer server.Close()

	client := NewClient("openai", server.URL, 5*time.Second, nil)
	req := testRequest()
	req.Model = "o3-mini"
	resp, err := client.Execute(context.Background(), testTarget("test-key"), req)
	require.NoError(t, err)
	assert.Equal(t, "thinking out loud", resp.Content)
}

func TestClient_Execute_MapsUnauthorizedToAuthFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer server.Close()

	client := NewClient("openai", server.URL, 5*time.Second, nil)
	_, err := client.Execute(context.Background(), testTarget("bad-key"), testRequest())
	require.Error(t, err)
	pe, ok := schedulererrors.As(err)
	require.True(t, ok)
	assert.Equal(t, schedulererrors.CodeAuthFailed, pe.Code)
}

func TestClient_Execute_MapsRateLimitedTo429(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer server.Close()

	client := NewClient("openai", server.URL, 5*time.Second, nil)
	client.MaxRetries = 0 // avoid the base client's exponential-backoff retries slowing this test
	_, err := client.Execute(context.Background(), testTarget("test-key"), testRequest())
	require.Error(t, err)
	pe, ok := schedulererrors.As(err)
	require.True(t, ok)
	assert.Equal(t, schedulererrors.CodeRateLimited, pe.Code)
}

func TestClient_Execute_NoCredentialFailsFast(t *testing.T) {
	client := NewClient("openai", "http://unused.invalid", 5*time.Second, nil)
	target := pipeline.Target{ID: "t1", Provider: "openai", Model: "gpt-4o"}
	_, err := client.Execute(context.Background(), target, testRequest())
	require.Error(t, err)
	pe, ok := schedulererrors.As(err)
	require.True(t, ok)
	assert.Equal(t, schedulererrors.CodeAuthFailed, pe.Code)
}

func TestClient_Execute_Streaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n"))
		flusher.Flush()
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n"))
		flusher.Flush()
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}))
	defer server.Close()

	client := NewClient("openai", server.URL, 5*time.Second, nil)
	req := testRequest()
	req.Stream = true
	resp, err := client.Execute(context.Background(), testTarget("test-key"), req)
	require.NoError(t, err)
	require.NotNil(t, resp.StreamChunks)

	var content string
	for chunk := range resp.StreamChunks {
		require.NoError(t, chunk.Err)
		content += chunk.Content
		if chunk.Done {
			break
		}
	}
	assert.Equal(t, "hello", content)
}
