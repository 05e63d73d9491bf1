package anthropic

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
	return pipeline.Target{ID: "t1", Provider: "anthropic", Model: "claude-sonnet-4-5-20250929", Weight: 1, Credentials: []string{credential}}
}

func testRequest() *pipeline.Request {
	return &pipeline.Request{
		Protocol: "anthropic",
		Model:    "claude-sonnet-4-5-20250929",
		Messages: []pipeline.Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hi"},
		},
		MaxTokens: 100,
	}
}

func TestClient_Execute_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, APIVersion, r.Header.Get("anthropic-version"))
		w.Write([]byte(`{"model":"claude-sonnet-4-5-20250929","stop_reason":"end_turn",
			"content":[{"type":"text","text":"hello there"}],
			"usage":{"input_tokens":5,"output_tokens":3}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil)
	resp, err := client.Execute(context.Background(), testTarget("test-key"), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Content)
	assert.Equal(t, 8, resp.Usage.TotalTokens)
}

func TestClient_Execute_SystemMessagePulledOutOfTurns(t *testing.T) {
	var captured map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.Write([]byte(`{"content":[{"type":"text","text":"ok"}],"usage":{}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil)
	_, err := client.Execute(context.Background(), testTarget("test-key"), testRequest())
	require.NoError(t, err)

	assert.Equal(t, "be terse", captured["system"])
	msgs, ok := captured["messages"].([]interface{})
	require.True(t, ok)
	assert.Len(t, msgs, 1)
}

func TestClient_Execute_MapsUnauthorizedToAuthFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid x-api-key"}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil)
	_, err := client.Execute(context.Background(), testTarget("bad-key"), testRequest())
	require.Error(t, err)
	pe, ok := schedulererrors.As(err)
	require.True(t, ok)
	assert.Equal(t, schedulererrors.CodeAuthFailed, pe.Code)
}

func TestClient_Execute_Streaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Write([]byte("event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"hel\"}}\n\n"))
		flusher.Flush()
		w.Write([]byte("event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"lo\"}}\n\n"))
		flusher.Flush()
		w.Write([]byte("event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"))
		flusher.Flush()
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil)
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
