package gemini

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgw/gateway/pipeline"
	"github.com/modelgw/gateway/schedulererrors"
)

func testTarget(credential string) pipeline.Target {
	return pipeline.Target{ID: "t1", Provider: "gemini", Model: "gemini-2.5-pro", Weight: 1, Credentials: []string{credential}}
}

func testRequest() *pipeline.Request {
	return &pipeline.Request{
		Protocol: "gemini",
		Model:    "gemini-2.5-pro",
		Messages: []pipeline.Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hi"},
		},
		MaxTokens: 100,
	}
}

func TestClient_Execute_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		assert.True(t, strings.HasSuffix(r.URL.Path, "/models/gemini-2.5-pro:generateContent"))
		w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"hello there"}]},"finishReason":"STOP"}],
			"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":3,"totalTokenCount":8}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil)
	resp, err := client.Execute(context.Background(), testTarget("test-key"), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Content)
	assert.Equal(t, 8, resp.Usage.TotalTokens)
}

func TestClient_Execute_MapsUnauthorizedToAuthFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":403,"message":"bad key","status":"PERMISSION_DENIED"}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil)
	_, err := client.Execute(context.Background(), testTarget("bad-key"), testRequest())
	require.Error(t, err)
	pe, ok := schedulererrors.As(err)
	require.True(t, ok)
	assert.Equal(t, schedulererrors.CodeAuthFailed, pe.Code)
}

func TestClient_Execute_NoCredentialFailsFast(t *testing.T) {
	client := NewClient("http://unused.invalid", 5*time.Second, nil)
	target := pipeline.Target{ID: "t1", Provider: "gemini", Model: "gemini-2.5-pro"}
	_, err := client.Execute(context.Background(), target, testRequest())
	require.Error(t, err)
	pe, ok := schedulererrors.As(err)
	require.True(t, ok)
	assert.Equal(t, schedulererrors.CodeAuthFailed, pe.Code)
}

func TestClient_Execute_Streaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Write([]byte("data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"hel\"}]}}]}\n\n"))
		flusher.Flush()
		w.Write([]byte("data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"lo\"}],\"role\":\"model\"},\"finishReason\":\"STOP\"}]}\n\n"))
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
