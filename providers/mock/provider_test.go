package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgw/gateway/pipeline"
)

func TestClient_Execute_ReturnsScriptedResponsesInOrder(t *testing.T) {
	client := NewClient()
	client.SetResponses("first", "second")

	target := pipeline.Target{ID: "t1", Provider: "mock", Model: "mock-model"}
	req := &pipeline.Request{Messages: []pipeline.Message{{Role: "user", Content: "hi"}}}

	resp, err := client.Execute(context.Background(), target, req)
	require.NoError(t, err)
	assert.Equal(t, "first", resp.Content)

	resp, err = client.Execute(context.Background(), target, req)
	require.NoError(t, err)
	assert.Equal(t, "second", resp.Content)

	_, err = client.Execute(context.Background(), target, req)
	require.Error(t, err)
}

func TestClient_Execute_ReturnsConfiguredError(t *testing.T) {
	client := NewClient()
	client.SetError(errors.New("boom"))

	_, err := client.Execute(context.Background(), pipeline.Target{}, &pipeline.Request{})
	require.EqualError(t, err, "boom")
}

func TestClient_Execute_RespectsContextCancellation(t *testing.T) {
	client := NewClient()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Execute(ctx, pipeline.Target{}, &pipeline.Request{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestClient_Reset(t *testing.T) {
	client := NewClient()
	client.SetResponses("only")
	_, _ = client.Execute(context.Background(), pipeline.Target{}, &pipeline.Request{})
	assert.Equal(t, 1, client.CallCount)

	client.Reset()
	assert.Equal(t, 0, client.CallCount)
	resp, err := client.Execute(context.Background(), pipeline.Target{}, &pipeline.Request{})
	require.NoError(t, err)
	assert.Equal(t, "only", resp.Content)
}

func TestClient_Execute_DefaultsModelWhenTargetOmitsOne(t *testing.T) {
	client := NewClient()
	resp, err := client.Execute(context.Background(), pipeline.Target{}, &pipeline.Request{})
	require.NoError(t, err)
	assert.Equal(t, "mock-model", resp.Model)
}
