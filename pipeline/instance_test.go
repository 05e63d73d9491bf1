package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	name string
	err  error
	resp *Response
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Execute(ctx context.Context, target Target, req *Request) (*Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func newTestInstance(backend Backend) *PipelineInstance {
	target := Target{ID: "t1", Provider: "openai", Model: "gpt-4", Weight: 2}
	stage := NewProviderIOStage(backend, target)
	return NewPipelineInstance("gpt-4-virtual", target, stage, nil)
}

func TestPipelineInstance_InitialState(t *testing.T) {
	inst := newTestInstance(&fakeBackend{name: "openai"})
	assert.Equal(t, StateCreating, inst.State())
	assert.Equal(t, HealthUnknown, inst.Health())
	assert.Equal(t, 2, inst.Weight())
}

func TestPipelineInstance_ValidTransitions(t *testing.T) {
	inst := newTestInstance(&fakeBackend{name: "openai"})
	require.NoError(t, inst.Transition(StateInitializing))
	require.NoError(t, inst.Transition(StateReady))
	require.NoError(t, inst.Transition(StateRunning))
	assert.Equal(t, StateRunning, inst.State())
}

func TestPipelineInstance_InvalidTransitionRejected(t *testing.T) {
	inst := newTestInstance(&fakeBackend{name: "openai"})
	err := inst.Transition(StateRunning) // Creating -> Running is not allowed directly
	assert.Error(t, err)
	assert.Equal(t, StateCreating, inst.State())
}

func TestPipelineInstance_ExecuteSuccess(t *testing.T) {
	backend := &fakeBackend{name: "openai", resp: &Response{Content: "hello"}}
	inst := newTestInstance(backend)

	req := &Request{Protocol: "openai", Model: "gpt-4", MaxTokens: 100}
	resp, err := inst.Execute(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)

	snap := inst.Snapshot()
	assert.Equal(t, int64(1), snap.RequestCount)
	assert.Equal(t, int64(0), snap.ErrorCount)
}

func TestPipelineInstance_ExecuteRejectsBadProtocol(t *testing.T) {
	inst := newTestInstance(&fakeBackend{name: "openai"})
	req := &Request{Protocol: "carrier-pigeon"}

	_, err := inst.Execute(context.Background(), req)
	assert.Error(t, err)

	snap := inst.Snapshot()
	assert.Equal(t, int64(1), snap.ErrorCount)
}

func TestPipelineInstance_HealthDegradesOnConsecutiveErrors(t *testing.T) {
	backend := &fakeBackend{name: "openai", err: errors.New("boom")}
	inst := newTestInstance(backend)
	inst.thresholds.UnhealthyConsecutive = 3

	req := &Request{Protocol: "openai", MaxTokens: 10}
	for i := 0; i < 3; i++ {
		_, _ = inst.Execute(context.Background(), req)
	}

	assert.Equal(t, HealthUnhealthy, inst.Health())
}

func TestPipelineInstance_PerformHealthCheckRecovers(t *testing.T) {
	inst := newTestInstance(&fakeBackend{name: "openai", resp: &Response{Content: "ok"}})
	req := &Request{Protocol: "openai", MaxTokens: 10}
	_, err := inst.Execute(context.Background(), req)
	require.NoError(t, err)

	health := inst.PerformHealthCheck()
	assert.Equal(t, HealthHealthy, health)
}
