package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/modelgw/gateway/core"
	"github.com/modelgw/gateway/schedulererrors"
)

// State is a PipelineInstance's lifecycle state (spec §4.1):
//
//	Creating -> Initializing -> Ready -> Running/Paused/Error/Maintenance -> Destroying -> Destroyed
type State string

const (
	StateCreating     State = "creating"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateRunning      State = "running"
	StatePaused       State = "paused"
	StateError        State = "error"
	StateMaintenance  State = "maintenance"
	StateDestroying   State = "destroying"
	StateDestroyed    State = "destroyed"
)

// validTransitions enumerates the state machine's allowed edges. Any
// transition not listed here is rejected by Transition.
var validTransitions = map[State][]State{
	StateCreating:     {StateInitializing, StateError, StateDestroying},
	StateInitializing: {StateReady, StateError, StateDestroying},
	StateReady:        {StateRunning, StatePaused, StateMaintenance, StateError, StateDestroying},
	StateRunning:      {StateReady, StatePaused, StateMaintenance, StateError, StateDestroying},
	StatePaused:       {StateReady, StateRunning, StateMaintenance, StateDestroying},
	StateError:        {StateReady, StateMaintenance, StateDestroying},
	StateMaintenance:  {StateReady, StateDestroying},
	StateDestroying:   {StateDestroyed},
	StateDestroyed:    {},
}

// Health is the instance's probe-derived health, separate from its
// lifecycle State (spec §4.1).
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
	HealthUnknown   Health = "unknown"
)

// HealthThresholds configures when PerformHealthCheck downgrades an
// instance's Health based on recent error behavior.
type HealthThresholds struct {
	DegradedErrorRate   float64 // fraction of recent requests that errored
	UnhealthyErrorRate  float64
	UnhealthyConsecutive int // consecutive errors that force Unhealthy regardless of rate
}

// DefaultHealthThresholds mirrors the probe thresholds spec.md §4.1 uses
// in its worked example.
func DefaultHealthThresholds() HealthThresholds {
	return HealthThresholds{
		DegradedErrorRate:    0.1,
		UnhealthyErrorRate:   0.3,
		UnhealthyConsecutive: 5,
	}
}

// Metrics is a point-in-time snapshot of an instance's traffic counters.
type Metrics struct {
	RequestCount       int64
	ErrorCount         int64
	ConsecutiveErrors  int
	ActiveConnections  int64
	TotalResponseTimeMs int64
	LastError          error
	LastErrorAt        time.Time
}

// ErrorRate returns ErrorCount/RequestCount, or 0 if no requests yet.
func (m Metrics) ErrorRate() float64 {
	if m.RequestCount == 0 {
		return 0
	}
	return float64(m.ErrorCount) / float64(m.RequestCount)
}

// AvgResponseTimeMs returns the mean response time across all requests.
func (m Metrics) AvgResponseTimeMs() float64 {
	if m.RequestCount == 0 {
		return 0
	}
	return float64(m.TotalResponseTimeMs) / float64(m.RequestCount)
}

// PipelineInstance is a materialized, runnable pipeline: one Target plus
// the Stage chain that carries a request to it and a response back
// (spec §4.1). It implements loadbalancer.Candidate directly so the
// scheduler can hand a slice of instances straight to a Strategy.
type PipelineInstance struct {
	InstanceID   string
	VirtualModel VirtualModelID
	Target       Target
	Stages       []Stage
	ProviderIO   *ProviderIOStage

	thresholds HealthThresholds
	logger     core.Logger

	mu      sync.RWMutex
	state   State
	health  Health
	metrics Metrics
}

// NewPipelineInstance assembles stages in Protocol Switch -> Workflow ->
// Compatibility -> Provider I/O order and starts the instance in
// StateCreating.
func NewPipelineInstance(vm VirtualModelID, target Target, providerIO *ProviderIOStage, logger core.Logger) *PipelineInstance {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &PipelineInstance{
		InstanceID:   uuid.NewString(),
		VirtualModel: vm,
		Target:       target,
		Stages: []Stage{
			NewProtocolSwitchStage(),
			NewWorkflowStage(),
			NewCompatibilityStage(0),
		},
		ProviderIO: providerIO,
		thresholds: DefaultHealthThresholds(),
		logger:     logger,
		state:      StateCreating,
		health:     HealthUnknown,
	}
}

// Initialize validates the instance's wiring and drives it from
// StateCreating to StateReady (spec §4.1/§4.6 `initialize()`: Creating ->
// Initializing -> Ready; on success the Assembler registers the instance
// with the scheduler pool). On a validation failure it transitions to
// StateError instead and returns a PipelineError describing what was
// missing; the Assembler is expected to surface that as a construction
// failure rather than hand a half-wired instance to the scheduler.
func (p *PipelineInstance) Initialize(ctx context.Context) error {
	if err := p.validateWiring(); err != nil {
		_ = p.Transition(StateError)
		return err
	}
	if err := p.Transition(StateInitializing); err != nil {
		_ = p.Transition(StateError)
		return err
	}
	if err := p.Transition(StateReady); err != nil {
		_ = p.Transition(StateError)
		return err
	}
	return nil
}

// validateWiring checks that an instance has everything Execute needs
// before it is allowed to reach StateReady.
func (p *PipelineInstance) validateWiring() error {
	if p.Target.ID == "" {
		return schedulererrors.New(schedulererrors.CodeMissingAssemblyField, "target id is required")
	}
	if p.ProviderIO == nil || p.ProviderIO.Backend == nil {
		return schedulererrors.New(schedulererrors.CodeMissingAssemblyField,
			fmt.Sprintf("target %q has no provider I/O backend wired", p.Target.ID))
	}
	if len(p.Stages) == 0 {
		return schedulererrors.New(schedulererrors.CodeMissingAssemblyField,
			fmt.Sprintf("target %q has no stages wired", p.Target.ID))
	}
	return nil
}

// ID implements loadbalancer.Candidate.
func (p *PipelineInstance) ID() string { return p.InstanceID }

// Weight implements loadbalancer.Candidate.
func (p *PipelineInstance) Weight() int {
	if p.Target.Weight <= 0 {
		return 1
	}
	return p.Target.Weight
}

// ActiveConnections implements loadbalancer.Candidate.
func (p *PipelineInstance) ActiveConnections() int64 {
	return atomic.LoadInt64(&p.metrics.ActiveConnections)
}

// AvgResponseTimeMs implements loadbalancer.Candidate.
func (p *PipelineInstance) AvgResponseTimeMs() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.metrics.AvgResponseTimeMs()
}

// State returns the instance's current lifecycle state.
func (p *PipelineInstance) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Health returns the instance's current probe-derived health.
func (p *PipelineInstance) Health() Health {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.health
}

// Transition moves the instance to newState, rejecting the move if it
// isn't a valid edge in the state machine.
func (p *PipelineInstance) Transition(newState State) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, allowed := range validTransitions[p.state] {
		if allowed == newState {
			p.logger.Info("pipeline instance state transition", map[string]interface{}{
				"instance_id": p.InstanceID,
				"from":        string(p.state),
				"to":          string(newState),
			})
			p.state = newState
			return nil
		}
	}
	return schedulererrors.New(schedulererrors.CodeInvalidStateTransition,
		fmt.Sprintf("invalid transition from %s to %s", p.state, newState))
}

// Snapshot returns a copy of the instance's current metrics.
func (p *PipelineInstance) Snapshot() Metrics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.metrics
}

// Saturated reports whether the instance is already running
// Target.MaxConcurrentPerInstance requests (spec §3/§4.1: "activeRequests
// >= maxConcurrentPerInstance => fail immediately (saturated, skip)"). A
// MaxConcurrentPerInstance of zero means unbounded, so Saturated is
// always false.
func (p *PipelineInstance) Saturated() bool {
	if p.Target.MaxConcurrentPerInstance <= 0 {
		return false
	}
	return atomic.LoadInt64(&p.metrics.ActiveConnections) >= int64(p.Target.MaxConcurrentPerInstance)
}

// Execute runs req through the down-path stages, the Provider I/O call,
// and the up-path stages in reverse, updating metrics and health as it
// goes. The caller (scheduler) is responsible for Transition-ing the
// instance to StateRunning beforehand and back to StateReady after.
//
// Execute fails immediately, without incrementing ActiveConnections or
// touching metrics, if the instance is already at
// Target.MaxConcurrentPerInstance (spec §4.1 saturation check).
func (p *PipelineInstance) Execute(ctx context.Context, req *Request) (*Response, error) {
	if p.Saturated() {
		return nil, schedulererrors.New(schedulererrors.CodeInstanceSaturated,
			fmt.Sprintf("instance %s saturated at %d concurrent requests", p.InstanceID, p.Target.MaxConcurrentPerInstance))
	}

	atomic.AddInt64(&p.metrics.ActiveConnections, 1)
	defer atomic.AddInt64(&p.metrics.ActiveConnections, -1)

	start := time.Now()
	resp, err := p.execute(ctx, req)
	duration := time.Since(start)

	p.recordResult(duration, err)
	return resp, err
}

func (p *PipelineInstance) execute(ctx context.Context, req *Request) (*Response, error) {
	current := req
	for _, stage := range p.Stages {
		next, err := stage.Process(ctx, current)
		if err != nil {
			return nil, err
		}
		current = next
	}

	resp, err := p.ProviderIO.Execute(ctx, current)
	if err != nil {
		return nil, err
	}

	for i := len(p.Stages) - 1; i >= 0; i-- {
		next, err := p.Stages[i].ProcessResponse(ctx, resp)
		if err != nil {
			return nil, err
		}
		resp = next
	}
	return resp, nil
}

func (p *PipelineInstance) recordResult(duration time.Duration, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.metrics.RequestCount++
	p.metrics.TotalResponseTimeMs += duration.Milliseconds()

	if err != nil {
		p.metrics.ErrorCount++
		p.metrics.ConsecutiveErrors++
		p.metrics.LastError = err
		p.metrics.LastErrorAt = time.Now()
	} else {
		p.metrics.ConsecutiveErrors = 0
	}

	p.health = p.deriveHealthLocked()
}

// deriveHealthLocked applies the threshold arithmetic from spec §4.1.
// Callers must hold p.mu.
func (p *PipelineInstance) deriveHealthLocked() Health {
	if p.metrics.ConsecutiveErrors >= p.thresholds.UnhealthyConsecutive {
		return HealthUnhealthy
	}
	rate := p.metrics.ErrorRate()
	switch {
	case rate >= p.thresholds.UnhealthyErrorRate:
		return HealthUnhealthy
	case rate >= p.thresholds.DegradedErrorRate:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// RotateCredential advances the target's credential index to
// (current+1) mod len(Credentials) and returns the new index (spec
// §4.4/§9: credential rotation on a 6001 AUTH_FAILED classification). A
// no-op returning 0 when the target has zero or one credential.
func (p *PipelineInstance) RotateCredential() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.Target.Credentials)
	if n <= 1 {
		return 0
	}
	p.Target.CredentialIndex = (p.Target.CredentialIndex + 1) % n
	if p.ProviderIO != nil {
		p.ProviderIO.Target.CredentialIndex = p.Target.CredentialIndex
	}
	return p.Target.CredentialIndex
}

// PerformHealthCheck re-derives Health from the current metrics snapshot
// without requiring a live request; intended to be called by a
// background health-check loop on HealthCheckInterval (spec §4.1, §9).
func (p *PipelineInstance) PerformHealthCheck() Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.health = p.deriveHealthLocked()
	return p.health
}
