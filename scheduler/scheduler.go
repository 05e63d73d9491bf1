package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/modelgw/gateway/blacklist"
	"github.com/modelgw/gateway/core"
	"github.com/modelgw/gateway/loadbalancer"
	"github.com/modelgw/gateway/pipeline"
	"github.com/modelgw/gateway/resilience"
	"github.com/modelgw/gateway/schedulererrors"
	"github.com/modelgw/gateway/telemetry"
)

// Config holds the scheduler's tunables, sourced from
// core.GatewayConfig at startup (spec §6 "Scheduler config shape").
//
// Retry and CircuitBreaker map onto the assembly table's
// failover:{retryDelayMs, backoffMultiplier, circuitBreaker:{...}} block:
// Retry governs the delay between failed attempts within one Execute
// call, CircuitBreaker is cloned per instance (Name set to the instance
// ID) to gate eligibility independently of the blacklist.
type Config struct {
	MaxRetries            int
	PerAttemptTimeout     time.Duration
	GlobalTimeout         time.Duration
	MaxConcurrentRequests int
	CleanupInterval       time.Duration
	HealthCheckInterval   time.Duration
	Retry                 *resilience.RetryConfig
	CircuitBreaker        *resilience.CircuitBreakerConfig
}

// DefaultConfig returns sensible scheduler defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:            3,
		PerAttemptTimeout:     20 * time.Second,
		GlobalTimeout:         60 * time.Second,
		MaxConcurrentRequests: 256,
		CleanupInterval:       30 * time.Second,
		HealthCheckInterval:   10 * time.Second,
		Retry:                 resilience.DefaultRetryConfig(),
		CircuitBreaker:        resilience.DefaultConfig(),
	}
}

// Scheduler owns the pipeline instance pool for every virtual model, and
// runs the execute-with-retry/failover loop against it (spec §4.4).
type Scheduler struct {
	cfg        Config
	blacklist  *blacklist.Registry
	center     *ErrorCenter
	logger     core.Logger
	strategies map[pipeline.VirtualModelID]loadbalancer.Strategy

	mu    sync.RWMutex
	pools map[pipeline.VirtualModelID][]*pipeline.PipelineInstance

	cbMu            sync.Mutex
	circuitBreakers map[string]*resilience.CircuitBreaker

	sem chan struct{}

	stopHealthCheck chan struct{}
	stopCleanup     chan struct{}

	telemetry core.Telemetry // defaults to NoOp, always nil-checked before use
}

// Option configures optional Scheduler dependencies beyond New's required
// arguments.
type Option func(*Scheduler)

// WithTelemetry attaches an OTel span provider (e.g.
// telemetry.GetTelemetryProvider() once telemetry.Initialize has run) so
// Execute's attempts show up as spans, not just the package-level
// telemetry.Duration/RecordSuccess/RecordError counters it already emits
// unconditionally.
func WithTelemetry(t core.Telemetry) Option {
	return func(s *Scheduler) { s.telemetry = t }
}

// New builds a Scheduler over an already-assembled instance pool,
// resolving each virtual model's strategy by name (spec §4.2).
func New(cfg Config, pools map[pipeline.VirtualModelID][]*pipeline.PipelineInstance, strategyNames map[pipeline.VirtualModelID]string, bl *blacklist.Registry, logger core.Logger, opts ...Option) (*Scheduler, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if bl == nil {
		bl = blacklist.NewRegistry(0, logger, nil)
	}
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = DefaultConfig().MaxConcurrentRequests
	}
	if cfg.Retry == nil {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	if cfg.CircuitBreaker == nil {
		cfg.CircuitBreaker = resilience.DefaultConfig()
	}

	strategies := make(map[pipeline.VirtualModelID]loadbalancer.Strategy, len(pools))
	for vm := range pools {
		name := strategyNames[vm]
		if name == "" {
			name = "round_robin"
		}
		strategy, err := loadbalancer.New(name)
		if err != nil {
			return nil, fmt.Errorf("virtual model %q: %w", vm, err)
		}
		strategies[vm] = strategy
	}

	s := &Scheduler{
		cfg:             cfg,
		blacklist:       bl,
		center:          NewErrorCenter(),
		logger:          logger,
		strategies:      strategies,
		pools:           pools,
		circuitBreakers: make(map[string]*resilience.CircuitBreaker),
		sem:             make(chan struct{}, cfg.MaxConcurrentRequests),
		telemetry:       &core.NoOpTelemetry{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// circuitBreakerFor returns the per-instance circuit breaker, building one
// from cfg.CircuitBreaker (with Name set to instanceID) on first use. A nil
// return means the instance is not breaker-gated - this only happens if
// cfg.CircuitBreaker fails validation, which a correctly configured
// scheduler never hits.
func (s *Scheduler) circuitBreakerFor(instanceID string) *resilience.CircuitBreaker {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()

	if cb, ok := s.circuitBreakers[instanceID]; ok {
		return cb
	}

	cfg := *s.cfg.CircuitBreaker
	cfg.Name = instanceID
	cb, err := resilience.NewCircuitBreaker(&cfg)
	if err != nil {
		s.logger.Warn("circuit breaker config invalid, instance will not be breaker-gated", map[string]interface{}{
			"instance_id": instanceID,
			"error":       err.Error(),
		})
		return nil
	}
	s.circuitBreakers[instanceID] = cb
	return cb
}

// ErrorCenter exposes the scheduler's Error Response Center so callers
// can register custom handlers at startup.
func (s *Scheduler) ErrorCenter() *ErrorCenter { return s.center }

// Execute dispatches req against virtual model vm, retrying/failing over
// across healthy, non-blacklisted instances up to cfg.MaxRetries times
// or until the global timeout elapses, whichever comes first.
func (s *Scheduler) Execute(ctx context.Context, vm pipeline.VirtualModelID, req *pipeline.Request) (*pipeline.Response, error) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	default:
		return nil, schedulererrors.New(schedulererrors.CodePoolExhausted, "scheduler at max concurrency")
	}

	defer telemetry.Duration("scheduler.execute.duration_ms", time.Now(), "virtual_model", string(vm))

	ctx, span := s.telemetry.StartSpan(ctx, "scheduler.execute")
	span.SetAttribute("virtual_model", string(vm))
	defer span.End()

	execCtx := NewExecutionContext(vm, s.cfg.GlobalTimeout)
	ctx, cancel := context.WithDeadline(ctx, execCtx.Deadline)
	defer cancel()

	req.ExecutionID = execCtx.ExecutionID
	req.VirtualModel = vm

	strategy, instances, err := s.poolFor(vm)
	if err != nil {
		telemetry.RecordError("scheduler.execute", "unknown_virtual_model", "virtual_model", string(vm))
		return nil, err
	}

	var lastErr error
	var sticky *pipeline.PipelineInstance // set when the last action asked to retry the same instance

	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if execCtx.Remaining() <= 0 {
			break
		}

		var instance *pipeline.PipelineInstance
		if sticky != nil {
			instance = sticky
			sticky = nil
		} else {
			candidates := s.eligibleCandidates(instances)
			if len(candidates) == 0 {
				lastErr = schedulererrors.New(schedulererrors.CodeNoHealthyTarget,
					fmt.Sprintf("no healthy target for virtual model %q", vm))
				break
			}

			picked, err := strategy.Select(candidates)
			if err != nil {
				lastErr = schedulererrors.New(schedulererrors.CodeNoHealthyTarget, "strategy selection failed",
					schedulererrors.WithCause(err))
				break
			}
			instance = picked.(*pipeline.PipelineInstance)
		}
		execCtx.RecordAttempt(instance.ID())

		attemptCtx, attemptCancel := context.WithTimeout(ctx, s.cfg.PerAttemptTimeout)
		resp, execErr := instance.Execute(attemptCtx, req)
		attemptCancel()

		cb := s.circuitBreakerFor(instance.ID())
		if execErr == nil {
			if cb != nil {
				cb.RecordSuccess()
			}
			telemetry.RecordSuccess("scheduler.execute", "virtual_model", string(vm), "instance_id", instance.ID())
			resp.InstanceID = instance.ID()
			resp.RetryCount = execCtx.RetryCount - 1
			span.SetAttribute("instance_id", instance.ID())
			span.SetAttribute("retry_count", resp.RetryCount)
			return resp, nil
		}
		if cb != nil {
			cb.RecordFailure()
		}

		lastErr = execErr
		pe, ok := schedulererrors.As(execErr)
		if !ok {
			if errors.Is(execErr, context.DeadlineExceeded) {
				pe = schedulererrors.New(schedulererrors.CodeExecutionTimeout,
					fmt.Sprintf("attempt on instance %s exceeded its per-attempt deadline", instance.ID()),
					schedulererrors.WithCause(execErr))
			} else {
				pe = schedulererrors.New(schedulererrors.CodeStageFailed, "unclassified pipeline error",
					schedulererrors.WithCause(execErr))
			}
		}

		action := s.center.Classify(ctx, pe, instance)
		s.applyAction(ctx, instance, pe, action)

		// An auth failure rotates credentials and must land back on the
		// same instance to actually use the new one, even though its
		// action is blacklist-temporary (the instance is still excluded
		// from every other request's candidate set); any other retry
		// (e.g. a transient network blip) goes back through normal
		// selection, which lets a strategy like round robin move on.
		if action == schedulererrors.ActionBlacklistTemporary && pe.Code == schedulererrors.CodeAuthFailed {
			sticky = instance
		}
		if action == schedulererrors.ActionIgnore {
			telemetry.RecordSuccess("scheduler.execute", "virtual_model", string(vm), "instance_id", instance.ID())
			span.SetAttribute("instance_id", instance.ID())
			span.SetAttribute("retry_count", execCtx.RetryCount-1)
			span.SetAttribute("ignored_error_code", pe.Code)
			return &pipeline.Response{
				InstanceID: instance.ID(),
				RetryCount: execCtx.RetryCount - 1,
			}, nil
		}

		if attempt < s.cfg.MaxRetries {
			s.waitBeforeRetry(ctx, execCtx, attempt+1)
		}
	}

	if lastErr == nil {
		lastErr = schedulererrors.New(schedulererrors.CodeMaxRetriesExceeded, "exhausted retries with no recorded error")
	}
	if pe, ok := schedulererrors.As(lastErr); ok {
		pe.Details = withRetryCount(pe.Details, execCtx.RetryCount)
		telemetry.RecordError("scheduler.execute", fmt.Sprintf("%d", pe.Code), "virtual_model", string(vm))
	} else {
		telemetry.RecordError("scheduler.execute", "unclassified", "virtual_model", string(vm))
	}
	span.RecordError(lastErr)
	return nil, lastErr
}

// withRetryCount attaches the execution's retry count to a PipelineError's
// Details so the HTTP front end can surface it in the error envelope
// (spec.md §6) even though a failed Execute call never returns a Response.
func withRetryCount(details map[string]string, retryCount int) map[string]string {
	if details == nil {
		details = make(map[string]string)
	}
	details["retry_count"] = fmt.Sprintf("%d", retryCount)
	return details
}

// waitBeforeRetry sleeps the backoff delay for the given attempt number
// before the next retry, capped to whatever remains of the execution's
// global timeout and cut short by ctx cancellation.
func (s *Scheduler) waitBeforeRetry(ctx context.Context, execCtx *ExecutionContext, attempt int) {
	delay := resilience.NextDelay(s.cfg.Retry, attempt)
	if remaining := execCtx.Remaining(); delay > remaining {
		delay = remaining
	}
	if delay <= 0 {
		return
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// poolFor returns the strategy and candidate slice for vm under a read
// lock, failing with CodeUnknownVirtualModel if vm was never assembled.
func (s *Scheduler) poolFor(vm pipeline.VirtualModelID) (loadbalancer.Strategy, []*pipeline.PipelineInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instances, ok := s.pools[vm]
	if !ok || len(instances) == 0 {
		return nil, nil, schedulererrors.New(schedulererrors.CodeUnknownVirtualModel,
			fmt.Sprintf("virtual model %q has no assembled instances", vm))
	}
	return s.strategies[vm], instances, nil
}

// eligibleCandidates filters instances to those not blacklisted, not
// breaker-tripped, and in a state that can serve traffic. It deliberately
// does not exclude instances already tried this execution: a
// failing-over strategy like round robin naturally advances past them on
// its own, while a strategy like least-connections may legitimately pick
// the same instance again once its active-connection count has settled.
//
// The blacklist and the circuit breaker gate different things: the
// blacklist is driven by the Error Response Center's classification of a
// single error (e.g. one 401 blacklists on the spot), while the breaker
// trips on a rolling error-rate over a request volume, independent of
// what the Error Response Center decided to do about any one of them.
func (s *Scheduler) eligibleCandidates(instances []*pipeline.PipelineInstance) []loadbalancer.Candidate {
	candidates := make([]loadbalancer.Candidate, 0, len(instances))
	for _, inst := range instances {
		if s.blacklist.IsBlacklisted(inst.ID()) {
			continue
		}
		switch inst.State() {
		case pipeline.StateReady, pipeline.StateRunning:
		default:
			continue
		}
		if inst.Saturated() {
			telemetry.Counter("scheduler.instance.saturated", "instance_id", inst.ID())
			continue
		}
		if cb := s.circuitBreakerFor(inst.ID()); cb != nil && !cb.CanExecute() {
			telemetry.Counter("scheduler.circuit_breaker.rejected", "instance_id", inst.ID())
			continue
		}
		candidates = append(candidates, inst)
	}
	return candidates
}

// applyAction executes the recovery action Classify decided on.
func (s *Scheduler) applyAction(ctx context.Context, instance *pipeline.PipelineInstance, pe *schedulererrors.PipelineError, action schedulererrors.RecoveryAction) {
	switch action {
	case schedulererrors.ActionRetry:
		// no instance-level side effect; the next loop iteration selects
		// again through the strategy (see eligibleCandidates)
	case schedulererrors.ActionFailover:
		// no instance-level side effect; the next loop iteration selects
		// again through the strategy (see eligibleCandidates)
	case schedulererrors.ActionBlacklistTemporary:
		if pe.Code == schedulererrors.CodeAuthFailed {
			instance.RotateCredential()
		}
		s.blacklist.Add(ctx, instance.ID(), pe.Code, pe.Message, schedulererrors.BlacklistDurationForCode(pe.Code))
	case schedulererrors.ActionBlacklistPermanent:
		s.blacklist.Add(ctx, instance.ID(), pe.Code, pe.Message, 0)
	case schedulererrors.ActionMaintenance:
		_ = instance.Transition(pipeline.StateMaintenance)
	case schedulererrors.ActionDestroy:
		_ = instance.Transition(pipeline.StateDestroying)
		_ = instance.Transition(pipeline.StateDestroyed)
	case schedulererrors.ActionIgnore:
		// terminal, nothing to do
	}

	s.logger.Warn("pipeline instance error classified", map[string]interface{}{
		"instance_id": instance.ID(),
		"code":        pe.Code,
		"action":      string(action),
	})
	telemetry.Counter("scheduler.error_classified",
		"code", fmt.Sprintf("%d", pe.Code),
		"action", string(action))
}

// StartBackgroundLoops launches the health-check and blacklist-cleanup
// tickers (spec §9 supplemented features). Call Stop to shut them down.
func (s *Scheduler) StartBackgroundLoops(ctx context.Context) {
	s.stopHealthCheck = make(chan struct{})
	s.stopCleanup = make(chan struct{})

	go s.healthCheckLoop(ctx)
	go s.cleanupLoop(ctx)
}

func (s *Scheduler) healthCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopHealthCheck:
			return
		case <-ticker.C:
			s.mu.RLock()
			for _, instances := range s.pools {
				for _, inst := range instances {
					inst.PerformHealthCheck()
				}
			}
			s.mu.RUnlock()
		}
	}
}

func (s *Scheduler) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			removed := s.blacklist.Cleanup(ctx)
			if removed > 0 {
				s.logger.Info("blacklist cleanup removed expired entries", map[string]interface{}{
					"removed": removed,
				})
			}
		}
	}
}

// Stop halts the background loops started by StartBackgroundLoops.
func (s *Scheduler) Stop() {
	if s.stopHealthCheck != nil {
		close(s.stopHealthCheck)
	}
	if s.stopCleanup != nil {
		close(s.stopCleanup)
	}
}
