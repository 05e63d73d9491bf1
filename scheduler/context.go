// Package scheduler owns the pipeline instance pool, runs the
// execute-with-retry/failover loop, and hosts the Error Response Center
// that turns a PipelineError's classification into a recovery action
// (spec §4.4, §4.5).
package scheduler

import (
	"time"

	"github.com/google/uuid"

	"github.com/modelgw/gateway/pipeline"
)

// ExecutionContext tracks one in-flight request across however many
// attempts the retry/failover loop makes before it succeeds or gives up
// (spec §4.4, grounded on the deleted core/async_task.go's task-tracking
// shape, generalized from a long-running task to a single scheduled
// request).
type ExecutionContext struct {
	ExecutionID  string
	VirtualModel pipeline.VirtualModelID
	StartedAt    time.Time
	Deadline     time.Time
	RetryCount   int
	TriedTargets []string
}

// NewExecutionContext starts tracking a request against vm, with an
// overall deadline of now+globalTimeout.
func NewExecutionContext(vm pipeline.VirtualModelID, globalTimeout time.Duration) *ExecutionContext {
	now := time.Now()
	return &ExecutionContext{
		ExecutionID:  uuid.NewString(),
		VirtualModel: vm,
		StartedAt:    now,
		Deadline:     now.Add(globalTimeout),
	}
}

// Remaining returns how much time is left before Deadline, or zero if
// already past it.
func (e *ExecutionContext) Remaining() time.Duration {
	d := time.Until(e.Deadline)
	if d < 0 {
		return 0
	}
	return d
}

// RecordAttempt appends instanceID to the set of targets already tried
// this execution and increments RetryCount.
func (e *ExecutionContext) RecordAttempt(instanceID string) {
	e.TriedTargets = append(e.TriedTargets, instanceID)
	e.RetryCount++
}

// AlreadyTried reports whether instanceID has already been attempted in
// this execution (used to avoid immediately re-selecting the same
// instance on a failover).
func (e *ExecutionContext) AlreadyTried(instanceID string) bool {
	for _, id := range e.TriedTargets {
		if id == instanceID {
			return true
		}
	}
	return false
}
