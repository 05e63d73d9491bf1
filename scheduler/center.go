package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/modelgw/gateway/pipeline"
	"github.com/modelgw/gateway/schedulererrors"
)

// ErrorHandler inspects a classified PipelineError and the instance that
// produced it, and may override the recovery action the Error Response
// Center would otherwise apply. Returning "" defers to the next handler
// (or the taxonomy default if none override).
type ErrorHandler func(ctx context.Context, err *schedulererrors.PipelineError, instance *pipeline.PipelineInstance) schedulererrors.RecoveryAction

type prioritizedHandler struct {
	priority int
	handler  ErrorHandler
}

// HistoryEntry is one record in the Error Response Center's bounded ring
// buffer of recent errors (spec §4.5 point 5).
type HistoryEntry struct {
	Code         int
	Category     schedulererrors.Category
	Action       schedulererrors.RecoveryAction
	InstanceID   string
	VirtualModel pipeline.VirtualModelID
	At           time.Time
}

// defaultErrorHistorySize bounds the Error Response Center's ring buffer
// (spec §4.5 point 5, `maxErrorHistorySize`) absent an explicit override
// via NewErrorCenterWithHistorySize.
const defaultErrorHistorySize = 256

// ErrorCenter is the Error Response Center (spec §4.5): it classifies
// every PipelineError a pipeline instance returns into a RecoveryAction,
// consulting custom handlers in priority order before falling back to
// the taxonomy's per-code default (schedulererrors.DefaultRecoveryAction),
// and tracks per-code/per-category/per-instance/per-virtual-model counts
// plus a bounded ring buffer of recent errors for diagnostics.
type ErrorCenter struct {
	mu       sync.RWMutex
	handlers []prioritizedHandler

	codeCounts     map[int]int64
	categoryCounts map[schedulererrors.Category]int64
	instanceCounts map[string]int64
	vmCounts       map[pipeline.VirtualModelID]int64

	history    []HistoryEntry
	historyCap int
	historyAt  int // next write index, wraps modulo historyCap
	historyLen int // number of valid entries, caps at historyCap
}

// NewErrorCenter returns an ErrorCenter with no custom handlers
// registered and a default-sized error history ring buffer; Classify
// falls back to DefaultRecoveryAction until a handler is added via
// Register.
func NewErrorCenter() *ErrorCenter {
	return NewErrorCenterWithHistorySize(defaultErrorHistorySize)
}

// NewErrorCenterWithHistorySize is like NewErrorCenter but lets the
// caller size the ring buffer explicitly (maxErrorHistorySize, spec
// §4.5 point 5). A non-positive size disables history tracking.
func NewErrorCenterWithHistorySize(maxErrorHistorySize int) *ErrorCenter {
	c := &ErrorCenter{
		codeCounts:     make(map[int]int64),
		categoryCounts: make(map[schedulererrors.Category]int64),
		instanceCounts: make(map[string]int64),
		vmCounts:       make(map[pipeline.VirtualModelID]int64),
	}
	if maxErrorHistorySize > 0 {
		c.history = make([]HistoryEntry, maxErrorHistorySize)
		c.historyCap = maxErrorHistorySize
	}
	return c
}

// Register adds a custom handler at priority (higher runs first). Ties
// preserve registration order.
func (c *ErrorCenter) Register(priority int, handler ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers = append(c.handlers, prioritizedHandler{priority: priority, handler: handler})
	sort.SliceStable(c.handlers, func(i, j int) bool {
		return c.handlers[i].priority > c.handlers[j].priority
	})
}

// Classify resolves the RecoveryAction for err produced by instance,
// consulting registered handlers before falling back to the taxonomy
// default, escalating a retry-by-default code to a temporary blacklist
// once the instance's consecutive failures reach that code's configured
// RetryCount (spec §4.5's "60s if repeated" pattern, e.g. 5001/7001), and
// recording the classification in the error counters and history ring
// buffer (spec §4.5 point 5).
func (c *ErrorCenter) Classify(ctx context.Context, err *schedulererrors.PipelineError, instance *pipeline.PipelineInstance) schedulererrors.RecoveryAction {
	c.mu.RLock()
	handlers := make([]prioritizedHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.RUnlock()

	action := c.baseAction(err)
	for _, ph := range handlers {
		if overridden := ph.handler(ctx, err, instance); overridden != "" {
			action = overridden
			break
		}
	}
	action = c.escalate(action, err, instance)

	c.record(err, action, instance)
	return action
}

// baseAction resolves the taxonomy default before any custom handler or
// escalation runs.
func (c *ErrorCenter) baseAction(err *schedulererrors.PipelineError) schedulererrors.RecoveryAction {
	if err.Action != "" {
		return err.Action
	}
	return schedulererrors.DefaultRecoveryAction(err.Code)
}

// escalate converts a retry action into blacklist-temporary once the
// instance has failed the same way RetryCount times in a row, for codes
// whose strategy declares a BlacklistDuration (spec §4.5's 5001/7001
// "if repeated" rows).
func (c *ErrorCenter) escalate(action schedulererrors.RecoveryAction, err *schedulererrors.PipelineError, instance *pipeline.PipelineInstance) schedulererrors.RecoveryAction {
	if action != schedulererrors.ActionRetry || instance == nil {
		return action
	}
	strategy, ok := schedulererrors.StrategyForCode(err.Code)
	if !ok || strategy.BlacklistDuration <= 0 || strategy.RetryCount <= 0 {
		return action
	}
	if instance.Snapshot().ConsecutiveErrors >= strategy.RetryCount {
		return schedulererrors.ActionBlacklistTemporary
	}
	return action
}

// record updates the per-code/per-category/per-instance/per-virtual-model
// counters and appends to the history ring buffer.
func (c *ErrorCenter) record(err *schedulererrors.PipelineError, action schedulererrors.RecoveryAction, instance *pipeline.PipelineInstance) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.codeCounts[err.Code]++
	c.categoryCounts[err.Category]++

	entry := HistoryEntry{
		Code:     err.Code,
		Category: err.Category,
		Action:   action,
		At:       time.Now(),
	}
	if instance != nil {
		c.instanceCounts[instance.ID()]++
		entry.InstanceID = instance.ID()
		entry.VirtualModel = instance.VirtualModel
		c.vmCounts[instance.VirtualModel]++
	}

	if c.historyCap > 0 {
		c.history[c.historyAt] = entry
		c.historyAt = (c.historyAt + 1) % c.historyCap
		if c.historyLen < c.historyCap {
			c.historyLen++
		}
	}
}

// CodeCount returns how many times code has been classified.
func (c *ErrorCenter) CodeCount(code int) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.codeCounts[code]
}

// CategoryCount returns how many times a code in category has been
// classified.
func (c *ErrorCenter) CategoryCount(category schedulererrors.Category) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.categoryCounts[category]
}

// InstanceCount returns how many errors instanceID has produced.
func (c *ErrorCenter) InstanceCount(instanceID string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instanceCounts[instanceID]
}

// VirtualModelCount returns how many errors virtual model vm has produced
// across all its instances.
func (c *ErrorCenter) VirtualModelCount(vm pipeline.VirtualModelID) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vmCounts[vm]
}

// History returns a snapshot of the recent-error ring buffer, oldest
// first. O(n) in the number of entries currently held, independent of
// how many errors have ever been classified (O(1) eviction: new entries
// simply overwrite the oldest slot rather than shifting the slice).
func (c *ErrorCenter) History() []HistoryEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]HistoryEntry, 0, c.historyLen)
	if c.historyLen < c.historyCap {
		out = append(out, c.history[:c.historyLen]...)
		return out
	}
	out = append(out, c.history[c.historyAt:]...)
	out = append(out, c.history[:c.historyAt]...)
	return out
}
