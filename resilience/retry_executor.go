package resilience

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/modelgw/gateway/core"
	"github.com/modelgw/gateway/telemetry"
)

// RetryExecutor performs retries with structured per-attempt/backoff/
// exhaustion logging, for callers that want those log lines instead of a
// bare error return from Retry. It shares Retry's delay progression
// (exponential backoff with optional jitter) rather than its own formula.
type RetryExecutor struct {
	config           *RetryConfig
	logger           core.Logger
	telemetryEnabled bool
}

// NewRetryExecutor creates a RetryExecutor. A nil config falls back to
// DefaultRetryConfig.
func NewRetryExecutor(config *RetryConfig) *RetryExecutor {
	if config == nil {
		config = DefaultRetryConfig()
	}
	return &RetryExecutor{config: config, logger: &core.NoOpLogger{}}
}

// SetLogger replaces the executor's logger. If logger implements
// core.ComponentAwareLogger it is tagged "framework/resilience", matching
// the convention CreateCircuitBreaker already applies.
func (e *RetryExecutor) SetLogger(logger core.Logger) {
	if logger == nil {
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/resilience")
	}
	e.logger = logger
}

// Execute runs fn, retrying on error per the executor's RetryConfig, and
// logs the start, each backoff, a final success, or exhaustion.
func (e *RetryExecutor) Execute(ctx context.Context, operation string, fn func() error) error {
	e.logger.Info("Starting retry operation", map[string]interface{}{
		"operation":       "retry_start",
		"retry_operation": operation,
		"max_attempts":    e.config.MaxAttempts,
		"initial_delay":   e.config.InitialDelay.String(),
		"backoff_factor":  e.config.BackoffFactor,
	})

	var lastErr error
	delay := e.config.InitialDelay

	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			e.logger.Info("retry operation succeeded", map[string]interface{}{
				"operation":       "retry_success",
				"retry_operation": operation,
				"attempt":         attempt,
			})
			if e.telemetryEnabled {
				telemetry.Counter("retry.success", "operation", operation, "final_attempt", fmt.Sprintf("%d", attempt))
			}
			return nil
		}
		lastErr = err

		if attempt == e.config.MaxAttempts {
			break
		}

		if attempt > 1 {
			delay = time.Duration(float64(delay) * e.config.BackoffFactor)
			if delay > e.config.MaxDelay {
				delay = e.config.MaxDelay
			}
		}
		waitDelay := delay
		if e.config.JitterEnabled {
			waitDelay += time.Duration(float64(waitDelay) * 0.1 * math.Sin(float64(attempt)))
		}

		e.logger.Warn("retrying after failure", map[string]interface{}{
			"operation":       "retry_backoff",
			"retry_operation": operation,
			"attempt":         attempt,
			"delay_ms":        waitDelay.Milliseconds(),
			"error":           err.Error(),
		})
		if e.telemetryEnabled {
			telemetry.Counter("retry.attempts", "operation", operation, "attempt_number", fmt.Sprintf("%d", attempt))
		}

		timer := time.NewTimer(waitDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	e.logger.Error("retry operation exhausted", map[string]interface{}{
		"operation":       "retry_exhausted",
		"retry_operation": operation,
		"max_attempts":    e.config.MaxAttempts,
		"error":           lastErr.Error(),
	})
	if e.telemetryEnabled {
		telemetry.Counter("retry.failures", "operation", operation, "error_type", fmt.Sprintf("%T", lastErr))
	}
	return fmt.Errorf("max retry attempts (%d) exceeded for %v: %w", e.config.MaxAttempts, lastErr, core.ErrMaxRetriesExceeded)
}
