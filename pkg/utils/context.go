package utils

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SleepResult represents the outcome of a context-aware sleep.
type SleepResult int

const (
	// SleepCompleted indicates the full duration elapsed.
	SleepCompleted SleepResult = iota
	// SleepCancelled indicates the context was cancelled first.
	SleepCancelled
)

// ContextSleep sleeps for duration unless the context is cancelled first.
func ContextSleep(ctx context.Context, duration time.Duration) SleepResult {
	if duration <= 0 {
		if ctx.Err() != nil {
			return SleepCancelled
		}

		return SleepCompleted
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return SleepCompleted
	case <-ctx.Done():
		return SleepCancelled
	}
}

// ContextSleepUntil waits until target unless the context is cancelled first.
func ContextSleepUntil(ctx context.Context, target time.Time) SleepResult {
	return ContextSleep(ctx, time.Until(target))
}

// ContextGuardWithLog reports whether the context is cancelled, logging cancelMessage if so.
func ContextGuardWithLog(ctx context.Context, logger *zap.Logger, cancelMessage string) bool {
	if ctx.Err() == nil {
		return false
	}

	if logger != nil && cancelMessage != "" {
		logger.Info(cancelMessage)
	}

	return true
}

func sleepWithLog(ctx context.Context, duration time.Duration, logger *zap.Logger, cancelMessage string) bool {
	if ContextSleep(ctx, duration) == SleepCompleted {
		return true
	}

	if logger != nil {
		logger.Info(cancelMessage)
	}

	return false
}

// ErrorSleep pauses a worker after a failed iteration.
// Returns false if the worker should stop because the context was cancelled.
func ErrorSleep(ctx context.Context, duration time.Duration, logger *zap.Logger, workerName string) bool {
	return sleepWithLog(ctx, duration, logger,
		"Context cancelled during error wait, stopping "+workerName)
}

// IntervalSleep pauses a worker between iterations.
// Returns false if the worker should stop because the context was cancelled.
func IntervalSleep(ctx context.Context, duration time.Duration, logger *zap.Logger, workerName string) bool {
	return sleepWithLog(ctx, duration, logger,
		"Context cancelled during pause, stopping "+workerName)
}

// RateLimitSleep waits until a rate limit window resets plus buffer.
// Returns false if the worker should stop because the context was cancelled.
func RateLimitSleep(ctx context.Context, reset time.Time, buffer time.Duration, logger *zap.Logger, workerName string) bool {
	target := reset.Add(buffer)

	if logger != nil {
		logger.Info("Rate limited, waiting for window reset",
			zap.Time("reset", reset),
			zap.Duration("wait", time.Until(target)))
	}

	return sleepWithLog(ctx, time.Until(target), logger,
		"Context cancelled during rate limit wait, stopping "+workerName)
}
