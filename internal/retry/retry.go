// Package retry decides how the engine reacts to a failed chunk and how the
// chunk size shrinks between retries.
package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

// Class determines how to handle a chunk error.
type Class int

const (
	// Transient failures leave the cursor untouched; the slice ends and the
	// same chunk is retried later with a smaller size.
	Transient Class = iota
	// Permanent failures mark the request skipped and move on.
	Permanent
	// Fatal failures stop the slice without touching progress.
	Fatal
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify maps a chunk error to a Class. isConnLost is the driver's
// lost-connection check.
func Classify(err error, isConnLost func(error) bool) Class {
	if err == nil {
		return Transient // Should not happen
	}
	if errors.Is(err, context.Canceled) {
		return Fatal
	}
	// A statement timeout is retried with a smaller chunk.
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	if isConnLost != nil && isConnLost(err) {
		return Transient
	}
	return Permanent
}

// Shrink returns the chunk size to use after a transient failure at size n.
// giveUp is true when n is already 1. The n/2+1 rule stalls at 2, so any
// step that would not decrease falls back to n-1.
func Shrink(n int) (next int, giveUp bool) {
	if n <= 1 {
		return 1, true
	}
	next = n/2 + 1
	if next >= n {
		next = n - 1
	}
	return next, false
}

// Steps returns how many shrinks it takes to abandon starting from n.
func Steps(n int) int {
	steps := 0
	for {
		next, giveUp := Shrink(n)
		steps++
		if giveUp {
			return steps
		}
		n = next
	}
}

// BackoffConfig defines the wait between slices after a transient failure.
type BackoffConfig struct {
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffMultiple float64
}

// DefaultBackoff provides sensible defaults.
var DefaultBackoff = BackoffConfig{
	InitialDelay:    5 * time.Second,
	MaxDelay:        5 * time.Minute,
	BackoffMultiple: 2.0,
}

// Backoff returns the delay before retry attempt (0-based).
func Backoff(attempt int, cfg BackoffConfig) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	mult := cfg.BackoffMultiple
	if mult < 1 {
		mult = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(mult, float64(attempt))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	return time.Duration(delay)
}

// Wait sleeps for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
