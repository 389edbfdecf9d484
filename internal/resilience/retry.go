/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/projectbeskar/virtualization-mcp/internal/contracts"
)

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxAttempts  int           // Maximum number of attempts
	BaseDelay    time.Duration // Base delay between retries
	MaxDelay     time.Duration // Maximum delay between retries
	MaxTotalWait time.Duration // Upper bound on cumulative delay (0 = unbounded)
	Multiplier   float64       // Backoff multiplier
	Jitter       bool          // Whether to add jitter to delays
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// BusyRetryConfig returns the policy for operations that may hit VirtualBox's
// own per-VM session lock: base 100 ms, x2, at most 5 attempts, at most 10 s
// of cumulative waiting.
func BusyRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  5,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		MaxTotalWait: 10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	ce := contracts.AsError(err)
	return ce.IsRetryable()
}

// RetryFunc represents a function that can be retried
type RetryFunc func(ctx context.Context, attempt int) error

// Retry executes a function with exponential backoff retry logic
func Retry(ctx context.Context, config *RetryConfig, fn RetryFunc) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	var waited time.Duration

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}

		lastErr = err

		if !IsRetryable(err) {
			return err
		}

		// Don't delay after the last attempt
		if attempt == config.MaxAttempts-1 {
			break
		}

		delay := calculateDelay(config, attempt)
		if config.MaxTotalWait > 0 && waited+delay > config.MaxTotalWait {
			break
		}
		waited += delay

		select {
		case <-ctx.Done():
			return contracts.Wrap(contracts.ErrCancelled, ctx.Err(), "retry cancelled")
		case <-time.After(delay):
		}
	}

	return lastErr
}

// calculateDelay calculates the delay for the given attempt
func calculateDelay(config *RetryConfig, attempt int) time.Duration {
	// Exponential backoff
	delay := float64(config.BaseDelay) * math.Pow(config.Multiplier, float64(attempt))

	// Cap at maximum delay
	if time.Duration(delay) > config.MaxDelay {
		delay = float64(config.MaxDelay)
	}

	// Add jitter if enabled
	if config.Jitter {
		// Add random jitter up to 10% of the delay
		jitter := delay * 0.1 * rand.Float64()
		delay += jitter
	}

	return time.Duration(delay)
}
