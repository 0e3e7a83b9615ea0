/*
Copyright 2024 ComputeHQ, Inc.

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

package platform

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/computehq/compute-gateway/lib/defaults"
)

type retryConfig struct {
	base     time.Duration
	cap      time.Duration
	attempts int
	clock    clockwork.Clock
}

func defaultRetryConfig() retryConfig {
	return retryConfig{
		base:     defaults.PlatformRetryBase,
		cap:      defaults.PlatformRetryCap,
		attempts: defaults.PlatformRetryAttempts,
		clock:    clockwork.NewRealClock(),
	}
}

// withRetry runs fn retrying transient platform errors with full jitter
// exponential backoff. Non-transient errors surface immediately,
// exhaustion surfaces as a connection problem.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < c.retry.attempts; attempt++ {
		if attempt > 0 {
			if err := c.sleepWithJitter(ctx, attempt); err != nil {
				return trace.Wrap(err)
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return trace.Wrap(lastErr)
		}
		c.log.WithError(lastErr).WithField("attempt", attempt+1).Debugf("Transient platform error during %v.", op)
	}
	return trace.ConnectionProblem(lastErr, "upstream unavailable: %v failed after %v attempts", op, c.retry.attempts)
}

func (c *Client) sleepWithJitter(ctx context.Context, attempt int) error {
	backoff := c.retry.base << (attempt - 1)
	if backoff > c.retry.cap {
		backoff = c.retry.cap
	}
	// Full jitter: sleep a uniformly random duration up to the backoff.
	delay := time.Duration(rand.Int63n(int64(backoff) + 1))
	select {
	case <-c.retry.clock.After(delay):
		return nil
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

func isTransient(err error) bool {
	if apierrors.IsServerTimeout(err) || apierrors.IsTimeout(err) ||
		apierrors.IsTooManyRequests(err) || apierrors.IsServiceUnavailable(err) ||
		apierrors.IsInternalError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
