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

package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	k8stesting "k8s.io/client-go/testing"

	"github.com/computehq/compute-gateway/lib/computes"
	"github.com/computehq/compute-gateway/lib/defaults"
)

func newTeardownEnv(t *testing.T) (*env, *Teardown, *Tracker, *clockwork.FakeClock) {
	t.Helper()
	e := newTestEnv(t)
	tracker := NewTracker()
	clock := clockwork.NewFakeClock()
	teardown, err := NewTeardown(TeardownConfig{
		Computes: e.computes,
		Tracker:  tracker,
		Delay:    defaults.TeardownDelay,
		Clock:    clock,
	})
	require.NoError(t, err)
	t.Cleanup(teardown.Close)
	return e, teardown, tracker, clock
}

func TestTeardownDelayZeroFiresImmediately(t *testing.T) {
	e := newTestEnv(t)
	tracker := NewTracker()
	clock := clockwork.NewFakeClock()

	// Zero is a real value, not "use the default".
	teardown, err := NewTeardown(TeardownConfig{
		Computes: e.computes,
		Tracker:  tracker,
		Delay:    0,
		Clock:    clock,
	})
	require.NoError(t, err)
	t.Cleanup(teardown.Close)

	info, err := e.computes.CreateCompute(context.Background(), computes.CreateComputeRequest{})
	require.NoError(t, err)
	teardown.ConnectionClosed(info.ComputeID)
	clock.Advance(time.Nanosecond)
	require.Eventually(t, func() bool { return !deploymentExists(t, e, info.ComputeID) },
		time.Second, 10*time.Millisecond)

	_, err = NewTeardown(TeardownConfig{
		Computes: e.computes,
		Tracker:  tracker,
		Delay:    -time.Second,
		Clock:    clock,
	})
	require.True(t, trace.IsBadParameter(err))
}

func deploymentExists(t *testing.T, e *env, computeID string) bool {
	t.Helper()
	_, err := e.clientset.AppsV1().Deployments(defaults.Namespace).Get(
		context.Background(), "compute-"+computeID, metav1.GetOptions{})
	if err == nil {
		return true
	}
	require.True(t, apierrors.IsNotFound(err))
	return false
}

func TestTeardownFiresAfterDelay(t *testing.T) {
	e, teardown, _, clock := newTeardownEnv(t)
	info, err := e.computes.CreateCompute(context.Background(), computes.CreateComputeRequest{})
	require.NoError(t, err)

	teardown.ConnectionClosed(info.ComputeID)

	// Just short of the delay nothing happens.
	clock.Advance(defaults.TeardownDelay - time.Second)
	require.True(t, deploymentExists(t, e, info.ComputeID))

	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return !deploymentExists(t, e, info.ComputeID) },
		time.Second, 10*time.Millisecond)
}

func TestTeardownCancelledByNewConnection(t *testing.T) {
	e, teardown, tracker, clock := newTeardownEnv(t)
	info, err := e.computes.CreateCompute(context.Background(), computes.CreateComputeRequest{})
	require.NoError(t, err)

	teardown.ConnectionClosed(info.ComputeID)

	// A new connection arrives before the delay elapses.
	clock.Advance(100 * time.Millisecond)
	tracker.Add(info.ComputeID, nil)
	teardown.ConnectionOpened(info.ComputeID)

	clock.Advance(2 * defaults.TeardownDelay)
	time.Sleep(50 * time.Millisecond)
	require.True(t, deploymentExists(t, e, info.ComputeID))
}

func TestTeardownRechecksAtFireTime(t *testing.T) {
	e, teardown, tracker, clock := newTeardownEnv(t)
	info, err := e.computes.CreateCompute(context.Background(), computes.CreateComputeRequest{})
	require.NoError(t, err)

	teardown.ConnectionClosed(info.ComputeID)
	// The tracker gains a connection without the timer being cancelled.
	tracker.Add(info.ComputeID, nil)

	clock.Advance(2 * defaults.TeardownDelay)
	time.Sleep(50 * time.Millisecond)
	require.True(t, deploymentExists(t, e, info.ComputeID))
}

func TestTeardownScheduleIsIdempotent(t *testing.T) {
	e, teardown, _, clock := newTeardownEnv(t)
	info, err := e.computes.CreateCompute(context.Background(), computes.CreateComputeRequest{})
	require.NoError(t, err)

	// Repeated close notifications keep the original timer.
	teardown.ConnectionClosed(info.ComputeID)
	clock.Advance(defaults.TeardownDelay / 2)
	teardown.ConnectionClosed(info.ComputeID)

	clock.Advance(defaults.TeardownDelay / 2)
	require.Eventually(t, func() bool { return !deploymentExists(t, e, info.ComputeID) },
		time.Second, 10*time.Millisecond)
}

func TestTeardownRetriesOnce(t *testing.T) {
	e, teardown, _, clock := newTeardownEnv(t)
	info, err := e.computes.CreateCompute(context.Background(), computes.CreateComputeRequest{})
	require.NoError(t, err)

	// The first delete fails with a non-transient error, the retry
	// succeeds.
	failures := 1
	e.clientset.PrependReactor("delete", "deployments",
		func(action k8stesting.Action) (bool, runtime.Object, error) {
			if failures > 0 {
				failures--
				return true, nil, apierrors.NewBadRequest("broken")
			}
			return false, nil, nil
		})

	teardown.ConnectionClosed(info.ComputeID)
	clock.Advance(defaults.TeardownDelay)
	require.Eventually(t, func() bool { return failures == 0 },
		time.Second, 10*time.Millisecond)
	require.True(t, deploymentExists(t, e, info.ComputeID))

	// Give the failed attempt time to schedule its retry timer before
	// advancing again.
	time.Sleep(50 * time.Millisecond)
	clock.Advance(defaults.TeardownRetryDelay)
	require.Eventually(t, func() bool { return !deploymentExists(t, e, info.ComputeID) },
		time.Second, 10*time.Millisecond)
}

func TestTeardownNotScheduledWithLiveConnections(t *testing.T) {
	e, teardown, tracker, clock := newTeardownEnv(t)
	info, err := e.computes.CreateCompute(context.Background(), computes.CreateComputeRequest{})
	require.NoError(t, err)

	tracker.Add(info.ComputeID, nil)
	teardown.ConnectionClosed(info.ComputeID)

	clock.Advance(2 * defaults.TeardownDelay)
	time.Sleep(50 * time.Millisecond)
	require.True(t, deploymentExists(t, e, info.ComputeID))
}
