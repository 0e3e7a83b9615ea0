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
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	gateway "github.com/computehq/compute-gateway"
	"github.com/computehq/compute-gateway/lib/computes"
	"github.com/computehq/compute-gateway/lib/defaults"
)

// TeardownConfig configures the idle teardown controller.
type TeardownConfig struct {
	// Computes deletes idle computes.
	Computes *computes.Manager
	// Tracker supplies live connection counts.
	Tracker *Tracker
	// Delay is how long a compute stays up after its last connection.
	// Zero tears down as soon as the last connection closes.
	Delay time.Duration
	// RetryDelay is the wait before the single retry of a failed
	// teardown.
	RetryDelay time.Duration
	// Clock drives timers. Tests inject a fake clock.
	Clock clockwork.Clock
	// Log is the logger.
	Log *logrus.Entry
}

// CheckAndSetDefaults validates the config.
func (c *TeardownConfig) CheckAndSetDefaults() error {
	if c.Computes == nil {
		return trace.BadParameter("missing parameter Computes")
	}
	if c.Tracker == nil {
		return trace.BadParameter("missing parameter Tracker")
	}
	if c.Delay < 0 {
		return trace.BadParameter("teardown delay must not be negative, got %v", c.Delay)
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = defaults.TeardownRetryDelay
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithFields(logrus.Fields{
			gateway.ComponentKey: gateway.ComponentTeardown,
		})
	}
	return nil
}

// Teardown deletes computes whose last websocket connection has been
// gone for the configured delay. A new connection cancels the pending
// timer, and the connection count is re-checked when the timer fires
// so a compute with live traffic is never torn down.
type Teardown struct {
	cfg TeardownConfig
	log *logrus.Entry

	mu     sync.Mutex
	timers map[string]clockwork.Timer
	closed bool
}

// NewTeardown creates an idle teardown controller.
func NewTeardown(cfg TeardownConfig) (*Teardown, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Teardown{
		cfg:    cfg,
		log:    cfg.Log,
		timers: make(map[string]clockwork.Timer),
	}, nil
}

// ConnectionOpened cancels any pending teardown for the compute.
func (t *Teardown) ConnectionOpened(computeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[computeID]; ok {
		timer.Stop()
		delete(t.timers, computeID)
		t.log.WithField("compute", computeID).Debug("Cancelled pending teardown.")
	}
}

// ConnectionClosed schedules a teardown when the compute has no
// connections left. Scheduling is idempotent, an existing timer is
// kept rather than reset.
func (t *Teardown) ConnectionClosed(computeID string) {
	if t.cfg.Tracker.Count(computeID) > 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if _, ok := t.timers[computeID]; ok {
		return
	}
	t.timers[computeID] = t.cfg.Clock.AfterFunc(t.cfg.Delay, func() {
		t.fire(computeID, true)
	})
	t.log.WithField("compute", computeID).Debug("Scheduled teardown.")
}

// Close cancels all pending timers.
func (t *Teardown) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}

func (t *Teardown) fire(computeID string, retry bool) {
	t.mu.Lock()
	delete(t.timers, computeID)
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	// A connection may have arrived between scheduling and firing.
	if t.cfg.Tracker.Count(computeID) > 0 {
		return
	}
	log := t.log.WithField("compute", computeID)
	if err := t.cfg.Computes.DeleteCompute(context.Background(), computeID); err != nil {
		if !retry {
			log.WithError(err).Error("Teardown failed, giving up.")
			return
		}
		log.WithError(err).Warn("Teardown failed, retrying once.")
		t.mu.Lock()
		if !t.closed {
			if _, ok := t.timers[computeID]; !ok {
				t.timers[computeID] = t.cfg.Clock.AfterFunc(t.cfg.RetryDelay, func() {
					t.fire(computeID, false)
				})
			}
		}
		t.mu.Unlock()
		return
	}
	log.Info("Tore down idle compute.")
}
