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

// Package proxy forwards HTTP and websocket traffic to computes and
// tears idle computes down after their last websocket connection goes
// away.
package proxy

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Tracker counts live websocket connections per compute. It is the
// sole input to idle teardown decisions.
type Tracker struct {
	mu    sync.RWMutex
	conns map[string]map[*websocket.Conn]struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		conns: make(map[string]map[*websocket.Conn]struct{}),
	}
}

// Add registers a connection and returns the new count for the
// compute.
func (t *Tracker) Add(computeID string, conn *websocket.Conn) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.conns[computeID]
	if !ok {
		set = make(map[*websocket.Conn]struct{})
		t.conns[computeID] = set
	}
	set[conn] = struct{}{}
	return len(set)
}

// Remove unregisters a connection and returns the remaining count.
func (t *Tracker) Remove(computeID string, conn *websocket.Conn) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.conns[computeID]
	if !ok {
		return 0
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(t.conns, computeID)
		return 0
	}
	return len(set)
}

// Count returns the number of live connections for a compute.
func (t *Tracker) Count(computeID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns[computeID])
}

// CloseAll force-closes every connection for a compute, typically on
// explicit deletion.
func (t *Tracker) CloseAll(computeID string) {
	t.mu.Lock()
	set := t.conns[computeID]
	delete(t.conns, computeID)
	t.mu.Unlock()
	for conn := range set {
		conn.Close()
	}
}
