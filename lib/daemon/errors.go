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

package daemon

import (
	"errors"
	"fmt"
)

// UnsupportedError reports a capability a provider does not implement.
type UnsupportedError struct {
	Provider   string
	Capability string
}

// Error implements error.
func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("provider %q does not support %s", e.Provider, e.Capability)
}

// Unsupported creates an UnsupportedError.
func Unsupported(provider, capability string) error {
	return &UnsupportedError{Provider: provider, Capability: capability}
}

// IsUnsupported reports whether the error is a capability gap rather
// than a failure.
func IsUnsupported(err error) bool {
	var u *UnsupportedError
	return errors.As(err, &u)
}

// NoProviderDetectedError reports that no candidate provider is
// available in this environment.
type NoProviderDetectedError struct {
	Candidates []string
}

// Error implements error.
func (e *NoProviderDetectedError) Error() string {
	return fmt.Sprintf("no compute provider detected, tried %v", e.Candidates)
}

// IsNoProviderDetected reports whether the error is a provider
// detection failure.
func IsNoProviderDetected(err error) bool {
	var n *NoProviderDetectedError
	return errors.As(err, &n)
}

// ErrWaitTimeout is returned when a polled daemon operation does not
// reach a terminal state within the polling budget. Distinct from the
// operation itself failing.
var ErrWaitTimeout = errors.New("timed out waiting for completion")
