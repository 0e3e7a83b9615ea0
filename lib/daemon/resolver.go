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
	"context"

	"github.com/gravitational/trace"
)

// ProviderChoice is the result of provider resolution.
type ProviderChoice struct {
	// Provider is the selected provider.
	Provider Provider
	// Fallbacks are the lower-priority providers that were also
	// available.
	Fallbacks []string
}

// Resolver selects a compute provider deterministically: candidates
// are probed in registration order and the first available one wins.
type Resolver struct {
	candidates []Provider
}

// NewResolver creates a resolver over candidates in priority order.
func NewResolver(candidates ...Provider) (*Resolver, error) {
	if len(candidates) == 0 {
		return nil, trace.BadParameter("missing provider candidates")
	}
	return &Resolver{candidates: candidates}, nil
}

// Resolve returns the highest-priority available provider. The same
// environment always yields the same choice.
func (r *Resolver) Resolve(ctx context.Context) (*ProviderChoice, error) {
	var choice *ProviderChoice
	var tried []string
	for _, candidate := range r.candidates {
		tried = append(tried, candidate.Name())
		if !candidate.Available(ctx) {
			continue
		}
		if choice == nil {
			choice = &ProviderChoice{Provider: candidate}
			continue
		}
		choice.Fallbacks = append(choice.Fallbacks, candidate.Name())
	}
	if choice == nil {
		return nil, &NoProviderDetectedError{Candidates: tried}
	}
	return choice, nil
}
