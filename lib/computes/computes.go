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

// Package computes implements the compute lifecycle manager. A compute
// is a live, isolated execution instance backed by one pod; the
// platform is the authoritative source of its state and the manager is
// strictly read-through.
package computes

import (
	"time"

	"github.com/computehq/compute-gateway/lib/platform"
)

// ComputeInfo is the externally visible state of a compute.
type ComputeInfo struct {
	// ComputeID uniquely identifies the compute.
	ComputeID string `json:"computeId"`
	// PresetID names the preset the compute was created from.
	PresetID string `json:"presetId"`
	// PodName is the backing pod, empty while the platform schedules
	// it.
	PodName string `json:"podName,omitempty"`
	// Status is the lifecycle state.
	Status Status `json:"status"`
	// Resources are the effective resource requests and limits.
	Resources platform.ResourceRequirements `json:"resources"`
	// Network is the pod address and named ports.
	Network Network `json:"network"`
	// Labels are the user labels on the workload.
	Labels map[string]string `json:"labels,omitempty"`
	// CreatedAt is the pod creation time when known.
	CreatedAt time.Time `json:"createdAt"`
}

// Status describes the lifecycle state of a compute.
type Status struct {
	// Phase is the pod phase: Pending, Running, Failed or Succeeded.
	Phase string `json:"phase"`
	// Ready is true when the pod is Running and passes readiness.
	Ready bool `json:"ready"`
	// Message carries scheduling or failure detail.
	Message string `json:"message,omitempty"`
}

// Network is the compute's pod address. PodIP is only surfaced on
// ready computes.
type Network struct {
	PodIP string           `json:"podIp,omitempty"`
	Ports map[string]int32 `json:"ports,omitempty"`
}

// CreateComputeRequest parameterizes compute creation. Runtime
// properties belong to the preset, not to this request.
type CreateComputeRequest struct {
	// ComputeID is the requested identity; generated when absent.
	ComputeID string `json:"computeId,omitempty"`
	// PresetID is the preset to create from; the default preset is
	// substituted when absent.
	PresetID string `json:"presetId,omitempty"`
	// Labels are merged onto the workload.
	Labels map[string]string `json:"labels,omitempty"`
	// Annotations are merged onto the workload.
	Annotations map[string]string `json:"annotations,omitempty"`
	// ResourceOverrides shadow the preset resources.
	ResourceOverrides platform.ResourceRequirements `json:"resourceOverrides,omitempty"`
}

// Filter selects computes in list operations.
type Filter struct {
	// PresetID matches computes created from the preset.
	PresetID string `json:"presetId,omitempty"`
	// Ready selects only ready computes when true.
	Ready bool `json:"ready,omitempty"`
	// Labels must all be present on the backing pod.
	Labels map[string]string `json:"labels,omitempty"`
}
