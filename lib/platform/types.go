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
	"time"
)

// Platform is the capability surface the gateway needs from a container
// cluster. The cluster is the authoritative store for workloads and
// pods, callers never cache beyond a single request.
type Platform interface {
	// CreateWorkload materializes a single pod workload. Idempotent by
	// compute identity: an existing workload with the same identity is
	// success.
	CreateWorkload(ctx context.Context, spec WorkloadSpec) error

	// GetPodByComputeID returns the newest pod carrying the compute
	// identity label.
	GetPodByComputeID(ctx context.Context, computeID string) (*PodRecord, error)

	// ListPodsByPreset returns pods created from the given preset
	// ordered by creation time.
	ListPodsByPreset(ctx context.Context, presetID string) ([]PodRecord, error)

	// ListComputePods returns all pods managed by the gateway.
	ListComputePods(ctx context.Context) ([]PodRecord, error)

	// DeleteWorkloadByComputeID deletes the workload for a compute.
	// Idempotent: an already absent workload is success.
	DeleteWorkloadByComputeID(ctx context.Context, computeID string) error
}

// WorkloadSpec describes a single pod workload to materialize.
type WorkloadSpec struct {
	// Name is the workload name, e.g. "compute-abc123" or
	// "preset-web-server" for preset baselines.
	Name string
	// ComputeID is the compute identity, empty for preset baselines.
	ComputeID string
	// PresetID names the preset the workload was created from.
	PresetID string
	// Image is the container image reference.
	Image string
	// Command overrides the image entrypoint.
	Command []string
	// Args are appended to the entrypoint.
	Args []string
	// Env is the container environment.
	Env map[string]string
	// Ports are the named container ports.
	Ports []Port
	// WorkingDir is the container working directory.
	WorkingDir string
	// Resources are the compute resource requests and limits.
	Resources ResourceRequirements
	// Labels are merged over the gateway managed labels.
	Labels map[string]string
	// Annotations carry gateway metadata.
	Annotations map[string]string
	// Replicas is the replica count, defaulted to one.
	Replicas int32
}

// Port is a named container port.
type Port struct {
	Name          string `json:"name"`
	ContainerPort int32  `json:"containerPort"`
}

// ResourceRequirements holds resource quantities as strings in the
// platform's own format ("500m", "512Mi").
type ResourceRequirements struct {
	Requests ResourceList `json:"requests"`
	Limits   ResourceList `json:"limits"`
}

// ResourceList names cpu and memory quantities.
type ResourceList struct {
	CPU    string `json:"cpu,omitempty"`
	Memory string `json:"memory,omitempty"`
}

// Merge returns r with any non-empty values of other shadowing it.
func (r ResourceRequirements) Merge(other ResourceRequirements) ResourceRequirements {
	out := r
	if other.Requests.CPU != "" {
		out.Requests.CPU = other.Requests.CPU
	}
	if other.Requests.Memory != "" {
		out.Requests.Memory = other.Requests.Memory
	}
	if other.Limits.CPU != "" {
		out.Limits.CPU = other.Limits.CPU
	}
	if other.Limits.Memory != "" {
		out.Limits.Memory = other.Limits.Memory
	}
	return out
}

// PodRecord is the gateway's view of a pod. Derived from the platform,
// never stored.
type PodRecord struct {
	// Name is the pod name.
	Name string `json:"name"`
	// IP is the pod IP, empty until the pod is scheduled.
	IP string `json:"ip"`
	// ComputeID is the compute identity label value.
	ComputeID string `json:"computeId"`
	// PresetID is the preset identity label value.
	PresetID string `json:"presetId"`
	// Phase is the pod lifecycle phase as reported by the platform.
	Phase string `json:"phase"`
	// IsReady is true when the pod passes its readiness checks.
	IsReady bool `json:"isReady"`
	// IsTerminating is true when the pod has a deletion timestamp.
	IsTerminating bool `json:"isTerminating"`
	// Labels are the pod labels, gateway managed ones included.
	Labels map[string]string `json:"labels,omitempty"`
	// CreatedAt is the pod creation time.
	CreatedAt time.Time `json:"createdAt"`
}

// Pod phases surfaced by the platform.
const (
	PodPending   = "Pending"
	PodRunning   = "Running"
	PodFailed    = "Failed"
	PodSucceeded = "Succeeded"
)
