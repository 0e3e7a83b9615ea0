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

// Package presets implements the preset registry: named templates that
// parameterize compute creation.
package presets

import (
	"time"

	"github.com/gravitational/trace"

	"github.com/computehq/compute-gateway/lib/platform"
)

// Preset is a declarative template a compute is created from. Once a
// live compute references a preset the preset is immutable, mutations
// produce a new version.
type Preset struct {
	// PresetID uniquely identifies the preset.
	PresetID string `json:"presetId"`
	// Name is a human readable name.
	Name string `json:"name"`
	// Description explains what the preset provides.
	Description string `json:"description,omitempty"`
	// Version counts mutations, starting at one.
	Version int `json:"version"`
	// Template parameterizes the workload.
	Template Template `json:"template"`
	// Resources are copied onto pods, shadowed by per-compute
	// overrides.
	Resources platform.ResourceRequirements `json:"resources"`
	// BaseReplicas is the replica count of the baseline workload.
	BaseReplicas int32 `json:"baseReplicas,omitempty"`
	// Labels are merged onto materialized workloads.
	Labels map[string]string `json:"labels,omitempty"`
	// Annotations are merged onto materialized workloads.
	Annotations map[string]string `json:"annotations,omitempty"`
	// CreatedAt is the registration time.
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is the last mutation time.
	UpdatedAt time.Time `json:"updatedAt"`
}

// Template holds the container parameters of a preset.
type Template struct {
	// Image is the container image reference.
	Image string `json:"image"`
	// Command overrides the image entrypoint.
	Command []string `json:"command,omitempty"`
	// Args are appended to the entrypoint.
	Args []string `json:"args,omitempty"`
	// Env is the container environment.
	Env map[string]string `json:"env,omitempty"`
	// Ports are the named container ports.
	Ports []platform.Port `json:"ports,omitempty"`
	// WorkingDir is the container working directory.
	WorkingDir string `json:"workingDir,omitempty"`
	// VolumeMounts name the volumes mounted into the container.
	VolumeMounts []VolumeMount `json:"volumeMounts,omitempty"`
}

// VolumeMount names a volume and where it is mounted.
type VolumeMount struct {
	Name      string `json:"name"`
	MountPath string `json:"mountPath"`
}

// DeploymentName is the workload name of the preset baseline.
func (p *Preset) DeploymentName() string {
	return "preset-" + p.PresetID
}

// CheckAndSetDefaults validates the preset and fills in computed
// fields.
func (p *Preset) CheckAndSetDefaults() error {
	if p.PresetID == "" {
		return trace.BadParameter("missing preset id")
	}
	if p.Template.Image == "" {
		return trace.BadParameter("preset %q: missing template image", p.PresetID)
	}
	if p.Name == "" {
		p.Name = p.PresetID
	}
	if p.Version == 0 {
		p.Version = 1
	}
	return nil
}

// Filter selects presets in list operations. Zero values match
// everything.
type Filter struct {
	// Name matches the preset name exactly.
	Name string `json:"name,omitempty"`
	// Version matches the preset version.
	Version int `json:"version,omitempty"`
	// Labels must all be present on the preset.
	Labels map[string]string `json:"labels,omitempty"`
}

// Match reports whether the preset passes the filter.
func (f Filter) Match(p *Preset) bool {
	if f.Name != "" && p.Name != f.Name {
		return false
	}
	if f.Version != 0 && p.Version != f.Version {
		return false
	}
	for k, v := range f.Labels {
		if p.Labels[k] != v {
			return false
		}
	}
	return true
}
