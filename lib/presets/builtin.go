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

package presets

import "github.com/computehq/compute-gateway/lib/platform"

// BuiltinDefaults is the fallback default preset set used when the
// deployment does not configure its own. The set is configuration, not
// contract: deployments override it freely.
func BuiltinDefaults() []Preset {
	small := platform.ResourceRequirements{
		Requests: platform.ResourceList{CPU: "250m", Memory: "256Mi"},
		Limits:   platform.ResourceList{CPU: "1", Memory: "1Gi"},
	}
	medium := platform.ResourceRequirements{
		Requests: platform.ResourceList{CPU: "500m", Memory: "512Mi"},
		Limits:   platform.ResourceList{CPU: "2", Memory: "2Gi"},
	}
	httpPort := []platform.Port{{Name: "http", ContainerPort: 8080}}

	return []Preset{
		{
			PresetID:    "default-development",
			Name:        "Development",
			Description: "General purpose development environment.",
			Template: Template{
				Image: "computehq/devbox:latest",
				Env:   map[string]string{"ENVIRONMENT": "development"},
				Ports: httpPort,
			},
			Resources: small,
		},
		{
			PresetID:    "default-staging",
			Name:        "Staging",
			Description: "Staging environment mirroring production settings.",
			Template: Template{
				Image: "computehq/devbox:latest",
				Env:   map[string]string{"ENVIRONMENT": "staging"},
				Ports: httpPort,
			},
			Resources: medium,
		},
		{
			PresetID:    "default-production",
			Name:        "Production",
			Description: "Production grade environment.",
			Template: Template{
				Image: "computehq/devbox:stable",
				Env:   map[string]string{"ENVIRONMENT": "production"},
				Ports: httpPort,
			},
			Resources: medium,
		},
		{
			PresetID:    "web-server",
			Name:        "Web server",
			Description: "Static and dynamic web serving.",
			Template: Template{
				Image: "computehq/web:latest",
				Ports: []platform.Port{
					{Name: "http", ContainerPort: 8080},
					{Name: "dev", ContainerPort: 3000},
				},
			},
			Resources: small,
		},
		{
			PresetID:    "database",
			Name:        "Database",
			Description: "Database workloads with persistent scratch space.",
			Template: Template{
				Image: "computehq/db:latest",
				Ports: []platform.Port{{Name: "db", ContainerPort: 5432}},
				VolumeMounts: []VolumeMount{
					{Name: "data", MountPath: "/var/lib/data"},
				},
			},
			Resources: medium,
		},
		{
			PresetID:    "python-only",
			Name:        "Python",
			Description: "Python toolchain without web tooling.",
			Template: Template{
				Image: "computehq/python:3.12",
				Ports: httpPort,
			},
			Resources: small,
		},
		{
			PresetID:    "node-only",
			Name:        "Node",
			Description: "Node.js toolchain without other runtimes.",
			Template: Template{
				Image: "computehq/node:22",
				Ports: httpPort,
			},
			Resources: small,
		},
	}
}
