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

import (
	"context"
	"sort"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	gateway "github.com/computehq/compute-gateway"
	"github.com/computehq/compute-gateway/lib/platform"
)

// ManagerConfig configures the preset manager.
type ManagerConfig struct {
	// Platform materializes preset baselines.
	Platform platform.Platform
	// Defaults is the preset set bootstrapped at startup. Empty means
	// BuiltinDefaults.
	Defaults []Preset
	// Clock is used for created/updated timestamps.
	Clock clockwork.Clock
	// Log is the component logger.
	Log *logrus.Entry
}

// CheckAndSetDefaults validates the config.
func (c *ManagerConfig) CheckAndSetDefaults() error {
	if c.Platform == nil {
		return trace.BadParameter("missing Platform")
	}
	if len(c.Defaults) == 0 {
		c.Defaults = BuiltinDefaults()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithFields(logrus.Fields{
			gateway.ComponentKey: gateway.ComponentPresets,
		})
	}
	return nil
}

// Manager owns the preset registry and materializes baselines through
// the platform.
type Manager struct {
	cfg ManagerConfig

	mu      sync.RWMutex
	presets map[string]*Preset
}

// NewManager creates a preset manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Manager{
		cfg:     cfg,
		presets: make(map[string]*Preset),
	}, nil
}

// CreatePreset registers a preset and materializes its baseline
// workload. Duplicate preset ids fail with AlreadyExists.
func (m *Manager) CreatePreset(ctx context.Context, preset Preset) (*Preset, error) {
	if err := preset.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	m.mu.Lock()
	if _, exists := m.presets[preset.PresetID]; exists {
		m.mu.Unlock()
		return nil, trace.AlreadyExists("preset %q already exists", preset.PresetID)
	}
	now := m.cfg.Clock.Now().UTC()
	preset.CreatedAt = now
	preset.UpdatedAt = now
	m.presets[preset.PresetID] = &preset
	m.mu.Unlock()

	if err := m.cfg.Platform.CreateWorkload(ctx, m.baselineSpec(&preset)); err != nil {
		// Roll the registration back so a retry is possible.
		m.mu.Lock()
		delete(m.presets, preset.PresetID)
		m.mu.Unlock()
		return nil, trace.Wrap(err)
	}

	m.cfg.Log.WithField("preset", preset.PresetID).Info("Created preset.")
	copied := preset
	return &copied, nil
}

// GetPreset returns the preset with the given id.
func (m *Manager) GetPreset(id string) (*Preset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	preset, ok := m.presets[id]
	if !ok {
		return nil, trace.NotFound("preset %q not found", id)
	}
	copied := *preset
	return &copied, nil
}

// ListPresets returns presets matching the filter ordered by id.
func (m *Manager) ListPresets(filter Filter) []Preset {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Preset, 0, len(m.presets))
	for _, preset := range m.presets {
		if filter.Match(preset) {
			out = append(out, *preset)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PresetID < out[j].PresetID })
	return out
}

// UpdatePreset mutates a preset. A preset referenced by a live compute
// is immutable, the mutation is stored as a bumped version instead of
// an in-place change.
func (m *Manager) UpdatePreset(ctx context.Context, preset Preset) (*Preset, error) {
	if err := preset.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	m.mu.RLock()
	existing, ok := m.presets[preset.PresetID]
	m.mu.RUnlock()
	if !ok {
		return nil, trace.NotFound("preset %q not found", preset.PresetID)
	}

	inUse, err := m.presetInUse(ctx, preset.PresetID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	preset.CreatedAt = existing.CreatedAt
	preset.UpdatedAt = m.cfg.Clock.Now().UTC()
	preset.Version = existing.Version
	if inUse {
		preset.Version++
	}
	m.presets[preset.PresetID] = &preset

	copied := preset
	return &copied, nil
}

// DeletePreset removes a preset. Fails when a live compute references
// it.
func (m *Manager) DeletePreset(ctx context.Context, id string) error {
	m.mu.RLock()
	_, ok := m.presets[id]
	m.mu.RUnlock()
	if !ok {
		return trace.NotFound("preset %q not found", id)
	}

	inUse, err := m.presetInUse(ctx, id)
	if err != nil {
		return trace.Wrap(err)
	}
	if inUse {
		return trace.AlreadyExists("preset %q is in use by a live compute", id)
	}

	m.mu.Lock()
	delete(m.presets, id)
	m.mu.Unlock()

	m.cfg.Log.WithField("preset", id).Info("Deleted preset.")
	return nil
}

// InitializeDefaults creates any missing member of the configured
// default preset set. Idempotent: existing presets are never mutated.
func (m *Manager) InitializeDefaults(ctx context.Context) error {
	for _, preset := range m.cfg.Defaults {
		_, err := m.CreatePreset(ctx, preset)
		if trace.IsAlreadyExists(err) {
			continue
		}
		if err != nil {
			return trace.Wrap(err, "bootstrapping preset %q", preset.PresetID)
		}
	}
	return nil
}

// presetInUse reports whether any compute pod references the preset.
// Preset baselines carry no compute identity and do not count.
func (m *Manager) presetInUse(ctx context.Context, id string) (bool, error) {
	pods, err := m.cfg.Platform.ListPodsByPreset(ctx, id)
	if err != nil {
		return false, trace.Wrap(err)
	}
	for _, pod := range pods {
		if pod.ComputeID != "" {
			return true, nil
		}
	}
	return false, nil
}

func (m *Manager) baselineSpec(preset *Preset) platform.WorkloadSpec {
	return platform.WorkloadSpec{
		Name:        preset.DeploymentName(),
		PresetID:    preset.PresetID,
		Image:       preset.Template.Image,
		Command:     preset.Template.Command,
		Args:        preset.Template.Args,
		Env:         preset.Template.Env,
		Ports:       preset.Template.Ports,
		WorkingDir:  preset.Template.WorkingDir,
		Resources:   preset.Resources,
		Labels:      preset.Labels,
		Annotations: preset.Annotations,
		Replicas:    preset.BaseReplicas,
	}
}
