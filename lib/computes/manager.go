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

package computes

import (
	"context"
	"regexp"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	gateway "github.com/computehq/compute-gateway"
	"github.com/computehq/compute-gateway/lib/defaults"
	"github.com/computehq/compute-gateway/lib/platform"
	"github.com/computehq/compute-gateway/lib/presets"
	"github.com/computehq/compute-gateway/lib/utils"
)

// computeIDPattern matches identifiers accepted from callers.
var computeIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// validateComputeID rejects identifiers that could not have come from
// the gateway: wrong charset or outside the accepted length bounds.
func validateComputeID(computeID string) error {
	if len(computeID) < defaults.ComputeIDMinLength || len(computeID) > defaults.ComputeIDMaxLength {
		return trace.BadParameter("compute id %q must be between %v and %v characters",
			computeID, defaults.ComputeIDMinLength, defaults.ComputeIDMaxLength)
	}
	if !computeIDPattern.MatchString(computeID) {
		return trace.BadParameter("compute id %q contains invalid characters", computeID)
	}
	return nil
}

// ManagerConfig configures the compute manager.
type ManagerConfig struct {
	// Platform materializes and resolves workloads.
	Platform platform.Platform
	// Presets resolves preset templates.
	Presets *presets.Manager
	// DefaultPresetID is substituted when a create request names no
	// preset.
	DefaultPresetID string
	// TerminatingWait bounds the wait for a terminating pod before a
	// create is retried.
	TerminatingWait time.Duration
	// Clock is used for termination waits.
	Clock clockwork.Clock
	// Log is the component logger.
	Log *logrus.Entry
}

// CheckAndSetDefaults validates the config.
func (c *ManagerConfig) CheckAndSetDefaults() error {
	if c.Platform == nil {
		return trace.BadParameter("missing Platform")
	}
	if c.Presets == nil {
		return trace.BadParameter("missing Presets")
	}
	if c.DefaultPresetID == "" {
		c.DefaultPresetID = defaults.DefaultPresetID
	}
	if c.TerminatingWait == 0 {
		c.TerminatingWait = defaults.TerminatingPodWait
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithFields(logrus.Fields{
			gateway.ComponentKey: gateway.ComponentComputes,
		})
	}
	return nil
}

// Manager owns compute lifecycle. All state is read through the
// platform, nothing is cached between requests.
type Manager struct {
	cfg ManagerConfig
}

// NewManager creates a compute manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Manager{cfg: cfg}, nil
}

// CreateCompute materializes a compute from a preset. Creation is
// idempotent on the compute identity: a live pod with the same id is
// returned as is, a terminating one is waited out once before the
// create is retried.
func (m *Manager) CreateCompute(ctx context.Context, req CreateComputeRequest) (*ComputeInfo, error) {
	computeID := req.ComputeID
	if computeID == "" {
		var err error
		computeID, err = m.generateComputeID(ctx)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	} else if err := validateComputeID(computeID); err != nil {
		return nil, trace.Wrap(err)
	}

	presetID := req.PresetID
	if presetID == "" {
		presetID = m.cfg.DefaultPresetID
	}
	preset, err := m.cfg.Presets.GetPreset(presetID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	pod, err := m.cfg.Platform.GetPodByComputeID(ctx, computeID)
	switch {
	case err == nil && !pod.IsTerminating:
		// Live pod with the same identity: create is idempotent.
		m.cfg.Log.WithField("compute", computeID).Debug("Compute already exists.")
		return m.infoFromPod(pod, preset), nil
	case err == nil && pod.IsTerminating:
		if err := m.waitForTermination(ctx, computeID); err != nil {
			return nil, trace.Wrap(err)
		}
	case !trace.IsNotFound(err):
		return nil, trace.Wrap(err)
	}

	spec := m.workloadSpec(computeID, preset, req)
	if err := m.cfg.Platform.CreateWorkload(ctx, spec); err != nil {
		return nil, trace.Wrap(err)
	}
	m.cfg.Log.WithFields(logrus.Fields{
		"compute": computeID,
		"preset":  presetID,
	}).Info("Created compute.")

	// The pod may not be scheduled yet, surface what the platform
	// knows right now.
	pod, err = m.cfg.Platform.GetPodByComputeID(ctx, computeID)
	if trace.IsNotFound(err) {
		info := m.pendingInfo(computeID, preset, req)
		return info, nil
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return m.infoFromPod(pod, preset), nil
}

// GetCompute returns the compute with the given id.
func (m *Manager) GetCompute(ctx context.Context, computeID string) (*ComputeInfo, error) {
	pod, err := m.cfg.Platform.GetPodByComputeID(ctx, computeID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	preset, err := m.cfg.Presets.GetPreset(pod.PresetID)
	if err != nil {
		// The preset may have been deleted after the compute outlived
		// it; surface the compute regardless.
		preset = nil
	}
	return m.infoFromPod(pod, preset), nil
}

// GetPod returns the backing pod record for a compute. Thin wrapper
// over the platform used by the proxies.
func (m *Manager) GetPod(ctx context.Context, computeID string) (*platform.PodRecord, error) {
	pod, err := m.cfg.Platform.GetPodByComputeID(ctx, computeID)
	return pod, trace.Wrap(err)
}

// ListComputes returns computes matching the filter.
func (m *Manager) ListComputes(ctx context.Context, filter Filter) ([]ComputeInfo, error) {
	pods, err := m.cfg.Platform.ListComputePods(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out []ComputeInfo
	for i := range pods {
		pod := &pods[i]
		if pod.ComputeID == "" {
			// Preset baseline pods are not computes.
			continue
		}
		if filter.PresetID != "" && pod.PresetID != filter.PresetID {
			continue
		}
		if !matchLabels(pod.Labels, filter.Labels) {
			continue
		}
		preset, _ := m.cfg.Presets.GetPreset(pod.PresetID)
		info := m.infoFromPod(pod, preset)
		if filter.Ready && !info.Status.Ready {
			continue
		}
		out = append(out, *info)
	}
	return out, nil
}

// FindCompute resolves a compute by id or labels without creating one.
func (m *Manager) FindCompute(ctx context.Context, computeID string, labels map[string]string) (*ComputeInfo, error) {
	if computeID != "" {
		info, err := m.GetCompute(ctx, computeID)
		return info, trace.Wrap(err)
	}
	if len(labels) == 0 {
		return nil, trace.BadParameter("either compute id or labels must be provided")
	}
	infos, err := m.ListComputes(ctx, Filter{Labels: labels})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(infos) == 0 {
		return nil, trace.NotFound("no compute matches the given labels")
	}
	return &infos[0], nil
}

// FindOrCreateCompute resolves an existing compute or creates one.
func (m *Manager) FindOrCreateCompute(ctx context.Context, req CreateComputeRequest) (*ComputeInfo, error) {
	info, err := m.FindCompute(ctx, req.ComputeID, req.Labels)
	if err == nil {
		return info, nil
	}
	if !trace.IsNotFound(err) && !trace.IsBadParameter(err) {
		return nil, trace.Wrap(err)
	}
	info, err = m.CreateCompute(ctx, req)
	return info, trace.Wrap(err)
}

// DeleteCompute removes a compute. Idempotent: absent computes are
// success.
func (m *Manager) DeleteCompute(ctx context.Context, computeID string) error {
	if err := m.cfg.Platform.DeleteWorkloadByComputeID(ctx, computeID); err != nil {
		return trace.Wrap(err)
	}
	m.cfg.Log.WithField("compute", computeID).Info("Deleted compute.")
	return nil
}

func (m *Manager) generateComputeID(ctx context.Context) (string, error) {
	// A collision on a 12 character random id is vanishingly unlikely,
	// one recheck against the platform guards against operator-created
	// workloads with clashing labels.
	for attempt := 0; attempt < 3; attempt++ {
		id, err := utils.RandomID(defaults.ComputeIDLength)
		if err != nil {
			return "", trace.Wrap(err)
		}
		_, err = m.cfg.Platform.GetPodByComputeID(ctx, id)
		if trace.IsNotFound(err) {
			return id, nil
		}
		if err != nil {
			return "", trace.Wrap(err)
		}
	}
	return "", trace.LimitExceeded("failed to generate a unique compute id")
}

func (m *Manager) waitForTermination(ctx context.Context, computeID string) error {
	deadline := m.cfg.Clock.Now().Add(m.cfg.TerminatingWait)
	pollInterval := m.cfg.TerminatingWait / 10
	for m.cfg.Clock.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		case <-m.cfg.Clock.After(pollInterval):
		}
		_, err := m.cfg.Platform.GetPodByComputeID(ctx, computeID)
		if trace.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return trace.Wrap(err)
		}
	}
	// The terminating pod is still around; the create below is still
	// attempted once, the platform treats it as idempotent.
	m.cfg.Log.WithField("compute", computeID).Warn("Terminating pod did not go away in time.")
	return nil
}

func (m *Manager) workloadSpec(computeID string, preset *presets.Preset, req CreateComputeRequest) platform.WorkloadSpec {
	labels := make(map[string]string, len(preset.Labels)+len(req.Labels))
	for k, v := range preset.Labels {
		labels[k] = v
	}
	for k, v := range req.Labels {
		labels[k] = v
	}
	annotations := make(map[string]string, len(preset.Annotations)+len(req.Annotations))
	for k, v := range preset.Annotations {
		annotations[k] = v
	}
	for k, v := range req.Annotations {
		annotations[k] = v
	}
	return platform.WorkloadSpec{
		Name:        "compute-" + computeID,
		ComputeID:   computeID,
		PresetID:    preset.PresetID,
		Image:       preset.Template.Image,
		Command:     preset.Template.Command,
		Args:        preset.Template.Args,
		Env:         preset.Template.Env,
		Ports:       preset.Template.Ports,
		WorkingDir:  preset.Template.WorkingDir,
		Resources:   preset.Resources.Merge(req.ResourceOverrides),
		Labels:      labels,
		Annotations: annotations,
	}
}

func (m *Manager) infoFromPod(pod *platform.PodRecord, preset *presets.Preset) *ComputeInfo {
	info := &ComputeInfo{
		ComputeID: pod.ComputeID,
		PresetID:  pod.PresetID,
		PodName:   pod.Name,
		Status: Status{
			Phase: pod.Phase,
			Ready: pod.Phase == platform.PodRunning && pod.IsReady,
		},
		Labels:    pod.Labels,
		CreatedAt: pod.CreatedAt,
	}
	if pod.IsTerminating {
		info.Status.Message = "terminating"
		info.Status.Ready = false
	}
	if info.Status.Ready {
		info.Network.PodIP = pod.IP
	}
	if preset != nil {
		info.Resources = preset.Resources
		ports := make(map[string]int32, len(preset.Template.Ports))
		for _, p := range preset.Template.Ports {
			ports[p.Name] = p.ContainerPort
		}
		info.Network.Ports = ports
	}
	return info
}

func (m *Manager) pendingInfo(computeID string, preset *presets.Preset, req CreateComputeRequest) *ComputeInfo {
	info := &ComputeInfo{
		ComputeID: computeID,
		PresetID:  preset.PresetID,
		Status: Status{
			Phase:   platform.PodPending,
			Message: "pod is being scheduled",
		},
		Resources: preset.Resources.Merge(req.ResourceOverrides),
		Labels:    req.Labels,
	}
	ports := make(map[string]int32, len(preset.Template.Ports))
	for _, p := range preset.Template.Ports {
		ports[p.Name] = p.ContainerPort
	}
	info.Network.Ports = ports
	return info
}

func matchLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
