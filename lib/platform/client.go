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

// Package platform implements the container platform client: a thin
// capability surface over the Kubernetes API that materializes compute
// workloads and resolves pods by compute identity.
package platform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"

	gateway "github.com/computehq/compute-gateway"
	"github.com/computehq/compute-gateway/lib/defaults"
)

// Client implements Platform on top of a Kubernetes clientset.
type Client struct {
	clientset kubernetes.Interface
	namespace string
	retry     retryConfig
	log       *logrus.Entry
}

// NewClient builds a platform client. With an empty kubeconfig path the
// in-cluster configuration is used, falling back to ~/.kube/config for
// development outside the cluster.
func NewClient(kubeconfigPath, namespace string) (*Client, error) {
	config, err := buildRestConfig(kubeconfigPath)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return NewClientFromClientset(clientset, namespace), nil
}

// NewClientFromClientset wraps an existing clientset. Used by tests
// with a fake clientset.
func NewClientFromClientset(clientset kubernetes.Interface, namespace string) *Client {
	if namespace == "" {
		namespace = defaults.Namespace
	}
	return &Client{
		clientset: clientset,
		namespace: namespace,
		retry:     defaultRetryConfig(),
		log: logrus.WithFields(logrus.Fields{
			gateway.ComponentKey: gateway.ComponentPlatform,
		}),
	}
}

func buildRestConfig(kubeconfigPath string) (*rest.Config, error) {
	if kubeconfigPath != "" {
		config, err := clientcmd.BuildConfigFromFlags("", kubeconfigPath)
		return config, trace.Wrap(err)
	}
	if config, err := rest.InClusterConfig(); err == nil {
		return config, nil
	}
	home := homedir.HomeDir()
	if home == "" {
		return nil, trace.BadParameter("no kubeconfig provided, not running in cluster and home directory unknown")
	}
	defaultPath := filepath.Join(home, ".kube", "config")
	if _, err := os.Stat(defaultPath); err != nil {
		return nil, trace.Wrap(err, "no cluster configuration found")
	}
	config, err := clientcmd.BuildConfigFromFlags("", defaultPath)
	return config, trace.Wrap(err)
}

// CreateWorkload materializes a single pod deployment from the spec.
// An AlreadyExists response from the platform is treated as success so
// creation is idempotent by workload name.
func (c *Client) CreateWorkload(ctx context.Context, spec WorkloadSpec) error {
	deployment, err := buildDeployment(spec)
	if err != nil {
		return trace.Wrap(err)
	}
	err = c.withRetry(ctx, "create workload", func() error {
		_, err := c.clientset.AppsV1().Deployments(c.namespace).Create(ctx, deployment, metav1.CreateOptions{})
		return err
	})
	if apierrors.IsAlreadyExists(trace.Unwrap(err)) {
		c.log.WithField("workload", spec.Name).Debug("Workload already exists.")
		return nil
	}
	return trace.Wrap(err)
}

// GetPodByComputeID returns the newest pod labeled with the compute
// identity.
func (c *Client) GetPodByComputeID(ctx context.Context, computeID string) (*PodRecord, error) {
	if computeID == "" {
		return nil, trace.BadParameter("missing compute id")
	}
	pods, err := c.listPods(ctx, fmt.Sprintf("%s=%s", defaults.ComputeIDLabel, computeID))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(pods) == 0 {
		return nil, trace.NotFound("no pod found for compute %q", computeID)
	}
	// Newest pod wins: during a rollout the platform may briefly keep
	// the terminating pod around.
	newest := pods[len(pods)-1]
	return &newest, nil
}

// ListPodsByPreset returns pods created from the preset ordered by
// creation time.
func (c *Client) ListPodsByPreset(ctx context.Context, presetID string) ([]PodRecord, error) {
	if presetID == "" {
		return nil, trace.BadParameter("missing preset id")
	}
	pods, err := c.listPods(ctx, fmt.Sprintf("%s=%s", defaults.PresetIDLabel, presetID))
	return pods, trace.Wrap(err)
}

// ListComputePods returns every pod managed by the gateway.
func (c *Client) ListComputePods(ctx context.Context) ([]PodRecord, error) {
	pods, err := c.listPods(ctx, fmt.Sprintf("%s=%s", defaults.AppLabel, defaults.AppLabelValue))
	return pods, trace.Wrap(err)
}

// DeleteWorkloadByComputeID removes the workload for a compute. Absent
// workloads are success.
func (c *Client) DeleteWorkloadByComputeID(ctx context.Context, computeID string) error {
	if computeID == "" {
		return trace.BadParameter("missing compute id")
	}
	name := "compute-" + computeID
	err := c.withRetry(ctx, "delete workload", func() error {
		return c.clientset.AppsV1().Deployments(c.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	})
	if apierrors.IsNotFound(trace.Unwrap(err)) {
		return nil
	}
	return trace.Wrap(err)
}

func (c *Client) listPods(ctx context.Context, selector string) ([]PodRecord, error) {
	var list *corev1.PodList
	err := c.withRetry(ctx, "list pods", func() error {
		var err error
		list, err = c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
		return err
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	records := make([]PodRecord, 0, len(list.Items))
	for i := range list.Items {
		records = append(records, podToRecord(&list.Items[i]))
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

func podToRecord(pod *corev1.Pod) PodRecord {
	record := PodRecord{
		Name:          pod.Name,
		IP:            pod.Status.PodIP,
		ComputeID:     pod.Labels[defaults.ComputeIDLabel],
		PresetID:      pod.Labels[defaults.PresetIDLabel],
		Phase:         string(pod.Status.Phase),
		IsTerminating: pod.DeletionTimestamp != nil,
		Labels:        pod.Labels,
		CreatedAt:     pod.CreationTimestamp.Time,
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
			record.IsReady = true
			break
		}
	}
	return record
}

func buildDeployment(spec WorkloadSpec) (*appsv1.Deployment, error) {
	if spec.Name == "" {
		return nil, trace.BadParameter("missing workload name")
	}
	if spec.Image == "" {
		return nil, trace.BadParameter("missing workload image")
	}

	labels := map[string]string{
		defaults.AppLabel:      defaults.AppLabelValue,
		defaults.PresetIDLabel: spec.PresetID,
	}
	if spec.ComputeID != "" {
		labels[defaults.ComputeIDLabel] = spec.ComputeID
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	env := make([]corev1.EnvVar, 0, len(spec.Env))
	for _, name := range sortedKeys(spec.Env) {
		env = append(env, corev1.EnvVar{Name: name, Value: spec.Env[name]})
	}

	ports := make([]corev1.ContainerPort, 0, len(spec.Ports))
	for _, p := range spec.Ports {
		ports = append(ports, corev1.ContainerPort{Name: p.Name, ContainerPort: p.ContainerPort})
	}

	resources, err := buildResources(spec.Resources)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	replicas := spec.Replicas
	if replicas == 0 {
		replicas = 1
	}

	// The selector is intentionally narrow: the compute identity when
	// present, otherwise the workload name, so preset baselines never
	// adopt compute pods.
	selector := map[string]string{defaults.AppLabel: defaults.AppLabelValue}
	if spec.ComputeID != "" {
		selector[defaults.ComputeIDLabel] = spec.ComputeID
	} else {
		selector[defaults.PresetIDLabel] = spec.PresetID
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        spec.Name,
			Labels:      labels,
			Annotations: spec.Annotations,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: selector},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels:      labels,
					Annotations: spec.Annotations,
				},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:       "compute",
						Image:      spec.Image,
						Command:    spec.Command,
						Args:       spec.Args,
						Env:        env,
						Ports:      ports,
						WorkingDir: spec.WorkingDir,
						Resources:  resources,
					}},
				},
			},
		},
	}, nil
}

func buildResources(r ResourceRequirements) (corev1.ResourceRequirements, error) {
	out := corev1.ResourceRequirements{
		Requests: corev1.ResourceList{},
		Limits:   corev1.ResourceList{},
	}
	set := func(list corev1.ResourceList, name corev1.ResourceName, value string) error {
		if value == "" {
			return nil
		}
		quantity, err := resource.ParseQuantity(value)
		if err != nil {
			return trace.BadParameter("invalid %v quantity %q: %v", name, value, err)
		}
		list[name] = quantity
		return nil
	}
	if err := set(out.Requests, corev1.ResourceCPU, r.Requests.CPU); err != nil {
		return out, trace.Wrap(err)
	}
	if err := set(out.Requests, corev1.ResourceMemory, r.Requests.Memory); err != nil {
		return out, trace.Wrap(err)
	}
	if err := set(out.Limits, corev1.ResourceCPU, r.Limits.CPU); err != nil {
		return out, trace.Wrap(err)
	}
	if err := set(out.Limits, corev1.ResourceMemory, r.Limits.Memory); err != nil {
		return out, trace.Wrap(err)
	}
	return out, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
