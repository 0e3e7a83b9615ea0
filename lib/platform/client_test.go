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
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/computehq/compute-gateway/lib/defaults"
	"github.com/computehq/compute-gateway/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	m.Run()
}

func testPod(name, computeID, presetID, ip string, phase corev1.PodPhase, ready bool, created time.Time) *corev1.Pod {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: defaults.Namespace,
			Labels: map[string]string{
				defaults.AppLabel:       defaults.AppLabelValue,
				defaults.ComputeIDLabel: computeID,
				defaults.PresetIDLabel:  presetID,
			},
			CreationTimestamp: metav1.NewTime(created),
		},
		Status: corev1.PodStatus{
			Phase: phase,
			PodIP: ip,
		},
	}
	if ready {
		pod.Status.Conditions = []corev1.PodCondition{{
			Type:   corev1.PodReady,
			Status: corev1.ConditionTrue,
		}}
	}
	return pod
}

func TestCreateWorkload(t *testing.T) {
	clientset := fake.NewClientset()
	client := NewClientFromClientset(clientset, defaults.Namespace)

	spec := WorkloadSpec{
		Name:      "compute-abc123",
		ComputeID: "abc123",
		PresetID:  "default-development",
		Image:     "computehq/devbox:latest",
		Env:       map[string]string{"NODE_ENV": "development"},
		Ports:     []Port{{Name: "http", ContainerPort: 8080}},
		Resources: ResourceRequirements{
			Requests: ResourceList{CPU: "250m", Memory: "256Mi"},
			Limits:   ResourceList{CPU: "1", Memory: "1Gi"},
		},
	}
	require.NoError(t, client.CreateWorkload(context.Background(), spec))

	deployment, err := clientset.AppsV1().Deployments(defaults.Namespace).Get(context.Background(), "compute-abc123", metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, "abc123", deployment.Labels[defaults.ComputeIDLabel])
	require.Equal(t, "default-development", deployment.Labels[defaults.PresetIDLabel])
	require.Equal(t, defaults.AppLabelValue, deployment.Labels[defaults.AppLabel])

	container := deployment.Spec.Template.Spec.Containers[0]
	require.Equal(t, "computehq/devbox:latest", container.Image)
	require.Equal(t, int32(8080), container.Ports[0].ContainerPort)
	require.Equal(t, "250m", container.Resources.Requests.Cpu().String())
	require.Equal(t, "1Gi", container.Resources.Limits.Memory().String())

	// Idempotent: creating the same workload again succeeds.
	require.NoError(t, client.CreateWorkload(context.Background(), spec))
}

func TestCreateWorkloadValidation(t *testing.T) {
	client := NewClientFromClientset(fake.NewClientset(), defaults.Namespace)

	err := client.CreateWorkload(context.Background(), WorkloadSpec{Name: "x"})
	require.True(t, trace.IsBadParameter(err))

	err = client.CreateWorkload(context.Background(), WorkloadSpec{
		Name:  "x",
		Image: "img",
		Resources: ResourceRequirements{
			Requests: ResourceList{CPU: "not-a-quantity"},
		},
	})
	require.True(t, trace.IsBadParameter(err))
}

func TestGetPodByComputeID(t *testing.T) {
	now := time.Now()
	clientset := fake.NewClientset(
		testPod("compute-abc123-old", "abc123", "p1", "", corev1.PodPending, false, now.Add(-time.Hour)),
		testPod("compute-abc123-new", "abc123", "p1", "10.0.0.5", corev1.PodRunning, true, now),
		testPod("compute-other", "other1", "p1", "10.0.0.9", corev1.PodRunning, true, now),
	)
	client := NewClientFromClientset(clientset, defaults.Namespace)

	pod, err := client.GetPodByComputeID(context.Background(), "abc123")
	require.NoError(t, err)
	require.Equal(t, "compute-abc123-new", pod.Name)
	require.Equal(t, "10.0.0.5", pod.IP)
	require.Equal(t, PodRunning, pod.Phase)
	require.True(t, pod.IsReady)

	_, err = client.GetPodByComputeID(context.Background(), "nosuch")
	require.True(t, trace.IsNotFound(err))

	_, err = client.GetPodByComputeID(context.Background(), "")
	require.True(t, trace.IsBadParameter(err))
}

func TestListPodsByPresetOrdering(t *testing.T) {
	now := time.Now()
	clientset := fake.NewClientset(
		testPod("pod-c", "c1", "web-server", "", corev1.PodPending, false, now),
		testPod("pod-a", "a1", "web-server", "", corev1.PodPending, false, now.Add(-2*time.Hour)),
		testPod("pod-b", "b1", "web-server", "", corev1.PodPending, false, now.Add(-time.Hour)),
	)
	client := NewClientFromClientset(clientset, defaults.Namespace)

	pods, err := client.ListPodsByPreset(context.Background(), "web-server")
	require.NoError(t, err)
	require.Len(t, pods, 3)
	require.Equal(t, []string{"pod-a", "pod-b", "pod-c"},
		[]string{pods[0].Name, pods[1].Name, pods[2].Name})
}

func TestDeleteWorkloadIdempotent(t *testing.T) {
	clientset := fake.NewClientset()
	client := NewClientFromClientset(clientset, defaults.Namespace)

	require.NoError(t, client.CreateWorkload(context.Background(), WorkloadSpec{
		Name:      "compute-abc123",
		ComputeID: "abc123",
		PresetID:  "p1",
		Image:     "img",
	}))
	require.NoError(t, client.DeleteWorkloadByComputeID(context.Background(), "abc123"))
	// Deleting again is success.
	require.NoError(t, client.DeleteWorkloadByComputeID(context.Background(), "abc123"))
}

func TestRetryTransientErrors(t *testing.T) {
	clientset := fake.NewClientset()
	failures := 2
	clientset.PrependReactor("list", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		if failures > 0 {
			failures--
			return true, nil, apierrors.NewServerTimeout(schema.GroupResource{Resource: "pods"}, "list", 1)
		}
		return false, nil, nil
	})
	client := NewClientFromClientset(clientset, defaults.Namespace)
	client.retry.base = time.Millisecond
	client.retry.cap = 2 * time.Millisecond

	_, err := client.ListComputePods(context.Background())
	require.NoError(t, err)
	require.Zero(t, failures)
}

func TestRetryExhaustionIsConnectionProblem(t *testing.T) {
	clientset := fake.NewClientset()
	clientset.PrependReactor("list", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewServiceUnavailable("etcd leader lost")
	})
	client := NewClientFromClientset(clientset, defaults.Namespace)
	client.retry.base = time.Millisecond
	client.retry.cap = 2 * time.Millisecond
	client.retry.attempts = 3

	_, err := client.ListComputePods(context.Background())
	require.True(t, trace.IsConnectionProblem(err))
}

func TestNonTransientErrorsAreNotRetried(t *testing.T) {
	clientset := fake.NewClientset()
	calls := 0
	clientset.PrependReactor("list", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		calls++
		return true, nil, apierrors.NewForbidden(schema.GroupResource{Resource: "pods"}, "", nil)
	})
	client := NewClientFromClientset(clientset, defaults.Namespace)

	_, err := client.ListComputePods(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, calls)
}
