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

package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/computehq/compute-gateway/lib/computes"
	"github.com/computehq/compute-gateway/lib/defaults"
	"github.com/computehq/compute-gateway/lib/ident"
	"github.com/computehq/compute-gateway/lib/platform"
	"github.com/computehq/compute-gateway/lib/presets"
	"github.com/computehq/compute-gateway/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	m.Run()
}

type env struct {
	computes  *computes.Manager
	clientset *fake.Clientset
}

func newTestEnv(t *testing.T) *env {
	t.Helper()
	clientset := fake.NewClientset()
	client := platform.NewClientFromClientset(clientset, defaults.Namespace)

	presetManager, err := presets.NewManager(presets.ManagerConfig{Platform: client})
	require.NoError(t, err)
	require.NoError(t, presetManager.InitializeDefaults(context.Background()))

	manager, err := computes.NewManager(computes.ManagerConfig{
		Platform: client,
		Presets:  presetManager,
	})
	require.NoError(t, err)

	return &env{computes: manager, clientset: clientset}
}

func (e *env) seedPod(t *testing.T, computeID, ip string, ready bool) {
	t.Helper()
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "compute-" + computeID + "-pod",
			Namespace: defaults.Namespace,
			Labels: map[string]string{
				defaults.AppLabel:       defaults.AppLabelValue,
				defaults.ComputeIDLabel: computeID,
				defaults.PresetIDLabel:  defaults.DefaultPresetID,
			},
			CreationTimestamp: metav1.Now(),
		},
		Status: corev1.PodStatus{Phase: corev1.PodRunning, PodIP: ip},
	}
	if ready {
		pod.Status.Conditions = []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionTrue}}
	}
	_, err := e.clientset.CoreV1().Pods(defaults.Namespace).Create(context.Background(), pod, metav1.CreateOptions{})
	require.NoError(t, err)
}

// serverPort extracts the listen port of an httptest server so a test
// pod can point at it through the identity port.
func serverPort(t *testing.T, server *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

func TestHTTPProxyForwards(t *testing.T) {
	e := newTestEnv(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "compute=%s host=%s", r.Header.Get("X-Compute-ID"), r.Header.Get("X-Forwarded-Host"))
	}))
	defer upstream.Close()

	e.seedPod(t, "abc123", "127.0.0.1", true)
	proxy, err := NewHTTPProxy(HTTPProxyConfig{Computes: e.computes})
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "http://3000-abc123.preview.example.com/app", nil)
	w := httptest.NewRecorder()
	proxy.Serve(w, r, ident.Identity{ComputeID: "abc123", Port: serverPort(t, upstream)})

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "compute=abc123 host=3000-abc123.preview.example.com", w.Body.String())
}

func TestHTTPProxyGates(t *testing.T) {
	e := newTestEnv(t)
	e.seedPod(t, "notready", "", false)

	proxy, err := NewHTTPProxy(HTTPProxyConfig{Computes: e.computes})
	require.NoError(t, err)

	tests := []struct {
		name     string
		identity ident.Identity
		want     int
	}{
		{name: "missing identity", identity: ident.Identity{}, want: http.StatusBadRequest},
		{name: "unknown compute", identity: ident.Identity{ComputeID: "nosuch"}, want: http.StatusNotFound},
		{name: "not ready", identity: ident.Identity{ComputeID: "notready"}, want: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "http://gateway.example.com/", nil)
			w := httptest.NewRecorder()
			proxy.Serve(w, r, tt.identity)
			require.Equal(t, tt.want, w.Code)
		})
	}
}

func TestHTTPProxyUpstreamDown(t *testing.T) {
	e := newTestEnv(t)
	e.seedPod(t, "abc123", "127.0.0.1", true)

	proxy, err := NewHTTPProxy(HTTPProxyConfig{Computes: e.computes})
	require.NoError(t, err)

	// A port nothing listens on.
	r := httptest.NewRequest("GET", "http://gateway.example.com/", nil)
	w := httptest.NewRecorder()
	proxy.Serve(w, r, ident.Identity{ComputeID: "abc123", Port: 1})

	require.Equal(t, http.StatusBadGateway, w.Code)
	require.Contains(t, w.Body.String(), "Proxy error:")
}

// echoUpstream upgrades and echoes every message back, prefixed so the
// test can tell the round trip happened.
func echoUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, append([]byte("echo:"), payload...)); err != nil {
				return
			}
		}
	}))
}

func newWSEnv(t *testing.T, teardown *Teardown, tracker *Tracker) (*env, *WSProxy) {
	t.Helper()
	e := newTestEnv(t)
	proxy, err := NewWSProxy(WSProxyConfig{
		Computes: e.computes,
		Tracker:  tracker,
		Teardown: teardown,
	})
	require.NoError(t, err)
	return e, proxy
}

func TestWSProxySplice(t *testing.T) {
	upstream := echoUpstream(t)
	defer upstream.Close()

	tracker := NewTracker()
	e, proxy := newWSEnv(t, nil, tracker)
	e.seedPod(t, "abc123", "127.0.0.1", true)

	port := serverPort(t, upstream)
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxy.Serve(w, r, ident.Identity{ComputeID: "abc123", Port: port})
	}))
	defer gateway.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+gateway.URL[len("http"):], nil)
	require.NoError(t, err)
	defer client.Close()

	// Message order and types survive the splice.
	for i := 0; i < 20; i++ {
		payload := fmt.Sprintf("message-%d", i)
		require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(payload)))
		msgType, got, err := client.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, websocket.TextMessage, msgType)
		require.Equal(t, "echo:"+payload, string(got))
	}
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))
	msgType, got, err := client.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, msgType)
	require.Equal(t, []byte("echo:\x01\x02"), got)

	require.Eventually(t, func() bool { return tracker.Count("abc123") == 1 },
		time.Second, 10*time.Millisecond)
}

func TestWSProxyTracksConnections(t *testing.T) {
	upstream := echoUpstream(t)
	defer upstream.Close()

	tracker := NewTracker()
	e, proxy := newWSEnv(t, nil, tracker)
	e.seedPod(t, "abc123", "127.0.0.1", true)

	port := serverPort(t, upstream)
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxy.Serve(w, r, ident.Identity{ComputeID: "abc123", Port: port})
	}))
	defer gateway.Close()

	first, _, err := websocket.DefaultDialer.Dial("ws"+gateway.URL[len("http"):], nil)
	require.NoError(t, err)
	second, _, err := websocket.DefaultDialer.Dial("ws"+gateway.URL[len("http"):], nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return tracker.Count("abc123") == 2 },
		time.Second, 10*time.Millisecond)

	first.Close()
	require.Eventually(t, func() bool { return tracker.Count("abc123") == 1 },
		time.Second, 10*time.Millisecond)

	second.Close()
	require.Eventually(t, func() bool { return tracker.Count("abc123") == 0 },
		time.Second, 10*time.Millisecond)
}

func TestWSProxyGatesBeforeUpgrade(t *testing.T) {
	tracker := NewTracker()
	e, proxy := newWSEnv(t, nil, tracker)
	e.seedPod(t, "notready", "", false)

	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxy.Serve(w, r, ident.Identity{ComputeID: "notready"})
	}))
	defer gateway.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+gateway.URL[len("http"):], nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Zero(t, tracker.Count("notready"))
}
