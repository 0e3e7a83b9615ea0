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

package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/computehq/compute-gateway/lib/authsvc"
	"github.com/computehq/compute-gateway/lib/authsvc/store"
	"github.com/computehq/compute-gateway/lib/computes"
	"github.com/computehq/compute-gateway/lib/defaults"
	"github.com/computehq/compute-gateway/lib/platform"
	"github.com/computehq/compute-gateway/lib/presets"
	"github.com/computehq/compute-gateway/lib/proxy"
	"github.com/computehq/compute-gateway/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	m.Run()
}

const testPreviewDomain = "preview.example.com"

type testGateway struct {
	handler   *Handler
	server    *httptest.Server
	auth      *authsvc.Service
	clientset *fake.Clientset
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	clientset := fake.NewClientset()
	client := platform.NewClientFromClientset(clientset, defaults.Namespace)

	presetManager, err := presets.NewManager(presets.ManagerConfig{Platform: client})
	require.NoError(t, err)
	require.NoError(t, presetManager.InitializeDefaults(context.Background()))

	computeManager, err := computes.NewManager(computes.ManagerConfig{
		Platform: client,
		Presets:  presetManager,
	})
	require.NoError(t, err)

	tokens, err := authsvc.NewTokenService(authsvc.TokenServiceConfig{
		Secret: []byte("test-secret"),
		Issuer: "gateway-test",
	})
	require.NoError(t, err)
	auth, err := authsvc.NewService(authsvc.ServiceConfig{
		Store:  store.NewMemory(),
		Tokens: tokens,
	})
	require.NoError(t, err)

	tracker := proxy.NewTracker()
	httpProxy, err := proxy.NewHTTPProxy(proxy.HTTPProxyConfig{Computes: computeManager})
	require.NoError(t, err)
	wsProxy, err := proxy.NewWSProxy(proxy.WSProxyConfig{
		Computes: computeManager,
		Tracker:  tracker,
	})
	require.NoError(t, err)

	handler, err := NewHandler(Config{
		Auth:          auth,
		Computes:      computeManager,
		Presets:       presetManager,
		HTTPProxy:     httpProxy,
		WSProxy:       wsProxy,
		PreviewDomain: testPreviewDomain,
	})
	require.NoError(t, err)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testGateway{handler: handler, server: server, auth: auth, clientset: clientset}
}

func (g *testGateway) seedPod(t *testing.T, computeID, ip string, ready bool) {
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
	_, err := g.clientset.CoreV1().Pods(defaults.Namespace).Create(context.Background(), pod, metav1.CreateOptions{})
	require.NoError(t, err)
}

// call issues a JSON request against the gateway and decodes the
// response into out when the status is 2xx.
func (g *testGateway) call(t *testing.T, method, path, bearer string, body, out any) int {
	t.Helper()
	var payload *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(encoded)
	} else {
		payload = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, g.server.URL+path, payload)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode < 300 && out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// registerUser registers a user and returns its access token.
func (g *testGateway) registerUser(t *testing.T, email string) (string, *authsvc.User) {
	t.Helper()
	var resp struct {
		User   *authsvc.User      `json:"user"`
		Tokens *authsvc.TokenPair `json:"tokens"`
	}
	status := g.call(t, "POST", "/auth/register", "", map[string]string{
		"email":    email,
		"password": "s3cret-pass",
	}, &resp)
	require.Equal(t, http.StatusOK, status)
	return resp.Tokens.AccessToken, resp.User
}

// apiKeyFor creates an organization owned by a fresh user and mints a
// raw API key for it.
func (g *testGateway) apiKeyFor(t *testing.T, email string) string {
	t.Helper()
	token, _ := g.registerUser(t, email)
	var org authsvc.Organization
	status := g.call(t, "POST", "/auth/organizations", token, map[string]string{"name": "acme"}, &org)
	require.Equal(t, http.StatusOK, status)
	var created struct {
		Raw string `json:"raw"`
	}
	status = g.call(t, "POST", "/auth/api-keys", token, map[string]any{
		"organizationId": org.ID,
		"name":           "ci",
	}, &created)
	require.Equal(t, http.StatusOK, status)
	return created.Raw
}

func TestRegisterLoginRefresh(t *testing.T) {
	g := newTestGateway(t)

	token, user := g.registerUser(t, "alice@example.com")
	require.NotEmpty(t, token)
	require.Equal(t, "alice@example.com", user.Email)

	var login struct {
		Tokens *authsvc.TokenPair `json:"tokens"`
	}
	status := g.call(t, "POST", "/auth/login", "", map[string]string{
		"email":    "alice@example.com",
		"password": "s3cret-pass",
	}, &login)
	require.Equal(t, http.StatusOK, status)

	status = g.call(t, "POST", "/auth/login", "", map[string]string{
		"email":    "alice@example.com",
		"password": "wrong",
	}, nil)
	require.Equal(t, http.StatusUnauthorized, status)

	var refreshed authsvc.TokenPair
	status = g.call(t, "POST", "/auth/refresh", "", map[string]string{
		"refreshToken": login.Tokens.RefreshToken,
	}, &refreshed)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, refreshed.AccessToken)
}

func TestAdmission(t *testing.T) {
	g := newTestGateway(t)

	// No bearer.
	status := g.call(t, "GET", "/v1/sandboxes", "", nil, nil)
	require.Equal(t, http.StatusUnauthorized, status)

	// Garbage bearer.
	status = g.call(t, "GET", "/v1/sandboxes", "garbage", nil, nil)
	require.Equal(t, http.StatusUnauthorized, status)

	// A raw API key works as a bearer directly.
	raw := g.apiKeyFor(t, "owner@example.com")
	status = g.call(t, "GET", "/v1/sandboxes", raw, nil, nil)
	require.Equal(t, http.StatusOK, status)

	// Kind gating: an API key cannot claim sessions.
	status = g.call(t, "POST", "/auth/session-claims/by-email", raw, nil, nil)
	require.Equal(t, http.StatusForbidden, status)
}

func TestSandboxLifecycleOverHTTP(t *testing.T) {
	g := newTestGateway(t)
	token, _ := g.registerUser(t, "alice@example.com")

	var info computes.ComputeInfo
	status := g.call(t, "POST", "/v1/sandboxes", token, map[string]any{}, &info)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, info.ComputeID, defaults.ComputeIDLength)
	require.Equal(t, defaults.DefaultPresetID, info.PresetID)

	// The fake platform runs no controllers, the pod appears when
	// seeded.
	g.seedPod(t, info.ComputeID, "10.0.0.5", true)

	var got computes.ComputeInfo
	status = g.call(t, "GET", "/v1/sandboxes/"+info.ComputeID, token, nil, &got)
	require.Equal(t, http.StatusOK, status)
	require.True(t, got.Status.Ready)
	require.Equal(t, "10.0.0.5", got.Network.PodIP)

	var list struct {
		Sandboxes []computes.ComputeInfo `json:"sandboxes"`
	}
	status = g.call(t, "GET", "/v1/sandboxes", token, nil, &list)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, list.Sandboxes, 1)

	status = g.call(t, "DELETE", "/v1/sandboxes/"+info.ComputeID, token, nil, nil)
	require.Equal(t, http.StatusOK, status)
	_, err := g.clientset.AppsV1().Deployments(defaults.Namespace).Get(
		context.Background(), "compute-"+info.ComputeID, metav1.GetOptions{})
	require.Error(t, err)

	// A compute that never had a pod reads as absent.
	status = g.call(t, "GET", "/v1/sandboxes/nosuchcompute", token, nil, nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestLookupRoutesCoexistWithWildcard(t *testing.T) {
	g := newTestGateway(t)
	raw := g.apiKeyFor(t, "owner@example.com")

	var info computes.ComputeInfo
	status := g.call(t, "POST", "/v1/find-or-create-sandbox", raw, map[string]any{}, &info)
	require.Equal(t, http.StatusOK, status)
	g.seedPod(t, info.ComputeID, "10.0.0.9", true)

	var found computes.ComputeInfo
	status = g.call(t, "POST", "/v1/find-sandbox", raw, map[string]any{"computeId": info.ComputeID}, &found)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, info.ComputeID, found.ComputeID)

	// The :id wildcard next to the static lookups still routes.
	status = g.call(t, "POST", "/v1/sandboxes/"+info.ComputeID+"/extend", raw, nil, nil)
	require.Equal(t, http.StatusOK, status)

	token, _ := g.registerUser(t, "claimer@example.com")
	status = g.call(t, "POST", "/auth/session-claims/by-email", token, nil, nil)
	require.Equal(t, http.StatusOK, status)
}

func TestSessionGrantGatesPreview(t *testing.T) {
	g := newTestGateway(t)
	raw := g.apiKeyFor(t, "owner@example.com")

	// The daemon the preview should reach.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "daemon says hi")
	}))
	defer upstream.Close()
	u, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	g.seedPod(t, "abc123def456", "127.0.0.1", true)
	g.seedPod(t, "zzz999yyy888", "127.0.0.1", true)

	// Session granting access to abc123def456 only.
	var created struct {
		Session *authsvc.ClaimableSession `json:"session"`
		Token   string                    `json:"token"`
	}
	status := g.call(t, "POST", "/auth/sessions", raw, map[string]any{
		"resources": []map[string]any{{
			"resourceType": "compute",
			"resourceId":   "abc123def456",
			"permissions":  []string{"connect"},
		}},
	}, &created)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, created.Token)

	previewGet := func(computeID, bearer string) int {
		req, err := http.NewRequest("GET", g.server.URL+fmt.Sprintf("/preview/%d-%s", port, computeID), nil)
		require.NoError(t, err)
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	// Granted compute passes, ungranted is forbidden.
	require.Equal(t, http.StatusOK, previewGet("abc123def456", created.Token))
	require.Equal(t, http.StatusForbidden, previewGet("zzz999yyy888", created.Token))
}

func TestSessionClaimOverHTTP(t *testing.T) {
	g := newTestGateway(t)
	raw := g.apiKeyFor(t, "owner@example.com")

	var created struct {
		Session *authsvc.ClaimableSession `json:"session"`
	}
	status := g.call(t, "POST", "/auth/sessions", raw, map[string]any{
		"email": "visitor@example.com",
	}, &created)
	require.Equal(t, http.StatusOK, status)

	token, _ := g.registerUser(t, "visitor2@example.com")
	var claimed struct {
		Session *authsvc.ClaimableSession `json:"session"`
	}
	status = g.call(t, "POST", "/auth/sessions/"+created.Session.ID+"/claim", token, nil, &claimed)
	require.Equal(t, http.StatusOK, status)
	require.True(t, claimed.Session.Claimed())

	// A second claim conflicts.
	other, _ := g.registerUser(t, "other@example.com")
	status = g.call(t, "POST", "/auth/sessions/"+created.Session.ID+"/claim", other, nil, nil)
	require.Equal(t, http.StatusConflict, status)
}

func TestRegisterClaimsPendingSessions(t *testing.T) {
	g := newTestGateway(t)
	raw := g.apiKeyFor(t, "owner@example.com")

	status := g.call(t, "POST", "/auth/sessions", raw, map[string]any{
		"email": "invited@example.com",
	}, nil)
	require.Equal(t, http.StatusOK, status)

	// Registration with the invited email claims the session.
	token, _ := g.registerUser(t, "invited@example.com")
	var info map[string]any
	status = g.call(t, "GET", "/auth/info", token, nil, &info)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "user", info["kind"])
}

func TestPresetEndpoints(t *testing.T) {
	g := newTestGateway(t)
	token, _ := g.registerUser(t, "alice@example.com")

	var list struct {
		Presets []presets.Preset `json:"presets"`
	}
	status := g.call(t, "GET", "/presets", token, nil, &list)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, list.Presets)

	// The version filter is numeric.
	list.Presets = nil
	status = g.call(t, "GET", "/presets?version=1", token, nil, &list)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, list.Presets)

	status = g.call(t, "GET", "/presets?version=latest", token, nil, nil)
	require.Equal(t, http.StatusBadRequest, status)

	var created presets.Preset
	status = g.call(t, "POST", "/presets", token, map[string]any{
		"presetId": "custom-go",
		"name":     "Go toolchain",
		"template": map[string]any{"image": "golang:1.24"},
	}, &created)
	require.Equal(t, http.StatusOK, status)

	status = g.call(t, "GET", "/presets/custom-go", token, nil, nil)
	require.Equal(t, http.StatusOK, status)

	// Duplicate create conflicts.
	status = g.call(t, "POST", "/presets", token, map[string]any{
		"presetId": "custom-go",
		"name":     "Go toolchain",
		"template": map[string]any{"image": "golang:1.24"},
	}, nil)
	require.Equal(t, http.StatusConflict, status)

	status = g.call(t, "DELETE", "/presets/custom-go", token, nil, nil)
	require.Equal(t, http.StatusOK, status)
}

func TestAuthStatusAndInfo(t *testing.T) {
	g := newTestGateway(t)
	raw := g.apiKeyFor(t, "owner@example.com")

	var statusBody map[string]any
	code := g.call(t, "GET", "/auth/status", raw, nil, &statusBody)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, statusBody["authenticated"])
	require.Equal(t, "api_key", statusBody["kind"])

	var info map[string]any
	code = g.call(t, "GET", "/auth/info", raw, nil, &info)
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, info["organizationId"])
}

func TestPreviewHostRouting(t *testing.T) {
	g := newTestGateway(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "compute=%s", r.Header.Get("X-Compute-ID"))
	}))
	defer upstream.Close()
	u, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	g.seedPod(t, "abc123def456", "127.0.0.1", true)

	// Host-based preview identity routes through the proxy even on an
	// API-looking path.
	req, err := http.NewRequest("GET", g.server.URL+"/v1/sandboxes", nil)
	require.NoError(t, err)
	req.Host = u.Port() + "-abc123def456." + testPreviewDomain
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body bytes.Buffer
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "compute=abc123def456", body.String())
}

func TestUnknownComputePreviewIs404(t *testing.T) {
	g := newTestGateway(t)
	status := g.call(t, "GET", "/preview/nosuchcompute", "", nil, nil)
	require.Equal(t, http.StatusNotFound, status)
}
