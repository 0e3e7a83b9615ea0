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

package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/computehq/compute-gateway/lib/defaults"
)

func TestConfigRequiresSecretAndIssuer(t *testing.T) {
	cfg := Config{Issuer: "test"}
	require.Error(t, cfg.CheckAndSetDefaults())

	cfg = Config{JWTSecret: []byte("secret")}
	require.Error(t, cfg.CheckAndSetDefaults())

	cfg = Config{JWTSecret: []byte("secret"), Issuer: "test"}
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.Equal(t, defaults.GatewayListenAddr, cfg.ListenAddr)
	require.Equal(t, defaults.DefaultPresetID, cfg.DefaultPresetID)
	require.Equal(t, defaults.TeardownDelay, *cfg.TeardownDelay)
	require.NotEmpty(t, cfg.Presets)
}

func TestConfigTeardownDelayZeroIsExplicit(t *testing.T) {
	zero := time.Duration(0)
	cfg := Config{JWTSecret: []byte("secret"), Issuer: "test", TeardownDelay: &zero}
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.Equal(t, time.Duration(0), *cfg.TeardownDelay)

	negative := -time.Second
	cfg = Config{JWTSecret: []byte("secret"), Issuer: "test", TeardownDelay: &negative}
	require.Error(t, cfg.CheckAndSetDefaults())
}

func TestNewBootstrapsDefaultPresets(t *testing.T) {
	clientset := fake.NewClientset()
	gw, err := New(context.Background(), Config{
		JWTSecret: []byte("test-secret"),
		Issuer:    "gateway-test",
		Clientset: clientset,
	})
	require.NoError(t, err)

	deployments, err := clientset.AppsV1().Deployments(defaults.Namespace).List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, d := range deployments.Items {
		names[d.Name] = true
	}
	require.True(t, names["preset-default-development"])
	require.True(t, names["preset-web-server"])

	// The assembled handler serves the auth API end to end.
	server := httptest.NewServer(gw.Handler())
	defer server.Close()

	body, err := json.Marshal(map[string]string{
		"email":    "wired@example.com",
		"password": "correct-horse",
	})
	require.NoError(t, err)
	resp, err := http.Post(server.URL+"/auth/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	gw, err := New(context.Background(), Config{
		JWTSecret:  []byte("test-secret"),
		Issuer:     "gateway-test",
		ListenAddr: "127.0.0.1:0",
		Clientset:  fake.NewClientset(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)
}
