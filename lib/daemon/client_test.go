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

package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/computehq/compute-gateway/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	m.Run()
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	require.NoError(t, err)
	return client
}

func TestRunCommand(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/run/command", r.URL.Path)
		var req CommandRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "ls -la", req.Command)
		require.False(t, req.Stream)
		json.NewEncoder(w).Encode(CommandResult{Stdout: "total 0\n", ExitCode: 0, DurationMS: 12})
	}))

	result, err := client.RunCommand(context.Background(), CommandRequest{Command: "ls -la"})
	require.NoError(t, err)
	require.Equal(t, "total 0\n", result.Stdout)
	require.Zero(t, result.ExitCode)
}

func TestRunCommandNonZeroExitIsNotAnError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(CommandResult{Stderr: "boom", ExitCode: 2})
	}))

	result, err := client.RunCommand(context.Background(), CommandRequest{Command: "false"})
	require.NoError(t, err)
	require.Equal(t, 2, result.ExitCode)
}

func TestRunCommandRejectsStream(t *testing.T) {
	client := newTestClient(t, http.NotFoundHandler())
	_, err := client.RunCommand(context.Background(), CommandRequest{Command: "ls", Stream: true})
	require.True(t, trace.IsBadParameter(err))
}

func TestFilePathsPreservedVerbatim(t *testing.T) {
	var gotPath atomic.Value
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"content": []byte("hello")})
	}))

	content, err := client.ReadFile(context.Background(), "/workspace/app/main.go")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), content)
	// The absolute path keeps its leading slash after the operation
	// segment, the double slash is not collapsed.
	require.Equal(t, "/files/read//workspace/app/main.go", gotPath.Load())

	require.NoError(t, client.WriteFile(context.Background(), "/etc/motd", []byte("hi")))
	require.Equal(t, "/files/write//etc/motd", gotPath.Load())
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		check  func(error) bool
	}{
		{http.StatusBadRequest, trace.IsBadParameter},
		{http.StatusNotFound, trace.IsNotFound},
		{http.StatusConflict, trace.IsAlreadyExists},
		{http.StatusInternalServerError, trace.IsConnectionProblem},
	}
	for _, tt := range tests {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		_, err := client.GetOverlay(context.Background(), "o1")
		require.Error(t, err)
		require.True(t, tt.check(err), "status %d mapped to %v", tt.status, err)
	}
}

func TestCreateServerValidation(t *testing.T) {
	client := newTestClient(t, http.NotFoundHandler())

	_, err := client.CreateServer(context.Background(), ServerSpec{Start: "npm start"})
	require.True(t, trace.IsBadParameter(err))

	_, err = client.CreateServer(context.Background(), ServerSpec{Slug: "web"})
	require.True(t, trace.IsBadParameter(err))

	_, err = client.CreateServer(context.Background(), ServerSpec{
		Slug: "web", Start: "npm start", RestartPolicy: "sometimes",
	})
	require.True(t, trace.IsBadParameter(err))
}

func TestCreateServer(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var spec ServerSpec
		require.NoError(t, json.NewDecoder(r.Body).Decode(&spec))
		require.Equal(t, RestartOnFailure, spec.RestartPolicy)
		json.NewEncoder(w).Encode(ManagedServer{ID: "srv1", Slug: spec.Slug, State: ServerPending, Spec: spec})
	}))

	server, err := client.CreateServer(context.Background(), ServerSpec{
		Slug:          "web",
		Start:         "npm start",
		Port:          3000,
		RestartPolicy: RestartOnFailure,
	})
	require.NoError(t, err)
	require.Equal(t, ServerPending, server.State)
}

func TestWaitOverlayCompletes(t *testing.T) {
	var polls int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state := OverlayInProgress
		if atomic.AddInt32(&polls, 1) >= 3 {
			state = OverlayComplete
		}
		json.NewEncoder(w).Encode(Overlay{ID: "o1", State: state})
	}))
	client.polling = backoff{initial: time.Millisecond, cap: 5 * time.Millisecond, factor: 1.5, maxAttempts: 10}

	overlay, err := client.WaitOverlay(context.Background(), "o1")
	require.NoError(t, err)
	require.Equal(t, OverlayComplete, overlay.State)
	require.GreaterOrEqual(t, atomic.LoadInt32(&polls), int32(3))
}

func TestWaitOverlayFailedIsTerminal(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Overlay{ID: "o1", State: OverlayFailed, Error: "disk full"})
	}))
	client.polling = backoff{initial: time.Millisecond, cap: 5 * time.Millisecond, factor: 1.5, maxAttempts: 10}

	overlay, err := client.WaitOverlay(context.Background(), "o1")
	require.NoError(t, err)
	require.Equal(t, OverlayFailed, overlay.State)
	require.Equal(t, "disk full", overlay.Error)
}

func TestWaitOverlayTimesOut(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Overlay{ID: "o1", State: OverlayInProgress})
	}))
	client.polling = backoff{initial: time.Millisecond, cap: 2 * time.Millisecond, factor: 1.5, maxAttempts: 3}

	_, err := client.WaitOverlay(context.Background(), "o1")
	require.ErrorIs(t, err, ErrWaitTimeout)
}

func TestBackoffGrowth(t *testing.T) {
	b := backoff{initial: 500 * time.Millisecond, cap: 5 * time.Second, factor: 1.5, maxAttempts: 60}
	interval := b.initial
	for i := 0; i < 20; i++ {
		interval = b.next(interval)
		require.LessOrEqual(t, interval, b.cap)
	}
	require.Equal(t, b.cap, interval)
}

func TestResolver(t *testing.T) {
	available := fakeProvider{name: "kubernetes", available: true}
	fallback := fakeProvider{name: "local", available: true}
	unavailable := fakeProvider{name: "cloud", available: false}

	resolver, err := NewResolver(unavailable, available, fallback)
	require.NoError(t, err)

	choice, err := resolver.Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, "kubernetes", choice.Provider.Name())
	require.Equal(t, []string{"local"}, choice.Fallbacks)

	// Deterministic: repeated resolution yields the same choice.
	again, err := resolver.Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, choice.Provider.Name(), again.Provider.Name())

	none, err := NewResolver(unavailable)
	require.NoError(t, err)
	_, err = none.Resolve(context.Background())
	require.True(t, IsNoProviderDetected(err))
}

type fakeProvider struct {
	name      string
	available bool
}

func (p fakeProvider) Name() string                       { return p.name }
func (p fakeProvider) Available(ctx context.Context) bool { return p.available }

func TestUnsupported(t *testing.T) {
	err := Unsupported("minimal", "terminals")
	require.True(t, IsUnsupported(err))
	require.Contains(t, err.Error(), "minimal")
	require.False(t, IsUnsupported(trace.NotFound("nope")))
}
