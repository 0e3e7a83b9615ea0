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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	gateway "github.com/computehq/compute-gateway"
	"github.com/computehq/compute-gateway/lib/defaults"
)

// ClientConfig configures a daemon client.
type ClientConfig struct {
	// BaseURL is the daemon's HTTP address, http://ip:port.
	BaseURL string
	// HTTPClient overrides the transport, mainly in tests.
	HTTPClient *http.Client
	// Clock drives completion polling.
	Clock clockwork.Clock
	// Log is the logger.
	Log *logrus.Entry
}

// CheckAndSetDefaults validates the config.
func (c *ClientConfig) CheckAndSetDefaults() error {
	if c.BaseURL == "" {
		return trace.BadParameter("missing parameter BaseURL")
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: defaults.HTTPReadTimeout}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithFields(logrus.Fields{
			gateway.ComponentKey: gateway.ComponentDaemon,
		})
	}
	return nil
}

// Client talks to the daemon's REST surface inside one compute. It
// implements every daemon capability, Minimal providers wrap it and
// expose a subset.
type Client struct {
	base    *url.URL
	http    *http.Client
	clock   clockwork.Clock
	log     *logrus.Entry
	polling backoff
}

// NewClient creates a daemon client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, trace.BadParameter("invalid base URL %q: %v", cfg.BaseURL, err)
	}
	return &Client{
		base:  base,
		http:  cfg.HTTPClient,
		clock: cfg.Clock,
		log:   cfg.Log,
		polling: backoff{
			initial:     defaults.DaemonPollInitial,
			cap:         defaults.DaemonPollCap,
			factor:      defaults.DaemonPollFactor,
			maxAttempts: defaults.DaemonPollMaxAttempts,
		},
	}, nil
}

// RunCommand executes a command to completion. Background commands
// with WaitForCompletion block on the daemon side, the client issues a
// single call either way. Stream requests belong to StartCommand.
func (c *Client) RunCommand(ctx context.Context, req CommandRequest) (*CommandResult, error) {
	if req.Command == "" {
		return nil, trace.BadParameter("missing parameter Command")
	}
	if req.Stream {
		return nil, trace.BadParameter("streamed commands start with StartCommand")
	}
	var result CommandResult
	if err := c.do(ctx, http.MethodPost, "/run/command", req, &result); err != nil {
		return nil, trace.Wrap(err)
	}
	return &result, nil
}

// StartCommand begins the two-phase stream protocol. The returned
// pending command does not execute until command:start is sent on its
// channel, so no output can be missed.
func (c *Client) StartCommand(ctx context.Context, req CommandRequest) (*PendingCommand, error) {
	if req.Command == "" {
		return nil, trace.BadParameter("missing parameter Command")
	}
	req.Stream = true
	var pending PendingCommand
	if err := c.do(ctx, http.MethodPost, "/run/command", req, &pending); err != nil {
		return nil, trace.Wrap(err)
	}
	return &pending, nil
}

// ReadFile returns the contents of a file.
func (c *Client) ReadFile(ctx context.Context, path string) ([]byte, error) {
	var out struct {
		Content []byte `json:"content"`
	}
	if err := c.do(ctx, http.MethodGet, filePath("read", path), nil, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return out.Content, nil
}

// WriteFile writes a file, creating parent directories as needed.
func (c *Client) WriteFile(ctx context.Context, path string, content []byte) error {
	in := struct {
		Content []byte `json:"content"`
	}{Content: content}
	return trace.Wrap(c.do(ctx, http.MethodPost, filePath("write", path), in, nil))
}

// WriteBatch writes several files in one call.
func (c *Client) WriteBatch(ctx context.Context, writes []FileWrite) error {
	if len(writes) == 0 {
		return nil
	}
	in := struct {
		Files []FileWrite `json:"files"`
	}{Files: writes}
	return trace.Wrap(c.do(ctx, http.MethodPost, "/files/batch", in, nil))
}

// Mkdir creates a directory and its parents.
func (c *Client) Mkdir(ctx context.Context, path string) error {
	return trace.Wrap(c.do(ctx, http.MethodPost, filePath("mkdir", path), nil, nil))
}

// ReadDir lists a directory.
func (c *Client) ReadDir(ctx context.Context, path string) ([]FileInfo, error) {
	var out struct {
		Entries []FileInfo `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, filePath("readdir", path), nil, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return out.Entries, nil
}

// Exists reports whether a path exists.
func (c *Client) Exists(ctx context.Context, path string) (bool, error) {
	var out struct {
		Exists bool `json:"exists"`
	}
	if err := c.do(ctx, http.MethodGet, filePath("exists", path), nil, &out); err != nil {
		return false, trace.Wrap(err)
	}
	return out.Exists, nil
}

// Remove deletes a file or directory tree.
func (c *Client) Remove(ctx context.Context, path string) error {
	return trace.Wrap(c.do(ctx, http.MethodDelete, filePath("remove", path), nil, nil))
}

// CreateTerminal opens a terminal session.
func (c *Client) CreateTerminal(ctx context.Context, req TerminalRequest) (*TerminalSession, error) {
	switch req.Encoding {
	case "", TerminalEncodingRaw, TerminalEncodingBase64:
	default:
		return nil, trace.BadParameter("invalid terminal encoding %q", req.Encoding)
	}
	if !req.PTY && req.Command == "" {
		return nil, trace.BadParameter("exec terminals need a command")
	}
	var session TerminalSession
	if err := c.do(ctx, http.MethodPost, "/terminals", req, &session); err != nil {
		return nil, trace.Wrap(err)
	}
	return &session, nil
}

// DestroyTerminal closes a terminal. PTY terminals receive SIGHUP.
func (c *Client) DestroyTerminal(ctx context.Context, id string) error {
	return trace.Wrap(c.do(ctx, http.MethodDelete, "/terminals/"+url.PathEscape(id), nil, nil))
}

// CreateServer registers a supervised server process.
func (c *Client) CreateServer(ctx context.Context, spec ServerSpec) (*ManagedServer, error) {
	if spec.Slug == "" {
		return nil, trace.BadParameter("missing parameter Slug")
	}
	if spec.Start == "" {
		return nil, trace.BadParameter("missing parameter Start")
	}
	switch spec.RestartPolicy {
	case "", RestartNever, RestartOnFailure, RestartAlways:
	default:
		return nil, trace.BadParameter("invalid restart policy %q", spec.RestartPolicy)
	}
	var server ManagedServer
	if err := c.do(ctx, http.MethodPost, "/servers", spec, &server); err != nil {
		return nil, trace.Wrap(err)
	}
	return &server, nil
}

// GetServer returns a managed server by id.
func (c *Client) GetServer(ctx context.Context, id string) (*ManagedServer, error) {
	var server ManagedServer
	if err := c.do(ctx, http.MethodGet, "/servers/"+url.PathEscape(id), nil, &server); err != nil {
		return nil, trace.Wrap(err)
	}
	return &server, nil
}

// ListServers returns all managed servers.
func (c *Client) ListServers(ctx context.Context) ([]ManagedServer, error) {
	var out struct {
		Servers []ManagedServer `json:"servers"`
	}
	if err := c.do(ctx, http.MethodGet, "/servers", nil, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return out.Servers, nil
}

// StopServer stops a server gracefully, SIGTERM then SIGKILL after the
// configured stop timeout.
func (c *Client) StopServer(ctx context.Context, id string) error {
	return trace.Wrap(c.do(ctx, http.MethodPost, "/servers/"+url.PathEscape(id)+"/stop", nil, nil))
}

// RestartServer restarts a server regardless of restart policy.
func (c *Client) RestartServer(ctx context.Context, id string) error {
	return trace.Wrap(c.do(ctx, http.MethodPost, "/servers/"+url.PathEscape(id)+"/restart", nil, nil))
}

// DeleteServer stops and removes a server.
func (c *Client) DeleteServer(ctx context.Context, id string) error {
	return trace.Wrap(c.do(ctx, http.MethodDelete, "/servers/"+url.PathEscape(id), nil, nil))
}

// CreateOverlay starts an overlay copy.
func (c *Client) CreateOverlay(ctx context.Context, spec OverlaySpec) (*Overlay, error) {
	if spec.Source == "" || spec.Target == "" {
		return nil, trace.BadParameter("missing overlay source or target")
	}
	var overlay Overlay
	if err := c.do(ctx, http.MethodPost, "/overlays", spec, &overlay); err != nil {
		return nil, trace.Wrap(err)
	}
	return &overlay, nil
}

// GetOverlay returns the state of an overlay copy.
func (c *Client) GetOverlay(ctx context.Context, id string) (*Overlay, error) {
	var overlay Overlay
	if err := c.do(ctx, http.MethodGet, "/overlays/"+url.PathEscape(id), nil, &overlay); err != nil {
		return nil, trace.Wrap(err)
	}
	return &overlay, nil
}

// WaitOverlay polls an overlay until it reaches a terminal state.
// Exhausting the polling budget is ErrWaitTimeout, distinct from the
// overlay itself failing.
func (c *Client) WaitOverlay(ctx context.Context, id string) (*Overlay, error) {
	interval := c.polling.initial
	for attempt := 0; attempt < c.polling.maxAttempts; attempt++ {
		overlay, err := c.GetOverlay(ctx, id)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		switch overlay.State {
		case OverlayComplete, OverlayFailed:
			return overlay, nil
		}
		select {
		case <-c.clock.After(interval):
		case <-ctx.Done():
			return nil, trace.Wrap(ctx.Err())
		}
		interval = c.polling.next(interval)
	}
	return nil, trace.Wrap(ErrWaitTimeout)
}

// CreateWatcher subscribes to filesystem events under a path.
func (c *Client) CreateWatcher(ctx context.Context, path string) (*Watcher, error) {
	in := struct {
		Path string `json:"path"`
	}{Path: path}
	var watcher Watcher
	if err := c.do(ctx, http.MethodPost, "/watchers", in, &watcher); err != nil {
		return nil, trace.Wrap(err)
	}
	return &watcher, nil
}

// DeleteWatcher removes a watcher.
func (c *Client) DeleteWatcher(ctx context.Context, id string) error {
	return trace.Wrap(c.do(ctx, http.MethodDelete, "/watchers/"+url.PathEscape(id), nil, nil))
}

// GetEnv returns the daemon's process environment overrides.
func (c *Client) GetEnv(ctx context.Context) (map[string]string, error) {
	var out struct {
		Env map[string]string `json:"env"`
	}
	if err := c.do(ctx, http.MethodGet, "/env", nil, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return out.Env, nil
}

// SetEnv merges environment overrides into the daemon.
func (c *Client) SetEnv(ctx context.Context, env map[string]string) error {
	in := struct {
		Env map[string]string `json:"env"`
	}{Env: env}
	return trace.Wrap(c.do(ctx, http.MethodPost, "/env", in, nil))
}

// WhoAmI mirrors the gateway's auth introspection through the daemon
// so code running inside the compute can discover its own session.
func (c *Client) WhoAmI(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, "/auth/whoami", nil, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// CreateMagicLink mirrors session claiming for client-side delegation.
func (c *Client) CreateMagicLink(ctx context.Context, email string) (string, error) {
	in := struct {
		Email string `json:"email"`
	}{Email: email}
	var out struct {
		URL string `json:"url"`
	}
	if err := c.do(ctx, http.MethodPost, "/auth/magic-link", in, &out); err != nil {
		return "", trace.Wrap(err)
	}
	return out.URL, nil
}

// filePath builds a file endpoint path. The target is appended
// verbatim after the operation segment, so an absolute path keeps its
// leading slash as a double slash. url.JoinPath would collapse it.
func filePath(op, target string) string {
	return "/files/" + op + "/" + target
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	target := *c.base
	target.Path = strings.TrimSuffix(c.base.Path, "/") + path

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return trace.Wrap(err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return trace.Wrap(err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return trace.ConnectionProblem(err, "daemon unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		message := strings.TrimSpace(string(payload))
		switch resp.StatusCode {
		case http.StatusBadRequest:
			return trace.BadParameter("daemon rejected request: %v", message)
		case http.StatusNotFound:
			return trace.NotFound("daemon resource not found: %v", message)
		case http.StatusConflict:
			return trace.AlreadyExists("daemon resource exists: %v", message)
		default:
			return trace.ConnectionProblem(nil, "daemon returned %v: %v",
				resp.StatusCode, message)
		}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return trace.BadParameter("invalid daemon response: %v", err)
	}
	return nil
}

// String returns the client's target for logging.
func (c *Client) String() string {
	return fmt.Sprintf("daemon(%v)", c.base)
}
