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

// Package daemon is the client side of the intra-compute daemon
// protocol: the REST surface for commands, files, terminals, managed
// servers and overlays, and the websocket envelope stream for command
// output, terminal I/O and signals. The daemon itself runs inside the
// compute pod and is not part of this codebase.
package daemon

import (
	"context"
	"encoding/json"
	"time"
)

// Envelope is the websocket frame exchanged with the daemon. Data is
// kept raw so each channel can carry its own payload shape.
type Envelope struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	CmdID   string          `json:"cmdId,omitempty"`
}

// CommandRequest parameterizes command execution.
type CommandRequest struct {
	Command string            `json:"command"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	// Background detaches the process. With WaitForCompletion the call
	// still blocks until it finishes.
	Background        bool `json:"background,omitempty"`
	WaitForCompletion bool `json:"waitForCompletion,omitempty"`
	// Stream switches to the two-phase streaming protocol.
	Stream bool `json:"stream,omitempty"`
}

// CommandResult is a completed command. ExitCode is surfaced unchanged,
// a non-zero code is not an error at this layer.
type CommandResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exitCode"`
	DurationMS int64  `json:"durationMs"`
}

// PendingCommand is the first phase of a streamed command: the process
// does not start until command:start is sent on the channel.
type PendingCommand struct {
	CmdID   string `json:"cmdId"`
	Channel string `json:"channel"`
}

// FileInfo describes a directory entry.
type FileInfo struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

// FileWrite is one entry of a batch write.
type FileWrite struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

// Terminal encodings.
const (
	TerminalEncodingRaw    = "raw"
	TerminalEncodingBase64 = "base64"
)

// TerminalRequest opens a terminal. PTY terminals are interactive
// shells, exec terminals run a single command string.
type TerminalRequest struct {
	PTY      bool   `json:"pty,omitempty"`
	Shell    string `json:"shell,omitempty"`
	Command  string `json:"command,omitempty"`
	Encoding string `json:"encoding,omitempty"`
}

// TerminalSession is an open terminal.
type TerminalSession struct {
	ID    string `json:"id"`
	PTY   bool   `json:"pty"`
	CmdID string `json:"cmdId,omitempty"`
}

// Managed server restart policies.
const (
	RestartNever     = "never"
	RestartOnFailure = "on-failure"
	RestartAlways    = "always"
)

// Managed server states.
const (
	ServerPending    = "pending"
	ServerInstalling = "installing"
	ServerStarting   = "starting"
	ServerRunning    = "running"
	ServerExited     = "exited"
	ServerFailed     = "failed"
	ServerStopped    = "stopped"
)

// ServerSpec declares a supervised server process.
type ServerSpec struct {
	Slug          string            `json:"slug"`
	Install       string            `json:"install,omitempty"`
	Start         string            `json:"start"`
	Path          string            `json:"path,omitempty"`
	Port          int               `json:"port,omitempty"`
	StrictPort    bool              `json:"strict_port,omitempty"`
	Autostart     bool              `json:"autostart,omitempty"`
	EnvFile       string            `json:"env_file,omitempty"`
	Environment   map[string]string `json:"environment,omitempty"`
	RestartPolicy string            `json:"restart_policy,omitempty"`
	MaxRestarts   int               `json:"max_restarts,omitempty"`
	RestartDelay  int               `json:"restart_delay_ms,omitempty"`
	StopTimeout   int               `json:"stop_timeout_ms,omitempty"`
	DependsOn     []string          `json:"depends_on,omitempty"`
	Overlays      []string          `json:"overlays,omitempty"`
	HealthCheck   string            `json:"health_check,omitempty"`
}

// ManagedServer is the supervisor's view of a server process.
type ManagedServer struct {
	ID       string     `json:"id"`
	Slug     string     `json:"slug"`
	State    string     `json:"state"`
	Port     int        `json:"port,omitempty"`
	PID      int        `json:"pid,omitempty"`
	Restarts int        `json:"restarts"`
	Spec     ServerSpec `json:"spec"`
}

// Overlay states.
const (
	OverlayPending    = "pending"
	OverlayInProgress = "in_progress"
	OverlayComplete   = "complete"
	OverlayFailed     = "failed"
)

// OverlaySpec copies a source tree into a target path. Light files are
// copied synchronously, heavy directories in the background.
type OverlaySpec struct {
	Source string   `json:"source"`
	Target string   `json:"target"`
	Ignore []string `json:"ignore,omitempty"`
}

// Overlay is an overlay copy operation.
type Overlay struct {
	ID    string `json:"id"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// Watcher subscribes to filesystem events under a path. Events arrive
// as envelopes on the returned channel name.
type Watcher struct {
	ID      string `json:"id"`
	Path    string `json:"path"`
	Channel string `json:"channel"`
}

// Watcher event kinds.
const (
	WatchChange = "change"
	WatchAdd    = "add"
	WatchRemove = "remove"
)

// SignalChannel is the dedicated channel for port, readiness and error
// signals.
const SignalChannel = "signals"

// FileSystem is the daemon's file capability.
type FileSystem interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, content []byte) error
	WriteBatch(ctx context.Context, writes []FileWrite) error
	Mkdir(ctx context.Context, path string) error
	ReadDir(ctx context.Context, path string) ([]FileInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
	Remove(ctx context.Context, path string) error
}

// CommandRunner is the daemon's command capability.
type CommandRunner interface {
	RunCommand(ctx context.Context, req CommandRequest) (*CommandResult, error)
}

// TerminalHost is the daemon's terminal capability.
type TerminalHost interface {
	CreateTerminal(ctx context.Context, req TerminalRequest) (*TerminalSession, error)
	DestroyTerminal(ctx context.Context, id string) error
}

// ServerSupervisor is the daemon's managed server capability.
type ServerSupervisor interface {
	CreateServer(ctx context.Context, spec ServerSpec) (*ManagedServer, error)
	GetServer(ctx context.Context, id string) (*ManagedServer, error)
	ListServers(ctx context.Context) ([]ManagedServer, error)
	StopServer(ctx context.Context, id string) error
	RestartServer(ctx context.Context, id string) error
	DeleteServer(ctx context.Context, id string) error
}

// OverlayManager is the daemon's overlay capability.
type OverlayManager interface {
	CreateOverlay(ctx context.Context, spec OverlaySpec) (*Overlay, error)
	GetOverlay(ctx context.Context, id string) (*Overlay, error)
	WaitOverlay(ctx context.Context, id string) (*Overlay, error)
}

// WatchHost is the daemon's file watching capability.
type WatchHost interface {
	CreateWatcher(ctx context.Context, path string) (*Watcher, error)
	DeleteWatcher(ctx context.Context, id string) error
}

// Provider is a runtime that can host computes. Minimal providers
// implement only CommandRunner and FileSystem, the richer capabilities
// are discovered by interface assertion and report Unsupported when
// absent.
type Provider interface {
	// Name identifies the provider.
	Name() string
	// Available reports whether the provider can serve in this
	// environment. Detection must be deterministic.
	Available(ctx context.Context) bool
}

// backoff describes the polling policy for operations that block on a
// daemon-side terminal state.
type backoff struct {
	initial     time.Duration
	cap         time.Duration
	factor      float64
	maxAttempts int
}

func (b backoff) next(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * b.factor)
	if next > b.cap {
		return b.cap
	}
	return next
}
