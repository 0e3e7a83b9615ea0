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

// Package defaults contains default constants used across the compute
// gateway codebase.
package defaults

import "time"

const (
	// GatewayListenAddr is the address the gateway front end binds to
	// unless configured otherwise.
	GatewayListenAddr = ":443"

	// DaemonPort is the port the intra-compute daemon listens on inside
	// every pod.
	DaemonPort = 8080

	// Namespace is the platform namespace computes are created in.
	Namespace = "computes"

	// DefaultPresetID is substituted when a compute create request does
	// not name a preset.
	DefaultPresetID = "default-development"

	// ComputeIDLength is the length of generated compute identifiers.
	ComputeIDLength = 12

	// ComputeIDMinLength and ComputeIDMaxLength bound identifiers
	// accepted from hostnames and paths.
	ComputeIDMinLength = 6
	ComputeIDMaxLength = 32
)

// Labels stamped on every workload the gateway materializes. The
// platform is the authoritative index for these, the gateway never
// keeps its own copy.
const (
	// AppLabel marks workloads managed by the gateway.
	AppLabel = "app"

	// AppLabelValue is the value of AppLabel on compute workloads.
	AppLabelValue = "compute"

	// ComputeIDLabel carries the compute identity on workloads and pods.
	ComputeIDLabel = "computeId"

	// PresetIDLabel carries the preset a workload was created from.
	PresetIDLabel = "presetId"
)

const (
	// APIKeyPrefix is the product tag API keys are displayed with.
	APIKeyPrefix = "sk"

	// APIKeyDisplayPrefixLength is how many characters of the raw key
	// are retained for display after creation.
	APIKeyDisplayPrefixLength = 8

	// AccessTokenTTL bounds user access tokens.
	AccessTokenTTL = 15 * time.Minute

	// RefreshTokenTTL bounds user refresh tokens.
	RefreshTokenTTL = 7 * 24 * time.Hour

	// ClaimableSessionTTL bounds claimable sessions.
	ClaimableSessionTTL = 24 * time.Hour
)

const (
	// HTTPDialTimeout is the dial timeout for proxied upstream requests.
	HTTPDialTimeout = 10 * time.Second

	// HTTPReadTimeout is the response header timeout for proxied
	// upstream requests.
	HTTPReadTimeout = 30 * time.Second

	// WSWriteTimeout bounds individual websocket writes.
	WSWriteTimeout = 10 * time.Second

	// WSPingInterval is how often ping frames are sent on idle
	// websocket connections.
	WSPingInterval = 54 * time.Second

	// WSPongTimeout is how long to wait for a pong before the peer is
	// considered gone.
	WSPongTimeout = 60 * time.Second

	// WSBufferSize is the read and write buffer size for websocket
	// upgrades.
	WSBufferSize = 1024

	// WSOutboundQueueLen is the per-subscriber outbound buffer in the
	// daemon stream hub. Slow consumers beyond this are disconnected.
	WSOutboundQueueLen = 256

	// DatabaseTimeout bounds individual auth store calls.
	DatabaseTimeout = 5 * time.Second

	// TeardownDelay is how long a compute stays up after its last
	// websocket connection goes away.
	TeardownDelay = 60 * time.Second

	// TeardownRetryDelay is how long to wait before retrying a failed
	// background teardown. A teardown is retried at most once.
	TeardownRetryDelay = 30 * time.Second

	// PresetBootstrapTimeout bounds default preset creation at startup.
	PresetBootstrapTimeout = 30 * time.Second

	// ProxyBufferSize is the copy chunk size for proxied request and
	// response bodies.
	ProxyBufferSize = 1 << 20
)

// Platform retry policy for transient cluster errors.
const (
	// PlatformRetryBase is the first backoff step.
	PlatformRetryBase = 200 * time.Millisecond

	// PlatformRetryCap bounds a single backoff step.
	PlatformRetryCap = 5 * time.Second

	// PlatformRetryAttempts is the total number of attempts, the first
	// one included.
	PlatformRetryAttempts = 5

	// TerminatingPodWait is how long compute creation waits for a
	// terminating pod with the same identity before retrying once.
	TerminatingPodWait = 5 * time.Second
)

// Polling policy for daemon operations that block on a terminal state
// (overlay completion, background commands).
const (
	// DaemonPollInitial is the first polling interval.
	DaemonPollInitial = 500 * time.Millisecond

	// DaemonPollCap bounds the polling interval.
	DaemonPollCap = 5 * time.Second

	// DaemonPollFactor is the interval growth factor.
	DaemonPollFactor = 1.5

	// DaemonPollMaxAttempts bounds the number of polls before the wait
	// is reported as timed out.
	DaemonPollMaxAttempts = 60
)

// Websocket envelope types spoken between clients, the gateway and the
// intra-compute daemon.
const (
	WebsocketConnected     = "connected"
	WebsocketSubscribe     = "subscribe"
	WebsocketUnsubscribe   = "unsubscribe"
	WebsocketCommandStart  = "command:start"
	WebsocketCommandStdout = "command:stdout"
	WebsocketCommandStderr = "command:stderr"
	WebsocketCommandExit   = "command:exit"
	WebsocketTerminalOut   = "terminal:output"
	WebsocketServerStatus  = "server:status"
	WebsocketSignalPort    = "signal:port"
	WebsocketSignalError   = "signal:error"
	WebsocketSignalReady   = "signal:server-ready"
)
