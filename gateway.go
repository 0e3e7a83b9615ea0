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

// Package gateway contains identifiers shared by every part of the
// compute gateway: component names used for logging and the release
// version reported by the CLI.
package gateway

// Version is the semantic version of the gateway, set at build time
// via -ldflags for release builds.
var Version = "0.0.0-dev"

const (
	// ComponentKey is the log field name component entries are keyed
	// under.
	ComponentKey = "component"

	// ComponentGateway is the top level gateway process.
	ComponentGateway = "gateway"

	// ComponentWeb is the HTTP front end serving the admin and auth API.
	ComponentWeb = "gateway:web"

	// ComponentHTTPProxy is the reverse proxy bridging preview traffic
	// into compute pods.
	ComponentHTTPProxy = "gateway:httpproxy"

	// ComponentWSProxy is the websocket proxy bridging interactive
	// streams into compute pods.
	ComponentWSProxy = "gateway:wsproxy"

	// ComponentTeardown is the idle compute teardown controller.
	ComponentTeardown = "gateway:teardown"

	// ComponentPlatform is the container platform client.
	ComponentPlatform = "gateway:platform"

	// ComponentPresets is the preset registry.
	ComponentPresets = "gateway:presets"

	// ComponentComputes is the compute lifecycle manager.
	ComponentComputes = "gateway:computes"

	// ComponentAuth is the authentication core.
	ComponentAuth = "gateway:auth"

	// ComponentDaemon is the client side of the intra-compute daemon
	// protocol.
	ComponentDaemon = "gateway:daemon"
)
