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

// Package ident extracts the compute identity from incoming requests.
// Extraction is a pure function of the request host and path.
package ident

import (
	"net/http"
	"strings"

	"github.com/computehq/compute-gateway/lib/defaults"
	"github.com/computehq/compute-gateway/lib/utils"
)

// Identity is the compute identity carried by a request.
type Identity struct {
	// ComputeID is the extracted compute identifier, empty when the
	// request carries none.
	ComputeID string
	// Port is the explicit target port from a "<port>-<id>" prefix,
	// zero when the request does not name one.
	Port int
}

// Extract resolves the compute identity of a request. Rules are
// evaluated in order, first match wins:
//
//  1. Host "<port>-<computeID>.<previewDomain>"
//  2. Host "<computeID>.<previewDomain>"
//  3. Path "/preview/<port>-<computeID>"
//  4. Path "/preview/<computeID>"
//
// Hostname rules outrank path rules. An empty ComputeID means the
// request does not address a compute.
func Extract(r *http.Request, previewDomain string) Identity {
	if id := fromHost(requestHost(r), previewDomain); id.ComputeID != "" {
		return id
	}
	return fromPath(r.URL.Path)
}

func requestHost(r *http.Request) string {
	host := r.Host
	if host == "" {
		return ""
	}
	// Strip any port the client dialed, it is unrelated to the target
	// port encoded in the subdomain.
	if h, _, err := utils.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func fromHost(host, previewDomain string) Identity {
	if host == "" || previewDomain == "" {
		return Identity{}
	}
	suffix := "." + previewDomain
	if !strings.HasSuffix(host, suffix) {
		return Identity{}
	}
	subdomain := strings.TrimSuffix(host, suffix)
	if subdomain == "" || strings.Contains(subdomain, ".") {
		return Identity{}
	}
	return parseSegment(subdomain)
}

func fromPath(path string) Identity {
	const prefix = "/preview/"
	if !strings.HasPrefix(path, prefix) {
		return Identity{}
	}
	segment := strings.TrimPrefix(path, prefix)
	if i := strings.IndexByte(segment, '/'); i >= 0 {
		segment = segment[:i]
	}
	return parseSegment(segment)
}

// parseSegment interprets "<port>-<id>" or "<id>". The port form only
// applies when the leading run of digits is a valid port and the rest
// is a valid id, otherwise the whole segment is treated as an id.
func parseSegment(segment string) Identity {
	if port, id, ok := splitPortID(segment); ok {
		return Identity{ComputeID: id, Port: port}
	}
	if validComputeID(segment) {
		return Identity{ComputeID: segment}
	}
	return Identity{}
}

func splitPortID(segment string) (int, string, bool) {
	i := strings.IndexByte(segment, '-')
	if i <= 0 {
		return 0, "", false
	}
	portStr, id := segment[:i], segment[i+1:]
	if !utils.ValidPort(portStr) {
		return 0, "", false
	}
	if !validComputeID(id) {
		return 0, "", false
	}
	port := 0
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}
	return port, id, true
}

func validComputeID(id string) bool {
	if len(id) < defaults.ComputeIDMinLength || len(id) > defaults.ComputeIDMaxLength {
		return false
	}
	if strings.Contains(id, ".") {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-':
		default:
			return false
		}
	}
	return true
}
