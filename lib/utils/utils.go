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

// Package utils implements small helpers shared across the gateway.
package utils

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"net"
	"strconv"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// computeIDAlphabet is the character set for generated compute
// identifiers. URL-safe and DNS-label-safe so identifiers can appear
// in hostnames.
const computeIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// RandomID returns a random URL-safe identifier of the given length.
func RandomID(length int) (string, error) {
	if length <= 0 {
		return "", trace.BadParameter("id length must be positive, got %v", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", trace.Wrap(err)
	}
	for i, b := range buf {
		buf[i] = computeIDAlphabet[int(b)%len(computeIDAlphabet)]
	}
	return string(buf), nil
}

// RandomHex returns n random bytes hex-encoded.
func RandomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", trace.Wrap(err)
	}
	return hex.EncodeToString(buf), nil
}

// SplitHostPort splits a network address of the form host:port and
// returns the parsed port. Addresses without a port return the host
// with port 0.
func SplitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// No port present, treat the whole address as a host.
		if addrErr, ok := err.(*net.AddrError); ok && addrErr.Err == "missing port in address" {
			return addr, 0, nil
		}
		return "", 0, trace.Wrap(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, trace.BadParameter("invalid port: %v", portStr)
	}
	if port < 0 || port > 65535 {
		return "", 0, trace.BadParameter("port out of range: %v", port)
	}
	return host, port, nil
}

// ValidPort reports whether the string is a valid TCP port number.
// Only plain digit runs qualify, signs and whitespace that Atoi would
// accept do not.
func ValidPort(s string) bool {
	if s == "" || len(s) > 5 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	port, err := strconv.Atoi(s)
	return err == nil && port <= 65535
}

// InitLoggerForTests sets the global logger to discard everything below
// the error level so test output stays readable.
func InitLoggerForTests() {
	logrus.StandardLogger().SetLevel(logrus.ErrorLevel)
	logrus.StandardLogger().SetOutput(io.Discard)
}
