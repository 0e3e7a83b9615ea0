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

package authsvc

import (
	"errors"
)

// Authentication failures are deliberately uniform so callers cannot
// probe which part of a credential was wrong. They map to 401 at the
// HTTP layer, unlike the trace taxonomy which never produces 401.
var (
	// ErrInvalidCredentials is returned for unknown users, inactive
	// users and wrong passwords alike.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken is returned for malformed, tampered or
	// wrong-issuer bearer tokens and for unknown API keys and session
	// tokens.
	ErrInvalidToken = errors.New("invalid token")

	// ErrExpiredToken is returned for well-formed credentials past
	// their expiry.
	ErrExpiredToken = errors.New("expired token")
)

// IsUnauthenticated reports whether the error is an authentication
// failure that should surface as 401 rather than 403.
func IsUnauthenticated(err error) bool {
	return errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrExpiredToken)
}
