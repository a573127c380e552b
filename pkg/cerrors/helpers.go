// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cerrors

import "errors"

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsAuthorization reports whether err is or wraps an *AuthorizationError.
func IsAuthorization(err error) bool {
	var target *AuthorizationError
	return errors.As(err, &target)
}

// IsQuota reports whether err is or wraps a *QuotaError.
func IsQuota(err error) bool {
	var target *QuotaError
	return errors.As(err, &target)
}

// IsConfig reports whether err is or wraps a *ConfigError.
func IsConfig(err error) bool {
	var target *ConfigError
	return errors.As(err, &target)
}

// IsNotFound reports whether err is or wraps a *NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsProvider reports whether err is or wraps a *ProviderError.
func IsProvider(err error) bool {
	var target *ProviderError
	return errors.As(err, &target)
}

// IsRetryable reports whether err is a *ProviderError or *TimeoutError that
// the caller's retry policy should retry.
func IsRetryable(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable()
	}
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr)
}

// IsTerminal reports whether err is or wraps a *TerminalError.
func IsTerminal(err error) bool {
	var target *TerminalError
	return errors.As(err, &target)
}

// HTTPStatus maps a cerrors type to the HTTP status code it should surface
// as, per spec §7. Returns 500 for anything not in the taxonomy.
func HTTPStatus(err error) int {
	switch {
	case IsValidation(err):
		return 400
	case IsAuthorization(err):
		return 403
	case IsQuota(err):
		return 402
	case IsConfig(err):
		return 400
	case IsNotFound(err):
		return 404
	default:
		return 500
	}
}
