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

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderErrorRetryable(t *testing.T) {
	cases := []struct {
		name       string
		statusCode int
		want       bool
	}{
		{"no status code", 0, true},
		{"rate limited", 429, true},
		{"server error", 503, true},
		{"bad request", 400, false},
		{"not found", 404, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := &ProviderError{Provider: "twilio-compatible", StatusCode: tc.statusCode}
			assert.Equal(t, tc.want, err.Retryable())
			assert.Equal(t, tc.want, IsRetryable(err))
		})
	}
}

func TestWrappedErrorsUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("originate call: %w", &ProviderError{
		Provider: "twilio-compatible",
		Message:  "upstream unreachable",
		Cause:    cause,
	})

	assert.True(t, IsProvider(err))
	assert.ErrorIs(t, err, cause)
}

func TestHTTPStatus(t *testing.T) {
	require.Equal(t, 400, HTTPStatus(&ValidationError{Field: "phone_number", Message: "invalid"}))
	require.Equal(t, 403, HTTPStatus(&AuthorizationError{Resource: "campaign", OrgID: "org_1"}))
	require.Equal(t, 402, HTTPStatus(&QuotaError{Requested: 20, Limit: 10}))
	require.Equal(t, 404, HTTPStatus(&NotFoundError{Resource: "campaign", ID: "c_1"}))
	require.Equal(t, 500, HTTPStatus(errors.New("boom")))
}
